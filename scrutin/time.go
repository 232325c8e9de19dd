package scrutin

import (
	"time"
)

// like RFC3339, but without TZ info!
const TimeSpecFormat = `2006-01-02T15:04:05`

// TimeSpec is a wall-clock time without zone. Voting windows are configured
// for dates in the future, so we must keep wall clock times plus the zone
// name rather than absolute instants (timezones change).
type TimeSpec string

// ToTime converts the spec into a point in time. If the time is far in the
// future this can return a different instant closer to the time.
func (ts TimeSpec) ToTime(zone string) (time.Time, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, err
	}
	return time.ParseInLocation(TimeSpecFormat, string(ts), loc)
}

// VotingWindow bounds the vote-casting phase of an election.
type VotingWindow struct {
	Timezone string   `json:"timeZone"`
	Opens    TimeSpec `json:"opens"`
	Closes   TimeSpec `json:"closes"`
}

// Validate checks the zone resolves and the bounds parse and are ordered.
func (w *VotingWindow) Validate() error {
	if _, err := time.LoadLocation(w.Timezone); err != nil {
		return ConfigErr("voting window: unknown timezone %q", w.Timezone)
	}
	opens, err := w.Opens.ToTime(w.Timezone)
	if err != nil {
		return ConfigErr("voting window: bad opens time %q: %v", w.Opens, err)
	}
	closes, err := w.Closes.ToTime(w.Timezone)
	if err != nil {
		return ConfigErr("voting window: bad closes time %q: %v", w.Closes, err)
	}
	if !opens.Before(closes) {
		return ConfigErr("voting window: opens %q not before closes %q", w.Opens, w.Closes)
	}
	return nil
}

// Contains reports whether t falls inside the window.
func (w *VotingWindow) Contains(t time.Time) bool {
	opens, err := w.Opens.ToTime(w.Timezone)
	if err != nil {
		return false
	}
	closes, err := w.Closes.ToTime(w.Timezone)
	if err != nil {
		return false
	}
	return t.After(opens) && t.Before(closes)
}

// Closed reports whether t falls after the window's close.
func (w *VotingWindow) Closed(t time.Time) bool {
	closes, err := w.Closes.ToTime(w.Timezone)
	if err != nil {
		return false
	}
	return t.After(closes)
}
