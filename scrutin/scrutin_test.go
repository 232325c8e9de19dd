package scrutin

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	cfg := ConfigErr("bad input")
	assert.Equal(t, KindConfiguration, KindOf(cfg))
	assert.False(t, Retryable(cfg))

	crypto := CryptoErr("proof failed")
	assert.Equal(t, KindCryptoVerification, KindOf(crypto))
	assert.False(t, Retryable(crypto))

	conflict := ConflictErr("lost the race")
	assert.Equal(t, KindConflict, KindOf(conflict))
	assert.True(t, Retryable(conflict))

	timeout := TimeoutErr("waited too long")
	assert.Equal(t, KindTimeout, KindOf(timeout))
	assert.True(t, Retryable(timeout))

	// classification survives wrapping
	wrapped := fmt.Errorf("outer: %w", cfg)
	assert.Equal(t, KindConfiguration, KindOf(wrapped))

	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestVotingWindow(t *testing.T) {
	w := &VotingWindow{
		Timezone: "UTC",
		Opens:    "2026-06-01T08:00:00",
		Closes:   "2026-06-01T20:00:00",
	}
	require.NoError(t, w.Validate())

	at := func(s string) time.Time {
		ts, err := time.Parse(time.RFC3339, s)
		require.NoError(t, err)
		return ts
	}
	assert.True(t, w.Contains(at("2026-06-01T12:00:00Z")))
	assert.False(t, w.Contains(at("2026-06-01T07:59:59Z")))
	assert.False(t, w.Contains(at("2026-06-01T20:00:01Z")))
	// the bounds themselves are exclusive
	assert.False(t, w.Contains(at("2026-06-01T08:00:00Z")))

	assert.True(t, w.Closed(at("2026-06-01T20:00:01Z")))
	assert.False(t, w.Closed(at("2026-06-01T12:00:00Z")))
	assert.False(t, w.Closed(at("2026-06-01T20:00:00Z")))

	bad := &VotingWindow{Timezone: "Mars/Olympus", Opens: w.Opens, Closes: w.Closes}
	assert.Error(t, bad.Validate())
	inverted := &VotingWindow{Timezone: "UTC", Opens: w.Closes, Closes: w.Opens}
	assert.Error(t, inverted.Validate())
}

func TestElectionOpen(t *testing.T) {
	e := &Election{
		Channels: VotingChannels{Online: true},
		Window: VotingWindow{
			Timezone: "UTC",
			Opens:    "2026-06-01T08:00:00",
			Closes:   "2026-06-01T20:00:00",
		},
	}
	noon, _ := time.Parse(time.RFC3339, "2026-06-01T12:00:00Z")
	assert.True(t, e.Open(ChannelOnline, noon))
	assert.False(t, e.Open(ChannelPaper, noon))
	assert.False(t, e.Open("carrier-pigeon", noon))
}

func TestCanonicalJSON(t *testing.T) {
	type inner struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	// field order in the struct must not affect the bytes
	var buf1, buf2 bytes.Buffer
	require.NoError(t, CanonicalJSON.Encode(&buf1, inner{A: 1, B: 2}))
	require.NoError(t, CanonicalJSON.Encode(&buf2, map[string]int{"b": 2, "a": 1}))
	assert.Equal(t, buf1.String(), buf2.String())
	assert.Equal(t, "{\"a\":1,\"b\":2}\n", buf1.String())

	h1, err := CanonicalJSON.Hash(nil, inner{A: 1, B: 2})
	require.NoError(t, err)
	assert.True(t, CanonicalJSON.HashCheck(map[string]int{"a": 1, "b": 2}, h1))
	assert.False(t, CanonicalJSON.HashCheck(map[string]int{"a": 1, "b": 3}, h1))
}

func TestContestValidate(t *testing.T) {
	c := &Contest{
		ID:                   "c1",
		MaxChoices:           2,
		WinningCandidatesNum: 1,
		Candidates:           []Candidate{{ID: "x"}, {ID: "y"}},
	}
	require.NoError(t, c.Validate())

	dup := *c
	dup.Candidates = []Candidate{{ID: "x"}, {ID: "x"}}
	assert.Error(t, dup.Validate())

	over := *c
	over.MaxChoices = 3
	assert.Error(t, over.Validate())
}

func TestContestSortCandidates(t *testing.T) {
	c := &Contest{Candidates: []Candidate{{ID: "z"}, {ID: "a"}, {ID: "m"}}}
	c.SortCandidates()
	assert.Equal(t, "a", c.Candidates[0].ID)
	assert.Equal(t, "m", c.Candidates[1].ID)
	assert.Equal(t, "z", c.Candidates[2].ID)
}
