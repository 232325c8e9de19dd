// Package ledger is the append-only store of encrypted cast votes.
//
// Rows are never mutated or deleted. A revote appends a new row for the
// same voter and supersession is resolved by the reader: the tally cursor
// yields only the latest ballot per voter. The only write-side guard is the
// per-voter revote limit.
package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scrutin-vote/scrutin/crypto/elgamal"
	"github.com/scrutin-vote/scrutin/registry"
	"github.com/scrutin-vote/scrutin/scrutin"
	"github.com/scrutin-vote/scrutin/store"
)

var (
	ErrElectionNotOpen     = scrutin.ConfigErr("ledger: election not open on this channel")
	ErrRevoteLimitExceeded = scrutin.ConfigErr("ledger: revote limit exceeded")
	ErrUnknownElection     = scrutin.ConfigErr("ledger: unknown election")
	ErrUnknownArea         = scrutin.ConfigErr("ledger: unknown area")
	ErrNotFound            = scrutin.ConfigErr("ledger: ballot not found")
)

// CastVote is one stored ballot. Content is immutable once persisted.
type CastVote struct {
	ID              string             `json:"id"`
	TenantID        string             `json:"tenantId"`
	ElectionEventID string             `json:"electionEventId"`
	ElectionID      string             `json:"electionId"`
	AreaID          string             `json:"areaId"`
	BallotID        string             `json:"ballotId"` // voter-facing tracker
	VoterID         string             `json:"voterIdString"`
	Channel         string             `json:"channel"`
	Content         *Content           `json:"content"`
	ContentHash     []byte             `json:"contentHash"`
	Signature       *elgamal.Signature `json:"castBallotSignature"`
	CreatedAt       time.Time          `json:"createdAt"`
}

var _ elgamal.Signable = (*CastVote)(nil)

// SignatureMessage binds the ledger receipt to the row identity and the
// content hash, so a voter can later prove what was stored for them.
func (cv *CastVote) SignatureMessage() []byte {
	return []byte(fmt.Sprintf("cast:%s/%s:%s:%s:%s:%x",
		cv.TenantID, cv.ElectionEventID, cv.ElectionID, cv.ID, cv.BallotID, cv.ContentHash))
}

// Ledger accepts ballots and serves them back for tallying. It signs every
// stored ballot with its own key so receipts have provenance.
type Ledger struct {
	db  *sql.DB
	reg *registry.Registry
	key *elgamal.KeyPair
	log zerolog.Logger
	now func() time.Time
}

func New(db *sql.DB, reg *registry.Registry, key *elgamal.KeyPair, log zerolog.Logger) (*Ledger, error) {
	err := store.Exec(db,
		`CREATE TABLE IF NOT EXISTS cast_votes (
			tenant_id TEXT NOT NULL,
			election_event_id TEXT NOT NULL,
			id TEXT NOT NULL,
			election_id TEXT NOT NULL,
			area_id TEXT NOT NULL,
			voter_id TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL, -- unix nanos, ordering key for revotes
			PRIMARY KEY (tenant_id, election_event_id, id)
		);`,
		`CREATE INDEX IF NOT EXISTS cast_votes_by_voter
			ON cast_votes (tenant_id, election_event_id, election_id, voter_id);`,
	)
	if err != nil {
		return nil, err
	}
	return &Ledger{
		db:  db,
		reg: reg,
		key: key,
		log: log.With().Str("component", "ledger").Logger(),
		now: time.Now,
	}, nil
}

// SigningKey exposes the public half of the receipt key for verifiers.
func (l *Ledger) SigningKey() *elgamal.PublicKey {
	return l.key.Public()
}

// CastRequest is the input to Cast. ID and timestamps are server-assigned.
type CastRequest struct {
	ElectionID string
	AreaID     string
	BallotID   string
	VoterID    string
	Channel    string
	Content    *Content
}

// Cast appends a ballot. The election must be open on the given channel and
// the voter must still be under the revote limit. The stored ballot comes
// back with its server-assigned id, timestamp and receipt signature.
func (l *Ledger) Cast(scope scrutin.Scope, req CastRequest) (*CastVote, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if req.VoterID == "" || req.Content == nil {
		return nil, scrutin.ConfigErr("ledger: missing voter id or content")
	}
	election, err := l.reg.GetElection(scope, req.ElectionID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, ErrUnknownElection
		}
		return nil, err
	}
	at := l.now().UTC()
	if !election.Open(req.Channel, at) {
		return nil, ErrElectionNotOpen
	}
	// every ballot must land in a tally sub-session: when the event is
	// subdivided into areas the ballot's area has to be a registered one,
	// or no accumulate cursor would ever read it
	areas, err := l.reg.ListAreas(scope)
	if err != nil {
		return nil, err
	}
	if len(areas) > 0 {
		known := false
		for _, a := range areas {
			if a.ID == req.AreaID {
				known = true
				break
			}
		}
		if !known {
			return nil, ErrUnknownArea
		}
	}

	cv := &CastVote{
		ID:              uuid.NewString(),
		TenantID:        scope.TenantID,
		ElectionEventID: scope.ElectionEventID,
		ElectionID:      req.ElectionID,
		AreaID:          req.AreaID,
		BallotID:        req.BallotID,
		VoterID:         req.VoterID,
		Channel:         req.Channel,
		Content:         req.Content,
		CreatedAt:       at,
	}
	cv.ContentHash, err = req.Content.Hash()
	if err != nil {
		return nil, err
	}
	cv.Signature = l.key.Secret().Sign(cv)

	data, err := json.Marshal(cv)
	if err != nil {
		return nil, err
	}
	// the limit check and the append commit together, so racing revotes
	// by one voter cannot both slip under the limit
	tx, err := l.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	var cast int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM cast_votes
		WHERE tenant_id = ? AND election_event_id = ? AND election_id = ? AND voter_id = ?
	`, scope.TenantID, scope.ElectionEventID, req.ElectionID, req.VoterID).Scan(&cast)
	if err != nil {
		return nil, err
	}
	if cast >= election.NumAllowedRevotes+1 {
		return nil, ErrRevoteLimitExceeded
	}
	_, err = tx.Exec(`
		INSERT INTO cast_votes (tenant_id, election_event_id, id, election_id, area_id, voter_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, cv.TenantID, cv.ElectionEventID, cv.ID, cv.ElectionID, cv.AreaID, cv.VoterID, data, cv.CreatedAt.UnixNano())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	l.log.Info().
		Str("election", cv.ElectionID).
		Str("area", cv.AreaID).
		Str("ballot", cv.BallotID).
		Str("channel", cv.Channel).
		Msg("ballot cast")
	return cv, nil
}

// Get fetches a stored ballot by id.
func (l *Ledger) Get(scope scrutin.Scope, id string) (*CastVote, error) {
	row := l.db.QueryRow(`
		SELECT data FROM cast_votes
		WHERE tenant_id = ? AND election_event_id = ? AND id = ?
	`, scope.TenantID, scope.ElectionEventID, id)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	cv := &CastVote{}
	if err := json.Unmarshal(data, cv); err != nil {
		return nil, err
	}
	return cv, nil
}

const cursorBatchSize = 256

// Cursor streams the countable ballot per voter: the latest by created_at,
// ties broken by id. It is lazy (batched reads) and restartable: Position
// reports the last voter yielded and a new cursor can resume after it.
type Cursor struct {
	l          *Ledger
	scope      scrutin.Scope
	electionID string
	areaID     string // empty means all areas
	after      string
	batch      []*CastVote
	done       bool
}

// CursorForTally opens a tally cursor. after restarts the stream following
// the given voter id, "" starts from the beginning.
func (l *Ledger) CursorForTally(scope scrutin.Scope, electionID, areaID, after string) *Cursor {
	return &Cursor{
		l:          l,
		scope:      scope,
		electionID: electionID,
		areaID:     areaID,
		after:      after,
	}
}

// Next returns the next countable ballot, or io.EOF when the stream ends.
func (c *Cursor) Next() (*CastVote, error) {
	if len(c.batch) == 0 {
		if c.done {
			return nil, io.EOF
		}
		if err := c.fill(); err != nil {
			return nil, err
		}
		if len(c.batch) == 0 {
			c.done = true
			return nil, io.EOF
		}
	}
	cv := c.batch[0]
	c.batch = c.batch[1:]
	c.after = cv.VoterID
	return cv, nil
}

// Position is the restart token: the voter id of the last ballot yielded.
func (c *Cursor) Position() string {
	return c.after
}

func (c *Cursor) fill() error {
	// the anti-join keeps only the newest row per voter
	q := `
		SELECT cv.data FROM cast_votes cv
		WHERE cv.tenant_id = ? AND cv.election_event_id = ? AND cv.election_id = ?
		AND cv.voter_id > ?
		AND NOT EXISTS (
			SELECT 1 FROM cast_votes x
			WHERE x.tenant_id = cv.tenant_id
			AND x.election_event_id = cv.election_event_id
			AND x.election_id = cv.election_id
			AND x.voter_id = cv.voter_id
			AND (x.created_at > cv.created_at
				OR (x.created_at = cv.created_at AND x.id > cv.id))
		)`
	args := []interface{}{c.scope.TenantID, c.scope.ElectionEventID, c.electionID, c.after}
	if c.areaID != "" {
		q += ` AND cv.area_id = ?`
		args = append(args, c.areaID)
	}
	q += ` ORDER BY cv.voter_id ASC LIMIT ?`
	args = append(args, cursorBatchSize)

	rows, err := c.l.db.Query(q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return err
		}
		cv := &CastVote{}
		if err := json.Unmarshal(data, cv); err != nil {
			return err
		}
		c.batch = append(c.batch, cv)
	}
	if len(c.batch) < cursorBatchSize {
		c.done = true
	}
	return rows.Err()
}
