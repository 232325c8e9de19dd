package ceremony

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/scrutin-vote/scrutin/scrutin"
	"github.com/scrutin-vote/scrutin/store"
)

// Store persists ceremonies and their trustee submissions. The ceremony
// row carries a version column for optimistic concurrency on state
// transitions; commitment and share rows are append-only, one per trustee.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) (*Store, error) {
	err := store.Exec(db,
		`CREATE TABLE IF NOT EXISTS keys_ceremonies (
			tenant_id TEXT NOT NULL,
			election_event_id TEXT NOT NULL,
			id TEXT NOT NULL,
			data BLOB NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at INTEGER NOT NULL, -- unix seconds
			PRIMARY KEY (tenant_id, election_event_id, id)
		);`,
		`CREATE TABLE IF NOT EXISTS ceremony_commitments (
			ceremony_id TEXT NOT NULL,
			trustee_id TEXT NOT NULL,
			trustee_index INTEGER NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (ceremony_id, trustee_id)
		);`,
		`CREATE TABLE IF NOT EXISTS ceremony_shares (
			ceremony_id TEXT NOT NULL,
			trustee_id TEXT NOT NULL,
			trustee_index INTEGER NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (ceremony_id, trustee_id)
		);`,
	)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) insertCeremony(c *Ceremony) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO keys_ceremonies (tenant_id, election_event_id, id, data, state, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.Scope.TenantID, c.Scope.ElectionEventID, c.ID, data, string(c.State), c.Version, c.CreatedAt.Unix())
	return err
}

func (s *Store) Get(scope scrutin.Scope, id string) (*Ceremony, error) {
	row := s.db.QueryRow(`
		SELECT data, state, version FROM keys_ceremonies
		WHERE tenant_id = ? AND election_event_id = ? AND id = ?
	`, scope.TenantID, scope.ElectionEventID, id)
	var data []byte
	var state string
	var version int64
	if err := row.Scan(&data, &state, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c := &Ceremony{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, err
	}
	// the indexed columns are authoritative for concurrency control
	c.State = State(state)
	c.Version = version
	// keys serialize as bare group elements, reattach the system params
	if c.PublicKey != nil && c.Settings != nil {
		c.PublicKey.System = c.Settings.Params
	}
	return c, nil
}

// transition advances the ceremony state using the version the caller read.
// If another writer got there first we re-read: landing on the same target
// state counts as success, anything else is a conflict.
func (s *Store) transition(c *Ceremony, to State, mutate func(*Ceremony)) error {
	next := *c
	next.State = to
	next.Version = c.Version + 1
	if mutate != nil {
		mutate(&next)
	}
	data, err := json.Marshal(&next)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE keys_ceremonies SET data = ?, state = ?, version = ?
		WHERE tenant_id = ? AND election_event_id = ? AND id = ? AND version = ?
	`, data, string(to), next.Version,
		c.Scope.TenantID, c.Scope.ElectionEventID, c.ID, c.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		cur, gerr := s.Get(c.Scope, c.ID)
		if gerr == nil && cur.State == to {
			*c = *cur
			return nil
		}
		return ErrConflict
	}
	*c = next
	return nil
}

func (s *Store) insertCommitment(cm *Commitment) error {
	data, err := json.Marshal(cm)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO ceremony_commitments (ceremony_id, trustee_id, trustee_index, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, cm.CeremonyID, cm.TrusteeID, cm.Index, data, time.Now().Unix())
	return err
}

func (s *Store) hasCommitment(ceremonyID, trusteeID string) (bool, error) {
	return s.exists(`SELECT 1 FROM ceremony_commitments WHERE ceremony_id = ? AND trustee_id = ?`, ceremonyID, trusteeID)
}

// Commitments returns every stored commitment keyed by trustee index.
func (s *Store) Commitments(ceremonyID string) (map[int]*Commitment, error) {
	rows, err := s.db.Query(`
		SELECT data FROM ceremony_commitments WHERE ceremony_id = ? ORDER BY trustee_index ASC
	`, ceremonyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int]*Commitment{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		cm := &Commitment{}
		if err := json.Unmarshal(data, cm); err != nil {
			return nil, err
		}
		out[cm.Index] = cm
	}
	return out, rows.Err()
}

func (s *Store) insertShare(sh *Share) error {
	data, err := json.Marshal(sh)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO ceremony_shares (ceremony_id, trustee_id, trustee_index, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, sh.CeremonyID, sh.TrusteeID, sh.Index, data, time.Now().Unix())
	return err
}

func (s *Store) hasShare(ceremonyID, trusteeID string) (bool, error) {
	return s.exists(`SELECT 1 FROM ceremony_shares WHERE ceremony_id = ? AND trustee_id = ?`, ceremonyID, trusteeID)
}

// Shares returns every stored share keyed by trustee index.
func (s *Store) Shares(ceremonyID string) (map[int]*Share, error) {
	rows, err := s.db.Query(`
		SELECT data FROM ceremony_shares WHERE ceremony_id = ? ORDER BY trustee_index ASC
	`, ceremonyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int]*Share{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		sh := &Share{}
		if err := json.Unmarshal(data, sh); err != nil {
			return nil, err
		}
		out[sh.Index] = sh
	}
	return out, rows.Err()
}

func (s *Store) exists(query string, args ...interface{}) (bool, error) {
	var one int
	err := s.db.QueryRow(query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
