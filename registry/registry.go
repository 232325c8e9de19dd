// Package registry persists the election configuration entities the engine
// consumes: elections, contests and areas. The portal owns richer versions
// of these rows; the engine only keeps the attributes that gate casting and
// tallying, stored as canonical JSON blobs beside their key columns.
package registry

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/scrutin-vote/scrutin/scrutin"
	"github.com/scrutin-vote/scrutin/store"
)

var ErrNotFound = errors.New("registry: entity not found")

type Registry struct {
	db *sql.DB
}

func New(db *sql.DB) (*Registry, error) {
	err := store.Exec(db,
		`CREATE TABLE IF NOT EXISTS elections (
			tenant_id TEXT NOT NULL,
			election_event_id TEXT NOT NULL,
			id TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL, -- unix seconds
			PRIMARY KEY (tenant_id, election_event_id, id)
		);`,
		`CREATE TABLE IF NOT EXISTS contests (
			tenant_id TEXT NOT NULL,
			election_event_id TEXT NOT NULL,
			election_id TEXT NOT NULL,
			id TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (tenant_id, election_event_id, election_id, id)
		);`,
		`CREATE TABLE IF NOT EXISTS areas (
			tenant_id TEXT NOT NULL,
			election_event_id TEXT NOT NULL,
			id TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (tenant_id, election_event_id, id)
		);`,
	)
	if err != nil {
		return nil, err
	}
	return &Registry{db: db}, nil
}

func (r *Registry) PutElection(scope scrutin.Scope, e *scrutin.Election) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if err := e.Window.Validate(); err != nil {
		return err
	}
	e.TenantID = scope.TenantID
	e.ElectionEventID = scope.ElectionEventID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`
		INSERT INTO elections (tenant_id, election_event_id, id, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, election_event_id, id) DO UPDATE SET data = excluded.data
	`, scope.TenantID, scope.ElectionEventID, e.ID, data, e.CreatedAt.Unix())
	return err
}

func (r *Registry) GetElection(scope scrutin.Scope, id string) (*scrutin.Election, error) {
	row := r.db.QueryRow(`
		SELECT data FROM elections
		WHERE tenant_id = ? AND election_event_id = ? AND id = ?
	`, scope.TenantID, scope.ElectionEventID, id)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e := &scrutin.Election{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *Registry) PutContest(scope scrutin.Scope, c *scrutin.Contest) error {
	c.SortCandidates()
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`
		INSERT INTO contests (tenant_id, election_event_id, election_id, id, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, election_event_id, election_id, id) DO UPDATE SET data = excluded.data
	`, scope.TenantID, scope.ElectionEventID, c.ElectionID, c.ID, data)
	return err
}

func (r *Registry) GetContest(scope scrutin.Scope, electionID, id string) (*scrutin.Contest, error) {
	row := r.db.QueryRow(`
		SELECT data FROM contests
		WHERE tenant_id = ? AND election_event_id = ? AND election_id = ? AND id = ?
	`, scope.TenantID, scope.ElectionEventID, electionID, id)
	return scanContest(row)
}

// ListContests returns the contests of an election ordered by id, the
// canonical sub-session ordering for tally planning.
func (r *Registry) ListContests(scope scrutin.Scope, electionID string) ([]*scrutin.Contest, error) {
	rows, err := r.db.Query(`
		SELECT data FROM contests
		WHERE tenant_id = ? AND election_event_id = ? AND election_id = ?
		ORDER BY id ASC
	`, scope.TenantID, scope.ElectionEventID, electionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*scrutin.Contest
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		c := &scrutin.Contest{}
		if err := json.Unmarshal(data, c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Registry) PutArea(scope scrutin.Scope, a *scrutin.Area) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`
		INSERT INTO areas (tenant_id, election_event_id, id, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, election_event_id, id) DO UPDATE SET data = excluded.data
	`, scope.TenantID, scope.ElectionEventID, a.ID, data)
	return err
}

// ListAreas returns all areas in the event ordered by id.
func (r *Registry) ListAreas(scope scrutin.Scope) ([]*scrutin.Area, error) {
	rows, err := r.db.Query(`
		SELECT data FROM areas
		WHERE tenant_id = ? AND election_event_id = ?
		ORDER BY id ASC
	`, scope.TenantID, scope.ElectionEventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*scrutin.Area
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		a := &scrutin.Area{}
		if err := json.Unmarshal(data, a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanContest(row *sql.Row) (*scrutin.Contest, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c := &scrutin.Contest{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}
