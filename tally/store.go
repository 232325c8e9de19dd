package tally

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/scrutin-vote/scrutin/scrutin"
	"github.com/scrutin-vote/scrutin/store"
)

// tallyStore persists sessions, executions, step outputs and trustee
// partials. Step outputs are append-only and written in the same
// transaction that advances the execution cursor.
type tallyStore struct {
	db *sql.DB
}

func newStore(db *sql.DB) (*tallyStore, error) {
	err := store.Exec(db,
		`CREATE TABLE IF NOT EXISTS tally_sessions (
			tenant_id TEXT NOT NULL,
			election_event_id TEXT NOT NULL,
			id TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, election_event_id, id)
		);`,
		`CREATE TABLE IF NOT EXISTS tally_executions (
			tenant_id TEXT NOT NULL,
			election_event_id TEXT NOT NULL,
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			data BLOB NOT NULL,
			state TEXT NOT NULL,
			current_message_id INTEGER NOT NULL,
			version INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, election_event_id, id)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS tally_executions_by_session
			ON tally_executions (tenant_id, election_event_id, session_id);`,
		`CREATE TABLE IF NOT EXISTS tally_steps (
			execution_id TEXT NOT NULL,
			message_id INTEGER NOT NULL,
			output BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (execution_id, message_id)
		);`,
		`CREATE TABLE IF NOT EXISTS tally_partials (
			execution_id TEXT NOT NULL,
			subsession_id TEXT NOT NULL,
			trustee_id TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (execution_id, subsession_id, trustee_id)
		);`,
	)
	if err != nil {
		return nil, err
	}
	return &tallyStore{db: db}, nil
}

func (s *tallyStore) insertSession(sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO tally_sessions (tenant_id, election_event_id, id, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, sess.Scope.TenantID, sess.Scope.ElectionEventID, sess.ID, data, sess.CreatedAt.Unix())
	return err
}

func (s *tallyStore) getSession(scope scrutin.Scope, id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT data FROM tally_sessions
		WHERE tenant_id = ? AND election_event_id = ? AND id = ?
	`, scope.TenantID, scope.ElectionEventID, id)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	sess := &Session{}
	if err := json.Unmarshal(data, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *tallyStore) insertExecution(e *Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO tally_executions (tenant_id, election_event_id, id, session_id, data, state, current_message_id, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Scope.TenantID, e.Scope.ElectionEventID, e.ID, e.SessionID, data, string(e.State), e.CurrentMessageID, e.Version)
	// a concurrent starter loses the one-execution-per-session race here
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrExecutionExists
	}
	return err
}

func (s *tallyStore) getExecution(scope scrutin.Scope, id string) (*Execution, error) {
	row := s.db.QueryRow(`
		SELECT data, state, current_message_id, version FROM tally_executions
		WHERE tenant_id = ? AND election_event_id = ? AND id = ?
	`, scope.TenantID, scope.ElectionEventID, id)
	return scanExecution(row)
}

func (s *tallyStore) getExecutionBySession(scope scrutin.Scope, sessionID string) (*Execution, error) {
	row := s.db.QueryRow(`
		SELECT data, state, current_message_id, version FROM tally_executions
		WHERE tenant_id = ? AND election_event_id = ? AND session_id = ?
	`, scope.TenantID, scope.ElectionEventID, sessionID)
	return scanExecution(row)
}

func scanExecution(row *sql.Row) (*Execution, error) {
	var data []byte
	var state string
	var current, version int64
	if err := row.Scan(&data, &state, &current, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	e := &Execution{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, err
	}
	// the indexed columns win over the blob for concurrency control
	e.State = ExecState(state)
	e.CurrentMessageID = current
	e.Version = version
	return e, nil
}

// advance writes a step output and moves the cursor in one transaction,
// guarded by the version the caller read. A crash can therefore never
// leave an output without the cursor or vice versa.
func (s *tallyStore) advance(e *Execution, messageID int64, output []byte, to ExecState, mutate func(*Execution)) error {
	next := *e
	next.State = to
	next.CurrentMessageID = messageID
	next.Version = e.Version + 1
	if mutate != nil {
		mutate(&next)
	}
	data, err := json.Marshal(&next)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if output != nil {
		if _, err := tx.Exec(`
			INSERT INTO tally_steps (execution_id, message_id, output, created_at)
			VALUES (?, ?, ?, ?)
		`, e.ID, messageID, output, time.Now().Unix()); err != nil {
			return err
		}
	}
	res, err := tx.Exec(`
		UPDATE tally_executions SET data = ?, state = ?, current_message_id = ?, version = ?
		WHERE tenant_id = ? AND election_event_id = ? AND id = ? AND version = ?
	`, data, string(next.State), next.CurrentMessageID, next.Version,
		e.Scope.TenantID, e.Scope.ElectionEventID, e.ID, e.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	*e = next
	return nil
}

func (s *tallyStore) stepOutput(executionID string, messageID int64) ([]byte, error) {
	row := s.db.QueryRow(`
		SELECT output FROM tally_steps WHERE execution_id = ? AND message_id = ?
	`, executionID, messageID)
	var out []byte
	if err := row.Scan(&out); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (s *tallyStore) insertPartial(executionID, subSessionID string, p *Partial) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO tally_partials (execution_id, subsession_id, trustee_id, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, executionID, subSessionID, p.TrusteeID, data, time.Now().Unix())
	return err
}

func (s *tallyStore) hasPartial(executionID, subSessionID, trusteeID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`
		SELECT 1 FROM tally_partials WHERE execution_id = ? AND subsession_id = ? AND trustee_id = ?
	`, executionID, subSessionID, trusteeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *tallyStore) partials(executionID, subSessionID string) ([]*Partial, error) {
	rows, err := s.db.Query(`
		SELECT data FROM tally_partials
		WHERE execution_id = ? AND subsession_id = ?
		ORDER BY trustee_id ASC
	`, executionID, subSessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Partial
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		p := &Partial{}
		if err := json.Unmarshal(data, p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *tallyStore) countPartials(executionID, subSessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM tally_partials WHERE execution_id = ? AND subsession_id = ?
	`, executionID, subSessionID).Scan(&n)
	return n, err
}
