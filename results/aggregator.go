package results

import (
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scrutin-vote/scrutin/registry"
	"github.com/scrutin-vote/scrutin/results/counting"
	"github.com/scrutin-vote/scrutin/scrutin"
	"github.com/scrutin-vote/scrutin/store"
	"github.com/scrutin-vote/scrutin/tally"
)

// Aggregator turns a completed execution's combine outputs into the
// results hierarchy, exactly once per execution.
type Aggregator struct {
	db     *sql.DB
	reg    *registry.Registry
	engine *tally.Engine
	log    zerolog.Logger
}

func New(db *sql.DB, reg *registry.Registry, engine *tally.Engine, log zerolog.Logger) (*Aggregator, error) {
	err := store.Exec(db,
		`CREATE TABLE IF NOT EXISTS results_events (
			tenant_id TEXT NOT NULL,
			election_event_id TEXT NOT NULL,
			id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, election_event_id, id)
		);`,
		// append-once: one results event per execution, ever
		`CREATE UNIQUE INDEX IF NOT EXISTS results_events_by_execution
			ON results_events (tenant_id, election_event_id, execution_id);`,
		`CREATE TABLE IF NOT EXISTS results_elections (
			results_event_id TEXT NOT NULL,
			election_id TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (results_event_id, election_id)
		);`,
		`CREATE TABLE IF NOT EXISTS results_contests (
			results_event_id TEXT NOT NULL,
			election_id TEXT NOT NULL,
			area_id TEXT NOT NULL, -- '' on the election-wide row
			contest_id TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (results_event_id, election_id, area_id, contest_id)
		);`,
		`CREATE TABLE IF NOT EXISTS results_contest_candidates (
			results_event_id TEXT NOT NULL,
			election_id TEXT NOT NULL,
			area_id TEXT NOT NULL,
			contest_id TEXT NOT NULL,
			candidate_id TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (results_event_id, election_id, area_id, contest_id, candidate_id)
		);`,
	)
	if err != nil {
		return nil, err
	}
	return &Aggregator{
		db:     db,
		reg:    reg,
		engine: engine,
		log:    log.With().Str("component", "results").Logger(),
	}, nil
}

// Aggregate builds and persists the results hierarchy for a completed
// execution. Calling it again for the same execution fails with
// ErrAlreadyAggregated and leaves the first run's rows untouched.
func (a *Aggregator) Aggregate(scope scrutin.Scope, executionID string) (*EventResult, error) {
	exec, err := a.engine.GetExecution(scope, executionID)
	if err != nil {
		return nil, err
	}
	if exec.State != tally.ExecCompleted {
		return nil, ErrExecutionNotCompleted
	}
	if existing, err := a.GetByExecution(scope, executionID); err == nil && existing != nil {
		return nil, ErrAlreadyAggregated
	}

	combines, err := a.engine.CombineOutputs(scope, executionID)
	if err != nil {
		return nil, err
	}
	event, err := a.build(scope, executionID, combines)
	if err != nil {
		return nil, err
	}
	if err := a.persist(event); err != nil {
		return nil, err
	}
	a.log.Info().
		Str("execution", executionID).
		Str("results_event", event.ID).
		Int("elections", len(event.Elections)).
		Msg("results aggregated")
	return event, nil
}

func (a *Aggregator) build(scope scrutin.Scope, executionID string, combines []*tally.CombineOutput) (*EventResult, error) {
	// group the per (election, area, contest) outputs by election
	byElection := map[string][]*tally.CombineOutput{}
	var electionIDs []string
	for _, co := range combines {
		if _, seen := byElection[co.ElectionID]; !seen {
			electionIDs = append(electionIDs, co.ElectionID)
		}
		byElection[co.ElectionID] = append(byElection[co.ElectionID], co)
	}
	sort.Strings(electionIDs)

	event := &EventResult{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Scope:       scope,
		CreatedAt:   time.Now().UTC(),
	}
	for _, electionID := range electionIDs {
		er, err := a.buildElection(scope, electionID, byElection[electionID])
		if err != nil {
			return nil, err
		}
		event.Elections = append(event.Elections, *er)
		event.Counts.add(er.Counts)
	}
	return event, nil
}

func (a *Aggregator) buildElection(scope scrutin.Scope, electionID string, combines []*tally.CombineOutput) (*ElectionResult, error) {
	election, err := a.reg.GetElection(scope, electionID)
	if err != nil {
		return nil, err
	}
	er := &ElectionResult{
		ElectionID:     electionID,
		EligibleCensus: election.EligibleCensus,
	}

	// per contest: the area rows plus the election-wide roll-up
	byContest := map[string][]*tally.CombineOutput{}
	var contestIDs []string
	for _, co := range combines {
		if _, seen := byContest[co.ContestID]; !seen {
			contestIDs = append(contestIDs, co.ContestID)
		}
		byContest[co.ContestID] = append(byContest[co.ContestID], co)
	}
	sort.Strings(contestIDs)

	for i, contestID := range contestIDs {
		contest, err := a.reg.GetContest(scope, electionID, contestID)
		if err != nil {
			return nil, err
		}
		areaRows := byContest[contestID]
		multiArea := len(areaRows) > 1 || (len(areaRows) == 1 && areaRows[0].AreaID != "")

		// election-wide contest row from the sum over areas
		total := make([]uint64, len(contest.Candidates))
		sum := &tally.CombineOutput{ElectionID: electionID, ContestID: contestID, CandidateCounts: total}
		for _, co := range areaRows {
			sum.TotalBallots += co.TotalBallots
			sum.ImplicitInvalid += co.ImplicitInvalid
			sum.BlankVotes += co.BlankVotes
			sum.SpoilVotes += co.SpoilVotes
			for i, n := range co.CandidateCounts {
				total[i] += n
			}
			if multiArea {
				row, err := contestRow(contest, co, co.AreaID)
				if err != nil {
					return nil, err
				}
				er.AreaContests = append(er.AreaContests, *row)
			}
		}
		row, err := contestRow(contest, sum, "")
		if err != nil {
			return nil, err
		}
		er.Contests = append(er.Contests, *row)

		// every contest sees the same ballots, so the election totals
		// come from one contest, not a sum over all of them
		if i == 0 {
			er.Counts = row.Counts
		}
	}
	// denominator: eligible_census
	er.TurnoutPercent = pct(er.TotalVotes, er.EligibleCensus)
	return er, nil
}

// contestRow computes one contest result row (election-wide or per area)
// from the decrypted counts, ranking candidates with the contest's
// counting strategy.
func contestRow(contest *scrutin.Contest, co *tally.CombineOutput, areaID string) (*ContestResult, error) {
	strategy, err := counting.ForContest(contest)
	if err != nil {
		return nil, err
	}
	counts := map[string]uint64{}
	for i, cand := range contest.Candidates {
		counts[cand.ID] = co.CandidateCounts[i]
	}
	ranked, err := strategy.Rank(contest, counts)
	if err != nil {
		return nil, err
	}

	row := &ContestResult{
		ContestID:  contest.ID,
		ElectionID: co.ElectionID,
		AreaID:     areaID,
		Counts: Counts{
			TotalVotes:           co.TotalBallots,
			BlankVotes:           co.BlankVotes,
			ExplicitInvalidVotes: co.SpoilVotes,
			ImplicitInvalidVotes: co.ImplicitInvalid,
		},
	}
	invalid := row.BlankVotes + row.ExplicitInvalidVotes + row.ImplicitInvalidVotes
	if invalid > row.TotalVotes {
		return nil, scrutin.CryptoErr("results: contest %s counts exceed ballots", contest.ID)
	}
	row.ValidVotes = row.TotalVotes - invalid
	// denominators: this row's total_votes
	row.BlankPercent = pct(row.BlankVotes, row.TotalVotes)
	row.ExplicitInvalidPercent = pct(row.ExplicitInvalidVotes, row.TotalVotes)
	row.ImplicitInvalidPercent = pct(row.ImplicitInvalidVotes, row.TotalVotes)
	row.ValidPercent = pct(row.ValidVotes, row.TotalVotes)

	for _, r := range ranked {
		row.Candidates = append(row.Candidates, CandidateResult{
			CandidateID:      r.CandidateID,
			CastVotes:        r.CastVotes,
			VoteSharePercent: pct(r.CastVotes, row.TotalVotes),
			WinningPosition:  r.WinningPosition,
		})
	}
	return row, nil
}

// persist writes the whole hierarchy in one transaction. The unique index
// on execution_id closes the race between two concurrent aggregations.
func (a *Aggregator) persist(event *EventResult) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO results_events (tenant_id, election_event_id, id, execution_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.Scope.TenantID, event.Scope.ElectionEventID, event.ID, event.ExecutionID, data, event.CreatedAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrAlreadyAggregated
		}
		return err
	}

	for i := range event.Elections {
		er := &event.Elections[i]
		if err := insertJSON(tx, `
			INSERT INTO results_elections (results_event_id, election_id, data) VALUES (?, ?, ?)
		`, er, event.ID, er.ElectionID); err != nil {
			return err
		}
		rows := append(append([]ContestResult{}, er.Contests...), er.AreaContests...)
		for j := range rows {
			cr := &rows[j]
			if err := insertJSON(tx, `
				INSERT INTO results_contests (results_event_id, election_id, area_id, contest_id, data)
				VALUES (?, ?, ?, ?, ?)
			`, cr, event.ID, cr.ElectionID, cr.AreaID, cr.ContestID); err != nil {
				return err
			}
			for k := range cr.Candidates {
				cand := &cr.Candidates[k]
				if err := insertJSON(tx, `
					INSERT INTO results_contest_candidates (results_event_id, election_id, area_id, contest_id, candidate_id, data)
					VALUES (?, ?, ?, ?, ?, ?)
				`, cand, event.ID, cr.ElectionID, cr.AreaID, cr.ContestID, cand.CandidateID); err != nil {
					return err
				}
			}
		}
	}
	return tx.Commit()
}

func insertJSON(tx *sql.Tx, query string, v interface{}, keys ...interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	args := append(keys, data)
	_, err = tx.Exec(query, args...)
	return err
}

// GetEvent loads a results event by id.
func (a *Aggregator) GetEvent(scope scrutin.Scope, id string) (*EventResult, error) {
	return a.getEvent(`
		SELECT data FROM results_events
		WHERE tenant_id = ? AND election_event_id = ? AND id = ?
	`, scope.TenantID, scope.ElectionEventID, id)
}

// GetByExecution loads the results event produced by an execution, if any.
func (a *Aggregator) GetByExecution(scope scrutin.Scope, executionID string) (*EventResult, error) {
	return a.getEvent(`
		SELECT data FROM results_events
		WHERE tenant_id = ? AND election_event_id = ? AND execution_id = ?
	`, scope.TenantID, scope.ElectionEventID, executionID)
}

func (a *Aggregator) getEvent(query string, args ...interface{}) (*EventResult, error) {
	var data []byte
	if err := a.db.QueryRow(query, args...).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	event := &EventResult{}
	if err := json.Unmarshal(data, event); err != nil {
		return nil, err
	}
	return event, nil
}
