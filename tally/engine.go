package tally

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scrutin-vote/scrutin/ceremony"
	"github.com/scrutin-vote/scrutin/ledger"
	"github.com/scrutin-vote/scrutin/registry"
	"github.com/scrutin-vote/scrutin/scrutin"
)

// Engine drives tally session executions. It owns no long-lived locks:
// every operation is load, check, act, persist-with-version-check, so any
// number of workers can drive steps as long as they respect the ordering.
type Engine struct {
	store      *tallyStore
	reg        *registry.Registry
	ledger     *ledger.Ledger
	ceremonies *ceremony.Machine
	log        zerolog.Logger

	// quorum wait polling; tests shorten this
	pollInterval time.Duration
}

func New(db *sql.DB, reg *registry.Registry, l *ledger.Ledger, cer *ceremony.Machine, log zerolog.Logger) (*Engine, error) {
	st, err := newStore(db)
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:        st,
		reg:          reg,
		ledger:       l,
		ceremonies:   cer,
		log:          log.With().Str("component", "tally").Logger(),
		pollInterval: 250 * time.Millisecond,
	}, nil
}

// CreateSessionParams is the operator input for a new tally session.
type CreateSessionParams struct {
	ID             string         `json:"id"` // assigned if empty
	Name           string         `json:"name"`
	KeysCeremonyID string         `json:"keysCeremonyId"`
	TallyType      string         `json:"tallyType"`
	Configuration  *Configuration `json:"configuration"`
}

// CreateSession registers a tally session. The referenced keys ceremony
// must already be completed; the session inherits its threshold.
func (en *Engine) CreateSession(scope scrutin.Scope, p CreateSessionParams) (*Session, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := p.Configuration.Validate(); err != nil {
		return nil, err
	}
	cer, err := en.ceremonies.Get(scope, p.KeysCeremonyID)
	if err != nil {
		return nil, err
	}
	if cer.State != ceremony.StateCompleted {
		return nil, ErrCeremonyNotCompleted
	}
	if p.TallyType == "" {
		p.TallyType = "homomorphic"
	}
	sess := &Session{
		ID:             p.ID,
		Scope:          scope,
		Name:           p.Name,
		KeysCeremonyID: p.KeysCeremonyID,
		Threshold:      cer.Threshold,
		TallyType:      p.TallyType,
		Configuration:  p.Configuration,
		CreatedAt:      time.Now().UTC(),
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if err := en.store.insertSession(sess); err != nil {
		return nil, err
	}
	en.log.Info().
		Str("session", sess.ID).
		Str("ceremony", sess.KeysCeremonyID).
		Int("threshold", sess.Threshold).
		Msg("tally session created")
	return sess, nil
}

func (en *Engine) GetSession(scope scrutin.Scope, id string) (*Session, error) {
	return en.store.getSession(scope, id)
}

// StartExecution plans the execution for a session: one sub-session per
// (election, area, contest), ordered deterministically, each contributing
// an accumulate and a combine step. The execution starts as not_started
// with the cursor at zero; the first ExecuteStep moves it to running.
func (en *Engine) StartExecution(scope scrutin.Scope, sessionID string) (*Execution, error) {
	sess, err := en.store.getSession(scope, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := en.store.getExecutionBySession(scope, sessionID); err == nil {
		return nil, ErrExecutionExists
	}

	subs, err := en.plan(scope, sess)
	if err != nil {
		return nil, err
	}
	e := &Execution{
		ID:               uuid.NewString(),
		SessionID:        sess.ID,
		Scope:            scope,
		State:            ExecNotStarted,
		CurrentMessageID: 0,
		SubSessions:      subs,
		Version:          1,
		CreatedAt:        time.Now().UTC(),
	}
	if err := en.store.insertExecution(e); err != nil {
		return nil, err
	}
	en.log.Info().
		Str("execution", e.ID).
		Str("session", sess.ID).
		Int("subsessions", len(subs)).
		Int64("steps", e.TotalSteps()).
		Msg("tally execution planned")
	return e, nil
}

// plan enumerates sub-sessions in the canonical order: elections as listed
// in the configuration (sorted), then areas by id, then contests by id.
// Every election's voting window must already be closed: the ledger stops
// accepting ballots at the close, so nothing can be cast after the
// accumulate steps start reading.
func (en *Engine) plan(scope scrutin.Scope, sess *Session) ([]SubSession, error) {
	electionIDs := append([]string(nil), sess.Configuration.ElectionIDs...)
	sort.Strings(electionIDs)

	now := time.Now()
	for _, electionID := range electionIDs {
		election, err := en.reg.GetElection(scope, electionID)
		if err != nil {
			return nil, err
		}
		if !election.Window.Closed(now) {
			return nil, ErrVotingStillOpen
		}
	}

	areas, err := en.reg.ListAreas(scope)
	if err != nil {
		return nil, err
	}
	areaIDs := []string{""}
	if len(areas) > 0 {
		areaIDs = areaIDs[:0]
		for _, a := range areas {
			areaIDs = append(areaIDs, a.ID)
		}
	}

	var subs []SubSession
	for _, electionID := range electionIDs {
		contests, err := en.reg.ListContests(scope, electionID)
		if err != nil {
			return nil, err
		}
		if len(contests) == 0 {
			return nil, scrutin.ConfigErr("tally: election %s has no contests", electionID)
		}
		for _, areaID := range areaIDs {
			for _, contest := range contests {
				subs = append(subs, SubSession{
					ID:         uuid.NewString(),
					ElectionID: electionID,
					AreaID:     areaID,
					ContestID:  contest.ID,
					Index:      len(subs),
				})
			}
		}
	}
	return subs, nil
}

func (en *Engine) GetExecution(scope scrutin.Scope, id string) (*Execution, error) {
	return en.store.getExecution(scope, id)
}

// Step is the result of one executed (or replayed) step.
type Step struct {
	MessageID int64           `json:"messageId"`
	Kind      string          `json:"kind"` // accumulate | combine
	Output    json.RawMessage `json:"output"`
}

// ExecuteStep runs step messageID of the execution. Steps run strictly in
// order: messageID must be current_message_id + 1. A step that already ran
// is replayed from storage, byte-identical, without advancing state, so
// retries after a crash are always safe.
func (en *Engine) ExecuteStep(scope scrutin.Scope, executionID string, messageID int64) (*Step, error) {
	e, err := en.store.getExecution(scope, executionID)
	if err != nil {
		return nil, err
	}
	sub, combine, err := e.stepFor(messageID)
	if err != nil {
		return nil, err
	}
	kind := "accumulate"
	if combine {
		kind = "combine"
	}

	// replay of a completed step: serve the stored output
	if messageID <= e.CurrentMessageID {
		out, err := en.store.stepOutput(e.ID, messageID)
		if err != nil {
			return nil, err
		}
		return &Step{MessageID: messageID, Kind: kind, Output: out}, nil
	}
	if e.State.Terminal() {
		return nil, ErrExecutionNotRunnable
	}
	if messageID != e.CurrentMessageID+1 {
		return nil, ErrOutOfOrder
	}

	sess, err := en.store.getSession(scope, e.SessionID)
	if err != nil {
		return nil, err
	}
	var output []byte
	if combine {
		output, err = en.combine(scope, sess, e, sub)
	} else {
		output, err = en.accumulate(scope, sess, sub)
	}
	if err != nil {
		return nil, err
	}

	to := ExecRunning
	if messageID == e.TotalSteps() {
		to = ExecCompleted
	}
	if err := en.store.advance(e, messageID, output, to, nil); err != nil {
		return nil, err
	}
	en.log.Info().
		Str("execution", e.ID).
		Int64("message_id", messageID).
		Str("kind", kind).
		Str("subsession", sub.ID).
		Msg("step executed")
	return &Step{MessageID: messageID, Kind: kind, Output: output}, nil
}

// GetAccumulate exposes a sub-session's aggregates once its accumulate step
// has run. Trustees fetch this to compute their partial decryptions.
func (en *Engine) GetAccumulate(scope scrutin.Scope, executionID, subSessionID string) (*AccumulateOutput, error) {
	e, err := en.store.getExecution(scope, executionID)
	if err != nil {
		return nil, err
	}
	sub, ok := e.subByID(subSessionID)
	if !ok {
		return nil, ErrUnknownSubSession
	}
	raw, err := en.store.stepOutput(e.ID, accumulateMessageID(sub))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrAccumulateNotDone
	}
	out := &AccumulateOutput{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CombineOutputs returns every sub-session's decrypted counts, in
// sub-session order. Only meaningful once the execution is completed; the
// results aggregator is the consumer.
func (en *Engine) CombineOutputs(scope scrutin.Scope, executionID string) ([]*CombineOutput, error) {
	e, err := en.store.getExecution(scope, executionID)
	if err != nil {
		return nil, err
	}
	out := make([]*CombineOutput, 0, len(e.SubSessions))
	for i := range e.SubSessions {
		sub := &e.SubSessions[i]
		raw, err := en.store.stepOutput(e.ID, accumulateMessageID(sub)+1)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, scrutin.ConfigErr("tally: sub-session %s has no combine output", sub.ID)
		}
		co := &CombineOutput{}
		if err := json.Unmarshal(raw, co); err != nil {
			return nil, err
		}
		out = append(out, co)
	}
	return out, nil
}

// SubmitPartial stores one trustee's partial decryptions for a sub-session
// after verifying every Chaum-Pedersen proof against the trustee's shard
// key and the accumulated ciphertexts. A proof failure is fatal for the
// execution: the failing trustee is recorded and the execution moves to
// failed, since substituting data would break auditability.
func (en *Engine) SubmitPartial(scope scrutin.Scope, executionID, subSessionID string, p *Partial) error {
	e, err := en.store.getExecution(scope, executionID)
	if err != nil {
		return err
	}
	if e.State.Terminal() {
		return ErrExecutionNotRunnable
	}
	sub, ok := e.subByID(subSessionID)
	if !ok {
		return ErrUnknownSubSession
	}
	acc, err := en.GetAccumulate(scope, executionID, subSessionID)
	if err != nil {
		return err
	}
	dup, err := en.store.hasPartial(e.ID, sub.ID, p.TrusteeID)
	if err != nil {
		return err
	}
	if dup {
		return ErrAlreadySubmitted
	}

	sess, err := en.store.getSession(scope, e.SessionID)
	if err != nil {
		return err
	}
	shardKeys, err := en.ceremonies.ShardKeys(scope, sess.KeysCeremonyID)
	if err != nil {
		return err
	}
	shardKey, ok := shardKeys[p.TrusteeID]
	if !ok {
		return ErrUnknownTrustee
	}

	if err := verifyPartial(shardKey, acc, p); err != nil {
		// fatal: record the failing trustee and stop the execution
		ferr := en.store.advance(e, e.CurrentMessageID, nil, ExecFailed, func(next *Execution) {
			next.FailingMessageID = accumulateMessageID(sub) + 1
			next.FailingTrustee = p.TrusteeID
			next.FailureReason = err.Error()
		})
		if ferr != nil {
			en.log.Error().Err(ferr).Str("execution", e.ID).Msg("could not record failure")
		}
		en.log.Error().
			Str("execution", e.ID).
			Str("trustee", p.TrusteeID).
			Str("subsession", sub.ID).
			Err(err).
			Msg("partial decryption rejected, execution failed")
		return err
	}
	if err := en.store.insertPartial(e.ID, sub.ID, p); err != nil {
		return err
	}
	en.log.Info().
		Str("execution", e.ID).
		Str("trustee", p.TrusteeID).
		Str("subsession", sub.ID).
		Msg("partial decryption accepted")
	return nil
}

// WaitForQuorum blocks until at least threshold trustees have submitted
// partials for the sub-session, or the context expires, in which case it
// returns ErrQuorumTimeout (retryable).
func (en *Engine) WaitForQuorum(ctx context.Context, scope scrutin.Scope, executionID, subSessionID string) error {
	e, err := en.store.getExecution(scope, executionID)
	if err != nil {
		return err
	}
	sub, ok := e.subByID(subSessionID)
	if !ok {
		return ErrUnknownSubSession
	}
	sess, err := en.store.getSession(scope, e.SessionID)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(en.pollInterval)
	defer ticker.Stop()
	for {
		n, err := en.store.countPartials(e.ID, sub.ID)
		if err != nil {
			return err
		}
		if n >= sess.Threshold {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrQuorumTimeout
		case <-ticker.C:
		}
	}
}

// Cancel stops an execution. A not_started execution just becomes failed;
// a running one is a controlled failed transition that keeps every
// committed step output (cryptographic material is never rolled back).
func (en *Engine) Cancel(scope scrutin.Scope, executionID, reason string) (*Execution, error) {
	e, err := en.store.getExecution(scope, executionID)
	if err != nil {
		return nil, err
	}
	if e.State.Terminal() {
		return nil, ErrExecutionNotRunnable
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	if err := en.store.advance(e, e.CurrentMessageID, nil, ExecFailed, func(next *Execution) {
		next.FailureReason = reason
	}); err != nil {
		return nil, err
	}
	en.log.Warn().Str("execution", e.ID).Str("reason", reason).Msg("execution cancelled")
	return e, nil
}
