package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	big "github.com/ncw/gmp"

	"github.com/scrutin-vote/scrutin/ceremony"
	"github.com/scrutin-vote/scrutin/crypto"
	"github.com/scrutin-vote/scrutin/ledger"
	"github.com/scrutin-vote/scrutin/metrics"
	"github.com/scrutin-vote/scrutin/scrutin"
	"github.com/scrutin-vote/scrutin/tally"
)

// --- registry ---

func (s *Server) putElection(w http.ResponseWriter, r *http.Request) {
	var e scrutin.Election
	if !s.decode(w, r, &e) {
		return
	}
	e.ID = chi.URLParam(r, "id")
	if err := s.reg.PutElection(scopeFrom(r), &e); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, &e)
}

func (s *Server) getElection(w http.ResponseWriter, r *http.Request) {
	e, err := s.reg.GetElection(scopeFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, e)
}

func (s *Server) putContest(w http.ResponseWriter, r *http.Request) {
	var c scrutin.Contest
	if !s.decode(w, r, &c) {
		return
	}
	c.ElectionID = chi.URLParam(r, "id")
	c.ID = chi.URLParam(r, "contestID")
	if err := s.reg.PutContest(scopeFrom(r), &c); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, &c)
}

func (s *Server) putArea(w http.ResponseWriter, r *http.Request) {
	var a scrutin.Area
	if !s.decode(w, r, &a) {
		return
	}
	a.ID = chi.URLParam(r, "id")
	if err := s.reg.PutArea(scopeFrom(r), &a); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, &a)
}

// --- keys ceremony ---

func (s *Server) createCeremony(w http.ResponseWriter, r *http.Request) {
	var p ceremony.CreateParams
	if !s.decode(w, r, &p) {
		return
	}
	c, err := s.ceremonies.Create(scopeFrom(r), p)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, c)
}

func (s *Server) getCeremony(w http.ResponseWriter, r *http.Request) {
	c, err := s.ceremonies.Get(scopeFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, c)
}

func (s *Server) openCeremony(w http.ResponseWriter, r *http.Request) {
	c, err := s.ceremonies.Open(scopeFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, c)
}

func (s *Server) submitCommitment(w http.ResponseWriter, r *http.Request) {
	var cm ceremony.Commitment
	if !s.decode(w, r, &cm) {
		return
	}
	c, err := s.ceremonies.SubmitCommitment(scopeFrom(r), chi.URLParam(r, "id"), &cm)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, c)
}

func (s *Server) submitShare(w http.ResponseWriter, r *http.Request) {
	var sh ceremony.Share
	if !s.decode(w, r, &sh) {
		return
	}
	c, err := s.ceremonies.SubmitShare(scopeFrom(r), chi.URLParam(r, "id"), &sh)
	if err != nil {
		s.fail(w, err)
		return
	}
	if c.State == ceremony.StateCompleted {
		metrics.CeremoniesCompleted.Inc()
	}
	s.respond(w, http.StatusOK, c)
}

type checkKeyRequest struct {
	// trustee id to secret shard, base64url encoded like every other
	// big integer on the wire
	Shards map[string]string `json:"shards"`
}

// checkPrivateKey runs the reconstruction check and reports only whether
// the submitted shards recombine to the election key. The key itself never
// leaves the process and never appears in the response or the logs.
func (s *Server) checkPrivateKey(w http.ResponseWriter, r *http.Request) {
	var req checkKeyRequest
	if !s.decode(w, r, &req) {
		return
	}
	shards := make(map[string]*big.Int, len(req.Shards))
	for id, v := range req.Shards {
		x, err := crypto.BigIntFromJSON(v)
		if err != nil {
			s.fail(w, scrutin.ConfigErr("api: bad shard for trustee %s: %v", id, err))
			return
		}
		shards[id] = x
	}
	_, err := s.ceremonies.Reconstruct(scopeFrom(r), chi.URLParam(r, "id"), shards)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"valid": true})
}

func (s *Server) failCeremony(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	c, err := s.ceremonies.Fail(scopeFrom(r), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, c)
}

// --- ballot ledger ---

type castBody struct {
	ElectionID string          `json:"electionId"`
	AreaID     string          `json:"areaId"`
	BallotID   string          `json:"ballotId"`
	VoterID    string          `json:"voterId"`
	Channel    string          `json:"votingChannel"`
	Content    *ledger.Content `json:"content"`
}

func (s *Server) castVote(w http.ResponseWriter, r *http.Request) {
	var body castBody
	if !s.decode(w, r, &body) {
		return
	}
	cv, err := s.ledger.Cast(scopeFrom(r), ledger.CastRequest{
		ElectionID: body.ElectionID,
		AreaID:     body.AreaID,
		BallotID:   body.BallotID,
		VoterID:    body.VoterID,
		Channel:    body.Channel,
		Content:    body.Content,
	})
	if err != nil {
		metrics.BallotsRejected.Inc()
		s.fail(w, err)
		return
	}
	metrics.BallotsCast.Inc()
	s.respond(w, http.StatusCreated, cv)
}

func (s *Server) getCastVote(w http.ResponseWriter, r *http.Request) {
	cv, err := s.ledger.Get(scopeFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, cv)
}

// --- tally sessions and executions ---

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var p tally.CreateSessionParams
	if !s.decode(w, r, &p) {
		return
	}
	sess, err := s.engine.CreateSession(scopeFrom(r), p)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.GetSession(scopeFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, sess)
}

func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine.StartExecution(scopeFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, e)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine.GetExecution(scopeFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, e)
}

func (s *Server) executeStep(w http.ResponseWriter, r *http.Request) {
	messageID, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil {
		s.fail(w, scrutin.ConfigErr("api: bad message id: %v", err))
		return
	}
	step, err := s.engine.ExecuteStep(scopeFrom(r), chi.URLParam(r, "id"), messageID)
	if err != nil {
		s.fail(w, err)
		return
	}
	metrics.StepsExecuted.WithLabelValues(step.Kind).Inc()
	s.respond(w, http.StatusOK, step)
}

func (s *Server) getAccumulate(w http.ResponseWriter, r *http.Request) {
	acc, err := s.engine.GetAccumulate(scopeFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "subID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, acc)
}

func (s *Server) submitPartial(w http.ResponseWriter, r *http.Request) {
	var p tally.Partial
	if !s.decode(w, r, &p) {
		return
	}
	err := s.engine.SubmitPartial(scopeFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "subID"), &p)
	if err != nil {
		s.fail(w, err)
		return
	}
	metrics.PartialsAccepted.Inc()
	s.respond(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// waitQuorum blocks until the sub-session has threshold partials or the
// configured quorum timeout expires. The timeout surfaces as 504 so the
// caller knows a retry is safe.
func (s *Server) waitQuorum(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.quorumTimeout)
	defer cancel()
	err := s.engine.WaitForQuorum(ctx, scopeFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "subID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "quorum met"})
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	e, err := s.engine.Cancel(scopeFrom(r), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, e)
}

// --- results ---

func (s *Server) aggregate(w http.ResponseWriter, r *http.Request) {
	event, err := s.agg.Aggregate(scopeFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	metrics.ResultsAggregated.Inc()
	s.respond(w, http.StatusCreated, event)
}

func (s *Server) resultsByExecution(w http.ResponseWriter, r *http.Request) {
	event, err := s.agg.GetByExecution(scopeFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, event)
}

func (s *Server) getResults(w http.ResponseWriter, r *http.Request) {
	event, err := s.agg.GetEvent(scopeFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, event)
}
