// Package api is the HTTP surface of the engine: a thin JSON wrapper over
// the ceremony, ledger, tally and results components. No authentication or
// authorization policy lives here; the gateway in front owns that.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/scrutin-vote/scrutin/ceremony"
	"github.com/scrutin-vote/scrutin/ledger"
	"github.com/scrutin-vote/scrutin/registry"
	"github.com/scrutin-vote/scrutin/results"
	"github.com/scrutin-vote/scrutin/scrutin"
	"github.com/scrutin-vote/scrutin/tally"
)

// Server bundles the engine components behind one router.
type Server struct {
	log           zerolog.Logger
	reg           *registry.Registry
	ceremonies    *ceremony.Machine
	ledger        *ledger.Ledger
	engine        *tally.Engine
	agg           *results.Aggregator
	quorumTimeout time.Duration
}

func NewServer(log zerolog.Logger, reg *registry.Registry, cm *ceremony.Machine, l *ledger.Ledger, en *tally.Engine, agg *results.Aggregator, quorumTimeout time.Duration) *Server {
	return &Server{
		log:           log.With().Str("component", "api").Logger(),
		reg:           reg,
		ceremonies:    cm,
		ledger:        l,
		engine:        en,
		agg:           agg,
		quorumTimeout: quorumTimeout,
	}
}

// Router builds the chi router. Everything is scoped under the tenant and
// election event so no handler can touch another tenant's rows.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/v1/{tenant}/{event}", func(r chi.Router) {
		r.Route("/elections", func(r chi.Router) {
			r.Put("/{id}", s.putElection)
			r.Get("/{id}", s.getElection)
			r.Put("/{id}/contests/{contestID}", s.putContest)
		})
		r.Put("/areas/{id}", s.putArea)

		r.Route("/ceremonies", func(r chi.Router) {
			r.Post("/", s.createCeremony)
			r.Get("/{id}", s.getCeremony)
			r.Post("/{id}/open", s.openCeremony)
			r.Post("/{id}/commitments", s.submitCommitment)
			r.Post("/{id}/shares", s.submitShare)
			r.Post("/{id}/check-key", s.checkPrivateKey)
			r.Post("/{id}/fail", s.failCeremony)
		})

		r.Post("/cast-votes", s.castVote)
		r.Get("/cast-votes/{id}", s.getCastVote)

		r.Route("/tally-sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Get("/{id}", s.getSession)
			r.Post("/{id}/executions", s.startExecution)
		})
		r.Route("/executions/{id}", func(r chi.Router) {
			r.Get("/", s.getExecution)
			r.Post("/steps/{messageID}", s.executeStep)
			r.Get("/subsessions/{subID}/accumulate", s.getAccumulate)
			r.Post("/subsessions/{subID}/partials", s.submitPartial)
			r.Get("/subsessions/{subID}/quorum", s.waitQuorum)
			r.Post("/cancel", s.cancelExecution)
			r.Post("/results", s.aggregate)
			r.Get("/results", s.resultsByExecution)
		})
		r.Get("/results/{id}", s.getResults)
	})
	return r
}

func scopeFrom(r *http.Request) scrutin.Scope {
	return scrutin.Scope{
		TenantID:        chi.URLParam(r, "tenant"),
		ElectionEventID: chi.URLParam(r, "event"),
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.log.Error().Err(err).Msg("response encoding failed")
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// fail maps the error taxonomy onto HTTP statuses: not-found sentinels are
// 404, configuration 400, failed crypto verification 422, conflicts 409
// (retry after re-read), timeouts 504 (retryable).
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ceremony.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, results.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, tally.ErrSessionNotFound),
		errors.Is(err, tally.ErrExecutionNotFound):
		status = http.StatusNotFound
	default:
		switch scrutin.KindOf(err) {
		case scrutin.KindConfiguration:
			status = http.StatusBadRequest
		case scrutin.KindCryptoVerification:
			status = http.StatusUnprocessableEntity
		case scrutin.KindConflict:
			status = http.StatusConflict
		case scrutin.KindTimeout:
			status = http.StatusGatewayTimeout
		}
	}
	s.respond(w, status, errorBody{Error: err.Error(), Kind: scrutin.KindOf(err).String()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.fail(w, scrutin.ConfigErr("api: bad request body: %v", err))
		return false
	}
	return true
}
