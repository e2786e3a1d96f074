package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"promptwatch/internal/config"
	"promptwatch/internal/reconciler"
	"promptwatch/internal/scheduler"
	"promptwatch/internal/store"
)

// Server exposes the read-only job views and the guarded operator actions
type Server struct {
	store      store.Store
	scheduler  *scheduler.Scheduler
	reconciler *reconciler.Reconciler
	secret     string
	router     *chi.Mux
}

func New(st store.Store, sched *scheduler.Scheduler, rec *reconciler.Reconciler, conf *config.PWConfig) *Server {
	s := &Server{
		store:      st,
		scheduler:  sched,
		reconciler: rec,
		secret:     conf.Server.TriggerSecret,
		router:     chi.NewRouter(),
	}

	// Set up middleware
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Route("/api", func(r chi.Router) {
		r.Mount("/jobs", NewJobRouter(st, chi.NewRouter()))
		r.With(s.requireSecret).Post("/trigger", s.Trigger)
		r.With(s.requireSecret).Post("/reconcile", s.Reconcile)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// TriggerHeader carries the shared secret for the operator endpoints
const TriggerHeader = "X-Trigger-Secret"

// requireSecret guards the mutating endpoints. With no secret configured the
// endpoints are disabled outright rather than left open.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secret == "" {
			http.Error(w, "trigger endpoints are disabled, no secret configured", http.StatusForbidden)
			return
		}
		if r.Header.Get(TriggerHeader) != s.secret {
			http.Error(w, "bad or missing trigger secret", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type triggerRequest struct {
	Force bool `json:"force"`
}

// Trigger runs one fan-out outside the cron schedule
func (s *Server) Trigger(w http.ResponseWriter, r *http.Request) {
	var payload triggerRequest
	if r.ContentLength > 0 {
		if err := readJson(w, r, &payload); err != nil {
			return
		}
	}

	jobs, err := s.scheduler.RunOnce(r.Context(), payload.Force)
	if err != nil {
		http.Error(w, "Fan-out failed", http.StatusInternalServerError)
		log.Error().Err(err).Msg("Manual trigger failed")
		return
	}
	serveJson(w, jobs)
}

// Reconcile runs one repair sweep outside the reconciler's own timer
func (s *Server) Reconcile(w http.ResponseWriter, r *http.Request) {
	finalized, resumed, err := s.reconciler.Sweep(r.Context())
	if err != nil {
		http.Error(w, "Sweep failed", http.StatusInternalServerError)
		log.Error().Err(err).Msg("Manual reconcile failed")
		return
	}
	serveJson(w, map[string]int{"finalized": finalized, "resumed": resumed})
}

func readJson(w http.ResponseWriter, r *http.Request, payload any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close request body")
		}
	}()

	err := json.NewDecoder(r.Body).Decode(payload)
	if err != nil {
		http.Error(w, "could not parse request body to payload", http.StatusBadRequest)
	}
	return err
}

func serveJson(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		http.Error(w, "Failed to encode payload", http.StatusInternalServerError)
		log.Error().Err(err).Msg("JSON encoding issue")
	}
}
