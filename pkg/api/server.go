// Package api exposes TiSpace's instance lifecycle over a chi-routed HTTP
// REST surface, authenticated by OIDC bearer tokens and bounded by a
// concurrency limit and a per-request deadline.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tispace-dev/tispace/pkg/admission"
	"github.com/tispace-dev/tispace/pkg/auth"
	"github.com/tispace-dev/tispace/pkg/log"
	"github.com/tispace-dev/tispace/pkg/metrics"
)

const (
	maxInFlightRequests = 1024
	requestTimeout      = 10 * time.Second
)

// Server is the HTTP front-end over an Admission instance.
type Server struct {
	Router *chi.Mux

	admission *admission.Admission
	logger    zerolog.Logger
}

// NewServer builds the full route tree. With a nil verifier every
// authenticated route answers 401.
func NewServer(adm *admission.Admission, verifier *auth.Verifier) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		admission: adm,
		logger:    log.WithComponent("api"),
	}

	s.Router.Use(RequestID)
	s.Router.Use(RequestLogger(s.logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(middleware.Throttle(maxInFlightRequests))
	s.Router.Use(middleware.Timeout(requestTimeout))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Handle("/metrics", metrics.Handler())

	s.Router.Route("/instances", func(r chi.Router) {
		r.Use(Authenticate(verifier))
		r.Get("/", s.handleListInstances)
		r.Post("/", s.handleCreateInstance)
		r.Patch("/{name}", s.handleUpdateInstance)
		r.Delete("/{name}", s.handleDeleteInstance)
		r.Post("/{name}/start", s.handleStartInstance)
		r.Post("/{name}/stop", s.handleStopInstance)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
