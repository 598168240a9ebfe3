// Package api exposes the playback session over a small HTTP control
// surface: transport commands, state snapshots, purchase confirmation and
// operational endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mkarrer/audiogate/internal/content"
	"github.com/mkarrer/audiogate/internal/log"
	"github.com/mkarrer/audiogate/internal/playback"
	"github.com/mkarrer/audiogate/internal/resilience"
)

// Library is the content/entitlement store surface the API needs.
type Library interface {
	GetItem(ctx context.Context, id string) (content.Item, error)
	IsOwned(ctx context.Context, id string) (bool, error)
	SetOwned(ctx context.Context, id string) error
	HealthCheck(ctx context.Context) error
}

// SubscriptionFlags reports the current subscription state. It is a func so
// config hot reload propagates without restarting the server.
type SubscriptionFlags func() (active, available bool)

// Server is the HTTP API server.
type Server struct {
	session *playback.Session
	library Library
	guard   *resilience.Guard
	flags   SubscriptionFlags
	logger  zerolog.Logger
}

// Deps carries the server's collaborators.
type Deps struct {
	Session *playback.Session
	Library Library
	Guard   *resilience.Guard
	Flags   SubscriptionFlags
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	s := &Server{
		session: deps.Session,
		library: deps.Library,
		guard:   deps.Guard,
		flags:   deps.Flags,
		logger:  log.WithComponent("api"),
	}
	if s.flags == nil {
		s.flags = func() (bool, bool) { return false, true }
	}
	return s
}

// Router builds the chi router with middleware and all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(s.requestLogger)
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Route("/playback", func(r chi.Router) {
			r.Post("/play", s.handlePlay)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/seek", s.handleSeek)
			r.Post("/next", s.handleNext)
			r.Post("/previous", s.handlePrevious)
		})
		r.Post("/sleep-timer", s.handleSleepTimer)
		r.Post("/purchases/confirm", s.handlePurchaseConfirm)
	})

	return r
}
