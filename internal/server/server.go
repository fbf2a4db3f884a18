// Package server implements the HTTP transport layer for the palantir proxy.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	palantir "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/credential"
	"github.com/eugener/palantir/internal/messages"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/tokenwindow"
	"github.com/eugener/palantir/internal/upstream"
	"github.com/eugener/palantir/internal/writer"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Credentials resolves descriptors for a request and produces the upstream
// auth material of the selected account.
type Credentials interface {
	Resolve(ctx context.Context, host string) (*credential.Descriptor, error)
	Accounts(ctx context.Context, d *credential.Descriptor) ([]*credential.Descriptor, error)
	Material(ctx context.Context, d *credential.Descriptor) (credential.AuthMaterial, error)
}

// Linker resolves conversation identity for a parsed request body.
type Linker interface {
	Link(ctx context.Context, domain string, body *messages.Body) (palantir.Linkage, error)
}

// AccountPool picks the account that serves a request.
type AccountPool interface {
	Select(domain string, accounts []*credential.Descriptor, conversationID, branchID string) (*credential.Descriptor, error)
}

// Forwarder relays one Messages call upstream, writing the response to w.
type Forwarder interface {
	Forward(ctx context.Context, w http.ResponseWriter, in upstream.Input) (*palantir.Result, error)
}

// Recorder queues finished relays for persistence and token accounting.
type Recorder interface {
	Enqueue(writer.Record)
}

// Notifier posts completed inference turns to the webhook collaborator.
type Notifier interface {
	Notify(ctx context.Context, webhookURL string, r *palantir.APIRequest, userContent string)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth     palantir.Authenticator
	Creds    Credentials
	Linker   Linker
	Pool     AccountPool
	Upstream Forwarder
	Writer   Recorder
	Notify   Notifier             // nil = notifications disabled
	Usage    *tokenwindow.Tracker // quota probe and /token-stats source
	Metrics  *telemetry.Metrics   // nil = no metric recording

	ReadyCheck     ReadyChecker // nil = always ready (for tests)
	MetricsHandler http.Handler // nil = no /metrics route
	DashboardKey   string       // guards /token-stats when non-empty
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.cors)
	r.Use(s.logging)
	r.Use(s.activeRequests)

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/token-stats", s.handleTokenStats)
	if deps.MetricsHandler != nil {
		r.Get("/metrics", deps.MetricsHandler.ServeHTTP)
	}

	// Relay (auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/messages", s.handleMessages)
	})

	return r
}

type server struct {
	deps Deps
}
