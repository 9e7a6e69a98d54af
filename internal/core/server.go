// Package core is the HTTP chassis of the engine's operational surface: a chi
// router with recovery, request correlation and logging, the /health
// endpoint and the JSON response helpers the handlers share.
package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// RouteRegistrar mounts a handler group under /v1. Handler packages provide
// registrars so core never imports them.
type RouteRegistrar func(r chi.Router)

// Server holds the router and the collaborators shared by all routes.
type Server struct {
	Logger    *slog.Logger
	Validator *Validator

	// HealthCheckers are run by GET /health.
	HealthCheckers []HealthChecker
	// V1RouteRegistrars are mounted under /v1 by MountRoutes.
	V1RouteRegistrars []RouteRegistrar
	// RequestTimeout bounds every request context. Zero uses the default.
	RequestTimeout time.Duration

	router *chi.Mux
}

// NewServer creates a Server. Routes are mounted separately with MountRoutes
// so tests can register their own.
func NewServer(logger *slog.Logger) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the underlying mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}
