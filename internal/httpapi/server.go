// Package httpapi exposes the gateway's REST surface: dispatch intake,
// confirmation, status lookups, verification and the service event sink.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"commgate/internal/dispatch"
	"commgate/internal/events"
	"commgate/internal/idempotency"
	"commgate/internal/store"
	"commgate/internal/token"
	"commgate/internal/verification"
)

// Deps carries the services the API fronts.
type Deps struct {
	Store         *store.Store
	Engine        *dispatch.Engine
	Verifications *verification.Service
	Events        *events.Service
	Guard         *idempotency.Guard
	// Tokens, when set, gates the event sink behind service-token auth.
	Tokens *token.Issuer
}

type Server struct {
	srv  *http.Server
	deps Deps
	log  *slog.Logger
}

func NewServer(addr string, deps Deps, log *slog.Logger) *Server {
	s := &Server{deps: deps, log: log}
	mux := http.NewServeMux()
	s.routes(mux)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routed mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/commands/dispatch", s.handleDispatchCommand)
	mux.HandleFunc("POST /v1/commands/{id}/confirm", s.handleConfirm)
	mux.HandleFunc("GET /v1/commands/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /v1/messages/send", s.handleSendMessage)
	mux.HandleFunc("GET /v1/confirm", s.handleMagicLinkConfirm)
	mux.HandleFunc("POST /v1/verifications/start", s.handleVerificationStart)
	mux.HandleFunc("POST /v1/verifications/confirm", s.handleVerificationConfirm)
	mux.HandleFunc("GET /v1/verifications/confirm", s.handleVerificationLink)
	mux.HandleFunc("POST /v1/events", s.requireServiceToken(s.handleEvent))
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Start begins serving. It returns immediately; Stop drains connections.
func (s *Server) Start(ctx context.Context) {
	go func() {
		s.log.Info("http api listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http api serve failed", slog.Any("err", err))
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(sctx)
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// requireServiceToken lets only bearers of a valid gateway-issued service
// token through. With no issuer configured the route is open (tests, dev).
func (s *Server) requireServiceToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Tokens == nil {
			next(w, r)
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			writeError(w, token.ErrInvalidToken)
			return
		}
		if _, err := s.deps.Tokens.VerifyServiceToken(auth[len(prefix):]); err != nil {
			writeError(w, err)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
