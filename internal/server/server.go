// Package server exposes the draft-aware record endpoints, the draft queue
// and a websocket change stream over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/roach88/recordcache/internal/dispatch"
	"github.com/roach88/recordcache/internal/draft"
	"github.com/roach88/recordcache/internal/transport"
)

// SyntheticHeader marks responses built locally from draft state.
const SyntheticHeader = "X-Synthetic-Response"

// maxBodyBytes bounds request bodies forwarded to the dispatcher.
const maxBodyBytes = 1 << 20

// Config holds what the router needs.
type Config struct {
	Env            *dispatch.Environment
	Hub            *ChangeHub
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	env    *dispatch.Environment
	hub    *ChangeHub
	logger *slog.Logger
	router *chi.Mux
}

// New builds the router.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{env: cfg.Env, hub: cfg.Hub, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(Recovery(cfg.Logger))
	r.Use(RequestID)
	r.Use(Logging(cfg.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader, SyntheticHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Handle("/ui-api/*", http.HandlerFunc(s.records))

	r.Route("/drafts", func(r chi.Router) {
		r.Get("/", s.listDrafts)
		r.Post("/process", s.processDraft)
		r.Post("/start", s.startQueue)
		r.Post("/stop", s.stopQueue)
		r.Delete("/{id}", s.removeDraft)
		r.Post("/{id}/retry", s.retryDraft)
		r.Post("/{id}/replace/{source}", s.replaceDraft)
	})

	if cfg.Hub != nil {
		r.Get("/changes", cfg.Hub.ServeHTTP)
	}

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

type errorBody struct {
	Code    string `json:"errorCode"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var terr *transport.Error
	if !errors.As(err, &terr) {
		terr = transport.Internal(err)
	}
	switch {
	case terr.Code == transport.CodeInternal:
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", GetRequestID(r.Context()), "error", err)
	case terr.Status >= 500:
		s.logger.Warn("request failed", "path", r.URL.Path, "request_id", GetRequestID(r.Context()), "error", err)
	}
	status := terr.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorBody{Code: terr.Code, Message: terr.Message})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"queue":  s.env.Queue().State(),
	})
}

// records forwards a record API call through the draft-aware dispatcher.
func (s *Server) records(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, transport.BadRequest("read body: %v", err))
		return
	}
	req := &transport.Request{
		Method: r.Method,
		Path:   strings.TrimSuffix(r.URL.Path, "/"),
		Query:  r.URL.Query(),
		Body:   body,
	}
	if len(req.Query) == 0 {
		req.Query = nil
	}

	resp, err := s.env.Dispatch(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if resp.Synthetic {
		w.Header().Set(SyntheticHeader, "true")
	}
	if len(resp.Body) == 0 {
		w.WriteHeader(resp.Status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (s *Server) listDrafts(w http.ResponseWriter, r *http.Request) {
	actions, err := s.env.Queue().GetQueueActions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if actions == nil {
		actions = []*draft.Action{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) processDraft(w http.ResponseWriter, r *http.Request) {
	res, err := s.env.Queue().ProcessNextAction(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Server) startQueue(w http.ResponseWriter, r *http.Request) {
	s.env.Queue().Start(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"state": s.env.Queue().State()})
}

func (s *Server) stopQueue(w http.ResponseWriter, r *http.Request) {
	s.env.Queue().Stop(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"state": s.env.Queue().State()})
}

func (s *Server) removeDraft(w http.ResponseWriter, r *http.Request) {
	if err := s.env.Queue().RemoveDraftAction(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, queueError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retryDraft(w http.ResponseWriter, r *http.Request) {
	if err := s.env.Queue().RetryAction(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, queueError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) replaceDraft(w http.ResponseWriter, r *http.Request) {
	a, err := s.env.Queue().ReplaceAction(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "source"))
	if err != nil {
		s.writeError(w, r, queueError(err))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// queueError maps queue failures onto request errors.
func queueError(err error) error {
	var qerr *draft.QueueError
	if !errors.As(err, &qerr) {
		return err
	}
	switch {
	case draft.IsActionNotFound(err):
		return transport.NotFound("%s", qerr.Message)
	default:
		return &transport.Error{Status: http.StatusConflict, Code: string(qerr.Code), Message: qerr.Message}
	}
}
