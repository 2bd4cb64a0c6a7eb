// Package server exposes the aggregation engine over a read-only JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/engine"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/log"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/metering"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/types"
)

// Server handles the HTTP API for the aggregation engine. Every endpoint is
// a read; the engine decides internally whether a read needs a fetch.
type Server struct {
	engine *engine.Engine

	listenAddr string
	httpServer *http.Server
}

// Configured initializes the Server with dependencies. It uses lflag to
// register command-line flags for configuration.
func Configured(e *engine.Engine) *Server {
	srv := &Server{engine: e}

	// get the port from PORT when running in a container platform
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
	})

	return srv
}

// NewServer builds a server directly.
func NewServer(e *engine.Engine, listenAddr string) *Server {
	return &Server{engine: e, listenAddr: listenAddr}
}

// Validate ensures the configuration is valid.
func (s *Server) Validate() error {
	if s.engine == nil {
		return fmt.Errorf("server requires an engine")
	}
	if s.listenAddr == "" {
		return fmt.Errorf("http-listen is required")
	}
	return nil
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/meters", s.handleMeters)
	mux.HandleFunc("GET /api/daily/consumption", s.handleDailyConsumption)
	mux.HandleFunc("GET /api/daily/cost", s.handleDailyCost)
	mux.HandleFunc("GET /api/monthly/consumption", s.handleMonthlyConsumption)
	mux.HandleFunc("GET /api/monthly/cost", s.handleMonthlyCost)
	mux.HandleFunc("GET /api/projection", s.handleProjection)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return gziphandler.GzipHandler(mux)
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

// writeEngineError maps engine failures onto status codes. Upstream trouble
// is a bad gateway; an unknown meter or utility is the caller's mistake.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, metering.ErrAuthFailed),
		errors.Is(err, metering.ErrRateLimited),
		errors.Is(err, metering.ErrTransient),
		errors.Is(err, metering.ErrUnavailable):
		writeJSONError(w, err.Error(), http.StatusBadGateway)
	default:
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleMeters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Meters())
}

// scopeParam parses the required scope query parameter.
func scopeParam(r *http.Request) (engine.Scope, error) {
	raw := r.URL.Query().Get("scope")
	if raw == "" {
		return engine.Scope{}, fmt.Errorf("scope is required")
	}
	return engine.ParseScope(raw)
}

// kindParam parses the optional kind query parameter, defaulting to metered.
func kindParam(r *http.Request) (types.SourceKind, error) {
	switch raw := r.URL.Query().Get("kind"); raw {
	case "", string(types.SourceMetered):
		return types.SourceMetered, nil
	case string(types.SourceEstimated):
		return types.SourceEstimated, nil
	default:
		return "", fmt.Errorf("unknown kind %q", raw)
	}
}

// monthParam parses the optional month query parameter, defaulting to the
// current month.
func monthParam(r *http.Request) (types.MonthKey, error) {
	raw := r.URL.Query().Get("month")
	if raw == "" {
		return types.NewMonthKey(time.Now()), nil
	}
	month := types.MonthKey(raw)
	if _, _, err := month.Bounds(time.UTC); err != nil {
		return "", fmt.Errorf("invalid month %q", raw)
	}
	return month, nil
}

func (s *Server) handleDailyConsumption(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeParam(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	v, err := s.engine.DailyConsumption(r.Context(), scope)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, v)
}

func (s *Server) handleDailyCost(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeParam(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	kind, err := kindParam(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	v, err := s.engine.DailyCost(r.Context(), scope, kind)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, v)
}

func (s *Server) handleMonthlyConsumption(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeParam(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	month, err := monthParam(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	v, err := s.engine.MonthlyConsumption(r.Context(), scope, month)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, v)
}

func (s *Server) handleMonthlyCost(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeParam(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	month, err := monthParam(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	kind, err := kindParam(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	v, err := s.engine.MonthlyCost(r.Context(), scope, month, kind)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, v)
}

func (s *Server) handleProjection(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("utility")
	if raw == "" {
		writeJSONError(w, "utility is required", http.StatusBadRequest)
		return
	}
	utility := types.ParseUtilityCode(raw)
	if utility == types.UtilityUnknown {
		if types.UtilityCode(raw) != types.UtilityCombinedWater {
			writeJSONError(w, fmt.Sprintf("unknown utility %q", raw), http.StatusBadRequest)
			return
		}
		utility = types.UtilityCombinedWater
	}
	v, err := s.engine.EndOfMonthProjection(r.Context(), utility)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, v)
}
