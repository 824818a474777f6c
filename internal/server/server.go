// Package server exposes the Voicefront HTTP surface: WebSocket call
// endpoints for browser and telephony callers, the telephony voice webhook,
// and the operational endpoints (/metrics, /healthz, /readyz).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicefront/voicefront/internal/config"
	"github.com/voicefront/voicefront/internal/health"
	"github.com/voicefront/voicefront/internal/observe"
	"github.com/voicefront/voicefront/pkg/realtime"
)

// defaultConfigureWait bounds how long a browser caller may take to send its
// optional configuration envelope.
const defaultConfigureWait = 2 * time.Second

// Server owns the HTTP surface and the upstream client shared by all calls.
type Server struct {
	cfg     *config.Config
	client  *realtime.Client
	log     *slog.Logger
	metrics *observe.Metrics

	// mu guards defaultInstructions, which the config watcher may replace
	// while calls are in flight.
	mu                  sync.RWMutex
	defaultInstructions string
}

// New builds a Server from the loaded configuration. The upstream client is
// shared across calls; each call negotiates its own session.
func New(cfg *config.Config, log *slog.Logger, metrics *observe.Metrics) (*Server, error) {
	instructions, err := cfg.DefaultInstructions()
	if err != nil {
		return nil, err
	}

	var opts []realtime.Option
	if cfg.Upstream.Model != "" {
		opts = append(opts, realtime.WithModel(cfg.Upstream.Model))
	}
	if cfg.Upstream.Voice != "" {
		opts = append(opts, realtime.WithVoice(cfg.Upstream.Voice))
	}
	if cfg.Upstream.BaseURL != "" {
		opts = append(opts, realtime.WithBaseURL(cfg.Upstream.BaseURL))
	}
	if cfg.Upstream.SessionURL != "" {
		opts = append(opts, realtime.WithSessionURL(cfg.Upstream.SessionURL))
	}

	return &Server{
		cfg:                 cfg,
		client:              realtime.NewClient(cfg.Upstream.APIKey, opts...),
		log:                 log,
		metrics:             metrics,
		defaultInstructions: instructions,
	}, nil
}

// SetCallInstructions replaces the fallback configuration text. In-flight
// calls keep the instructions they were negotiated with.
func (s *Server) SetCallInstructions(text string) {
	s.mu.Lock()
	s.defaultInstructions = text
	s.mu.Unlock()
}

func (s *Server) callInstructions() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultInstructions
}

// Handler assembles the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /v1/call", s.cors(http.HandlerFunc(s.handleBrowserCall)))
	mux.Handle("GET /v1/telephony", s.cors(http.HandlerFunc(s.handleTelephonyCall)))
	mux.Handle("POST /v1/telephony/incoming", s.cors(http.HandlerFunc(s.handleIncomingCall)))
	mux.Handle("OPTIONS /v1/", s.cors(nil))

	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.UpstreamConfigured(func() string { return s.cfg.Upstream.APIKey }),
	).Register(mux)

	return observe.Middleware(s.metrics)(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		var err error
		if tls := s.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server: listen on %s: %w", s.cfg.Server.ListenAddr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// cors applies the permissive headers expected by browser callers. A
// preflight OPTIONS request gets an empty 200.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "authorization, content-type")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if r.Method == http.MethodOptions || next == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSONError writes a JSON error body with the given status.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
