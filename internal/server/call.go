package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/voicefront/voicefront/internal/bridge"
	"github.com/voicefront/voicefront/internal/observe"
	"github.com/voicefront/voicefront/pkg/realtime"
)

const (
	instructionsPrefix = "You are a professional AI receptionist. Here is your configuration:\n\n"
	instructionsSuffix = "\n\nUse this information to assist callers with their requests. Be helpful, professional, and execute tasks as defined in your configuration."
)

// buildInstructions wraps caller-provided configuration text in the
// receptionist framing the engine is prompted with. Empty configuration
// falls back to the prefix and suffix alone.
func buildInstructions(configuration string) string {
	return instructionsPrefix + configuration + instructionsSuffix
}

// handleBrowserCall upgrades the request to a WebSocket and bridges the
// browser caller to a freshly negotiated upstream session. The upgrade
// library answers non-upgrade requests with 426 on its own, so the only
// pre-upgrade refusal here is the missing-credential case.
func (s *Server) handleBrowserCall(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Upstream.APIKey == "" {
		writeJSONError(w, http.StatusInternalServerError, "no upstream API key configured")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Server.AllowedOrigins,
	})
	if err != nil {
		s.log.Warn("browser upgrade failed", "error", err)
		return
	}

	down := bridge.NewBrowserTransport(conn)

	wait := s.cfg.Call.ConfigureWait
	if wait <= 0 {
		wait = defaultConfigureWait
	}
	configuration, ok, err := down.ReadConfigure(r.Context(), wait)
	if err != nil {
		s.log.Warn("browser call ended before configuration", "error", err)
		down.Close()
		return
	}

	instructions := s.callInstructions()
	if ok {
		instructions = configuration
	}

	s.runCall(r.Context(), down, realtime.KindBrowser, buildInstructions(instructions))
}

// handleTelephonyCall bridges a telephony media stream. The provider sends a
// start envelope before any media; callers get the server-side default
// configuration since there is no channel for them to supply their own.
func (s *Server) handleTelephonyCall(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Upstream.APIKey == "" {
		writeJSONError(w, http.StatusInternalServerError, "no upstream API key configured")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("telephony upgrade failed", "error", err)
		return
	}

	down := bridge.NewTelephonyTransport(conn, s.log)

	streamSid, err := down.ReadStart(r.Context())
	if err != nil {
		s.log.Warn("telephony stream ended before start", "error", err)
		down.Close()
		return
	}
	s.log.Info("telephony stream started", "stream_sid", streamSid)

	s.runCall(r.Context(), down, realtime.KindTelephony, buildInstructions(s.callInstructions()))
}

// runCall negotiates an upstream session and relays until either side hangs
// up. Negotiation failures are reported downstream before closing.
func (s *Server) runCall(ctx context.Context, down bridge.Transport, kind realtime.TransportKind, instructions string) {
	sess := bridge.NewSession(kind, instructions)
	log := sess.Logger(observe.Logger(ctx, s.log))

	start := time.Now()
	negCtx, span := observe.StartSpan(ctx, "upstream.negotiate")
	up, err := s.client.Connect(negCtx, realtime.SessionConfig{
		Instructions: instructions,
		Transport:    kind,
	})
	span.End()
	if err != nil {
		s.metrics.RecordNegotiation(ctx, time.Since(start), "error")
		var credErr *realtime.CredentialError
		if errors.As(err, &credErr) {
			s.metrics.RecordCredentialFailure(ctx, string(kind))
		}
		log.Error("upstream negotiation failed", "error", err)
		_ = down.WriteError(ctx, "upstream session could not be established")
		down.Close()
		return
	}
	s.metrics.RecordNegotiation(ctx, time.Since(start), "ok")

	s.metrics.RecordSessionStart(ctx, string(kind))
	log.Info("call connected", "model", s.client.Model())

	router := bridge.NewRouter(sess, down, up, log, s.metrics)
	if err := router.Run(ctx); err != nil {
		log.Warn("call ended with error", "error", err)
	} else {
		log.Info("call ended")
	}

	s.metrics.RecordSessionEnd(context.WithoutCancel(ctx), string(kind), time.Since(start))
}
