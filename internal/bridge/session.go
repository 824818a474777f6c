// Package bridge implements the duplex relay between a downstream caller
// transport (browser socket or telephony media stream) and an upstream
// realtime speech-to-speech session.
//
// One [Router] owns one [Session]. Two read loops (downstream and upstream)
// feed a single dispatch goroutine, so envelope handling for a session is
// never reentered concurrently and the transcript and playback state need no
// fine-grained locking. Closing either side cascades to the other.
package bridge

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voicefront/voicefront/pkg/realtime"
)

// Session is the per-connection call state. It is owned exclusively by the
// Router that created it and is released when either side closes.
type Session struct {
	// ID identifies the session in logs and metrics.
	ID uuid.UUID

	// Kind is the downstream transport kind.
	Kind realtime.TransportKind

	// Instructions is the free-form configuration text supplied by the
	// external collaborator. The bridge treats it as opaque.
	Instructions string

	// CreatedAt is the session creation timestamp.
	CreatedAt time.Time
}

// NewSession creates a Session for the given transport kind.
func NewSession(kind realtime.TransportKind, instructions string) *Session {
	return &Session{
		ID:           uuid.New(),
		Kind:         kind,
		Instructions: instructions,
		CreatedAt:    time.Now(),
	}
}

// Logger returns base with the session's identifying attributes attached.
func (s *Session) Logger(base *slog.Logger) *slog.Logger {
	return base.With(
		slog.String("session_id", s.ID.String()),
		slog.String("transport", string(s.Kind)),
	)
}
