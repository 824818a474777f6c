package bridge

import (
	"context"

	"github.com/voicefront/voicefront/pkg/realtime"
)

// InboundKind classifies a downstream envelope after adapter normalisation.
type InboundKind int

const (
	// InboundAudio carries one base64 caller audio chunk, already encoded in
	// the transport's negotiated upstream format.
	InboundAudio InboundKind = iota

	// InboundStop is an explicit end-of-call signal (telephony stop event or
	// a browser end-call envelope). Terminal.
	InboundStop

	// InboundRaw is an unrecognised envelope to be forwarded upstream
	// byte-for-byte.
	InboundRaw
)

// Inbound is one normalised downstream envelope.
type Inbound struct {
	Kind  InboundKind
	Audio string
	Raw   []byte
}

// Transport adapts one downstream protocol (envelope shape plus audio wrap)
// so a single Router serves both caller kinds. Implementations wrap one
// WebSocket connection; ReadEnvelope is called from a single goroutine, write
// methods from another single goroutine.
//
// Not every downstream protocol can represent every output. Write methods
// for unrepresentable outputs are no-ops on that transport.
type Transport interface {
	// Kind reports which upstream audio format the transport negotiates.
	Kind() realtime.TransportKind

	// ReadEnvelope blocks for the next downstream envelope. It returns
	// io.EOF when the peer closed the connection cleanly.
	ReadEnvelope(ctx context.Context) (Inbound, error)

	// WriteAudio sends one base64 audio payload, unchanged bytes, wrapped in
	// the transport's native audio envelope.
	WriteAudio(ctx context.Context, payload string) error

	// WriteSpeaking signals that engine audio playback started or stopped.
	WriteSpeaking(ctx context.Context, speaking bool) error

	// WriteUtterance delivers one finalized transcript turn.
	WriteUtterance(ctx context.Context, u Utterance) error

	// WriteError surfaces an upstream error message to the caller.
	WriteError(ctx context.Context, msg string) error

	// WriteRaw forwards an upstream envelope byte-for-byte.
	WriteRaw(ctx context.Context, data []byte) error

	// Close closes the downstream connection. Idempotent.
	Close() error
}
