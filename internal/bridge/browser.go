package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voicefront/voicefront/pkg/realtime"
)

// Browser envelope types. Inbound types mirror the upstream engine protocol
// so a caller page can speak one vocabulary end to end; outbound adds the
// bridge's own discrete events.
const (
	typeConfigure   = "call.configure"
	typeEndCall     = "call.end"
	typeAudioAppend = "input_audio_buffer.append"

	typeAudioDelta      = "response.audio.delta"
	typeSpeakingStarted = "speaking.started"
	typeSpeakingStopped = "speaking.stopped"
	typeUtterance       = "conversation.utterance"
	typeError           = "error"
)

// browserEnvelope is the superset of fields across browser envelope types.
type browserEnvelope struct {
	Type          string `json:"type"`
	Audio         string `json:"audio,omitempty"`
	Configuration string `json:"configuration,omitempty"`
}

// BrowserTransport adapts a browser WebSocket speaking JSON envelopes.
type BrowserTransport struct {
	conn *websocket.Conn

	// stashed holds an envelope consumed by ReadConfigure that was not a
	// configure message, replayed by the next ReadEnvelope.
	stashed []byte

	// pending carries the result of a configure read that outlived its wait.
	// The next ReadEnvelope drains it before touching the socket again.
	pending chan readResult

	closeOnce sync.Once
	closeErr  error
}

type readResult struct {
	data []byte
	err  error
}

// NewBrowserTransport wraps an accepted browser connection.
func NewBrowserTransport(conn *websocket.Conn) *BrowserTransport {
	return &BrowserTransport{conn: conn}
}

// Kind implements [Transport].
func (t *BrowserTransport) Kind() realtime.TransportKind { return realtime.KindBrowser }

// ReadConfigure waits up to timeout for an optional call.configure envelope
// carrying the session's configuration text. If the first envelope is
// anything else it is stashed and replayed by the next ReadEnvelope, and
// ok=false is returned so the caller falls back to default instructions.
//
// A timeout is the same fallback, not an error. The read itself runs with
// the parent context, never a deadline: expiring a Read context closes the
// websocket, and a slow-to-configure caller must keep a live connection.
// A read still in flight when the wait elapses is parked on t.pending and
// its envelope is delivered to the first ReadEnvelope.
func (t *BrowserTransport) ReadConfigure(ctx context.Context, timeout time.Duration) (string, bool, error) {
	pending := make(chan readResult, 1)
	go func() {
		_, data, err := t.conn.Read(ctx)
		pending <- readResult{data: data, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		t.pending = pending
		return "", false, nil
	case res := <-pending:
		if res.err != nil {
			return "", false, normalizeClose(res.err)
		}
		var env browserEnvelope
		if err := json.Unmarshal(res.data, &env); err != nil || env.Type != typeConfigure {
			t.stashed = res.data
			return "", false, nil
		}
		return env.Configuration, true, nil
	}
}

// ReadEnvelope implements [Transport].
func (t *BrowserTransport) ReadEnvelope(ctx context.Context) (Inbound, error) {
	data := t.stashed
	t.stashed = nil
	if data == nil && t.pending != nil {
		select {
		case res := <-t.pending:
			t.pending = nil
			if res.err != nil {
				return Inbound{}, normalizeClose(res.err)
			}
			data = res.data
		case <-ctx.Done():
			return Inbound{}, ctx.Err()
		}
	}
	if data == nil {
		var err error
		_, data, err = t.conn.Read(ctx)
		if err != nil {
			return Inbound{}, normalizeClose(err)
		}
	}

	var env browserEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Inbound{}, fmt.Errorf("bridge: browser envelope: %w", err)
	}

	switch env.Type {
	case typeAudioAppend:
		return Inbound{Kind: InboundAudio, Audio: env.Audio, Raw: data}, nil
	case typeEndCall:
		return Inbound{Kind: InboundStop, Raw: data}, nil
	default:
		return Inbound{Kind: InboundRaw, Raw: data}, nil
	}
}

// WriteAudio implements [Transport].
func (t *BrowserTransport) WriteAudio(ctx context.Context, payload string) error {
	return t.writeJSON(ctx, map[string]string{"type": typeAudioDelta, "delta": payload})
}

// WriteSpeaking implements [Transport].
func (t *BrowserTransport) WriteSpeaking(ctx context.Context, speaking bool) error {
	typ := typeSpeakingStopped
	if speaking {
		typ = typeSpeakingStarted
	}
	return t.writeJSON(ctx, map[string]string{"type": typ})
}

// WriteUtterance implements [Transport].
func (t *BrowserTransport) WriteUtterance(ctx context.Context, u Utterance) error {
	return t.writeJSON(ctx, struct {
		Type string `json:"type"`
		Utterance
	}{Type: typeUtterance, Utterance: u})
}

// WriteError implements [Transport].
func (t *BrowserTransport) WriteError(ctx context.Context, msg string) error {
	return t.writeJSON(ctx, map[string]any{
		"type":  typeError,
		"error": map[string]string{"message": msg},
	})
}

// WriteRaw implements [Transport].
func (t *BrowserTransport) WriteRaw(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// Close implements [Transport].
func (t *BrowserTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close(websocket.StatusNormalClosure, "call ended")
	})
	return t.closeErr
}

func (t *BrowserTransport) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bridge: marshal browser envelope: %w", err)
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// normalizeClose maps a peer close to io.EOF so callers can distinguish a
// hang-up from a transport fault.
func normalizeClose(err error) error {
	if websocket.CloseStatus(err) != -1 || errors.Is(err, io.EOF) {
		return io.EOF
	}
	return err
}
