package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/voicefront/voicefront/pkg/realtime"
)

// Telephony streaming event names.
const (
	eventStart = "start"
	eventMedia = "media"
	eventStop  = "stop"
)

// mediaEnvelope is the telephony streaming event shape, both directions.
type mediaEnvelope struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`
	Start     *struct {
		StreamSid string `json:"streamSid"`
	} `json:"start,omitempty"`
	Media *mediaPayload `json:"media,omitempty"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

// TelephonyTransport adapts a telephony media stream speaking
// {event: start|media|stop} envelopes. Media payloads are mu-law 8k and are
// relayed byte-for-byte in both directions.
//
// The telephony protocol has no representation for transcript turns, speaking
// flags, errors, or foreign envelopes; those writes are dropped with a debug
// log.
type TelephonyTransport struct {
	conn *websocket.Conn
	log  *slog.Logger

	streamSid string

	closeOnce sync.Once
	closeErr  error
}

// NewTelephonyTransport wraps an accepted telephony media connection.
func NewTelephonyTransport(conn *websocket.Conn, log *slog.Logger) *TelephonyTransport {
	return &TelephonyTransport{conn: conn, log: log}
}

// Kind implements [Transport].
func (t *TelephonyTransport) Kind() realtime.TransportKind { return realtime.KindTelephony }

// StreamSid returns the stream identifier recorded from the start event, or
// empty before one arrives.
func (t *TelephonyTransport) StreamSid() string { return t.streamSid }

// ReadStart consumes events until the start event arrives and records its
// stream identifier. A stop or peer close before start returns io.EOF.
func (t *TelephonyTransport) ReadStart(ctx context.Context) (string, error) {
	for {
		env, err := t.readEvent(ctx)
		if err != nil {
			return "", err
		}
		switch env.Event {
		case eventStart:
			if env.Start != nil && env.Start.StreamSid != "" {
				t.streamSid = env.Start.StreamSid
			} else {
				t.streamSid = env.StreamSid
			}
			if t.streamSid == "" {
				return "", fmt.Errorf("bridge: telephony start event without stream identifier")
			}
			return t.streamSid, nil
		case eventStop:
			return "", io.EOF
		default:
			t.log.Debug("telephony event before start skipped", "event", env.Event)
		}
	}
}

// ReadEnvelope implements [Transport]. Media payloads pass through
// untouched; telephony control events with no upstream meaning are skipped.
func (t *TelephonyTransport) ReadEnvelope(ctx context.Context) (Inbound, error) {
	for {
		env, err := t.readEvent(ctx)
		if err != nil {
			return Inbound{}, err
		}
		switch env.Event {
		case eventMedia:
			if env.Media == nil {
				continue
			}
			return Inbound{Kind: InboundAudio, Audio: env.Media.Payload}, nil
		case eventStop:
			return Inbound{Kind: InboundStop}, nil
		case eventStart:
			// Duplicate start keeps the original stream identifier.
			t.log.Debug("duplicate telephony start skipped")
		default:
			t.log.Debug("telephony event skipped", "event", env.Event)
		}
	}
}

// WriteAudio implements [Transport]. The payload is wrapped in the native
// media envelope with unchanged bytes.
func (t *TelephonyTransport) WriteAudio(ctx context.Context, payload string) error {
	data, err := json.Marshal(mediaEnvelope{
		Event:     eventMedia,
		StreamSid: t.streamSid,
		Media:     &mediaPayload{Payload: payload},
	})
	if err != nil {
		return fmt.Errorf("bridge: marshal media envelope: %w", err)
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// WriteSpeaking implements [Transport]. No telephony representation.
func (t *TelephonyTransport) WriteSpeaking(context.Context, bool) error { return nil }

// WriteUtterance implements [Transport]. No telephony representation; the
// transcript turn is logged instead so telephony calls remain diagnosable.
func (t *TelephonyTransport) WriteUtterance(_ context.Context, u Utterance) error {
	t.log.Info("transcript turn", "role", string(u.Role), "text", u.Text)
	return nil
}

// WriteError implements [Transport]. No telephony representation.
func (t *TelephonyTransport) WriteError(_ context.Context, msg string) error {
	t.log.Warn("upstream error has no telephony representation", "message", msg)
	return nil
}

// WriteRaw implements [Transport]. Foreign envelopes would corrupt the media
// stream, so they are dropped.
func (t *TelephonyTransport) WriteRaw(_ context.Context, data []byte) error {
	t.log.Debug("envelope has no telephony representation", "bytes", len(data))
	return nil
}

// Close implements [Transport].
func (t *TelephonyTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close(websocket.StatusNormalClosure, "call ended")
	})
	return t.closeErr
}

func (t *TelephonyTransport) readEvent(ctx context.Context) (mediaEnvelope, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return mediaEnvelope{}, normalizeClose(err)
	}
	var env mediaEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return mediaEnvelope{}, fmt.Errorf("bridge: telephony envelope: %w", err)
	}
	return env, nil
}
