package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// State is the lifecycle position of a Session's readiness handshake.
type State int

const (
	// StateConnecting covers credential issuance and the WebSocket dial.
	StateConnecting State = iota

	// StateAwaitingReady means the socket is open and the session is waiting
	// for the engine's session.created signal. Nothing caller-originated may
	// be transmitted in this state.
	StateAwaitingReady

	// StateConfigured means the session configuration has been transmitted.
	StateConfigured

	// StateActive means buffered caller traffic has been flushed and the
	// session relays freely.
	StateActive
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingReady:
		return "awaiting-ready"
	case StateConfigured:
		return "configured"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// ErrorDetail is the nested error object of an engine error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ServerEvent is one parsed upstream envelope. Raw retains the exact wire
// bytes so unrecognised event types can be forwarded unchanged.
type ServerEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *ErrorDetail `json:"error,omitempty"`

	Raw []byte `json:"-"`
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string           `json:"modalities"`
	Instructions            string             `json:"instructions"`
	Voice                   string             `json:"voice"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	InputAudioTranscription transcriptionParam `json:"input_audio_transcription"`
	TurnDetection           turnDetectionParam `json:"turn_detection"`
	Temperature             float64            `json:"temperature"`
	MaxResponseOutputToken  string             `json:"max_response_output_tokens"`
}

type transcriptionParam struct {
	Model string `json:"model"`
}

type turnDetectionParam struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded, already in the negotiated input format
}

// ── Session ───────────────────────────────────────────────────────────────────

// Session is one live duplex connection to the upstream engine. Events arrive
// in wire order on the Events channel; the receive loop owns the channel and
// closes it when it exits.
//
// Outbound traffic submitted before the readiness handshake completes is
// buffered and flushed, in order, immediately after the configuration
// message — caller audio can therefore never precede configuration on the
// wire.
type Session struct {
	conn   *websocket.Conn
	voice  string
	cfg    SessionConfig
	events chan ServerEvent

	mu      sync.Mutex
	state   State
	pending [][]byte
	errVal  error
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, voice string, cfg SessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:   conn,
		voice:  voice,
		cfg:    cfg,
		events: make(chan ServerEvent, 64),
		state:  StateAwaitingReady,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Events returns the channel of upstream envelopes, in arrival order. The
// channel is closed when the connection ends; check Err afterwards.
func (s *Session) Events() <-chan ServerEvent { return s.events }

// State returns the session's current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the first error that terminated the receive loop, or nil for a
// clean close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// AppendAudio transmits one caller audio chunk. audio is base64 text already
// encoded in the transport's negotiated input format; it is forwarded without
// transformation. Before the session is active the chunk is buffered.
func (s *Session) AppendAudio(audio string) error {
	data, err := json.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: audio,
	})
	if err != nil {
		return fmt.Errorf("realtime: marshal audio append: %w", err)
	}
	return s.writeOrBuffer(data)
}

// SendRaw forwards a caller envelope upstream byte-for-byte (the
// forward-compatibility path for unrecognised types). Before the session is
// active the envelope is buffered.
func (s *Session) SendRaw(data []byte) error {
	return s.writeOrBuffer(data)
}

// writeOrBuffer writes data to the socket once the session is active;
// beforehand it appends to the pending buffer, preserving submission order.
func (s *Session) writeOrBuffer(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("realtime: session closed")
	}
	if s.state != StateActive {
		s.pending = append(s.pending, data)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads engine events, drives the readiness handshake, and
// forwards every event to the Events channel. It owns the events channel.
func (s *Session) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(err)
			}
			return
		}

		var evt ServerEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		evt.Raw = data

		if evt.Type == "session.created" {
			if err := s.configure(); err != nil {
				s.setErr(err)
				return
			}
		}

		select {
		case s.events <- evt:
		case <-s.ctx.Done():
			return
		}
	}
}

// configure transmits the session configuration and flushes buffered caller
// traffic. The AwaitingReady state check makes a duplicate readiness signal a
// no-op: configuration is sent at most once.
func (s *Session) configure() error {
	s.mu.Lock()
	if s.state != StateAwaitingReady {
		s.mu.Unlock()
		return nil
	}

	format := s.cfg.Transport.audioFormat()
	msg := sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:              []string{"text", "audio"},
			Instructions:            s.cfg.Instructions,
			Voice:                   s.voice,
			InputAudioFormat:        format,
			OutputAudioFormat:       format,
			InputAudioTranscription: transcriptionParam{Model: "whisper-1"},
			TurnDetection: turnDetectionParam{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 1000,
			},
			Temperature:            0.8,
			MaxResponseOutputToken: "inf",
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("realtime: marshal session update: %w", err)
	}

	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("realtime: send session update: %w", err)
	}
	s.state = StateConfigured

	// Flush traffic buffered during the handshake while still holding the
	// lock: concurrent writers keep buffering until the state flips to
	// Active, so wire order is configuration first, then buffered chunks in
	// submission order.
	for _, data := range s.pending {
		if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("realtime: flush buffered message: %w", err)
		}
	}
	s.pending = nil
	s.state = StateActive
	s.mu.Unlock()
	return nil
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *Session) closeEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

// Close terminates the session and releases its resources. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
