package bridge_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voicefront/voicefront/internal/bridge"
	"github.com/voicefront/voicefront/pkg/realtime"
)

// ── Mock upstream engine ──────────────────────────────────────────────────────

// engineScript drives the mock engine after the readiness handshake. conn has
// already emitted session.created and consumed session.update.
type engineScript func(ctx context.Context, conn *websocket.Conn)

// startUpstream runs a mock issuance endpoint plus engine socket and returns
// an established session against them. closed is signalled when the engine
// sees its socket close.
func startUpstream(t *testing.T, kind realtime.TransportKind, script engineScript) (*realtime.Session, <-chan struct{}, <-chan []byte) {
	t.Helper()

	issuer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"client_secret":{"value":"secret"}}`))
	}))
	t.Cleanup(issuer.Close)

	closed := make(chan struct{})
	received := make(chan []byte, 32)

	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		data, _ := json.Marshal(map[string]any{"type": "session.created"})
		_ = conn.Write(ctx, websocket.MessageText, data)
		if _, _, err := conn.Read(ctx); err != nil { // session.update
			close(closed)
			return
		}

		if script != nil {
			script(ctx, conn)
		}

		// Pump remaining caller traffic until the socket closes.
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				close(closed)
				return
			}
			select {
			case received <- data:
			default:
			}
		}
	}))
	t.Cleanup(engine.Close)

	c := realtime.NewClient("key",
		realtime.WithSessionURL(issuer.URL),
		realtime.WithBaseURL("ws"+strings.TrimPrefix(engine.URL, "http")),
	)
	sess, err := c.Connect(context.Background(), realtime.SessionConfig{Transport: kind})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess, closed, received
}

func writeEvent(ctx context.Context, conn *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	_ = conn.Write(ctx, websocket.MessageText, data)
}

// ── Fake downstream transport ─────────────────────────────────────────────────

// fakeTransport records every write and feeds scripted inbound envelopes.
type fakeTransport struct {
	kind realtime.TransportKind
	in   chan bridge.Inbound
	done chan struct{}

	mu         sync.Mutex
	audio      []string
	speaking   []bool
	utterances []bridge.Utterance
	errMsgs    []string
	raws       [][]byte

	closeOnce sync.Once
}

func newFakeTransport(kind realtime.TransportKind) *fakeTransport {
	return &fakeTransport{
		kind: kind,
		in:   make(chan bridge.Inbound, 16),
		done: make(chan struct{}),
	}
}

func (f *fakeTransport) Kind() realtime.TransportKind { return f.kind }

func (f *fakeTransport) ReadEnvelope(ctx context.Context) (bridge.Inbound, error) {
	select {
	case env := <-f.in:
		return env, nil
	case <-f.done:
		return bridge.Inbound{}, io.EOF
	case <-ctx.Done():
		return bridge.Inbound{}, ctx.Err()
	}
}

func (f *fakeTransport) WriteAudio(_ context.Context, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, payload)
	return nil
}

func (f *fakeTransport) WriteSpeaking(_ context.Context, speaking bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speaking = append(f.speaking, speaking)
	return nil
}

func (f *fakeTransport) WriteUtterance(_ context.Context, u bridge.Utterance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utterances = append(f.utterances, u)
	return nil
}

func (f *fakeTransport) WriteError(_ context.Context, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errMsgs = append(f.errMsgs, msg)
	return nil
}

func (f *fakeTransport) WriteRaw(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raws = append(f.raws, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeTransport) closedWithin(d time.Duration) bool {
	select {
	case <-f.done:
		return true
	case <-time.After(d):
		return false
	}
}

// snapshot returns copies of the recorded writes.
func (f *fakeTransport) snapshot() (audio []string, speaking []bool, utterances []bridge.Utterance, errMsgs []string, raws [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.audio...),
		append([]bool(nil), f.speaking...),
		append([]bridge.Utterance(nil), f.utterances...),
		append([]string(nil), f.errMsgs...),
		append([][]byte(nil), f.raws...)
}

func (f *fakeTransport) waitAudio(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		audio, _, _, _, _ := f.snapshot()
		if len(audio) >= n {
			return audio
		}
		select {
		case <-deadline:
			t.Fatalf("timeout: got %d audio payloads, want %d", len(audio), n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runRouter(t *testing.T, down *fakeTransport, up *realtime.Session) <-chan error {
	t.Helper()
	sess := bridge.NewSession(down.kind, "")
	r := bridge.NewRouter(sess, down, up, testLogger(), nil)
	errc := make(chan error, 1)
	go func() { errc <- r.Run(context.Background()) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for router to finish")
		return nil
	}
}

// ── Upstream → downstream ─────────────────────────────────────────────────────

func TestRouter_AudioDeltasArriveInOrderWithSpeakingSignals(t *testing.T) {
	t.Parallel()

	chunks := [][]byte{{0x01, 0x02}, {0x03, 0x04}, {0x05, 0x06}, {0x07, 0x08}}
	up, _, _ := startUpstream(t, realtime.KindTelephony, func(ctx context.Context, conn *websocket.Conn) {
		for _, c := range chunks {
			writeEvent(ctx, conn, map[string]any{
				"type":  "response.audio.delta",
				"delta": base64.StdEncoding.EncodeToString(c),
			})
		}
		writeEvent(ctx, conn, map[string]any{"type": "response.audio.done"})
	})

	down := newFakeTransport(realtime.KindTelephony)
	errc := runRouter(t, down, up)

	audio := down.waitAudio(t, len(chunks))
	for i, c := range chunks {
		if audio[i] != base64.StdEncoding.EncodeToString(c) {
			t.Errorf("payload[%d] = %q; bytes changed or reordered in flight", i, audio[i])
		}
	}

	deadline := time.After(3 * time.Second)
	for {
		_, speaking, _, _, _ := down.snapshot()
		if len(speaking) >= 2 {
			if !speaking[0] || speaking[1] {
				t.Errorf("speaking signals = %v; want [true false]", speaking)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for speaking signals")
		case <-time.After(5 * time.Millisecond):
		}
	}

	down.Close()
	waitErr(t, errc)
}

func TestRouter_InterleavedTranscriptsEmitDiscreteUtterances(t *testing.T) {
	t.Parallel()

	up, _, _ := startUpstream(t, realtime.KindBrowser, func(ctx context.Context, conn *websocket.Conn) {
		writeEvent(ctx, conn, map[string]any{
			"type": "response.audio_transcript.delta", "delta": "h",
		})
		writeEvent(ctx, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "hello",
		})
		writeEvent(ctx, conn, map[string]any{
			"type": "response.audio_transcript.delta", "delta": "i",
		})
		writeEvent(ctx, conn, map[string]any{"type": "response.audio_transcript.done"})
	})

	down := newFakeTransport(realtime.KindBrowser)
	errc := runRouter(t, down, up)

	deadline := time.After(3 * time.Second)
	for {
		_, _, utterances, _, _ := down.snapshot()
		if len(utterances) >= 2 {
			if utterances[0].Role != bridge.RoleUser || utterances[0].Text != "hello" {
				t.Errorf("utterance[0] = (%s, %q); want (user, hello)", utterances[0].Role, utterances[0].Text)
			}
			if utterances[1].Role != bridge.RoleAssistant || utterances[1].Text != "hi" {
				t.Errorf("utterance[1] = (%s, %q); want (assistant, hi)", utterances[1].Role, utterances[1].Text)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for utterances")
		case <-time.After(5 * time.Millisecond):
		}
	}

	down.Close()
	waitErr(t, errc)
}

func TestRouter_UpstreamErrorForwardedWithoutClosing(t *testing.T) {
	t.Parallel()

	up, _, _ := startUpstream(t, realtime.KindBrowser, func(ctx context.Context, conn *websocket.Conn) {
		writeEvent(ctx, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"message": "rate limited"},
		})
		// The call must still be alive after the error.
		writeEvent(ctx, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString([]byte{0x00, 0x00}),
		})
	})

	down := newFakeTransport(realtime.KindBrowser)
	errc := runRouter(t, down, up)

	down.waitAudio(t, 1)
	_, _, _, errMsgs, _ := down.snapshot()
	if len(errMsgs) != 1 || errMsgs[0] != "rate limited" {
		t.Errorf("error messages = %v; want [rate limited]", errMsgs)
	}

	down.Close()
	waitErr(t, errc)
}

func TestRouter_UnknownUpstreamEventForwardedVerbatim(t *testing.T) {
	t.Parallel()

	up, _, _ := startUpstream(t, realtime.KindBrowser, func(ctx context.Context, conn *websocket.Conn) {
		writeEvent(ctx, conn, map[string]any{"type": "future.event", "detail": "x"})
	})

	down := newFakeTransport(realtime.KindBrowser)
	errc := runRouter(t, down, up)

	deadline := time.After(3 * time.Second)
	for {
		_, _, _, _, raws := down.snapshot()
		if len(raws) >= 1 {
			var env map[string]any
			if err := json.Unmarshal(raws[0], &env); err != nil {
				t.Fatalf("forwarded bytes are not the original envelope: %v", err)
			}
			if env["type"] != "future.event" || env["detail"] != "x" {
				t.Errorf("forwarded envelope = %v", env)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for raw forward")
		case <-time.After(5 * time.Millisecond):
		}
	}

	down.Close()
	waitErr(t, errc)
}

// ── Downstream → upstream ─────────────────────────────────────────────────────

func TestRouter_CallerAudioForwardedByteIdentical(t *testing.T) {
	t.Parallel()

	up, _, received := startUpstream(t, realtime.KindTelephony, nil)
	down := newFakeTransport(realtime.KindTelephony)
	errc := runRouter(t, down, up)

	payload := base64.StdEncoding.EncodeToString([]byte{0xFF, 0x7F, 0x00, 0x80})
	down.in <- bridge.Inbound{Kind: bridge.InboundAudio, Audio: payload}

	select {
	case data := <-received:
		var msg struct {
			Type  string `json:"type"`
			Audio string `json:"audio"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal upstream message: %v", err)
		}
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q; want input_audio_buffer.append", msg.Type)
		}
		if msg.Audio != payload {
			t.Errorf("audio = %q; payload changed in flight", msg.Audio)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for forwarded audio")
	}

	down.Close()
	waitErr(t, errc)
}

// ── Teardown cascade ──────────────────────────────────────────────────────────

func TestRouter_DownstreamCloseCascadesUpstream(t *testing.T) {
	t.Parallel()

	up, upClosed, _ := startUpstream(t, realtime.KindBrowser, nil)
	down := newFakeTransport(realtime.KindBrowser)
	errc := runRouter(t, down, up)

	down.Close()

	if err := waitErr(t, errc); err != nil {
		t.Errorf("clean hang-up returned error: %v", err)
	}
	select {
	case <-upClosed:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream socket never closed after downstream hang-up")
	}
}

func TestRouter_UpstreamCloseCascadesDownstream(t *testing.T) {
	t.Parallel()

	// A nil script means the engine immediately falls into its read pump;
	// closing the session from our side is covered above, so here the engine
	// drops the socket right after the handshake.
	up, _, _ := startUpstream(t, realtime.KindBrowser, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Close(websocket.StatusNormalClosure, "engine done")
	})

	down := newFakeTransport(realtime.KindBrowser)
	errc := runRouter(t, down, up)

	waitErr(t, errc)
	if !down.closedWithin(3 * time.Second) {
		t.Fatal("downstream transport never closed after upstream close")
	}
}

func TestRouter_ExplicitStopTearsDownBothSides(t *testing.T) {
	t.Parallel()

	up, upClosed, _ := startUpstream(t, realtime.KindTelephony, nil)
	down := newFakeTransport(realtime.KindTelephony)
	errc := runRouter(t, down, up)

	down.in <- bridge.Inbound{Kind: bridge.InboundStop}

	if err := waitErr(t, errc); err != nil {
		t.Errorf("explicit stop returned error: %v", err)
	}
	if !down.closedWithin(3 * time.Second) {
		t.Fatal("downstream not closed after stop")
	}
	select {
	case <-upClosed:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream not closed after stop")
	}
}
