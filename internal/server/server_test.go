package server_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voicefront/voicefront/internal/config"
	"github.com/voicefront/voicefront/internal/observe"
	"github.com/voicefront/voicefront/internal/server"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// startIssuer launches a mock session-issuance endpoint.
func startIssuer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_secret": map[string]any{"value": "ephemeral-secret"},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// startEngine launches a mock upstream engine. It completes the readiness
// handshake, forwards the received session.update on updates, then runs
// script with the accepted conn.
func startEngine(t *testing.T, script func(conn *websocket.Conn)) (*httptest.Server, <-chan map[string]any) {
	t.Helper()
	updates := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := writeWS(ctx, conn, map[string]any{"type": "session.created"}); err != nil {
			return
		}
		var update map[string]any
		if err := readWS(ctx, conn, &update); err != nil {
			return
		}
		updates <- update

		if script != nil {
			script(conn)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, updates
}

func writeWS(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func readWS(ctx context.Context, conn *websocket.Conn, v any) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// newTestServer wires a Server against the given mock upstream endpoints and
// serves it over httptest.
func newTestServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()

	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := server.New(cfg, log, metrics)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

// testConfig returns a config pointed at the given mock upstream servers.
func testConfig(issuer, engine *httptest.Server) *config.Config {
	cfg := &config.Config{}
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.LogLevel = config.LogInfo
	cfg.Upstream.APIKey = "sk-test"
	if issuer != nil {
		cfg.Upstream.SessionURL = issuer.URL
	}
	if engine != nil {
		cfg.Upstream.BaseURL = wsURL(engine, "")
	}
	cfg.Call.Instructions = "You handle appointment bookings."
	cfg.Call.ConfigureWait = 200 * time.Millisecond
	return cfg
}

// dial opens a client WebSocket against the test server.
func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, path), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// readEnvelope reads frames until one of the wanted types arrives.
func readEnvelope(t *testing.T, conn *websocket.Conn, wantTypes ...string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var env map[string]any
		if err := readWS(ctx, conn, &env); err != nil {
			t.Fatalf("readEnvelope (waiting for %v): %v", wantTypes, err)
		}
		typ, _ := env["type"].(string)
		for _, want := range wantTypes {
			if typ == want {
				return env
			}
		}
	}
}

// ── HTTP boundary ─────────────────────────────────────────────────────────────

func TestBrowserCall_MissingAPIKeyIsJSONError(t *testing.T) {
	t.Parallel()

	cfg := testConfig(nil, nil)
	cfg.Upstream.APIKey = ""
	srv := newTestServer(t, cfg)

	resp, err := http.Get(srv.URL + "/v1/call")
	if err != nil {
		t.Fatalf("GET /v1/call: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestBrowserCall_NonUpgradeRequestRejected(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testConfig(nil, nil))

	resp, err := http.Get(srv.URL + "/v1/call")
	if err != nil {
		t.Fatalf("GET /v1/call: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("status = %d, want 426", resp.StatusCode)
	}
}

func TestPreflightGetsPermissiveCORS(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testConfig(nil, nil))

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/v1/call", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /v1/call: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); got == "" {
		t.Error("expected Allow-Headers to be set")
	}
}

func TestIncomingCallWebhookReturnsStreamTwiML(t *testing.T) {
	t.Parallel()

	cfg := testConfig(nil, nil)
	cfg.Server.PublicURL = "https://voice.example.com"
	srv := newTestServer(t, cfg)

	resp, err := http.Post(srv.URL+"/v1/telephony/incoming", "application/x-www-form-urlencoded", nil)
	if err != nil {
		t.Fatalf("POST incoming: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Errorf("Content-Type = %q, want text/xml", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	doc := string(body)
	if !strings.Contains(doc, "<Connect>") || !strings.Contains(doc, "<Stream") {
		t.Errorf("TwiML missing Connect/Stream:\n%s", doc)
	}
	if !strings.Contains(doc, `"wss://voice.example.com/v1/telephony"`) {
		t.Errorf("stream URL not derived from public URL:\n%s", doc)
	}
}

func TestIncomingCallWebhookFallsBackToRequestHost(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testConfig(nil, nil))

	resp, err := http.Post(srv.URL+"/v1/telephony/incoming", "application/x-www-form-urlencoded", nil)
	if err != nil {
		t.Fatalf("POST incoming: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	host := strings.TrimPrefix(srv.URL, "http://")
	if !strings.Contains(string(body), "wss://"+host+"/v1/telephony") {
		t.Errorf("stream URL should use the request host:\n%s", body)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("ready with credentials", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(t, testConfig(nil, nil))

		for path, want := range map[string]int{
			"/healthz": http.StatusOK,
			"/readyz":  http.StatusOK,
		} {
			resp, err := http.Get(srv.URL + path)
			if err != nil {
				t.Fatalf("GET %s: %v", path, err)
			}
			resp.Body.Close()
			if resp.StatusCode != want {
				t.Errorf("GET %s = %d, want %d", path, resp.StatusCode, want)
			}
		}
	})

	t.Run("not ready without credentials", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(nil, nil)
		cfg.Upstream.APIKey = ""
		srv := newTestServer(t, cfg)

		resp, err := http.Get(srv.URL + "/readyz")
		if err != nil {
			t.Fatalf("GET /readyz: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("GET /readyz = %d, want 503", resp.StatusCode)
		}
	})
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testConfig(nil, nil))

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

// ── Call flow ─────────────────────────────────────────────────────────────────

func TestBrowserCall_EndToEnd(t *testing.T) {
	t.Parallel()

	issuer := startIssuer(t, http.StatusOK)
	engine, updates := startEngine(t, func(conn *websocket.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = writeWS(ctx, conn, map[string]any{"type": "response.audio.delta", "delta": "c29tZSBhdWRpbw=="})
		_ = writeWS(ctx, conn, map[string]any{"type": "response.audio.done"})
		// Drain caller traffic until the bridge hangs up.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	srv := newTestServer(t, testConfig(issuer, engine))
	conn := dial(t, srv, "/v1/call")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := writeWS(ctx, conn, map[string]any{
		"type":          "call.configure",
		"configuration": "Our office is open 9 to 5.",
	}); err != nil {
		t.Fatalf("send configure: %v", err)
	}

	select {
	case update := <-updates:
		sess, _ := update["session"].(map[string]any)
		instructions, _ := sess["instructions"].(string)
		if !strings.Contains(instructions, "Our office is open 9 to 5.") {
			t.Errorf("instructions missing caller configuration: %q", instructions)
		}
		if !strings.Contains(instructions, "professional AI receptionist") {
			t.Errorf("instructions missing receptionist framing: %q", instructions)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("engine never received session.update")
	}

	env := readEnvelope(t, conn, "speaking.started")
	if env["type"] != "speaking.started" {
		t.Fatalf("first signal = %v, want speaking.started", env["type"])
	}
	env = readEnvelope(t, conn, "response.audio.delta")
	if env["delta"] != "c29tZSBhdWRpbw==" {
		t.Errorf("delta = %v, want original payload", env["delta"])
	}
	readEnvelope(t, conn, "speaking.stopped")

	if err := writeWS(ctx, conn, map[string]any{"type": "call.end"}); err != nil {
		t.Fatalf("send call.end: %v", err)
	}
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}
}

func TestBrowserCall_DefaultInstructionsWithoutConfigure(t *testing.T) {
	t.Parallel()

	issuer := startIssuer(t, http.StatusOK)
	engine, updates := startEngine(t, nil)

	srv := newTestServer(t, testConfig(issuer, engine))
	dial(t, srv, "/v1/call")

	select {
	case update := <-updates:
		sess, _ := update["session"].(map[string]any)
		instructions, _ := sess["instructions"].(string)
		if !strings.Contains(instructions, "You handle appointment bookings.") {
			t.Errorf("instructions missing server default: %q", instructions)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("engine never received session.update")
	}
}

func TestBrowserCall_CredentialFailureReportedDownstream(t *testing.T) {
	t.Parallel()

	issuer := startIssuer(t, http.StatusServiceUnavailable)

	srv := newTestServer(t, testConfig(issuer, nil))
	conn := dial(t, srv, "/v1/call")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := writeWS(ctx, conn, map[string]any{"type": "call.configure", "configuration": "x"}); err != nil {
		t.Fatalf("send configure: %v", err)
	}

	env := readEnvelope(t, conn, "error")
	errObj, _ := env["error"].(map[string]any)
	if msg, _ := errObj["message"].(string); msg == "" {
		t.Errorf("error envelope missing message: %v", env)
	}

	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("connection should close after a negotiation failure")
	}
}

func TestTelephonyCall_EndToEnd(t *testing.T) {
	t.Parallel()

	issuer := startIssuer(t, http.StatusOK)
	engine, updates := startEngine(t, func(conn *websocket.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = writeWS(ctx, conn, map[string]any{"type": "response.audio.delta", "delta": "f39/fw=="})
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	srv := newTestServer(t, testConfig(issuer, engine))
	conn := dial(t, srv, "/v1/telephony")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := writeWS(ctx, conn, map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "MZtest123"},
	}); err != nil {
		t.Fatalf("send start: %v", err)
	}

	select {
	case update := <-updates:
		sess, _ := update["session"].(map[string]any)
		if format, _ := sess["input_audio_format"].(string); format != "g711_ulaw" {
			t.Errorf("input_audio_format = %q, want g711_ulaw", format)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("engine never received session.update")
	}

	var media map[string]any
	if err := readWS(ctx, conn, &media); err != nil {
		t.Fatalf("read media: %v", err)
	}
	if media["event"] != "media" {
		t.Fatalf("event = %v, want media", media["event"])
	}
	if media["streamSid"] != "MZtest123" {
		t.Errorf("streamSid = %v, want MZtest123", media["streamSid"])
	}
	payload, _ := media["media"].(map[string]any)
	if payload["payload"] != "f39/fw==" {
		t.Errorf("payload = %v, want original bytes", payload["payload"])
	}

	if err := writeWS(ctx, conn, map[string]any{"event": "stop"}); err != nil {
		t.Fatalf("send stop: %v", err)
	}
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}
}
