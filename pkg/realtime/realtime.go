// Package realtime is the client for the hosted realtime speech-to-speech
// engine (OpenAI Realtime API wire shape).
//
// Establishing a session is a three-step negotiation: an ephemeral credential
// is requested from the session-issuance endpoint, the duplex WebSocket is
// dialled with that credential, and the session configuration is transmitted
// only after the engine's session.created readiness signal has been observed.
// The readiness ordering is enforced by an explicit state machine on
// [Session]; configuration is sent exactly once, from the AwaitingReady state.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/coder/websocket"
)

const (
	defaultModel      = "gpt-4o-realtime-preview-2024-12-17"
	defaultVoice      = "alloy"
	defaultBaseURL    = "wss://api.openai.com/v1/realtime"
	defaultSessionURL = "https://api.openai.com/v1/realtime/sessions"

	// maxCredentialBody caps how much of an issuance error response is kept
	// for the error message.
	maxCredentialBody = 4 << 10
)

// TransportKind identifies the downstream caller transport a session serves.
// It selects the audio formats negotiated with the upstream engine.
type TransportKind string

const (
	// KindBrowser is a browser microphone session: 16-bit PCM at 24 kHz.
	KindBrowser TransportKind = "browser"

	// KindTelephony is a telephony media-stream session: G.711 mu-law at 8 kHz.
	KindTelephony TransportKind = "telephony"
)

// IsValid reports whether k is a recognised transport kind.
func (k TransportKind) IsValid() bool {
	return k == KindBrowser || k == KindTelephony
}

// Mulaw reports whether this transport exchanges mu-law audio with the
// upstream engine.
func (k TransportKind) Mulaw() bool { return k == KindTelephony }

// audioFormat returns the upstream wire name for the transport's audio format.
func (k TransportKind) audioFormat() string {
	if k == KindTelephony {
		return "g711_ulaw"
	}
	return "pcm16"
}

// CredentialError reports that the session-issuance endpoint refused to issue
// an ephemeral credential. It is terminal: negotiation is aborted without a
// connection attempt and the failure is surfaced to the caller once.
type CredentialError struct {
	StatusCode int
	Body       string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("realtime: credential issuance failed: status %d: %s", e.StatusCode, e.Body)
}

// SessionConfig holds the per-session parameters submitted to the engine once
// its readiness signal is observed.
type SessionConfig struct {
	// Instructions is the full instructions text (operational rules already
	// concatenated with the externally supplied configuration text). The
	// client treats it as opaque.
	Instructions string

	// Transport selects the audio formats for both directions.
	Transport TransportKind
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the engine model requested at issuance and dial time.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithVoice sets the synthesis voice requested for sessions.
func WithVoice(voice string) Option {
	return func(c *Client) { c.voice = voice }
}

// WithBaseURL overrides the WebSocket base URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithSessionURL overrides the session-issuance endpoint URL.
func WithSessionURL(url string) Option {
	return func(c *Client) { c.sessionURL = url }
}

// WithHTTPClient overrides the HTTP client used for credential issuance.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client negotiates sessions against the upstream engine.
type Client struct {
	apiKey     string
	model      string
	voice      string
	baseURL    string
	sessionURL string
	httpClient *http.Client
}

// NewClient creates a Client authenticating with apiKey.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      defaultModel,
		voice:      defaultVoice,
		baseURL:    defaultBaseURL,
		sessionURL: defaultSessionURL,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Model returns the configured engine model identifier.
func (c *Client) Model() string { return c.model }

// Connect performs the full negotiation: credential issuance, WebSocket dial,
// then hands the readiness handshake to the returned Session's receive loop.
// The returned session buffers outbound audio until configuration has been
// transmitted.
//
// Any failure during issuance or dial aborts establishment with no partial
// session left open. ctx cancellation (caller hang-up) aborts both steps.
func (c *Client) Connect(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if !cfg.Transport.IsValid() {
		return nil, fmt.Errorf("realtime: connect: unknown transport kind %q", cfg.Transport)
	}

	cred, err := c.issueCredential(ctx, cfg.Transport)
	if err != nil {
		return nil, err
	}

	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, c.model)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cred},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	sess := newSession(conn, c.voice, cfg)
	go sess.receiveLoop()
	return sess, nil
}

// issuanceRequest is the JSON body posted to the session-issuance endpoint.
type issuanceRequest struct {
	Model             string   `json:"model"`
	Voice             string   `json:"voice"`
	Modalities        []string `json:"modalities"`
	InputAudioFormat  string   `json:"input_audio_format"`
	OutputAudioFormat string   `json:"output_audio_format"`
}

// issuanceResponse carries the ephemeral client secret used to open the
// duplex connection.
type issuanceResponse struct {
	ClientSecret struct {
		Value string `json:"value"`
	} `json:"client_secret"`
}

// issueCredential requests a short-lived credential scoped to one session.
// Non-success responses yield a *CredentialError; no retry is attempted.
func (c *Client) issueCredential(ctx context.Context, kind TransportKind) (string, error) {
	body, err := json.Marshal(issuanceRequest{
		Model:             c.model,
		Voice:             c.voice,
		Modalities:        []string{"audio", "text"},
		InputAudioFormat:  kind.audioFormat(),
		OutputAudioFormat: kind.audioFormat(),
	})
	if err != nil {
		return "", fmt.Errorf("realtime: marshal issuance request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("realtime: issuance request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("realtime: issuance call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxCredentialBody))
		return "", &CredentialError{StatusCode: resp.StatusCode, Body: string(msg)}
	}

	var issued issuanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&issued); err != nil {
		return "", fmt.Errorf("realtime: decode issuance response: %w", err)
	}
	if issued.ClientSecret.Value == "" {
		return "", &CredentialError{StatusCode: resp.StatusCode, Body: "response contained no client secret"}
	}
	return issued.ClientSecret.Value, nil
}
