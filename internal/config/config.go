// Package config provides the configuration schema, loader, and validation
// for the Voicefront server.
package config

import "time"

// LogLevel controls log verbosity for the Voicefront server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Voicefront.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// selected fields can be overridden through environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Call     CallConfig     `yaml:"call"`
}

// ServerConfig holds network and logging settings for the Voicefront server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr" env:"VOICEFRONT_LISTEN_ADDR"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"VOICEFRONT_LOG_LEVEL"`

	// PublicURL is the externally reachable base URL of this server
	// (e.g., "https://voice.example.com"). Used to build the media-stream
	// callback address handed to the telephony carrier. When empty, the
	// webhook falls back to the request's Host header.
	PublicURL string `yaml:"public_url" env:"VOICEFRONT_PUBLIC_URL"`

	// AllowedOrigins lists origins permitted to open browser call sockets.
	// Empty means any origin (development default).
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// UpstreamConfig describes the hosted realtime speech-to-speech engine.
type UpstreamConfig struct {
	// APIKey authenticates the session-issuance call. The key itself never
	// reaches a caller; sessions dial with short-lived credentials.
	APIKey string `yaml:"api_key" env:"OPENAI_API_KEY"`

	// Model selects the realtime engine model.
	// Leave empty to use the client's built-in default.
	Model string `yaml:"model" env:"VOICEFRONT_UPSTREAM_MODEL"`

	// Voice selects the engine's speaking voice.
	Voice string `yaml:"voice" env:"VOICEFRONT_UPSTREAM_VOICE"`

	// BaseURL overrides the engine's WebSocket endpoint.
	BaseURL string `yaml:"base_url" env:"VOICEFRONT_UPSTREAM_BASE_URL"`

	// SessionURL overrides the session-issuance endpoint.
	SessionURL string `yaml:"session_url" env:"VOICEFRONT_UPSTREAM_SESSION_URL"`
}

// CallConfig holds per-call defaults.
type CallConfig struct {
	// Instructions is the default configuration text concatenated into the
	// session instructions when a caller supplies none. Opaque free text.
	Instructions string `yaml:"instructions"`

	// InstructionsFile points at a file whose contents replace Instructions
	// when set. Lets operators manage the text outside the config file.
	InstructionsFile string `yaml:"instructions_file" env:"VOICEFRONT_INSTRUCTIONS_FILE"`

	// ConfigureWait is how long a browser session may take to send its
	// optional configuration envelope before the default instructions are
	// used. Zero means the built-in default of 2 seconds.
	ConfigureWait time.Duration `yaml:"configure_wait"`
}

// knownVoices lists engine voices recognised at the time of writing. Used by
// [Validate] to warn about likely typos; unknown values are still accepted.
var knownVoices = []string{
	"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse",
}
