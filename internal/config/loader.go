package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// variable overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment variable
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment overrides: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicURL != "" &&
		!strings.HasPrefix(cfg.Server.PublicURL, "http://") &&
		!strings.HasPrefix(cfg.Server.PublicURL, "https://") {
		errs = append(errs, fmt.Errorf("server.public_url %q must start with http:// or https://", cfg.Server.PublicURL))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Upstream
	if cfg.Upstream.APIKey == "" {
		slog.Warn("upstream.api_key is empty; call endpoints will refuse connections until one is configured")
	}
	if cfg.Upstream.Voice != "" && !slices.Contains(knownVoices, cfg.Upstream.Voice) {
		slog.Warn("unknown upstream voice — may be a typo or a newly released voice",
			"voice", cfg.Upstream.Voice,
			"known", knownVoices,
		)
	}
	if cfg.Upstream.BaseURL != "" &&
		!strings.HasPrefix(cfg.Upstream.BaseURL, "ws://") &&
		!strings.HasPrefix(cfg.Upstream.BaseURL, "wss://") {
		errs = append(errs, fmt.Errorf("upstream.base_url %q must start with ws:// or wss://", cfg.Upstream.BaseURL))
	}

	// Call
	if cfg.Call.ConfigureWait < 0 {
		errs = append(errs, fmt.Errorf("call.configure_wait %s must not be negative", cfg.Call.ConfigureWait))
	}
	if cfg.Call.InstructionsFile != "" && cfg.Call.Instructions != "" {
		slog.Warn("both call.instructions and call.instructions_file are set; the file wins")
	}

	return errors.Join(errs...)
}

// DefaultInstructions resolves the default configuration text: the contents
// of Call.InstructionsFile when set, otherwise Call.Instructions.
func (c *Config) DefaultInstructions() (string, error) {
	if c.Call.InstructionsFile == "" {
		return c.Call.Instructions, nil
	}
	data, err := os.ReadFile(c.Call.InstructionsFile)
	if err != nil {
		return "", fmt.Errorf("config: read instructions file: %w", err)
	}
	return string(data), nil
}
