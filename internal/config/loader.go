package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s": {"gemini-live", "openai-realtime", "mock"},
	"llm": {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"gemini", "elevenlabs"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path, fills defaults and returns
// a validated [Config]. It is a convenience wrapper around [LoadFromReader].
// Environment overrides are applied separately by [ApplyEnv].
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

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. Unknown keys are rejected. An empty document yields the
// all-defaults config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{Tuning: DefaultTuning()}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
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
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	for _, e := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", e.Name)
	}
	for _, e := range cfg.Providers.TTSFallbacks {
		validateProviderName("tts", e.Name)
	}
	for i, e := range cfg.Providers.LLMFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
	}
	for i, e := range cfg.Providers.TTSFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
	}
	if cfg.Providers.S2S.Name == "" {
		slog.Warn("providers.s2s is not configured; live speaking sessions will be unavailable")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; lesson narration will be unavailable")
	}

	// Store
	if cfg.Store.Backend != "" && !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: badger, postgres, memory", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StorePostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required when store.backend is postgres"))
	}
	if cfg.Store.Backend == StoreMemory {
		slog.Warn("store.backend is memory; learner progress is lost on restart")
	}

	// Tuning
	t := cfg.Tuning
	if t.VADThreshold < 0 || t.VADThreshold >= 1 {
		errs = append(errs, fmt.Errorf("tuning.vad_threshold %.3f is out of range [0, 1)", t.VADThreshold))
	}
	if t.ChunkSamples < 0 {
		errs = append(errs, fmt.Errorf("tuning.chunk_samples %d must be positive", t.ChunkSamples))
	}
	if t.PromotionBar < 0 || t.PromotionBar > 100 {
		errs = append(errs, fmt.Errorf("tuning.promotion_bar %d is out of range [0, 100]", t.PromotionBar))
	}
	if t.PromotionSessions < 0 {
		errs = append(errs, fmt.Errorf("tuning.promotion_sessions %d must not be negative", t.PromotionSessions))
	}
	if t.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("tuning.send_queue %d must not be negative", t.SendQueue))
	}

	// Lessons
	if cfg.Lessons != nil {
		if err := cfg.Lessons.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("lessons: %w", err))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
