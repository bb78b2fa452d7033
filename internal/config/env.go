package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of every SpeakZone environment variable.
const EnvPrefix = "SPEAKZONE"

// Env holds the settings that may come from the environment instead of the
// config file. Each variable is read as SPEAKZONE_<NAME> first and, for the
// tagged names, falls back to the bare name (GEMINI_API_KEY, POSTGRES_DSN, ...).
type Env struct {
	ListenAddr string `envconfig:"LISTEN_ADDR"`
	LogLevel   string `envconfig:"LOG_LEVEL"`
	LearnerID  string `envconfig:"LEARNER_ID"`

	StoreBackend string `envconfig:"STORE_BACKEND"`
	StorePath    string `envconfig:"STORE_PATH"`
	PostgresDSN  string `envconfig:"POSTGRES_DSN"`

	GeminiAPIKey     string `envconfig:"GEMINI_API_KEY"`
	OpenAIAPIKey     string `envconfig:"OPENAI_API_KEY"`
	AnthropicAPIKey  string `envconfig:"ANTHROPIC_API_KEY"`
	ElevenLabsAPIKey string `envconfig:"ELEVENLABS_API_KEY"`
}

// LoadEnv reads dotenv files (".env" when none are named) into the process
// environment without overriding variables that are already set, then
// decodes [Env]. Missing dotenv files are not an error.
func LoadEnv(dotenvFiles ...string) (Env, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Env{}, fmt.Errorf("config: load %q: %w", f, err)
		}
	}

	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return Env{}, fmt.Errorf("config: process env: %w", err)
	}
	return env, nil
}

// ApplyEnv overlays non-empty environment values onto cfg and re-validates.
// API keys are only filled into provider entries that leave api_key empty.
func ApplyEnv(cfg *Config, env Env) error {
	if env.ListenAddr != "" {
		cfg.Server.ListenAddr = env.ListenAddr
	}
	if env.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(env.LogLevel))
	}
	if env.LearnerID != "" {
		cfg.Learner.ID = env.LearnerID
	}
	if env.StoreBackend != "" {
		cfg.Store.Backend = StoreBackend(strings.ToLower(env.StoreBackend))
	}
	if env.StorePath != "" {
		cfg.Store.Path = env.StorePath
	}
	if env.PostgresDSN != "" {
		cfg.Store.PostgresDSN = env.PostgresDSN
	}

	p := &cfg.Providers
	entries := []*ProviderEntry{&p.S2S, &p.LLM, &p.TTS, &p.VAD}
	for i := range p.LLMFallbacks {
		entries = append(entries, &p.LLMFallbacks[i])
	}
	for i := range p.TTSFallbacks {
		entries = append(entries, &p.TTSFallbacks[i])
	}
	for _, e := range entries {
		if e.APIKey == "" {
			e.APIKey = env.keyFor(e.Name)
		}
	}

	ApplyDefaults(cfg)
	return Validate(cfg)
}

// keyFor returns the API key for the vendor behind a provider name.
func (e Env) keyFor(provider string) string {
	switch {
	case strings.HasPrefix(provider, "gemini"):
		return e.GeminiAPIKey
	case strings.HasPrefix(provider, "openai"):
		return e.OpenAIAPIKey
	case provider == "anthropic":
		return e.AnthropicAPIKey
	case provider == "elevenlabs":
		return e.ElevenLabsAPIKey
	}
	return ""
}
