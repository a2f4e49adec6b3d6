package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Provider  ProviderConfig
	Gemini    GeminiConfig
	OpenAI    OpenAIConfig
	Ollama    OllamaConfig
	WhatsApp  WhatsAppConfig
	Business  BusinessConfig
	AutoReply AutoReplyConfig
	Retrieval RetrievalConfig
	API       APIConfig
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
	Backend string // "sqlite" or "file"
}

type ProviderConfig struct {
	Generation string
	Embedding  string
	Timeout    string
}

type GeminiConfig struct {
	APIKey     string
	Model      string
	EmbedModel string
}

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	EmbedModel string
}

type OllamaConfig struct {
	BaseURL    string
	Model      string
	EmbedModel string
}

type WhatsAppConfig struct {
	APIBaseURL    string
	PhoneNumberID string
	AccessToken   string
	VerifyToken   string
}

type BusinessConfig struct {
	Description string
}

type AutoReplyConfig struct {
	Enabled bool
}

type RetrievalConfig struct {
	TopK          int
	HistoryWindow int
}

type APIConfig struct {
	Token string
}

const defaultProviderTimeout = 20 * time.Second

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4000},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{DataDir: defaultDataDir(), Backend: "sqlite"},
		Provider: ProviderConfig{
			Generation: "gemini",
			Embedding:  "gemini",
			Timeout:    defaultProviderTimeout.String(),
		},
		Gemini: GeminiConfig{
			Model:      "gemini-2.5-flash",
			EmbedModel: "text-embedding-004",
		},
		OpenAI: OpenAIConfig{
			Model:      "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			Model:      "llama3.2",
			EmbedModel: "nomic-embed-text",
		},
		WhatsApp: WhatsAppConfig{
			APIBaseURL:  "https://graph.facebook.com/v18.0",
			VerifyToken: "whatsapp_verify_token",
		},
		Business:  BusinessConfig{Description: "a small business"},
		AutoReply: AutoReplyConfig{Enabled: true},
		Retrieval: RetrievalConfig{TopK: 5, HistoryWindow: 50},
	}
}

// Load builds the configuration from defaults, the JSON config file at
// $XDG_CONFIG_HOME/autowa/config.json, a .env file in the working directory,
// and AUTOWA_* environment variables, in that order of precedence.
// Secrets left empty are looked up in the secrets file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env: %v\n", err)
	}
	return loadWith(newPlatformBackend(), NewSecretStore())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	cfg.Provider.Generation = strings.ToLower(strings.TrimSpace(cfg.Provider.Generation))
	cfg.Provider.Embedding = strings.ToLower(strings.TrimSpace(cfg.Provider.Embedding))
	return cfg, nil
}

// ProviderTimeout parses provider.timeout, falling back to 20s.
func (c Config) ProviderTimeout() time.Duration {
	d, err := time.ParseDuration(c.Provider.Timeout)
	if err != nil || d <= 0 {
		return defaultProviderTimeout
	}
	return d
}

// Validate checks what the server needs before it can start.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "file":
	default:
		return fmt.Errorf("invalid storage.backend %q (want sqlite or file)", c.Storage.Backend)
	}

	for _, p := range []string{c.Provider.Generation, c.Provider.Embedding} {
		switch p {
		case "gemini":
			if c.Gemini.APIKey == "" {
				return missing("Gemini API key", "AUTOWA_GEMINI_API_KEY")
			}
		case "openai":
			if c.OpenAI.APIKey == "" {
				return missing("OpenAI API key", "AUTOWA_OPENAI_API_KEY")
			}
		case "ollama":
		default:
			return fmt.Errorf("unknown provider %q (want gemini, openai or ollama)", p)
		}
	}
	return nil
}

func missing(what, env string) error {
	return fmt.Errorf("missing required config: %s. Set it via environment variable %s or the secrets file %s", what, env, secretsFilePath())
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "autowa-data"
		}
	}
	return filepath.Join(dir, "autowa")
}
