package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	altEnv  string // read when env is unset
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "AUTOWA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "AUTOWA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "AUTOWA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.backend", typ: kString, env: "AUTOWA_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "provider.generation", typ: kString, env: "AUTOWA_PROVIDER_GENERATION",
		apply:   func(cfg *Config, v any) { cfg.Provider.Generation = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Generation },
	},
	{
		key: "provider.embedding", typ: kString, env: "AUTOWA_PROVIDER_EMBEDDING",
		apply:   func(cfg *Config, v any) { cfg.Provider.Embedding = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Embedding },
	},
	{
		key: "provider.timeout", typ: kString, env: "AUTOWA_PROVIDER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Provider.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Timeout },
	},
	{
		key: "gemini.api_key", typ: kString, env: "AUTOWA_GEMINI_API_KEY",
		altEnv: "GEMINI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "gemini.model", typ: kString, env: "AUTOWA_GEMINI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.Model },
	},
	{
		key: "gemini.embed_model", typ: kString, env: "AUTOWA_GEMINI_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.EmbedModel },
	},
	{
		key: "openai.api_key", typ: kString, env: "AUTOWA_OPENAI_API_KEY",
		altEnv: "OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "AUTOWA_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.model", typ: kString, env: "AUTOWA_OPENAI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.Model },
	},
	{
		key: "openai.embed_model", typ: kString, env: "AUTOWA_OPENAI_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.EmbedModel },
	},
	{
		key: "ollama.base_url", typ: kString, env: "AUTOWA_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "AUTOWA_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "AUTOWA_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "whatsapp.api_base_url", typ: kString, env: "AUTOWA_WHATSAPP_API_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.WhatsApp.APIBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.WhatsApp.APIBaseURL },
	},
	{
		key: "whatsapp.phone_number_id", typ: kString, env: "AUTOWA_WHATSAPP_PHONE_NUMBER_ID",
		apply:   func(cfg *Config, v any) { cfg.WhatsApp.PhoneNumberID = v.(string) },
		extract: func(cfg Config) any { return cfg.WhatsApp.PhoneNumberID },
	},
	{
		key: "whatsapp.access_token", typ: kString, env: "AUTOWA_WHATSAPP_ACCESS_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.WhatsApp.AccessToken = v.(string) },
		extract: func(cfg Config) any { return cfg.WhatsApp.AccessToken },
	},
	{
		key: "whatsapp.verify_token", typ: kString, env: "AUTOWA_WHATSAPP_VERIFY_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.WhatsApp.VerifyToken = v.(string) },
		extract: func(cfg Config) any { return cfg.WhatsApp.VerifyToken },
	},
	{
		key: "business.description", typ: kString, env: "AUTOWA_BUSINESS_DESCRIPTION",
		apply:   func(cfg *Config, v any) { cfg.Business.Description = v.(string) },
		extract: func(cfg Config) any { return cfg.Business.Description },
	},
	{
		key: "autoreply.enabled", typ: kBool, env: "AUTOWA_AUTOREPLY_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.AutoReply.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.AutoReply.Enabled },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "AUTOWA_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.history_window", typ: kInt, env: "AUTOWA_RETRIEVAL_HISTORY_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.HistoryWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.HistoryWindow },
	},
	{
		key: "api.token", typ: kString, env: "AUTOWA_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

// parse converts a raw string into the key's value type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid integer for %s: %w", s.key, err)
		}
		return i, nil
	case kBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid bool for %s: %w", s.key, err)
		}
		return b, nil
	default:
		return raw, nil
	}
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// applyBackend copies persisted non-secret values onto cfg.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] config file: %v. Using default value.\n", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

// applyEnvOverrides applies AUTOWA_* variables. Unparseable values are
// reported and ignored.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		name := s.env
		raw := os.Getenv(name)
		if raw == "" && s.altEnv != "" {
			name = s.altEnv
			raw = os.Getenv(name)
		}
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] env var %s: %v. Using default value.\n", name, err)
			continue
		}
		s.apply(cfg, v)
	}
}
