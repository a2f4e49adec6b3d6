package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSecrets is an in-memory SecretStore.
type mockSecrets struct {
	values map[string]string
	err    error
	sets   int
}

func (m *mockSecrets) Get(name string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.values[name]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (m *mockSecrets) Set(name, value string) error {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[name] = value
	m.sets++
	return nil
}

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return newFileBackend(path)
}

// clearEnv blanks every variable the loader reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
		if s.altEnv != "" {
			t.Setenv(s.altEnv, "")
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(writeTempConfig(t, ""), &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Storage.Backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Provider.Generation != "gemini" || cfg.Provider.Embedding != "gemini" {
		t.Errorf("Provider = %+v, want gemini/gemini", cfg.Provider)
	}
	if cfg.WhatsApp.VerifyToken != "whatsapp_verify_token" {
		t.Errorf("WhatsApp.VerifyToken = %q", cfg.WhatsApp.VerifyToken)
	}
	if cfg.WhatsApp.APIBaseURL != "https://graph.facebook.com/v18.0" {
		t.Errorf("WhatsApp.APIBaseURL = %q", cfg.WhatsApp.APIBaseURL)
	}
	if !cfg.AutoReply.Enabled {
		t.Error("AutoReply.Enabled = false, want true")
	}
	if cfg.Retrieval.TopK != 5 || cfg.Retrieval.HistoryWindow != 50 {
		t.Errorf("Retrieval = %+v, want 5/50", cfg.Retrieval)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if got := cfg.ProviderTimeout(); got != 20*time.Second {
		t.Errorf("ProviderTimeout = %v, want 20s", got)
	}
}

func TestFileValues(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{
  "server.port": 5000,
  "autoreply.enabled": false,
  "provider.generation": " Ollama ",
  "business.description": "Bella's Bakery"
}`)

	cfg, err := loadWith(b, &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.AutoReply.Enabled {
		t.Error("AutoReply.Enabled = true, want false from file")
	}
	if cfg.Provider.Generation != "ollama" {
		t.Errorf("Provider.Generation = %q, want normalized ollama", cfg.Provider.Generation)
	}
	if cfg.Business.Description != "Bella's Bakery" {
		t.Errorf("Business.Description = %q", cfg.Business.Description)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{"server.port": 5000, "retrieval.top_k": 3}`)
	t.Setenv("AUTOWA_SERVER_PORT", "6000")
	t.Setenv("AUTOWA_AUTOREPLY_ENABLED", "false")
	t.Setenv("AUTOWA_PROVIDER_TIMEOUT", "5s")

	cfg, err := loadWith(b, &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want env value 6000", cfg.Server.Port)
	}
	if cfg.Retrieval.TopK != 3 {
		t.Errorf("Retrieval.TopK = %d, want file value 3", cfg.Retrieval.TopK)
	}
	if cfg.AutoReply.Enabled {
		t.Error("AutoReply.Enabled = true, want env override false")
	}
	if cfg.ProviderTimeout() != 5*time.Second {
		t.Errorf("ProviderTimeout = %v, want 5s", cfg.ProviderTimeout())
	}
}

func TestEnvOverrideBadValueIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTOWA_SERVER_PORT", "not-a-number")
	t.Setenv("AUTOWA_AUTOREPLY_ENABLED", "maybe")

	cfg, err := loadWith(writeTempConfig(t, ""), &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4000 || !cfg.AutoReply.Enabled {
		t.Errorf("cfg = %+v, want defaults kept", cfg)
	}
}

func TestGeminiKeyFallbackEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("GEMINI_API_KEY", "plain-key")

	cfg, err := loadWith(writeTempConfig(t, ""), &mockSecrets{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gemini.APIKey != "plain-key" {
		t.Errorf("Gemini.APIKey = %q, want plain-key", cfg.Gemini.APIKey)
	}

	t.Setenv("AUTOWA_GEMINI_API_KEY", "prefixed-key")
	cfg, _ = loadWith(writeTempConfig(t, ""), &mockSecrets{})
	if cfg.Gemini.APIKey != "prefixed-key" {
		t.Errorf("Gemini.APIKey = %q, want prefixed-key to win", cfg.Gemini.APIKey)
	}
}

func TestSecretsFallback(t *testing.T) {
	clearEnv(t)
	secrets := &mockSecrets{values: map[string]string{
		"gemini.api_key":        "stored-key",
		"whatsapp.access_token": "stored-token",
	}}
	// Secrets in the config file are never read.
	b := writeTempConfig(t, `{"gemini.api_key": "file-key"}`)

	cfg, err := loadWith(b, secrets)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gemini.APIKey != "stored-key" {
		t.Errorf("Gemini.APIKey = %q, want stored-key", cfg.Gemini.APIKey)
	}
	if cfg.WhatsApp.AccessToken != "stored-token" {
		t.Errorf("WhatsApp.AccessToken = %q, want stored-token", cfg.WhatsApp.AccessToken)
	}

	t.Setenv("AUTOWA_GEMINI_API_KEY", "env-key")
	cfg, _ = loadWith(b, secrets)
	if cfg.Gemini.APIKey != "env-key" {
		t.Errorf("Gemini.APIKey = %q, want env to beat the secrets file", cfg.Gemini.APIKey)
	}
}

func TestValidate(t *testing.T) {
	base := defaults()
	base.Gemini.APIKey = "k"

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{
			name:    "missing gemini key",
			mutate:  func(c *Config) { c.Gemini.APIKey = "" },
			wantErr: "AUTOWA_GEMINI_API_KEY",
		},
		{
			name: "openai needs key",
			mutate: func(c *Config) {
				c.Provider.Generation = "openai"
			},
			wantErr: "AUTOWA_OPENAI_API_KEY",
		},
		{
			name: "ollama needs nothing",
			mutate: func(c *Config) {
				c.Gemini.APIKey = ""
				c.Provider.Generation = "ollama"
				c.Provider.Embedding = "ollama"
			},
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Provider.Embedding = "cohere" },
			wantErr: "unknown provider",
		},
		{
			name:    "bad backend",
			mutate:  func(c *Config) { c.Storage.Backend = "postgres" },
			wantErr: "storage.backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestProviderTimeoutInvalid(t *testing.T) {
	cfg := defaults()
	for _, v := range []string{"", "soon", "-3s", "0s"} {
		cfg.Provider.Timeout = v
		if got := cfg.ProviderTimeout(); got != defaultProviderTimeout {
			t.Errorf("ProviderTimeout(%q) = %v, want default", v, got)
		}
	}
}

func TestSetKey(t *testing.T) {
	b := writeTempConfig(t, "")
	secrets := &mockSecrets{}

	if err := setKey(b, secrets, "retrieval.top_k", "8"); err != nil {
		t.Fatalf("setKey int: %v", err)
	}
	if err := setKey(b, secrets, "autoreply.enabled", "0"); err != nil {
		t.Fatalf("setKey bool: %v", err)
	}
	if err := setKey(b, secrets, "openai.api_key", "sk-test"); err != nil {
		t.Fatalf("setKey secret: %v", err)
	}

	if err := setKey(b, secrets, "retrieval.top_k", "eight"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := setKey(b, secrets, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	if secrets.values["openai.api_key"] != "sk-test" {
		t.Errorf("secret not routed to secret store: %+v", secrets.values)
	}
	if _, ok, _ := b.GetString("openai.api_key"); ok {
		t.Error("secret leaked into the config file")
	}

	// Reload from disk to make sure values were persisted.
	clearEnv(t)
	cfg, err := loadWith(newFileBackend(b.path), secrets)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Retrieval.TopK != 8 {
		t.Errorf("Retrieval.TopK = %d, want 8", cfg.Retrieval.TopK)
	}
	if cfg.AutoReply.Enabled {
		t.Error("AutoReply.Enabled = true, want false")
	}
	if cfg.OpenAI.APIKey != "sk-test" {
		t.Errorf("OpenAI.APIKey = %q", cfg.OpenAI.APIKey)
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Gemini.APIKey = "AIzaSyVerySecretValue"

	var found bool
	for _, info := range ShowAll(cfg) {
		if info.Key != "gemini.api_key" {
			continue
		}
		found = true
		if !info.Secret || strings.Contains(info.Value, "VerySecret") {
			t.Errorf("gemini.api_key shown as %q", info.Value)
		}
	}
	if !found {
		t.Error("gemini.api_key missing from ShowAll")
	}
	if len(ValidKeys()) != len(specs) {
		t.Errorf("ValidKeys() has %d keys, want %d", len(ValidKeys()), len(specs))
	}
}

func TestGetAPIToken(t *testing.T) {
	t.Setenv("AUTOWA_API_TOKEN", "")
	secrets := &mockSecrets{}

	first, err := GetAPIToken(secrets)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64", len(first))
	}
	second, err := GetAPIToken(secrets)
	if err != nil {
		t.Fatal(err)
	}
	if first != second || secrets.sets != 1 {
		t.Errorf("token regenerated: %q vs %q (sets=%d)", first, second, secrets.sets)
	}

	t.Setenv("AUTOWA_API_TOKEN", "from-env")
	if got, _ := GetAPIToken(secrets); got != "from-env" {
		t.Errorf("GetAPIToken = %q, want env value", got)
	}
}

func TestGetAPITokenReadError(t *testing.T) {
	t.Setenv("AUTOWA_API_TOKEN", "")
	_, err := GetAPIToken(&mockSecrets{err: errors.New("disk on fire")})
	if err == nil {
		t.Error("expected read error to surface")
	}
}

func TestFileSecretsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "secrets.json")
	s := fileSecrets{path: path}

	if _, err := s.Get("x"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Get on missing file = %v, want ErrSecretNotFound", err)
	}
	if err := s.Set("x", "1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("y", "2"); err != nil {
		t.Fatal(err)
	}
	if v, err := s.Get("x"); err != nil || v != "1" {
		t.Errorf("Get(x) = %q, %v", v, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", info.Mode().Perm())
	}
}
