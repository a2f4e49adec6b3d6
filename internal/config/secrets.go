package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrSecretNotFound is returned when the secrets file has no entry.
var ErrSecretNotFound = errors.New("secret not found")

const apiTokenKey = "api.token"

// SecretStore reads and writes named secrets.
type SecretStore interface {
	Get(name string) (string, error)
	Set(name, value string) error
}

// fileSecrets keeps secrets as a flat JSON object readable only by the owner.
type fileSecrets struct {
	path string
}

// NewSecretStore returns the secrets file store at
// $XDG_DATA_HOME/autowa/secrets.json.
func NewSecretStore() SecretStore {
	return fileSecrets{path: secretsFilePath()}
}

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

func (f fileSecrets) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f fileSecrets) Get(name string) (string, error) {
	secrets, err := f.read()
	if os.IsNotExist(err) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", err
	}
	v, ok := secrets[name]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (f fileSecrets) Set(name, value string) error {
	secrets, err := f.read()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]string)
	}
	secrets[name] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// GetAPIToken returns the bearer token for the management API: the
// AUTOWA_API_TOKEN variable, else the stored token. A token is generated and
// stored on first use.
func GetAPIToken(s SecretStore) (string, error) {
	if v := os.Getenv("AUTOWA_API_TOKEN"); v != "" {
		return v, nil
	}
	v, err := s.Get(apiTokenKey)
	if err == nil && v != "" {
		return v, nil
	}
	if err != nil && !errors.Is(err, ErrSecretNotFound) {
		return "", fmt.Errorf("reading api token: %w", err)
	}

	token := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	if err := s.Set(apiTokenKey, token); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return token, nil
}
