package keys

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/manash/imgrelay/internal/provider"
)

// Credential field names, matching the provider configuration keys.
const (
	FieldAPIKey      = "api_key"
	FieldAPISecret   = "api_secret"
	FieldAppID       = "app_id"
	FieldAccessToken = "access_token"
)

var fields = []string{FieldAPIKey, FieldAPISecret, FieldAppID, FieldAccessToken}

func Fields() []string {
	return slices.Clone(fields)
}

// Store keeps backend credentials outside the main configuration file.
type Store struct {
	configDir string
}

// Credentials is one backend's stored entry.
type Credentials struct {
	APIKey      string `json:"api_key,omitempty"`
	APISecret   string `json:"api_secret,omitempty"`
	AppID       string `json:"app_id,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
}

func (c Credentials) IsZero() bool {
	return c == Credentials{}
}

func (c *Credentials) set(field, value string) error {
	switch field {
	case FieldAPIKey:
		c.APIKey = value
	case FieldAPISecret:
		c.APISecret = value
	case FieldAppID:
		c.AppID = value
	case FieldAccessToken:
		c.AccessToken = value
	default:
		return fmt.Errorf("unknown credential field %q (valid: %s)", field, strings.Join(fields, ", "))
	}
	return nil
}

// Keys represents the keys.json structure
type Keys map[string]Credentials

func NewStore() (*Store, error) {
	configDir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	return &Store{configDir: configDir}, nil
}

func NewStoreAt(dir string) *Store {
	return &Store{configDir: dir}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	if dir := os.Getenv("IMGRELAY_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "imgrelay"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "imgrelay"), nil
	default:
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configHome = filepath.Join(home, ".config")
		}
		return filepath.Join(configHome, "imgrelay"), nil
	}
}

func (s *Store) Path() string {
	return filepath.Join(s.configDir, "keys.json")
}

func (s *Store) load() (Keys, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return make(Keys), nil
		}
		return nil, err
	}

	var keys Keys
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to parse keys.json: %w", err)
	}
	if keys == nil {
		keys = make(Keys)
	}
	return keys, nil
}

func (s *Store) save(keys Keys) error {
	if err := os.MkdirAll(s.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}

	// Owner read/write only.
	if err := os.WriteFile(s.Path(), data, 0600); err != nil {
		return fmt.Errorf("failed to write keys.json: %w", err)
	}
	return nil
}

// Set stores one credential field for a backend.
func (s *Store) Set(backend, field, value string) error {
	keys, err := s.load()
	if err != nil {
		return err
	}

	creds := keys[backend]
	if err := creds.set(field, value); err != nil {
		return err
	}
	keys[backend] = creds
	return s.save(keys)
}

// Get returns the backend's stored credentials; a missing entry is not an error.
func (s *Store) Get(backend string) (Credentials, error) {
	keys, err := s.load()
	if err != nil {
		return Credentials{}, err
	}
	return keys[backend], nil
}

func (s *Store) Delete(backend string) error {
	keys, err := s.load()
	if err != nil {
		return err
	}

	if _, ok := keys[backend]; !ok {
		return fmt.Errorf("no credentials found for %s", backend)
	}

	delete(keys, backend)
	return s.save(keys)
}

// List returns stored backend names in sorted order.
func (s *Store) List() ([]string, error) {
	keys, err := s.load()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// Apply fills credential fields that configs leave empty from the store.
// Backends missing from configs get an entry when the store has one.
func (s *Store) Apply(configs map[string]provider.Config) (map[string]provider.Config, error) {
	keys, err := s.load()
	if err != nil {
		return configs, err
	}

	out := make(map[string]provider.Config, len(configs)+len(keys))
	for name, cfg := range configs {
		out[name] = cfg
	}
	for name, creds := range keys {
		cfg := out[name]
		fill(&cfg.APIKey, creds.APIKey)
		fill(&cfg.APISecret, creds.APISecret)
		fill(&cfg.AppID, creds.AppID)
		fill(&cfg.AccessToken, creds.AccessToken)
		out[name] = cfg
	}
	return out, nil
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// MaskKey returns a masked version of the key for display
func MaskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
