// Package credentials stores API keys per service URL in credentials.yaml.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/treykane/tunnel-cli/internal/appconfig"
)

// KeyPrefix starts every API key the service issues.
const KeyPrefix = "tk_"

var ErrNotLoggedIn = errors.New("not logged in: run `tunnel login`")

// Credentials is one saved login.
type Credentials struct {
	APIURL   string `yaml:"api_url" json:"api_url"`
	APIKey   string `yaml:"api_key" json:"-"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Role     string `yaml:"role,omitempty" json:"role,omitempty"`
}

func (c Credentials) IsAdmin() bool { return c.Role == "admin" }

type fileModel struct {
	Logins map[string]Credentials `yaml:"logins"`
}

// ValidateAPIKey rejects keys that cannot have come from the service.
func ValidateAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("api key cannot be empty")
	}
	if !strings.HasPrefix(key, KeyPrefix) {
		return fmt.Errorf("invalid api key format: keys start with %q", KeyPrefix)
	}
	return nil
}

// Load returns the saved login for apiURL.
func Load(apiURL string) (Credentials, error) {
	fm, err := loadFile()
	if err != nil {
		return Credentials{}, err
	}
	c, ok := fm.Logins[normalizeURL(apiURL)]
	if !ok || c.APIKey == "" {
		return Credentials{}, ErrNotLoggedIn
	}
	return c, nil
}

// List returns every saved login sorted by URL.
func List() ([]Credentials, error) {
	fm, err := loadFile()
	if err != nil {
		return nil, err
	}
	out := make([]Credentials, 0, len(fm.Logins))
	for _, c := range fm.Logins {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].APIURL < out[j].APIURL })
	return out, nil
}

// Save adds or replaces the login for c.APIURL.
func Save(c Credentials) error {
	c.APIURL = normalizeURL(c.APIURL)
	if c.APIURL == "" {
		return fmt.Errorf("api url cannot be empty")
	}
	c.APIKey = strings.TrimSpace(c.APIKey)
	if err := ValidateAPIKey(c.APIKey); err != nil {
		return err
	}
	fm, err := loadFile()
	if err != nil {
		return err
	}
	fm.Logins[c.APIURL] = c
	return saveFile(fm)
}

// Clear forgets the login for apiURL. Clearing a missing login is not an error.
func Clear(apiURL string) error {
	fm, err := loadFile()
	if err != nil {
		return err
	}
	key := normalizeURL(apiURL)
	if _, ok := fm.Logins[key]; !ok {
		return nil
	}
	delete(fm.Logins, key)
	return saveFile(fm)
}

func normalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

func loadFile() (fileModel, error) {
	path, err := appconfig.CredentialsFilePath()
	if err != nil {
		return fileModel{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileModel{Logins: map[string]Credentials{}}, nil
		}
		return fileModel{}, err
	}
	var fm fileModel
	if err := yaml.Unmarshal(b, &fm); err != nil {
		return fileModel{}, fmt.Errorf("parse credentials: %w", err)
	}
	if fm.Logins == nil {
		fm.Logins = map[string]Credentials{}
	}
	return fm, nil
}

func saveFile(fm fileModel) error {
	path, err := appconfig.CredentialsFilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(fm)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return err
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(path, 0o600)
}
