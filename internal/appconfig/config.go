// Package appconfig manages application configuration and runtime file paths.
package appconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/treykane/tunnel-cli/internal/util"
)

const (
	DefaultAPIURL          = "https://tunnel.ovream.com/api/v1"
	DefaultPortalURL       = "https://tunnel.ovream.com"
	DefaultServerAddr      = "tunnel.ovream.com"
	DefaultServerPort      = 7000
	DefaultTunnelDomain    = "tunnel.ovream.com"
	DefaultForwarderVer    = "0.52.3"
	DefaultDownloadBaseURL = "https://github.com/fatedier/frp/releases/download"
	DefaultCallbackPort    = 8899

	// APIURLEnv overrides api_url from config.yaml.
	APIURLEnv = "TUNNEL_API_URL"

	appDirName = "tunnel-cli"
)

// EdgeConfig locates the public forwarding edge.
type EdgeConfig struct {
	ServerAddr string `yaml:"server_addr"`
	ServerPort int    `yaml:"server_port"`
	Domain     string `yaml:"domain"`
}

// ForwarderConfig pins the forwarding binary and its process timings.
type ForwarderConfig struct {
	Version            string `yaml:"version"`
	DownloadBaseURL    string `yaml:"download_base_url"`
	StartGraceMillis   int    `yaml:"start_grace_ms"`
	StopTimeoutSeconds int    `yaml:"stop_timeout_seconds"`
}

// SupervisorConfig controls reconciliation.
type SupervisorConfig struct {
	SyncSeconds        int `yaml:"sync_seconds"`
	ProbeTimeoutMillis int `yaml:"probe_timeout_ms"`
}

// AuthConfig controls browser login.
type AuthConfig struct {
	CallbackPort int `yaml:"callback_port"`
	WaitSeconds  int `yaml:"wait_seconds"`
}

// LogConfig controls the rotated log file.
type LogConfig struct {
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Config holds application-level configuration.
type Config struct {
	APIURL     string           `yaml:"api_url"`
	PortalURL  string           `yaml:"portal_url"`
	Edge       EdgeConfig       `yaml:"edge"`
	Forwarder  ForwarderConfig  `yaml:"forwarder"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Auth       AuthConfig       `yaml:"auth"`
	Log        LogConfig        `yaml:"log"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		APIURL:    DefaultAPIURL,
		PortalURL: DefaultPortalURL,
		Edge: EdgeConfig{
			ServerAddr: DefaultServerAddr,
			ServerPort: DefaultServerPort,
			Domain:     DefaultTunnelDomain,
		},
		Forwarder: ForwarderConfig{
			Version:            DefaultForwarderVer,
			DownloadBaseURL:    DefaultDownloadBaseURL,
			StartGraceMillis:   int(util.StartGracePeriod.Milliseconds()),
			StopTimeoutSeconds: int(util.StopTimeout.Seconds()),
		},
		Supervisor: SupervisorConfig{
			SyncSeconds:        util.DefaultSyncSeconds,
			ProbeTimeoutMillis: int(util.PortProbeTimeout.Milliseconds()),
		},
		Auth: AuthConfig{
			CallbackPort: DefaultCallbackPort,
			WaitSeconds:  int(util.AuthWaitTimeout.Seconds()),
		},
		Log: LogConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3},
	}
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/tunnel-cli.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", appDirName), nil
}

func subPath(name string) (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, name), nil
}

// RuntimeFilePath returns the full path to runtime.json.
func RuntimeFilePath() (string, error) { return subPath("runtime.json") }

// ConfigsDir holds one forwarder config file per running tunnel.
func ConfigsDir() (string, error) { return subPath("configs") }

// BinDir holds the provisioned forwarding binary.
func BinDir() (string, error) { return subPath("bin") }

// LogFilePath returns the rotated log file path.
func LogFilePath() (string, error) { return subPath("tunnel.log") }

// EventsFilePath returns the event journal path.
func EventsFilePath() (string, error) { return subPath("events.jsonl") }

// CredentialsFilePath returns the credential store path.
func CredentialsFilePath() (string, error) { return subPath("credentials.yaml") }

// Load reads config.yaml from the config directory.
// If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			applyEnv(&cfg)
			if err := Save(Default()); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	normalize(&cfg)
	applyEnv(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := Default()
	cfg.APIURL = strings.TrimRight(util.DefaultString(cfg.APIURL, def.APIURL), "/")
	cfg.PortalURL = strings.TrimRight(util.DefaultString(cfg.PortalURL, def.PortalURL), "/")
	cfg.Edge.ServerAddr = util.NormalizeAddr(cfg.Edge.ServerAddr, def.Edge.ServerAddr)
	cfg.Edge.Domain = util.NormalizeAddr(cfg.Edge.Domain, def.Edge.Domain)
	if util.ValidatePort(cfg.Edge.ServerPort) != nil {
		slog.Warn("invalid edge.server_port, using default", "value", cfg.Edge.ServerPort)
		cfg.Edge.ServerPort = def.Edge.ServerPort
	}
	cfg.Forwarder.Version = strings.TrimPrefix(util.DefaultString(cfg.Forwarder.Version, def.Forwarder.Version), "v")
	cfg.Forwarder.DownloadBaseURL = strings.TrimRight(util.DefaultString(cfg.Forwarder.DownloadBaseURL, def.Forwarder.DownloadBaseURL), "/")
	if cfg.Forwarder.StartGraceMillis <= 0 {
		cfg.Forwarder.StartGraceMillis = def.Forwarder.StartGraceMillis
	}
	if cfg.Forwarder.StopTimeoutSeconds <= 0 {
		cfg.Forwarder.StopTimeoutSeconds = def.Forwarder.StopTimeoutSeconds
	}
	if cfg.Supervisor.SyncSeconds <= 0 {
		cfg.Supervisor.SyncSeconds = def.Supervisor.SyncSeconds
	}
	if cfg.Supervisor.ProbeTimeoutMillis <= 0 {
		cfg.Supervisor.ProbeTimeoutMillis = def.Supervisor.ProbeTimeoutMillis
	}
	if util.ValidatePort(cfg.Auth.CallbackPort) != nil {
		cfg.Auth.CallbackPort = def.Auth.CallbackPort
	}
	if cfg.Auth.WaitSeconds <= 0 {
		cfg.Auth.WaitSeconds = def.Auth.WaitSeconds
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
		cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	default:
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = def.Log.MaxSizeMB
	}
	if cfg.Log.MaxBackups < 0 {
		cfg.Log.MaxBackups = def.Log.MaxBackups
	}
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(APIURLEnv)); v != "" {
		cfg.APIURL = strings.TrimRight(v, "/")
	}
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
