package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/treykane/tunnel-cli/internal/api"
	"github.com/treykane/tunnel-cli/internal/appconfig"
	"github.com/treykane/tunnel-cli/internal/credentials"
	"github.com/treykane/tunnel-cli/internal/events"
	"github.com/treykane/tunnel-cli/internal/frpclient"
	"github.com/treykane/tunnel-cli/internal/frpconfig"
	"github.com/treykane/tunnel-cli/internal/model"
	"github.com/treykane/tunnel-cli/internal/probe"
	"github.com/treykane/tunnel-cli/internal/provision"
	"github.com/treykane/tunnel-cli/internal/supervisor"
	"github.com/treykane/tunnel-cli/internal/tunnel"
)

// stack holds everything a command needs, built from config.yaml, saved
// credentials and flags.
type stack struct {
	cfg    appconfig.Config
	creds  credentials.Credentials
	client *api.Client
}

func loadStack(apiURLFlag string) (*stack, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(apiURLFlag); v != "" {
		cfg.APIURL = strings.TrimRight(v, "/")
	}
	s := &stack{cfg: cfg, client: api.New(cfg.APIURL, "")}
	creds, err := credentials.Load(cfg.APIURL)
	switch {
	case err == nil:
		s.creds = creds
		s.client = s.client.WithAPIKey(creds.APIKey)
	case !errors.Is(err, credentials.ErrNotLoggedIn):
		return nil, err
	}
	return s, nil
}

func (s *stack) loggedIn() bool { return s.creds.APIKey != "" }

func (s *stack) requireLogin() error {
	if !s.loggedIn() {
		return credentials.ErrNotLoggedIn
	}
	return nil
}

func (s *stack) installer() (*provision.Installer, error) {
	dir, err := appconfig.BinDir()
	if err != nil {
		return nil, err
	}
	return provision.New(dir, s.cfg.Forwarder.Version, s.cfg.Forwarder.DownloadBaseURL), nil
}

func (s *stack) registry(inst *provision.Installer, journal events.Journal) (*tunnel.Registry, error) {
	configs, err := appconfig.ConfigsDir()
	if err != nil {
		return nil, err
	}
	runtimePath, err := appconfig.RuntimeFilePath()
	if err != nil {
		return nil, err
	}
	return tunnel.NewRegistry(tunnel.Config{
		Launcher:    frpclient.New(),
		Binary:      inst.BinaryPath(),
		ConfigDir:   configs,
		Edge:        frpconfig.EdgeFromConfig(s.cfg.Edge),
		StartGrace:  time.Duration(s.cfg.Forwarder.StartGraceMillis) * time.Millisecond,
		StopTimeout: time.Duration(s.cfg.Forwarder.StopTimeoutSeconds) * time.Second,
		Journal:     journal,
		RuntimePath: runtimePath,
	}), nil
}

// supervisor wires a Supervisor around a fresh registry. Both write to one
// journal store so their appends are serialised.
func (s *stack) supervisor(client *api.Client, onPass func(supervisor.PassResult, error)) (*supervisor.Supervisor, error) {
	inst, err := s.installer()
	if err != nil {
		return nil, err
	}
	journal := events.NewStore()
	reg, err := s.registry(inst, journal)
	if err != nil {
		return nil, err
	}
	return supervisor.New(supervisor.Config{
		API:       client,
		Registry:  reg,
		Installer: inst,
		Prober:    probe.New(time.Duration(s.cfg.Supervisor.ProbeTimeoutMillis) * time.Millisecond),
		Journal:   journal,
		Interval:  time.Duration(s.cfg.Supervisor.SyncSeconds) * time.Second,
		OnPass:    onPass,
	}), nil
}

// resolveTunnel finds a tunnel by full id, unique id prefix or subdomain.
func resolveTunnel(tunnels []model.Tunnel, ref string) (model.Tunnel, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return model.Tunnel{}, fmt.Errorf("tunnel id is required")
	}
	var matches []model.Tunnel
	for _, t := range tunnels {
		if t.ID == ref || t.Subdomain == ref {
			return t, nil
		}
		if strings.HasPrefix(t.ID, ref) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return model.Tunnel{}, fmt.Errorf("tunnel not found: %s", ref)
	case 1:
		return matches[0], nil
	default:
		return model.Tunnel{}, fmt.Errorf("tunnel id %q is ambiguous (%d matches)", ref, len(matches))
	}
}

func (s *stack) findTunnel(ctx context.Context, ref string) (model.Tunnel, error) {
	tunnels, err := s.client.ListTunnels(ctx)
	if err != nil {
		return model.Tunnel{}, err
	}
	return resolveTunnel(tunnels, ref)
}

// verifyKey checks key against the service and returns the credentials to
// save for it.
func verifyKey(ctx context.Context, client *api.Client, apiURL, key string) (credentials.Credentials, model.Profile, error) {
	key = strings.TrimSpace(key)
	if err := credentials.ValidateAPIKey(key); err != nil {
		return credentials.Credentials{}, model.Profile{}, err
	}
	profile, err := client.WithAPIKey(key).Profile(ctx)
	if err != nil {
		return credentials.Credentials{}, model.Profile{}, err
	}
	return credentials.Credentials{APIURL: apiURL, APIKey: key, Username: profile.Username, Role: profile.Role}, profile, nil
}

func timeoutCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 30*time.Second)
}

// portLabel renders a tunnel's local port, or "manual".
func portLabel(t model.Tunnel) string {
	if !t.HasLocalPort() {
		return "manual"
	}
	return fmt.Sprintf("%d", t.Port())
}

func customMark(t model.Tunnel) string {
	if t.IsCustomSubdomain {
		return "C"
	}
	return "R"
}
