// Package tunnel owns the forwarding processes: at most one frpc per tunnel
// id, each with its own config file, plus a runtime.json snapshot for
// diagnostics.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/treykane/tunnel-cli/internal/events"
	"github.com/treykane/tunnel-cli/internal/frpclient"
	"github.com/treykane/tunnel-cli/internal/frpconfig"
	"github.com/treykane/tunnel-cli/internal/model"
	"github.com/treykane/tunnel-cli/internal/util"
)

var ErrInvalidTunnel = errors.New("invalid tunnel")

// ErrClosed is returned by Start once StopAll has run.
var ErrClosed = errors.New("forwarder registry is closed")

// StartError means the forwarder was launched but did not survive the grace
// period. Output carries whatever the binary printed before exiting.
type StartError struct {
	TunnelID string
	Output   string
	Err      error
}

func (e *StartError) Error() string {
	detail := util.DefaultString(e.Output, "process exited during startup")
	if e.Err != nil && e.Output == "" {
		detail = e.Err.Error()
	}
	return "forwarder installed but connection failed: " + detail
}

func (e *StartError) Unwrap() error { return e.Err }

// Config wires a Registry.
type Config struct {
	Launcher  frpclient.Launcher
	Binary    string
	ConfigDir string
	Edge      frpconfig.Edge

	// StartGrace and StopTimeout default to util.StartGracePeriod and
	// util.StopTimeout.
	StartGrace  time.Duration
	StopTimeout time.Duration

	// Journal and RuntimePath are optional.
	Journal     events.Journal
	RuntimePath string
}

type handle struct {
	tunnel     model.Tunnel
	localPort  int
	proc       *frpclient.Process
	configPath string
	startedAt  time.Time
}

// Registry maps tunnel ids to running forwarders. Start and Stop are
// serialised; status reads only take the map lock and never wait on a
// start in its grace period.
type Registry struct {
	ops     sync.Mutex
	mu      sync.Mutex
	handles map[string]*handle
	cfg     Config
	closed  bool
}

// NewRegistry creates an empty registry. Nothing is adopted from a previous
// run: forwarders left behind by a crash are reported by doctor instead.
func NewRegistry(cfg Config) *Registry {
	if cfg.StartGrace <= 0 {
		cfg.StartGrace = util.StartGracePeriod
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = util.StopTimeout
	}
	if cfg.Edge.ServerAddr == "" {
		cfg.Edge = frpconfig.DefaultEdge()
	}
	if cfg.Launcher == nil {
		cfg.Launcher = frpclient.New()
	}
	return &Registry{cfg: cfg, handles: make(map[string]*handle)}
}

// Journal returns the event journal, or nil.
func (r *Registry) Journal() events.Journal { return r.cfg.Journal }

// ConfigPath is where the config file for id is written.
func (r *Registry) ConfigPath(id string) string {
	return filepath.Join(r.cfg.ConfigDir, id+".ini")
}

// ValidateTunnel checks the fields a forwarder needs. The id becomes a file
// name and the subdomain an INI section header, so both are restricted.
func ValidateTunnel(t model.Tunnel) error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTunnel)
	}
	if strings.ContainsAny(t.ID, `/\`) || strings.Contains(t.ID, "..") {
		return fmt.Errorf("%w: id %q is not a safe file name", ErrInvalidTunnel, t.ID)
	}
	if strings.TrimSpace(t.Subdomain) == "" {
		return fmt.Errorf("%w: missing subdomain", ErrInvalidTunnel)
	}
	if strings.ContainsAny(t.Subdomain, "[]\r\n") {
		return fmt.Errorf("%w: subdomain %q", ErrInvalidTunnel, t.Subdomain)
	}
	return nil
}

// Start launches a forwarder for t, replacing any existing one for the same
// id. It returns once the process has survived the grace period.
func (r *Registry) Start(ctx context.Context, t model.Tunnel, localPort int) error {
	if err := ValidateTunnel(t); err != nil {
		return err
	}
	if err := util.ValidatePort(localPort); err != nil {
		return fmt.Errorf("invalid local port: %w", err)
	}

	r.ops.Lock()
	defer r.ops.Unlock()
	if r.closed {
		return ErrClosed
	}

	r.stopLocked(t.ID)

	if err := os.MkdirAll(r.cfg.ConfigDir, 0o700); err != nil {
		return fmt.Errorf("create configs dir: %w", err)
	}
	path := r.ConfigPath(t.ID)
	if err := os.WriteFile(path, []byte(r.cfg.Edge.Render(t, localPort)), 0o600); err != nil {
		return fmt.Errorf("write forwarder config: %w", err)
	}

	proc, err := r.cfg.Launcher.Launch(r.cfg.Binary, path)
	if err != nil {
		removeConfig(path)
		r.journal(events.Event{TunnelID: t.ID, Subdomain: t.Subdomain, LocalPort: localPort, EventType: events.TypeStartFailed, Message: err.Error()})
		return &StartError{TunnelID: t.ID, Err: err}
	}

	timer := time.NewTimer(r.cfg.StartGrace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		_ = proc.Kill()
		proc.Wait(r.cfg.StopTimeout)
		removeConfig(path)
		return ctx.Err()
	case <-proc.Done():
	case <-timer.C:
	}

	if !proc.Alive() {
		removeConfig(path)
		serr := &StartError{TunnelID: t.ID, Output: proc.Output(), Err: proc.ExitErr()}
		slog.Warn("forwarder exited during startup", "tunnel_id", t.ID, "subdomain", t.Subdomain, "error", serr)
		r.journal(events.Event{TunnelID: t.ID, Subdomain: t.Subdomain, LocalPort: localPort, EventType: events.TypeStartFailed, Message: serr.Error(), PID: proc.PID()})
		return serr
	}

	h := &handle{tunnel: t, localPort: localPort, proc: proc, configPath: path, startedAt: time.Now()}
	r.mu.Lock()
	r.handles[t.ID] = h
	r.mu.Unlock()

	slog.Info("forwarder started", "tunnel_id", t.ID, "subdomain", t.Subdomain, "local_port", localPort, "pid", proc.PID())
	r.journal(events.Event{TunnelID: t.ID, Subdomain: t.Subdomain, LocalPort: localPort, EventType: events.TypeStartSucceeded, Status: model.StatusConnected, PID: proc.PID()})
	r.persist()
	return nil
}

// Stop terminates the forwarder for id and removes its config file. It
// returns false when id is not tracked.
func (r *Registry) Stop(id string) bool {
	r.ops.Lock()
	defer r.ops.Unlock()
	return r.stopLocked(id)
}

func (r *Registry) stopLocked(id string) bool {
	r.mu.Lock()
	h, ok := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()
	if !ok {
		return false
	}

	evt := events.Event{TunnelID: id, Subdomain: h.tunnel.Subdomain, LocalPort: h.localPort, EventType: events.TypeStopped, PID: h.proc.PID()}
	if r.shutdown(h) {
		evt.EventType = events.TypeForceKilled
	}
	removeConfig(h.configPath)
	slog.Info("forwarder stopped", "tunnel_id", id, "subdomain", h.tunnel.Subdomain)
	r.journal(evt)
	r.persist()
	return true
}

// shutdown sends SIGTERM, waits, then kills. It reports whether the kill
// path was needed.
func (r *Registry) shutdown(h *handle) bool {
	if err := h.proc.Terminate(); err != nil {
		slog.Debug("terminate forwarder", "tunnel_id", h.tunnel.ID, "error", err)
	}
	if h.proc.Wait(r.cfg.StopTimeout) {
		return false
	}
	slog.Warn("forwarder ignored SIGTERM, killing", "tunnel_id", h.tunnel.ID, "pid", h.proc.PID())
	if err := h.proc.Kill(); err != nil {
		slog.Warn("kill forwarder", "tunnel_id", h.tunnel.ID, "error", err)
	}
	if !h.proc.Wait(r.cfg.StopTimeout) {
		slog.Error("forwarder still running after kill", "tunnel_id", h.tunnel.ID, "pid", h.proc.PID())
	}
	return true
}

// StopAll stops every tracked forwarder, one at a time, and closes the
// registry: later Start calls fail with ErrClosed.
func (r *Registry) StopAll() {
	r.ops.Lock()
	defer r.ops.Unlock()
	r.closed = true

	r.mu.Lock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		r.stopLocked(id)
	}
}

// Status derives the process status for id.
func (r *Registry) Status(id string) model.ConnectionStatus {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()
	switch {
	case !ok:
		return model.StatusNotStarted
	case h.proc.Alive():
		return model.StatusConnected
	default:
		return model.StatusDisconnected
	}
}

// ListActive returns the sorted ids of live forwarders.
func (r *Registry) ListActive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.handles))
	for id, h := range r.handles {
		if h.proc.Alive() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns every tracked forwarder with its current status.
func (r *Registry) Snapshot() []model.ForwarderRuntime {
	r.mu.Lock()
	out := make([]model.ForwarderRuntime, 0, len(r.handles))
	for id, h := range r.handles {
		status := model.StatusDisconnected
		if h.proc.Alive() {
			status = model.StatusConnected
		}
		out = append(out, model.ForwarderRuntime{
			TunnelID:   id,
			Subdomain:  h.tunnel.Subdomain,
			LocalPort:  h.localPort,
			PID:        h.proc.PID(),
			Status:     status,
			ConfigPath: h.configPath,
			StartedAt:  h.startedAt,
			UptimeSec:  int64(time.Since(h.startedAt).Seconds()),
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subdomain != out[j].Subdomain {
			return out[i].Subdomain < out[j].Subdomain
		}
		return out[i].TunnelID < out[j].TunnelID
	})
	return out
}

func (r *Registry) journal(evt events.Event) {
	if r.cfg.Journal == nil {
		return
	}
	if err := r.cfg.Journal.Append(evt); err != nil {
		slog.Warn("failed to append event", "event_type", evt.EventType, "error", err)
	}
}

func (r *Registry) persist() {
	if r.cfg.RuntimePath == "" {
		return
	}
	if err := WriteRuntime(r.cfg.RuntimePath, r.Snapshot()); err != nil {
		slog.Warn("failed to persist forwarder runtime", "error", err)
	}
}

func removeConfig(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("cannot remove forwarder config", "path", path, "error", err)
	}
}
