// Package supervisor reconciles tunnels with local reality. Each pass probes
// every auto-managed tunnel's local port and starts, stops or reports its
// forwarder accordingly.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/semaphore"

	"github.com/treykane/tunnel-cli/internal/api"
	"github.com/treykane/tunnel-cli/internal/events"
	"github.com/treykane/tunnel-cli/internal/model"
	"github.com/treykane/tunnel-cli/internal/probe"
	"github.com/treykane/tunnel-cli/internal/util"
)

// ErrPassInFlight is returned when a pass is requested while another one is
// still running.
var ErrPassInFlight = errors.New("reconciliation pass already in progress")

// ErrShutdown is returned for passes requested after Shutdown.
var ErrShutdown = errors.New("supervisor is shut down")

// API is the part of the remote service the supervisor needs.
type API interface {
	ListTunnels(ctx context.Context) ([]model.Tunnel, error)
	ReportConnectionStatus(ctx context.Context, id string, status model.ConnectionStatus) api.Advisory
}

// Registry owns the forwarding processes.
type Registry interface {
	Start(ctx context.Context, t model.Tunnel, localPort int) error
	Stop(id string) bool
	StopAll()
	Status(id string) model.ConnectionStatus
	ListActive() []string
}

// Installer makes sure the forwarding binary is present.
type Installer interface {
	EnsureInstalled(ctx context.Context) (string, error)
}

// Config wires a Supervisor. Clock, Interval and Journal are optional.
type Config struct {
	API       API
	Registry  Registry
	Installer Installer
	Prober    probe.Prober
	Journal   events.Journal
	Clock     clock.Clock
	Interval  time.Duration

	// OnPass, when set, receives every completed pass from Run.
	OnPass func(PassResult, error)
}

// Outcome is what happened to one tunnel during a pass.
type Outcome struct {
	TunnelID  string
	Subdomain string
	LocalPort int
	PortOpen  bool
	Action    model.Action
	Status    model.ConnectionStatus
	Err       error
	Reported  bool
}

// PassResult summarises one pass.
type PassResult struct {
	StartedAt time.Time
	Duration  time.Duration
	Outcomes  []Outcome

	// Released lists forwarders stopped because their tunnel was deleted or
	// its local port cleared elsewhere.
	Released []string
}

// Status returns the status a pass computed for id, or not_started when the
// tunnel was not part of it.
func (p PassResult) Status(id string) model.ConnectionStatus {
	for _, o := range p.Outcomes {
		if o.TunnelID == id {
			return o.Status
		}
	}
	return model.StatusNotStarted
}

// Failed counts outcomes that carry an error.
func (p PassResult) Failed() int {
	n := 0
	for _, o := range p.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Supervisor runs reconciliation passes one at a time. After Shutdown no
// pass runs and no forwarder is started.
type Supervisor struct {
	cfg     Config
	guard   *semaphore.Weighted
	trigger chan struct{}

	mu         sync.Mutex
	closed     bool
	cancelPass context.CancelFunc
}

func New(cfg Config) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Duration(util.DefaultSyncSeconds) * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		guard:   semaphore.NewWeighted(1),
		trigger: make(chan struct{}, 1),
	}
}

// Registry returns the registry the supervisor drives.
func (s *Supervisor) Registry() Registry { return s.cfg.Registry }

// Journal returns the event journal, or nil.
func (s *Supervisor) Journal() events.Journal { return s.cfg.Journal }

// Decide maps a probe result and the current process status to an action.
func Decide(portOpen bool, status model.ConnectionStatus) model.Action {
	switch {
	case portOpen && status != model.StatusConnected:
		return model.ActionStart
	case !portOpen && status == model.StatusConnected:
		return model.ActionStop
	case !portOpen:
		return model.ActionReportPortDown
	default:
		return model.ActionNone
	}
}

// begin claims the pass slot and returns a context that Shutdown cancels.
func (s *Supervisor) begin(ctx context.Context) (context.Context, func(), error) {
	if !s.guard.TryAcquire(1) {
		return nil, nil, ErrPassInFlight
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.guard.Release(1)
		return nil, nil, ErrShutdown
	}
	pctx, cancel := context.WithCancel(ctx)
	s.cancelPass = cancel
	s.mu.Unlock()

	return pctx, func() {
		s.mu.Lock()
		s.cancelPass = nil
		s.mu.Unlock()
		cancel()
		s.guard.Release(1)
	}, nil
}

// Reconcile fetches the tunnel list and runs one pass over it.
func (s *Supervisor) Reconcile(ctx context.Context) (PassResult, error) {
	ctx, done, err := s.begin(ctx)
	if err != nil {
		return PassResult{}, err
	}
	defer done()

	tunnels, err := s.cfg.API.ListTunnels(ctx)
	if err != nil {
		return PassResult{}, fmt.Errorf("list tunnels: %w", err)
	}
	return s.pass(ctx, tunnels), nil
}

// ReconcileTunnels runs one pass over an already fetched list.
func (s *Supervisor) ReconcileTunnels(ctx context.Context, tunnels []model.Tunnel) (PassResult, error) {
	ctx, done, err := s.begin(ctx)
	if err != nil {
		return PassResult{}, err
	}
	defer done()
	return s.pass(ctx, tunnels), nil
}

func (s *Supervisor) pass(ctx context.Context, tunnels []model.Tunnel) PassResult {
	res := PassResult{StartedAt: s.cfg.Clock.Now()}
	managed := make(map[string]bool, len(tunnels))
	for _, t := range tunnels {
		if t.HasLocalPort() {
			managed[t.ID] = true
		}
	}
	for _, t := range tunnels {
		if !t.HasLocalPort() {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		res.Outcomes = append(res.Outcomes, s.reconcileOne(ctx, t))
	}
	for _, id := range s.cfg.Registry.ListActive() {
		if managed[id] {
			continue
		}
		if s.cfg.Registry.Stop(id) {
			slog.Info("released forwarder for unmanaged tunnel", "tunnel_id", id)
			res.Released = append(res.Released, id)
		}
	}
	res.Duration = s.cfg.Clock.Now().Sub(res.StartedAt)
	slog.Debug("reconciliation pass finished", "tunnels", len(res.Outcomes), "failed", res.Failed(), "duration", res.Duration)
	return res
}

func (s *Supervisor) reconcileOne(ctx context.Context, t model.Tunnel) Outcome {
	port := t.Port()
	out := Outcome{TunnelID: t.ID, Subdomain: t.Subdomain, LocalPort: port}
	out.PortOpen = s.cfg.Prober.IsLocalPortOpen(ctx, port)
	current := s.cfg.Registry.Status(t.ID)
	out.Action = Decide(out.PortOpen, current)
	out.Status = current

	switch out.Action {
	case model.ActionStart:
		if err := ctx.Err(); err != nil {
			out.Err = err
			return out
		}
		if _, err := s.cfg.Installer.EnsureInstalled(ctx); err != nil {
			out.Err = fmt.Errorf("install forwarder: %w", err)
			slog.Warn("forwarder install failed", "tunnel_id", t.ID, "error", err)
			s.journal(events.Event{TunnelID: t.ID, Subdomain: t.Subdomain, LocalPort: port, EventType: events.TypeInstallFailed, Message: err.Error()})
			return out
		}
		if err := s.cfg.Registry.Start(ctx, t, port); err != nil {
			out.Err = err
			out.Status = s.cfg.Registry.Status(t.ID)
			slog.Warn("forwarder start failed", "tunnel_id", t.ID, "subdomain", t.Subdomain, "error", err)
			return out
		}
		out.Status = model.StatusConnected
		out.Reported = s.report(ctx, t, model.StatusConnected)
	case model.ActionStop:
		s.cfg.Registry.Stop(t.ID)
		out.Status = model.StatusPortDown
		s.journal(events.Event{TunnelID: t.ID, Subdomain: t.Subdomain, LocalPort: port, EventType: events.TypePortDown, Status: model.StatusPortDown})
		out.Reported = s.report(ctx, t, model.StatusPortDown)
	case model.ActionReportPortDown:
		out.Status = model.StatusPortDown
		out.Reported = s.report(ctx, t, model.StatusPortDown)
	}
	return out
}

func (s *Supervisor) report(ctx context.Context, t model.Tunnel, status model.ConnectionStatus) bool {
	adv := s.cfg.API.ReportConnectionStatus(ctx, t.ID, status)
	if !adv.Delivered() {
		slog.Debug("status report not delivered", "tunnel_id", t.ID, "status", status, "error", adv.Err)
	}
	return adv.Delivered()
}

// Detach stops the forwarder for id outside of a pass and reports it as
// disconnected. Used when a tunnel's local port is cleared or it is deleted.
func (s *Supervisor) Detach(ctx context.Context, id string) api.Advisory {
	s.cfg.Registry.Stop(id)
	return s.cfg.API.ReportConnectionStatus(ctx, id, model.StatusDisconnected)
}

// Trigger requests an early pass from Run. It never blocks.
func (s *Supervisor) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run passes immediately and then every Interval until ctx is done. List
// failures are logged and retried on the next tick.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		res, err := s.Reconcile(ctx)
		switch {
		case errors.Is(err, ErrShutdown):
			return err
		case errors.Is(err, ErrPassInFlight):
		case err != nil:
			slog.Warn("reconciliation pass failed", "error", err)
		}
		if s.cfg.OnPass != nil && !errors.Is(err, ErrPassInFlight) {
			s.cfg.OnPass(res, err)
		}

		timer := s.cfg.Clock.NewTimer(s.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.trigger:
			timer.Stop()
		case <-timer.Chan():
		}
	}
}

// Shutdown cancels any pass in flight, waits for it to return and stops
// every forwarder. Later passes fail with ErrShutdown.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	if s.cancelPass != nil {
		s.cancelPass()
	}
	s.mu.Unlock()

	_ = s.guard.Acquire(context.Background(), 1)
	defer s.guard.Release(1)
	s.cfg.Registry.StopAll()
}

func (s *Supervisor) journal(evt events.Event) {
	if s.cfg.Journal == nil {
		return
	}
	if err := s.cfg.Journal.Append(evt); err != nil {
		slog.Warn("failed to append event", "event_type", evt.EventType, "error", err)
	}
}
