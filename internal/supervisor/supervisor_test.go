package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"go.uber.org/goleak"

	"github.com/treykane/tunnel-cli/internal/api"
	"github.com/treykane/tunnel-cli/internal/events"
	"github.com/treykane/tunnel-cli/internal/model"
)

type report struct {
	id     string
	status model.ConnectionStatus
}

type fakeAPI struct {
	mu      sync.Mutex
	tunnels []model.Tunnel
	listErr error
	block   chan struct{}
	fail    bool
	reports []report
}

func (f *fakeAPI) ListTunnels(ctx context.Context) ([]model.Tunnel, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Tunnel(nil), f.tunnels...), f.listErr
}

func (f *fakeAPI) ReportConnectionStatus(ctx context.Context, id string, status model.ConnectionStatus) api.Advisory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report{id, status})
	if f.fail {
		return api.Advisory{Err: errors.New("service unavailable")}
	}
	return api.Advisory{}
}

func (f *fakeAPI) reportsFor(id string) []model.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ConnectionStatus
	for _, r := range f.reports {
		if r.id == id {
			out = append(out, r.status)
		}
	}
	return out
}

type fakeRegistry struct {
	mu       sync.Mutex
	status   map[string]model.ConnectionStatus
	startErr error
	starts   int
	stops    []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{status: map[string]model.ConnectionStatus{}}
}

func (r *fakeRegistry) Start(ctx context.Context, t model.Tunnel, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if r.startErr != nil {
		return r.startErr
	}
	r.status[t.ID] = model.StatusConnected
	return nil
}

func (r *fakeRegistry) Stop(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, id)
	_, ok := r.status[id]
	delete(r.status, id)
	return ok
}

func (r *fakeRegistry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = map[string]model.ConnectionStatus{}
}

func (r *fakeRegistry) ListActive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, st := range r.status {
		if st == model.StatusConnected {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *fakeRegistry) Status(id string) model.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.status[id]; ok {
		return s
	}
	return model.StatusNotStarted
}

type fakeInstaller struct {
	err   error
	calls int
}

func (f *fakeInstaller) EnsureInstalled(ctx context.Context) (string, error) {
	f.calls++
	return "/bin/frpc", f.err
}

type fakeProber struct {
	mu   sync.Mutex
	open map[int]bool
}

func (p *fakeProber) IsLocalPortOpen(ctx context.Context, port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open[port]
}

func (p *fakeProber) set(port int, open bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open[port] = open
}

type memJournal struct {
	mu  sync.Mutex
	evs []events.Event
}

func (j *memJournal) Append(evt events.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.evs = append(j.evs, evt)
	return nil
}

type harness struct {
	api       *fakeAPI
	registry  *fakeRegistry
	installer *fakeInstaller
	prober    *fakeProber
	journal   *memJournal
	sup       *Supervisor
}

func newHarness(tunnels ...model.Tunnel) *harness {
	h := &harness{
		api:       &fakeAPI{tunnels: tunnels},
		registry:  newFakeRegistry(),
		installer: &fakeInstaller{},
		prober:    &fakeProber{open: map[int]bool{}},
		journal:   &memJournal{},
	}
	h.sup = New(Config{API: h.api, Registry: h.registry, Installer: h.installer, Prober: h.prober, Journal: h.journal})
	return h
}

func managed(id string, port int) model.Tunnel {
	return model.Tunnel{ID: id, Subdomain: "sub-" + id, LocalPort: &port}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		open   bool
		status model.ConnectionStatus
		want   model.Action
	}{
		{true, model.StatusNotStarted, model.ActionStart},
		{true, model.StatusDisconnected, model.ActionStart},
		{true, model.StatusPortDown, model.ActionStart},
		{true, model.StatusConnected, model.ActionNone},
		{false, model.StatusConnected, model.ActionStop},
		{false, model.StatusNotStarted, model.ActionReportPortDown},
		{false, model.StatusDisconnected, model.ActionReportPortDown},
	}
	for _, tt := range tests {
		if got := Decide(tt.open, tt.status); got != tt.want {
			t.Errorf("Decide(%v, %s) = %s, want %s", tt.open, tt.status, got, tt.want)
		}
	}
}

func TestOpenPortConnectsAndReportsOnce(t *testing.T) {
	h := newHarness(managed("t1", 3000))
	h.prober.set(3000, true)

	res, err := h.sup.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := h.registry.Status("t1"); got != model.StatusConnected {
		t.Fatalf("expected connected, got %s", got)
	}
	if got := h.api.reportsFor("t1"); len(got) != 1 || got[0] != model.StatusConnected {
		t.Fatalf("expected exactly one connected report, got %v", got)
	}
	if o := res.Outcomes[0]; o.Action != model.ActionStart || !o.Reported || o.Status != model.StatusConnected {
		t.Fatalf("unexpected outcome: %+v", o)
	}

	// A second pass with nothing changed does nothing.
	if _, err := h.sup.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.registry.starts != 1 || len(h.api.reportsFor("t1")) != 1 {
		t.Fatalf("steady state must be quiet: starts=%d reports=%v", h.registry.starts, h.api.reportsFor("t1"))
	}
}

func TestClosedPortStopsOnNextPass(t *testing.T) {
	h := newHarness(managed("t1", 3000))
	h.prober.set(3000, true)
	if _, err := h.sup.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.prober.set(3000, false)
	res, err := h.sup.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(h.registry.stops) != 1 || h.registry.stops[0] != "t1" {
		t.Fatalf("expected forwarder stopped, got %v", h.registry.stops)
	}
	if got := h.api.reportsFor("t1"); got[len(got)-1] != model.StatusPortDown {
		t.Fatalf("expected port_down report, got %v", got)
	}
	if res.Status("t1") != model.StatusPortDown {
		t.Fatalf("unexpected pass status %s", res.Status("t1"))
	}

	// Still closed: only the report repeats.
	if _, err := h.sup.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(h.registry.stops) != 1 {
		t.Fatal("an already stopped forwarder must not be stopped again")
	}
	if got := h.api.reportsFor("t1"); len(got) != 3 || got[2] != model.StatusPortDown {
		t.Fatalf("expected repeated port_down, got %v", got)
	}
}

func TestManualTunnelsAreNeverTouched(t *testing.T) {
	manual := model.Tunnel{ID: "m1", Subdomain: "manual"}
	h := newHarness(manual, managed("t1", 3000))
	h.prober.set(3000, true)

	for i := 0; i < 3; i++ {
		res, err := h.sup.Reconcile(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Outcomes) != 1 {
			t.Fatalf("manual tunnel must not be selected, got %+v", res.Outcomes)
		}
	}
	if got := h.registry.Status("m1"); got != model.StatusNotStarted {
		t.Fatalf("expected not_started, got %s", got)
	}
	if got := h.api.reportsFor("m1"); len(got) != 0 {
		t.Fatalf("manual tunnel must never be reported, got %v", got)
	}
}

func TestForwardersForUnmanagedTunnelsAreReleased(t *testing.T) {
	h := newHarness(managed("t1", 3000))
	h.prober.set(3000, true)
	if _, err := h.sup.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Port cleared from another client.
	h.api.mu.Lock()
	h.api.tunnels = []model.Tunnel{{ID: "t1", Subdomain: "sub-t1"}}
	h.api.mu.Unlock()

	res, err := h.sup.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Released) != 1 || res.Released[0] != "t1" {
		t.Fatalf("expected t1 released, got %v", res.Released)
	}
	if h.registry.Status("t1") != model.StatusNotStarted {
		t.Fatal("expected forwarder stopped")
	}
	if got := h.api.reportsFor("t1"); len(got) != 1 {
		t.Fatalf("released tunnels are not reported, got %v", got)
	}
}

func TestInstallFailureSkipsTunnelWithoutReport(t *testing.T) {
	h := newHarness(managed("t1", 3000), managed("t2", 3001))
	h.prober.set(3000, true)
	h.prober.set(3001, false)
	h.installer.err = errors.New("download failed")

	res, err := h.sup.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcomes[0].Err == nil || h.registry.starts != 0 {
		t.Fatalf("expected install failure to abandon start: %+v", res.Outcomes[0])
	}
	if got := h.api.reportsFor("t1"); len(got) != 0 {
		t.Fatalf("failed install must not be reported, got %v", got)
	}
	if got := h.api.reportsFor("t2"); len(got) != 1 || got[0] != model.StatusPortDown {
		t.Fatalf("other tunnels continue: got %v", got)
	}
	if len(h.journal.evs) != 1 || h.journal.evs[0].EventType != events.TypeInstallFailed {
		t.Fatalf("expected install_failed event, got %+v", h.journal.evs)
	}
	if res.Failed() != 1 {
		t.Fatalf("expected one failed outcome, got %d", res.Failed())
	}

	// Retried on the next pass.
	h.installer.err = nil
	if _, err := h.sup.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.registry.Status("t1") != model.StatusConnected {
		t.Fatal("expected retry to connect")
	}
}

func TestStartFailureIsNotReported(t *testing.T) {
	h := newHarness(managed("t1", 3000))
	h.prober.set(3000, true)
	h.registry.startErr = errors.New("forwarder installed but connection failed: boom")

	res, err := h.sup.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcomes[0].Err == nil || res.Outcomes[0].Status != model.StatusNotStarted {
		t.Fatalf("unexpected outcome: %+v", res.Outcomes[0])
	}
	if got := h.api.reportsFor("t1"); len(got) != 0 {
		t.Fatalf("failed start must not be reported, got %v", got)
	}
}

func TestReportFailuresAreAdvisory(t *testing.T) {
	h := newHarness(managed("t1", 3000))
	h.prober.set(3000, true)
	h.api.fail = true

	res, err := h.sup.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("report failure must not fail the pass: %v", err)
	}
	o := res.Outcomes[0]
	if o.Err != nil || o.Reported || o.Status != model.StatusConnected {
		t.Fatalf("unexpected outcome: %+v", o)
	}
	if len(h.api.reportsFor("t1")) != 1 {
		t.Fatal("report must not be retried within the pass")
	}
}

func TestListFailureIsReturned(t *testing.T) {
	h := newHarness()
	h.api.listErr = api.ErrUnauthorized
	if _, err := h.sup.Reconcile(context.Background()); !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("expected wrapped list error, got %v", err)
	}
}

func TestOverlappingPassIsRejected(t *testing.T) {
	h := newHarness(managed("t1", 3000))
	h.api.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.sup.Reconcile(context.Background())
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := h.sup.ReconcileTunnels(context.Background(), nil)
		if errors.Is(err, ErrPassInFlight) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second pass was never rejected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(h.api.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if _, err := h.sup.ReconcileTunnels(context.Background(), nil); err != nil {
		t.Fatalf("guard must be released after the pass, got %v", err)
	}
}

func TestDetachStopsAndReportsDisconnected(t *testing.T) {
	h := newHarness(managed("t1", 3000))
	h.prober.set(3000, true)
	if _, err := h.sup.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if adv := h.sup.Detach(context.Background(), "t1"); !adv.Delivered() {
		t.Fatal(adv.Err)
	}
	if h.registry.Status("t1") != model.StatusNotStarted {
		t.Fatal("expected forwarder stopped")
	}
	got := h.api.reportsFor("t1")
	if got[len(got)-1] != model.StatusDisconnected {
		t.Fatalf("expected disconnected report, got %v", got)
	}
}

func TestRunPassesOnTickAndTrigger(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(managed("t1", 3000))
	clk := testclock.NewClock(time.Now())
	passes := make(chan PassResult, 10)
	h.sup = New(Config{
		API: h.api, Registry: h.registry, Installer: h.installer, Prober: h.prober,
		Clock:    clk,
		Interval: 30 * time.Second,
		OnPass:   func(r PassResult, err error) { passes <- r },
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.sup.Run(ctx) }()

	wait := func(what string) {
		t.Helper()
		select {
		case <-passes:
		case <-time.After(2 * time.Second):
			t.Fatalf("no pass after %s", what)
		}
	}
	wait("start")

	h.prober.set(3000, true)
	if err := clk.WaitAdvance(30*time.Second, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	wait("tick")
	if h.registry.Status("t1") != model.StatusConnected {
		t.Fatal("expected tick pass to connect")
	}

	h.sup.Trigger()
	wait("trigger")

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected Run error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestShutdownStopsAll(t *testing.T) {
	h := newHarness(managed("t1", 3000), managed("t2", 3001))
	h.prober.set(3000, true)
	h.prober.set(3001, true)
	if _, err := h.sup.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.sup.Shutdown()
	if h.registry.Status("t1") != model.StatusNotStarted || h.registry.Status("t2") != model.StatusNotStarted {
		t.Fatal("expected every forwarder stopped")
	}

	starts := h.registry.starts
	if _, err := h.sup.Reconcile(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
	if err := h.sup.Run(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Run after Shutdown must return ErrShutdown, got %v", err)
	}
	if h.registry.starts != starts {
		t.Fatal("no forwarder may start after Shutdown")
	}
	h.sup.Shutdown()
}
