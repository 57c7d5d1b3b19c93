package supervisor

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/treykane/tunnel-cli/internal/frpclient"
	"github.com/treykane/tunnel-cli/internal/model"
	"github.com/treykane/tunnel-cli/internal/probe"
	"github.com/treykane/tunnel-cli/internal/tunnel"
)

type sleepLauncher struct{}

func (sleepLauncher) Launch(binary, configPath string) (*frpclient.Process, error) {
	return frpclient.Start(exec.Command("sh", "-c", "exec sleep 30"))
}

// A real registry and probe against a real listener.
func TestSupervisorFollowsLocalListener(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	dir := t.TempDir()
	reg := tunnel.NewRegistry(tunnel.Config{
		Launcher:    sleepLauncher{},
		Binary:      "frpc",
		ConfigDir:   filepath.Join(dir, "configs"),
		StartGrace:  50 * time.Millisecond,
		StopTimeout: 2 * time.Second,
	})
	t.Cleanup(reg.StopAll)

	fapi := &fakeAPI{tunnels: []model.Tunnel{managed("t1", port)}}
	sup := New(Config{API: fapi, Registry: reg, Installer: &fakeInstaller{}, Prober: probe.New(200 * time.Millisecond)})

	if _, err := sup.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if reg.Status("t1") != model.StatusConnected {
		t.Fatalf("expected connected, got %s", reg.Status("t1"))
	}

	ln.Close()
	if _, err := sup.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(reg.ListActive()) != 0 {
		t.Fatal("forwarder must stop once the listener is gone")
	}
	got := fapi.reportsFor("t1")
	if len(got) != 2 || got[0] != model.StatusConnected || got[1] != model.StatusPortDown {
		t.Fatalf("unexpected reports %v", got)
	}
}

// gatedProber reports every port open but holds the gated port until
// release is closed.
type gatedProber struct {
	gated   int
	entered chan struct{}
	release chan struct{}
}

func (p *gatedProber) IsLocalPortOpen(ctx context.Context, port int) bool {
	if port == p.gated {
		close(p.entered)
		<-p.release
	}
	return true
}

func TestShutdownWaitsForPassInFlight(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	dir := t.TempDir()
	reg := tunnel.NewRegistry(tunnel.Config{
		Launcher:    sleepLauncher{},
		Binary:      "frpc",
		ConfigDir:   filepath.Join(dir, "configs"),
		StartGrace:  50 * time.Millisecond,
		StopTimeout: 2 * time.Second,
	})
	t.Cleanup(reg.StopAll)

	prober := &gatedProber{gated: 4001, entered: make(chan struct{}), release: make(chan struct{})}
	tunnels := []model.Tunnel{managed("a", 4000), managed("b", 4001)}
	sup := New(Config{API: &fakeAPI{tunnels: tunnels}, Registry: reg, Installer: &fakeInstaller{}, Prober: prober})

	passDone := make(chan PassResult, 1)
	go func() {
		res, _ := sup.ReconcileTunnels(context.Background(), tunnels)
		passDone <- res
	}()

	select {
	case <-prober.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("pass never reached the second tunnel")
	}
	if got := reg.ListActive(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected a running mid-pass, got %v", got)
	}

	shutdownDone := make(chan struct{})
	go func() {
		sup.Shutdown()
		close(shutdownDone)
	}()
	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned while a pass was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(prober.release)
	select {
	case <-shutdownDone:
	case <-time.After(10 * time.Second):
		t.Fatal("Shutdown did not return after the pass finished")
	}
	res := <-passDone

	if got := reg.ListActive(); len(got) != 0 {
		t.Fatalf("no forwarder may outlive Shutdown, active=%v", got)
	}
	if o := res.Outcomes[len(res.Outcomes)-1]; o.TunnelID != "b" || o.Err == nil {
		t.Fatalf("start of b must be abandoned, got %+v", o)
	}
	if _, err := sup.ReconcileTunnels(context.Background(), tunnels); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown after Shutdown, got %v", err)
	}
	if got := reg.ListActive(); len(got) != 0 {
		t.Fatalf("passes after Shutdown must not start forwarders, active=%v", got)
	}
}
