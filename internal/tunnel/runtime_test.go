package tunnel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/treykane/tunnel-cli/internal/model"
)

func TestOrphanConfigs(t *testing.T) {
	dir := t.TempDir()
	configs := filepath.Join(dir, "configs")
	if err := os.MkdirAll(configs, 0o700); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"live.ini", "dead.ini", "stray.ini", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(configs, name), []byte("[common]\n"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	runtimePath := filepath.Join(dir, "runtime.json")
	err := WriteRuntime(runtimePath, []model.ForwarderRuntime{
		{TunnelID: "live", PID: os.Getpid(), Status: model.StatusConnected},
		{TunnelID: "dead", PID: 0, Status: model.StatusConnected},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := OrphanConfigs(configs, runtimePath)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(configs, "dead.ini"), filepath.Join(configs, "stray.ini")}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("want %v, got %v", want, got)
	}
}

func TestOrphanConfigsMissingDir(t *testing.T) {
	dir := t.TempDir()
	got, err := OrphanConfigs(filepath.Join(dir, "nope"), filepath.Join(dir, "runtime.json"))
	if err != nil || len(got) != 0 {
		t.Fatalf("expected no orphans and no error, got %v %v", got, err)
	}
}

func TestReadRuntimeMarksDeadPIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.json")
	if err := WriteRuntime(path, []model.ForwarderRuntime{{TunnelID: "x", PID: 0, Status: model.StatusConnected}}); err != nil {
		t.Fatal(err)
	}
	rts, err := ReadRuntime(path)
	if err != nil {
		t.Fatal(err)
	}
	if rts[0].Status != model.StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", rts[0].Status)
	}
}
