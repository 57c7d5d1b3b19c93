package tunnel

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/treykane/tunnel-cli/internal/model"
)

// WriteRuntime persists a registry snapshot to path.
func WriteRuntime(path string, rts []model.ForwarderRuntime) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(rts, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// ReadRuntime loads the last persisted snapshot. Entries whose PID is gone
// are reported as disconnected.
func ReadRuntime(path string) ([]model.ForwarderRuntime, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var arr []model.ForwarderRuntime
	if err := json.Unmarshal(b, &arr); err != nil {
		return nil, err
	}
	for i := range arr {
		if !ProcessAlive(arr[i].PID) {
			arr[i].Status = model.StatusDisconnected
		}
	}
	return arr, nil
}

// OrphanConfigs lists config files in configDir that no live forwarder in
// the runtime snapshot is using. They are left behind when the client is
// killed without running its shutdown path.
func OrphanConfigs(configDir, runtimePath string) ([]string, error) {
	entries, err := os.ReadDir(configDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	rts, err := ReadRuntime(runtimePath)
	if err != nil {
		return nil, err
	}
	live := map[string]bool{}
	for _, rt := range rts {
		if rt.Status == model.StatusConnected && ProcessAlive(rt.PID) {
			live[rt.TunnelID] = true
		}
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ini") {
			continue
		}
		if live[strings.TrimSuffix(e.Name(), ".ini")] {
			continue
		}
		out = append(out, filepath.Join(configDir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// ProcessAlive reports whether pid exists and can be signalled.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
