// Package frpclient launches the frpc forwarding binary.
//
// It does not speak the tunnelling protocol. It builds argv for the binary,
// starts it, and hands back a Process the registry can watch and signal.
//
// There are two ways to run the binary:
//
//   - Background forwarders: Launch() starts frpc detached from the terminal
//     with its output captured, so a forwarder that dies during startup can
//     explain why.
//
//   - Foreground sessions: RunForeground() runs frpc inside a PTY and streams
//     its log output to the user's terminal until it exits or the context is
//     cancelled. The `tunnel connect` command uses this.
//
// Arguments are passed as argv, never through a shell.
package frpclient

import (
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// Launcher starts a forwarder for a config file. The registry depends on
// this interface so tests can substitute a stand-in process.
type Launcher interface {
	Launch(binary, configPath string) (*Process, error)
}

// Client starts frpc processes. It is stateless and safe for concurrent use.
type Client struct{}

// New creates a new forwarder client.
func New() *Client { return &Client{} }

// BuildArgs returns the argv for running frpc against configPath.
//
// Example output: ["-c", "/home/me/.config/tunnel-cli/configs/abc.ini"]
func (c *Client) BuildArgs(configPath string) []string {
	return []string{"-c", configPath}
}

// Launch starts frpc in the background. The process is not bound to a
// context: it keeps running until the registry stops it.
func (c *Client) Launch(binary, configPath string) (*Process, error) {
	cmd := exec.Command(binary, c.BuildArgs(configPath)...)
	return Start(cmd)
}

// RunForeground runs frpc in a pseudo-terminal and copies its output to out
// until the process exits. Cancelling ctx stops the process gracefully.
func (c *Client) RunForeground(ctx context.Context, binary, configPath string, out io.Writer) error {
	cmd := exec.Command(binary, c.BuildArgs(configPath)...)
	f, err := pty.Start(cmd)
	if err != nil {
		return err
	}
	defer f.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = terminate(cmd.Process)
		case <-done:
		}
	}()

	if out == nil {
		out = os.Stdout
	}
	// Returns when the PTY master reports EOF or EIO after the child exits.
	_, _ = io.Copy(out, f)

	err = cmd.Wait()
	close(done)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
