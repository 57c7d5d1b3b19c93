package frpclient

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"
)

// maxCapturedOutput bounds how much forwarder output is kept for diagnostics.
const maxCapturedOutput = 16 << 10

// Process is one running forwarder. A goroutine reaps it as soon as it
// exits, so Alive never reports a zombie as running.
type Process struct {
	Cmd *exec.Cmd

	output *capture
	done   chan struct{}
	err    error
}

// Start runs cmd with stdout and stderr captured and begins reaping it.
func Start(cmd *exec.Cmd) (*Process, error) {
	out := &capture{}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Stdin = nil
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &Process{Cmd: cmd, output: out, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// PID returns the OS process id.
func (p *Process) PID() int {
	if p.Cmd.Process == nil {
		return 0
	}
	return p.Cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive reports whether the process is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitErr is the Wait result; only meaningful after Done is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Output returns captured stdout and stderr, trimmed.
func (p *Process) Output() string {
	return strings.TrimSpace(p.output.String())
}

// Terminate asks the process to exit.
func (p *Process) Terminate() error {
	if !p.Alive() {
		return nil
	}
	return terminate(p.Cmd.Process)
}

// Kill force-stops the process.
func (p *Process) Kill() error {
	if !p.Alive() {
		return nil
	}
	err := p.Cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Wait blocks until the process exits or timeout elapses and reports
// whether it exited.
func (p *Process) Wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

func terminate(proc *os.Process) error {
	if proc == nil {
		return nil
	}
	var err error
	if runtime.GOOS == "windows" {
		err = proc.Kill()
	} else {
		err = proc.Signal(syscall.SIGTERM)
	}
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// capture is a bounded, concurrency-safe output sink. os/exec copies into
// it from its own goroutine while readers may call String at any time.
type capture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *capture) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(b)
	if room := maxCapturedOutput - c.buf.Len(); room > 0 {
		if len(b) > room {
			b = b[:room]
		}
		c.buf.Write(b)
	}
	return n, nil
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
