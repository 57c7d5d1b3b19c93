package frpclient

import (
	"bytes"
	"context"
	"os/exec"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestBuildArgs(t *testing.T) {
	c := New()
	args := c.BuildArgs("/tmp/configs/abc.ini")
	want := []string{"-c", "/tmp/configs/abc.ini"}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("args mismatch\nwant=%v\n got=%v", want, args)
	}
}

func TestStartCapturesOutputOfEarlyExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	p, err := Start(exec.Command("sh", "-c", "echo 'login to server failed' >&2; exit 1"))
	if err != nil {
		t.Fatal(err)
	}
	if !p.Wait(5 * time.Second) {
		t.Fatal("expected process to exit")
	}
	if p.Alive() {
		t.Fatal("exited process must not be alive")
	}
	if p.ExitErr() == nil {
		t.Fatal("expected non-zero exit to be reported")
	}
	if !strings.Contains(p.Output(), "login to server failed") {
		t.Fatalf("expected captured stderr, got %q", p.Output())
	}
}

func TestTerminateStopsRunningProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sleep")
	}
	p, err := Start(exec.Command("sleep", "30"))
	if err != nil {
		t.Fatal(err)
	}
	if !p.Alive() || p.PID() <= 0 {
		t.Fatalf("expected live process, pid=%d", p.PID())
	}
	if err := p.Terminate(); err != nil {
		t.Fatal(err)
	}
	if !p.Wait(5 * time.Second) {
		_ = p.Kill()
		t.Fatal("process ignored SIGTERM")
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("kill after exit should be a no-op, got %v", err)
	}
}

func TestCaptureIsBounded(t *testing.T) {
	c := &capture{}
	chunk := bytes.Repeat([]byte("x"), 4096)
	for i := 0; i < 10; i++ {
		n, err := c.Write(chunk)
		if err != nil || n != len(chunk) {
			t.Fatalf("write reported n=%d err=%v", n, err)
		}
	}
	if got := len(c.String()); got != maxCapturedOutput {
		t.Fatalf("expected output capped at %d, got %d", maxCapturedOutput, got)
	}
}

func TestRunForegroundStreamsOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a pty")
	}
	var out bytes.Buffer
	err := New().RunForeground(context.Background(), "echo", "tunnel.ini", &out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "-c tunnel.ini") {
		t.Fatalf("expected forwarded output, got %q", out.String())
	}
}
