package probe

import (
	"context"
	"net"
	"testing"
	"time"
)

func listen(t *testing.T) (int, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, func() { _ = ln.Close() }
}

func TestIsLocalPortOpen(t *testing.T) {
	port, closeFn := listen(t)
	p := New(200 * time.Millisecond)

	if !p.IsLocalPortOpen(context.Background(), port) {
		t.Fatal("expected listening port to be open")
	}
	closeFn()
	if p.IsLocalPortOpen(context.Background(), port) {
		t.Fatal("expected closed port after listener shutdown")
	}
}

func TestIsLocalPortOpenInvalidPorts(t *testing.T) {
	p := New(0)
	for _, port := range []int{-1, 0, 65536} {
		if p.IsLocalPortOpen(context.Background(), port) {
			t.Fatalf("port %d must report closed", port)
		}
	}
}

func TestIsLocalPortOpenCancelledContext(t *testing.T) {
	port, closeFn := listen(t)
	defer closeFn()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if New(0).IsLocalPortOpen(ctx, port) {
		t.Fatal("cancelled probe must report closed")
	}
}
