// Package probe answers whether something is listening on a local port.
package probe

import (
	"context"
	"net"
	"time"

	"github.com/treykane/tunnel-cli/internal/util"
)

// Prober reports local port reachability. Implementations never fail:
// anything other than an accepted connection is reported as closed.
type Prober interface {
	IsLocalPortOpen(ctx context.Context, port int) bool
}

// TCPProber dials 127.0.0.1 with a bounded timeout.
type TCPProber struct {
	Timeout time.Duration
}

// New returns a TCPProber; a non-positive timeout uses the default.
func New(timeout time.Duration) TCPProber {
	if timeout <= 0 {
		timeout = util.PortProbeTimeout
	}
	return TCPProber{Timeout: timeout}
}

func (p TCPProber) IsLocalPortOpen(ctx context.Context, port int) bool {
	if util.ValidatePort(port) != nil {
		return false
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = util.PortProbeTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", util.LoopbackAddr(port))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
