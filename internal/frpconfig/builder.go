// Package frpconfig renders and checks the INI files handed to the frpc
// forwarding binary.
package frpconfig

import (
	"fmt"
	"strings"

	"github.com/treykane/tunnel-cli/internal/appconfig"
	"github.com/treykane/tunnel-cli/internal/model"
	"github.com/treykane/tunnel-cli/internal/util"
)

// LocalIP is where every forwarder sends inbound traffic.
const LocalIP = "127.0.0.1"

// Edge is the public forwarding server and the domain tunnels are served under.
type Edge struct {
	ServerAddr string
	ServerPort int
	Domain     string
}

// DefaultEdge is the hosted service edge.
func DefaultEdge() Edge {
	return Edge{
		ServerAddr: appconfig.DefaultServerAddr,
		ServerPort: appconfig.DefaultServerPort,
		Domain:     appconfig.DefaultTunnelDomain,
	}
}

// EdgeFromConfig fills blanks in cfg from DefaultEdge.
func EdgeFromConfig(cfg appconfig.EdgeConfig) Edge {
	def := DefaultEdge()
	e := Edge{
		ServerAddr: util.NormalizeAddr(cfg.ServerAddr, def.ServerAddr),
		ServerPort: cfg.ServerPort,
		Domain:     util.NormalizeAddr(cfg.Domain, def.Domain),
	}
	if util.ValidatePort(e.ServerPort) != nil {
		e.ServerPort = def.ServerPort
	}
	return e
}

// CustomDomain is the public host name for a subdomain.
func (e Edge) CustomDomain(subdomain string) string {
	return subdomain + "." + e.Domain
}

// Render produces the forwarder config for one tunnel. It is a pure
// function of its inputs.
func (e Edge) Render(t model.Tunnel, localPort int) string {
	var b strings.Builder
	b.WriteString("[common]\n")
	b.WriteString(fmt.Sprintf("server_addr = %s\n", e.ServerAddr))
	b.WriteString(fmt.Sprintf("server_port = %d\n", e.ServerPort))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("[%s]\n", t.Subdomain))
	b.WriteString("type = http\n")
	b.WriteString(fmt.Sprintf("local_ip = %s\n", LocalIP))
	b.WriteString(fmt.Sprintf("local_port = %d\n", localPort))
	b.WriteString(fmt.Sprintf("custom_domains = %s\n", e.CustomDomain(t.Subdomain)))
	return b.String()
}

// Build renders against the hosted edge.
func Build(t model.Tunnel, localPort int) string {
	return DefaultEdge().Render(t, localPort)
}
