package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/treykane/tunnel-cli/internal/model"
)

// ListTunnels returns every tunnel owned by the account.
func (c *Client) ListTunnels(ctx context.Context) ([]model.Tunnel, error) {
	var out []model.Tunnel
	if err := c.do(ctx, call{method: http.MethodGet, path: "/cli/tunnels"}, &out); err != nil {
		return nil, fmt.Errorf("list tunnels: %w", err)
	}
	return out, nil
}

type createTunnelRequest struct {
	LocalPort int    `json:"local_port"`
	Subdomain string `json:"subdomain,omitempty"`
}

// CreateTunnel provisions a tunnel. An empty subdomain lets the server pick.
func (c *Client) CreateTunnel(ctx context.Context, localPort int, subdomain string) (model.Tunnel, error) {
	var out model.Tunnel
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/cli/tunnels",
		body:   createTunnelRequest{LocalPort: localPort, Subdomain: subdomain},
	}, &out)
	if err != nil {
		return model.Tunnel{}, fmt.Errorf("create tunnel: %w", err)
	}
	return out, nil
}

// DeleteTunnel removes a tunnel and reports whether the service confirmed it.
func (c *Client) DeleteTunnel(ctx context.Context, id string) (bool, error) {
	err := c.do(ctx, call{method: http.MethodDelete, path: tunnelPath(id, "")}, nil)
	if err != nil {
		return false, fmt.Errorf("delete tunnel: %w", err)
	}
	return true, nil
}

type updatePortRequest struct {
	LocalPort *int `json:"local_port"`
}

// UpdateLocalPort sets or clears (nil) the tunnel's local port.
func (c *Client) UpdateLocalPort(ctx context.Context, id string, port *int) (model.Tunnel, error) {
	var out model.Tunnel
	err := c.do(ctx, call{
		method: http.MethodPut,
		path:   tunnelPath(id, "/port"),
		body:   updatePortRequest{LocalPort: port},
	}, &out)
	if err != nil {
		return model.Tunnel{}, fmt.Errorf("update port: %w", err)
	}
	return out, nil
}

type configQuery struct {
	LocalPort int    `url:"local_port"`
	Format    string `url:"format"`
}

// GetConfig fetches the server-rendered forwarder config.
func (c *Client) GetConfig(ctx context.Context, id string, localPort int) (model.TunnelConfig, error) {
	var out model.TunnelConfig
	err := c.do(ctx, call{
		method: http.MethodGet,
		path:   tunnelPath(id, "/config"),
		query:  configQuery{LocalPort: localPort, Format: "ini"},
	}, &out)
	if err != nil {
		return model.TunnelConfig{}, fmt.Errorf("get tunnel config: %w", err)
	}
	return out, nil
}

type connectRequest struct {
	LocalPort int `json:"local_port"`
}

// Connect marks the tunnel as connected from this machine.
func (c *Client) Connect(ctx context.Context, id string, localPort int) error {
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   tunnelPath(id, "/connect"),
		body:   connectRequest{LocalPort: localPort},
	}, nil)
	if err != nil {
		return fmt.Errorf("connect tunnel: %w", err)
	}
	return nil
}

// Disconnect marks the tunnel as disconnected.
func (c *Client) Disconnect(ctx context.Context, id string) error {
	if err := c.do(ctx, call{method: http.MethodPost, path: tunnelPath(id, "/disconnect")}, nil); err != nil {
		return fmt.Errorf("disconnect tunnel: %w", err)
	}
	return nil
}

// Advisory is the outcome of a fire-and-forget call. Callers may inspect it
// or drop it; it never changes control flow.
type Advisory struct {
	Err error
}

func (a Advisory) Delivered() bool { return a.Err == nil }

type statusQuery struct {
	Status model.ConnectionStatus `url:"status"`
}

// ReportConnectionStatus tells the service what the supervisor observed.
func (c *Client) ReportConnectionStatus(ctx context.Context, id string, status model.ConnectionStatus) Advisory {
	if !status.Reportable() {
		return Advisory{Err: fmt.Errorf("status %q is not reportable", status)}
	}
	err := c.do(ctx, call{
		method: http.MethodPut,
		path:   tunnelPath(id, "/connection-status"),
		query:  statusQuery{Status: status},
	}, nil)
	if err != nil {
		slog.Debug("connection status report failed", "tunnel_id", id, "status", status, "error", err)
	}
	return Advisory{Err: err}
}

// Quota returns the account allowance, or DefaultQuota alongside the error
// when the endpoint is unavailable.
func (c *Client) Quota(ctx context.Context) (model.Quota, error) {
	q := model.DefaultQuota()
	if err := c.do(ctx, call{method: http.MethodGet, path: "/tunnels/quota/info", bearer: c.APIKey}, &q); err != nil {
		return model.DefaultQuota(), fmt.Errorf("quota: %w", err)
	}
	return q, nil
}

func tunnelPath(id, suffix string) string {
	return "/cli/tunnels/" + url.PathEscape(id) + suffix
}
