package model

import "time"

// Tunnel is a tunnel record as served by the remote API.
type Tunnel struct {
	ID                string `json:"id"`
	Subdomain         string `json:"subdomain"`
	RemotePort        int    `json:"remote_port"`
	LocalPort         *int   `json:"local_port"`
	IsCustomSubdomain bool   `json:"is_custom_subdomain"`
	URL               string `json:"url,omitempty"`
	FullURL           string `json:"full_url,omitempty"`
	Status            string `json:"status,omitempty"`
	CreatedAt         string `json:"created_at,omitempty"`
}

// HasLocalPort reports whether the tunnel is auto-managed.
func (t Tunnel) HasLocalPort() bool {
	return t.LocalPort != nil
}

// Port returns the local port or 0 when unset.
func (t Tunnel) Port() int {
	if t.LocalPort == nil {
		return 0
	}
	return *t.LocalPort
}

// PublicURL prefers the server's full URL and falls back to the short form.
func (t Tunnel) PublicURL() string {
	if t.FullURL != "" {
		return t.FullURL
	}
	return t.URL
}

// ConnectionStatus is the reconciled state of one tunnel. It is recomputed
// every pass and never stored beyond the pass that produced it.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusPortDown     ConnectionStatus = "port_down"
	StatusNotStarted   ConnectionStatus = "not_started"
)

// Reportable reports whether the remote API accepts this status.
func (s ConnectionStatus) Reportable() bool {
	switch s {
	case StatusConnected, StatusDisconnected, StatusPortDown:
		return true
	}
	return false
}

// Action is what one reconciliation pass decided to do with a tunnel.
type Action string

const (
	ActionNone           Action = "none"
	ActionStart          Action = "start"
	ActionStop           Action = "stop"
	ActionReportPortDown Action = "report_port_down"
)

// Profile is the authenticated account.
type Profile struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
}

func (p Profile) IsAdmin() bool {
	return p.Role == "admin"
}

// Quota is the account's tunnel allowance. Negative maxima mean unlimited.
type Quota struct {
	MaxTunnels         int  `json:"max_tunnels"`
	UsedTunnels        int  `json:"used_tunnels"`
	MaxCustomDomains   int  `json:"max_custom_domains"`
	UsedCustomDomains  int  `json:"used_custom_domains"`
	CanCreateTunnel    bool `json:"can_create_tunnel"`
	CanUseCustomDomain bool `json:"can_use_custom_domain"`
}

// DefaultQuota is shown when the quota endpoint is unavailable.
func DefaultQuota() Quota {
	return Quota{MaxTunnels: 3, CanCreateTunnel: true}
}

// TunnelConfig is the server-rendered forwarder config for one tunnel.
type TunnelConfig struct {
	Config string `json:"config"`
	Tunnel Tunnel `json:"tunnel"`
}

// ForwarderRuntime describes one tracked forwarding process.
type ForwarderRuntime struct {
	TunnelID   string           `json:"tunnel_id"`
	Subdomain  string           `json:"subdomain"`
	LocalPort  int              `json:"local_port"`
	PID        int              `json:"pid,omitempty"`
	Status     ConnectionStatus `json:"status"`
	ConfigPath string           `json:"config_path"`
	StartedAt  time.Time        `json:"started_at"`
	UptimeSec  int64            `json:"uptime_seconds"`
}
