// Package util provides shared constants and small helpers used across the
// tunnel client. It imports no other internal/* package so every layer can
// depend on it without cycles.
package util

import "time"

const (
	// PortProbeTimeout bounds a single TCP connect against a local port.
	// Local connects finish well under this unless nothing is listening
	// behind a filtering firewall, in which case the probe reports closed.
	PortProbeTimeout = 500 * time.Millisecond

	// DefaultSyncSeconds is the reconciliation period used when config.yaml
	// has no usable supervisor.sync_seconds value.
	DefaultSyncSeconds = 30

	// StartGracePeriod is how long a freshly spawned forwarder must stay
	// alive before it counts as started.
	StartGracePeriod = time.Second

	// StopTimeout is how long a forwarder gets to exit after SIGTERM before
	// it is killed.
	StopTimeout = 5 * time.Second

	// AuthWaitTimeout is how long browser login waits for the callback.
	AuthWaitTimeout = 120 * time.Second

	// ShortIDLen is the number of id characters shown in tables.
	ShortIDLen = 8
)
