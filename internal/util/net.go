package util

import (
	"net"
	"strconv"
	"strings"
)

// NormalizeAddr returns addr trimmed, or fallback when addr is blank.
//
//	NormalizeAddr("",            "tunnel.ovream.com") → "tunnel.ovream.com"
//	NormalizeAddr(" edge.local ", "tunnel.ovream.com") → "edge.local"
func NormalizeAddr(addr, fallback string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fallback
	}
	return addr
}

// LoopbackAddr returns the 127.0.0.1 dial address for a local port.
func LoopbackAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
