// Package probe provides a bounded TCP reachability check used by
// IP-based drivers before opening a Modbus or framed session.
package probe

import (
	"fmt"
	"net"
	"time"
)

// Result carries the outcome of a reachability probe.
type Result struct {
	Reachable bool
	RTT       time.Duration
	Err       error
}

// TCP dials address with timeout and measures round-trip time to
// establish the connection. It closes the connection immediately; it
// does not reuse it for the caller's subsequent session.
func TCP(address string, timeout time.Duration) Result {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", address, timeout)
	rtt := time.Since(start)
	if err != nil {
		return Result{Reachable: false, RTT: rtt, Err: fmt.Errorf("probe: dial %s: %w", address, err)}
	}
	_ = conn.Close()
	return Result{Reachable: true, RTT: rtt}
}
