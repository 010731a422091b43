package app

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// NormalizeLocalAddr pins the API listener to localhost. The API has no auth,
// so it must never bind a routable interface.
func NormalizeLocalAddr(cfgAddr string) string {
	a := strings.TrimSpace(cfgAddr)
	if strings.HasPrefix(a, ":") {
		return "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		return "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a
}

// WaitTCP polls until addr accepts connections or the timeout elapses.
func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}
