// Package netutil provides small network address helpers.
package netutil

import (
	"fmt"
	"net"
	"os"
)

// LocalIP returns the primary outbound IPv4 address of this host. No
// traffic is sent; the UDP dial only selects a route. Falls back to the
// hostname lookup, then loopback.
func LocalIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err == nil {
		defer func() {
			_ = conn.Close()
		}()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP.String()
		}
	}

	if host, err := os.Hostname(); err == nil {
		if addrs, err := net.LookupIP(host); err == nil {
			for _, ip := range addrs {
				if v4 := ip.To4(); v4 != nil && !v4.IsLoopback() {
					return v4.String()
				}
			}
		}
	}

	return "127.0.0.1"
}

// FreePort asks the kernel for an available TCP port.
func FreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("probe free port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address %q", listener.Addr())
	}
	return addr.Port, nil
}
