package netutil

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// DefaultFallbackAttempts is how many consecutive ports Listen tries.
const DefaultFallbackAttempts = 10

// Listen binds host:port. When the port is busy and autoFallback is set, the
// next ports are tried in order, up to attempts in total. Port 0 binds an
// ephemeral port.
func Listen(host string, port int, autoFallback bool, attempts int) (net.Listener, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	if port == 0 || !autoFallback || attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts && port+i <= 65535; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no ports left to try")
	}
	return nil, fmt.Errorf("no available bind address from %s:%d: %w", host, port, lastErr)
}

// Port returns the TCP port a listener is bound to.
func Port(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// LocalIPv4s lists the non-loopback IPv4 addresses of the host, which is
// what a peer on the LAN can reach.
func LocalIPv4s() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			out = append(out, ip4.String())
		}
	}
	return out
}
