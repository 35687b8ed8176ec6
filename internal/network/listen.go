// Package network opens the local listeners the agent serves on.
package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"syscall"
)

// ListenConfig returns a net.ListenConfig that marks the socket reusable
// before binding, so a restarted agent can take its port back while the old
// socket sits in TIME_WAIT.
func ListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			if err := c.Control(func(fd uintptr) {
				opErr = setReuseAddr(fd)
			}); err != nil {
				return err
			}
			return opErr
		},
	}
}

// Listen binds a TCP listener on addr. With a non-nil tlsConfig the
// listener terminates TLS.
func Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Listener, error) {
	lc := ListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tlsConfig != nil {
		return tls.NewListener(ln, tlsConfig), nil
	}
	return ln, nil
}
