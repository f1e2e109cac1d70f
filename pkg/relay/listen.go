package relay

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/net/netutil"
	"golang.org/x/sys/unix"
)

// Listen opens a TCP listener on addr with SO_REUSEADDR set, mirroring the
// original server's setsockopt(SOL_SOCKET, SO_REUSEADDR) call so a
// restarted relay can immediately rebind a port still in TIME_WAIT.
//
// If maxConns is > 0, the listener is wrapped with netutil.LimitListener so
// Accept blocks once maxConns connections are concurrently open instead of
// the relay attempting to serve an unbounded number of handshaking or live
// connections.
func Listen(ctx context.Context, addr string, maxConns int) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}
