// Package tcp accepts stream connections for the simulated telemetry peer.
// The session package dials on its own, because a session connection must
// outlive the call that created it.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/renproject/feed/policy"
)

// Listen for connections from remote clients until the context is done. The
// allow function will be used to control the acceptance/rejection of connection
// attempts, and can be used to implement maximum connection limits, per-IP
// rate-limiting, and so on. This function spawns all accepted connections into
// their own background goroutines that run the handle function, and then
// clean-up the connection. This function blocks until the context is done.
func Listen(ctx context.Context, address string, handle func(net.Conn), handleErr func(error), allow policy.Allow) error {
	// Create a TCP listener from given address and return an error if unable to do so
	listener, err := new(net.ListenConfig).Listen(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return ListenWithListener(ctx, listener, handle, handleErr, allow)
}

// NOTE: The listener passed to this function will be closed when the given
// context finishes.
func ListenWithListener(ctx context.Context, listener net.Listener, handle func(net.Conn), handleErr func(error), allow policy.Allow) error {
	if handle == nil {
		return fmt.Errorf("nil handle function")
	}

	if handleErr == nil {
		handleErr = func(err error) {}
	}

	go func() {
		<-ctx.Done()
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			handleErr(fmt.Errorf("close listener: %v", err))
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			handleErr(fmt.Errorf("accept connection: %v", err))
			continue
		}

		var cleanup policy.Cleanup
		if allow != nil {
			var allowErr error
			if allowErr, cleanup = allow(conn); allowErr != nil {
				handleErr(fmt.Errorf("reject connection from %v: %v", conn.RemoteAddr(), allowErr))
				if cleanup != nil {
					cleanup()
				}
				if err := conn.Close(); err != nil {
					handleErr(fmt.Errorf("close connection: %v", err))
				}
				continue
			}
		}

		go func() {
			defer func() {
				if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
					handleErr(fmt.Errorf("close connection: %v", err))
				}
			}()
			defer func() {
				if cleanup != nil {
					cleanup()
				}
			}()
			handle(conn)
		}()
	}
}

// ListenerWithAssignedPort opens a listener on the given IP and lets the
// operating system pick the port, which is returned alongside the listener.
func ListenerWithAssignedPort(ctx context.Context, ip net.IP) (net.Listener, int, error) {
	listener, err := new(net.ListenConfig).Listen(ctx, "tcp", net.JoinHostPort(ip.String(), "0"))
	if err != nil {
		return nil, 0, err
	}
	port := listener.Addr().(*net.TCPAddr).Port
	return listener, port, nil
}
