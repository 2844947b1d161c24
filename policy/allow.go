package policy

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited is returned for a client that connects more often than
	// its rate limit allows.
	ErrRateLimited = errors.New("rate limited")
	// ErrMaxConnectionsExceeded is returned for a client that connects while
	// the maximum number of clients is already being served.
	ErrMaxConnectionsExceeded = errors.New("max connections exceeded")
	// ErrNotLoopback is returned for a client that is not on the local
	// machine.
	ErrNotLoopback = errors.New("not a loopback address")
)

// Allow decides whether an accepted connection is served. A non-nil error
// rejects it. The Cleanup, when non-nil, is called once the connection has
// been closed, whether it was rejected or served.
type Allow func(net.Conn) (error, Cleanup)

// Cleanup reverses whatever an Allow function did to admit a connection.
type Cleanup func()

// chain returns a Cleanup that calls next, then prev.
func chain(prev, next Cleanup) Cleanup {
	if next == nil {
		return prev
	}
	return func() {
		next()
		prev()
	}
}

// All admits a connection only if every Allow function admits it. The
// functions are called in order, and the first rejection stops the rest from
// being called.
func All(fs ...Allow) Allow {
	return func(conn net.Conn) (error, Cleanup) {
		cleanup := Cleanup(func() {})
		for _, f := range fs {
			err, next := f(conn)
			cleanup = chain(cleanup, next)
			if err != nil {
				return err, cleanup
			}
		}
		return nil, cleanup
	}
}

// Any admits a connection if at least one Allow function admits it. Every
// function is called, so that each one sees every connection, and the
// rejections are joined when none admits it.
func Any(fs ...Allow) Allow {
	return func(conn net.Conn) (error, Cleanup) {
		cleanup := Cleanup(func() {})
		admitted := false
		errs := make([]string, 0, len(fs))
		for _, f := range fs {
			err, next := f(conn)
			cleanup = chain(cleanup, next)
			if err != nil {
				errs = append(errs, err.Error())
				continue
			}
			admitted = true
		}
		if admitted {
			return nil, cleanup
		}
		return fmt.Errorf("%v", strings.Join(errs, ", ")), cleanup
	}
}

// Loopback admits clients on the local machine.
func Loopback() Allow {
	return func(conn net.Conn) (error, Cleanup) {
		if ip := net.ParseIP(remoteHost(conn)); ip != nil && ip.IsLoopback() {
			return nil, nil
		}
		return ErrNotLoopback, nil
	}
}

// RateLimit rejects a client host that connects more often than r, with
// bursts of b. At most cap hosts are remembered; when that many have been
// seen, the older half is forgotten. It is safe for concurrent use.
func RateLimit(r rate.Limit, b, cap int) Allow {
	cap /= 2
	if cap < 1 {
		cap = 1
	}
	mu := new(sync.Mutex)
	front := make(map[string]*rate.Limiter, cap)
	back := make(map[string]*rate.Limiter, cap)

	limiter := func(host string) *rate.Limiter {
		if l, ok := front[host]; ok {
			return l
		}
		if l, ok := back[host]; ok {
			return l
		}
		if len(front) == cap {
			back = front
			front = make(map[string]*rate.Limiter, cap)
		}
		l := rate.NewLimiter(r, b)
		front[host] = l
		return l
	}

	return func(conn net.Conn) (error, Cleanup) {
		mu.Lock()
		defer mu.Unlock()

		if limiter(remoteHost(conn)).Allow() {
			return nil, nil
		}
		return ErrRateLimited, nil
	}
}

func remoteHost(conn net.Conn) string {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	return conn.RemoteAddr().String()
}

// Max rejects clients while maxConns clients are being served. The slot is
// released by the Cleanup. A negative maximum admits every client.
func Max(maxConns int) Allow {
	mu := new(sync.Mutex)
	conns := 0

	return func(conn net.Conn) (error, Cleanup) {
		if maxConns < 0 {
			return nil, nil
		}

		mu.Lock()
		defer mu.Unlock()

		if conns >= maxConns {
			return ErrMaxConnectionsExceeded, nil
		}
		conns++
		return nil, func() {
			mu.Lock()
			conns--
			mu.Unlock()
		}
	}
}
