// Package session owns the connection to the telemetry peer. A Conn dials the
// peer, authenticates, keeps the connection alive, and turns the bytes it
// reads into data payloads. Every I/O failure tears the connection down and is
// reported as one of a small set of recoverable errors; the caller is expected
// to reconnect.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/renproject/feed/frame"
	"github.com/renproject/feed/pingpong"
)

var (
	// ErrConnect is returned when the peer could not be dialed, or the
	// credential could not be sent.
	ErrConnect = errors.New("connect failed")
	// ErrReceive is returned when a read fails for any reason, including a
	// timeout or the peer closing the connection.
	ErrReceive = errors.New("receive failed")
	// ErrSend is returned when a write fails.
	ErrSend = errors.New("send failed")
	// ErrNotReady is returned when an operation needs a Ready connection.
	ErrNotReady = errors.New("connection not ready")
	// ErrClosed is returned by Connect after Close has been called.
	ErrClosed = errors.New("connection closed")
)

// State of a Conn.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
	Authenticated
	Ready
)

// String implements the fmt.Stringer interface.
func (state State) String() string {
	switch state {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", uint8(state))
	}
}

// A Conn is the logical session with one peer. It holds at most one socket at
// a time and survives any number of reconnects.
//
// Connect and Receive are expected to be called from one goroutine. Send,
// Disconnect, Close, State, and PingInterval are safe to call from any
// goroutine.
type Conn struct {
	opts Options

	// writeMu serializes writes, so that a ping never interleaves with
	// another send.
	writeMu *sync.Mutex
	// readMu guards the demuxer and the read buffer.
	readMu  *sync.Mutex
	demux   *frame.Demuxer
	readBuf []byte

	mu       *sync.Mutex
	state    State
	conn     net.Conn
	gen      uint64
	pinger   *pingpong.Pinger
	interval time.Duration
	failures int
	deadline time.Time
	closed   bool
}

// New returns a Disconnected Conn. No I/O is done until Connect is called.
func New(opts Options) *Conn {
	defaults := DefaultOptions()
	if opts.Logger == nil {
		opts.Logger = defaults.Logger
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.ConnectTimeout == nil {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	if opts.Cooldown == nil {
		opts.Cooldown = defaults.Cooldown
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaults.ReadBufferSize
	}
	if opts.Encoder == nil {
		opts.Encoder = defaults.Encoder
	}
	if opts.Decoder == nil {
		opts.Decoder = defaults.Decoder
	}
	opts.Metrics.PingInterval(opts.PingInterval)

	return &Conn{
		opts: opts,

		writeMu: new(sync.Mutex),
		readMu:  new(sync.Mutex),
		demux:   frame.NewDemuxer(),
		readBuf: make([]byte, opts.ReadBufferSize),

		mu:       new(sync.Mutex),
		state:    Disconnected,
		interval: opts.PingInterval,
	}
}

// Address of the peer.
func (c *Conn) Address() string {
	return net.JoinHostPort(c.opts.Host, strconv.Itoa(int(c.opts.Port)))
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// PingInterval returns the liveness interval in effect. It starts at
// Options.PingInterval and changes whenever the peer negotiates a new one. The
// negotiated value is kept across reconnects.
func (c *Conn) PingInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.interval
}

// Connect establishes a connection, unless one is already established. It
// waits for any cooldown left by the last disconnect, dials the peer,
// configures TCP keepalive, sends the credential, and starts the liveness
// pings. On failure, the Conn is left Disconnected and an error wrapping
// ErrConnect is returned. Connect only returns the context error if the
// context is done before dialing.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	wait := time.Until(c.deadline)
	attempt := c.failures + 1
	c.mu.Unlock()

	if wait > 0 {
		c.opts.Logger.Debugf("cooling down for %v", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = Connecting
	c.mu.Unlock()

	// Frames in flight on the old connection are lost.
	c.readMu.Lock()
	c.demux.Reset()
	c.readMu.Unlock()

	dialer := net.Dialer{
		Timeout:   c.opts.ConnectTimeout(attempt),
		KeepAlive: -1,
	}
	conn, err := dialer.DialContext(ctx, "tcp", c.Address())
	if err != nil {
		return c.connectFailed(conn, "dial", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := setKeepAlive(tcpConn, c.opts.KeepAlive); err != nil {
			c.opts.Logger.Warnf("configuring keepalive: %v", err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.state = Connected
	c.conn = conn
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	login, err := frame.Login(c.opts.Credential)
	if err != nil {
		return c.connectFailed(conn, "login", err)
	}
	if err := c.write(conn, login); err != nil {
		return c.connectFailed(conn, "login", err)
	}
	c.mu.Lock()
	if c.gen == gen && c.conn != nil {
		c.state = Authenticated
	}
	c.mu.Unlock()

	pinger := pingpong.New(pingpong.DefaultOptions().
		WithLogger(c.opts.Logger).
		WithInterval(c.PingInterval).
		WithPing(func() error { return c.ping(gen) }).
		WithOnFailure(func(err error) { c.disconnect(gen, fmt.Errorf("ping: %w", err)) }))

	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		// Torn down while the credential was in flight.
		c.mu.Unlock()
		err := fmt.Errorf("%w: disconnected during login", ErrConnect)
		c.opts.Metrics.Connect(err)
		return err
	}
	c.state = Ready
	c.pinger = pinger
	c.failures = 0
	c.mu.Unlock()

	pinger.Start()
	c.opts.Metrics.Connect(nil)
	c.opts.Logger.Infof("connected to %v", c.Address())
	return nil
}

func (c *Conn) connectFailed(conn net.Conn, op string, err error) error {
	c.mu.Lock()
	if c.conn != nil && c.conn == conn {
		c.conn = nil
	}
	c.state = Disconnected
	c.failures++
	c.deadline = time.Now().Add(c.opts.Cooldown(c.failures))
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.opts.Metrics.Connect(err)
	c.opts.Logger.Warnf("%v %v: %v", op, c.Address(), cause(err))
	return fmt.Errorf("%w: %v: %v", ErrConnect, op, err)
}

// Send writes bytes to the peer. A failed write disconnects, and returns an
// error wrapping ErrSend.
func (c *Conn) Send(p []byte) error {
	c.mu.Lock()
	if c.state != Ready {
		c.mu.Unlock()
		return ErrNotReady
	}
	conn, gen := c.conn, c.gen
	c.mu.Unlock()

	if err := c.write(conn, p); err != nil {
		c.disconnect(gen, err)
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	return nil
}

// ping sends one ping on the connection of the given generation. A ping that
// belongs to a connection that is already gone is silently skipped.
func (c *Conn) ping(gen uint64) error {
	c.mu.Lock()
	if c.gen != gen || c.state != Ready {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	return c.write(conn, frame.Ping(c.opts.PingFlag))
}

func (c *Conn) write(conn net.Conn, p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err := c.opts.Encoder(conn, p)
	return err
}

// Receive does one bounded read and returns the data payloads that it
// completed, in wire order. Control frames are handled internally. When the
// read fails the connection is torn down, and an error wrapping ErrReceive is
// returned alongside any payloads that were completed by bytes read before the
// failure.
func (c *Conn) Receive() ([]json.RawMessage, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	c.mu.Lock()
	if c.state != Ready {
		c.mu.Unlock()
		return nil, ErrNotReady
	}
	conn, gen := c.conn, c.gen
	c.mu.Unlock()

	deadline := time.Time{}
	if c.opts.ReadTimeout > 0 {
		deadline = time.Now().Add(c.opts.ReadTimeout)
	}
	n, err := 0, conn.SetReadDeadline(deadline)
	if err == nil {
		n, err = c.opts.Decoder(conn, c.readBuf)
	}
	if n > 0 {
		c.opts.Metrics.BytesReceived(n)
		c.demux.Write(c.readBuf[:n])
	}
	payloads := c.resolve()

	if err != nil {
		c.disconnect(gen, err)
		return payloads, fmt.Errorf("%w: %v", ErrReceive, err)
	}
	c.mu.Lock()
	if c.gen == gen {
		c.failures = 0
	}
	c.mu.Unlock()
	return payloads, nil
}

// resolve drains the demuxer, applies control frames, and collects payloads.
func (c *Conn) resolve() []json.RawMessage {
	var payloads []json.RawMessage
	for _, f := range c.demux.Frames() {
		c.opts.Metrics.Frame(f.Tag.String(), f.Err != nil)

		switch f.Tag {
		case frame.TagLogin:
			if f.PingRate > 0 {
				c.setPingInterval(f.PingRate)
				c.opts.Logger.Infof("login reply received, ping rate is %v", f.PingRate)
				continue
			}
			c.opts.Logger.Warnf("malformed login reply: %v", f.Err)
		case frame.TagAck, frame.TagJoin:
			if f.Err != nil {
				c.opts.Logger.Warnf("dropping %v frame: %v", f.Tag, f.Err)
			}
		case frame.TagJSON:
			if f.Err != nil {
				c.opts.Logger.Warnf("dropping data frame %q: %v", f.Seq, f.Err)
				continue
			}
			payloads = append(payloads, f.Payload)
		}
	}
	return payloads
}

func (c *Conn) setPingInterval(interval time.Duration) {
	c.mu.Lock()
	c.interval = interval
	c.mu.Unlock()

	c.opts.Metrics.PingInterval(interval)
}

// Disconnect closes the socket and stops the liveness pings. It does not wait
// for I/O in progress: a blocked read or write fails and returns. The next
// Connect waits for the cooldown before dialing.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	c.disconnect(gen, nil)
}

// Close disconnects and prevents any further connections.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	gen := c.gen
	c.mu.Unlock()

	c.disconnect(gen, nil)
	return nil
}

// disconnect tears down the connection of the given generation. It does
// nothing if that connection has already been torn down, so a late failure
// from an old connection cannot affect a newer one.
func (c *Conn) disconnect(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn, pinger := c.conn, c.pinger
	c.conn, c.pinger = nil, nil
	c.state = Disconnected
	if err != nil {
		c.failures++
	}
	c.deadline = time.Now().Add(c.opts.Cooldown(c.failures))
	c.mu.Unlock()

	if pinger != nil {
		pinger.Stop()
	}
	if closeErr := conn.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		c.opts.Logger.Debugf("closing connection: %v", closeErr)
	}
	c.opts.Metrics.Disconnect()
	if err != nil {
		c.opts.Logger.Warnf("disconnected from %v: %v (%v)", c.Address(), cause(err), err)
		return
	}
	c.opts.Logger.Infof("disconnected from %v", c.Address())
}

// cause names the socket failure for logs.
func cause(err error) string {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, io.EOF):
		return "connection broken"
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return "connection reset"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused"
	case errors.Is(err, net.ErrClosed), errors.Is(err, syscall.EBADF):
		return "bad file descriptor"
	default:
		return "error"
	}
}
