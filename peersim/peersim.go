// Package peersim implements a scripted telemetry peer. It accepts one client
// at a time, answers the login with a ping rate, streams a script of chunks,
// and acknowledges every liveness ping. It is used by tests to drive the
// session end to end, and by cmd/peersim to replay sample data.
package peersim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/renproject/feed/codec"
	"github.com/renproject/feed/policy"
	"github.com/renproject/feed/tcp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrBadLogin is reported when a client does not open with a login frame.
var ErrBadLogin = errors.New("bad login")

var (
	DefaultPingRate  = "20"
	DefaultFlag      = "n"
	DefaultRateLimit = rate.Limit(1)
)

// Options for parameterizing the behaviour of a Peer.
type Options struct {
	Logger logrus.FieldLogger

	// PingRate is sent in the login reply. An empty rate sends a reply
	// without one.
	PingRate string
	Flag     string
	// SkipLoginReply suppresses the login reply.
	SkipLoginReply bool

	// Script is written to every client, one chunk per write, after the
	// login reply.
	Script        [][]byte
	ChunkInterval time.Duration
	// Repeat replays the script until the client goes away.
	Repeat bool
	// DropAfter closes the connection after that many chunks. Zero never
	// drops.
	DropAfter int
	// AckEvery writes an unsolicited ack after that many chunks. Zero never
	// writes one.
	AckEvery int

	Allow policy.Allow
}

// DefaultOptions returns Options that accept one client at a time and send an
// empty script.
func DefaultOptions() Options {
	return Options{
		Logger: logrus.New().
			WithField("lib", "feed").
			WithField("pkg", "peersim").
			WithField("com", "peer"),
		PingRate: DefaultPingRate,
		Flag:     DefaultFlag,
		Allow: policy.All(
			policy.Max(1),
			policy.Any(policy.Loopback(), policy.RateLimit(DefaultRateLimit, 10, 64)),
		),
	}
}

func (opts Options) WithLogger(logger logrus.FieldLogger) Options {
	opts.Logger = logger
	return opts
}

func (opts Options) WithPingRate(pingRate string) Options {
	opts.PingRate = pingRate
	return opts
}

func (opts Options) WithSkipLoginReply(skip bool) Options {
	opts.SkipLoginReply = skip
	return opts
}

func (opts Options) WithScript(script ...[]byte) Options {
	opts.Script = script
	return opts
}

func (opts Options) WithChunkInterval(interval time.Duration) Options {
	opts.ChunkInterval = interval
	return opts
}

func (opts Options) WithRepeat(repeat bool) Options {
	opts.Repeat = repeat
	return opts
}

func (opts Options) WithDropAfter(n int) Options {
	opts.DropAfter = n
	return opts
}

func (opts Options) WithAckEvery(n int) Options {
	opts.AckEvery = n
	return opts
}

func (opts Options) WithAllow(allow policy.Allow) Options {
	opts.Allow = allow
	return opts
}

// A Peer serves the script to connecting clients and records what they send.
type Peer struct {
	opts Options

	mu          *sync.Mutex
	credentials []json.RawMessage
	pings       []time.Time
	conns       int
}

func New(opts Options) *Peer {
	if opts.Logger == nil {
		opts.Logger = DefaultOptions().Logger
	}
	if opts.Flag == "" {
		opts.Flag = DefaultFlag
	}
	return &Peer{
		opts: opts,
		mu:   new(sync.Mutex),
	}
}

// Listen on the address until the context is done.
func (peer *Peer) Listen(ctx context.Context, address string) error {
	return tcp.Listen(ctx, address, peer.handler(ctx), peer.handleErr, peer.opts.Allow)
}

// Serve connections from the listener until the context is done. The listener
// is closed when the context is done.
func (peer *Peer) Serve(ctx context.Context, listener net.Listener) error {
	return tcp.ListenWithListener(ctx, listener, peer.handler(ctx), peer.handleErr, peer.opts.Allow)
}

// Credentials returns the credentials received so far, one per connection.
func (peer *Peer) Credentials() []json.RawMessage {
	peer.mu.Lock()
	defer peer.mu.Unlock()

	credentials := make([]json.RawMessage, len(peer.credentials))
	copy(credentials, peer.credentials)
	return credentials
}

// Pings returns the arrival times of the liveness pings received so far.
func (peer *Peer) Pings() []time.Time {
	peer.mu.Lock()
	defer peer.mu.Unlock()

	pings := make([]time.Time, len(peer.pings))
	copy(pings, peer.pings)
	return pings
}

// Connections returns the number of clients that have logged in.
func (peer *Peer) Connections() int {
	peer.mu.Lock()
	defer peer.mu.Unlock()

	return peer.conns
}

func (peer *Peer) handleErr(err error) {
	peer.opts.Logger.Debugf("listen: %v", err)
}

func (peer *Peer) handler(ctx context.Context) func(net.Conn) {
	return func(conn net.Conn) {
		if err := peer.handle(ctx, conn); err != nil {
			peer.opts.Logger.Debugf("serving %v: %v", conn.RemoteAddr(), err)
		}
	}
}

func (peer *Peer) handle(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	r, err := peer.login(conn)
	if err != nil {
		return err
	}

	writeMu := new(sync.Mutex)
	write := func(p []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err := codec.PlainEncoder(conn, p)
		return err
	}

	if !peer.opts.SkipLoginReply {
		reply, err := peer.loginReply()
		if err != nil {
			return err
		}
		if err := write(reply); err != nil {
			return err
		}
	}

	readErr := make(chan error, 1)
	go func() {
		defer cancel()
		readErr <- peer.ack(r, write)
	}()

	if err := peer.stream(ctx, write); err != nil {
		return err
	}
	return <-readErr
}

// login reads the login frame and the credential that follows it. It returns
// a reader for everything after the credential.
func (peer *Peer) login(conn net.Conn) (io.Reader, error) {
	prefix := make([]byte, len("LOGIN:::"))
	if _, err := codec.PlainDecoder(conn, prefix); err != nil {
		return nil, err
	}
	if string(prefix) != "LOGIN:::" {
		return nil, fmt.Errorf("%w: unexpected prefix %q", ErrBadLogin, prefix)
	}
	dec := json.NewDecoder(conn)
	var credential json.RawMessage
	if err := dec.Decode(&credential); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadLogin, err)
	}

	peer.mu.Lock()
	peer.credentials = append(peer.credentials, credential)
	peer.conns++
	peer.mu.Unlock()

	return io.MultiReader(dec.Buffered(), conn), nil
}

func (peer *Peer) loginReply() ([]byte, error) {
	reply := map[string]string{}
	if peer.opts.PingRate != "" {
		reply["pingRate"] = peer.opts.PingRate
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return nil, err
	}
	return append([]byte("LOGIN:"+peer.opts.Flag+"+::"), data...), nil
}

// ack answers every liveness ping until the client goes away.
func (peer *Peer) ack(r io.Reader, write func([]byte) error) error {
	buf := make([]byte, 1024)
	var pending []byte
	for {
		n, err := r.Read(buf)
		pending = append(pending, buf[:n]...)
		for {
			start := bytes.Index(pending, []byte("PING:"))
			if start < 0 {
				break
			}
			end := bytes.Index(pending[start:], []byte("::"))
			if end < 0 {
				break
			}
			flag := string(pending[start+len("PING:") : start+end])
			pending = pending[start+end+len("::"):]

			peer.mu.Lock()
			peer.pings = append(peer.pings, time.Now())
			peer.mu.Unlock()

			if flag == "" {
				flag = peer.opts.Flag
			}
			if err := write([]byte("ACK:" + flag + "+::")); err != nil {
				return err
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// stream writes the script. It returns once the script is done, or the
// connection has been dropped.
func (peer *Peer) stream(ctx context.Context, write func([]byte) error) error {
	sent := 0
	for {
		for _, chunk := range peer.opts.Script {
			if err := write(chunk); err != nil {
				return err
			}
			sent++
			if peer.opts.AckEvery > 0 && sent%peer.opts.AckEvery == 0 {
				if err := write([]byte("ACK:" + peer.opts.Flag + "+::")); err != nil {
					return err
				}
			}
			if peer.opts.DropAfter > 0 && sent >= peer.opts.DropAfter {
				return errDropped
			}
			if peer.opts.ChunkInterval > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(peer.opts.ChunkInterval):
				}
			}
		}
		if !peer.opts.Repeat || len(peer.opts.Script) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

var errDropped = errors.New("dropped")
