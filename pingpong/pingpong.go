// Package pingpong schedules the liveness pings that keep a session with the
// telemetry peer alive. A Pinger is bound to the lifetime of one connection:
// it is started once the connection is ready, and stopped when the connection
// is torn down.
package pingpong

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultInterval is used when the interval function returns a non-positive
// duration.
var DefaultInterval = 20 * time.Second

// Options for parameterizing the behaviour of a Pinger.
type Options struct {
	Logger logrus.FieldLogger

	// Interval is read before every re-arm, so a change made between two
	// firings is picked up by the next one.
	Interval func() time.Duration
	// Ping sends one ping. It is never called concurrently with itself.
	Ping func() error
	// OnFailure is called, at most once, when Ping returns an error. The
	// Pinger has already stopped itself by then.
	OnFailure func(error)
}

// DefaultOptions returns Options that ping every DefaultInterval, but do not
// send anything. Callers are expected to set Ping.
func DefaultOptions() Options {
	return Options{
		Logger: logrus.New().
			WithField("lib", "feed").
			WithField("pkg", "pingpong").
			WithField("com", "pinger"),
		Interval:  func() time.Duration { return DefaultInterval },
		Ping:      func() error { return nil },
		OnFailure: func(error) {},
	}
}

// WithLogger sets the logger.
func (opts Options) WithLogger(logger logrus.FieldLogger) Options {
	opts.Logger = logger
	return opts
}

// WithInterval sets the function that returns the time to wait before the
// next ping.
func (opts Options) WithInterval(interval func() time.Duration) Options {
	opts.Interval = interval
	return opts
}

// WithPing sets the function that sends a ping.
func (opts Options) WithPing(ping func() error) Options {
	opts.Ping = ping
	return opts
}

// WithOnFailure sets the function called when a ping cannot be sent.
func (opts Options) WithOnFailure(onFailure func(error)) Options {
	opts.OnFailure = onFailure
	return opts
}

// A Pinger fires Ping on a timer that is re-armed only after the previous
// firing has returned, so a slow send can never cause two pings to overlap.
// Once stopped, a Pinger cannot be restarted; create a new one for the next
// connection.
type Pinger struct {
	opts Options

	mu      *sync.Mutex
	timer   *time.Timer
	started bool
	stopped bool
	fired   uint64
}

// New returns a Pinger that has not been started.
func New(opts Options) *Pinger {
	if opts.Logger == nil {
		opts.Logger = DefaultOptions().Logger
	}
	if opts.Interval == nil {
		opts.Interval = func() time.Duration { return DefaultInterval }
	}
	if opts.Ping == nil {
		opts.Ping = func() error { return nil }
	}
	if opts.OnFailure == nil {
		opts.OnFailure = func(error) {}
	}
	return &Pinger{
		opts: opts,
		mu:   new(sync.Mutex),
	}
}

// Start arms the first ping. Calling Start more than once, or after Stop, has
// no effect.
func (pinger *Pinger) Start() {
	pinger.mu.Lock()
	defer pinger.mu.Unlock()

	if pinger.started || pinger.stopped {
		return
	}
	pinger.started = true
	pinger.armLocked()
}

// Stop cancels the next ping. A ping that is already in flight completes,
// but does not re-arm. Stop is idempotent.
func (pinger *Pinger) Stop() {
	pinger.mu.Lock()
	defer pinger.mu.Unlock()

	pinger.stopped = true
	if pinger.timer != nil {
		pinger.timer.Stop()
	}
}

// Stopped returns true once the Pinger has been stopped, either explicitly or
// because a ping failed.
func (pinger *Pinger) Stopped() bool {
	pinger.mu.Lock()
	defer pinger.mu.Unlock()

	return pinger.stopped
}

// Fired returns the number of pings that have been sent successfully.
func (pinger *Pinger) Fired() uint64 {
	pinger.mu.Lock()
	defer pinger.mu.Unlock()

	return pinger.fired
}

func (pinger *Pinger) armLocked() {
	interval := pinger.opts.Interval()
	if interval <= 0 {
		interval = DefaultInterval
	}
	pinger.timer = time.AfterFunc(interval, pinger.fire)
}

func (pinger *Pinger) fire() {
	pinger.mu.Lock()
	if pinger.stopped {
		pinger.mu.Unlock()
		return
	}
	pinger.mu.Unlock()

	// The lock is not held while sending, so Stop never waits on the network.
	if err := pinger.opts.Ping(); err != nil {
		pinger.mu.Lock()
		pinger.stopped = true
		pinger.mu.Unlock()

		pinger.opts.Logger.Warnf("ping: %v", err)
		pinger.opts.OnFailure(err)
		return
	}

	pinger.mu.Lock()
	defer pinger.mu.Unlock()

	pinger.fired++
	if !pinger.stopped {
		pinger.armLocked()
	}
}
