// Package feed forwards telemetry from a peer to a message queue. A Feed keeps
// a session with the peer alive for as long as it runs, and publishes every
// payload it receives.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/renproject/feed/session"
	"github.com/renproject/feed/sink"
	"github.com/renproject/phi"
)

type (
	Conn       = session.Conn
	Credential = session.Credential
	Publisher  = sink.Publisher
	Result     = sink.Result
)

// A Receiver is the session that a Feed drives. It is implemented by
// *session.Conn.
type Receiver interface {
	Connect(ctx context.Context) error
	Receive() ([]json.RawMessage, error)
	Close() error
}

// Envelope wraps a payload for publishing. The payload is carried as a string,
// so that consumers receive it exactly as the peer sent it.
func Envelope(payload json.RawMessage) ([]byte, error) {
	return json.Marshal(struct {
		Data string `json:"data"`
	}{
		Data: string(payload),
	})
}

// A Feed is the loop that connects, receives, and publishes.
type Feed struct {
	opts      Options
	conn      Receiver
	publisher sink.Publisher

	pending *sync.WaitGroup
}

func New(opts Options, conn Receiver, publisher sink.Publisher) *Feed {
	defaults := DefaultOptions()
	if opts.Logger == nil {
		opts.Logger = defaults.Logger
	}
	if opts.Topic == "" {
		opts.Topic = defaults.Topic
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaults.PublishTimeout
	}
	return &Feed{
		opts:      opts,
		conn:      conn,
		publisher: publisher,

		pending: new(sync.WaitGroup),
	}
}

// Run until the context is done. Connection failures and receive failures are
// logged and retried forever. When the context is done, the session is closed
// out-of-band, which unblocks a receive in progress. Run waits for the results
// of every publish before it returns.
func (feed *Feed) Run(ctx context.Context) error {
	defer feed.pending.Wait()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if err := feed.conn.Close(); err != nil {
				feed.opts.Logger.Errorf("closing session: %v", err)
			}
		case <-done:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := feed.conn.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, session.ErrClosed) {
				return err
			}
			feed.opts.Logger.Debugf("connecting: %v", err)
			continue
		}

		payloads, err := feed.conn.Receive()
		feed.publish(payloads)
		if err != nil {
			feed.opts.Logger.Debugf("receiving: %v", err)
		}
	}
}

// publish the payloads of one receive. Payloads are published even when Run's
// context is already done, so that nothing read from the peer is lost; the
// batch is bounded by the publish timeout instead.
func (feed *Feed) publish(payloads []json.RawMessage) {
	if len(payloads) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), feed.opts.PublishTimeout)
	results := make([]*sink.Result, 0, len(payloads))
	for _, payload := range payloads {
		data, err := Envelope(payload)
		if err != nil {
			feed.opts.Logger.Errorf("wrapping payload: %v", err)
			feed.opts.Metrics.Publish("failure")
			continue
		}
		results = append(results, feed.publisher.Publish(ctx, feed.opts.Topic, data))
	}

	feed.pending.Add(1)
	go func() {
		defer feed.pending.Done()
		defer cancel()
		feed.await(ctx, results)
	}()
}

// await the results of one batch. Failures are surfaced in the logs and the
// metrics; they are not retried.
func (feed *Feed) await(ctx context.Context, results []*sink.Result) {
	phi.ParForAll(len(results), func(i int) {
		_, err := results[i].Get(ctx)
		switch {
		case err == nil:
			feed.opts.Metrics.Publish("success")
		case errors.Is(err, sink.ErrDuplicate):
			feed.opts.Metrics.Publish("duplicate")
			feed.opts.Logger.Debugf("skipping duplicate payload")
		default:
			feed.opts.Metrics.Publish("failure")
			feed.opts.Logger.Errorf("publishing to %v: %v", feed.opts.Topic, err)
		}
	})
}
