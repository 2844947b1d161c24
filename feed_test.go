package feed_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/renproject/feed"
	"github.com/renproject/feed/metrics"
	"github.com/renproject/feed/peersim"
	"github.com/renproject/feed/policy"
	"github.com/renproject/feed/session"
	"github.com/renproject/feed/sink"
	"github.com/renproject/feed/tcp"
	"github.com/renproject/kv"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// scriptedReceiver replays receive results, and fails every connect after the
// script has been exhausted.
type scriptedReceiver struct {
	mu       *sync.Mutex
	script   []receiveResult
	connects int
	closed   bool
}

type receiveResult struct {
	payloads []json.RawMessage
	err      error
}

func (r *scriptedReceiver) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connects++
	if r.closed {
		return session.ErrClosed
	}
	if len(r.script) == 0 {
		// Stands in for the cooldown of a real session.
		time.Sleep(time.Millisecond)
		return session.ErrConnect
	}
	return nil
}

func (r *scriptedReceiver) Receive() ([]json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.script) == 0 {
		return nil, session.ErrNotReady
	}
	next := r.script[0]
	r.script = r.script[1:]
	return next.payloads, next.err
}

func (r *scriptedReceiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	return nil
}

func (r *scriptedReceiver) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.closed
}

// cancellingReceiver cancels the feed's context while a receive is in
// progress.
type cancellingReceiver struct {
	*scriptedReceiver
	cancel context.CancelFunc
}

func (r cancellingReceiver) Receive() ([]json.RawMessage, error) {
	r.cancel()
	return r.scriptedReceiver.Receive()
}

// contextRecorder records the state of the context of every publish.
type contextRecorder struct {
	sink.Publisher

	mu   *sync.Mutex
	errs []error
}

func (p *contextRecorder) Publish(ctx context.Context, topic string, data []byte) *sink.Result {
	p.mu.Lock()
	p.errs = append(p.errs, ctx.Err())
	p.mu.Unlock()
	return p.Publisher.Publish(ctx, topic, data)
}

func (p *contextRecorder) Errs() []error {
	p.mu.Lock()
	defer p.mu.Unlock()

	errs := make([]error, len(p.errs))
	copy(errs, p.errs)
	return errs
}

var _ = Describe("Feed", func() {
	Context("when wrapping a payload", func() {
		It("should carry it as a string", func() {
			data, err := feed.Envelope(json.RawMessage(`{"a":1}`))
			Expect(err).ToNot(HaveOccurred())
			Expect(string(data)).To(Equal(`{"data":"{\"a\":1}"}`))
		})
	})

	Context("when receiving payloads", func() {
		It("should publish every payload in order and keep going after failures", func() {
			receiver := &scriptedReceiver{
				mu: new(sync.Mutex),
				script: []receiveResult{
					{payloads: []json.RawMessage{json.RawMessage(`{"a":1}`), json.RawMessage(`[2]`)}},
					{err: session.ErrReceive},
					{},
					{payloads: []json.RawMessage{json.RawMessage(`{"b":3}`)}, err: session.ErrReceive},
				},
			}
			memory := sink.NewMemory()
			f := feed.New(feed.DefaultOptions().WithTopic("telemetry"), receiver, memory)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			errs := make(chan error, 1)
			go func() {
				errs <- f.Run(ctx)
			}()

			Eventually(func() int { return len(memory.Messages()) }).Should(Equal(3))
			cancel()
			Eventually(errs).Should(Receive(Equal(context.Canceled)))
			Expect(receiver.Closed()).To(BeTrue())

			messages := memory.Messages()
			Expect(string(messages[0].Data)).To(Equal(`{"data":"{\"a\":1}"}`))
			Expect(string(messages[1].Data)).To(Equal(`{"data":"[2]"}`))
			Expect(string(messages[2].Data)).To(Equal(`{"data":"{\"b\":3}"}`))
			Expect(messages[0].Topic).To(Equal("telemetry"))
		})
	})

	Context("when the context is done during a receive", func() {
		It("should still publish what was received", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			receiver := cancellingReceiver{
				scriptedReceiver: &scriptedReceiver{
					mu: new(sync.Mutex),
					script: []receiveResult{
						{payloads: []json.RawMessage{json.RawMessage(`{"a":1}`), json.RawMessage(`{"b":2}`)}},
					},
				},
				cancel: cancel,
			}
			memory := sink.NewMemory()
			publisher := &contextRecorder{Publisher: memory, mu: new(sync.Mutex)}
			f := feed.New(feed.DefaultOptions(), receiver, publisher)

			Expect(f.Run(ctx)).To(Equal(context.Canceled))
			Expect(publisher.Errs()).To(Equal([]error{nil, nil}))
			Expect(memory.Messages()).To(HaveLen(2))
		})
	})

	Context("when the session is closed by someone else", func() {
		It("should stop", func() {
			receiver := &scriptedReceiver{mu: new(sync.Mutex)}
			Expect(receiver.Close()).To(Succeed())
			f := feed.New(feed.DefaultOptions(), receiver, sink.NewMemory())
			Expect(f.Run(context.Background())).To(Equal(session.ErrClosed))
		})
	})

	Context("when publishing fails", func() {
		It("should count the failures", func() {
			registry := prometheus.NewRegistry()
			m, err := metrics.New(registry)
			Expect(err).ToNot(HaveOccurred())

			receiver := &scriptedReceiver{
				mu: new(sync.Mutex),
				script: []receiveResult{
					{payloads: []json.RawMessage{json.RawMessage(`{}`), json.RawMessage(`{}`)}},
				},
			}
			memory := sink.NewMemory()
			memory.Fail(errors.New("unavailable"))
			f := feed.New(feed.DefaultOptions().WithMetrics(m), receiver, memory)

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			Expect(f.Run(ctx)).To(Equal(context.DeadlineExceeded))

			n, err := testutil.GatherAndCount(registry, "feed_publish_total")
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(1))
		})
	})

	Context("when connected to a peer", func() {
		It("should publish the peer's payloads once, across reconnects", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			listener, port, err := tcp.ListenerWithAssignedPort(ctx, net.ParseIP("127.0.0.1"))
			Expect(err).ToNot(HaveOccurred())
			peer := peersim.New(peersim.DefaultOptions().
				WithPingRate("15").
				WithAllow(nil).
				WithAckEvery(1).
				WithScript(
					[]byte(`JSON:1::{"seq":1}`),
					[]byte(`JSON:2::{"seq":2}`),
					[]byte(`JSON:3::{"seq":3}`),
					[]byte(`JSON:4::`),
				).
				WithDropAfter(4))
			go peer.Serve(ctx, listener)

			conn := session.New(session.DefaultOptions().
				WithPort(uint16(port)).
				WithCooldown(policy.ConstantTimeout(10 * time.Millisecond)).
				WithReadTimeout(time.Second))
			memory := sink.NewMemory()
			publisher := sink.Dedup(memory, kv.NewMemDB(kv.JSONCodec).Table("digests"), sink.DefaultDedupOptions())
			f := feed.New(feed.DefaultOptions(), conn, publisher)

			errs := make(chan error, 1)
			go func() {
				errs <- f.Run(ctx)
			}()

			Eventually(peer.Connections, 5*time.Second).Should(BeNumerically(">=", 3))
			Eventually(func() int { return len(memory.Messages()) }).Should(Equal(3))
			Expect(conn.PingInterval()).To(Equal(15 * time.Second))

			cancel()
			Eventually(errs).Should(Receive(Equal(context.Canceled)))
			Expect(conn.State()).To(Equal(session.Disconnected))
			Expect(memory.Messages()).To(HaveLen(3))
		})
	})
})
