package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Mode selects how payloads are delivered to Redis.
type Mode uint8

const (
	// ModeStream appends every payload to a stream named after the topic.
	// The result identifier is the stream entry ID.
	ModeStream Mode = iota
	// ModePubSub publishes every payload to a channel named after the topic.
	// The result identifier is the number of subscribers that received it.
	ModePubSub
)

var (
	DefaultQueueSize = 1024
	DefaultMaxBatch  = 64
	DefaultTimeout   = 5 * time.Second
)

// RedisOptions for parameterizing the behaviour of a Redis publisher.
type RedisOptions struct {
	Logger logrus.FieldLogger

	Addr     string
	Password string
	DB       int

	Mode Mode
	// MaxLen trims streams to roughly this many entries. Zero never trims.
	MaxLen int64

	// QueueSize bounds the payloads waiting to be sent. Publish blocks while
	// the queue is full.
	QueueSize int
	// MaxBatch bounds the payloads sent in one pipeline.
	MaxBatch int
	// Timeout bounds each pipeline round trip.
	Timeout time.Duration
}

func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Logger: logrus.New().
			WithField("lib", "feed").
			WithField("pkg", "sink").
			WithField("com", "redis"),
		Addr:      "127.0.0.1:6379",
		Mode:      ModeStream,
		QueueSize: DefaultQueueSize,
		MaxBatch:  DefaultMaxBatch,
		Timeout:   DefaultTimeout,
	}
}

func (opts RedisOptions) WithLogger(logger logrus.FieldLogger) RedisOptions {
	opts.Logger = logger
	return opts
}

func (opts RedisOptions) WithAddr(addr string) RedisOptions {
	opts.Addr = addr
	return opts
}

func (opts RedisOptions) WithMode(mode Mode) RedisOptions {
	opts.Mode = mode
	return opts
}

func (opts RedisOptions) WithMaxLen(maxLen int64) RedisOptions {
	opts.MaxLen = maxLen
	return opts
}

type job struct {
	topic  string
	data   []byte
	result *Result
}

// Redis publishes payloads to Redis. Payloads are sent in order, batched into
// pipelines by a single background worker.
type Redis struct {
	opts   RedisOptions
	client *redis.Client

	mu     *sync.RWMutex
	closed bool
	queue  chan job
	done   chan struct{}
}

// NewRedis connects to Redis and starts the worker. The server must answer a
// ping before NewRedis returns.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisFromClient(client, opts), nil
}

// NewRedisFromClient starts a worker that publishes with an existing client.
// Closing the publisher closes the client.
func NewRedisFromClient(client *redis.Client, opts RedisOptions) *Redis {
	defaults := DefaultRedisOptions()
	if opts.Logger == nil {
		opts.Logger = defaults.Logger
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaults.QueueSize
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = defaults.MaxBatch
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}

	r := &Redis{
		opts:   opts,
		client: client,

		mu:    new(sync.RWMutex),
		queue: make(chan job, opts.QueueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Publish queues the data. It blocks while the queue is full, until the
// context is done.
func (r *Redis) Publish(ctx context.Context, topic string, data []byte) *Result {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return Resolved("", ErrClosed)
	}
	j := job{topic: topic, data: data, result: newResult()}
	select {
	case <-ctx.Done():
		return Resolved("", ctx.Err())
	case r.queue <- j:
		return j.result
	}
}

// Close stops accepting payloads, waits for queued payloads to be sent, and
// closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	return r.client.Close()
}

func (r *Redis) run() {
	defer close(r.done)

	batch := make([]job, 0, r.opts.MaxBatch)
	for j := range r.queue {
		batch = append(batch[:0], j)
	drain:
		for len(batch) < r.opts.MaxBatch {
			select {
			case j, ok := <-r.queue:
				if !ok {
					break drain
				}
				batch = append(batch, j)
			default:
				break drain
			}
		}
		r.send(batch)
	}
}

func (r *Redis) send(batch []job) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
	defer cancel()

	pipe := r.client.Pipeline()
	ids := make([]func() (string, error), len(batch))
	for i, j := range batch {
		switch r.opts.Mode {
		case ModePubSub:
			cmd := pipe.Publish(ctx, j.topic, j.data)
			ids[i] = func() (string, error) {
				n, err := cmd.Result()
				return strconv.FormatInt(n, 10), err
			}
		default:
			cmd := pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: j.topic,
				MaxLen: r.opts.MaxLen,
				Approx: r.opts.MaxLen > 0,
				Values: map[string]interface{}{"data": j.data},
			})
			ids[i] = cmd.Result
		}
	}

	// Exec reports the first failure, but every command carries its own.
	if _, err := pipe.Exec(ctx); err != nil {
		r.opts.Logger.Warnf("sending %v payloads: %v", len(batch), err)
	}
	for i, j := range batch {
		j.result.resolve(ids[i]())
	}
}
