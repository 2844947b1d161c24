package sink

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/renproject/kv"
	kvdb "github.com/renproject/kv/db"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"
)

var (
	DefaultDedupCapacity = 4096
	DefaultDedupWindow   = time.Minute
)

// Digest of a payload published to a topic.
func Digest(topic string, data []byte) [32]byte {
	h := sha3.New256()
	h.Write([]byte(topic))
	h.Write([]byte{0})
	h.Write(data)

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// DedupOptions bound the digests remembered by a de-duplicating Publisher.
type DedupOptions struct {
	Logger logrus.FieldLogger

	// Capacity is the most digests remembered at once. When it is reached,
	// the oldest digest is forgotten.
	Capacity int
	// Window is how long a digest is remembered. A payload repeated after
	// the window is published again.
	Window time.Duration
}

func DefaultDedupOptions() DedupOptions {
	return DedupOptions{
		Logger: logrus.New().
			WithField("lib", "feed").
			WithField("pkg", "sink").
			WithField("com", "dedup"),
		Capacity: DefaultDedupCapacity,
		Window:   DefaultDedupWindow,
	}
}

func (opts DedupOptions) WithLogger(logger logrus.FieldLogger) DedupOptions {
	opts.Logger = logger
	return opts
}

func (opts DedupOptions) WithCapacity(capacity int) DedupOptions {
	opts.Capacity = capacity
	return opts
}

func (opts DedupOptions) WithWindow(window time.Duration) DedupOptions {
	opts.Window = window
	return opts
}

type dedup struct {
	opts DedupOptions
	next Publisher

	mu    *sync.Mutex
	table kv.Table
	// order holds the remembered keys, oldest first, as a ring.
	order []string
	head  int
	size  int
}

// Dedup returns a Publisher that drops a payload if the same payload was
// published to the same topic within the window. Digests are kept in the table
// together with the time they were inserted. A payload that fails to publish is
// expired, so that it can be published again.
func Dedup(next Publisher, table kv.Table, opts DedupOptions) Publisher {
	defaults := DefaultDedupOptions()
	if opts.Logger == nil {
		opts.Logger = defaults.Logger
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaults.Capacity
	}
	if opts.Window <= 0 {
		opts.Window = defaults.Window
	}
	return &dedup{
		opts: opts,
		next: next,

		mu:    new(sync.Mutex),
		table: table,
		order: make([]string, opts.Capacity),
	}
}

func (d *dedup) Publish(ctx context.Context, topic string, data []byte) *Result {
	digest := Digest(topic, data)
	key := hex.EncodeToString(digest[:])
	now := time.Now()

	d.mu.Lock()
	seen, err := d.seen(key, now)
	if err != nil {
		d.mu.Unlock()
		return Resolved("", err)
	}
	if seen {
		d.mu.Unlock()
		return Resolved("", ErrDuplicate)
	}
	if err := d.remember(key, now); err != nil {
		d.mu.Unlock()
		return Resolved("", err)
	}
	d.mu.Unlock()

	r := d.next.Publish(ctx, topic, data)
	go func() {
		<-r.Ready()
		if r.err != nil {
			d.mu.Lock()
			d.expire(key)
			d.mu.Unlock()
		}
	}()
	return r
}

// seen returns true if the key was inserted within the window.
func (d *dedup) seen(key string, now time.Time) (bool, error) {
	var inserted int64
	if err := d.table.Get(key, &inserted); err != nil {
		if err == kvdb.ErrKeyNotFound {
			return false, nil
		}
		return false, err
	}
	return now.Sub(time.Unix(0, inserted)) < d.opts.Window, nil
}

// remember inserts the key, evicting the oldest key when the table is full.
// A key that is already in the ring, because its window expired, keeps its
// slot.
func (d *dedup) remember(key string, now time.Time) error {
	var inserted int64
	known := d.table.Get(key, &inserted) == nil
	if !known && d.size == len(d.order) {
		d.forget(d.order[d.head])
		d.head = (d.head + 1) % len(d.order)
		d.size--
	}
	if err := d.table.Insert(key, now.UnixNano()); err != nil {
		return err
	}
	if !known {
		d.order[(d.head+d.size)%len(d.order)] = key
		d.size++
	}
	return nil
}

// expire keeps the key in the table, but outside of the window. Keys that have
// already been evicted are left alone.
func (d *dedup) expire(key string) {
	var inserted int64
	if err := d.table.Get(key, &inserted); err != nil {
		return
	}
	if err := d.table.Insert(key, int64(0)); err != nil {
		d.opts.Logger.Warnf("expiring digest %v: %v", key, err)
	}
}

func (d *dedup) forget(key string) {
	if err := d.table.Delete(key); err != nil && err != kvdb.ErrKeyNotFound {
		d.opts.Logger.Warnf("forgetting digest %v: %v", key, err)
	}
}
