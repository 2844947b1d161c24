// Package sink delivers payloads to the downstream message queue. Publishing
// is asynchronous: a Publisher accepts a payload and returns a Result that is
// resolved once the queue has accepted, or rejected, it.
package sink

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned for payloads published after the Publisher has
	// been closed, or that were still queued when it was closed.
	ErrClosed = errors.New("publisher closed")
	// ErrDuplicate is returned for payloads that have already been published.
	ErrDuplicate = errors.New("duplicate payload")
)

// A Publisher hands payloads to a message queue.
type Publisher interface {
	// Publish the data to the topic. It only blocks while the Publisher is
	// applying back-pressure, and the context bounds that wait.
	Publish(ctx context.Context, topic string, data []byte) *Result
}

// A Result is the eventual outcome of a publish.
type Result struct {
	once *sync.Once
	done chan struct{}
	id   string
	err  error
}

func newResult() *Result {
	return &Result{
		once: new(sync.Once),
		done: make(chan struct{}),
	}
}

// Resolved returns a Result that is already resolved.
func Resolved(id string, err error) *Result {
	r := newResult()
	r.resolve(id, err)
	return r
}

// Ready is closed once the Result is resolved.
func (r *Result) Ready() <-chan struct{} {
	return r.done
}

// Get waits for the Result to be resolved, and returns the identifier that the
// queue assigned to the payload.
func (r *Result) Get(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.done:
		return r.id, r.err
	}
}

func (r *Result) resolve(id string, err error) {
	r.once.Do(func() {
		r.id, r.err = id, err
		close(r.done)
	})
}
