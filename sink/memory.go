package sink

import (
	"context"
	"strconv"
	"sync"
)

// A Message is a payload recorded by a Memory publisher.
type Message struct {
	Topic string
	Data  []byte
}

// Memory records every payload it is given. It is used for dry runs and tests.
type Memory struct {
	mu       *sync.Mutex
	messages []Message
	err      error
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{mu: new(sync.Mutex)}
}

// Publish records a copy of the data. The identifier is the index of the
// message.
func (memory *Memory) Publish(ctx context.Context, topic string, data []byte) *Result {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	if memory.closed {
		return Resolved("", ErrClosed)
	}
	if memory.err != nil {
		return Resolved("", memory.err)
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	memory.messages = append(memory.messages, Message{Topic: topic, Data: copied})
	return Resolved(strconv.Itoa(len(memory.messages)-1), nil)
}

// Fail makes every later publish fail with the error. A nil error restores
// normal behaviour.
func (memory *Memory) Fail(err error) {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	memory.err = err
}

// Messages returns the recorded messages in publish order.
func (memory *Memory) Messages() []Message {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	messages := make([]Message, len(memory.messages))
	copy(messages, memory.messages)
	return messages
}

func (memory *Memory) Close() error {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	memory.closed = true
	return nil
}
