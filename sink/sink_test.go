package sink_test

import (
	"context"
	"errors"
	"time"

	"github.com/renproject/feed/sink"
	"github.com/renproject/kv"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Sink", func() {
	Context("when a result is resolved", func() {
		It("should be ready and return its outcome", func() {
			r := sink.Resolved("1-0", nil)
			Eventually(r.Ready()).Should(BeClosed())
			id, err := r.Get(context.Background())
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(Equal("1-0"))
		})

		It("should return the error", func() {
			r := sink.Resolved("", sink.ErrClosed)
			_, err := r.Get(context.Background())
			Expect(err).To(Equal(sink.ErrClosed))
		})
	})

	Context("when publishing to memory", func() {
		It("should record messages in order", func() {
			memory := sink.NewMemory()
			ctx := context.Background()
			for _, data := range []string{`{"a":1}`, `{"b":2}`} {
				_, err := memory.Publish(ctx, "telemetry", []byte(data)).Get(ctx)
				Expect(err).ToNot(HaveOccurred())
			}
			Expect(memory.Messages()).To(Equal([]sink.Message{
				{Topic: "telemetry", Data: []byte(`{"a":1}`)},
				{Topic: "telemetry", Data: []byte(`{"b":2}`)},
			}))
		})

		It("should fail when told to, and after closing", func() {
			memory := sink.NewMemory()
			ctx := context.Background()
			failure := errors.New("unavailable")
			memory.Fail(failure)
			_, err := memory.Publish(ctx, "telemetry", []byte(`{}`)).Get(ctx)
			Expect(err).To(Equal(failure))

			memory.Fail(nil)
			Expect(memory.Close()).To(Succeed())
			_, err = memory.Publish(ctx, "telemetry", []byte(`{}`)).Get(ctx)
			Expect(err).To(Equal(sink.ErrClosed))
			Expect(memory.Messages()).To(BeEmpty())
		})
	})

	Context("when de-duplicating", func() {
		It("should only forward a payload once per topic", func() {
			memory := sink.NewMemory()
			table := kv.NewMemDB(kv.JSONCodec).Table("digests")
			publisher := sink.Dedup(memory, table, sink.DefaultDedupOptions())
			ctx := context.Background()

			_, err := publisher.Publish(ctx, "telemetry", []byte(`{"a":1}`)).Get(ctx)
			Expect(err).ToNot(HaveOccurred())
			_, err = publisher.Publish(ctx, "telemetry", []byte(`{"a":1}`)).Get(ctx)
			Expect(err).To(Equal(sink.ErrDuplicate))
			_, err = publisher.Publish(ctx, "other", []byte(`{"a":1}`)).Get(ctx)
			Expect(err).ToNot(HaveOccurred())

			Expect(memory.Messages()).To(HaveLen(2))
		})

		It("should publish payloads again after they failed to publish", func() {
			memory := sink.NewMemory()
			table := kv.NewMemDB(kv.JSONCodec).Table("digests")
			publisher := sink.Dedup(memory, table, sink.DefaultDedupOptions())
			ctx := context.Background()

			memory.Fail(errors.New("unavailable"))
			_, err := publisher.Publish(ctx, "telemetry", []byte(`{"a":1}`)).Get(ctx)
			Expect(err).To(HaveOccurred())

			memory.Fail(nil)
			Eventually(func() error {
				_, err := publisher.Publish(ctx, "telemetry", []byte(`{"a":1}`)).Get(ctx)
				return err
			}).Should(Succeed())
			Expect(memory.Messages()).To(HaveLen(1))

			n, err := table.Size()
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(1))
		})

		It("should publish a repeated payload once its window has passed", func() {
			memory := sink.NewMemory()
			table := kv.NewMemDB(kv.JSONCodec).Table("digests")
			publisher := sink.Dedup(memory, table, sink.DefaultDedupOptions().WithWindow(50*time.Millisecond))
			ctx := context.Background()

			_, err := publisher.Publish(ctx, "telemetry", []byte(`{"a":1}`)).Get(ctx)
			Expect(err).ToNot(HaveOccurred())
			_, err = publisher.Publish(ctx, "telemetry", []byte(`{"a":1}`)).Get(ctx)
			Expect(err).To(Equal(sink.ErrDuplicate))

			time.Sleep(100 * time.Millisecond)
			_, err = publisher.Publish(ctx, "telemetry", []byte(`{"a":1}`)).Get(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(memory.Messages()).To(HaveLen(2))

			n, err := table.Size()
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(1))
		})

		It("should evict the oldest digest when full", func() {
			memory := sink.NewMemory()
			table := kv.NewMemDB(kv.JSONCodec).Table("digests")
			publisher := sink.Dedup(memory, table, sink.DefaultDedupOptions().WithCapacity(2))
			ctx := context.Background()

			for _, data := range []string{`{"a":1}`, `{"b":2}`, `{"c":3}`} {
				_, err := publisher.Publish(ctx, "telemetry", []byte(data)).Get(ctx)
				Expect(err).ToNot(HaveOccurred())
			}
			n, err := table.Size()
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(2))

			// The first payload has been evicted, the last has not.
			_, err = publisher.Publish(ctx, "telemetry", []byte(`{"a":1}`)).Get(ctx)
			Expect(err).ToNot(HaveOccurred())
			_, err = publisher.Publish(ctx, "telemetry", []byte(`{"c":3}`)).Get(ctx)
			Expect(err).To(Equal(sink.ErrDuplicate))

			n, err = table.Size()
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(2))
		})

		It("should fail when the table cannot be read", func() {
			memory := sink.NewMemory()
			table := unreadableTable{kv.NewMemDB(kv.JSONCodec).Table("digests")}
			publisher := sink.Dedup(memory, table, sink.DefaultDedupOptions())
			ctx := context.Background()

			_, err := publisher.Publish(ctx, "telemetry", []byte(`{"a":1}`)).Get(ctx)
			Expect(err).To(Equal(errUnreadable))
			Expect(memory.Messages()).To(BeEmpty())
		})

		It("should digest the topic and the data", func() {
			Expect(sink.Digest("a", []byte("bc"))).ToNot(Equal(sink.Digest("ab", []byte("c"))))
			Expect(sink.Digest("a", []byte("b"))).To(Equal(sink.Digest("a", []byte("b"))))
		})
	})
})

var errUnreadable = errors.New("unreadable")

type unreadableTable struct {
	kv.Table
}

func (unreadableTable) Get(string, interface{}) error {
	return errUnreadable
}
