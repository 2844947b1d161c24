package codec_test

import (
	"bytes"
	"io"
	"testing/iotest"

	"github.com/renproject/feed/codec"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Plain Codec", func() {
	Context("when encoding and decoding a message using a plain encoder and decoder", func() {
		It("should successfully transmit message", func() {
			var readerWriter bytes.Buffer
			data := "Hi there!"

			n, err := codec.PlainEncoder(&readerWriter, []byte(data))
			Expect(n).To(Equal(9))
			Expect(err).To(BeNil())

			var buf [4086]byte
			n, err = codec.PlainDecoder(&readerWriter, buf[:9])
			Expect(n).To(Equal(9))
			Expect(err).To(BeNil())

			Expect(string(buf[:n])).To(Equal("Hi there!"))
		})
	})

	Context("when decoding a message using a plain decoder with a buffer larger than the message", func() {
		It("should return an EOF error", func() {
			var readerWriter bytes.Buffer
			data := "Hi there!"

			n, err := codec.PlainEncoder(&readerWriter, []byte(data))
			Expect(n).To(Equal(9))
			Expect(err).To(BeNil())

			var buf [4086]byte
			n, err = codec.PlainDecoder(&readerWriter, buf[:])
			Expect(n).To(Equal(9))
			Expect(err).To(Equal(io.ErrUnexpectedEOF))

			Expect(string(buf[:n])).To(Equal("Hi there!"))
		})
	})
})

var _ = Describe("Stream Codec", func() {
	Context("when the reader has fewer bytes than the buffer", func() {
		It("should return what is available without waiting for more", func() {
			r := bytes.NewBufferString("JSON:1::{")

			var buf [2048]byte
			n, err := codec.StreamDecoder(r, buf[:])
			Expect(err).ToNot(HaveOccurred())
			Expect(string(buf[:n])).To(Equal("JSON:1::{"))
		})
	})

	Context("when the reader delivers one byte at a time", func() {
		It("should return after a single read", func() {
			r := iotest.OneByteReader(bytes.NewBufferString("ACK:n+::"))

			var buf [2048]byte
			n, err := codec.StreamDecoder(r, buf[:])
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(string(buf[:n])).To(Equal("A"))
		})
	})

	Context("when the reader is exhausted", func() {
		It("should return io.EOF", func() {
			var buf [16]byte
			n, err := codec.StreamDecoder(bytes.NewBuffer(nil), buf[:])
			Expect(n).To(Equal(0))
			Expect(err).To(Equal(io.EOF))
		})
	})

	Context("when the buffer is empty", func() {
		It("should refuse to read", func() {
			_, err := codec.StreamDecoder(bytes.NewBufferString("x"), nil)
			Expect(err).To(Equal(io.ErrShortBuffer))
		})
	})
})
