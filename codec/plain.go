package codec

import (
	"io"
)

// PlainEncoder writes data directly to the IO writer without modification. The
// entire buffer is written, or an error is returned.
func PlainEncoder(w io.Writer, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := w.Write(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.ErrShortWrite
		}
	}
	return n, nil
}

// PlainDecoder reads data directly from the IO reader without modification. The
// entire buffer will be filled by reading data from the IO reader. This means
// that the buffer must be of the right length with respect to the data that is
// being read.
func PlainDecoder(r io.Reader, buf []byte) (int, error) {
	return io.ReadFull(r, buf)
}

// StreamDecoder performs exactly one read from the IO reader. It returns as
// soon as any bytes are available, so the buffer only bounds the size of a
// single read. A reader that has been closed by the remote end yields zero
// bytes and io.EOF.
func StreamDecoder(r io.Reader, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, io.ErrShortBuffer
	}
	n, err := r.Read(buf)
	if n == 0 && err == nil {
		// A well-behaved reader should not do this, but treating it as a
		// closed stream stops the caller from spinning.
		return 0, io.EOF
	}
	return n, err
}
