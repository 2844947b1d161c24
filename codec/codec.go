// Package codec defines the functions used to move bytes between a network
// connection and the session. The telemetry protocol is not length-prefixed;
// frame boundaries are recovered later by the frame package, so decoders here
// only ever return whatever bytes the connection has ready.
package codec

import (
	"io"
)

// An Encoder is a function that encodes a byte slice into an I/O writer. It
// returns the number of bytes written, and errors that happen.
type Encoder func(w io.Writer, buf []byte) (int, error)

// A Decoder is a function the decodes bytes from an I/O reader into a byte
// slice. It returns the number of bytes read, and errors that happen.
type Decoder func(r io.Reader, buf []byte) (int, error)
