package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"
)

// A Demuxer accumulates bytes received from the peer and resolves them into
// frames. It holds the only state that survives between reads: the pending
// bytes, the position of the head tag, and how far past the head tag the
// buffer has already been searched. Searching resumes from that position, so
// a large data frame that arrives over many reads is only scanned once.
//
// The Demuxer is not safe for concurrent use.
type Demuxer struct {
	buf []byte

	// head is the offset of the first tag in buf, or -1 if no tag has been
	// found yet. Bytes before head cannot belong to any frame and are dropped
	// when the head frame is resolved.
	head int
	tag  Tag

	// scan is the offset from which the next search begins. No tag, other
	// than the head tag, starts before it.
	scan int
}

// NewDemuxer returns an empty Demuxer.
func NewDemuxer() *Demuxer {
	return &Demuxer{head: -1}
}

// Write appends bytes to the pending buffer. It never fails.
func (d *Demuxer) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Len returns the number of pending bytes.
func (d *Demuxer) Len() int {
	return len(d.buf)
}

// Bytes returns the pending bytes. The slice is only valid until the next call
// to the Demuxer.
func (d *Demuxer) Bytes() []byte {
	return d.buf
}

// Reset drops all pending bytes.
func (d *Demuxer) Reset() {
	d.buf = d.buf[:0]
	d.head = -1
	d.tag = TagNone
	d.scan = 0
}

// Frames resolves as many frames as the pending bytes allow and returns them
// in wire order. Control frames and dropped frames are returned alongside data
// frames so that the caller can act on them; use Frame.IsData to select the
// payloads. Bytes that do not yet form a complete frame are kept.
func (d *Demuxer) Frames() []Frame {
	var frames []Frame
	for {
		f, ok := d.step()
		if !ok {
			return frames
		}
		if f.Tag != TagNone {
			frames = append(frames, f)
		}
	}
}

// step advances the state machine by one transition. It returns false when no
// transition is possible until more bytes arrive.
func (d *Demuxer) step() (Frame, bool) {
	if d.head < 0 {
		tag, at := findTag(d.buf, d.scan)
		if tag == TagNone {
			d.scan = resumeAt(len(d.buf), 0)
			return Frame{}, false
		}
		d.head, d.tag = at, tag
		d.scan = at + len(tag.Token())
	}

	if d.tag.IsControl() {
		return d.resolveHeadControl()
	}

	// The head is a data tag. It can only be resolved by the tag that follows
	// it.
	next, at := findTag(d.buf, d.scan)
	if next == TagNone {
		d.scan = resumeAt(len(d.buf), d.head+len(d.tag.Token()))
		return Frame{}, false
	}
	if next.IsControl() {
		return d.resolveInnerControl(next, at)
	}

	f := decodeData(d.buf[d.head:at])
	d.remove(0, at)
	d.head, d.tag = 0, TagJSON
	d.scan = len(TagJSON.Token())
	return f, true
}

// resolveHeadControl resolves a control frame at the head of the buffer. It
// does not need a following tag unless the frame is malformed.
func (d *Demuxer) resolveHeadControl() (Frame, bool) {
	f, n, st := parseControl(d.tag, d.buf[d.head:])
	switch st {
	case complete:
		d.remove(0, d.head+n)
		d.clearHead()
		return f, true
	case malformed:
		next, at := findTag(d.buf, d.head+len(d.tag.Token()))
		if next == TagNone {
			d.scan = resumeAt(len(d.buf), d.head+len(d.tag.Token()))
			return Frame{}, false
		}
		d.remove(0, at)
		d.clearHead()
		return f, true
	default:
		return Frame{}, false
	}
}

// resolveInnerControl splices a control frame out of the middle of a pending
// data frame, so that the data frame can still be completed by the next data
// tag.
func (d *Demuxer) resolveInnerControl(tag Tag, at int) (Frame, bool) {
	f, n, st := parseControl(tag, d.buf[at:])
	switch st {
	case complete:
		d.remove(at, at+n)
		d.scan = at
		return f, true
	case malformed:
		next, end := findTag(d.buf, at+len(tag.Token()))
		if next == TagNone {
			d.scan = at
			return Frame{}, false
		}
		d.remove(at, end)
		d.scan = at
		return f, true
	default:
		d.scan = at
		return Frame{}, false
	}
}

func (d *Demuxer) clearHead() {
	d.head = -1
	d.tag = TagNone
	d.scan = 0
}

// remove deletes buf[from:to] in place.
func (d *Demuxer) remove(from, to int) {
	n := copy(d.buf[from:], d.buf[to:])
	d.buf = d.buf[:from+n]
}

// resumeAt returns the offset from which a search should resume once the
// buffer has grown beyond n bytes. A tag that straddles n must start within
// the last maxTagLen-1 bytes.
func resumeAt(n, floor int) int {
	at := n - (maxTagLen - 1)
	if at < floor {
		return floor
	}
	return at
}

// findTag returns the earliest tag that starts at, or after, the offset. Every
// token ends with the only colon it contains, so the first colon that closes a
// token also closes the earliest token.
func findTag(buf []byte, from int) (Tag, int) {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(buf); {
		j := bytes.IndexByte(buf[i:], ':')
		if j < 0 {
			return TagNone, -1
		}
		end := i + j + 1
		for tag := TagLogin; tag <= TagJSON; tag++ {
			token := tag.Token()
			start := end - len(token)
			if start >= from && string(buf[start:end]) == token {
				return tag, start
			}
		}
		i = end
	}
	return TagNone, -1
}

type status uint8

const (
	incomplete status = iota
	complete
	malformed
)

// parseEnvelope parses "<token><flag>+::" at the start of buf.
func parseEnvelope(tag Tag, buf []byte) (string, int, status) {
	i := len(tag.Token())
	flagStart := i
	for ; i < len(buf); i++ {
		c := buf[i]
		if c == '+' {
			break
		}
		if c == ':' || i-flagStart >= maxFlagLen {
			return "", 0, malformed
		}
	}
	flag := string(buf[flagStart:i])
	for _, want := range []byte("+::") {
		if i >= len(buf) {
			return "", 0, incomplete
		}
		if buf[i] != want {
			return "", 0, malformed
		}
		i++
	}
	return flag, i, complete
}

// parseControl parses the control frame at the start of buf. It returns the
// frame, and the number of bytes it occupies when complete.
func parseControl(tag Tag, buf []byte) (Frame, int, status) {
	flag, n, st := parseEnvelope(tag, buf)
	switch st {
	case incomplete:
		return Frame{}, 0, incomplete
	case malformed:
		return Frame{Tag: tag, Err: ErrMalformedEnvelope}, 0, malformed
	}
	if tag != TagLogin {
		return Frame{Tag: tag, Seq: flag}, n, complete
	}

	reply, m, st := measureReply(buf[n:])
	switch st {
	case incomplete:
		if len(buf) > MaxReplySize {
			return Frame{Tag: tag, Seq: flag, Err: ErrMalformedPayload}, 0, malformed
		}
		return Frame{}, 0, incomplete
	case malformed:
		return Frame{Tag: tag, Seq: flag, Err: ErrMalformedPayload}, 0, malformed
	}

	f := Frame{Tag: tag, Seq: flag, Payload: reply}
	f.PingRate, f.Err = decodePingRate(reply)
	return f, n + m, complete
}

// measureReply decodes exactly one JSON object from the start of buf, and
// returns a copy of it together with the number of bytes it occupies.
func measureReply(buf []byte) (json.RawMessage, int, status) {
	trimmed := bytes.TrimLeft(buf, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, 0, incomplete
	}
	if trimmed[0] != '{' {
		return nil, 0, malformed
	}

	dec := json.NewDecoder(bytes.NewReader(buf))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, incomplete
		}
		return nil, 0, malformed
	}
	reply := make(json.RawMessage, len(raw))
	copy(reply, raw)
	return reply, int(dec.InputOffset()), complete
}

func decodePingRate(reply json.RawMessage) (time.Duration, error) {
	var fields struct {
		PingRate json.RawMessage `json:"pingRate"`
	}
	if err := json.Unmarshal(reply, &fields); err != nil || len(fields.PingRate) == 0 {
		return 0, ErrMalformedPingRate
	}
	value := string(fields.PingRate)
	if fields.PingRate[0] == '"' {
		if err := json.Unmarshal(fields.PingRate, &value); err != nil {
			return 0, ErrMalformedPingRate
		}
	}
	seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || seconds <= 0 {
		return 0, ErrMalformedPingRate
	}
	return time.Duration(seconds) * time.Second, nil
}

// decodeData decodes the data frame in span, which starts with a data tag and
// ends right before the next one.
func decodeData(span []byte) Frame {
	i := len(TagJSON.Token())
	seqStart := i
	for i < len(span) && span[i] >= '0' && span[i] <= '9' && i-seqStart < maxFlagLen {
		i++
	}
	f := Frame{Tag: TagJSON, Seq: string(span[seqStart:i])}
	if !bytes.HasPrefix(span[i:], []byte("::")) {
		f.Err = ErrMalformedEnvelope
		return f
	}

	payload := bytes.TrimSpace(span[i+2:])
	if len(payload) == 0 || (payload[0] != '{' && payload[0] != '[') {
		f.Err = ErrMalformedPayload
		return f
	}
	compacted := new(bytes.Buffer)
	if err := json.Compact(compacted, payload); err != nil {
		f.Err = ErrMalformedPayload
		return f
	}
	f.Payload = compacted.Bytes()
	return f
}
