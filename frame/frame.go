// Package frame implements the delimiter-framed text protocol spoken by the
// telemetry peer. A small, closed vocabulary of tags marks frame boundaries:
//
//	LOGIN:<flag>+::<reply-json>         peer -> client, authentication reply
//	ACK:<flag>+::                       peer -> client, liveness acknowledgement
//	JOIN:<flag>+::                      peer -> client, join notice
//	JSON:<seq>::<payload>JSON:<seq>::   peer -> client, data frame
//
// The client sends LOGIN:::<credential-json> once per connection and
// PING:<flag>:: periodically. Data frames are only complete when the next data
// tag has arrived, so a data frame is always bounded on both sides by a data
// tag. Control frames are complete as soon as their terminator is seen.
//
// Payload content is opaque. No escaping exists, so a payload that contains a
// tag as a substring will be framed incorrectly; the authentication reply is the
// exception, because its extent is measured as exactly one JSON value.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedEnvelope is attached to a frame whose tag was found, but
	// whose flag, sequence, or terminator could not be parsed. The bytes up
	// to the next tag are dropped.
	ErrMalformedEnvelope = errors.New("malformed frame envelope")

	// ErrMalformedPayload is attached to a data frame, or authentication
	// reply, whose payload is not a JSON document.
	ErrMalformedPayload = errors.New("malformed frame payload")

	// ErrMalformedPingRate is attached to an authentication reply that
	// decoded, but did not carry a usable pingRate.
	ErrMalformedPingRate = errors.New("malformed ping rate")
)

// MaxReplySize bounds the number of bytes that an authentication reply may
// occupy. A reply that is still incomplete beyond this size is treated as
// malformed, so that it cannot hold the buffer forever.
const MaxReplySize = 64 * 1024

// maxFlagLen bounds the flag and sequence tokens.
const maxFlagLen = 16

// DefaultPingFlag is the flag sent with every liveness ping.
const DefaultPingFlag = "n"

// A Tag identifies the kind of a frame.
type Tag uint8

// Tags in the inbound vocabulary.
const (
	TagNone Tag = iota
	TagLogin
	TagJoin
	TagAck
	TagJSON
)

var tokens = [...]string{
	TagNone:  "",
	TagLogin: "LOGIN:",
	TagJoin:  "JOIN:",
	TagAck:   "ACK:",
	TagJSON:  "JSON:",
}

// maxTagLen is the length of the longest token in the vocabulary.
const maxTagLen = len("LOGIN:")

// Token returns the wire representation of the tag.
func (tag Tag) Token() string {
	if int(tag) >= len(tokens) {
		return ""
	}
	return tokens[tag]
}

// String implements the fmt.Stringer interface.
func (tag Tag) String() string {
	switch tag {
	case TagLogin:
		return "login"
	case TagJoin:
		return "join"
	case TagAck:
		return "ack"
	case TagJSON:
		return "json"
	default:
		return fmt.Sprintf("tag(%d)", uint8(tag))
	}
}

// IsControl returns true for tags that mark control frames.
func (tag Tag) IsControl() bool {
	return tag == TagLogin || tag == TagJoin || tag == TagAck
}

// A Frame is one unit resolved by the Demuxer. Frames are only valid until the
// next call to the Demuxer; they never alias its buffer.
type Frame struct {
	Tag Tag
	// Seq is the sequence token of a data frame, or the flag token of a
	// control frame.
	Seq string
	// Payload is the compacted JSON document of a data frame, or the raw reply
	// of an authentication reply.
	Payload json.RawMessage
	// PingRate is the liveness interval negotiated by an authentication reply.
	// It is zero when the reply did not carry a usable value.
	PingRate time.Duration
	// Err is non-nil when the frame was recognised but dropped.
	Err error
}

// IsData returns true if the frame is a data frame that decoded successfully.
func (f Frame) IsData() bool {
	return f.Tag == TagJSON && f.Err == nil
}

// Login returns the authentication frame that carries the credential.
func Login(credential interface{}) ([]byte, error) {
	data, err := json.Marshal(credential)
	if err != nil {
		return nil, fmt.Errorf("marshaling credential: %w", err)
	}
	buf := make([]byte, 0, len("LOGIN:::")+len(data))
	buf = append(buf, "LOGIN:::"...)
	return append(buf, data...), nil
}

// Ping returns a liveness ping carrying the flag. An empty flag is replaced
// by DefaultPingFlag.
func Ping(flag string) []byte {
	if flag == "" {
		flag = DefaultPingFlag
	}
	return []byte("PING:" + flag + "::")
}
