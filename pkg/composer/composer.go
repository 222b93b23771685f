// Package composer implements the length-prefixed framing used on every
// courier connection.
//
// A frame is laid out as:
//
//	[length][type][payload]
//
// where length counts the type byte plus the payload and is written as a
// big-endian base-128 integer: the most significant 7-bit group comes first
// and every byte except the last one carries the 0x80 continuation bit.
package composer

import (
	"errors"
	"fmt"
)

var (
	ErrLengthLimit    = errors.New("composer: frame exceeds the maximum length")
	ErrEmptyPayload   = errors.New("composer: message frames must carry a payload")
	ErrMalformedFrame = errors.New("composer: malformed frame")
	ErrBrokenState    = errors.New("composer: composer must be reset after an error")
)

// FrameType is the single byte following the length prefix.
type FrameType byte

const (
	FrameMessage FrameType = iota
	FramePing
	FramePong
	FrameResponse
	FrameHandshake
)

func (ft FrameType) String() string {
	switch ft {
	case FrameMessage:
		return "message"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameResponse:
		return "response"
	case FrameHandshake:
		return "handshake"
	default:
		return fmt.Sprintf("unknown(%d)", byte(ft))
	}
}

// Frame is a decoded frame. Payload is owned by the receiver.
type Frame struct {
	Type    FrameType
	Payload []byte
}

type state uint8

const (
	stateLength state = iota
	stateData
	stateError
)

// Composer encodes frames and incrementally decodes a byte stream back into
// frames. Decoding is resumable: Feed may be called with arbitrarily small
// chunks. A Composer is not safe for concurrent use; each connection owns one.
type Composer struct {
	maxLength int

	state  state
	length int
	buf    []byte
	offset int
}

// New returns a Composer refusing frames whose length (type byte included)
// exceeds maxLength. A maxLength <= 0 disables the check.
func New(maxLength int) *Composer {
	return &Composer{maxLength: maxLength}
}

// MaxLength reports the configured limit, 0 meaning unlimited.
func (c *Composer) MaxLength() int {
	if c.maxLength < 0 {
		return 0
	}
	return c.maxLength
}

// Compose frames payload with the given type.
func (c *Composer) Compose(ft FrameType, payload []byte) ([]byte, error) {
	if len(payload) == 0 && ft != FramePing && ft != FramePong {
		return nil, ErrEmptyPayload
	}

	length := len(payload) + 1
	if c.maxLength > 0 && length > c.maxLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrLengthLimit, length, c.maxLength)
	}

	out := appendLength(make([]byte, 0, length+5), length)
	out = append(out, byte(ft))
	return append(out, payload...), nil
}

// Feed consumes data and calls emit for every complete frame found. Partial
// frames are kept until the next call. After an error the Composer refuses any
// input until Reset is called.
func (c *Composer) Feed(data []byte, emit func(Frame)) error {
	if c.state == stateError {
		return ErrBrokenState
	}

	for len(data) > 0 {
		switch c.state {
		case stateLength:
			b := data[0]
			data = data[1:]
			c.length = c.length<<7 | int(b&0x7f)
			if c.maxLength > 0 && c.length > c.maxLength {
				c.state = stateError
				return fmt.Errorf("%w: %d > %d", ErrLengthLimit, c.length, c.maxLength)
			}
			if c.length < 0 || c.length > maxDecodableLength {
				c.state = stateError
				return fmt.Errorf("%w: length overflow", ErrMalformedFrame)
			}
			if b&0x80 != 0 {
				continue
			}
			if c.length == 0 {
				c.state = stateError
				return fmt.Errorf("%w: zero length", ErrMalformedFrame)
			}
			c.buf = make([]byte, c.length)
			c.offset = 0
			c.state = stateData

		case stateData:
			n := copy(c.buf[c.offset:], data)
			c.offset += n
			data = data[n:]
			if c.offset < len(c.buf) {
				continue
			}

			frame := Frame{Type: FrameType(c.buf[0]), Payload: c.buf[1:]}
			c.resetLength()
			emit(frame)
		}
	}
	return nil
}

// Reset drops any partially decoded frame and clears the error state.
func (c *Composer) Reset() {
	c.resetLength()
}

func (c *Composer) resetLength() {
	c.state = stateLength
	c.length = 0
	c.buf = nil
	c.offset = 0
}

// maxDecodableLength guards the accumulator when no limit is configured.
const maxDecodableLength = 1 << 40

func appendLength(dst []byte, length int) []byte {
	var groups [10]byte
	i := len(groups)
	for {
		i--
		groups[i] = byte(length & 0x7f)
		length >>= 7
		if length == 0 {
			break
		}
	}
	for j := i; j < len(groups)-1; j++ {
		groups[j] |= 0x80
	}
	return append(dst, groups[i:]...)
}
