package composer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, c *Composer, chunks ...[]byte) []Frame {
	t.Helper()
	var frames []Frame
	for _, chunk := range chunks {
		require.NoError(t, c.Feed(chunk, func(f Frame) {
			frames = append(frames, f)
		}))
	}
	return frames
}

func TestComposer(t *testing.T) {
	t.Run("short payloads use a single length byte", func(t *testing.T) {
		c := New(0)
		out, err := c.Compose(FrameMessage, []byte("hello"))
		require.NoError(t, err)
		require.Equal(t, []byte{6, 0, 'h', 'e', 'l', 'l', 'o'}, out)
	})

	t.Run("long payloads put the most significant group first", func(t *testing.T) {
		c := New(0)
		payload := bytes.Repeat([]byte{'x'}, 199)
		out, err := c.Compose(FrameResponse, payload)
		require.NoError(t, err)
		// 200 = 1*128 + 72
		require.Equal(t, []byte{0x81, 72, byte(FrameResponse)}, out[:3])
		require.Len(t, out, 3+199)
	})

	t.Run("ping and pong may be empty but messages may not", func(t *testing.T) {
		c := New(0)
		out, err := c.Compose(FramePing, nil)
		require.NoError(t, err)
		require.Equal(t, []byte{1, byte(FramePing)}, out)

		_, err = c.Compose(FrameMessage, nil)
		require.ErrorIs(t, err, ErrEmptyPayload)
	})

	t.Run("compose refuses payloads above the limit", func(t *testing.T) {
		c := New(4)
		_, err := c.Compose(FrameMessage, []byte("abcd"))
		require.ErrorIs(t, err, ErrLengthLimit)
	})

	t.Run("feeding byte by byte yields the same frames as one chunk", func(t *testing.T) {
		enc := New(0)
		var stream []byte
		var want []Frame
		for i, p := range [][]byte{
			[]byte("first"),
			bytes.Repeat([]byte{'a'}, 300),
			nil,
			[]byte(`{"id":1}`),
		} {
			ft := FrameMessage
			if p == nil {
				ft = FramePing
			} else if i%2 == 1 {
				ft = FrameResponse
			}
			out, err := enc.Compose(ft, p)
			require.NoError(t, err)
			stream = append(stream, out...)
			if p == nil {
				p = []byte{}
			}
			want = append(want, Frame{Type: ft, Payload: p})
		}

		whole := collect(t, New(0), stream)
		require.Equal(t, want, whole)

		var chunks [][]byte
		for i := range stream {
			chunks = append(chunks, stream[i:i+1])
		}
		require.Equal(t, want, collect(t, New(0), chunks...))
	})

	t.Run("a declared length above the limit breaks the composer until reset", func(t *testing.T) {
		enc := New(0)
		big, err := enc.Compose(FrameMessage, bytes.Repeat([]byte{'z'}, 500))
		require.NoError(t, err)

		dec := New(100)
		err = dec.Feed(big, func(Frame) { t.Fatal("no frame should be emitted") })
		require.ErrorIs(t, err, ErrLengthLimit)

		small, err := enc.Compose(FrameMessage, []byte("ok"))
		require.NoError(t, err)
		require.ErrorIs(t, dec.Feed(small, func(Frame) {}), ErrBrokenState)

		dec.Reset()
		frames := collect(t, dec, small)
		require.Equal(t, []Frame{{Type: FrameMessage, Payload: []byte("ok")}}, frames)
	})

	t.Run("a zero length is malformed", func(t *testing.T) {
		err := New(0).Feed([]byte{0}, func(Frame) {})
		require.ErrorIs(t, err, ErrMalformedFrame)
	})
}
