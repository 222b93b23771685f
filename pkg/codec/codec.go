// Package codec turns requests and responses into frame payloads.
//
// Three codecs are provided. JSON is the default and the only one able to
// pack a batch of packets into a single payload. Binary trades readability
// for size and needs a code table agreed upon during the connection
// handshake. Proto encodes the same envelopes with the protobuf wire format.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

var (
	ErrMalformedPayload = errors.New("codec: malformed payload")
	ErrUnsupportedValue = errors.New("codec: value cannot be encoded")
	ErrUnknownCode      = errors.New("codec: code is not in the code table")
	ErrNoCodeTable      = errors.New("codec: no code table negotiated")
	ErrUnknownCodec     = errors.New("codec: unknown codec")
)

// Message addresses a remote method.
type Message struct {
	Namespace  string `json:"namespace"`
	ServerType string `json:"serverType"`
	Service    string `json:"service"`
	Method     string `json:"method"`
	Args       []any  `json:"args"`
}

// Path is the dotted address of the method, used in logs.
func (m *Message) Path() string {
	return m.Namespace + "." + m.Service + "." + m.Method
}

// Trace travels with packets when RPC debug logging is on.
type Trace struct {
	TraceID string `json:"traceId,omitempty"`
	SeqID   int    `json:"seqId,omitempty"`
	Source  string `json:"source,omitempty"`
	Remote  string `json:"remote,omitempty"`
}

// Request is what a mailbox sends. ID 0 is a notification: no response is
// expected for it.
type Request struct {
	ID    uint32
	Msg   Message
	Trace *Trace
}

// Response carries the callback arguments of the remote method, by
// convention [error, value].
type Response struct {
	ID    uint32
	Resp  []any
	Trace *Trace
}

// Codec encodes packets into frame payloads and back.
type Codec interface {
	Name() string
	EncodeRequest(req *Request) ([]byte, error)
	DecodeRequests(payload []byte) ([]*Request, error)
	EncodeResponse(resp *Response) ([]byte, error)
	DecodeResponses(payload []byte) ([]*Response, error)
}

// Batcher is implemented by codecs packing several packets in one payload.
type Batcher interface {
	EncodeRequests(reqs []*Request) ([]byte, error)
	EncodeResponses(resps []*Response) ([]byte, error)
}

// TableCodec is implemented by codecs relying on a code table. The server
// sends its table in the handshake and both ends derive a bound codec.
type TableCodec interface {
	Codec
	WithTable(table *CodeTable) Codec
	HasTable() bool
}

// ByName returns the codec registered under name. The binary codec is
// returned unbound.
func ByName(name string) (Codec, error) {
	switch name {
	case "", JSONName:
		return JSON{}, nil
	case BinaryName:
		return NewBinary(nil), nil
	case ProtoName:
		return Proto{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// RemoteError is an error raised by a remote method. It is what survives of
// the original error after serialization.
type RemoteError struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

func (re *RemoteError) Error() string {
	if re.Name == "" {
		return "remote: " + re.Message
	}
	return fmt.Sprintf("remote %s: %s", re.Name, re.Message)
}

// CloneError turns err into a value every codec can carry.
func CloneError(err error) map[string]any {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return map[string]any{"name": re.Name, "message": re.Message}
	}
	return map[string]any{"name": fmt.Sprintf("%T", err), "message": err.Error()}
}

// ErrorFromWire is the inverse of CloneError. Values which do not look like
// a cloned error are reported as a RemoteError holding their text.
func ErrorFromWire(v any) error {
	switch e := v.(type) {
	case nil:
		return nil
	case error:
		return e
	case map[string]any:
		re := &RemoteError{}
		re.Name, _ = e["name"].(string)
		if msg, ok := e["message"].(string); ok {
			re.Message = msg
		} else {
			raw, _ := json.Marshal(e)
			re.Message = string(raw)
		}
		return re
	case string:
		return &RemoteError{Message: e}
	default:
		return &RemoteError{Message: fmt.Sprint(e)}
	}
}

// AsInt converts a decoded numeric argument. JSON and proto yield float64,
// binary yields int, int64, float32 or float64.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return int64(n), float32(int64(n)) == n
	case float64:
		return int64(n), float64(int64(n)) == n
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// AsFloat converts a decoded numeric argument.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		i, ok := AsInt(v)
		return float64(i), ok
	}
}
