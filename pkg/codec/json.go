package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const JSONName = "json"

// JSON is the default codec. A payload holds either one packet object or
// an array of packets produced by a buffered flush.
type JSON struct{}

type jsonRequest struct {
	ID  uint32   `json:"id"`
	Msg *Message `json:"msg"`
	*Trace
}

type jsonResponse struct {
	ID   uint32 `json:"id"`
	Resp []any  `json:"resp"`
	*Trace
}

func (JSON) Name() string { return JSONName }

func (JSON) EncodeRequest(req *Request) ([]byte, error) {
	return marshal(toJSONRequest(req))
}

func (JSON) EncodeRequests(reqs []*Request) ([]byte, error) {
	wire := make([]jsonRequest, len(reqs))
	for i, req := range reqs {
		wire[i] = toJSONRequest(req)
	}
	return marshal(wire)
}

func (JSON) DecodeRequests(payload []byte) ([]*Request, error) {
	var wire []jsonRequest
	if err := unmarshalOneOrMany(payload, &wire); err != nil {
		return nil, err
	}

	reqs := make([]*Request, 0, len(wire))
	for _, w := range wire {
		if w.Msg == nil {
			return nil, fmt.Errorf("%w: request %d has no msg", ErrMalformedPayload, w.ID)
		}
		reqs = append(reqs, &Request{ID: w.ID, Msg: *w.Msg, Trace: w.Trace})
	}
	return reqs, nil
}

func (JSON) EncodeResponse(resp *Response) ([]byte, error) {
	return marshal(jsonResponse{ID: resp.ID, Resp: resp.Resp, Trace: resp.Trace})
}

func (JSON) EncodeResponses(resps []*Response) ([]byte, error) {
	wire := make([]jsonResponse, len(resps))
	for i, resp := range resps {
		wire[i] = jsonResponse{ID: resp.ID, Resp: resp.Resp, Trace: resp.Trace}
	}
	return marshal(wire)
}

func (JSON) DecodeResponses(payload []byte) ([]*Response, error) {
	var wire []jsonResponse
	if err := unmarshalOneOrMany(payload, &wire); err != nil {
		return nil, err
	}

	resps := make([]*Response, 0, len(wire))
	for _, w := range wire {
		resps = append(resps, &Response{ID: w.ID, Resp: w.Resp, Trace: w.Trace})
	}
	return resps, nil
}

func toJSONRequest(req *Request) jsonRequest {
	msg := req.Msg
	if msg.Args == nil {
		msg.Args = []any{}
	}
	return jsonRequest{ID: req.ID, Msg: &msg, Trace: req.Trace}
}

func marshal(v any) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedValue, err)
	}
	return buf, nil
}

func unmarshalOneOrMany[T any](payload []byte, out *[]T) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}

	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, out); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		return nil
	}

	var single T
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	*out = []T{single}
	return nil
}
