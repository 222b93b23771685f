package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const ProtoName = "proto"

// Proto encodes envelopes with the protobuf wire format. Arguments travel as
// a google.protobuf.ListValue, so they are limited to JSON-like values and
// numbers come back as float64.
//
//	Request  { 1: id, 2: namespace, 3: serverType, 4: service, 5: method, 6: args, 7: trace }
//	Response { 1: id, 2: resp, 3: trace }
//	Trace    { 1: traceId, 2: seqId, 3: source, 4: remote }
type Proto struct{}

const (
	fieldReqID         protowire.Number = 1
	fieldReqNamespace  protowire.Number = 2
	fieldReqServerType protowire.Number = 3
	fieldReqService    protowire.Number = 4
	fieldReqMethod     protowire.Number = 5
	fieldReqArgs       protowire.Number = 6
	fieldReqTrace      protowire.Number = 7

	fieldRespID    protowire.Number = 1
	fieldRespResp  protowire.Number = 2
	fieldRespTrace protowire.Number = 3

	fieldTraceID     protowire.Number = 1
	fieldTraceSeq    protowire.Number = 2
	fieldTraceSource protowire.Number = 3
	fieldTraceRemote protowire.Number = 4
)

func (Proto) Name() string { return ProtoName }

func (Proto) EncodeRequest(req *Request) ([]byte, error) {
	args, err := marshalList(req.Msg.Args)
	if err != nil {
		return nil, err
	}

	var buf []byte
	buf = protowire.AppendTag(buf, fieldReqID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(req.ID))
	buf = appendString(buf, fieldReqNamespace, req.Msg.Namespace)
	buf = appendString(buf, fieldReqServerType, req.Msg.ServerType)
	buf = appendString(buf, fieldReqService, req.Msg.Service)
	buf = appendString(buf, fieldReqMethod, req.Msg.Method)
	buf = protowire.AppendTag(buf, fieldReqArgs, protowire.BytesType)
	buf = protowire.AppendBytes(buf, args)
	if req.Trace != nil {
		buf = protowire.AppendTag(buf, fieldReqTrace, protowire.BytesType)
		buf = protowire.AppendBytes(buf, appendTrace(nil, req.Trace))
	}
	return buf, nil
}

func (Proto) DecodeRequests(payload []byte) ([]*Request, error) {
	req := &Request{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldReqID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			req.ID = uint32(v)
			return n, nil
		case num == fieldReqNamespace && typ == protowire.BytesType:
			return consumeString(b, &req.Msg.Namespace)
		case num == fieldReqServerType && typ == protowire.BytesType:
			return consumeString(b, &req.Msg.ServerType)
		case num == fieldReqService && typ == protowire.BytesType:
			return consumeString(b, &req.Msg.Service)
		case num == fieldReqMethod && typ == protowire.BytesType:
			return consumeString(b, &req.Msg.Method)
		case num == fieldReqArgs && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			args, err := unmarshalList(v)
			req.Msg.Args = args
			return n, err
		case num == fieldReqTrace && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			trace, err := consumeTrace(v)
			req.Trace = trace
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	return []*Request{req}, nil
}

func (Proto) EncodeResponse(resp *Response) ([]byte, error) {
	list, err := marshalList(resp.Resp)
	if err != nil {
		return nil, err
	}

	var buf []byte
	buf = protowire.AppendTag(buf, fieldRespID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(resp.ID))
	buf = protowire.AppendTag(buf, fieldRespResp, protowire.BytesType)
	buf = protowire.AppendBytes(buf, list)
	if resp.Trace != nil {
		buf = protowire.AppendTag(buf, fieldRespTrace, protowire.BytesType)
		buf = protowire.AppendBytes(buf, appendTrace(nil, resp.Trace))
	}
	return buf, nil
}

func (Proto) DecodeResponses(payload []byte) ([]*Response, error) {
	resp := &Response{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldRespID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			resp.ID = uint32(v)
			return n, nil
		case num == fieldRespResp && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			list, err := unmarshalList(v)
			resp.Resp = list
			return n, err
		case num == fieldRespTrace && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			trace, err := consumeTrace(v)
			resp.Trace = trace
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	return []*Response{resp}, nil
}

func appendString(buf []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, v)
}

func appendTrace(buf []byte, trace *Trace) []byte {
	buf = appendString(buf, fieldTraceID, trace.TraceID)
	if trace.SeqID != 0 {
		buf = protowire.AppendTag(buf, fieldTraceSeq, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(trace.SeqID)))
	}
	buf = appendString(buf, fieldTraceSource, trace.Source)
	return appendString(buf, fieldTraceRemote, trace.Remote)
}

func consumeTrace(b []byte) (*Trace, error) {
	trace := &Trace{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldTraceID && typ == protowire.BytesType:
			return consumeString(b, &trace.TraceID)
		case num == fieldTraceSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			trace.SeqID = int(protowire.DecodeZigZag(v))
			return n, nil
		case num == fieldTraceSource && typ == protowire.BytesType:
			return consumeString(b, &trace.Source)
		case num == fieldTraceRemote && typ == protowire.BytesType:
			return consumeString(b, &trace.Remote)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return trace, err
}

func consumeString(b []byte, dst *string) (int, error) {
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n, nil
}

// walkFields calls fn with the bytes following each tag; fn reports how many
// of them the field value used, negative values being protowire errors.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if err := protowire.ParseError(n); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if perr := protowire.ParseError(m); perr != nil {
			return fmt.Errorf("%w: field %d: %w", ErrMalformedPayload, num, perr)
		}
		b = b[m:]
	}
	return nil
}

func marshalList(items []any) ([]byte, error) {
	normalized := make([]any, len(items))
	for i, item := range items {
		if err, ok := item.(error); ok {
			normalized[i] = CloneError(err)
		} else {
			normalized[i] = item
		}
	}

	list, err := structpb.NewList(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedValue, err)
	}
	buf, err := proto.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedValue, err)
	}
	return buf, nil
}

func unmarshalList(b []byte) ([]any, error) {
	var list structpb.ListValue
	if err := proto.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return list.AsSlice(), nil
}
