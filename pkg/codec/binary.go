package codec

import (
	"encoding/json"
	"fmt"
	"slices"
)

const BinaryName = "binary"

// MethodPath names one method of a service table.
type MethodPath struct {
	Namespace string
	Service   string
	Method    string
}

// CodeTable maps namespaces, services and methods to 16-bit codes. Codes
// start at 1 and follow the lexical order of the names, so two tables built
// from the same service table are identical.
type CodeTable struct {
	nsToCode     map[string]uint16
	svcToCode    map[string]uint16
	methodToCode map[string]uint16
	codeToNs     map[uint16]string
	codeToSvc    map[uint16]string
	codeToMethod map[uint16]string
}

// BuildCodeTable assigns codes to every name found in paths.
func BuildCodeTable(paths []MethodPath) (*CodeTable, error) {
	var nss, svcs, methods []string
	for _, p := range paths {
		nss = append(nss, p.Namespace)
		svcs = append(svcs, p.Service)
		methods = append(methods, p.Method)
	}

	t := &CodeTable{}
	var err error
	if t.nsToCode, t.codeToNs, err = assign(nss); err != nil {
		return nil, err
	}
	if t.svcToCode, t.codeToSvc, err = assign(svcs); err != nil {
		return nil, err
	}
	if t.methodToCode, t.codeToMethod, err = assign(methods); err != nil {
		return nil, err
	}
	return t, nil
}

func assign(names []string) (map[string]uint16, map[uint16]string, error) {
	slices.Sort(names)
	names = slices.Compact(names)
	if len(names) > 0xffff {
		return nil, nil, fmt.Errorf("%w: %d names do not fit 16-bit codes", ErrUnsupportedValue, len(names))
	}

	toCode := make(map[string]uint16, len(names))
	fromCode := make(map[uint16]string, len(names))
	for i, name := range names {
		code := uint16(i + 1)
		toCode[name] = code
		fromCode[code] = name
	}
	return toCode, fromCode, nil
}

// MarshalJSON writes the six maps as a JSON array, reverse maps keyed by
// the decimal code.
func (t *CodeTable) MarshalJSON() ([]byte, error) {
	return json.Marshal([6]any{
		t.nsToCode, t.svcToCode, t.methodToCode,
		t.codeToNs, t.codeToSvc, t.codeToMethod,
	})
}

func (t *CodeTable) UnmarshalJSON(raw []byte) error {
	var parts [6]json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	decoded := CodeTable{}
	targets := []any{
		&decoded.nsToCode, &decoded.svcToCode, &decoded.methodToCode,
		&decoded.codeToNs, &decoded.codeToSvc, &decoded.codeToMethod,
	}
	for i, target := range targets {
		if err := json.Unmarshal(parts[i], target); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
	}
	*t = decoded
	return nil
}

func (t *CodeTable) encode(ns, svc, method string) (uint16, uint16, uint16, error) {
	nsCode, ok := t.nsToCode[ns]
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: namespace %q", ErrUnknownCode, ns)
	}
	svcCode, ok := t.svcToCode[svc]
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: service %q", ErrUnknownCode, svc)
	}
	methodCode, ok := t.methodToCode[method]
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: method %q", ErrUnknownCode, method)
	}
	return nsCode, svcCode, methodCode, nil
}

func (t *CodeTable) decode(nsCode, svcCode, methodCode uint16) (string, string, string, error) {
	ns, ok := t.codeToNs[nsCode]
	if !ok {
		return "", "", "", fmt.Errorf("%w: namespace code %d", ErrUnknownCode, nsCode)
	}
	svc, ok := t.codeToSvc[svcCode]
	if !ok {
		return "", "", "", fmt.Errorf("%w: service code %d", ErrUnknownCode, svcCode)
	}
	method, ok := t.codeToMethod[methodCode]
	if !ok {
		return "", "", "", fmt.Errorf("%w: method code %d", ErrUnknownCode, methodCode)
	}
	return ns, svc, method, nil
}

// Binary is the compact codec:
//
//	request:  [u32 id][u16 namespace][u16 service][u16 method][args]
//	response: [u32 id][resp]
//
// Integers are little-endian, args and resp are tagged arrays. Server type
// and trace fields are not carried.
type Binary struct {
	table *CodeTable
}

// NewBinary returns a binary codec bound to table. A nil table gives an
// unbound codec which only serves to negotiate one.
func NewBinary(table *CodeTable) *Binary {
	return &Binary{table: table}
}

func (b *Binary) Name() string { return BinaryName }

func (b *Binary) WithTable(table *CodeTable) Codec { return NewBinary(table) }

func (b *Binary) HasTable() bool { return b.table != nil }

func (b *Binary) EncodeRequest(req *Request) ([]byte, error) {
	if b.table == nil {
		return nil, ErrNoCodeTable
	}
	nsCode, svcCode, methodCode, err := b.table.encode(req.Msg.Namespace, req.Msg.Service, req.Msg.Method)
	if err != nil {
		return nil, err
	}

	w := &Writer{}
	w.WriteUint32(req.ID)
	w.WriteUint16(nsCode)
	w.WriteUint16(svcCode)
	w.WriteUint16(methodCode)
	if err := w.WriteValue(argsOrEmpty(req.Msg.Args)); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (b *Binary) DecodeRequests(payload []byte) ([]*Request, error) {
	if b.table == nil {
		return nil, ErrNoCodeTable
	}

	r := NewReader(payload)
	id, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	var codes [3]uint16
	for i := range codes {
		if codes[i], err = r.ReadUint16(); err != nil {
			return nil, err
		}
	}
	ns, svc, method, err := b.table.decode(codes[0], codes[1], codes[2])
	if err != nil {
		return nil, err
	}
	args, err := readArray(r)
	if err != nil {
		return nil, err
	}

	return []*Request{{
		ID: id,
		Msg: Message{
			Namespace: ns,
			Service:   svc,
			Method:    method,
			Args:      args,
		},
	}}, nil
}

func (b *Binary) EncodeResponse(resp *Response) ([]byte, error) {
	w := &Writer{}
	w.WriteUint32(resp.ID)
	if err := w.WriteValue(argsOrEmpty(resp.Resp)); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (b *Binary) DecodeResponses(payload []byte) ([]*Response, error) {
	r := NewReader(payload)
	id, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	resp, err := readArray(r)
	if err != nil {
		return nil, err
	}
	return []*Response{{ID: id, Resp: resp}}, nil
}

func argsOrEmpty(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

func readArray(r *Reader) ([]any, error) {
	v, err := r.ReadValue()
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected an array, got %T", ErrMalformedPayload, v)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedPayload, r.Len())
	}
	return items, nil
}
