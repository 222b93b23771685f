package courier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/raskyld/courier/pkg/codec"
)

// HTTPServiceName is the JSON-RPC service exposing a dispatcher, its only
// method being "RPC.Invoke".
const HTTPServiceName = "RPC"

// InvokeArgs are the params of "RPC.Invoke".
type InvokeArgs struct {
	Namespace string `json:"namespace"`
	Service   string `json:"service"`
	Method    string `json:"method"`
	Args      []any  `json:"args"`
}

type InvokeReply struct {
	Value any `json:"value"`
}

type httpGateway struct {
	d *Dispatcher
}

func (gw *httpGateway) Invoke(r *http.Request, args *InvokeArgs, reply *InvokeReply) error {
	msg := &codec.Message{
		Namespace: args.Namespace,
		Service:   args.Service,
		Method:    args.Method,
		Args:      args.Args,
	}

	done := make(chan callResult, 1)
	gw.d.Dispatch(r.Context(), msg, func(err error, value any) {
		done <- callResult{err: err, resp: []any{value}}
	})

	select {
	case res := <-done:
		if res.err != nil {
			return &json2.Error{Code: json2.E_SERVER, Message: res.err.Error(), Data: codec.CloneError(res.err)}
		}
		reply.Value = res.resp[0]
		return nil
	case <-r.Context().Done():
		return r.Context().Err()
	}
}

// NewHTTPHandler serves d over JSON-RPC 2.0, for callers which cannot
// speak the framed protocol.
func NewHTTPHandler(d *Dispatcher) (http.Handler, error) {
	srv := rpc.NewServer()
	srv.RegisterCodec(json2.NewCodec(), "application/json")
	if err := srv.RegisterService(&httpGateway{d: d}, HTTPServiceName); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	return srv, nil
}

// HTTPHandler exposes the server's dispatcher over JSON-RPC 2.0.
func (s *Server) HTTPHandler() (http.Handler, error) {
	return NewHTTPHandler(s.dispatcher)
}

// CallHTTP invokes msg through a handler built by NewHTTPHandler.
func CallHTTP(ctx context.Context, client *http.Client, url string, msg codec.Message) (any, error) {
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json2.EncodeClientRequest(HTTPServiceName+".Invoke", &InvokeArgs{
		Namespace: msg.Namespace,
		Service:   msg.Service,
		Method:    msg.Method,
		Args:      msg.Args,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode client params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to issue request: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("received status code: %d", resp.StatusCode)
	}

	var reply InvokeReply
	if err := json2.DecodeClientResponse(resp.Body, &reply); err != nil {
		if jerr, ok := err.(*json2.Error); ok {
			if data, ok := jerr.Data.(map[string]any); ok {
				return nil, codec.ErrorFromWire(data)
			}
			return nil, &codec.RemoteError{Message: jerr.Message}
		}
		return nil, fmt.Errorf("failed to decode client response: %w", err)
	}
	return reply.Value, nil
}
