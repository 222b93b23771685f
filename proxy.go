package courier

import (
	"context"
	"fmt"

	"github.com/raskyld/courier/pkg/codec"
)

// BroadcastTarget given to MethodProxy.ToServer sends to every server of
// the type.
const BroadcastTarget = "*"

// ServiceProxy addresses the methods of one remote service.
type ServiceProxy struct {
	cl         *Client
	namespace  string
	serverType string
	service    string
}

// Proxy returns a handle on namespace.service as exposed by servers of
// serverType.
func (cl *Client) Proxy(namespace, serverType, service string) *ServiceProxy {
	return &ServiceProxy{
		cl:         cl,
		namespace:  namespace,
		serverType: serverType,
		service:    service,
	}
}

func (sp *ServiceProxy) Method(name string) *MethodProxy {
	return &MethodProxy{sp: sp, method: name}
}

// MethodProxy offers the ways of reaching one remote method.
type MethodProxy struct {
	sp     *ServiceProxy
	method string
}

func (mp *MethodProxy) message(args []any) codec.Message {
	return codec.Message{
		Namespace:  mp.sp.namespace,
		ServerType: mp.sp.serverType,
		Service:    mp.sp.service,
		Method:     mp.method,
		Args:       args,
	}
}

// Call routes with the client's router.
func (mp *MethodProxy) Call(ctx context.Context, routeParam any, args ...any) (any, error) {
	return mp.sp.cl.Call(ctx, routeParam, mp.message(args))
}

// ToServer calls serverID, or every server of the type when serverID is
// BroadcastTarget, in which case the value is a map[string]any.
func (mp *MethodProxy) ToServer(ctx context.Context, serverID string, args ...any) (any, error) {
	if serverID == BroadcastTarget {
		return mp.Broadcast(ctx, args...)
	}
	return mp.sp.cl.Invoke(ctx, serverID, mp.message(args))
}

func (mp *MethodProxy) Broadcast(ctx context.Context, args ...any) (map[string]any, error) {
	return mp.sp.cl.Broadcast(ctx, mp.message(args))
}

// DefaultRoute spreads route parameters with crc32 whatever the client's
// router is, keeping a session on the same server.
func (mp *MethodProxy) DefaultRoute(ctx context.Context, routeParam any, args ...any) (any, error) {
	msg := mp.message(args)
	servers := mp.sp.cl.dir.ServersByType(msg.ServerType)
	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoServers, msg.ServerType)
	}
	return mp.sp.cl.Invoke(ctx, defaultRoute(routeParam, servers), msg)
}

// Notify routes with the client's router and expects no response.
func (mp *MethodProxy) Notify(ctx context.Context, routeParam any, args ...any) error {
	msg := mp.message(args)
	serverID, err := mp.sp.cl.Route(ctx, routeParam, &msg)
	if err != nil {
		return err
	}
	defer mp.sp.cl.router.done(serverID)
	return mp.sp.cl.Notify(ctx, serverID, msg)
}

func (mp *MethodProxy) NotifyServer(ctx context.Context, serverID string, args ...any) error {
	if serverID == BroadcastTarget {
		return mp.NotifyAll(ctx, args...)
	}
	return mp.sp.cl.Notify(ctx, serverID, mp.message(args))
}

func (mp *MethodProxy) NotifyAll(ctx context.Context, args ...any) error {
	return mp.sp.cl.NotifyAll(ctx, mp.message(args))
}
