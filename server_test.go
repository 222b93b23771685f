package courier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/courier/pkg/codec"
	"github.com/stretchr/testify/require"
)

var notified atomic.Int64

func echoServices() ServiceTable {
	return ServiceTable{
		"user": {
			"service": {
				"echo": func(ctx context.Context, args []any) (any, error) {
					if len(args) < 2 {
						return nil, errors.New("echo expects a message and a number")
					}
					n, ok := codec.AsInt(args[1])
					if !ok {
						return nil, fmt.Errorf("not a number: %v", args[1])
					}
					return []any{args[0], n + 1}, nil
				},
				"slow": func(ctx context.Context, args []any) (any, error) {
					ms, _ := codec.AsInt(args[0])
					select {
					case <-time.After(time.Duration(ms) * time.Millisecond):
						return "done", nil
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				},
				"async": func(ctx context.Context, args []any) (any, error) {
					fut := NewFuture()
					go func() {
						time.Sleep(20 * time.Millisecond)
						if len(args) == 0 {
							fut.Reject(errors.New("nothing to resolve"))
							return
						}
						fut.Resolve(args[0])
					}()
					return fut, nil
				},
				"fail": func(ctx context.Context, args []any) (any, error) {
					return nil, errors.New("boom")
				},
				"panic": func(ctx context.Context, args []any) (any, error) {
					panic("oops")
				},
				"notify": func(ctx context.Context, args []any) (any, error) {
					notified.Add(1)
					return nil, nil
				},
			},
		},
	}
}

func startTestServer(t *testing.T, port int, opts ...ServerOption) *Server {
	t.Helper()
	opts = append([]ServerOption{
		WithListenOn(fmt.Sprintf("127.0.0.1:%d", port)),
		WithServerLog(testLogHandler(fmt.Sprintf("server-%d", port))),
		WithServerMetricSink(&metrics.BlackholeSink{}),
	}, opts...)
	srv, err := NewServer(echoServices(), opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	return srv
}

func startTestClient(t *testing.T, servers []ServerInfo, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{
		WithLog(testLogHandler("client")),
		WithMetricSink(&metrics.BlackholeSink{}),
		WithGracePeriod(0),
	}, opts...)
	client, err := NewClient(opts...)
	require.NoError(t, err)
	require.NoError(t, client.AddServers(servers...))
	require.NoError(t, client.Start())
	return client
}

func echoServer(id string, port int) ServerInfo {
	return ServerInfo{ID: id, ServerType: "echo", Host: "127.0.0.1", Port: port, Weight: 1}
}

func TestServer_NewServer(t *testing.T) {
	_, err := NewServer(nil)
	require.ErrorIs(t, err, ErrNoServices)

	_, err = NewServer(ServiceTable{"a": {"b": {"c": nil}}})
	require.ErrorIs(t, err, ErrInvalidCfg)

	srv := startTestServer(t, 3330)
	require.ErrorIs(t, srv.Start(), ErrServerStarted)
	require.NotNil(t, srv.Addr())
	require.NoError(t, srv.Stop())
	require.Nil(t, srv.Addr())
	require.NoError(t, srv.Stop(), "stopping twice is a no-op")
}

func TestEndToEnd_Codecs(t *testing.T) {
	tests := []struct {
		name     string
		port     int
		codec    func() codec.Codec
		expected []any
	}{
		{
			name:     "json",
			port:     3333,
			codec:    func() codec.Codec { return codec.JSON{} },
			expected: []any{"hi", float64(43)},
		},
		{
			name:     "binary with a handshake",
			port:     3334,
			codec:    func() codec.Codec { return codec.NewBinary(nil) },
			expected: []any{"hi", int64(43)},
		},
		{
			name:     "proto",
			port:     3335,
			codec:    func() codec.Codec { return codec.Proto{} },
			expected: []any{"hi", float64(43)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startTestServer(t, tt.port, WithServerCodec(tt.codec()))
			defer srv.Stop()

			client := startTestClient(t,
				[]ServerInfo{echoServer("echo-1", tt.port)},
				WithMailbox(MailboxConfig{Codec: tt.codec()}),
			)
			defer client.Stop(true)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			echo := client.Proxy("user", "echo", "service").Method("echo")
			resp, err := echo.Call(ctx, "session", "hi", 42)
			require.NoError(t, err)
			require.Equal(t, tt.expected, resp)

			_, err = client.Proxy("user", "echo", "service").Method("fail").Call(ctx, nil)
			var remote *codec.RemoteError
			require.ErrorAs(t, err, &remote)
			require.Equal(t, "boom", remote.Message)
		})
	}
}

func TestEndToEnd_Buffered(t *testing.T) {
	srv := startTestServer(t, 3336, WithBufferMsg(10*time.Millisecond))
	defer srv.Stop()

	client := startTestClient(t,
		[]ServerInfo{echoServer("echo-1", 3336)},
		WithMailbox(MailboxConfig{BufferMsg: true, Interval: 10 * time.Millisecond}),
	)
	defer client.Stop(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echo := client.Proxy("user", "echo", "service").Method("echo")
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			resp, err := echo.ToServer(ctx, "echo-1", fmt.Sprintf("msg-%d", i), i)
			if err == nil && !assertEcho(resp, fmt.Sprintf("msg-%d", i), i+1) {
				err = fmt.Errorf("unexpected response %v", resp)
			}
			results <- err
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-results)
	}
}

func assertEcho(resp any, msg string, n int) bool {
	pair, ok := resp.([]any)
	if !ok || len(pair) != 2 || pair[0] != msg {
		return false
	}
	got, ok := codec.AsInt(pair[1])
	return ok && got == int64(n)
}

func TestEndToEnd_Semantics(t *testing.T) {
	srv := startTestServer(t, 3337, WithServerDebugLog(true))
	defer srv.Stop()

	client := startTestClient(t,
		[]ServerInfo{echoServer("echo-1", 3337)},
		WithRPCDebugLog(true),
		WithMailbox(MailboxConfig{Timeout: 100 * time.Millisecond, Ping: 50 * time.Millisecond, Pong: time.Second}),
	)
	defer client.Stop(true)

	svc := client.Proxy("user", "echo", "service")

	t.Run("futures are awaited", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		resp, err := svc.Method("async").ToServer(ctx, "echo-1", "later")
		require.NoError(t, err)
		require.Equal(t, "later", resp)

		_, err = svc.Method("async").ToServer(ctx, "echo-1")
		require.ErrorContains(t, err, "nothing to resolve")
	})

	t.Run("panics are reported as errors", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := svc.Method("panic").ToServer(ctx, "echo-1")
		var remote *codec.RemoteError
		require.ErrorAs(t, err, &remote)
		require.Contains(t, remote.Message, "oops")
	})

	t.Run("unknown methods are reported by name", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := client.Proxy("nope", "echo", "service").Method("echo").ToServer(ctx, "echo-1")
		require.ErrorContains(t, err, "no such namespace: nope")
		_, err = svc.Method("nope").ToServer(ctx, "echo-1")
		require.ErrorContains(t, err, "no such method: user.service.nope")
	})

	t.Run("timeouts release the request slot", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := svc.Method("slow").ToServer(ctx, "echo-1", 500)
		require.ErrorIs(t, err, ErrTimeout)
		var terr *TimeoutError
		require.ErrorAs(t, err, &terr)
		require.Equal(t, "echo-1", terr.ServerID)

		mb, ok := client.station.mailbox("echo-1")
		require.True(t, ok)
		smb := mb.(*streamMailbox)
		smb.lk.Lock()
		inflight := len(smb.inflight)
		smb.lk.Unlock()
		require.Zero(t, inflight)
	})

	t.Run("heartbeats keep the connection alive", func(t *testing.T) {
		mb, ok := client.station.mailbox("echo-1")
		require.True(t, ok)
		time.Sleep(300 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := svc.Method("echo").ToServer(ctx, "echo-1", "still", 1)
		require.NoError(t, err)
		require.True(t, assertEcho(resp, "still", 2))

		current, ok := client.station.mailbox("echo-1")
		require.True(t, ok)
		require.Same(t, mb, current, "the mailbox should not have been replaced")
	})

	t.Run("notifications get no response", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		before := notified.Load()
		require.NoError(t, svc.Method("notify").NotifyServer(ctx, "echo-1"))
		require.Eventually(t, func() bool {
			return notified.Load() == before+1
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("filters see requests and responses", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client.Before(func(fc *FilterContext) error {
			if fc.Msg.Method == "echo" && len(fc.Msg.Args) > 0 {
				fc.Msg.Args = append([]any{strings.ToUpper(fmt.Sprint(fc.Msg.Args[0]))}, fc.Msg.Args[1:]...)
			}
			return nil
		})
		client.After(func(fc *FilterContext) error {
			if fc.Msg.Method == "echo" {
				fc.Resp = append(fc.Resp, "after")
			}
			return nil
		})

		resp, err := svc.Method("echo").ToServer(ctx, "echo-1", "hi", 1)
		require.NoError(t, err)
		require.True(t, assertEcho(resp, "HI", 2))
	})
}

func TestEndToEnd_Disconnect(t *testing.T) {
	srv := startTestServer(t, 3338)

	client := startTestClient(t, []ServerInfo{echoServer("echo-1", 3338)})
	defer client.Stop(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slow := client.Proxy("user", "echo", "service").Method("slow")
	_, err := slow.ToServer(ctx, "echo-1", 1)
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		srv.Stop()
	}()
	_, err = slow.ToServer(ctx, "echo-1", 2000)
	require.ErrorIs(t, err, ErrDisconnected)

	require.Eventually(t, func() bool {
		_, ok := client.station.mailbox("echo-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "the closed mailbox should be evicted")
}

func TestEndToEnd_Broadcast(t *testing.T) {
	srv1 := startTestServer(t, 3339)
	defer srv1.Stop()
	srv2 := startTestServer(t, 3340)
	defer srv2.Stop()

	client := startTestClient(t, []ServerInfo{echoServer("echo-1", 3339), echoServer("echo-2", 3340)})
	defer client.Stop(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echo := client.Proxy("user", "echo", "service").Method("echo")
	resp, err := echo.ToServer(ctx, BroadcastTarget, "all", 1)
	require.NoError(t, err)
	all, ok := resp.(map[string]any)
	require.True(t, ok)
	require.Len(t, all, 2)
	for id, val := range all {
		require.True(t, assertEcho(val, "all", 2), "unexpected response from %s", id)
	}

	before := notified.Load()
	require.NoError(t, client.Proxy("user", "echo", "service").Method("notify").NotifyAll(ctx))
	require.Eventually(t, func() bool {
		return notified.Load() == before+2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEndToEnd_FailOver(t *testing.T) {
	srv := startTestServer(t, 3341)
	defer srv.Stop()

	// echo-down points to a port nobody listens on
	client := startTestClient(t,
		[]ServerInfo{echoServer("echo-down", 3342), echoServer("echo-up", 3341)},
		WithFailMode(FailOver),
	)
	defer client.Stop(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Proxy("user", "echo", "service").Method("echo").ToServer(ctx, "echo-down", "hi", 42)
	require.NoError(t, err)
	require.True(t, assertEcho(resp, "hi", 43))
}

func TestServer_SilentConnections(t *testing.T) {
	heartbeat := 100 * time.Millisecond
	srv := startTestServer(t, 3344, WithHeartbeat(heartbeat))
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	conn.SetReadDeadline(start.Add(heartbeat + heartbeatGrace + 3*time.Second))
	_, err = conn.Read(make([]byte, 16))
	require.ErrorIs(t, err, io.EOF, "the server should hang up on a silent client")
	require.GreaterOrEqual(t, time.Since(start), heartbeat+heartbeatGrace-50*time.Millisecond)
}

func TestServer_Reload(t *testing.T) {
	srv := startTestServer(t, 3343)
	defer srv.Stop()

	client := startTestClient(t, []ServerInfo{echoServer("echo-1", 3343)})
	defer client.Stop(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hello := client.Proxy("user", "echo", "greeter").Method("hello")
	_, err := hello.ToServer(ctx, "echo-1", "bob")
	require.ErrorContains(t, err, "no such service")

	require.NoError(t, srv.Reload(ServiceTable{
		"user": {"greeter": {"hello": func(ctx context.Context, args []any) (any, error) {
			return fmt.Sprintf("hello %v", args[0]), nil
		}}},
	}))

	resp, err := hello.ToServer(ctx, "echo-1", "bob")
	require.NoError(t, err)
	require.Equal(t, "hello bob", resp)

	resp, err = client.Proxy("user", "echo", "service").Method("echo").ToServer(ctx, "echo-1", "kept", 0)
	require.NoError(t, err)
	require.True(t, assertEcho(resp, "kept", 1), "reload merges services")
}
