package courier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/courier/pkg/codec"
	"github.com/stretchr/testify/require"
)

type dispatchResult struct {
	err   error
	value any
}

func dispatchSync(t *testing.T, d *Dispatcher, msg codec.Message) dispatchResult {
	t.Helper()
	done := make(chan dispatchResult, 2)
	d.Dispatch(context.Background(), &msg, func(err error, value any) {
		done <- dispatchResult{err: err, value: value}
	})
	select {
	case res := <-done:
		require.Empty(t, done, "reply must be called once")
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return dispatchResult{}
	}
}

func TestDispatcher(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, time.Minute)
	d, err := NewDispatcher(echoServices(), nil, sink, nil)
	require.NoError(t, err)

	msg := func(ns, svc, method string, args ...any) codec.Message {
		return codec.Message{Namespace: ns, Service: svc, Method: method, Args: args}
	}

	t.Run("sync values", func(t *testing.T) {
		res := dispatchSync(t, d, msg("user", "service", "echo", "hi", 42))
		require.NoError(t, res.err)
		require.Equal(t, []any{"hi", int64(43)}, res.value)
	})

	t.Run("futures", func(t *testing.T) {
		res := dispatchSync(t, d, msg("user", "service", "async", "later"))
		require.NoError(t, res.err)
		require.Equal(t, "later", res.value)

		res = dispatchSync(t, d, msg("user", "service", "async"))
		require.EqualError(t, res.err, "nothing to resolve")
	})

	t.Run("errors and panics", func(t *testing.T) {
		res := dispatchSync(t, d, msg("user", "service", "fail"))
		require.EqualError(t, res.err, "boom")

		res = dispatchSync(t, d, msg("user", "service", "panic"))
		require.ErrorIs(t, res.err, ErrMethodPanicked)
	})

	t.Run("missing targets are named", func(t *testing.T) {
		res := dispatchSync(t, d, msg("admin", "service", "echo"))
		require.ErrorIs(t, res.err, ErrNoSuchNamespace)
		require.EqualError(t, res.err, "no such namespace: admin")

		res = dispatchSync(t, d, msg("user", "serv", "echo"))
		require.ErrorIs(t, res.err, ErrNoSuchService)

		res = dispatchSync(t, d, msg("user", "service", "ech"))
		require.ErrorIs(t, res.err, ErrNoSuchMethod)
	})

	t.Run("methods are listed in order", func(t *testing.T) {
		paths := d.Methods()
		require.Len(t, paths, 6)
		require.Equal(t, codec.MethodPath{Namespace: "user", Service: "service", Method: "async"}, paths[0])
		require.Equal(t, codec.MethodPath{Namespace: "user", Service: "service", Method: "slow"}, paths[5])
	})

	t.Run("reload merges and replaces", func(t *testing.T) {
		require.NoError(t, d.Reload(ServiceTable{
			"user": {"service": {
				"fail": func(ctx context.Context, args []any) (any, error) { return "fixed", nil },
			}},
			"admin": {"ops": {
				"ping": func(ctx context.Context, args []any) (any, error) { return "pong", nil },
			}},
		}))

		res := dispatchSync(t, d, msg("user", "service", "fail"))
		require.NoError(t, res.err)
		require.Equal(t, "fixed", res.value)

		res = dispatchSync(t, d, msg("admin", "ops", "ping"))
		require.Equal(t, "pong", res.value)

		res = dispatchSync(t, d, msg("user", "service", "echo", "kept", 1))
		require.NoError(t, res.err)

		require.ErrorIs(t, d.Reload(ServiceTable{"a/b": {"c": {"d": func(ctx context.Context, args []any) (any, error) { return nil, nil }}}}), ErrInvalidCfg)
	})

	t.Run("calls are counted", func(t *testing.T) {
		var calls, errs float64
		for _, interval := range sink.Data() {
			for _, c := range interval.Counters {
				switch c.Name {
				case "courier.dispatcher.call.count":
					calls += float64(c.Sum)
				case "courier.dispatcher.error.count":
					errs += float64(c.Sum)
				}
			}
		}
		require.Positive(t, calls)
		require.Positive(t, errs)
	})
}

func TestFuture(t *testing.T) {
	fut := NewFuture()
	fut.Resolve("first")
	fut.Reject(errors.New("ignored"))
	val, err := fut.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "first", val)

	pending := NewFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pending.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
