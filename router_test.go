package courier

import (
	"context"
	"fmt"
	"testing"

	"github.com/raskyld/courier/pkg/codec"
	"github.com/stretchr/testify/require"
)

type uidSession string

func (s uidSession) UID() string { return string(s) }

func newTestRouter(t *testing.T, opts ...ClientOption) (*router, *serverDirectory) {
	t.Helper()
	cfg := defaultClientConfig()
	for _, opt := range opts {
		require.NoError(t, opt(cfg))
	}
	dir := newServerDirectory()
	return newRouter(cfg, dir), dir
}

func addTyped(dir *serverDirectory, serverType string, weights map[string]int, ids ...string) {
	for i, id := range ids {
		dir.add(ServerInfo{ID: id, ServerType: serverType, Host: "127.0.0.1", Port: 5000 + i, Weight: weights[id]})
	}
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	msg := &codec.Message{ServerType: "chat", Method: "send"}

	t.Run("no server of the type", func(t *testing.T) {
		r, dir := newTestRouter(t)
		_, err := r.route(ctx, nil, msg, dir)
		require.ErrorIs(t, err, ErrNoServers)
	})

	t.Run("round robin cycles in insertion order", func(t *testing.T) {
		r, dir := newTestRouter(t, WithRouterType(RouterRoundRobin))
		addTyped(dir, "chat", nil, "a", "b", "c")

		var got []string
		for i := 0; i < 6; i++ {
			id, err := r.route(ctx, nil, msg, dir)
			require.NoError(t, err)
			got = append(got, id)
		}
		require.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
	})

	t.Run("weighted round robin honours weights", func(t *testing.T) {
		r, dir := newTestRouter(t, WithRouterType(RouterWeightRoundRobin))
		addTyped(dir, "chat", map[string]int{"a": 3, "b": 1}, "a", "b")

		counts := map[string]int{}
		for i := 0; i < 40; i++ {
			id, err := r.route(ctx, nil, msg, dir)
			require.NoError(t, err)
			counts[id]++
		}
		require.Equal(t, 30, counts["a"])
		require.Equal(t, 10, counts["b"])
	})

	t.Run("weighted round robin needs a positive weight", func(t *testing.T) {
		r, dir := newTestRouter(t, WithRouterType(RouterWeightRoundRobin))
		addTyped(dir, "chat", nil, "a", "b")
		_, err := r.route(ctx, nil, msg, dir)
		require.ErrorIs(t, err, ErrInvalidWeight)
	})

	t.Run("least active spreads and releases", func(t *testing.T) {
		r, dir := newTestRouter(t, WithRouterType(RouterLeastActive))
		addTyped(dir, "chat", nil, "a", "b")

		first, err := r.route(ctx, nil, msg, dir)
		require.NoError(t, err)
		second, err := r.route(ctx, nil, msg, dir)
		require.NoError(t, err)
		require.NotEqual(t, first, second)

		r.done(first)
		third, err := r.route(ctx, nil, msg, dir)
		require.NoError(t, err)
		require.Equal(t, first, third)
	})

	t.Run("random stays within the type", func(t *testing.T) {
		r, dir := newTestRouter(t, WithRouterType(RouterRandom))
		addTyped(dir, "chat", nil, "a", "b")
		addTyped(dir, "other", nil, "x")
		for i := 0; i < 20; i++ {
			id, err := r.route(ctx, nil, msg, dir)
			require.NoError(t, err)
			require.Contains(t, []string{"a", "b"}, id)
		}
	})

	t.Run("consistent hash is stable and follows membership", func(t *testing.T) {
		r, dir := newTestRouter(t, WithRouterType(RouterConsistentHash))
		addTyped(dir, "chat", nil, "a", "b", "c")

		keyed := &codec.Message{ServerType: "chat", Method: "send", Args: []any{"user-42"}}
		first, err := r.route(ctx, nil, keyed, dir)
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			again, err := r.route(ctx, nil, keyed, dir)
			require.NoError(t, err)
			require.Equal(t, first, again)
		}

		dir.remove(first)
		moved, err := r.route(ctx, nil, keyed, dir)
		require.NoError(t, err)
		require.NotEqual(t, first, moved)

		noArgs := &codec.Message{ServerType: "chat", Method: "send"}
		_, err = r.route(ctx, nil, noArgs, dir)
		require.NoError(t, err, "the whole message is hashed without the argument")
	})

	t.Run("rings built during membership changes miss no server", func(t *testing.T) {
		r, dir := newTestRouter(t, WithRouterType(RouterConsistentHash))
		addTyped(dir, "chat", nil, "seed")

		var ids []string
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("n%d", i)
				ids = append(ids, id)
				dir.add(ServerInfo{ID: id, ServerType: "chat", Host: "127.0.0.1", Port: 6000 + i})
			}
		}()
		_, err := r.route(ctx, nil, msg, dir)
		require.NoError(t, err)
		<-done

		ring, err := r.ring("chat")
		require.NoError(t, err)
		require.ElementsMatch(t, append(ids, "seed"), ring.Nodes())

		dir.remove("seed")
		require.NotContains(t, ring.Nodes(), "seed")
	})

	t.Run("default route sticks to a session", func(t *testing.T) {
		r, dir := newTestRouter(t)
		addTyped(dir, "chat", nil, "a", "b", "c")

		first, err := r.route(ctx, uidSession("user-1"), msg, dir)
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			again, err := r.route(ctx, "user-1", msg, dir)
			require.NoError(t, err)
			require.Equal(t, first, again, "a session and its uid route the same")
		}
	})

	t.Run("custom route function wins", func(t *testing.T) {
		r, dir := newTestRouter(t,
			WithRouterType(RouterRoundRobin),
			WithRouteFunc(func(ctx context.Context, routeParam any, msg *codec.Message, rc RouteContext) (string, error) {
				servers := rc.ServersByType(msg.ServerType)
				return servers[len(servers)-1].ID, nil
			}),
		)
		addTyped(dir, "chat", nil, "a", "b")
		id, err := r.route(ctx, nil, msg, dir)
		require.NoError(t, err)
		require.Equal(t, "b", id)
	})
}

func TestParseRouterType(t *testing.T) {
	for rt := RouterDefault; rt <= RouterConsistentHash; rt++ {
		parsed, err := ParseRouterType(rt.String())
		require.NoError(t, err)
		require.Equal(t, rt, parsed)
	}
	_, err := ParseRouterType("fastest")
	require.ErrorIs(t, err, ErrUnknownRouter)

	_, err = NewClient(WithRouterType(RouterType(42)))
	require.ErrorIs(t, err, ErrUnknownRouter)
}
