package courier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServerDirectory(t *testing.T) {
	dir := newServerDirectory()
	var events []membershipEvent
	dir.watch(func(ev membershipEvent) {
		events = append(events, ev)
	})

	a := ServerInfo{ID: "a", ServerType: "chat", Host: "10.0.0.1", Port: 3000}
	b := ServerInfo{ID: "b", ServerType: "chat", Host: "10.0.0.2", Port: 3000}
	c := ServerInfo{ID: "c", ServerType: "gate", Host: "10.0.0.3", Port: 3000}

	t.Run("index and map move together", func(t *testing.T) {
		dir.add(a, b, c)
		require.Equal(t, []ServerInfo{a, b}, dir.ServersByType("chat"))
		require.Equal(t, []ServerInfo{c}, dir.ServersByType("gate"))
		require.Equal(t, []ServerInfo{a, b, c}, dir.all())
		require.Len(t, events, 3)
	})

	t.Run("adding twice does not duplicate", func(t *testing.T) {
		dir.add(a)
		require.Equal(t, []string{"a", "b"}, dir.idsByType("chat"))
		require.Len(t, events, 3, "no event for an unchanged server")
	})

	t.Run("removed servers stay known but offline", func(t *testing.T) {
		removed := dir.remove("a", "unknown")
		require.Equal(t, []ServerInfo{a}, removed)
		require.Equal(t, []ServerInfo{b}, dir.ServersByType("chat"))

		info, known, online := dir.lookup("a")
		require.True(t, known)
		require.False(t, online)
		require.Equal(t, a, info)

		_, known, online = dir.lookup("unknown")
		require.False(t, known)
		require.False(t, online)

		require.Equal(t, serverRemoved, events[len(events)-1].kind)
		require.Empty(t, dir.remove("a"), "removing an offline server is a no-op")
	})

	t.Run("a new descriptor replaces the previous one", func(t *testing.T) {
		reweighted := b
		reweighted.Weight = 5
		require.Empty(t, dir.add(reweighted), "same address, nothing to reconnect")

		moved := b
		moved.Host = "10.0.0.20"
		require.Equal(t, []ServerInfo{reweighted}, dir.add(moved))
		require.Equal(t, []ServerInfo{moved}, dir.ServersByType("chat"))
		last := events[len(events)-2:]
		require.Equal(t, serverRemoved, last[0].kind)
		require.Equal(t, serverAdded, last[1].kind)
	})

	t.Run("replace resets membership", func(t *testing.T) {
		d := ServerInfo{ID: "d", ServerType: "chat", Host: "10.0.0.4", Port: 3000}
		before := len(events)
		dropped := dir.replace([]ServerInfo{c, d})
		require.Len(t, dropped, 1)
		require.Equal(t, "b", dropped[0].ID)

		movedC := c
		movedC.Port = 3001
		dropped = dir.replace([]ServerInfo{movedC, d})
		require.Equal(t, []ServerInfo{c}, dropped, "a server on a new address must be reconnected")
		dropped = dir.replace([]ServerInfo{c, d})
		require.Equal(t, []ServerInfo{movedC}, dropped)
		before += 4

		require.Equal(t, []ServerInfo{d}, dir.ServersByType("chat"))
		require.Equal(t, []ServerInfo{c}, dir.ServersByType("gate"))
		require.Equal(t, []ServerInfo{c, d}, dir.all())

		// b removed, d added, then c moved there and back
		require.Len(t, events, before+2)
	})
}

func TestServerInfo_Validate(t *testing.T) {
	require.NoError(t, ServerInfo{ID: "a", ServerType: "chat", Host: "h", Port: 1}.validate())
	require.ErrorIs(t, ServerInfo{ServerType: "chat", Port: 1}.validate(), ErrInvalidCfg)
	require.ErrorIs(t, ServerInfo{ID: "a", Port: 1}.validate(), ErrInvalidCfg)
	require.ErrorIs(t, ServerInfo{ID: "a", ServerType: "chat", Port: 70000}.validate(), ErrInvalidCfg)
	require.Equal(t, "10.0.0.1:3000", ServerInfo{Host: "10.0.0.1", Port: 3000}.Addr())
}
