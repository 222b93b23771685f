package courier

import (
	"slices"
	"sync"
)

type membershipKind uint8

const (
	serverAdded membershipKind = iota
	serverRemoved
)

type membershipEvent struct {
	kind   membershipKind
	server ServerInfo
}

// RouteContext is what routers see of the cluster.
type RouteContext interface {
	// ServersByType lists the online servers of a type in insertion order.
	ServersByType(serverType string) []ServerInfo
}

// serverDirectory holds the servers known by a client. The id map, the
// per-type index and the online flags are always updated together.
type serverDirectory struct {
	lk       sync.RWMutex
	servers  map[string]ServerInfo
	byType   map[string][]string
	online   map[string]bool
	watchers []func(membershipEvent)
}

func newServerDirectory() *serverDirectory {
	return &serverDirectory{
		servers: make(map[string]ServerInfo),
		byType:  make(map[string][]string),
		online:  make(map[string]bool),
	}
}

// watch registers fn for every membership change. Watchers run with the
// directory locked and must not call back into it.
func (dir *serverDirectory) watch(fn func(membershipEvent)) {
	dir.lk.Lock()
	defer dir.lk.Unlock()
	dir.watchers = append(dir.watchers, fn)
}

func (dir *serverDirectory) notify(ev membershipEvent) {
	for _, fn := range dir.watchers {
		fn(ev)
	}
}

// add marks the servers online and returns the previous descriptors of
// servers which moved to another address.
func (dir *serverDirectory) add(infos ...ServerInfo) []ServerInfo {
	dir.lk.Lock()
	defer dir.lk.Unlock()
	var moved []ServerInfo
	for _, info := range infos {
		if prev, ok := dir.addLocked(info); ok {
			moved = append(moved, prev)
		}
	}
	return moved
}

func (dir *serverDirectory) addLocked(info ServerInfo) (moved ServerInfo, ok bool) {
	if prev, known := dir.servers[info.ID]; known && dir.online[info.ID] {
		if prev == info {
			return ServerInfo{}, false
		}
		dir.removeLocked(info.ID)
		if prev.Addr() != info.Addr() {
			moved, ok = prev, true
		}
	}

	dir.servers[info.ID] = info
	dir.online[info.ID] = true
	if !slices.Contains(dir.byType[info.ServerType], info.ID) {
		dir.byType[info.ServerType] = append(dir.byType[info.ServerType], info.ID)
	}
	dir.notify(membershipEvent{kind: serverAdded, server: info})
	return moved, ok
}

// remove marks the servers offline and drops them from the type index. The
// descriptor is kept so logs can tell an offline server from an unknown one.
func (dir *serverDirectory) remove(ids ...string) []ServerInfo {
	dir.lk.Lock()
	defer dir.lk.Unlock()
	var removed []ServerInfo
	for _, id := range ids {
		if info, ok := dir.removeLocked(id); ok {
			removed = append(removed, info)
		}
	}
	return removed
}

func (dir *serverDirectory) removeLocked(id string) (ServerInfo, bool) {
	info, known := dir.servers[id]
	if !known || !dir.online[id] {
		return ServerInfo{}, false
	}

	dir.online[id] = false
	ids := dir.byType[info.ServerType]
	if idx := slices.Index(ids, id); idx >= 0 {
		ids = slices.Delete(slices.Clone(ids), idx, idx+1)
	}
	if len(ids) == 0 {
		delete(dir.byType, info.ServerType)
	} else {
		dir.byType[info.ServerType] = ids
	}
	dir.notify(membershipEvent{kind: serverRemoved, server: info})
	return info, true
}

// replace swaps the whole membership and returns the previous descriptors
// of servers which are not part of it anymore or moved to another address.
func (dir *serverDirectory) replace(infos []ServerInfo) []ServerInfo {
	dir.lk.Lock()
	defer dir.lk.Unlock()

	next := make(map[string]ServerInfo, len(infos))
	for _, info := range infos {
		next[info.ID] = info
	}

	previous := make(map[string]ServerInfo, len(dir.servers))
	for id, info := range dir.servers {
		if dir.online[id] {
			previous[id] = info
		}
	}

	var dropped []ServerInfo
	for id, info := range previous {
		if replacement, kept := next[id]; !kept || replacement != info {
			dir.removeLocked(id)
			if !kept || replacement.Addr() != info.Addr() {
				dropped = append(dropped, info)
			}
		}
	}

	dir.servers = make(map[string]ServerInfo, len(next))
	dir.online = make(map[string]bool, len(next))
	dir.byType = make(map[string][]string)
	for _, info := range infos {
		if _, done := dir.servers[info.ID]; done {
			continue
		}
		info = next[info.ID]
		dir.servers[info.ID] = info
		dir.online[info.ID] = true
		dir.byType[info.ServerType] = append(dir.byType[info.ServerType], info.ID)
		if prev, was := previous[info.ID]; !was || prev != info {
			dir.notify(membershipEvent{kind: serverAdded, server: info})
		}
	}
	return dropped
}

// lookup reports the descriptor of id and whether it is online.
func (dir *serverDirectory) lookup(id string) (info ServerInfo, known bool, online bool) {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	info, known = dir.servers[id]
	return info, known, dir.online[id]
}

// withIDs calls fn with the ids of serverType while holding the read lock,
// so fn sees no membership change until it returns. fn must not call back
// into the directory.
func (dir *serverDirectory) withIDs(serverType string, fn func(ids []string)) {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	fn(dir.byType[serverType])
}

func (dir *serverDirectory) idsByType(serverType string) []string {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	return slices.Clone(dir.byType[serverType])
}

func (dir *serverDirectory) ServersByType(serverType string) []ServerInfo {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	ids := dir.byType[serverType]
	out := make([]ServerInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, dir.servers[id])
	}
	return out
}

func (dir *serverDirectory) all() []ServerInfo {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	out := make([]ServerInfo, 0, len(dir.servers))
	for _, ids := range dir.byType {
		for _, id := range ids {
			out = append(out, dir.servers[id])
		}
	}
	slices.SortFunc(out, func(a, b ServerInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return out
}
