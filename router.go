package courier

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"math"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/raskyld/courier/pkg/codec"
	"github.com/raskyld/courier/pkg/hashring"
)

// RouterType selects a built-in routing strategy.
type RouterType uint8

const (
	// RouterDefault hashes the route parameter's uid with crc32.
	RouterDefault RouterType = iota
	RouterRandom
	RouterRoundRobin
	RouterWeightRoundRobin
	RouterLeastActive
	RouterConsistentHash
)

func (rt RouterType) String() string {
	switch rt {
	case RouterDefault:
		return "default"
	case RouterRandom:
		return "random"
	case RouterRoundRobin:
		return "roundrobin"
	case RouterWeightRoundRobin:
		return "weight-roundrobin"
	case RouterLeastActive:
		return "least-active"
	case RouterConsistentHash:
		return "consistent-hash"
	default:
		return "unknown"
	}
}

// ParseRouterType is the inverse of RouterType.String.
func ParseRouterType(name string) (RouterType, error) {
	for rt := RouterDefault; rt <= RouterConsistentHash; rt++ {
		if rt.String() == name {
			return rt, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRouter, name)
}

// RouteFunc picks the id of the server a message goes to.
type RouteFunc func(ctx context.Context, routeParam any, msg *codec.Message, rc RouteContext) (string, error)

// Session is the usual route parameter: anything exposing a user id.
type Session interface {
	UID() string
}

type wrrCursor struct {
	index  int
	weight int
}

// router holds the state of every built-in strategy for one client.
type router struct {
	kind           RouterType
	custom         RouteFunc
	hashFieldIndex int
	ringOpts       []hashring.Option
	dir            *serverDirectory

	lk     sync.Mutex
	rr     map[string]int
	wrr    map[string]*wrrCursor
	active map[string]int
	rings  map[string]*hashring.Ring
}

func newRouter(cfg *clientConfig, dir *serverDirectory) *router {
	r := &router{
		kind:           cfg.routerType,
		custom:         cfg.routeFunc,
		hashFieldIndex: cfg.hashFieldIndex,
		ringOpts:       cfg.ringOpts,
		dir:            dir,
		rr:             make(map[string]int),
		wrr:            make(map[string]*wrrCursor),
		active:         make(map[string]int),
		rings:          make(map[string]*hashring.Ring),
	}
	dir.watch(r.onMembership)
	return r
}

func (r *router) route(ctx context.Context, routeParam any, msg *codec.Message, rc RouteContext) (string, error) {
	if r.custom != nil {
		return r.custom(ctx, routeParam, msg, rc)
	}

	servers := rc.ServersByType(msg.ServerType)
	if len(servers) == 0 {
		return "", fmt.Errorf("%w: %q", ErrNoServers, msg.ServerType)
	}

	switch r.kind {
	case RouterRandom:
		return servers[rand.IntN(len(servers))].ID, nil
	case RouterRoundRobin:
		return r.roundRobin(msg.ServerType, servers), nil
	case RouterWeightRoundRobin:
		return r.weightRoundRobin(msg.ServerType, servers)
	case RouterLeastActive:
		return r.leastActive(servers), nil
	case RouterConsistentHash:
		return r.consistentHash(msg)
	default:
		return defaultRoute(routeParam, servers), nil
	}
}

// done releases the slot taken by the least-active strategy.
func (r *router) done(serverID string) {
	if r.kind != RouterLeastActive || r.custom != nil {
		return
	}
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.active[serverID] > 0 {
		r.active[serverID]--
	}
}

func (r *router) roundRobin(serverType string, servers []ServerInfo) string {
	r.lk.Lock()
	defer r.lk.Unlock()
	cursor := r.rr[serverType]
	if cursor == math.MaxInt {
		cursor = 0
	}
	r.rr[serverType] = cursor + 1
	return servers[cursor%len(servers)].ID
}

func (r *router) weightRoundRobin(serverType string, servers []ServerInfo) (string, error) {
	maxWeight := 0
	for _, s := range servers {
		maxWeight = max(maxWeight, s.Weight)
	}
	if maxWeight <= 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidWeight, serverType)
	}

	r.lk.Lock()
	defer r.lk.Unlock()
	cur, ok := r.wrr[serverType]
	if !ok {
		cur = &wrrCursor{index: -1}
		r.wrr[serverType] = cur
	}
	if cur.index >= len(servers) {
		cur.index = -1
	}

	for {
		cur.index = (cur.index + 1) % len(servers)
		if cur.index == 0 {
			cur.weight--
			if cur.weight <= 0 || cur.weight > maxWeight {
				cur.weight = maxWeight
			}
		}
		if servers[cur.index].Weight >= cur.weight {
			return servers[cur.index].ID, nil
		}
	}
}

func (r *router) leastActive(servers []ServerInfo) string {
	r.lk.Lock()
	defer r.lk.Unlock()
	least := math.MaxInt
	var candidates []string
	for _, s := range servers {
		n := r.active[s.ID]
		switch {
		case n < least:
			least = n
			candidates = append(candidates[:0], s.ID)
		case n == least:
			candidates = append(candidates, s.ID)
		}
	}
	pick := candidates[rand.IntN(len(candidates))]
	r.active[pick]++
	return pick
}

func (r *router) consistentHash(msg *codec.Message) (string, error) {
	ring, err := r.ring(msg.ServerType)
	if err != nil {
		return "", err
	}

	node, ok := ring.Get(hashKey(msg, r.hashFieldIndex))
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNoServers, msg.ServerType)
	}
	return node, nil
}

// ring returns the ring of serverType, building it on first use. It is
// built while the directory is read locked so no membership change is
// missed, membership events keep it current afterwards.
func (r *router) ring(serverType string) (*hashring.Ring, error) {
	r.lk.Lock()
	ring, ok := r.rings[serverType]
	r.lk.Unlock()
	if ok {
		return ring, nil
	}

	var err error
	r.dir.withIDs(serverType, func(ids []string) {
		r.lk.Lock()
		defer r.lk.Unlock()
		if ring, ok = r.rings[serverType]; ok {
			return
		}
		if ring, err = hashring.New(r.ringOpts...); err != nil {
			err = fmt.Errorf("%w: %w", ErrInvalidCfg, err)
			return
		}
		ring.Add(ids...)
		r.rings[serverType] = ring
	})
	return ring, err
}

func (r *router) onMembership(ev membershipEvent) {
	r.lk.Lock()
	defer r.lk.Unlock()
	ring, hasRing := r.rings[ev.server.ServerType]
	switch ev.kind {
	case serverAdded:
		if hasRing {
			ring.Add(ev.server.ID)
		}
	case serverRemoved:
		if hasRing {
			ring.Remove(ev.server.ID)
		}
		delete(r.active, ev.server.ID)
	}
}

func hashKey(msg *codec.Message, idx int) string {
	if idx < len(msg.Args) {
		switch v := msg.Args[idx].(type) {
		case string:
			return v
		case fmt.Stringer:
			return v.String()
		case nil:
		default:
			return fmt.Sprint(v)
		}
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return msg.Path()
	}
	return string(raw)
}

// defaultRoute spreads sessions with crc32 over their uid.
func defaultRoute(routeParam any, servers []ServerInfo) string {
	sum := crc32.ChecksumIEEE([]byte(routeUID(routeParam)))
	return servers[int(sum%uint32(len(servers)))].ID
}

func routeUID(routeParam any) string {
	switch p := routeParam.(type) {
	case nil:
		return ""
	case string:
		return p
	case Session:
		return p.UID()
	case fmt.Stringer:
		return p.String()
	default:
		return strings.TrimSpace(fmt.Sprint(p))
	}
}
