// Package hashring maps keys onto a set of nodes with consistent hashing so
// that adding or removing a node only moves the keys owned by that node.
package hashring

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"slices"
	"sort"
	"strconv"
	"sync"
)

var (
	ErrUnknownAlgorithm = errors.New("hashring: unknown hash algorithm")
	ErrInvalidReplicas  = errors.New("hashring: replicas must be positive")
)

const (
	DefaultReplicas  = 100
	DefaultAlgorithm = "md5"
)

var algorithms = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"crc32": func() hash.Hash {
		return crc32.NewIEEE()
	},
}

type config struct {
	replicas  int
	algorithm string
}

// Option configures a Ring.
type Option func(*config) error

// WithReplicas sets how many points each node owns on the ring.
func WithReplicas(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidReplicas, n)
		}
		c.replicas = n
		return nil
	}
}

// WithAlgorithm selects the hash function by name: md5, sha1, sha256 or crc32.
func WithAlgorithm(name string) Option {
	return func(c *config) error {
		if _, ok := algorithms[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
		}
		c.algorithm = name
		return nil
	}
}

// Ring is safe for concurrent use. When the points of several nodes
// collide, the lowest node name owns the point, so the mapping only
// depends on the set of nodes and not on the order they were added in.
type Ring struct {
	replicas int
	newHash  func() hash.Hash

	lk     sync.RWMutex
	points []string
	claims map[string][]string
	nodes  map[string]struct{}
}

func New(opts ...Option) (*Ring, error) {
	cfg := config{
		replicas:  DefaultReplicas,
		algorithm: DefaultAlgorithm,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	return &Ring{
		replicas: cfg.replicas,
		newHash:  algorithms[cfg.algorithm],
		claims:   make(map[string][]string),
		nodes:    make(map[string]struct{}),
	}, nil
}

func (r *Ring) hash(key string) string {
	h := r.newHash()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Ring) nodePoints(node string) []string {
	points := make([]string, 0, r.replicas)
	for i := 0; i < r.replicas; i++ {
		points = append(points, r.hash(node+":"+strconv.Itoa(i)))
	}
	return points
}

// Add places node on the ring. Adding a node twice is a no-op.
func (r *Ring) Add(nodes ...string) {
	r.lk.Lock()
	defer r.lk.Unlock()
	for _, node := range nodes {
		if _, ok := r.nodes[node]; ok {
			continue
		}
		r.nodes[node] = struct{}{}
		for _, point := range r.nodePoints(node) {
			claimants := r.claims[point]
			if slices.Contains(claimants, node) {
				continue
			}
			if len(claimants) == 0 {
				r.points = append(r.points, point)
			}
			r.claims[point] = append(claimants, node)
		}
	}
	sort.Strings(r.points)
}

// Remove takes node and all its points off the ring. Points it shared with
// another node go back to that node.
func (r *Ring) Remove(nodes ...string) {
	r.lk.Lock()
	defer r.lk.Unlock()
	changed := false
	for _, node := range nodes {
		if _, ok := r.nodes[node]; !ok {
			continue
		}
		delete(r.nodes, node)
		for _, point := range r.nodePoints(node) {
			claimants := slices.DeleteFunc(r.claims[point], func(n string) bool { return n == node })
			if len(claimants) == 0 {
				delete(r.claims, point)
				changed = true
			} else {
				r.claims[point] = claimants
			}
		}
	}
	if !changed {
		return
	}

	kept := r.points[:0]
	for _, point := range r.points {
		if _, claimed := r.claims[point]; claimed {
			kept = append(kept, point)
		}
	}
	r.points = kept
}

// Get returns the node owning the smallest point greater than or equal to
// the hash of key, wrapping around to the first point.
func (r *Ring) Get(key string) (string, bool) {
	r.lk.RLock()
	defer r.lk.RUnlock()
	if len(r.points) == 0 {
		return "", false
	}

	idx := sort.SearchStrings(r.points, r.hash(key))
	if idx == len(r.points) {
		idx = 0
	}
	return slices.Min(r.claims[r.points[idx]]), true
}

// Nodes lists the nodes on the ring in lexical order.
func (r *Ring) Nodes() []string {
	r.lk.RLock()
	defer r.lk.RUnlock()
	nodes := make([]string, 0, len(r.nodes))
	for node := range r.nodes {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	return nodes
}

// Len is the number of nodes on the ring.
func (r *Ring) Len() int {
	r.lk.RLock()
	defer r.lk.RUnlock()
	return len(r.nodes)
}
