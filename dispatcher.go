package courier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/courier/pkg/codec"
)

// Method is a remotely callable function. It may return a *Future to
// complete asynchronously.
type Method func(ctx context.Context, args []any) (any, error)

// Service groups methods by name.
type Service map[string]Method

// ServiceTable maps namespace then service name to services.
type ServiceTable map[string]map[string]Service

const pathSep = "/"

// Future is the value of a method completing later. Exactly the first
// Resolve or Reject counts.
type Future struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) Resolve(value any) {
	f.once.Do(func() {
		f.value = value
		close(f.done)
	})
}

func (f *Future) Reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatcher resolves messages to methods. Its index is an immutable radix
// tree swapped atomically, so reloads never block dispatches.
type Dispatcher struct {
	tree    atomic.Pointer[iradix.Tree]
	reload  sync.Mutex
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label
}

func NewDispatcher(table ServiceTable, logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) (*Dispatcher, error) {
	if table == nil {
		return nil, ErrNoServices
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		logger:  logger.With("component", "dispatcher"),
		msink:   sinkFor(msink),
		mLabels: labels,
	}
	tree, err := index(iradix.New(), table)
	if err != nil {
		return nil, err
	}
	d.tree.Store(tree)
	return d, nil
}

func index(tree *iradix.Tree, table ServiceTable) (*iradix.Tree, error) {
	txn := tree.Txn()
	for ns, services := range table {
		for svcName, svc := range services {
			for methodName, method := range svc {
				if method == nil {
					return nil, fmt.Errorf("%w: method %s.%s.%s is nil", ErrInvalidCfg, ns, svcName, methodName)
				}
				for _, name := range []string{ns, svcName, methodName} {
					if name == "" || strings.Contains(name, pathSep) {
						return nil, fmt.Errorf("%w: invalid name %q", ErrInvalidCfg, name)
					}
				}
				txn.Insert(methodKey(ns, svcName, methodName), method)
			}
		}
	}
	return txn.Commit(), nil
}

func methodKey(parts ...string) []byte {
	return []byte(strings.Join(parts, pathSep))
}

// Reload merges table into the index, replacing methods already present.
func (d *Dispatcher) Reload(table ServiceTable) error {
	d.reload.Lock()
	defer d.reload.Unlock()
	tree, err := index(d.tree.Load(), table)
	if err != nil {
		return err
	}
	d.tree.Store(tree)
	d.logger.Info("services reloaded", slog.Int("methods", tree.Len()))
	return nil
}

// Methods lists every method, sorted.
func (d *Dispatcher) Methods() []codec.MethodPath {
	var paths []codec.MethodPath
	d.tree.Load().Root().Walk(func(k []byte, _ interface{}) bool {
		parts := strings.SplitN(string(k), pathSep, 3)
		paths = append(paths, codec.MethodPath{Namespace: parts[0], Service: parts[1], Method: parts[2]})
		return false
	})
	return paths
}

func (d *Dispatcher) lookup(msg *codec.Message) (Method, error) {
	tree := d.tree.Load()
	if raw, ok := tree.Get(methodKey(msg.Namespace, msg.Service, msg.Method)); ok {
		return raw.(Method), nil
	}

	switch {
	case !hasPrefix(tree, msg.Namespace+pathSep):
		return nil, fmt.Errorf("%w: %s", ErrNoSuchNamespace, msg.Namespace)
	case !hasPrefix(tree, msg.Namespace+pathSep+msg.Service+pathSep):
		return nil, fmt.Errorf("%w: %s.%s", ErrNoSuchService, msg.Namespace, msg.Service)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoSuchMethod, msg.Path())
	}
}

func hasPrefix(tree *iradix.Tree, prefix string) bool {
	found := false
	tree.Root().WalkPrefix([]byte(prefix), func(_ []byte, _ interface{}) bool {
		found = true
		return true
	})
	return found
}

// Dispatch invokes the method msg addresses and calls reply exactly once
// with its outcome. It returns once the method returned, a Future being
// awaited in the background.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *codec.Message, reply func(err error, value any)) {
	mLabels := withLabels(d.mLabels, LabelMethod.M(msg.Path()))
	d.msink.IncrCounterWithLabels(MetricDispatcherCallCount, 1.0, mLabels)

	var once sync.Once
	respond := func(err error, value any) {
		once.Do(func() {
			if err != nil {
				d.msink.IncrCounterWithLabels(MetricDispatcherErrorCount, 1.0, mLabels)
			}
			reply(err, value)
		})
	}

	method, err := d.lookup(msg)
	if err != nil {
		d.logger.Debug("cannot dispatch", LabelMethod.L(msg.Path()), LabelError.L(err))
		respond(err, nil)
		return
	}

	value, err := d.invoke(ctx, method, msg)
	if err != nil {
		respond(err, nil)
		return
	}

	if fut, ok := value.(*Future); ok {
		go func() {
			v, err := fut.Wait(ctx)
			respond(err, v)
		}()
		return
	}
	respond(nil, value)
}

func (d *Dispatcher) invoke(ctx context.Context, method Method, msg *codec.Message) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("method panicked", LabelMethod.L(msg.Path()), slog.Any("panic", r))
			value, err = nil, fmt.Errorf("%w: %s: %v", ErrMethodPanicked, msg.Path(), r)
		}
	}()
	return method(ctx, msg.Args)
}
