package courier

import (
	"sync"

	"github.com/raskyld/courier/pkg/codec"
)

// FilterContext is what filters see of a call. Before filters may change
// the target, the message or the options; after filters may change Resp.
type FilterContext struct {
	ServerID string
	Msg      *codec.Message
	Opts     *SendOptions
	Resp     []any
	Tracer   *Tracer
}

// Filter runs before a request is sent or after its response arrived. A
// non-nil error stops the chain.
type Filter func(fc *FilterContext) error

// ErrorHandler receives filter errors instead of the failure policy.
type ErrorHandler func(err error, fc *FilterContext)

type filterChain struct {
	lk      sync.RWMutex
	before  []Filter
	after   []Filter
	onError ErrorHandler
}

func (fch *filterChain) addBefore(filters ...Filter) {
	fch.lk.Lock()
	defer fch.lk.Unlock()
	fch.before = append(fch.before, filters...)
}

func (fch *filterChain) addAfter(filters ...Filter) {
	fch.lk.Lock()
	defer fch.lk.Unlock()
	fch.after = append(fch.after, filters...)
}

func (fch *filterChain) setErrorHandler(h ErrorHandler) {
	fch.lk.Lock()
	defer fch.lk.Unlock()
	fch.onError = h
}

func (fch *filterChain) errorHandler() ErrorHandler {
	fch.lk.RLock()
	defer fch.lk.RUnlock()
	return fch.onError
}

func (fch *filterChain) runBefore(fc *FilterContext) error {
	fch.lk.RLock()
	chain := fch.before
	fch.lk.RUnlock()
	return runChain(chain, fc)
}

func (fch *filterChain) runAfter(fc *FilterContext) error {
	fch.lk.RLock()
	chain := fch.after
	fch.lk.RUnlock()
	return runChain(chain, fc)
}

func runChain(chain []Filter, fc *FilterContext) error {
	for _, f := range chain {
		if err := f(fc); err != nil {
			return err
		}
	}
	return nil
}
