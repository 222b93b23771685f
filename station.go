package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/raskyld/courier/pkg/codec"
)

type stationState uint8

const (
	stationInited stationState = iota
	stationStarted
	stationClosed
)

// call is one dispatch travelling through the station, possibly several
// times when the failure policy retries it.
type call struct {
	tracer   *Tracer
	serverID string
	msg      codec.Message
	opts     SendOptions
	notify   bool
	cb       ResponseFunc
	once     sync.Once

	// fail-over candidates, nil until the first fail-over
	candidates []string
	// fail-safe retries done so far
	attempts int
}

func (c *call) finish(err error, resp []any) {
	c.once.Do(func() {
		c.cb(c.tracer, err, resp)
	})
}

// mailStation owns the mailboxes of a client, the calls waiting for a
// mailbox to connect and the filters.
type mailStation struct {
	dir         *serverDirectory
	factory     MailboxFactory
	env         MailboxEnv
	policy      *failurePolicy
	filters     filterChain
	pendingSize int
	gracePeriod time.Duration
	logger      *slog.Logger
	msink       metrics.MetricSink
	mLabels     []metrics.Label

	lk         sync.Mutex
	state      stationState
	mailboxes  map[string]Mailbox
	connecting map[string]Mailbox
	pending    map[string][]*call
	stopCtx    context.Context
	stop       context.CancelFunc
	wg         sync.WaitGroup
}

func newMailStation(cfg *clientConfig, dir *serverDirectory, logger *slog.Logger, msink metrics.MetricSink) *mailStation {
	factory := cfg.mailboxFactory
	if factory == nil {
		factory = NewStreamMailbox
	}

	stopCtx, stop := context.WithCancel(context.Background())
	st := &mailStation{
		dir:     dir,
		factory: factory,
		env: MailboxEnv{
			Config:       cfg.mailbox,
			Transport:    cfg.transport,
			RPCDebugLog:  cfg.rpcDebugLog,
			Logger:       logger,
			MetricSink:   msink,
			MetricLabels: cfg.metricLabels,
		},
		pendingSize: cfg.pendingSize,
		gracePeriod: cfg.gracePeriod,
		logger:      logger.With("component", "station"),
		msink:       msink,
		mLabels:     cfg.metricLabels,
		mailboxes:   make(map[string]Mailbox),
		connecting:  make(map[string]Mailbox),
		pending:     make(map[string][]*call),
		stopCtx:     stopCtx,
		stop:        stop,
	}
	st.policy = &failurePolicy{
		mode:       cfg.failMode,
		retryTimes: cfg.retryTimes,
		retryDelay: cfg.retryConnectTime,
		dir:        dir,
		logger:     logger.With("component", "failure"),
		msink:      msink,
		mLabels:    cfg.metricLabels,
	}
	return st
}

func (st *mailStation) start() error {
	st.lk.Lock()
	defer st.lk.Unlock()
	switch st.state {
	case stationStarted:
		return nil
	case stationClosed:
		return ErrClientStopped
	}
	st.state = stationStarted
	return nil
}

// dispatch sends c to c.serverID, connecting lazily. It never blocks on
// the network.
func (st *mailStation) dispatch(c *call) {
	st.msink.IncrCounterWithLabels(MetricDispatchCount, 1.0, withLabels(st.mLabels, LabelServerType.M(c.msg.ServerType)))

	st.lk.Lock()
	if st.state != stationStarted {
		st.lk.Unlock()
		st.policy.handle(st, CodeServerNotStarted, c, ErrStationNotStarted)
		return
	}

	if mb, ok := st.mailboxes[c.serverID]; ok {
		st.lk.Unlock()
		st.send(mb, c)
		return
	}

	if _, ok := st.connecting[c.serverID]; ok {
		st.enqueueLocked(c)
		st.lk.Unlock()
		return
	}

	info, known, online := st.dir.lookup(c.serverID)
	if !online {
		st.lk.Unlock()
		cause := ErrUnknownServer
		if known {
			cause = ErrServerOffline
		}
		st.policy.handle(st, CodeNoTargetServer, c, fmt.Errorf("%w: %q", cause, c.serverID))
		return
	}

	mb := st.factory(info, st.env)
	st.connecting[c.serverID] = mb
	st.enqueueLocked(c)
	st.wg.Add(1)
	st.lk.Unlock()

	go st.connect(info, mb)
}

func (st *mailStation) enqueueLocked(c *call) {
	queue := st.pending[c.serverID]
	if len(queue) >= st.pendingSize {
		st.msink.IncrCounterWithLabels(MetricPendingDropCount, 1.0, withLabels(st.mLabels, LabelServerID.M(c.serverID)))
		st.logger.Warn("pending queue is full, dropping call",
			LabelServerID.L(c.serverID),
			LabelMethod.L(c.msg.Path()),
			slog.Int("size", st.pendingSize),
		)
		return
	}
	st.pending[c.serverID] = append(queue, c)
	st.msink.SetGaugeWithLabels(MetricPendingDepth, float32(len(queue)+1), withLabels(st.mLabels, LabelServerID.M(c.serverID)))
}

func (st *mailStation) connect(info ServerInfo, mb Mailbox) {
	defer st.wg.Done()

	err := mb.Connect(st.stopCtx)
	if err != nil {
		st.lk.Lock()
		if st.connecting[info.ID] != mb {
			// dropped by closeMailbox, which took the queue
			st.lk.Unlock()
			return
		}
		delete(st.connecting, info.ID)
		queue := st.pending[info.ID]
		delete(st.pending, info.ID)
		st.lk.Unlock()

		st.logger.Warn("could not connect to server", slog.Any("server", info), LabelError.L(err))
		for _, c := range queue {
			st.policy.handle(st, CodeFailConnectServer, c, err)
		}
		return
	}

	st.watchClose(info.ID, mb)

	// calls keep queueing until the queue is drained so they stay in order
	for {
		st.lk.Lock()
		if st.connecting[info.ID] != mb {
			st.lk.Unlock()
			mb.Close()
			return
		}

		if st.state != stationStarted {
			delete(st.connecting, info.ID)
			queue := st.pending[info.ID]
			delete(st.pending, info.ID)
			st.lk.Unlock()
			mb.Close()
			for _, c := range queue {
				c.finish(&RPCError{Code: CodeServerNotStarted, ServerID: info.ID, Err: ErrClientStopped}, nil)
			}
			return
		}

		queue := st.pending[info.ID]
		if len(queue) == 0 {
			delete(st.pending, info.ID)
			delete(st.connecting, info.ID)
			st.mailboxes[info.ID] = mb
			st.lk.Unlock()
			st.msink.SetGaugeWithLabels(MetricPendingDepth, 0, withLabels(st.mLabels, LabelServerID.M(info.ID)))
			return
		}
		st.pending[info.ID] = nil
		st.lk.Unlock()

		for _, c := range queue {
			st.send(mb, c)
		}
	}
}

// watchClose evicts mb from the pool once it is closed.
func (st *mailStation) watchClose(id string, mb Mailbox) {
	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		<-mb.Done()
		st.evict(id, mb)
	}()
}

func (st *mailStation) evict(id string, mb Mailbox) {
	st.lk.Lock()
	defer st.lk.Unlock()
	if st.mailboxes[id] == mb {
		delete(st.mailboxes, id)
		st.logger.Debug("mailbox evicted", LabelServerID.L(id))
	}
}

func (st *mailStation) mailbox(id string) (Mailbox, bool) {
	st.lk.Lock()
	defer st.lk.Unlock()
	mb, ok := st.mailboxes[id]
	return mb, ok
}

func (st *mailStation) send(mb Mailbox, c *call) {
	fc := &FilterContext{
		ServerID: c.serverID,
		Msg:      &c.msg,
		Opts:     &c.opts,
		Tracer:   c.tracer,
	}

	if err := st.filters.runBefore(fc); err != nil {
		st.msink.IncrCounterWithLabels(MetricFilterErrorCount, 1.0, withLabels(st.mLabels, LabelServerID.M(c.serverID)))
		if h := st.filters.errorHandler(); h != nil {
			h(err, fc)
			c.finish(fmt.Errorf("%w: %w", ErrFilterRejected, err), nil)
			return
		}
		st.policy.handle(st, CodeFilterError, c, err)
		return
	}

	if fc.ServerID != c.serverID {
		c.serverID = fc.ServerID
		c.tracer.setRemote(c.serverID)
		var ok bool
		if mb, ok = st.mailbox(c.serverID); !ok {
			st.policy.handle(st, CodeFailFindMailbox, c, fmt.Errorf("%w: %q", ErrNotConnected, c.serverID))
			return
		}
	}

	var cb ResponseFunc
	if !c.notify {
		cb = func(tracer *Tracer, err error, resp []any) {
			if err != nil {
				c.finish(err, nil)
				return
			}
			fc.Resp = resp
			if err := st.filters.runAfter(fc); err != nil {
				st.msink.IncrCounterWithLabels(MetricFilterErrorCount, 1.0, withLabels(st.mLabels, LabelServerID.M(c.serverID)))
				if h := st.filters.errorHandler(); h != nil {
					h(err, fc)
				} else {
					st.logger.Warn("after filter failed", LabelMethod.L(c.msg.Path()), LabelError.L(err))
				}
			}
			c.finish(nil, fc.Resp)
		}
	}

	c.tracer.Debug("client", "station", "send", "sending to mailbox")
	if err := mb.Send(c.tracer, c.msg, c.opts, cb); err != nil {
		select {
		case <-mb.Done():
			st.evict(c.serverID, mb)
		default:
		}
		st.policy.handle(st, CodeFailSendMessage, c, err)
		return
	}
	if c.notify {
		c.finish(nil, nil)
	}
}

// closeMailbox drops the mailbox of a server removed from the cluster or
// moved to another address, connected or not. Calls still waiting for it
// are dispatched again against the current membership.
func (st *mailStation) closeMailbox(id string) error {
	st.lk.Lock()
	pooled := st.mailboxes[id]
	delete(st.mailboxes, id)
	connecting := st.connecting[id]
	delete(st.connecting, id)
	queue := st.pending[id]
	delete(st.pending, id)
	st.lk.Unlock()

	var result error
	for _, mb := range []Mailbox{pooled, connecting} {
		if mb == nil {
			continue
		}
		if err := mb.Close(); err != nil && !errors.Is(err, ErrMailboxClosed) {
			result = multierror.Append(result, fmt.Errorf("closing mailbox %q: %w", id, err))
		}
	}

	if len(queue) > 0 {
		st.msink.SetGaugeWithLabels(MetricPendingDepth, 0, withLabels(st.mLabels, LabelServerID.M(id)))
	}
	for _, c := range queue {
		st.dispatch(c)
	}
	return result
}

// shutdown refuses new dispatches and closes every mailbox, after the
// grace period unless forced.
func (st *mailStation) shutdown(force bool) error {
	st.lk.Lock()
	if st.state == stationClosed {
		st.lk.Unlock()
		return nil
	}
	st.state = stationClosed
	pending := st.pending
	st.pending = make(map[string][]*call)
	st.lk.Unlock()

	for id, queue := range pending {
		for _, c := range queue {
			c.finish(&RPCError{Code: CodeServerNotStarted, ServerID: id, Err: ErrClientStopped}, nil)
		}
	}

	if !force && st.gracePeriod > 0 {
		st.logger.Info("waiting for in-flight calls", slog.Duration("grace_period", st.gracePeriod))
		time.Sleep(st.gracePeriod)
	}
	st.stop()

	st.lk.Lock()
	mailboxes := make([]Mailbox, 0, len(st.mailboxes)+len(st.connecting))
	for _, mb := range st.mailboxes {
		mailboxes = append(mailboxes, mb)
	}
	for _, mb := range st.connecting {
		mailboxes = append(mailboxes, mb)
	}
	st.mailboxes = make(map[string]Mailbox)
	st.lk.Unlock()

	var result error
	for _, mb := range mailboxes {
		if err := mb.Close(); err != nil && !errors.Is(err, ErrMailboxClosed) {
			result = multierror.Append(result, fmt.Errorf("closing mailbox %q: %w", mb.ID(), err))
		}
	}
	st.wg.Wait()
	return result
}
