package courier

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

// FailMode selects how the station reacts to a dispatch failure.
type FailMode uint8

const (
	// FailFast completes the call with the failure.
	FailFast FailMode = iota
	// FailOver tries the other servers of the same type, each at most once.
	FailOver
	// FailBack is reserved and currently behaves like FailFast.
	FailBack
	// FailSafe retries the same server with a linear backoff.
	FailSafe
)

func (fm FailMode) String() string {
	switch fm {
	case FailFast:
		return "failfast"
	case FailOver:
		return "failover"
	case FailBack:
		return "failback"
	case FailSafe:
		return "failsafe"
	default:
		return "unknown"
	}
}

// ParseFailMode is the inverse of FailMode.String.
func ParseFailMode(name string) (FailMode, error) {
	for fm := FailFast; fm <= FailSafe; fm++ {
		if fm.String() == name {
			return fm, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFailMode, name)
}

type failurePolicy struct {
	mode       FailMode
	retryTimes int
	retryDelay time.Duration
	dir        *serverDirectory
	logger     *slog.Logger
	msink      metrics.MetricSink
	mLabels    []metrics.Label

	failBackOnce sync.Once
}

// handle decides what becomes of c after it failed on c.serverID. It either
// completes c or hands it back to the station.
func (fp *failurePolicy) handle(st *mailStation, code ErrorCode, c *call, cause error) {
	fp.msink.IncrCounterWithLabels(
		MetricFailureCount,
		1.0,
		withLabels(fp.mLabels, LabelCode.M(code.String()), LabelServerType.M(c.msg.ServerType)),
	)
	c.tracer.Error("client", "failure", "handle", code.String())

	switch fp.mode {
	case FailOver:
		fp.failOver(st, code, c, cause)
	case FailSafe:
		fp.failSafe(st, code, c, cause)
	case FailBack:
		fp.failBackOnce.Do(func() {
			fp.logger.Warn("fail-back mode is not supported, failing fast instead")
		})
		fp.failFast(code, c, cause)
	default:
		fp.failFast(code, c, cause)
	}
}

func (fp *failurePolicy) failFast(code ErrorCode, c *call, cause error) {
	fp.logger.Warn("rpc failed",
		LabelCode.L(code.String()),
		LabelServerID.L(c.serverID),
		LabelMethod.L(c.msg.Path()),
		LabelError.L(cause),
	)
	c.finish(&RPCError{Code: code, ServerID: c.serverID, Err: cause}, nil)
}

func (fp *failurePolicy) failOver(st *mailStation, code ErrorCode, c *call, cause error) {
	if code == CodeServerNotStarted {
		fp.failFast(code, c, cause)
		return
	}

	if c.candidates == nil {
		c.candidates = fp.dir.idsByType(c.msg.ServerType)
	}
	c.candidates = slices.DeleteFunc(c.candidates, func(id string) bool { return id == c.serverID })
	if len(c.candidates) == 0 {
		fp.failFast(code, c, fmt.Errorf("%w %q: %w", ErrServersExhausted, c.msg.ServerType, cause))
		return
	}

	failed := c.serverID
	c.serverID = c.candidates[0]
	c.tracer.setRemote(c.serverID)
	fp.logger.Debug("failing over",
		LabelCode.L(code.String()),
		slog.String("from", failed),
		slog.String("to", c.serverID),
	)
	st.dispatch(c)
}

func (fp *failurePolicy) failSafe(st *mailStation, code ErrorCode, c *call, cause error) {
	switch code {
	case CodeFailConnectServer, CodeFailFindMailbox, CodeFailSendMessage:
	default:
		fp.failFast(code, c, cause)
		return
	}

	c.attempts++
	if c.attempts > fp.retryTimes {
		fp.failFast(code, c, fmt.Errorf("%w: gave up on %q after %d retries: %w",
			ErrRetriesExhausted, c.serverID, fp.retryTimes, cause))
		return
	}

	delay := fp.retryDelay * time.Duration(c.attempts)
	fp.logger.Debug("retrying",
		LabelCode.L(code.String()),
		LabelServerID.L(c.serverID),
		slog.Int("attempt", c.attempts),
		slog.Duration("delay", delay),
	)
	time.AfterFunc(delay, func() { st.dispatch(c) })
}
