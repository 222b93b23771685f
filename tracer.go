package courier

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/raskyld/courier/pkg/codec"
)

// Tracer follows one call across client and server when RPC debug logging
// is on. A nil or disabled Tracer logs nothing.
type Tracer struct {
	logger  *slog.Logger
	enabled bool
	lk      sync.Mutex

	ID     string
	Seq    int
	Source string
	Remote string
	path   string
}

func newTracer(logger *slog.Logger, enabled bool, source, remote string, msg *codec.Message) *Tracer {
	t := &Tracer{
		logger:  logger,
		enabled: enabled,
		Seq:     1,
		Source:  source,
		Remote:  remote,
	}
	if msg != nil {
		t.path = msg.Path()
	}
	if enabled {
		id, err := uuid.NewUUID()
		if err != nil {
			id = uuid.New()
		}
		t.ID = id.String()
	}
	return t
}

// tracerFromWire rebuilds the server side of a trace.
func tracerFromWire(logger *slog.Logger, enabled bool, trace *codec.Trace, msg *codec.Message) *Tracer {
	if trace == nil {
		return nil
	}
	return &Tracer{
		logger:  logger,
		enabled: enabled,
		ID:      trace.TraceID,
		Seq:     trace.SeqID,
		Source:  trace.Source,
		Remote:  trace.Remote,
		path:    msg.Path(),
	}
}

func (t *Tracer) wire() *codec.Trace {
	if t == nil || !t.enabled {
		return nil
	}
	t.lk.Lock()
	defer t.lk.Unlock()
	return &codec.Trace{TraceID: t.ID, SeqID: t.Seq, Source: t.Source, Remote: t.Remote}
}

func (t *Tracer) Debug(role, module, method, description string) {
	t.log(slog.LevelDebug, role, module, method, description)
}

func (t *Tracer) Info(role, module, method, description string) {
	t.log(slog.LevelInfo, role, module, method, description)
}

func (t *Tracer) Error(role, module, method, description string) {
	t.log(slog.LevelError, role, module, method, description)
}

func (t *Tracer) log(level slog.Level, role, module, method, description string) {
	if t == nil || !t.enabled || t.logger == nil {
		return
	}
	t.lk.Lock()
	t.Seq++
	seq := t.Seq
	remote := t.Remote
	t.lk.Unlock()
	t.logger.LogAttrs(context.Background(), level, description,
		slog.String("trace_id", t.ID),
		slog.Int("seq", seq),
		slog.String("role", role),
		slog.String("source", t.Source),
		slog.String("remote", remote),
		slog.String("module", module),
		slog.String("method", method),
		slog.String("path", t.path),
	)
}

// setRemote records the server a call is being sent to, which changes on
// fail-over.
func (t *Tracer) setRemote(remote string) {
	if t == nil {
		return
	}
	t.lk.Lock()
	t.Remote = remote
	t.lk.Unlock()
}
