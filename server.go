package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/courier/pkg/codec"
)

// Server accepts connections from clients and dispatches their requests
// to a service table.
type Server struct {
	cfg        *serverConfig
	logger     *slog.Logger
	msink      metrics.MetricSink
	dispatcher *Dispatcher

	lk       sync.Mutex
	acceptor *Acceptor
	serveErr chan error
	cancel   context.CancelFunc
}

func NewServer(services ServiceTable, opts ...ServerOption) (*Server, error) {
	if services == nil {
		return nil, ErrNoServices
	}

	cfg := defaultServerConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	logger := loggerFor(cfg.logHandler)
	msink := sinkFor(cfg.metricSink)
	dispatcher, err := NewDispatcher(services, logger, msink, cfg.metricLabels)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:        cfg,
		logger:     logger,
		msink:      msink,
		dispatcher: dispatcher,
	}, nil
}

// Start binds the listen address and serves in the background. The code
// table of the binary codec is built from the services known at this point.
func (s *Server) Start() error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.acceptor != nil {
		return ErrServerStarted
	}

	cd := s.cfg.codec
	var table *codec.CodeTable
	if tc, ok := cd.(codec.TableCodec); ok {
		if !tc.HasTable() {
			var err error
			table, err = codec.BuildCodeTable(s.dispatcher.Methods())
			if err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
			}
			cd = tc.WithTable(table)
		}
	}

	acceptor, err := newAcceptor(s.cfg, cd, table, s.handle, s.logger, s.msink)
	if err != nil {
		return err
	}
	if err := acceptor.Listen(s.cfg.listenOn); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.acceptor = acceptor
	s.cancel = cancel
	s.serveErr = make(chan error, 1)
	go func() {
		s.serveErr <- acceptor.Serve(ctx)
	}()

	s.logger.Info("server started",
		LabelPeerAddr.L(acceptor.Addr().String()),
		LabelCodec.L(cd.Name()),
	)
	return nil
}

func (s *Server) handle(ctx context.Context, tracer *Tracer, msg *codec.Message, reply func(err error, value any)) {
	tracer.Debug("server", "server", "handle", "dispatching")
	s.dispatcher.Dispatch(ctx, msg, reply)
}

// Stop closes the listener and every connection.
func (s *Server) Stop() error {
	s.lk.Lock()
	acceptor := s.acceptor
	cancel := s.cancel
	serveErr := s.serveErr
	s.acceptor = nil
	s.lk.Unlock()
	if acceptor == nil {
		return nil
	}

	cancel()
	err := acceptor.Close()
	if serr := <-serveErr; serr != nil && !errors.Is(serr, ErrShutdown) {
		err = errors.Join(err, serr)
	}
	s.logger.Info("server stopped")
	return err
}

// Addr is the bound address, nil when the server is not started.
func (s *Server) Addr() net.Addr {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.acceptor == nil {
		return nil
	}
	return s.acceptor.Addr()
}

// Reload merges services into the running server. With the binary codec,
// methods added after Start are only reachable by JSON or proto clients
// until the server restarts.
func (s *Server) Reload(services ServiceTable) error {
	return s.dispatcher.Reload(services)
}

func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}
