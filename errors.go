package courier

import (
	"errors"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg    = errors.New("courier: invalid options")
	ErrClientStopped = errors.New("client: stopped")

	ErrNoServers        = errors.New("router: no server available for this server type")
	ErrInvalidWeight    = errors.New("router: every server has an invalid weight")
	ErrUnknownRouter    = errors.New("router: unknown router type")
	ErrServersExhausted = errors.New("failure: every server of this type failed")
	ErrRetriesExhausted = errors.New("failure: retry budget exhausted")
	ErrUnknownFailMode  = errors.New("failure: unknown fail mode")

	ErrStationNotStarted = errors.New("station: not started")
	ErrUnknownServer     = errors.New("station: unknown server")
	ErrServerOffline     = errors.New("station: server is offline")
	ErrFilterRejected    = errors.New("station: rejected by filter")

	ErrNotConnected     = errors.New("mailbox: not connected")
	ErrMailboxClosed    = errors.New("mailbox: closed")
	ErrDisconnected     = errors.New("mailbox: connection lost")
	ErrTimeout          = errors.New("mailbox: request timed out")
	ErrHeartbeatTimeout = errors.New("mailbox: no pong received in time")
	ErrHandshake        = errors.New("mailbox: handshake failed")

	ErrNoServices      = errors.New("server: a service table is required")
	ErrServerStarted   = errors.New("server: already started")
	ErrNoSuchNamespace = errors.New("no such namespace")
	ErrNoSuchService   = errors.New("no such service")
	ErrNoSuchMethod    = errors.New("no such method")
	ErrMethodPanicked  = errors.New("dispatcher: method panicked")

	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")
	ErrShutdown          = errors.New("transport: shutting down")
	ErrStreamWrite       = errors.New("transport: error writing to a stream")
	ErrProtocolViolation = errors.New("transport: protocol violation")
)

// Sentinels matching each ErrorCode, so callers can use errors.Is on an
// *RPCError.
var (
	ErrServerNotStarted  = errors.New("rpc: server not started")
	ErrNoTargetServer    = errors.New("rpc: no target server")
	ErrFailConnectServer = errors.New("rpc: failed to connect server")
	ErrFailFindMailbox   = errors.New("rpc: failed to find mailbox")
	ErrFailSendMessage   = errors.New("rpc: failed to send message")
	ErrFilterError       = errors.New("rpc: filter error")
)

// ErrorCode classifies dispatch failures handed to the failure policy.
type ErrorCode uint8

const (
	CodeServerNotStarted ErrorCode = iota + 1
	CodeNoTargetServer
	CodeFailConnectServer
	CodeFailFindMailbox
	CodeFailSendMessage
	CodeFilterError
)

func (code ErrorCode) String() string {
	switch code {
	case CodeServerNotStarted:
		return "SERVER_NOT_STARTED"
	case CodeNoTargetServer:
		return "NO_TARGET_SERVER"
	case CodeFailConnectServer:
		return "FAIL_CONNECT_SERVER"
	case CodeFailFindMailbox:
		return "FAIL_FIND_MAILBOX"
	case CodeFailSendMessage:
		return "FAIL_SEND_MESSAGE"
	case CodeFilterError:
		return "FILTER_ERROR"
	default:
		return "UNKNOWN"
	}
}

func (code ErrorCode) sentinel() error {
	switch code {
	case CodeServerNotStarted:
		return ErrServerNotStarted
	case CodeNoTargetServer:
		return ErrNoTargetServer
	case CodeFailConnectServer:
		return ErrFailConnectServer
	case CodeFailFindMailbox:
		return ErrFailFindMailbox
	case CodeFailSendMessage:
		return ErrFailSendMessage
	case CodeFilterError:
		return ErrFilterError
	default:
		return nil
	}
}

// RPCError is the error a call fails with once the failure policy gave up.
type RPCError struct {
	Code     ErrorCode
	ServerID string
	Err      error
}

func (rerr *RPCError) Error() string {
	if rerr.Err == nil {
		return fmt.Sprintf("rpc failed with error code %s on server %q", rerr.Code, rerr.ServerID)
	}
	return fmt.Sprintf("rpc failed with error code %s on server %q: %s", rerr.Code, rerr.ServerID, rerr.Err)
}

func (rerr *RPCError) Unwrap() error {
	return rerr.Err
}

func (rerr *RPCError) Is(target error) bool {
	return target != nil && target == rerr.Code.sentinel()
}

// TimeoutError is reported when no response arrived for a request in time.
type TimeoutError struct {
	ServerID  string
	RequestID uint32
	After     time.Duration
}

func (terr *TimeoutError) Error() string {
	return fmt.Sprintf("rpc callback timeout: request %d to %q got no response after %s",
		terr.RequestID, terr.ServerID, terr.After)
}

func (terr *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

var (
	QErrClosed = QuicApplicationError{
		Code:   0x0,
		Prefix: "closed",
	}
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
