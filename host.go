package courier

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
)

// ServerInfo describes a remote server a client may dispatch to. It is
// immutable once added to a client.
type ServerInfo struct {
	// ID must be unique across the cluster.
	ID string `json:"id"`

	// ServerType groups interchangeable servers; routers pick among the
	// servers of one type.
	ServerType string `json:"serverType"`

	Host string `json:"host"`
	Port int    `json:"port"`

	// Weight is only used by the weighted round-robin router.
	Weight int `json:"weight,omitempty"`
}

// Addr is the dialable address of the server.
func (info ServerInfo) Addr() string {
	return net.JoinHostPort(info.Host, strconv.Itoa(info.Port))
}

func (info ServerInfo) validate() error {
	if info.ID == "" {
		return fmt.Errorf("%w: server id is empty", ErrInvalidCfg)
	}
	if info.ServerType == "" {
		return fmt.Errorf("%w: server %q has no server type", ErrInvalidCfg, info.ID)
	}
	if info.Port <= 0 || info.Port > 65535 {
		return fmt.Errorf("%w: server %q has an invalid port %d", ErrInvalidCfg, info.ID, info.Port)
	}
	return nil
}

func (info ServerInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", info.ID),
		slog.String("type", info.ServerType),
		slog.String("addr", info.Addr()),
	)
}
