package courier

import (
	"net"
	"sync"

	"github.com/quic-go/quic-go"
)

// streamWrapper presents a QUIC stream as a net.Conn. Closing it tears down
// the whole QUIC connection since a mailbox owns its connection.
type streamWrapper struct {
	localAddr  net.Addr
	remoteAddr net.Addr
	conn       quic.Connection
	closeOnce  sync.Once

	// NB(raskyld): It is not clear from the go-quic docs and interface comments
	// whether the stream is thread-safe, it states that Close MUST NOT
	// be called concurrently with write, but looking at the implementation,
	// it does use a mutex to sync Write/Close/Read operations, so I don't
	// think we need to make it thread-safe ourselves.
	quic.Stream
}

func (gs *streamWrapper) LocalAddr() net.Addr {
	return gs.localAddr
}

func (gs *streamWrapper) RemoteAddr() net.Addr {
	return gs.remoteAddr
}

func (gs *streamWrapper) Close() error {
	var err error
	gs.closeOnce.Do(func() {
		gs.Stream.CancelRead(0)
		err = gs.Stream.Close()
		QErrClosed.Close(gs.conn, "stream closed")
	})
	return err
}
