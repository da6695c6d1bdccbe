package tunnel

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	copyBufferSize   = 64 * 1024
	socketBufferSize = 256 * 1024
	keepalivePeriod  = 30 * time.Second
)

var copyBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, copyBufferSize)
		return &buf
	},
}

// copyBuffered performs io.CopyBuffer using pooled buffers.
// This reduces memory allocations and GC pressure.
func copyBuffered(dst io.Writer, src io.Reader) (written int64, err error) {
	bufPtr := copyBufferPool.Get().(*[]byte)
	defer copyBufferPool.Put(bufPtr)
	return io.CopyBuffer(dst, src, *bufPtr)
}

// Tune applies the TCP tunables used on every control and data socket:
// NODELAY on, keepalive with a 30s idle, 256KiB kernel buffers.
func Tune(conn *net.TCPConn) {
	if err := conn.SetNoDelay(true); err != nil {
		log.Debug().Err(err).Msg("Failed to set TCP_NODELAY.")
	}
	if err := conn.SetKeepAlive(true); err != nil {
		log.Debug().Err(err).Msg("Failed to enable keepalive.")
	}
	if err := conn.SetKeepAlivePeriod(keepalivePeriod); err != nil {
		log.Debug().Err(err).Msg("Failed to set keepalive period.")
	}
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		log.Debug().Err(err).Msg("Failed to set receive buffer.")
	}
	if err := conn.SetWriteBuffer(socketBufferSize); err != nil {
		log.Debug().Err(err).Msg("Failed to set send buffer.")
	}
}

// DialTCP dials addr with the given timeout and applies the tunables.
func DialTCP(addr string, timeout time.Duration) (*net.TCPConn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return nil, net.UnknownNetworkError("tcp")
	}

	Tune(tcpConn)
	return tcpConn, nil
}
