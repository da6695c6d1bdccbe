// Package tunnel relays one inbound data channel to the local service.
package tunnel

import (
	"net"
	"sync"
	"time"

	"github.com/relais-dev/relais/pkg/obs"
	"github.com/rs/zerolog/log"
)

const dialTimeout = 10 * time.Second

// Splice opens the data and local legs for a NEWCONN and relays bytes in
// both directions until each side has sent its EOF or either copier fails.
// Errors are confined to the pair: the control session is never affected.
// It blocks; the session runs it in its own goroutine.
func Splice(connID, dataAddr, localAddr string) {
	dataConn, err := DialTCP(dataAddr, dialTimeout)
	if err != nil {
		obs.SpliceErrorsTotal.Inc()
		log.Warn().Err(err).Str("conn_id", connID).Msgf("Failed to open data channel to %s.", dataAddr)
		return
	}

	localConn, err := DialTCP(localAddr, dialTimeout)
	if err != nil {
		obs.SpliceErrorsTotal.Inc()
		_ = dataConn.Close()
		log.Warn().Err(err).Str("conn_id", connID).Msgf("Failed to reach local service at %s.", localAddr)
		return
	}

	obs.ActiveSplices.Inc()
	defer obs.ActiveSplices.Dec()

	log.Debug().Str("conn_id", connID).Msgf("Splicing %s <-> %s.", dataAddr, localAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go relay(&wg, connID, dataConn, localConn) // local -> data
	go relay(&wg, connID, localConn, dataConn) // data -> local
	wg.Wait()

	// Both directions have finished; the pair dies together.
	_ = dataConn.Close()
	_ = localConn.Close()

	log.Debug().Str("conn_id", connID).Msg("Pair closed.")
}

// relay copies src to dst. On clean end-of-source it shuts down only the
// write side of dst (TCP FIN), leaving the opposite direction free to
// drain. On I/O error both sockets are closed, which unblocks the peer
// copier as well.
func relay(wg *sync.WaitGroup, connID string, dst, src *net.TCPConn) {
	defer wg.Done()

	written, err := copyBuffered(dst, src)
	obs.SplicedBytesTotal.Add(float64(written))

	if err != nil {
		obs.SpliceErrorsTotal.Inc()
		log.Warn().Err(err).Str("conn_id", connID).Msg("Pair copy failed.")
		_ = dst.Close()
		_ = src.Close()
		return
	}

	if err := dst.CloseWrite(); err != nil {
		log.Debug().Err(err).Str("conn_id", connID).Msg("Half-close failed.")
		_ = dst.Close()
	}
}
