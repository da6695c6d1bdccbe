// Package health implements the agent's surveillance layers: the
// heartbeat watchdog on the control channel, the relay HTTPS probe and
// the tunnel end-to-end probe. Probes never hold a reference to the
// session; they signal through callbacks that destroy the control socket.
package health

import (
	"sync"
	"time"

	"github.com/relais-dev/relais/pkg/obs"
	"github.com/rs/zerolog/log"
)

const (
	heartbeatDeadAfter  = 30 * time.Second
	heartbeatWarnAfter  = 120 * time.Second
	heartbeatCheckEvery = 5 * time.Second
)

// Watchdog tracks the arrival of server heartbeats on the control channel
// and declares the stream dead when the gap exceeds the threshold.
type Watchdog struct {
	mu     sync.Mutex
	last   time.Time
	warned bool
	fired  bool

	deadAfter  time.Duration
	warnAfter  time.Duration
	checkEvery time.Duration
	now        func() time.Time

	onDead   func()
	stop     chan struct{}
	stopOnce sync.Once
}

// NewWatchdog creates a watchdog. onDead is invoked at most once, from
// the watchdog's own goroutine; it must destroy the control socket.
func NewWatchdog(onDead func()) *Watchdog {
	w := &Watchdog{
		deadAfter:  heartbeatDeadAfter,
		warnAfter:  heartbeatWarnAfter,
		checkEvery: heartbeatCheckEvery,
		now:        time.Now,
		onDead:     onDead,
		stop:       make(chan struct{}),
	}
	w.last = w.now()
	return w
}

// Beat records an inbound HEARTBEAT.
func (w *Watchdog) Beat() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.last = w.now()
	obs.HeartbeatGapSeconds.Set(0)
	if w.warned {
		w.warned = false
		log.Info().Msg("Heartbeat received again, control channel recovered.")
	}
}

// Start launches the periodic check.
func (w *Watchdog) Start() {
	go func() {
		ticker := time.NewTicker(w.checkEvery)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				if w.check() {
					return
				}
			}
		}
	}()
}

// Stop halts the check loop. Idempotent.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// check returns true once the stream has been declared dead.
func (w *Watchdog) check() bool {
	w.mu.Lock()
	gap := w.now().Sub(w.last)
	obs.HeartbeatGapSeconds.Set(gap.Seconds())

	if gap > w.deadAfter {
		fired := w.fired
		w.fired = true
		last := w.last
		w.mu.Unlock()

		if !fired {
			log.Error().Msgf("No server heartbeat for %s (last at %s), closing control channel.",
				gap.Round(time.Second), last.Format(time.RFC3339))
			if w.onDead != nil {
				w.onDead()
			}
		}
		return true
	}

	if gap > w.warnAfter && !w.warned {
		w.warned = true
		last := w.last
		w.mu.Unlock()
		log.Warn().Msgf("No server heartbeat since %s.", last.Format(time.RFC3339))
		return false
	}

	w.mu.Unlock()
	return false
}
