// Package failure keeps the supervisor's view of recent trouble: two
// sliding windows of timestamps and the backoff policy derived from them.
package failure

import (
	"errors"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/relais-dev/relais/pkg/obs"
)

const (
	window         = 60 * time.Second
	baseBackoff    = time.Second
	maxBackoff     = 30 * time.Second
	closureCeiling = 4
)

// Tracker records server-initiated closures and network errors within a
// sliding window. It is owned by the supervisor and mutated serially.
type Tracker struct {
	mu             sync.Mutex
	serverClosures []time.Time
	networkErrors  []time.Time
	now            func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// RecordServerClosure notes a closure initiated by the relay.
func (t *Tracker) RecordServerClosure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.serverClosures = t.evict(append(t.serverClosures, t.now()))
	obs.ServerClosuresGauge.Set(float64(len(t.serverClosures)))
}

// RecordNetworkError notes a network-level failure.
func (t *Tracker) RecordNetworkError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.networkErrors = t.evict(append(t.networkErrors, t.now()))
}

// ServerClosureCount returns the closures currently inside the window.
func (t *Tracker) ServerClosureCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.serverClosures = t.evict(t.serverClosures)
	return len(t.serverClosures)
}

// Backoff returns min(30s, 1s * 2^(N-1)) for the N failures in the
// window, and 1s when the window is empty.
func (t *Tracker) Backoff() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.serverClosures = t.evict(t.serverClosures)
	t.networkErrors = t.evict(t.networkErrors)

	n := len(t.serverClosures) + len(t.networkErrors)
	if n == 0 {
		return baseBackoff
	}

	d := baseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// ShouldStopReconnecting reports whether the closure rate crossed the
// ceiling. In agent mode this is informational only: the supervisor logs
// it and keeps reconnecting.
func (t *Tracker) ShouldStopReconnecting() bool {
	return t.ServerClosureCount() >= closureCeiling
}

// Reset clears both windows. The supervisor calls it when a session ends
// without error, after a relay-recovery wait and after a tunnel-health
// teardown; a session reaching RUNNING does not by itself reset it.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.serverClosures = nil
	t.networkErrors = nil
	obs.ServerClosuresGauge.Set(0)
}

func (t *Tracker) evict(entries []time.Time) []time.Time {
	cutoff := t.now().Add(-window)
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	return entries[i:]
}

// networkErrnos are the OS-level failures treated as transient network
// trouble, matched both structurally and by message text.
var networkErrnos = []syscall.Errno{
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
	syscall.ECONNREFUSED,
	syscall.ETIMEDOUT,
}

var networkErrorTokens = []string{
	"EHOSTUNREACH",
	"ENETUNREACH",
	"ECONNREFUSED",
	"ETIMEDOUT",
	"ENOTFOUND",
	"EAI_AGAIN",
	"no such host",
	"connection refused",
	"network is unreachable",
	"i/o timeout",
}

// IsNetworkError classifies err as a transient network failure.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	for _, errno := range networkErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// ENOTFOUND and EAI_AGAIN respectively.
		return dnsErr.IsNotFound || dnsErr.IsTemporary
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	text := err.Error()
	for _, token := range networkErrorTokens {
		if strings.Contains(text, token) {
			return true
		}
	}
	return false
}

// IsHostNotFound reports a DNS resolution failure, which the dialer
// retries a few times before giving up on the attempt.
func IsHostNotFound(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	return err != nil && (strings.Contains(err.Error(), "ENOTFOUND") || strings.Contains(err.Error(), "no such host"))
}
