package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog/log"
)

// DefaultHealthURL is the relay's health endpoint.
const DefaultHealthURL = "https://relais.dev/api/health"

const (
	relayProbeInterval = 5 * time.Second
	relayProbeTimeout  = 10 * time.Second
	relayFailThreshold = 30 * time.Second
	relayRecoveryPoll  = 5 * time.Second
)

type healthBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RelayMonitor probes the relay's HTTPS health endpoint. After the
// endpoint has been unhealthy continuously for the threshold it fires
// OnLost exactly once; when probes succeed again it fires OnRestored.
type RelayMonitor struct {
	// OnLost and OnRestored must be set before Start.
	OnLost     func()
	OnRestored func()

	url    string
	client *http.Client

	interval      time.Duration
	failThreshold time.Duration
	now           func() time.Time

	mu        sync.Mutex
	downSince time.Time
	lostFired bool

	stop     chan struct{}
	stopOnce sync.Once
}

func NewRelayMonitor(url string) *RelayMonitor {
	if url == "" {
		url = DefaultHealthURL
	}
	return &RelayMonitor{
		url:           url,
		client:        &http.Client{Timeout: relayProbeTimeout},
		interval:      relayProbeInterval,
		failThreshold: relayFailThreshold,
		now:           time.Now,
		stop:          make(chan struct{}),
	}
}

// Healthy performs a single probe. The relay is healthy iff the endpoint
// answers 200 with a body carrying code 200 and a "healthy" message.
func (m *RelayMonitor) Healthy() bool {
	resp, err := m.client.Get(m.url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var body healthBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Code == 200 && strings.Contains(strings.ToLower(body.Message), "healthy")
}

// Start launches the periodic probe loop.
func (m *RelayMonitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.observe(m.Healthy())
			}
		}
	}()
}

// Stop halts the probe loop. Idempotent.
func (m *RelayMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *RelayMonitor) observe(healthy bool) {
	m.mu.Lock()
	if healthy {
		restored := m.lostFired
		m.downSince = time.Time{}
		m.lostFired = false
		m.mu.Unlock()

		if restored {
			log.Info().Msg("✅ Serveur de relais à nouveau accessible.")
			if m.OnRestored != nil {
				m.OnRestored()
			}
		}
		return
	}

	if m.downSince.IsZero() {
		m.downSince = m.now()
		m.mu.Unlock()
		return
	}

	if m.now().Sub(m.downSince) >= m.failThreshold && !m.lostFired {
		m.lostFired = true
		m.mu.Unlock()

		log.Error().Msg("🚨 Serveur inaccessible, fermeture du tunnel.")
		if m.OnLost != nil {
			m.OnLost()
		}
		return
	}
	m.mu.Unlock()
}

// WaitForRecovery blocks until a probe succeeds or ctx is done. Used by
// the supervisor's waiting-for-recovery state; reconnect is immediate on
// the first healthy response.
func (m *RelayMonitor) WaitForRecovery(ctx context.Context) error {
	poll := backoff.WithContext(backoff.NewConstantBackOff(relayRecoveryPoll), ctx)
	return backoff.Retry(func() error {
		if m.Healthy() {
			return nil
		}
		return errors.New("relay still unreachable")
	}, poll)
}
