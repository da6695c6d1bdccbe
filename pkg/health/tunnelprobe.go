package health

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	localProbeTimeout  = 5 * time.Second
	publicProbeTimeout = 10 * time.Second
	probeFailLimit     = 3

	// healthCheckHeader marks probe requests so the relay and the local
	// service can tell them apart from user traffic.
	healthCheckHeader = "X-Relais-Health-Check"
)

// TunnelMonitor verifies each cycle that the local service accepts
// connections and that the tunnel is reachable end to end through the
// relay's public address. Local failures are reported but never tear the
// session down; end-to-end failures trigger a reconnect once the relay
// itself is known reachable.
type TunnelMonitor struct {
	// OnReconnectNeeded must be set before Start. Invoked at most once.
	OnReconnectNeeded func()

	localAddr  string
	publicAddr string
	proto      string
	interval   time.Duration
	relay      *RelayMonitor
	client     *http.Client

	mu         sync.Mutex
	localFails int
	localDown  bool
	e2eFails   int
	waiting    bool
	fired      bool

	stop     chan struct{}
	stopOnce sync.Once
}

func NewTunnelMonitor(localAddr, publicAddr, proto string, interval time.Duration, relay *RelayMonitor) *TunnelMonitor {
	if interval < time.Second {
		interval = time.Second
	}
	return &TunnelMonitor{
		localAddr:  localAddr,
		publicAddr: publicAddr,
		proto:      proto,
		interval:   interval,
		relay:      relay,
		client:     &http.Client{Timeout: publicProbeTimeout},
		stop:       make(chan struct{}),
	}
}

// Start launches the periodic check loop.
func (m *TunnelMonitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.cycle()
			}
		}
	}()
}

// Stop halts the check loop. Idempotent.
func (m *TunnelMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *TunnelMonitor) cycle() {
	if !m.checkLocal() {
		m.mu.Lock()
		m.localFails++
		down := !m.localDown && m.localFails >= probeFailLimit
		if down {
			m.localDown = true
		}
		m.mu.Unlock()

		if down {
			log.Warn().Msgf("⚠️ Port local %s inaccessible.", m.localAddr)
		}
		// End-to-end is skipped in a cycle where local just failed.
		return
	}

	m.mu.Lock()
	wasDown := m.localDown
	m.localFails = 0
	m.localDown = false
	m.mu.Unlock()
	if wasDown {
		log.Info().Msgf("✅ Port local %s de nouveau accessible.", m.localAddr)
	}

	if m.checkPublic() {
		m.mu.Lock()
		recovered := m.waiting
		m.e2eFails = 0
		m.waiting = false
		m.mu.Unlock()
		if recovered {
			log.Info().Msg("✅ Tunnel de nouveau joignable.")
		}
		return
	}

	m.mu.Lock()
	m.e2eFails++
	declared := m.e2eFails >= probeFailLimit || m.waiting
	m.mu.Unlock()
	if !declared {
		return
	}

	// Tunnel is down. If the relay answers directly, the tunnel side is
	// broken and a reconnect will repair it; otherwise keep polling until
	// the tunnel recovers or the relay comes back.
	if m.relay != nil && m.relay.Healthy() {
		m.mu.Lock()
		fire := !m.fired
		m.fired = true
		m.mu.Unlock()

		if fire {
			log.Warn().Msg("Tunnel injoignable alors que le serveur répond, reconnexion.")
			if m.OnReconnectNeeded != nil {
				m.OnReconnectNeeded()
			}
		}
		return
	}

	m.mu.Lock()
	entering := !m.waiting
	m.waiting = true
	m.mu.Unlock()
	if entering {
		log.Warn().Msg("Tunnel et serveur injoignables, attente du rétablissement...")
	}
}

// checkLocal verifies the local service accepts TCP connections.
func (m *TunnelMonitor) checkLocal() bool {
	conn, err := net.DialTimeout("tcp", m.localAddr, localProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// checkPublic verifies end-to-end reachability. For HTTP tunnels any
// status code counts as success: a response means the request travelled
// the tunnel and back. For TCP tunnels a connect is enough.
func (m *TunnelMonitor) checkPublic() bool {
	if m.proto == "http" {
		req, err := http.NewRequest(http.MethodGet, publicURL(m.publicAddr), nil)
		if err != nil {
			return false
		}
		req.Header.Set(healthCheckHeader, "true")

		resp, err := m.client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return true
	}

	conn, err := net.DialTimeout("tcp", m.publicAddr, publicProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// publicURL maps a public host:port to the URL browsers would use.
func publicURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if port == "443" {
		return "https://" + host
	}
	return fmt.Sprintf("http://%s:%s", host, port)
}
