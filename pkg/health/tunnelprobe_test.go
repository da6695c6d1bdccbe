package health

import (
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return ln
}

func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// healthyRelay returns a RelayMonitor whose probe always succeeds.
func healthyRelay(t *testing.T) *RelayMonitor {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code": 200, "message": "healthy"}`))
	}))
	t.Cleanup(srv.Close)
	return NewRelayMonitor(srv.URL)
}

func TestTunnelMonitor_LocalDownDoesNotReconnect(t *testing.T) {
	var reconnects atomic.Int32
	m := NewTunnelMonitor(deadAddr(t), deadAddr(t), "tcp", time.Second, healthyRelay(t))
	m.OnReconnectNeeded = func() { reconnects.Add(1) }

	for i := 0; i < 4; i++ {
		m.cycle()
	}

	assert.True(t, m.localDown, "local must be declared down after 3 consecutive failures")
	assert.Equal(t, int32(0), reconnects.Load(), "local failure never tears the session down")
	assert.Equal(t, 0, m.e2eFails, "end-to-end check is skipped while local is failing")
}

func TestTunnelMonitor_LocalRecovery(t *testing.T) {
	local := localListener(t)
	m := NewTunnelMonitor(deadAddr(t), local.Addr().String(), "tcp", time.Second, healthyRelay(t))

	for i := 0; i < 3; i++ {
		m.cycle()
	}
	require.True(t, m.localDown)

	// Point the monitor back at a live service.
	m.localAddr = local.Addr().String()
	m.cycle()
	assert.False(t, m.localDown)
	assert.Equal(t, 0, m.localFails)
}

func TestTunnelMonitor_EndToEndFailureTriggersReconnect(t *testing.T) {
	local := localListener(t)

	var reconnects atomic.Int32
	m := NewTunnelMonitor(local.Addr().String(), deadAddr(t), "tcp", time.Second, healthyRelay(t))
	m.OnReconnectNeeded = func() { reconnects.Add(1) }

	for i := 0; i < 5; i++ {
		m.cycle()
	}

	assert.Equal(t, int32(1), reconnects.Load(), "reconnect fires once when relay is reachable but tunnel is not")
}

func TestTunnelMonitor_WaitsWhenRelayAlsoDown(t *testing.T) {
	local := localListener(t)

	downRelay := NewRelayMonitor("http://127.0.0.1:1/api/health")

	var reconnects atomic.Int32
	m := NewTunnelMonitor(local.Addr().String(), deadAddr(t), "tcp", time.Second, downRelay)
	m.OnReconnectNeeded = func() { reconnects.Add(1) }

	for i := 0; i < 4; i++ {
		m.cycle()
	}

	assert.True(t, m.waiting, "must enter waiting-for-recovery when relay is unreachable too")
	assert.Equal(t, int32(0), reconnects.Load())
}

func TestTunnelMonitor_HTTPAnyStatusIsAlive(t *testing.T) {
	local := localListener(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.Header.Get("X-Relais-Health-Check"))
		w.WriteHeader(http.StatusBadGateway) // any status means the tunnel answered
	}))
	defer srv.Close()

	publicAddr := srv.Listener.Addr().String()
	m := NewTunnelMonitor(local.Addr().String(), publicAddr, "http", time.Second, healthyRelay(t))

	m.cycle()
	assert.Equal(t, 0, m.e2eFails)
}

func TestTunnelMonitor_IntervalClamped(t *testing.T) {
	m := NewTunnelMonitor("127.0.0.1:1", "127.0.0.1:1", "tcp", 10*time.Millisecond, nil)
	assert.Equal(t, time.Second, m.interval)
}

func TestPublicURL(t *testing.T) {
	assert.Equal(t, "https://demo.relais.dev", publicURL("demo.relais.dev:443"))
	assert.Equal(t, "http://demo.relais.dev:8080", publicURL("demo.relais.dev:8080"))
}
