package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/relais-dev/relais/internal/protocol"
	"github.com/relais-dev/relais/pkg/config"
	"github.com/relais-dev/relais/pkg/failure"
	"github.com/relais-dev/relais/pkg/health"
	"github.com/relais-dev/relais/pkg/obs"
	"github.com/relais-dev/relais/pkg/secure"
	"github.com/relais-dev/relais/pkg/tunnel"
	"github.com/relais-dev/relais/pkg/wire"
	"github.com/rs/zerolog/log"
)

const (
	connectTimeout     = 15 * time.Second
	controlReadTimeout = 180 * time.Second

	dnsRetryInitial = 2 * time.Second
	dnsRetryCount   = 3
)

// Session is one control-channel attempt. It is created at connect,
// destroyed on any fatal error or deliberate tear-down, never reused.
type Session struct {
	id       string
	settings *config.Settings

	conn *net.TCPConn
	enc  *wire.Encoder
	dec  *wire.Decoder
	sec  *secure.Channel

	watchdog  *health.Watchdog
	relayMon  *health.RelayMonitor
	tunnelMon *health.TunnelMonitor

	publicAddr string

	mu           sync.Mutex
	teardownKind Kind
	closed       bool
}

// RunSession runs one complete control session and blocks until it ends.
// The returned error is always a *SessionError carrying the kind the
// supervisor dispatches on.
func RunSession(ctx context.Context, settings *config.Settings) error {
	s := &Session{
		id:       uuid.NewString()[:8],
		settings: settings,
	}
	defer s.teardown()

	// The sole cancellation primitive: destroying the socket unblocks
	// every reader.
	stopWatch := context.AfterFunc(ctx, s.destroy)
	defer stopWatch()

	if err := s.establishWithin(ctx, settings.Timeout); err != nil {
		return err
	}

	obs.SessionsEstablished.Inc()
	log.Info().Str("session", s.id).Msgf("🚀 Tunnel active! %s", displayAddr(s.publicAddr, settings.Protocol))

	s.startMonitors()
	return s.messageLoop(ctx)
}

// establishWithin bounds the whole DIALING→RUNNING segment with the
// user-configured establishment timeout.
func (s *Session) establishWithin(ctx context.Context, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- s.establish() }()

	select {
	case err := <-done:
		if err != nil {
			s.destroy()
			if ctx.Err() != nil {
				return sessionErr(KindClosed, ctx.Err())
			}
			return classify(err)
		}
		return nil
	case <-time.After(timeout):
		// Not waiting on the dial goroutine: it observes the closed flag
		// and releases whatever socket it ends up with.
		s.destroy()
		return sessionErr(KindEstablishTimeout, fmt.Errorf("tunnel not established within %s", timeout))
	case <-ctx.Done():
		s.destroy()
		return sessionErr(KindClosed, ctx.Err())
	}
}

// establish performs DIALING → HANDSHAKING → REQUESTING.
func (s *Session) establish() error {
	conn, err := s.dialRelay()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return sessionErr(KindClosed, errors.New("session destroyed while dialing"))
	}
	s.conn = conn
	s.mu.Unlock()
	s.enc = wire.NewEncoder(conn)
	s.dec = wire.NewDecoder(conn)

	if s.settings.Encrypted {
		if err := s.handshake(); err != nil {
			return err
		}
	}
	return s.requestTunnel()
}

// dialRelay opens the control connection. DNS resolution failures are
// retried a few times with exponential backoff; anything else surfaces
// immediately.
func (s *Session) dialRelay() (*net.TCPConn, error) {
	log.Debug().Str("session", s.id).Msgf("Connecting to relay at %s...", s.settings.RelayAddr)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = dnsRetryInitial
	retry.Multiplier = 2
	retry.RandomizationFactor = 0
	retry.MaxElapsedTime = 0

	var conn *net.TCPConn
	operation := func() error {
		c, err := tunnel.DialTCP(s.settings.RelayAddr, connectTimeout)
		if err != nil {
			if failure.IsHostNotFound(err) {
				log.Debug().Err(err).Msg("Relay host not resolved, retrying...")
				return err
			}
			return backoff.Permanent(err)
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithMaxRetries(retry, dnsRetryCount)); err != nil {
		return nil, err
	}
	return conn, nil
}

// handshake sends SECURE_INIT and derives the session key from the
// SECURE_ACK reply. The decoder keeps any bytes that arrived with the
// reply; the first encrypted record is decoded from the same buffer.
func (s *Session) handshake() error {
	sec, err := secure.NewChannel()
	if err != nil {
		return sessionErr(KindCrypto, err)
	}

	init, err := json.Marshal(protocol.NewSecureInit(sec.PublicKey()))
	if err != nil {
		return err
	}
	if err := s.enc.WriteFrame(init); err != nil {
		return err
	}

	payload, err := s.dec.ReadFrame(wire.MaxHandshakeLen)
	if err != nil {
		return err
	}
	msg, err := protocol.ParseMessage(payload)
	if err != nil {
		return fmt.Errorf("%w: invalid handshake reply: %v", wire.ErrProtocol, err)
	}

	if msg.Command != protocol.CommandSecureAck || !msg.OK() {
		return sessionErr(KindServer, fmt.Errorf("handshake rejected: %s", msg.Error))
	}
	if err := sec.Derive(msg.ServerPublicKey); err != nil {
		return sessionErr(KindCrypto, err)
	}

	s.sec = sec
	log.Debug().Str("session", s.id).Msg("Secure channel established.")
	return nil
}

// requestTunnel sends the TUNNEL request and validates the reply.
func (s *Session) requestTunnel() error {
	remotePort := ""
	if s.settings.RemotePort > 0 {
		remotePort = strconv.Itoa(s.settings.RemotePort)
	}
	req := protocol.NewTunnelRequest(
		strconv.Itoa(s.settings.LocalPort),
		s.settings.Domain,
		remotePort,
		s.settings.Token,
		s.settings.Protocol,
	)
	if err := s.writeMessage(req); err != nil {
		return err
	}

	data, err := s.readRaw()
	if err != nil {
		return err
	}
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return fmt.Errorf("%w: invalid tunnel reply: %v", wire.ErrProtocol, err)
	}

	if !msg.OK() {
		if msg.AuthFailure() {
			return sessionErr(KindAuth, errors.New(msg.Error))
		}
		return sessionErr(KindServer, fmt.Errorf("tunnel request rejected: %s", msg.Error))
	}

	s.publicAddr = msg.PublicAddr
	return nil
}

// startMonitors attaches the watchdog and the two probes to the live
// session. They interact with the session only by recording a teardown
// kind and destroying the control socket.
func (s *Session) startMonitors() {
	s.watchdog = health.NewWatchdog(func() { s.shutdown(KindClosed) })
	s.watchdog.Start()

	if !s.settings.HealthCheck {
		return
	}

	s.relayMon = health.NewRelayMonitor(s.settings.HealthURL)
	s.relayMon.OnLost = func() { s.shutdown(KindHealthMonitor) }
	s.relayMon.Start()

	s.tunnelMon = health.NewTunnelMonitor(
		s.settings.LocalAddr(),
		s.publicAddr,
		s.settings.Protocol,
		s.settings.HealthCheckInterval,
		s.relayMon,
	)
	s.tunnelMon.OnReconnectNeeded = func() { s.shutdown(KindTunnelHealth) }
	s.tunnelMon.Start()
}

// messageLoop is the RUNNING state: decode control messages in arrival
// order and dispatch them. NEWCONN splicers run independently and are
// never waited on here.
func (s *Session) messageLoop(ctx context.Context) error {
	for {
		data, err := s.readRaw()
		if err != nil {
			if kind := s.takeTeardownKind(); kind != KindUnknown {
				return sessionErr(kind, err)
			}
			if ctx.Err() != nil {
				return sessionErr(KindClosed, ctx.Err())
			}
			return classify(err)
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			return sessionErr(KindProtocol, fmt.Errorf("%w: invalid control message: %v", wire.ErrProtocol, err))
		}

		switch msg.Command {
		case protocol.CommandNewConn:
			log.Debug().Str("session", s.id).Str("conn_id", msg.ConnID).Msgf("New connection via %s.", msg.DataAddr)
			go tunnel.Splice(msg.ConnID, msg.DataAddr, s.settings.LocalAddr())
		case protocol.CommandHeartbeat:
			log.Debug().Str("session", s.id).Msg("Heartbeat received.")
			s.watchdog.Beat()
		default:
			log.Debug().Str("session", s.id).Msgf("Ignoring control message %q.", msg.Command)
		}
	}
}

// writeMessage sends v on the active framing: an encrypted record once
// the session is keyed, a plain JSON line otherwise.
func (s *Session) writeMessage(v any) error {
	if s.sec != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		record, err := s.sec.Seal(data)
		if err != nil {
			return err
		}
		return s.enc.WriteFrame(record)
	}
	return s.enc.WriteLine(v)
}

// readRaw reads one message payload on the active framing. The decoder
// is the exclusive reader of the control stream for the call's duration.
func (s *Session) readRaw() ([]byte, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.SetReadDeadline(time.Now().Add(controlReadTimeout))
	}

	if s.sec != nil {
		record, err := s.dec.ReadFrame(wire.MaxRecordLen)
		if err != nil {
			return nil, err
		}
		return s.sec.Open(record)
	}
	return s.dec.ReadLine()
}

// shutdown records why a probe killed the session, then destroys the
// control socket to unblock the decoder.
func (s *Session) shutdown(kind Kind) {
	s.mu.Lock()
	if s.teardownKind == KindUnknown {
		s.teardownKind = kind
	}
	s.mu.Unlock()
	s.destroy()
}

func (s *Session) takeTeardownKind() Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardownKind
}

// destroy closes the control socket. Idempotent; safe before dialing.
func (s *Session) destroy() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// teardown stops the tickers and closes the socket. Splicers already in
// flight are tied to their own sockets and finish on their own.
func (s *Session) teardown() {
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	if s.relayMon != nil {
		s.relayMon.Stop()
	}
	if s.tunnelMon != nil {
		s.tunnelMon.Stop()
	}
	s.destroy()
}

// displayAddr renders the public address the way users reach it.
func displayAddr(publicAddr, proto string) string {
	if proto != "http" {
		return "tcp://" + publicAddr
	}
	host, port, err := net.SplitHostPort(publicAddr)
	if err != nil {
		return publicAddr
	}
	if port == "443" {
		return "https://" + host
	}
	return "http://" + publicAddr
}
