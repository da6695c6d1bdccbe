package runner

import (
	"errors"
	"fmt"

	"github.com/relais-dev/relais/pkg/failure"
	"github.com/relais-dev/relais/pkg/secure"
	"github.com/relais-dev/relais/pkg/wire"
)

// Kind classifies a session-ending error so supervisor dispatch is total.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindServer
	KindProtocol
	KindCrypto
	KindClosed
	KindNetwork
	KindEstablishTimeout
	KindHealthMonitor
	KindTunnelHealth
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindServer:
		return "server"
	case KindProtocol:
		return "protocol"
	case KindCrypto:
		return "crypto"
	case KindClosed:
		return "closed"
	case KindNetwork:
		return "network"
	case KindEstablishTimeout:
		return "establish-timeout"
	case KindHealthMonitor:
		return "health-monitor"
	case KindTunnelHealth:
		return "tunnel-health"
	default:
		return "unknown"
	}
}

// SessionError is what a control session returns to the supervisor.
type SessionError struct {
	Kind Kind
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session failed (%s)", e.Kind)
	}
	return fmt.Sprintf("session failed (%s): %v", e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func sessionErr(kind Kind, err error) *SessionError {
	return &SessionError{Kind: kind, Err: err}
}

// classify maps a raw error to its kind. Already-classified errors keep
// their kind; the rest are derived from the wire/crypto sentinels, then
// from the network-error set, with network as the catch-all.
func classify(err error) *SessionError {
	var sessErr *SessionError
	if errors.As(err, &sessErr) {
		return sessErr
	}

	switch {
	case errors.Is(err, wire.ErrClosed):
		return sessionErr(KindClosed, err)
	case errors.Is(err, wire.ErrProtocol):
		return sessionErr(KindProtocol, err)
	case errors.Is(err, secure.ErrCrypto), errors.Is(err, secure.ErrNoKey):
		return sessionErr(KindCrypto, err)
	case failure.IsNetworkError(err):
		return sessionErr(KindNetwork, err)
	default:
		return sessionErr(KindNetwork, err)
	}
}
