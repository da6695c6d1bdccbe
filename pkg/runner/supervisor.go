package runner

import (
	"context"
	"errors"
	"time"

	"github.com/relais-dev/relais/pkg/config"
	"github.com/relais-dev/relais/pkg/failure"
	"github.com/relais-dev/relais/pkg/health"
	"github.com/relais-dev/relais/pkg/obs"
	"github.com/rs/zerolog/log"
)

// Supervisor keeps the agent alive indefinitely: it runs one control
// session at a time and decides from the session's error kind whether to
// reconnect immediately, back off, wait for the relay, or give up.
// Only an authentication failure ends the loop.
type Supervisor struct {
	settings *config.Settings
	tracker  *failure.Tracker
	relay    *health.RelayMonitor

	// runSession is swapped out in tests.
	runSession func(ctx context.Context, settings *config.Settings) error
}

func NewSupervisor(settings *config.Settings) *Supervisor {
	return &Supervisor{
		settings:   settings,
		tracker:    failure.NewTracker(),
		relay:      health.NewRelayMonitor(settings.HealthURL),
		runSession: RunSession,
	}
}

// Run loops until ctx is done or an AuthError occurs. The returned error
// is nil on deliberate shutdown and the fatal *SessionError otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := s.runSession(ctx, s.settings)
		if err == nil {
			s.tracker.Reset()
			continue
		}
		if ctx.Err() != nil {
			log.Info().Msg("Shutting down.")
			return nil
		}

		sessErr := classify(err)
		obs.ReconnectsTotal.WithLabelValues(sessErr.Kind.String()).Inc()

		switch sessErr.Kind {
		case KindAuth:
			log.Error().Err(sessErr.Err).Msg("Authentication rejected by the relay, giving up.")
			return sessErr

		case KindHealthMonitor:
			log.Warn().Msg("Relay unreachable, waiting for recovery...")
			if waitErr := s.relay.WaitForRecovery(ctx); waitErr != nil {
				return nil
			}
			log.Info().Msg("Relay reachable again, reconnecting.")
			s.tracker.Reset()

		case KindEstablishTimeout:
			// The failure is slowness; backing off would make it worse.
			log.Warn().Err(sessErr.Err).Msg("Establishment timed out, retrying immediately.")

		case KindTunnelHealth:
			log.Warn().Msg("Tunnel unreachable end to end, reconnecting immediately.")
			s.tracker.Reset()

		case KindClosed:
			s.tracker.RecordServerClosure()
			if s.tracker.ShouldStopReconnecting() {
				// Agent mode: the ceiling is informational, the loop goes on.
				log.Warn().Msgf("Server closed the connection %d times within a minute, still retrying.",
					s.tracker.ServerClosureCount())
			}
			s.backoff(ctx, sessErr)

		default:
			s.tracker.RecordNetworkError()
			s.backoff(ctx, sessErr)
		}
	}
}

func (s *Supervisor) backoff(ctx context.Context, sessErr *SessionError) {
	delay := s.tracker.Backoff()
	log.Warn().Err(sessErr.Err).Msgf("Connection lost (%s), reconnecting in %s...", sessErr.Kind, delay)
	sleep(ctx, delay)
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// IsAuthError reports whether err is the fatal authentication kind, used
// by the CLI to pick the exit code.
func IsAuthError(err error) bool {
	var sessErr *SessionError
	return errors.As(err, &sessErr) && sessErr.Kind == KindAuth
}
