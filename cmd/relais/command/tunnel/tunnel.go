package tunnel

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relais-dev/relais/pkg/config"
	"github.com/relais-dev/relais/pkg/logger"
	"github.com/relais-dev/relais/pkg/obs"
	"github.com/relais-dev/relais/pkg/runner"
	"github.com/relais-dev/relais/pkg/token"
	"github.com/relais-dev/relais/pkg/version"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const name = "relais"

var flags struct {
	port           int
	host           string
	server         string
	protocol       string
	domain         string
	remotePort     int
	token          string
	timeout        int
	healthCheck    bool
	noHealthCheck  bool
	healthInterval int
	insecure       bool
	metricsAddr    string
	verbose        bool
}

var TunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Start the tunnel agent",
	RunE:  runTunnel,
}

func init() {
	f := TunnelCmd.Flags()
	f.IntVarP(&flags.port, "port", "p", 0, "local port to expose (required)")
	f.StringVarP(&flags.host, "host", "h", config.DefaultLocalHost, "local host to expose")
	f.StringVarP(&flags.server, "server", "s", "", "relay address host:port")
	f.StringVarP(&flags.protocol, "type", "t", "http", "tunnel protocol (http or tcp)")
	f.StringVarP(&flags.domain, "domain", "d", "", "custom domain to request")
	f.IntVarP(&flags.remotePort, "remote-port", "r", 0, "remote port to request")
	f.StringVarP(&flags.token, "token", "k", "", "auth token (overrides the stored token)")
	f.IntVar(&flags.timeout, "timeout", 30, "tunnel establishment timeout in seconds")
	f.BoolVar(&flags.healthCheck, "health-check", true, "enable tunnel health surveillance")
	f.BoolVar(&flags.noHealthCheck, "no-health-check", false, "disable tunnel health surveillance")
	f.IntVar(&flags.healthInterval, "health-check-interval", 30, "health-check interval in seconds")
	f.BoolVar(&flags.insecure, "insecure", false, "disable control-channel encryption")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "per-frame and per-transition trace")

	// -h is taken by the local host flag; help stays reachable as --help.
	f.Bool("help", false, "help for tunnel")
	_ = f.MarkHidden("help")

	_ = TunnelCmd.MarkFlagRequired("port")
}

func runTunnel(cmd *cobra.Command, args []string) error {
	settings := buildSettings(cmd)

	logRotate := logger.InitLogger(settings.Debug)
	defer func() { _ = logRotate.Close() }()

	if err := config.Validate(settings); err != nil {
		log.Error().Err(err).Msg("Invalid configuration.")
		os.Exit(1)
	}

	log.Info().Msgf("Starting relais agent... (version: %s)", version.Version)

	if settings.MetricsAddr != "" {
		obs.ServeMetrics(settings.MetricsAddr)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Received termination signal. Shutting down...")
		cancel()
	}()

	if err := runner.NewSupervisor(settings).Run(ctx); err != nil {
		// Only authentication failures end the loop; exit code 1 either way.
		os.Exit(1)
	}
	return nil
}

// buildSettings layers defaults, the optional config file and the flags
// the user actually set.
func buildSettings(cmd *cobra.Command) *config.Settings {
	settings := config.Default()
	config.LoadFile(config.Files(name), &settings)

	settings.LocalPort = flags.port
	settings.Protocol = flags.protocol
	settings.Domain = flags.domain
	settings.RemotePort = flags.remotePort
	settings.Timeout = time.Duration(flags.timeout) * time.Second
	settings.HealthCheck = flags.healthCheck && !flags.noHealthCheck
	settings.HealthCheckInterval = time.Duration(flags.healthInterval) * time.Second
	settings.Encrypted = !flags.insecure
	settings.MetricsAddr = flags.metricsAddr
	settings.Debug = settings.Debug || flags.verbose

	if cmd.Flags().Changed("host") {
		settings.LocalHost = flags.host
	}
	if flags.server != "" {
		settings.RelayAddr = flags.server
	}

	if flags.token != "" {
		settings.Token = flags.token
	} else if stored, err := token.Load(); err == nil {
		settings.Token = stored
	}

	return &settings
}
