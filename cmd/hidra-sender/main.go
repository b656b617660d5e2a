// Command hidra-sender runs one beamline detector's sender pipeline:
// SignalHandler, TaskProvider, a pool of DataDispatchers and the
// Cleaner, wired together by pkg/supervisor.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hidra-project/hidra/pkg/detector"
	"github.com/hidra-project/hidra/pkg/hconfig"
	"github.com/hidra-project/hidra/pkg/log"
	"github.com/hidra-project/hidra/pkg/metrics"
	"github.com/hidra-project/hidra/pkg/model"
	"github.com/hidra-project/hidra/pkg/supervisor"
	"github.com/hidra-project/hidra/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := hconfig.Default()

	var configFile string
	root := &cobra.Command{
		Use:   "hidra-sender",
		Short: "HiDRA detector-side data multiplexing sender",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSender(cmd.Context(), cfg)
		},
		SilenceUsage: true,
	}
	hconfig.BindFlags(root.Flags(), cfg)

	root.PreRunE = func(cmd *cobra.Command, args []string) error {
		configFile, _ = cmd.Flags().GetString("config-file")
		// The flags are bound to cfg's fields, so the file is loaded into
		// a copy; applyExplicitFlags then writes the values of the flags
		// set on the command line over the file's values.
		merged := *cfg
		if err := hconfig.LoadFile(&merged, configFile); err != nil {
			return err
		}
		if err := applyExplicitFlags(cmd.Flags(), &merged); err != nil {
			return err
		}
		*cfg = merged
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "hidra-sender: %v\n", err)
		if isConfigError(err) {
			return 1
		}
		return 2
	}
	return 0
}

// applyExplicitFlags copies the value of each flag the user passed on the
// command line into cfg, over the value the config file gave it. It
// covers log-path, log-name, log-size, verbose, onscreen, ext-ip,
// com-port, request-port, monitored-dir, number-of-streams, chunksize,
// local-target, store-data, remove-data and confirm-addr; for every other
// flag, a value set in the config file wins over the command line.
func applyExplicitFlags(fs *pflag.FlagSet, cfg *hconfig.Config) error {
	var reErr error
	fs.Visit(func(f *pflag.Flag) {
		if reErr != nil {
			return
		}
		switch f.Name {
		case "log-path":
			cfg.LogPath = f.Value.String()
		case "log-name":
			cfg.LogName = f.Value.String()
		case "log-size":
			cfg.LogSize, reErr = strconv.Atoi(f.Value.String())
		case "verbose":
			cfg.Verbose = f.Value.String() == "true"
		case "onscreen":
			cfg.Onscreen = f.Value.String()
		case "ext-ip":
			cfg.ExtIP = f.Value.String()
		case "com-port":
			cfg.ComPort, reErr = strconv.Atoi(f.Value.String())
		case "request-port":
			cfg.RequestPort, reErr = strconv.Atoi(f.Value.String())
		case "monitored-dir":
			cfg.MonitoredDir = f.Value.String()
		case "number-of-streams":
			cfg.NumberOfStreams, reErr = strconv.Atoi(f.Value.String())
		case "chunksize":
			cfg.Chunksize, reErr = strconv.Atoi(f.Value.String())
		case "local-target":
			cfg.LocalTarget = f.Value.String()
		case "store-data":
			cfg.StoreData = f.Value.String() == "true"
		case "remove-data":
			cfg.RemoveData = f.Value.String()
		case "confirm-addr":
			cfg.ConfirmAddr = f.Value.String()
		}
	})
	return reErr
}

func isConfigError(err error) bool {
	// hconfig.Validate and flag-binding errors surface as plain errors
	// from cobra's own RunE chain; anything reaching here before the
	// supervisor starts is a configuration problem (exit 1 per spec.md
	// §6), a runtime abort after startup is exit 2.
	return strings.Contains(err.Error(), "monitored-dir") ||
		strings.Contains(err.Error(), "fix-subdirs") ||
		strings.Contains(err.Error(), "remove-data") ||
		strings.Contains(err.Error(), "number-of-streams") ||
		strings.Contains(err.Error(), "config file") ||
		strings.Contains(err.Error(), "invalid configuration") ||
		strings.Contains(err.Error(), "flag") ||
		strings.Contains(err.Error(), "wiring sender pipeline") ||
		strings.Contains(err.Error(), "binding ") ||
		strings.Contains(err.Error(), "subscribing to confirmation socket")
}

func runSender(ctx context.Context, cfg *hconfig.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Init(log.Config{
		Level:         log.Level(cfg.LogLevel()),
		OnscreenLevel: log.Level(cfg.LogLevel()),
		LogPath:       cfg.LogPath,
		LogName:       cfg.LogName,
		LogSizeMB:     cfg.LogSize,
	})
	logger := log.WithComponent("hidra-sender")

	removePolicy := model.RemovePolicy(cfg.RemoveData)

	comAddr := bindAddr(cfg.ExtIP, cfg.ComPort)
	requestAddr := bindAddr(cfg.ExtIP, cfg.RequestPort)
	statusAddr := bindAddr(cfg.ExtIP, cfg.RequestPort+100)

	sv, err := supervisor.New(supervisor.Config{
		ComAddr:     comAddr,
		RequestAddr: requestAddr,
		StatusAddr:  statusAddr,
		ConfirmAddr: cfg.ConfirmAddr,

		Whitelist:       cfg.Whitelist,
		StoreData:       cfg.StoreData,
		QueryPendingCap: 1000,

		NumberOfStreams:     cfg.NumberOfStreams,
		Chunksize:           cfg.Chunksize,
		LocalTarget:         cfg.LocalTarget,
		RemoveData:          removePolicy,
		FixedStreamEndpoint: firstFixedTarget(cfg.DataStreamTarget, cfg.UseDataStream),

		Detector: detector.Config{
			MonitoredDir:    cfg.MonitoredDir,
			FixSubdirs:      cfg.FixSubdirs,
			MonitoredEvents: cfg.MonitoredEvents,
			PollTimeout:     time.Second,
		},

		ProbeInterval:   30 * time.Second,
		ConfirmGraceTTL: 5 * time.Minute,
		DrainTimeout:    10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("wiring sender pipeline: %w", err)
	}

	metrics.SetVersion(version.Current)

	metricsAddr := bindAddr(cfg.ExtIP, cfg.RequestPort+200)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", metrics.LivenessHandler())
	mux.Handle("/readyz", metrics.ReadyHandler())
	mux.Handle("/health", metrics.HealthHandler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	defer metricsSrv.Shutdown(context.Background())

	logger.Info().
		Str("monitored_dir", cfg.MonitoredDir).
		Str("com_addr", comAddr).
		Str("metrics_addr", metricsAddr).
		Msg("hidra-sender starting")

	if err := sv.Run(ctx); err != nil {
		return fmt.Errorf("sender pipeline aborted: %w", err)
	}
	return nil
}

func bindAddr(host string, port int) string {
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// firstFixedTarget returns the priority-0 fixed stream target's
// host:port, ignoring any trailing :priority segment, when
// --use-data-stream is set (spec.md §4.6's ALIVE_TEST target).
func firstFixedTarget(targets []string, enabled bool) string {
	if !enabled || len(targets) == 0 {
		return ""
	}
	parts := strings.Split(targets[0], ":")
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + ":" + parts[1]
}
