/*
sitemount is an interception worker serving static websites from the
directories and .zip archives below a root directory. Each client registers
one directory or archive over the control channel, after which its requests
for the own origin are answered from that mount while all other requests are
passed through to the network. It includes a HTTP dashboard for worker
metrics and controlling operations and runtime behavior.

The following signals are observed and handled by the worker:
  - SIGTERM or SIGINT (CTRL+C) gracefully shuts down the worker
  - SIGUSR1 forces a garbage collection (within Go)
  - SIGUSR2 dumps a diagnostic stacktrace to standard error (stderr)
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/desertwitch/sitemount/internal/config"
	"github.com/desertwitch/sitemount/internal/filesystem"
	"github.com/desertwitch/sitemount/internal/logging"
	"github.com/desertwitch/sitemount/internal/protocol"
	"github.com/desertwitch/sitemount/internal/registry"
	"github.com/desertwitch/sitemount/internal/router"
	"github.com/desertwitch/sitemount/internal/webserver"
	"github.com/desertwitch/sitemount/internal/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	stackTraceBuffer  = 1 << 24
	readHeaderTimeout = 10 * time.Second
)

// Version is the program version (filled in from the Makefile).
var Version string

var errMountFailed = errors.New("failed to mount")

func rootCmd() *cobra.Command {
	var argConfig string
	var argPrintConfig bool

	flagCfg := config.Default()

	cmd := &cobra.Command{
		Use:          helpTextUse,
		Short:        helpTextShort,
		Long:         helpTextLong,
		Version:      Version,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(argConfig, flagCfg, cmd.Flags(), args)
			if err != nil {
				return err
			}

			if argPrintConfig {
				return cfg.Encode(cmd.OutOrStdout())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGTERM)
			defer stop()

			return run(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().AddFlagSet(config.Flags(flagCfg))
	cmd.Flags().StringVar(&argConfig, "config", "", "Path to a TOML file containing the configuration")
	cmd.Flags().BoolVar(&argPrintConfig, "print-config", false, "Print the resulting configuration as TOML and exit")

	return cmd
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig assembles the configuration from the defaults, the file at path
// (if any), the explicitly set flags (bound to flagCfg) and the arguments.
func loadConfig(path string, flagCfg *config.Config, flags *pflag.FlagSet, args []string) (*config.Config, error) {
	cfg := config.Default()

	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err //nolint:wrapcheck
		}
	}
	cfg.Merge(flagCfg, flags)

	if len(args) > 0 {
		cfg.Root = args[0]
	}

	if err := cfg.Validate(); err != nil {
		return nil, err //nolint:wrapcheck
	}

	return cfg, nil
}

// newWorker returns a [worker.Worker] configured from a validated cfg.
func newWorker(cfg *config.Config, log *zap.Logger) (*worker.Worker, error) {
	threshold, err := cfg.Threshold()
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	ttl, err := cfg.TTL()
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	backend, err := cfg.BackendURL()
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	fsOpts := filesystem.DefaultOptions()
	fsOpts.MustCRC32.Store(cfg.MustCRC32)

	regOpts := registry.DefaultOptions()
	regOpts.IdleTTL = ttl
	regOpts.MaxMounts = cfg.MaxMounts

	rtOpts := router.DefaultOptions()
	rtOpts.Origin = cfg.OriginOrListen()
	rtOpts.Backend = backend
	rtOpts.DefaultClient = cfg.Client
	rtOpts.StreamingThreshold.Store(threshold)
	rtOpts.EvictOnError.Store(cfg.EvictOnError)

	return worker.New(worker.Config{ //nolint:wrapcheck
		RootDir:  cfg.Root,
		FS:       fsOpts,
		Registry: regOpts,
		Router:   rtOpts,
		Compress: cfg.Compress,
	}, log)
}

func run(ctx context.Context, cfg *config.Config, stderr io.Writer) error {
	lvl, err := cfg.Level()
	if err != nil {
		return err //nolint:wrapcheck
	}
	grace, err := cfg.GracePeriod()
	if err != nil {
		return err //nolint:wrapcheck
	}

	rbuf := logging.NewRingBuffer(cfg.LogLines)
	log := logging.NewLogger(rbuf, stderr, lvl)
	defer log.Sync() //nolint:errcheck

	wk, err := newWorker(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	defer wk.Close()

	if cfg.Mount != "" {
		if err := preload(ctx, wk, cfg, log); err != nil {
			return err
		}
	}

	servers := []*http.Server{{
		Handler:           wk.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(log.Named("http")),
	}}
	addrs := []string{cfg.Listen}

	if cfg.Dashboard != "" {
		dash, err := webserver.NewDashboard(wk, rbuf, Version, log.Named("webserver"))
		if err != nil {
			return fmt.Errorf("failed to create dashboard: %w", err)
		}
		servers = append(servers, dash.Server(cfg.Dashboard))
		addrs = append(addrs, cfg.Dashboard)
	}

	listeners := make([]net.Listener, 0, len(servers))
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}

			return fmt.Errorf("failed to listen: %w", err)
		}
		listeners = append(listeners, ln)
	}

	g, gctx := errgroup.WithContext(ctx)

	for i, srv := range servers {
		ln := listeners[i]
		g.Go(func() error {
			log.Info("serving", zap.Stringer("addr", ln.Addr()), zap.Bool("dashboard", i > 0))

			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP error: %w", err)
			}

			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down the worker...")

		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), grace)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(sctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown error: %w", err))
			}
		}

		return errors.Join(errs...)
	})

	g.Go(func() error {
		handleSignals(gctx, stderr, log)

		return nil
	})

	return g.Wait() //nolint:wrapcheck
}

// preload mounts the configured path for the default client.
func preload(ctx context.Context, wk *worker.Worker, cfg *config.Config, log *zap.Logger) error {
	ev, err := wk.Mount(ctx, cfg.Client, cfg.Mount)
	if err != nil {
		return fmt.Errorf("%w %q: %w", errMountFailed, cfg.Mount, err)
	}

	switch {
	case ev.Type != protocol.EventLoad:
		return fmt.Errorf("%w %q: %s", errMountFailed, cfg.Mount, ev.Reason)
	case ev.Error != "":
		return fmt.Errorf("%w %q: %s", errMountFailed, cfg.Mount, ev.Error)
	}

	log.Info("mount preloaded", zap.String("client", cfg.Client), zap.String("path", cfg.Mount))

	return nil
}

// handleSignals observes the diagnostic signals until ctx is done.
func handleSignals(ctx context.Context, stderr io.Writer, log *zap.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGUSR1, unix.SIGUSR2)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return

		case s := <-sig:
			switch s {
			case unix.SIGUSR1:
				log.Info("Signal received, forcing garbage collection...")
				runtime.GC()
				debug.FreeOSMemory()

			case unix.SIGUSR2:
				log.Info("Signal received, printing stacktrace (to stderr)...")
				buf := make([]byte, stackTraceBuffer)
				stacklen := runtime.Stack(buf, true)
				_, _ = stderr.Write(buf[:stacklen])
			}
		}
	}
}
