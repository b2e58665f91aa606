package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gliderlab/animgate/config"
	"github.com/gliderlab/animgate/gateway"
	"github.com/gliderlab/animgate/storage"
	"github.com/gliderlab/animgate/supervisor"
)

var (
	serveListen  string
	serveBackend string
	serveRoot    string
	serveJournal string
	serveLegacy  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the front-end and relay API requests to the backend",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default :8082)")
	cmd.Flags().StringVar(&serveBackend, "backend", "", "Backend base URL (default http://localhost:5000)")
	cmd.Flags().StringVar(&serveRoot, "root", "", "Document root for static files")
	cmd.Flags().StringVar(&serveJournal, "journal", "", "SQLite request journal; empty disables it")
	cmd.Flags().BoolVar(&serveLegacy, "legacy-prefix-match", false, "Match proxy prefixes as plain string prefixes")
}

// applyServeFlags lets command-line flags win over file and environment.
func applyServeFlags(c *config.Config) {
	if serveListen != "" {
		c.Listen = serveListen
	}
	if serveBackend != "" {
		c.Backend = serveBackend
	}
	if serveRoot != "" {
		c.Root = serveRoot
	}
	if serveJournal != "" {
		c.Journal = serveJournal
	}
	if serveLegacy {
		c.LegacyPrefixMatch = true
	}
}

func gatewayConfig(c *config.Config) (gateway.Config, error) {
	backend, err := c.BackendURL()
	if err != nil {
		return gateway.Config{}, err
	}
	return gateway.Config{
		Addr:                  c.Listen,
		Root:                  c.Root,
		Backend:               backend,
		ProxyPrefixes:         c.ProxyPrefixes,
		LegacyPrefixMatch:     c.LegacyPrefixMatch,
		ExtraMIMETypes:        c.ExtraMIMETypes,
		FlushInterval:         c.FlushIntervalDuration(),
		DialTimeout:           c.DialTimeoutDuration(),
		ResponseHeaderTimeout: c.ResponseHeaderTimeoutDuration(),
		ShutdownTimeout:       c.ShutdownTimeoutDuration(),
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	applyServeFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	gwCfg, err := gatewayConfig(cfg)
	if err != nil {
		return err
	}

	opts := []gateway.Option{gateway.WithLogger(logger)}
	if cfg.Journal != "" {
		journal, err := storage.New(cfg.Journal)
		if err != nil {
			return err
		}
		defer journal.Close()
		opts = append(opts, gateway.WithRecorder(journal))
		logger.Info("request journal enabled", zap.String("path", cfg.Journal))
	}

	gw, err := gateway.New(gwCfg, opts...)
	if err != nil {
		return err
	}
	// bind before anything else starts so a busy port fails fast
	if err := gw.Listen(); err != nil {
		return err
	}

	var proc *supervisor.Process
	if cfg.BackendCommand.Enabled() {
		bc := cfg.BackendCommand
		proc, err = supervisor.Start(supervisor.Config{
			Command: bc.Command,
			Args:    bc.Args,
			Dir:     bc.Dir,
			Env:     bc.Env,
			Pty:     bc.Pty,
		}, logger.Named("backend"))
		if err != nil {
			gw.Stop()
			return err
		}
	}

	logger.Info("gateway running",
		zap.String("url", "http://"+gw.Addr()+"/"),
		zap.String("backend", gw.Backend().String()),
		zap.String("root", gw.Root()))
	logger.Info("Press Ctrl+C to stop the server")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(gw.Serve)
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("gateway shutting down")
		return gw.Shutdown(context.Background())
	})
	if proc != nil {
		eg.Go(func() error {
			select {
			case <-proc.Done():
				// keep serving; API calls answer 500 until the backend is back
				logger.Warn("backend process exited",
					zap.Int("exit_code", proc.ExitCode()),
					zap.Strings("tail", proc.Tail()))
			case <-ctx.Done():
			}
			return nil
		})
	}

	err = eg.Wait()
	if proc != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeoutDuration())
		defer cancel()
		if stopErr := proc.Stop(stopCtx); stopErr != nil && !errors.Is(stopErr, supervisor.ErrNotRunning) {
			logger.Warn("backend process stop", zap.Error(stopErr))
		}
	}
	return err
}
