package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/framegrab/internal/api"
	"github.com/bryanchriswhite/framegrab/internal/config"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Capture continuously and serve the control API",
	Long: `Start capturing from the configured backend and serve the HTTP API.

The API exposes grabber state, crop/size/mode/enable controls, the latest
frame as PNG and a websocket stream of session events. Edits to the config
file are applied to the running grabber.`,
	Example: `  # Start on the configured port (default 8080)
  framegrab serve

  # Start on a custom port with debug logging
  framegrab serve --port 9090 --log-level debug`,
	RunE: runServe,
}

var servePort int

// shutdownTimeout bounds how long in-flight API requests may run on exit.
const shutdownTimeout = 5 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "server port (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		if err := configMgr.SetPort(servePort); err != nil {
			return err
		}
		cfg.ServerPort = servePort
	}
	log := logger.WithComponent("serve")

	frames, sink := newSink(cfg)
	if err := sink.Start(); err != nil {
		return fmt.Errorf("failed to start output: %w", err)
	}
	defer sink.Stop()

	router, backend, err := newRouter(cfg, sink)
	if err != nil {
		return err
	}

	server := api.NewServer(router, configMgr, frames, nil)

	configMgr.Watch(func(updated *config.Config) {
		if err := applyConfig(backend, updated); err != nil {
			log.Warn().Err(err).Msg("Config change rejected by grabber")
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.ServerPort).Msg("API listening")
		if err := server.Start(cfg.ServerPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("API shutdown incomplete")
		}
	}()

	sup := supervisor.New(backend, cfg.Policy())
	sup.OnEvent(server.Events().Publish)

	supErr := make(chan error, 1)
	go func() {
		supErr <- sup.Run(ctx, 0)
	}()

	log.Info().
		Str("backend", backend.Name()).
		Str("config", configMgr.GetConfigPath()).
		Msg("framegrab is running, press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down gracefully")
		return <-supErr
	case err := <-serverErr:
		stop()
		<-supErr
		return fmt.Errorf("server error: %w", err)
	case err := <-supErr:
		// The API stays up so the failure can be inspected.
		if err != nil {
			log.Error().Err(err).Msg("Capture stopped")
		}
		<-ctx.Done()
		return err
	}
}
