package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/keepmind9/botgate/internal/bot"
	"github.com/keepmind9/botgate/internal/core"
	"github.com/keepmind9/botgate/internal/logger"
	"github.com/keepmind9/botgate/internal/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server",
		Long:  "Start the webhook server, verify deliveries and dispatch their events",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := core.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if err := logger.InitLogger(config.LoggerConfig()); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}

			logger.WithFields(logrus.Fields{
				"config_file": configFile,
				"log_level":   config.Logging.Level,
				"log_file":    config.Logging.File,
			}).Info("logger-initialized")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, config)
		},
	}
)

// newEngine builds the engine and registers a connector per enabled bot
func newEngine(config *core.Config) (*core.Engine, error) {
	store, err := session.NewMemoryStore(config.Session.CacheSize)
	if err != nil {
		return nil, err
	}

	engine, err := core.NewEngine(core.EngineConfig{
		Store:             store,
		Handler:           logEvent,
		EnrichmentTimeout: config.EnrichmentTimeout(),
		DisableEnrichment: config.Enrichment.Disabled,
	})
	if err != nil {
		return nil, err
	}

	connectors, err := core.BuildConnectors(config)
	if err != nil {
		return nil, err
	}
	for _, conn := range connectors {
		engine.Register(conn)
	}
	return engine, nil
}

// serve runs the webhook server until ctx is cancelled
func serve(ctx context.Context, config *core.Config) error {
	engine, err := newEngine(config)
	if err != nil {
		return err
	}

	server := core.NewServer(engine, config.Server)
	if err := server.ListenAndServe(ctx); err != nil {
		return err
	}

	logger.Info("botgate-stopped")
	return nil
}

// logEvent is the handler used by serve; bot logic plugs in here
func logEvent(_ context.Context, c *bot.Context) error {
	event := c.Event()
	fields := logrus.Fields{
		"platform":   c.Platform(),
		"context_id": c.ID(),
		"kind":       event.Kind().String(),
		"sender":     event.SenderID(),
		"channel":    event.ChannelID(),
		"is_bot":     event.IsBot(),
	}
	if s := c.Session(); s != nil {
		fields["session"] = s.Key
		if s.User != nil {
			fields["user"] = s.User.Name
		}
	}
	logger.WithFields(fields).Info("event-received")
	return nil
}

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "Configuration file path")
}
