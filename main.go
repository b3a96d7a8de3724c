package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"

	"onboarding/apps/backend/internal/app"
	"onboarding/apps/backend/internal/config"
	"onboarding/apps/backend/internal/logger"
)

func main() {
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	if err := newRootCmd(log).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(log *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "backend",
		Short:         "Onboarding course generator API and worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				log.Error("failed to load config", "error", err)
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, log); err != nil {
				log.Error("backend exited", "error", err)
				return err
			}
			return nil
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				log.Error("failed to load config", "error", err)
				return err
			}
			db, err := app.OpenDB(cmd.Context(), cfg)
			if err != nil {
				log.Error("failed to connect to db", "error", err)
				return err
			}
			defer db.Close()

			if err := app.Migrate(db, cfg.MigrationPath); err != nil {
				log.Error("failed to run migrations", "error", err)
				return err
			}
			log.Info("migrations applied successfully")
			return nil
		},
	}

	root.AddCommand(serve, migrateCmd)
	// A bare invocation serves, matching the container entrypoint.
	root.RunE = serve.RunE
	return root
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer deps.Close()

	application, err := app.New(cfg, deps.DB, deps.VectorStore, deps.NSQProducer, log)
	if err != nil {
		return fmt.Errorf("app init: %w", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			log.Warn("failed to close app resources", "error", err)
		}
	}()

	if cfg.EnableWorker {
		consumers, err := startConsumers(cfg, application.JobConsumer, log)
		if err != nil {
			return err
		}
		defer func() {
			for _, c := range consumers {
				c.Stop()
				<-c.StopChan
			}
		}()
	}

	if cfg.EnableAPI {
		return application.Run(ctx)
	}
	<-ctx.Done()
	return nil
}

func startConsumers(cfg *config.Config, handler nsq.Handler, log *slog.Logger) ([]*nsq.Consumer, error) {
	nsqCfg := nsq.NewConfig()
	if cfg.MaxJobAttempts > 0 {
		nsqCfg.MaxAttempts = uint16(cfg.MaxJobAttempts) // #nosec G115 -- small configured value
	}
	nsqCfg.MsgTimeout = cfg.NSQMsgTimeout()

	var consumers []*nsq.Consumer
	for _, topic := range config.Topics {
		consumer, err := nsq.NewConsumer(topic, config.WorkerChannel, nsqCfg)
		if err != nil {
			return consumers, fmt.Errorf("nsq consumer %s: %w", topic, err)
		}
		consumer.AddHandler(handler)

		if cfg.NSQLookupd != "" {
			err = consumer.ConnectToNSQLookupd(cfg.NSQLookupd)
		} else {
			err = consumer.ConnectToNSQD(cfg.NSQDHost)
		}
		if err != nil {
			consumer.Stop()
			return consumers, errors.Join(fmt.Errorf("nsq connect %s", topic), err)
		}
		log.Info("NSQ consumer connected", "topic", topic, "channel", config.WorkerChannel)
		consumers = append(consumers, consumer)
	}
	return consumers, nil
}
