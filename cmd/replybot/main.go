// Package main contains the entrypoint for the replybot service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/edgard/replybot/internal/bot"
	"github.com/edgard/replybot/internal/bot/tasks"
	"github.com/edgard/replybot/internal/config"
	"github.com/edgard/replybot/internal/database"
	"github.com/edgard/replybot/internal/dispatch"
	apperrors "github.com/edgard/replybot/internal/errors"
	"github.com/edgard/replybot/internal/gateway"
	"github.com/edgard/replybot/internal/gemini"
	"github.com/edgard/replybot/internal/instance"
	"github.com/edgard/replybot/internal/logger"
	"github.com/edgard/replybot/internal/metrics"
	"github.com/edgard/replybot/internal/notify"
	"github.com/edgard/replybot/internal/rules"
	"github.com/edgard/replybot/internal/server"
	"github.com/edgard/replybot/internal/webhook"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run wires all components, blocks until shutdown and returns the exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	envPath := flag.String("env", ".env", "Optional dotenv file loaded before the configuration")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load dotenv file", "path", *envPath, "error", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	defaultLoc, err := time.LoadLocation(cfg.Rules.DefaultTimezone)
	if err != nil {
		log.Error("Invalid default timezone", "timezone", cfg.Rules.DefaultTimezone, "error", err)
		return 1
	}

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log, nil)
	m := metrics.New()

	tracker := instance.NewTracker(log,
		instance.WithRepository(store),
		instance.WithDefaultBaseURL(cfg.Gateway.BaseURL))
	if err := tracker.Load(ctx); err != nil {
		log.Error("Failed to load instances", "error", err)
		return 1
	}
	if err := registerConfiguredInstances(ctx, tracker, cfg.Instances); err != nil {
		log.Error("Failed to register configured instances", "error", err)
		return 1
	}
	tracker.Subscribe(func(c instance.StateChange) {
		if c.Removed {
			m.SetInstanceState(c.InstanceID, "", stateNames())
			return
		}
		m.SetInstanceState(c.InstanceID, string(c.To), stateNames())
	})
	for _, inst := range tracker.List() {
		m.SetInstanceState(inst.ID, string(inst.State), stateNames())
	}

	if cfg.Rules.SeedPath != "" {
		n, err := rules.SeedFromFile(ctx, store, cfg.Rules.SeedPath)
		if err != nil {
			log.Error("Failed to seed rules", "path", cfg.Rules.SeedPath, "error", err)
			return 1
		}
		log.Info("Seeded rules", "path", cfg.Rules.SeedPath, "count", n)
	}

	notifier, err := newNotifier(log, cfg.Telegram)
	if err != nil {
		log.Error("Failed to create Telegram bot", "error", err)
		return 1
	}

	gw := gateway.NewClient(log, cfg.Gateway.RequestTimeout)
	dispatcher := dispatch.New(log, dispatch.Config{
		MinInterval:  cfg.Dispatch.MinInterval,
		MaxInterval:  cfg.Dispatch.MaxInterval,
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
		RetryBackoff: cfg.Dispatch.RetryBackoff,
	}, gw, tracker, dispatch.WithNotifier(notifier), dispatch.WithMetrics(m))
	tracker.Subscribe(dispatcher.HandleStateChange)

	engine := rules.NewEngine(log, store, rules.WithDefaultLocation(defaultLoc))

	webhookOpts := []webhook.Option{webhook.WithReceiptLog(store), webhook.WithMetrics(m)}
	if cfg.Gemini.Enabled {
		gemClient, err := gemini.NewClient(ctx, cfg.Gemini, log)
		if err != nil {
			log.Error("Failed to initialize Gemini client", "error", err)
			return 1
		}
		webhookOpts = append(webhookOpts, webhook.WithFallback(gemClient, cfg.Gemini.MaxConcurrent))
	}
	ingest := webhook.NewService(log, tracker, engine, dispatcher, webhookOpts...)

	srv := server.New(log, cfg.HTTP, cfg.Webhook, server.Deps{
		Webhook:   ingest,
		Instances: tracker,
		Health:    store,
		Metrics:   m,
	})

	taskMap := tasks.RegisterAllTasks(tasks.TaskDeps{
		Logger:    log,
		Store:     store,
		Instances: tracker,
		Gateway:   gw,
		Config:    cfg,
	})
	sched, err := bot.NewScheduler(log, cfg.Scheduler, taskMap, m)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	app := bot.NewBot(log, srv, dispatcher, sched, ingest)

	log.Info("Starting replybot...")
	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Replybot stopped due to error", "error", err)
		return 1
	}

	log.Info("Replybot stopped gracefully.")
	return 0
}

// registerConfiguredInstances registers instances listed in the configuration.
// Instances already known from the database get their credentials refreshed.
func registerConfiguredInstances(ctx context.Context, tracker *instance.Tracker, list []config.InstanceConfig) error {
	for _, ic := range list {
		inst := instance.MessagingInstance{
			ID:             ic.ID,
			PhoneNumber:    ic.PhoneNumber,
			AuthToken:      ic.AuthToken,
			GatewayBaseURL: ic.GatewayBaseURL,
		}
		if _, err := tracker.Get(ic.ID); err == nil {
			if err := tracker.UpdateCredentials(ctx, inst); err != nil {
				return err
			}
			continue
		} else if !apperrors.IsUnknownInstance(err) {
			return err
		}
		if _, err := tracker.Register(ctx, inst); err != nil {
			return err
		}
	}
	return nil
}

func newNotifier(log *slog.Logger, cfg config.TelegramConfig) (dispatch.Notifier, error) {
	logNotifier := notify.NewLogNotifier(log)
	if cfg.Token == "" {
		return logNotifier, nil
	}
	tg, err := notify.NewTelegramBot(cfg.Token)
	if err != nil {
		return nil, err
	}
	return notify.Multi{logNotifier, notify.NewTelegramNotifier(log, tg, cfg.ChatID, cfg.AlertCooldown, nil)}, nil
}

func stateNames() []string {
	names := make([]string, len(instance.States))
	for i, s := range instance.States {
		names[i] = string(s)
	}
	return names
}
