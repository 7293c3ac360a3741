// Package bot wires the long-running components of replybot together and
// manages their lifecycle.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/edgard/replybot/internal/logger"
)

// Runner is a component that runs until ctx is done.
type Runner interface {
	Run(ctx context.Context) error
}

// Waiter blocks until background work started by a component has finished.
type Waiter interface {
	Wait()
}

// Bot owns the HTTP server, the dispatcher and the scheduler.
type Bot struct {
	logger     *slog.Logger
	server     Runner
	dispatcher Runner
	scheduler  *Scheduler
	pending    Waiter
}

// NewBot creates the orchestrator. pending, when set, is waited for after the
// HTTP server has stopped so in-flight webhook work can reach the dispatcher.
func NewBot(log *slog.Logger, server, dispatcher Runner, scheduler *Scheduler, pending Waiter) *Bot {
	if log == nil {
		log = logger.Discard()
	}
	return &Bot{
		logger:     log.With("component", "bot_orchestrator"),
		server:     server,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		pending:    pending,
	}
}

// Run starts all components and blocks until ctx is cancelled or one of them fails.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Starting bot orchestrator...")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := b.dispatcher.Run(gCtx); err != nil {
			return fmt.Errorf("dispatcher failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := b.server.Run(gCtx)
		if b.pending != nil {
			b.pending.Wait()
		}
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		if gCtx.Err() == nil {
			return errors.New("http server stopped unexpectedly")
		}
		return nil
	})

	if b.scheduler != nil {
		g.Go(func() error {
			if err := b.scheduler.Start(); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}
			<-gCtx.Done()
			b.logger.Info("Shutdown signal received, stopping scheduler...")
			if err := b.scheduler.Stop(); err != nil {
				b.logger.Error("Error stopping scheduler", "error", err)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Bot orchestrator stopped due to error", "error", err)
		return err
	}

	b.logger.Info("Bot orchestrator stopped gracefully.")
	return nil
}
