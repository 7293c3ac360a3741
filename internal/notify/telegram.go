package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/jonboulle/clockwork"

	"github.com/edgard/replybot/internal/logger"
)

// MessageSender is the part of the Telegram client the notifier uses.
type MessageSender interface {
	SendMessage(ctx context.Context, params *tgbot.SendMessageParams) (*models.Message, error)
}

// TelegramNotifier messages an operator chat. Repeats of the same alert
// within the cooldown are suppressed.
type TelegramNotifier struct {
	sender   MessageSender
	chatID   int64
	cooldown time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

// NewTelegramBot creates the Telegram client used for alerts. It skips the
// getMe round trip so startup does not depend on Telegram being reachable.
func NewTelegramBot(token string, opts ...tgbot.Option) (*tgbot.Bot, error) {
	opts = append([]tgbot.Option{tgbot.WithSkipGetMe()}, opts...)
	return tgbot.New(token, opts...)
}

// NewTelegramNotifier creates a notifier posting to chatID.
func NewTelegramNotifier(log *slog.Logger, sender MessageSender, chatID int64, cooldown time.Duration, clock clockwork.Clock) *TelegramNotifier {
	if log == nil {
		log = logger.Discard()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TelegramNotifier{
		sender:   sender,
		chatID:   chatID,
		cooldown: cooldown,
		clock:    clock,
		logger:   log.With("component", "telegram_notifier"),
		last:     make(map[string]time.Time),
	}
}

func (n *TelegramNotifier) Notify(ctx context.Context, err error) {
	alert, ok := AlertFor(err)
	if !ok {
		return
	}
	if n.suppressed(alert.Key()) {
		n.logger.DebugContext(ctx, "Suppressing repeated alert", "key", alert.Key())
		return
	}

	_, sendErr := n.sender.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: n.chatID,
		Text:   "replybot alert " + alert.String(),
	})
	if sendErr != nil {
		n.logger.ErrorContext(ctx, "Failed to send Telegram alert", "error", sendErr, "chat_id", n.chatID)
		n.forget(alert.Key())
		return
	}
	n.logger.DebugContext(ctx, "Sent Telegram alert", "chat_id", n.chatID, "key", alert.Key())
}

func (n *TelegramNotifier) suppressed(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.clock.Now()
	if at, ok := n.last[key]; ok && n.cooldown > 0 && now.Sub(at) < n.cooldown {
		return true
	}
	n.last[key] = now
	return false
}

func (n *TelegramNotifier) forget(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.last, key)
}
