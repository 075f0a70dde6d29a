// Package telegram sends operator alerts via the Telegram Bot API when a facility
// goes over capacity.
//
// Alerts are queued on a bounded channel and delivered by a single worker with
// linear-backoff retries, so a slow or unreachable Bot API never delays a submission.
// When the queue is full the alert is dropped and a warning is logged.
package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/crowdwatch/internal/logger"
	"github.com/rewired-gh/crowdwatch/internal/models"
)

// sender is the part of *tgbotapi.BotAPI the notifier needs.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type alert struct {
	update models.FacilityUpdate
	at     time.Time
}

// Notifier handles Telegram over-capacity alerts
type Notifier struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration

	queue     chan alert
	done      chan struct{}
	closeOnce sync.Once
}

// NewNotifier creates a Telegram notifier and starts its delivery worker.
func NewNotifier(botToken, chatID string, maxRetries int, retryDelayBase time.Duration, queueSize int) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newNotifier(bot, chatID, maxRetries, retryDelayBase, queueSize)
}

func newNotifier(bot sender, chatID string, maxRetries int, retryDelayBase time.Duration, queueSize int) (*Notifier, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	n := &Notifier{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		queue:          make(chan alert, queueSize),
		done:           make(chan struct{}),
	}
	go n.run()
	return n, nil
}

// NotifyOverCapacity queues an alert without blocking.
func (n *Notifier) NotifyOverCapacity(update models.FacilityUpdate) {
	defer func() {
		// Sending on a closed queue after Close is a dropped alert, not a crash.
		if recover() != nil {
			logger.Warn("Telegram notifier closed, dropping alert for facility %d", update.After.ID)
		}
	}()
	select {
	case n.queue <- alert{update: update, at: time.Now()}:
	default:
		logger.Warn("Telegram alert queue full, dropping alert for facility %d", update.After.ID)
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() { close(n.queue) })
	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)
	for a := range n.queue {
		if err := n.send(formatAlert(a.update, a.at)); err != nil {
			logger.Error("Failed to send over-capacity alert for facility %d: %v", a.update.After.ID, err)
			continue
		}
		logger.Info("Sent over-capacity alert for facility %d", a.update.After.ID)
	}
}

// send delivers one message with retry
func (n *Notifier) send(text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < n.maxRetries; i++ {
		_, err := n.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if i < n.maxRetries-1 {
			time.Sleep(n.retryDelayBase * time.Duration(i+1))
		}
	}

	return fmt.Errorf("failed to send message after %d retries: %w", n.maxRetries, lastErr)
}

// formatAlert renders one over-capacity alert in MarkdownV2
func formatAlert(u models.FacilityUpdate, at time.Time) string {
	f := u.After
	var b strings.Builder
	b.WriteString("🚨 *Facility over capacity*\n\n")
	fmt.Fprintf(&b, "🏢 %s \\(%s\\)\n", escapeMarkdownV2(f.Name), escapeMarkdownV2(f.SubName))
	fmt.Fprintf(&b, "👥 Count: *%d* / %d", f.CurrentCount, f.MaxCapacity)
	if f.MaxCapacity > 0 {
		pct := float64(f.CurrentCount) / float64(f.MaxCapacity) * 100
		fmt.Fprintf(&b, " \\(%s\\)", escapeMarkdownV2(fmt.Sprintf("%.0f%%", pct)))
	}
	fmt.Fprintf(&b, "\n📉 Previous: %d / %d\n", u.Before.CurrentCount, u.Before.MaxCapacity)
	fmt.Fprintf(&b, "📅 %s\n", escapeMarkdownV2(at.Format("2006-01-02 15:04:05")))
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	// Characters that need escaping in MarkdownV2:
	// _ * [ ] ( ) ~ ` > # + - = | { } . !
	var b strings.Builder
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
