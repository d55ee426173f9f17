package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"pingcrew/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// ErrUpdatesClosed is returned by Start when polling ends on its own.
var ErrUpdatesClosed = errors.New("telegram updates channel closed")

// Telegram implements domain.Channel for a Telegram bot using long polling.
// Start may be called again after it fails.
type Telegram struct {
	token       string
	apiEndpoint string
	allowFrom   []int64 // empty = allow all

	mu     sync.RWMutex
	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token       string
	AllowFrom   []string // user IDs as strings
	APIEndpoint string   // format with %s for token and method; default tgbotapi.APIEndpoint
	Logger      *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:       cfg.Token,
		apiEndpoint: cfg.APIEndpoint,
		allowFrom:   allowed,
		logger:      cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is cancelled.
// It returns an error when the bot cannot connect or polling stops early.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.token, t.apiEndpoint)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.bus = bus
	t.mu.Unlock()
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	bus.OnOutbound(t.Name(), func(msg domain.OutboundMessage) {
		chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			t.logger.Error("invalid chat ID for telegram reply", "chat_id", msg.ChatID, "err", err)
			return
		}
		for _, chunk := range renderTelegram(msg, telegramMaxMsgLen) {
			t.sendChunk(chatID, chunk)
		}
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)
	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return ErrUpdatesClosed
			}
			t.handleUpdate(update)
		}
	}
}

func (t *Telegram) client() *tgbotapi.BotAPI {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bot
}

// Stop is a no-op: StopReceivingUpdates runs when Start's context ends and
// panics if called twice.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) Send(ctx context.Context, chatID string, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	if t.client() == nil {
		return errors.New("telegram bot not connected")
	}
	t.sendMessage(id, content)
	return nil
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}
	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user", "user_id", userID, "username", update.Message.From.UserName)
		t.sendMessage(chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}
	if update.Message.IsCommand() {
		if t.handleCommand(chatID, update.Message) {
			return
		}
		// "/ping host" is treated as "ping host".
		text = strings.TrimSpace(update.Message.Command() + " " + update.Message.CommandArguments())
	}

	t.logger.Info("telegram command received", "user_id", userID, "chat_id", chatID, "text_len", len(text))

	t.bus.Publish(domain.InboundMessage{
		Channel:   t.Name(),
		ChatID:    strconv.FormatInt(chatID, 10),
		SenderID:  strconv.FormatInt(userID, 10),
		Content:   text,
		Timestamp: time.Unix(int64(update.Message.Date), 0),
	})
}

// handleCommand answers bot-level commands and reports whether it did.
func (t *Telegram) handleCommand(chatID int64, msg *tgbotapi.Message) bool {
	switch msg.Command() {
	case "start", "help":
		t.sendMessage(chatID, "Send `ping <host>` and I'll check whether the host is reachable.")
		return true
	case "status":
		t.sendMessage(chatID, fmt.Sprintf("Bot: @%s\nYour ID: %d\nChat ID: %d", t.client().Self.UserName, msg.From.ID, chatID))
		return true
	}
	return false
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

const telegramFence = "```"

// renderTelegram splits a reply into sendable chunks. Probe results are
// fenced so the JSON survives Markdown parsing; every chunk carries its own
// fence so a split never leaves one open.
func renderTelegram(msg domain.OutboundMessage, maxLen int) []string {
	if msg.Format != "json" {
		return splitMessage(msg.Content, maxLen)
	}
	overhead := len(telegramFence)*2 + 2
	chunks := splitMessage(msg.Content, maxLen-overhead)
	for i, c := range chunks {
		chunks[i] = telegramFence + "\n" + c + "\n" + telegramFence
	}
	return chunks
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring
// newline boundaries in the second half of a chunk. Cuts never fall inside
// a UTF-8 sequence.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
			for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
				cutAt--
			}
			if cutAt == 0 {
				// maxLen is shorter than the first rune.
				_, cutAt = utf8.DecodeRuneInString(text)
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		t.sendChunk(chatID, chunk)
	}
}

// sendChunk tries Markdown first, falls back to plain text on a parse error,
// and backs off on rate limits and transient failures.
func (t *Telegram) sendChunk(chatID int64, text string) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 {
			msg.ParseMode = tgbotapi.ModeMarkdown
		}
		_, err := t.client().Send(msg)
		if err == nil {
			return
		}
		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", retryAfter, "attempt", attempt+1)
			time.Sleep(retryAfter)
			continue
		}
		if attempt == 0 && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
			continue
		}
		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		t.logger.Error("telegram send failed after retries", "err", err, "attempts", telegramMaxSendRetries+1)
	}
}
