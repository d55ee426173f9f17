package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pingcrew/internal/domain"
	"pingcrew/internal/metrics"
)

const (
	defaultConcurrency   = 3
	defaultRateBurst     = 5
	defaultRatePerMinute = 30.0
)

// Loop consumes commands from the bus and answers them through the dispatcher.
type Loop struct {
	dispatcher  *Dispatcher
	bus         domain.MessageBus
	logger      *slog.Logger
	concurrency int
	rateLimiter *RateLimiter
	metrics     *metrics.Collector
}

// LoopConfig holds all dependencies and tuning parameters for the agent loop.
type LoopConfig struct {
	Dispatcher    *Dispatcher
	Bus           domain.MessageBus
	Logger        *slog.Logger
	Concurrency   int     // max commands handled in parallel (default 3)
	RateBurst     int     // commands accepted back-to-back (default 5)
	RatePerMinute float64 // sustained command rate (default 30)
	Metrics       *metrics.Collector
}

// NewLoop creates a new agent loop with the given configuration.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = defaultRatePerMinute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		dispatcher:  cfg.Dispatcher,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		rateLimiter: NewRateLimiter(cfg.RateBurst, cfg.RatePerMinute),
		metrics:     cfg.Metrics,
	}
}

// Run consumes inbound messages with bounded concurrency until ctx is
// cancelled or the bus is closed. In-flight commands finish before it returns.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("agent loop started", "concurrency", l.concurrency)

	sem := make(chan struct{}, l.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	inbound := l.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("agent loop stopping")
			return nil
		case msg, ok := <-inbound:
			if !ok {
				l.logger.Info("inbound channel closed, agent loop stopping")
				return nil
			}
			if err := l.rateLimiter.Wait(ctx); err != nil {
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			wg.Add(1)
			go func(m domain.InboundMessage) {
				defer wg.Done()
				defer func() { <-sem }()
				defer l.metrics.TrackInFlight()()
				l.processMessage(ctx, m)
			}(msg)
		}
	}
}

// ProcessDirect handles one command synchronously and returns the reply.
func (l *Loop) ProcessDirect(ctx context.Context, content string) domain.Reply {
	return l.safeHandle(ctx, domain.InboundMessage{
		Channel:   "direct",
		ChatID:    "direct",
		SenderID:  "user",
		Content:   content,
		Timestamp: time.Now(),
	})
}

func (l *Loop) processMessage(ctx context.Context, msg domain.InboundMessage) {
	l.logger.Info("processing command",
		"channel", msg.Channel,
		"sender", msg.SenderID,
		"content_len", len(msg.Content),
	)

	reply := l.safeHandle(ctx, msg)

	l.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: reply.Content,
		Format:  replyFormat(reply),
	})
}

// safeHandle confines a panic to the command that caused it.
func (l *Loop) safeHandle(ctx context.Context, msg domain.InboundMessage) (reply domain.Reply) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("command handler panicked", "channel", msg.Channel, "panic", r)
			reply = domain.Reply{Content: domain.ProbeResult{
				Status:  domain.StatusError,
				Details: fmt.Sprintf("internal error: %v", r),
			}.Encode()}
		}
	}()
	return l.dispatcher.HandleMessage(ctx, msg)
}

func replyFormat(r domain.Reply) string {
	if _, err := domain.DecodeProbeResult(r.Content); err == nil {
		return "json"
	}
	return "text"
}
