package bus

import (
	"log/slog"
	"sync"
	"time"

	"pingcrew/internal/domain"
)

const defaultPublishTimeout = 10 * time.Second

// InMemoryBus carries commands from channels to the agent loop and routes
// replies back to the channel that asked.
type InMemoryBus struct {
	inbound        chan domain.InboundMessage
	handlers       map[string]func(domain.OutboundMessage)
	mu             sync.RWMutex
	closed         bool
	publishTimeout time.Duration
	logger         *slog.Logger
}

// New creates a bus whose inbound queue holds bufferSize commands.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound:        make(chan domain.InboundMessage, bufferSize),
		handlers:       make(map[string]func(domain.OutboundMessage)),
		publishTimeout: defaultPublishTimeout,
		logger:         logger,
	}
}

// SetPublishTimeout changes how long Publish waits on a full queue.
func (b *InMemoryBus) SetPublishTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d > 0 {
		b.publishTimeout = d
	}
}

// Publish enqueues a command. A full queue blocks up to the publish timeout,
// after which the command is dropped and logged.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("publish on closed bus", "channel", msg.Channel)
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	select {
	case b.inbound <- msg:
		return
	default:
	}

	b.logger.Warn("inbound queue full, waiting", "channel", msg.Channel, "sender", msg.SenderID)
	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case b.inbound <- msg:
	case <-timer.C:
		b.logger.Error("command dropped, inbound queue full",
			"channel", msg.Channel,
			"sender", msg.SenderID,
			"waited", b.publishTimeout,
		)
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

// SendOutbound delivers a reply to the handler registered for its channel.
func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.RLock()
	handler, ok := b.handlers[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no reply handler for channel", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}
	handler(msg)
}

func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = handler
}

// Close stops accepting commands and closes the inbound queue. Safe to call twice.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
