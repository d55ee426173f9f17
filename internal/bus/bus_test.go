package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"pingcrew/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var _ domain.MessageBus = (*InMemoryBus)(nil)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New(4, testLogger())
	b.Publish(domain.InboundMessage{Channel: "cli", Content: "ping a"})

	select {
	case msg := <-b.Subscribe():
		if msg.Content != "ping a" {
			t.Fatalf("content: %q", msg.Content)
		}
		if msg.Timestamp.IsZero() {
			t.Error("timestamp should be filled in")
		}
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestBus_RoutesRepliesByChannel(t *testing.T) {
	b := New(1, testLogger())
	var cli, tg []string
	b.OnOutbound("cli", func(m domain.OutboundMessage) { cli = append(cli, m.Content) })
	b.OnOutbound("telegram", func(m domain.OutboundMessage) { tg = append(tg, m.Content) })

	b.SendOutbound(domain.OutboundMessage{Channel: "cli", Content: "one"})
	b.SendOutbound(domain.OutboundMessage{Channel: "telegram", Content: "two"})
	b.SendOutbound(domain.OutboundMessage{Channel: "nowhere", Content: "three"})

	if len(cli) != 1 || cli[0] != "one" {
		t.Errorf("cli: %v", cli)
	}
	if len(tg) != 1 || tg[0] != "two" {
		t.Errorf("telegram: %v", tg)
	}
}

func TestBus_FullQueueDropsAfterTimeout(t *testing.T) {
	b := New(1, testLogger())
	b.SetPublishTimeout(20 * time.Millisecond)

	b.Publish(domain.InboundMessage{Content: "first"})
	start := time.Now()
	b.Publish(domain.InboundMessage{Content: "second"})
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("publish on a full queue should wait")
	}

	if msg := <-b.Subscribe(); msg.Content != "first" {
		t.Fatalf("got %q", msg.Content)
	}
	select {
	case msg := <-b.Subscribe():
		t.Fatalf("dropped message delivered: %q", msg.Content)
	default:
	}
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Close()
	b.Publish(domain.InboundMessage{Content: "late"})

	if _, ok := <-b.Subscribe(); ok {
		t.Fatal("inbound channel should be closed")
	}
}
