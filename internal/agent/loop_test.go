package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"pingcrew/internal/bus"
	"pingcrew/internal/domain"
)

type outboxRecorder struct {
	mu   sync.Mutex
	msgs []domain.OutboundMessage
	ch   chan domain.OutboundMessage
}

func newOutbox() *outboxRecorder {
	return &outboxRecorder{ch: make(chan domain.OutboundMessage, 64)}
}

func (o *outboxRecorder) handle(msg domain.OutboundMessage) {
	o.mu.Lock()
	o.msgs = append(o.msgs, msg)
	o.mu.Unlock()
	o.ch <- msg
}

func (o *outboxRecorder) next(t *testing.T) domain.OutboundMessage {
	t.Helper()
	select {
	case msg := <-o.ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
		return domain.OutboundMessage{}
	}
}

func TestLoop_RepliesThroughBus(t *testing.T) {
	b := bus.New(10, testLogger())
	out := newOutbox()
	b.OnOutbound("test", out.handle)

	exec := &fakeExecutor{out: domain.ProbeResult{Host: "h", Status: domain.StatusReachable, Details: "ok"}.Encode()}
	loop := NewLoop(LoopConfig{
		Dispatcher: NewDispatcher(DispatcherConfig{Tools: exec, Logger: testLogger()}),
		Bus:        b,
		Logger:     testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	b.Publish(domain.InboundMessage{Channel: "test", ChatID: "1", Content: "ping h"})
	msg := out.next(t)
	if msg.ChatID != "1" || msg.Format != "json" {
		t.Fatalf("unexpected outbound %+v", msg)
	}
	res, err := domain.DecodeProbeResult(msg.Content)
	if err != nil || res.Status != domain.StatusReachable {
		t.Fatalf("unexpected reply %q (%v)", msg.Content, err)
	}

	b.Publish(domain.InboundMessage{Channel: "test", ChatID: "2", Content: "hello"})
	msg = out.next(t)
	if msg.Content != RefusalText || msg.Format != "text" {
		t.Fatalf("unexpected refusal %+v", msg)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v on shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestLoop_BusCloseStopsCleanly(t *testing.T) {
	b := bus.New(1, testLogger())
	loop := NewLoop(LoopConfig{
		Dispatcher: NewDispatcher(DispatcherConfig{Logger: testLogger()}),
		Bus:        b,
		Logger:     testLogger(),
	})

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	b.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after bus close")
	}
}

func TestLoop_SlowProbeDoesNotBlockOthers(t *testing.T) {
	b := bus.New(10, testLogger())
	out := newOutbox()
	b.OnOutbound("test", out.handle)

	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, args map[string]any) (string, error) {
		if args["host"] == "slow" {
			<-release
		}
		return domain.ProbeResult{Host: args["host"].(string), Status: domain.StatusReachable}.Encode(), nil
	}}
	loop := NewLoop(LoopConfig{
		Dispatcher:  NewDispatcher(DispatcherConfig{Tools: exec, Logger: testLogger()}),
		Bus:         b,
		Logger:      testLogger(),
		Concurrency: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	b.Publish(domain.InboundMessage{Channel: "test", ChatID: "slow", Content: "ping slow"})
	b.Publish(domain.InboundMessage{Channel: "test", ChatID: "fast", Content: "ping fast"})

	if msg := out.next(t); msg.ChatID != "fast" {
		t.Fatalf("fast probe should finish first, got %q", msg.ChatID)
	}
	close(release)
	if msg := out.next(t); msg.ChatID != "slow" {
		t.Fatalf("expected slow reply, got %q", msg.ChatID)
	}
}

func TestLoop_PanicIsConfinedToCommand(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, args map[string]any) (string, error) {
		panic("tool exploded")
	}}
	loop := NewLoop(LoopConfig{
		Dispatcher: NewDispatcher(DispatcherConfig{Tools: exec, Logger: testLogger()}),
		Bus:        bus.New(1, testLogger()),
		Logger:     testLogger(),
	})

	reply := loop.ProcessDirect(context.Background(), "ping x")
	res, err := domain.DecodeProbeResult(reply.Content)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != domain.StatusError {
		t.Fatalf("status: %q", res.Status)
	}

	if got := loop.ProcessDirect(context.Background(), "hello"); got.Content != RefusalText {
		t.Fatalf("loop should keep working after a panic, got %q", got.Content)
	}
}
