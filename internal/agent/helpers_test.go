package agent

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"pingcrew/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// writeScript writes an executable shell script into a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakeping")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// fakeExecutor records tool invocations and returns canned output.
type fakeExecutor struct {
	mu    sync.Mutex
	calls []fakeCall
	out   string
	err   error
	fn    func(ctx context.Context, args map[string]any) (string, error)
}

type fakeCall struct {
	Name string
	Args map[string]any
}

func (f *fakeExecutor) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Name: name, Args: args})
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, args)
	}
	return f.out, f.err
}

func (f *fakeExecutor) Calls() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall(nil), f.calls...)
}

// memRecorder is an in-memory ProbeRecorder.
type memRecorder struct {
	mu   sync.Mutex
	recs []domain.ProbeRecord
}

func (m *memRecorder) SaveProbe(ctx context.Context, rec domain.ProbeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memRecorder) Records() []domain.ProbeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ProbeRecord(nil), m.recs...)
}
