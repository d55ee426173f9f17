package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pingcrew/internal/agent"
	"pingcrew/internal/config"
	"pingcrew/internal/domain"
	"pingcrew/internal/metrics"
)

func init() {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseInputs(t *testing.T) {
	vars, err := parseInputs([]string{"topic=AI LLMs", "empty=", "expr=a=b"})
	if err != nil {
		t.Fatalf("parseInputs: %v", err)
	}
	if vars["topic"] != "AI LLMs" || vars["empty"] != "" || vars["expr"] != "a=b" {
		t.Errorf("unexpected vars: %v", vars)
	}

	for _, bad := range []string{"novalue", "=x", " =x"} {
		if _, err := parseInputs([]string{bad}); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestRestartPolicy(t *testing.T) {
	p := restartPolicy(config.Defaults().Supervisor)
	if p.MaxRestarts != 5 || p.InitialDelay != time.Second || p.MaxDelay != 30*time.Second {
		t.Errorf("unexpected policy: %+v", p)
	}
	if p.BackoffFactor != 2 || p.ResetAfter != time.Minute {
		t.Errorf("unexpected policy: %+v", p)
	}
}

// flakyChannel fails its first failures starts, then serves until cancelled.
type flakyChannel struct {
	failures int32
	starts   atomic.Int32
	serving  chan struct{}
}

func (f *flakyChannel) Name() string { return "flaky" }

func (f *flakyChannel) Start(ctx context.Context, _ domain.MessageBus) error {
	if f.starts.Add(1) <= f.failures {
		return errors.New("connection reset")
	}
	close(f.serving)
	<-ctx.Done()
	return nil
}

func (f *flakyChannel) Stop() error { return nil }

func (f *flakyChannel) Send(context.Context, string, string) error { return nil }

func TestSuperviseChannel_RestartsFailedChannel(t *testing.T) {
	ch := &flakyChannel{failures: 2, serving: make(chan struct{})}
	m := metrics.New()
	sup := superviseChannel(ch, nil, agent.RestartPolicy{
		MaxRestarts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}, m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case <-ch.serving:
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("channel never came up after %d starts", ch.starts.Load())
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("supervisor: %v", err)
	}
	if got := ch.starts.Load(); got != 3 {
		t.Errorf("starts: got %d, want 3", got)
	}
	if got := m.Counter(metrics.RestartsTotal, "", `worker="flaky"`).Value(); got != 2 {
		t.Errorf("restarts: got %d, want 2", got)
	}
}

func TestSuperviseChannel_GivesUp(t *testing.T) {
	ch := &flakyChannel{failures: 100, serving: make(chan struct{})}
	sup := superviseChannel(ch, nil, agent.RestartPolicy{
		MaxRestarts:  1,
		InitialDelay: time.Millisecond,
	}, nil)

	err := sup.Run(context.Background())
	if !errors.Is(err, agent.ErrRestartBudgetExhausted) {
		t.Fatalf("expected budget exhausted, got %v", err)
	}
	if got := ch.starts.Load(); got != 2 {
		t.Errorf("starts: got %d, want 2", got)
	}
}

// scriptedPing answers each ping with the next status in order.
type scriptedPing struct {
	statuses []domain.ProbeStatus
	calls    atomic.Int32
}

func (s *scriptedPing) Execute(_ context.Context, _ string, args map[string]any) (string, error) {
	n := int(s.calls.Add(1)) - 1
	if n >= len(s.statuses) {
		panic("no more scripted answers")
	}
	host, _ := args["host"].(string)
	return domain.ProbeResult{Host: host, Status: s.statuses[n], Details: "attempt"}.Encode(), nil
}

func scriptedLoop(s *scriptedPing) *agent.Loop {
	d := agent.NewDispatcher(agent.DispatcherConfig{Tools: s, Logger: logger})
	return agent.NewLoop(agent.LoopConfig{Dispatcher: d, Logger: logger})
}

func TestPingWithRetries(t *testing.T) {
	tests := []struct {
		name     string
		statuses []domain.ProbeStatus
		retries  int
		want     domain.ProbeStatus
		calls    int32
	}{
		{"reachable first time", []domain.ProbeStatus{domain.StatusReachable}, 2, domain.StatusReachable, 1},
		{"timeout then reachable", []domain.ProbeStatus{domain.StatusTimeout, domain.StatusReachable}, 2, domain.StatusReachable, 2},
		{"unreachable is final", []domain.ProbeStatus{domain.StatusUnreachable}, 3, domain.StatusUnreachable, 1},
		{"retries used up", []domain.ProbeStatus{domain.StatusTimeout, domain.StatusTimeout}, 1, domain.StatusTimeout, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &scriptedPing{statuses: tt.statuses}
			reply, res, err := pingWithRetries(context.Background(), scriptedLoop(s), "example.com", tt.retries)
			if err != nil {
				t.Fatalf("pingWithRetries: %v", err)
			}
			if res.Status != tt.want || !strings.Contains(reply, string(tt.want)) {
				t.Errorf("got %s (%s), want %s", res.Status, reply, tt.want)
			}
			if got := s.calls.Load(); got != tt.calls {
				t.Errorf("tool calls: got %d, want %d", got, tt.calls)
			}
		})
	}
}

func TestPingWithRetries_PanicBecomesError(t *testing.T) {
	s := &scriptedPing{}
	reply, res, err := pingWithRetries(context.Background(), scriptedLoop(s), "example.com", 0)
	if err != nil {
		t.Fatalf("pingWithRetries: %v", err)
	}
	if res.Status != domain.StatusError || !strings.Contains(res.Details, "no more scripted answers") {
		t.Errorf("panic should surface as an error result, got %s", reply)
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"config.json":   `{"general":{}}`,
		"probes.db":     "sqlite bytes",
		"probes.db-wal": "wal bytes",
		"agents.yaml":   "a:\n  role: A\n",
	}
	var paths []string
	for name, content := range files {
		p := filepath.Join(src, name)
		if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	// Unknown entries are skipped on restore.
	extra := filepath.Join(src, "notes.txt")
	if err := os.WriteFile(extra, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	paths = append(paths, extra)

	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	if err := createTarGz(archive, paths); err != nil {
		t.Fatalf("createTarGz: %v", err)
	}

	dst := t.TempDir()
	targets := restoreTargets{
		config: filepath.Join(dst, "config.json"),
		db:     filepath.Join(dst, "data", "history.db"),
		agents: filepath.Join(dst, "crew", "agents.yaml"),
		tasks:  filepath.Join(dst, "crew", "tasks.yaml"),
	}
	restored, err := extractTarGz(archive, targets)
	if err != nil {
		t.Fatalf("extractTarGz: %v", err)
	}
	if len(restored) != 4 {
		t.Fatalf("restored %d files: %v", len(restored), restored)
	}

	checks := map[string]string{
		targets.config:      files["config.json"],
		targets.db:          files["probes.db"],
		targets.db + "-wal": files["probes.db-wal"],
		targets.agents:      files["agents.yaml"],
	}
	for path, want := range checks {
		got, err := os.ReadFile(path)
		if err != nil {
			t.Errorf("read %s: %v", path, err)
			continue
		}
		if string(got) != want {
			t.Errorf("%s: got %q, want %q", path, got, want)
		}
	}
	if _, err := os.Stat(filepath.Join(dst, "notes.txt")); err == nil {
		t.Error("unknown entry should not be restored")
	}
}

func TestExtractTarGz_NotGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tar.gz")
	if err := os.WriteFile(path, []byte("plain"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := extractTarGz(path, restoreTargets{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRenderService(t *testing.T) {
	unit, err := renderService("linux", "/usr/local/bin/pingcrew", "/home/u/.pingcrew/config.json")
	if err != nil {
		t.Fatalf("linux: %v", err)
	}
	if !strings.Contains(unit, "ExecStart=/usr/local/bin/pingcrew agent --headless --config /home/u/.pingcrew/config.json") {
		t.Errorf("systemd unit: %s", unit)
	}

	plist, err := renderService("darwin", "/bin/pingcrew", "/cfg.json")
	if err != nil {
		t.Fatalf("darwin: %v", err)
	}
	if strings.Contains(plist, "{{") {
		t.Errorf("unreplaced placeholder in plist: %s", plist)
	}
	if !strings.Contains(plist, "<string>"+launchdLabel+"</string>") {
		t.Error("plist missing label")
	}

	if _, err := renderService("plan9", "x", "y"); err == nil {
		t.Error("expected unsupported OS error")
	}
}

func TestInstallService(t *testing.T) {
	home := t.TempDir()
	path, err := installService("linux", home, "/bin/pingcrew", "/cfg.json")
	if err != nil {
		t.Fatalf("installService: %v", err)
	}
	if path != filepath.Join(home, ".config", "systemd", "user", systemdUnit) {
		t.Errorf("path: %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("unit not written: %v", err)
	}
}

func TestHumanSize(t *testing.T) {
	tests := map[int64]string{
		512:             "512 B",
		2048:            "2.0 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for in, want := range tests {
		if got := humanSize(in); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadCrewDefinition_FallsBackToBundled(t *testing.T) {
	dir := t.TempDir()
	def, err := loadCrewDefinition(config.CrewConfig{
		AgentsFile: filepath.Join(dir, "agents.yaml"),
		TasksFile:  filepath.Join(dir, "tasks.yaml"),
	})
	if err != nil {
		t.Fatalf("loadCrewDefinition: %v", err)
	}
	if len(def.Tasks) != 3 {
		t.Errorf("bundled crew should have 3 tasks, got %d", len(def.Tasks))
	}

	// Only one file present is a configuration error, not a fallback.
	if err := os.WriteFile(filepath.Join(dir, "agents.yaml"), []byte("a:\n  role: A\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadCrewDefinition(config.CrewConfig{
		AgentsFile: filepath.Join(dir, "agents.yaml"),
		TasksFile:  filepath.Join(dir, "tasks.yaml"),
	}); err == nil {
		t.Error("expected error with tasks file missing")
	}
}
