//go:build !windows

package tool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"pingcrew/internal/domain"
)

// fakePing behaves like `ping -c N host` for a few magic hosts:
// "down" exits 1, "slow" records its pid and sleeps, anything else succeeds.
const fakePing = `#!/bin/sh
host="$3"
case "$host" in
  down)
    echo "PING down: 3 packets transmitted, 0 received, 100% packet loss"
    echo "unreachable" >&2
    exit 1 ;;
  slow)
    echo $$ > "$FAKE_PING_PIDFILE"
    exec sleep 30 ;;
esac
echo "  PING $host count=$2"
echo "3 packets transmitted, 3 received  "
`

func writeFakePing(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakeping")
	if err := os.WriteFile(path, []byte(fakePing), 0o755); err != nil {
		t.Fatalf("write fake ping: %v", err)
	}
	return path
}

func newFakePingTool(t *testing.T, timeout time.Duration) *PingTool {
	t.Helper()
	return NewPingTool(PingConfig{
		Binary:  writeFakePing(t),
		Timeout: timeout,
		Logger:  testLogger(),
	})
}

func TestNewPingTool_Defaults(t *testing.T) {
	p := NewPingTool(PingConfig{})
	if p.Name() != "ping" {
		t.Errorf("Name: got %q", p.Name())
	}
	if p.binary != "ping" || p.count != 3 || p.timeout != 10*time.Second {
		t.Errorf("defaults: binary=%q count=%d timeout=%v", p.binary, p.count, p.timeout)
	}
	if p.Description() == "" {
		t.Error("Description should not be empty")
	}
	props, _ := p.Parameters()["properties"].(map[string]any)
	if props["host"] == nil {
		t.Error("parameters should declare host")
	}
}

func TestPingTool_Reachable(t *testing.T) {
	p := newFakePingTool(t, 5*time.Second)

	res := p.Probe(context.Background(), "example.com")
	if res.Status != domain.StatusReachable {
		t.Fatalf("status: got %q (%s)", res.Status, res.Details)
	}
	if res.Host != "example.com" {
		t.Errorf("host: got %q", res.Host)
	}
	if !strings.HasPrefix(res.Details, "PING example.com count=3") {
		t.Errorf("details should be trimmed stdout with count 3, got %q", res.Details)
	}
	if strings.HasSuffix(res.Details, " ") {
		t.Errorf("details not trimmed: %q", res.Details)
	}
}

func TestPingTool_Unreachable(t *testing.T) {
	p := newFakePingTool(t, 5*time.Second)

	res := p.Probe(context.Background(), "down")
	if res.Status != domain.StatusUnreachable {
		t.Fatalf("status: got %q (%s)", res.Status, res.Details)
	}
	if res.Host != "down" {
		t.Errorf("host: got %q", res.Host)
	}
	if !strings.Contains(res.Details, "100% packet loss") {
		t.Errorf("details should carry stdout, got %q", res.Details)
	}
	if strings.Contains(res.Details, "unreachable") {
		t.Errorf("details should not include stderr, got %q", res.Details)
	}
}

func TestPingTool_Timeout(t *testing.T) {
	p := newFakePingTool(t, 200*time.Millisecond)
	t.Setenv("FAKE_PING_PIDFILE", filepath.Join(t.TempDir(), "pid"))

	start := time.Now()
	res := p.Probe(context.Background(), "slow")
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("probe took %v, timeout not enforced", elapsed)
	}
	want := domain.ProbeResult{Status: domain.StatusTimeout, Details: "request timed out"}
	if res != want {
		t.Fatalf("got %+v, want %+v", res, want)
	}
}

func TestPingTool_CancelKillsProcess(t *testing.T) {
	p := newFakePingTool(t, 10*time.Second)
	pidFile := filepath.Join(t.TempDir(), "pid")
	t.Setenv("FAKE_PING_PIDFILE", pidFile)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Wait until the process is up before cancelling.
		for i := 0; i < 100; i++ {
			if _, err := os.Stat(pidFile); err == nil {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		cancel()
	}()

	start := time.Now()
	res := p.Probe(ctx, "slow")
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancelled probe took %v", elapsed)
	}
	if res.Status != domain.StatusCancelled {
		t.Fatalf("status: got %q (%s)", res.Status, res.Details)
	}
	if res.Host != "" {
		t.Errorf("host should be omitted on cancellation, got %q", res.Host)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("parse pid: %v", err)
	}
	if err := syscall.Kill(pid, 0); !errors.Is(err, syscall.ESRCH) {
		t.Fatalf("process %d still exists after cancellation (kill 0: %v)", pid, err)
	}
}

func TestPingTool_AlreadyCancelled(t *testing.T) {
	p := newFakePingTool(t, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := p.Probe(ctx, "example.com")
	if res.Status != domain.StatusCancelled {
		t.Fatalf("status: got %q (%s)", res.Status, res.Details)
	}
}

func TestPingTool_ToolNotInstalled_NoSpawn(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawned")
	script := filepath.Join(t.TempDir(), "ping")
	if err := os.WriteFile(script, []byte("#!/bin/sh\ntouch "+marker+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	var lookups atomic.Int32
	p := NewPingTool(PingConfig{
		Binary: "ping",
		LookPath: func(file string) (string, error) {
			lookups.Add(1)
			return "", exec.ErrNotFound
		},
		Logger: testLogger(),
	})

	for _, host := range []string{"127.0.0.1", "", "example.com"} {
		res := p.Probe(context.Background(), host)
		want := domain.ProbeResult{Status: domain.StatusToolNotInstalled, Details: "ping is not installed on the system"}
		if res != want {
			t.Fatalf("host %q: got %+v, want %+v", host, res, want)
		}
	}
	if _, err := os.Stat(marker); err == nil {
		t.Fatal("no process should be spawned when the utility is missing")
	}
	if lookups.Load() != 3 {
		t.Fatalf("presence must be checked on every call, got %d lookups", lookups.Load())
	}
}

func TestPingTool_InstalledAfterStart(t *testing.T) {
	fake := writeFakePing(t)
	var installed atomic.Bool
	p := NewPingTool(PingConfig{
		LookPath: func(file string) (string, error) {
			if !installed.Load() {
				return "", exec.ErrNotFound
			}
			return fake, nil
		},
		Logger: testLogger(),
	})

	if res := p.Probe(context.Background(), "a"); res.Status != domain.StatusToolNotInstalled {
		t.Fatalf("before install: %q", res.Status)
	}
	installed.Store(true)
	if res := p.Probe(context.Background(), "a"); res.Status != domain.StatusReachable {
		t.Fatalf("after install: %q (%s)", res.Status, res.Details)
	}
}

func TestPingTool_HostIsSingleArgument(t *testing.T) {
	p := newFakePingTool(t, 5*time.Second)
	marker := filepath.Join(t.TempDir(), "pwned")

	hosts := []string{
		"127.0.0.1; touch " + marker,
		"$(touch " + marker + ")",
		"`touch " + marker + "`",
		"a && touch " + marker,
		"héllo-wörld.例え.jp",
		"a b c",
	}
	for _, host := range hosts {
		res := p.Probe(context.Background(), host)
		if res.Status != domain.StatusReachable {
			t.Fatalf("host %q: status %q (%s)", host, res.Status, res.Details)
		}
		if !strings.Contains(res.Details, "PING "+host+" ") {
			t.Errorf("host %q was not passed verbatim: %q", host, res.Details)
		}
	}
	if _, err := os.Stat(marker); err == nil {
		t.Fatal("host string was interpreted by a shell")
	}
}

func TestPingTool_InvalidHost(t *testing.T) {
	p := newFakePingTool(t, 5*time.Second)

	for _, host := range []string{"", "-f", "--help", "\xff\xfe", "example\xc3.com"} {
		res := p.Probe(context.Background(), host)
		if res.Status != domain.StatusError || !strings.HasPrefix(res.Details, "invalid host") {
			t.Errorf("host %q: got %+v", host, res)
		}
		if res.Host != "" {
			t.Errorf("host %q: host field should be omitted", host)
		}
		decoded, err := domain.DecodeProbeResult(res.Encode())
		if err != nil || decoded != res {
			t.Errorf("host %q: result does not survive encoding: %+v (%v)", host, decoded, err)
		}
	}
}

func TestPingTool_ExecError(t *testing.T) {
	// A resolvable path that cannot be executed surfaces as a generic error.
	dir := t.TempDir()
	p := NewPingTool(PingConfig{
		LookPath: func(string) (string, error) { return dir, nil },
		Logger:   testLogger(),
	})

	res := p.Probe(context.Background(), "example.com")
	if res.Status != domain.StatusError {
		t.Fatalf("status: got %q (%s)", res.Status, res.Details)
	}
	if res.Details == "" || res.Host != "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPingTool_ConcurrentProbesIndependent(t *testing.T) {
	p := newFakePingTool(t, 5*time.Second)

	const n = 12
	results := make([]domain.ProbeResult, n)
	hosts := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		hosts[i] = fmt.Sprintf("host-%d", i)
		if i%3 == 0 {
			hosts[i] = "down"
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Probe(context.Background(), hosts[i])
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		want := domain.StatusReachable
		if hosts[i] == "down" {
			want = domain.StatusUnreachable
		}
		if res.Status != want || res.Host != hosts[i] {
			t.Errorf("probe %d (%s): got %+v, want status %q", i, hosts[i], res, want)
		}
	}
}

func TestPingTool_Execute(t *testing.T) {
	p := newFakePingTool(t, 5*time.Second)

	out, err := p.Execute(context.Background(), map[string]any{"host": "down"})
	if err != nil {
		t.Fatalf("Execute must not return an error, got %v", err)
	}
	res, err := domain.DecodeProbeResult(out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != domain.StatusUnreachable || res.Host != "down" {
		t.Fatalf("unexpected result %+v", res)
	}

	out, err = p.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute(nil): %v", err)
	}
	if res, _ := domain.DecodeProbeResult(out); res.Status != domain.StatusError {
		t.Fatalf("missing host should be an error result, got %+v", res)
	}
}

func TestPingTool_Loopback(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns the system ping utility")
	}
	if _, err := exec.LookPath("ping"); err != nil {
		t.Skip("ping not installed")
	}
	p := NewPingTool(PingConfig{Logger: testLogger()})

	res := p.Probe(context.Background(), "127.0.0.1")
	if res.Status != domain.StatusReachable {
		// Sandboxed environments often deny raw sockets.
		t.Skipf("loopback probe not reachable here: %s (%s)", res.Status, res.Details)
	}
	if res.Host != "127.0.0.1" {
		t.Fatalf("host: %q", res.Host)
	}
}
