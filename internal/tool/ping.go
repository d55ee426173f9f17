package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"pingcrew/internal/domain"
)

const (
	defaultPingBinary  = "ping"
	defaultPingCount   = 3
	defaultPingTimeout = 10 * time.Second

	// pingWaitDelay bounds how long Wait keeps draining pipes after the
	// process has been killed.
	pingWaitDelay = 2 * time.Second

	detailsTimedOut  = "request timed out"
	detailsCancelled = "request cancelled"
)

// PingTool probes host reachability with the system ping utility.
// It holds no mutable state, so one instance may serve concurrent probes.
type PingTool struct {
	binary   string
	count    int
	timeout  time.Duration
	lookPath func(file string) (string, error)
	logger   *slog.Logger
}

type PingConfig struct {
	Binary  string        // utility name or path (default "ping")
	Count   int           // echo requests per probe (default 3)
	Timeout time.Duration // hard wall-clock budget per probe (default 10s)

	// LookPath resolves Binary before every probe. Defaults to exec.LookPath.
	LookPath func(file string) (string, error)
	Logger   *slog.Logger
}

func NewPingTool(cfg PingConfig) *PingTool {
	if cfg.Binary == "" {
		cfg.Binary = defaultPingBinary
	}
	if cfg.Count <= 0 {
		cfg.Count = defaultPingCount
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPingTimeout
	}
	if cfg.LookPath == nil {
		cfg.LookPath = exec.LookPath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PingTool{
		binary:   cfg.Binary,
		count:    cfg.Count,
		timeout:  cfg.Timeout,
		lookPath: cfg.LookPath,
		logger:   cfg.Logger,
	}
}

func (p *PingTool) Name() string { return "ping" }

func (p *PingTool) Description() string {
	return fmt.Sprintf("Check whether a network host is reachable by sending %d ICMP echo requests. Returns JSON with host, status and details.", p.count)
}

func (p *PingTool) Parameters() map[string]any {
	return Schema(map[string]Param{
		"host": {Type: "string", Description: "Hostname or IP address to probe (e.g. '1.1.1.1', 'example.com')"},
	}, "host")
}

// Execute runs a probe and returns its canonical encoding. The error is
// always nil: every failure is reported through the result status.
func (p *PingTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return p.Probe(ctx, StringArg(args, "host")).Encode(), nil
}

// Probe runs the ping utility against host and normalizes the outcome.
// It never panics and never returns an error.
func (p *PingTool) Probe(ctx context.Context, host string) (res domain.ProbeResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("probe panicked", "host", host, "panic", r)
			res = domain.ProbeResult{Status: domain.StatusError, Details: fmt.Sprint(r)}
		}
	}()

	// Presence is checked on every call so a utility installed after
	// startup is picked up.
	path, err := p.lookPath(p.binary)
	if err != nil {
		p.logger.Warn("probe utility not found", "binary", p.binary, "err", err)
		return domain.ProbeResult{
			Status:  domain.StatusToolNotInstalled,
			Details: fmt.Sprintf("%s is not installed on the system", p.binary),
		}
	}

	// A leading dash would be parsed by the utility as an option, and the
	// result encoding cannot carry bytes that are not UTF-8.
	if host == "" || strings.HasPrefix(host, "-") || !utf8.ValidString(host) {
		return domain.ProbeResult{
			Status:  domain.StatusError,
			Details: fmt.Sprintf("invalid host %q", host),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// Argument vector only: host is a single argv element, never shell-parsed.
	cmd := exec.CommandContext(runCtx, path, "-c", strconv.Itoa(p.count), host)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = pingWaitDelay

	start := time.Now()
	p.logger.Debug("probe started", "host", host, "binary", path)
	err = cmd.Run()
	latency := time.Since(start)

	res = p.classify(ctx, runCtx, host, err, stdout.String())
	p.logger.Info("probe finished",
		"host", host,
		"status", res.Status,
		"latency_ms", latency.Milliseconds(),
	)
	if err != nil && stderr.Len() > 0 {
		p.logger.Debug("probe stderr", "host", host, "stderr", strings.TrimSpace(stderr.String()))
	}
	return res
}

func (p *PingTool) classify(ctx, runCtx context.Context, host string, err error, stdout string) domain.ProbeResult {
	if err == nil {
		return domain.ProbeResult{Host: host, Status: domain.StatusReachable, Details: strings.TrimSpace(stdout)}
	}

	// Context checks come first: a killed process also surfaces as *exec.ExitError.
	if errors.Is(ctx.Err(), context.Canceled) {
		return domain.ProbeResult{Status: domain.StatusCancelled, Details: detailsCancelled}
	}
	if runCtx.Err() != nil {
		return domain.ProbeResult{Status: domain.StatusTimeout, Details: detailsTimedOut}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return domain.ProbeResult{Host: host, Status: domain.StatusUnreachable, Details: strings.TrimSpace(stdout)}
	}

	p.logger.Error("probe failed", "host", host, "err", err)
	return domain.ProbeResult{Status: domain.StatusError, Details: err.Error()}
}
