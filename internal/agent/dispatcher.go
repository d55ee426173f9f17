package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pingcrew/internal/domain"
	"pingcrew/internal/metrics"
)

// RefusalText is the reply to any command that matches no capability.
const RefusalText = "I'm sorry, I can't help you with that."

// Capability maps a command name to the tool it invokes.
type Capability struct {
	// Command is the first token of the message, matched exactly.
	Command string
	// Tool is the registry name of the tool to run.
	Tool string
	// Parse turns the tokens after the command into tool arguments.
	// A non-nil error produces a malformed-command reply.
	Parse func(args []string) (map[string]any, error)
}

// PingCapability is the built-in `ping <host>` command.
var PingCapability = Capability{
	Command: "ping",
	Tool:    "ping",
	Parse: func(args []string) (map[string]any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("usage: ping <host>")
		}
		// Extra tokens are ignored.
		return map[string]any{"host": args[0]}, nil
	},
}

// ToolExecutor runs a tool by exact name. *tool.Registry satisfies it.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// ProbeRecorder persists probe outcomes.
type ProbeRecorder interface {
	SaveProbe(ctx context.Context, rec domain.ProbeRecord) error
}

// Dispatcher maps an incoming command to a tool invocation or the refusal.
type Dispatcher struct {
	tools        ToolExecutor
	capabilities map[string]Capability
	recorder     ProbeRecorder
	metrics      *metrics.Collector
	logger       *slog.Logger
}

type DispatcherConfig struct {
	Tools        ToolExecutor
	Capabilities []Capability       // default: PingCapability
	Recorder     ProbeRecorder      // optional
	Metrics      *metrics.Collector // optional
	Logger       *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = []Capability{PingCapability}
	}
	caps := make(map[string]Capability, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		caps[c.Command] = c
	}
	return &Dispatcher{
		tools:        cfg.Tools,
		capabilities: caps,
		recorder:     cfg.Recorder,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
}

// Handle answers one command. It never fails: tool faults come back as
// encoded probe results.
func (d *Dispatcher) Handle(ctx context.Context, cmd domain.Command) domain.Reply {
	return d.handle(ctx, cmd, domain.InboundMessage{})
}

// HandleMessage is Handle with the envelope kept for the probe history.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg domain.InboundMessage) domain.Reply {
	return d.handle(ctx, msg.Command(), msg)
}

func (d *Dispatcher) handle(ctx context.Context, cmd domain.Command, msg domain.InboundMessage) domain.Reply {
	fields := strings.Fields(cmd.Content)
	if len(fields) == 0 {
		d.metrics.CountCommand("refused")
		return domain.Reply{Content: RefusalText}
	}

	capability, ok := d.capabilities[fields[0]]
	if !ok {
		d.logger.Debug("no capability for command", "command", fields[0])
		d.metrics.CountCommand("refused")
		return domain.Reply{Content: RefusalText}
	}

	args, err := capability.Parse(fields[1:])
	if err != nil {
		d.logger.Info("malformed command", "command", capability.Command, "err", err)
		d.metrics.CountCommand("malformed")
		return domain.Reply{Content: domain.ProbeResult{
			Status:  domain.StatusMalformedCommand,
			Details: err.Error(),
		}.Encode()}
	}

	if d.tools == nil {
		return domain.Reply{Content: domain.ProbeResult{
			Status:  domain.StatusError,
			Details: "tool registry not initialized",
		}.Encode()}
	}

	d.metrics.CountCommand("dispatched")
	start := time.Now()
	out, err := d.tools.Execute(ctx, capability.Tool, args)
	if err != nil {
		d.logger.Error("tool invocation failed", "tool", capability.Tool, "err", err)
		return domain.Reply{Content: domain.ProbeResult{
			Status:  domain.StatusError,
			Details: err.Error(),
		}.Encode()}
	}

	latency := time.Since(start)
	res, err := domain.DecodeProbeResult(out)
	if err != nil {
		d.logger.Warn("tool output is not a probe result, not recorded", "tool", capability.Tool, "err", err)
		return domain.Reply{Content: out}
	}
	d.metrics.ObserveProbe(string(res.Status), latency)
	d.record(ctx, res, args, msg, latency)
	return domain.Reply{Content: out}
}

func (d *Dispatcher) record(ctx context.Context, res domain.ProbeResult, args map[string]any, msg domain.InboundMessage, latency time.Duration) {
	if d.recorder == nil {
		return
	}
	host := res.Host
	if host == "" {
		host, _ = args["host"].(string)
	}
	rec := domain.ProbeRecord{
		Host:      host,
		Status:    res.Status,
		Details:   res.Details,
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		LatencyMs: latency.Milliseconds(),
		CreatedAt: time.Now(),
	}
	// The probe's own context may already be cancelled; history is still wanted.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.recorder.SaveProbe(saveCtx, rec); err != nil {
		d.logger.Warn("failed to record probe", "host", host, "err", err)
	}
}
