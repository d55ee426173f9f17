package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"pingcrew/internal/domain"
)

const cliPrompt = "> "

// CLI implements domain.Channel for an interactive terminal session.
type CLI struct {
	bus    domain.MessageBus
	logger *slog.Logger
	in     io.Reader
	out    io.Writer
	outMu  sync.Mutex
}

type CLIConfig struct {
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		logger: cfg.Logger,
		in:     cfg.In,
		out:    cfg.Out,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the REPL until EOF, /quit, or ctx is cancelled.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus

	bus.OnOutbound(c.Name(), func(msg domain.OutboundMessage) {
		c.println(msg.Content)
		c.print(cliPrompt)
	})

	c.println("pingcrew agent. Try `ping <host>`. Type /quit to exit.")
	c.print(cliPrompt)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				c.print(cliPrompt)
				continue
			}
			if line == "/quit" || line == "/exit" || line == "/q" {
				c.logger.Info("user requested quit")
				return nil
			}
			c.bus.Publish(domain.InboundMessage{
				Channel:   c.Name(),
				ChatID:    "direct",
				SenderID:  "user",
				Content:   line,
				Timestamp: time.Now(),
			})
		}
	}
}

// Stop is a no-op; the REPL exits when Start returns.
func (c *CLI) Stop() error { return nil }

func (c *CLI) Send(ctx context.Context, chatID string, content string) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, err := fmt.Fprintln(c.out, content)
	return err
}

func (c *CLI) println(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintln(c.out, s)
}

func (c *CLI) print(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprint(c.out, s)
}
