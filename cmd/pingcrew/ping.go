package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"pingcrew/internal/agent"
	"pingcrew/internal/domain"

	"github.com/spf13/cobra"
)

func pingCmd() *cobra.Command {
	var retries int
	cmd := &cobra.Command{
		Use:   "ping <host>",
		Short: "Probe one host and print the JSON result",
		Long: `Sends the command "ping <host>" to the agent and prints its reply.
Exits non-zero unless the host is reachable. With --retries, timeouts and
errors are probed again; unreachable hosts and a missing utility are final.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			dispatcher, err := newDispatcher(cfg, store, nil)
			if err != nil {
				return err
			}
			loop := agent.NewLoop(agent.LoopConfig{Dispatcher: dispatcher, Logger: logger})

			reply, res, err := pingWithRetries(ctx, loop, args[0], retries)
			fmt.Println(reply)
			if err != nil {
				return err
			}
			if res.Status != domain.StatusReachable {
				return fmt.Errorf("%s: %s", args[0], strings.ReplaceAll(string(res.Status), "-", " "))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&retries, "retries", 0, "extra attempts after a timeout or error")
	return cmd
}

// pingWithRetries sends "ping <host>" to the loop, repeating retryable
// outcomes up to retries more times. It returns the last reply.
func pingWithRetries(ctx context.Context, l *agent.Loop, host string, retries int) (string, domain.ProbeResult, error) {
	for attempt := 0; ; attempt++ {
		reply := l.ProcessDirect(ctx, "ping "+host)
		res, err := domain.DecodeProbeResult(reply.Content)
		if err != nil {
			return reply.Content, res, fmt.Errorf("unexpected reply: %w", err)
		}
		if attempt >= retries || !res.Status.Retryable() || ctx.Err() != nil {
			return reply.Content, res, nil
		}
		logger.Info("ping failed, retrying", "host", host, "status", res.Status, "attempt", attempt+1)
	}
}
