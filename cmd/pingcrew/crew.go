package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pingcrew/internal/config"
	"pingcrew/internal/crew"
	"pingcrew/internal/domain"
	"pingcrew/internal/metrics"
	"pingcrew/internal/provider"

	"github.com/spf13/cobra"
)

func crewCmd() *cobra.Command {
	var (
		topic     string
		inputs    []string
		outputDir string
		model     string
		provName  string
		showStats bool
	)
	cmd := &cobra.Command{
		Use:   "crew",
		Short: "Run the YAML-defined agent crew",
		Long: `Runs the tasks in tasks.yaml in order, each by the agent named in
agents.yaml, against the configured model. {name} placeholders are filled
from --topic and --input name=value; current_year is filled automatically.
Falls back to the bundled research crew when the files do not exist.`,
		Example: `  pingcrew crew --topic "AI LLMs"
  pingcrew crew --input topic=Kubernetes --model llama3.2:3b`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			vars, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			if topic != "" {
				vars["topic"] = topic
			}
			if cmd.Flags().Changed("output-dir") {
				cfg.Crew.OutputDir = config.ExpandPath(outputDir)
			}
			if model != "" {
				cfg.Crew.Model = model
			}
			if provName != "" {
				cfg.Crew.Provider = provName
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			var collector *metrics.Collector
			if showStats {
				collector = metrics.New()
			}
			if err := runCrew(ctx, cfg, vars, collector); err != nil {
				return err
			}
			if collector != nil {
				return collector.WriteText(os.Stderr)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "value for the {topic} placeholder")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "placeholder value as name=value (repeatable)")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "directory for task output files (default: crew.outputDir)")
	cmd.Flags().StringVar(&model, "model", "", "model for agents without an llm override (default: crew.model)")
	cmd.Flags().StringVar(&provName, "provider", "", "provider name (default: crew.provider or general.defaultProvider)")
	cmd.Flags().BoolVar(&showStats, "metrics", false, "print per-agent task and token counters to stderr after the run")
	return cmd
}

func parseInputs(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --input %q: expected name=value", p)
		}
		vars[k] = v
	}
	return vars, nil
}

// loadCrewDefinition reads the configured YAML files, or the bundled crew
// when neither exists.
func loadCrewDefinition(cc config.CrewConfig) (*crew.Definition, error) {
	_, aErr := os.Stat(cc.AgentsFile)
	_, tErr := os.Stat(cc.TasksFile)
	if errors.Is(aErr, fs.ErrNotExist) && errors.Is(tErr, fs.ErrNotExist) {
		logger.Info("crew files not found, using bundled crew", "agents", cc.AgentsFile, "tasks", cc.TasksFile)
		return crew.DefaultDefinition()
	}
	return crew.LoadDefinition(cc.AgentsFile, cc.TasksFile)
}

const healthCheckTimeout = 10 * time.Second

// crewProvider returns the named provider, or the default, with its failover
// chain. When it fails its health check the first healthy enabled provider
// is used instead; fellBack reports that substitution.
func crewProvider(ctx context.Context, f *provider.Factory, name string) (p domain.Provider, fellBack bool, err error) {
	if name == "" {
		p, err = f.DefaultProvider()
	} else {
		p, err = f.WithFailover(name)
	}
	if err != nil {
		return nil, false, fmt.Errorf("crew provider: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	herr := p.Healthy(hctx)
	cancel()
	if herr == nil {
		return p, false, nil
	}

	hctx, cancel = context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if alt := f.HealthyProvider(hctx); alt != nil && alt.Name() != p.Name() {
		logger.Warn("crew provider unhealthy, falling back", "provider", p.Name(), "fallback", alt.Name(), "err", herr)
		return alt, true, nil
	}
	logger.Warn("crew provider unhealthy", "provider", p.Name(), "err", herr)
	return p, false, nil
}

func runCrew(ctx context.Context, cfg *config.Config, vars map[string]string, m *metrics.Collector) error {
	def, err := loadCrewDefinition(cfg.Crew)
	if err != nil {
		return err
	}

	factory := provider.NewFactory(cfg, logger)
	prov, fellBack, err := crewProvider(ctx, factory, cfg.Crew.Provider)
	if err != nil {
		return err
	}
	model := cfg.Crew.Model
	if fellBack {
		// The configured model belongs to the unhealthy provider.
		model = ""
	}

	tools, err := registerTools(cfg)
	if err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	c, err := crew.New(crew.Config{
		Definition: def,
		Provider:   prov,
		Model:      model,
		Resolve:    factory.Get,
		OutputDir:  cfg.Crew.OutputDir,
		Tools:      tools,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	out, err := c.Kickoff(ctx, vars)
	if err != nil {
		return fmt.Errorf("crew kickoff: %w", err)
	}

	for _, t := range out.Tasks {
		if t.OutputFile != "" {
			logger.Info("task output written", "task", t.Name, "file", t.OutputFile)
		}
	}
	fmt.Println(out.Final)

	saveCrewRun(cfg, vars, out)
	return nil
}

// saveCrewRun records the run in the history store; failures only warn.
func saveCrewRun(cfg *config.Config, vars map[string]string, out *crew.Output) {
	store, err := openStore(context.Background(), cfg)
	if err != nil {
		logger.Warn("crew run not recorded", "err", err)
		return
	}
	if store == nil {
		return
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := store.SaveCrewRun(ctx, domain.CrewRun{
		Inputs:      vars,
		Tasks:       len(out.Tasks),
		Final:       out.Final,
		TotalTokens: out.Usage.TotalTokens,
		DurationMs:  out.Duration.Milliseconds(),
		CreatedAt:   time.Now(),
	})
	if err != nil {
		logger.Warn("crew run not recorded", "err", err)
		return
	}
	logger.Info("crew finished", "run_id", id, "tasks", len(out.Tasks), "tokens", out.Usage.TotalTokens, "duration", out.Duration.Round(time.Millisecond))
}
