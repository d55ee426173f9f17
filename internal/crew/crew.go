// Package crew runs a sequential crew of LLM-backed agents defined in YAML.
package crew

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"pingcrew/internal/agent"
	"pingcrew/internal/domain"
	"pingcrew/internal/metrics"
)

const (
	defaultMaxExecutionTime = 300 * time.Second
	defaultMaxIter          = 5

	// toolResultMaxLen caps a tool result kept in the conversation.
	toolResultMaxLen = 8000
)

var (
	// ErrMissingInputs is returned when a placeholder has no input value.
	ErrMissingInputs = errors.New("missing crew inputs")
	// ErrOutputPath is returned when an interpolated output_file would land
	// outside the output directory.
	ErrOutputPath = errors.New("output_file escapes the output directory")
)

// Toolbox resolves and runs the tools agents may call. *tool.Registry
// satisfies it.
type Toolbox interface {
	Lookup(name string) (domain.Tool, bool)
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// ProviderResolver returns a provider by name for agents with an llm override.
type ProviderResolver func(name string) (domain.Provider, error)

// TaskOutput is the result of one task.
type TaskOutput struct {
	Name        string
	Agent       string
	Description string
	Raw         string
	OutputFile  string
	Usage       domain.Usage
	Duration    time.Duration
}

// Output is the result of a kickoff. Final is the last task's output.
type Output struct {
	Tasks    []TaskOutput
	Final    string
	Usage    domain.Usage
	Duration time.Duration
}

// Crew executes a Definition task by task, one chat completion per task.
type Crew struct {
	def       *Definition
	provider  domain.Provider
	model     string
	resolve   ProviderResolver
	outputDir string
	logger    *slog.Logger
	metrics   *metrics.Collector
	limiters  map[string]*agent.RateLimiter
	tools     Toolbox
	toolDefs  map[string][]domain.ToolDefinition // by agent
}

type Config struct {
	Definition *Definition
	Provider   domain.Provider  // default provider for every agent
	Model      string           // default model; empty = provider default
	Resolve    ProviderResolver // optional, for agents with llm: provider/model
	OutputDir  string           // base for relative output_file paths (default ".")
	Tools      Toolbox          // required when an agent lists tools
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

func New(cfg Config) (*Crew, error) {
	if cfg.Definition == nil {
		return nil, errors.New("crew definition is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("crew provider is required")
	}
	if err := cfg.Definition.Validate(); err != nil {
		return nil, fmt.Errorf("invalid crew definition: %w", err)
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	limiters := make(map[string]*agent.RateLimiter)
	toolDefs := make(map[string][]domain.ToolDefinition)
	for name, a := range cfg.Definition.Agents {
		if a.MaxRPM > 0 {
			limiters[name] = agent.NewRateLimiter(1, float64(a.MaxRPM))
		}
		for _, tn := range a.Tools {
			if cfg.Tools == nil {
				return nil, fmt.Errorf("agent %s: lists tools but the crew has no toolbox", name)
			}
			t, ok := cfg.Tools.Lookup(tn)
			if !ok {
				return nil, fmt.Errorf("agent %s: unknown tool %q", name, tn)
			}
			toolDefs[name] = append(toolDefs[name], domain.ToolDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			})
		}
	}

	return &Crew{
		def:       cfg.Definition,
		provider:  cfg.Provider,
		model:     cfg.Model,
		resolve:   cfg.Resolve,
		outputDir: cfg.OutputDir,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		limiters:  limiters,
		tools:     cfg.Tools,
		toolDefs:  toolDefs,
	}, nil
}

// Kickoff runs every task in declaration order. {name} placeholders are
// filled from inputs; current_year defaults to the current year. The first
// failing task aborts the run.
func (c *Crew) Kickoff(ctx context.Context, inputs map[string]string) (*Output, error) {
	vars := make(map[string]string, len(inputs)+1)
	vars["current_year"] = strconv.Itoa(time.Now().Year())
	for k, v := range inputs {
		vars[k] = v
	}

	agents, tasks, err := c.render(vars)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out := &Output{}
	done := make(map[string]string, len(tasks))

	for i, task := range tasks {
		a := agents[task.Agent]
		log := c.logger.With("task", task.Name, "agent", a.Name)
		log.Info("task started", "step", i+1, "of", len(tasks))

		res, err := c.runTask(ctx, a, task, contextFor(task, out.Tasks, done))
		if err != nil {
			c.metrics.ObserveCrewTask(a.Name, "failed", res.Duration, 0)
			log.Error("task failed", "err", err)
			return nil, fmt.Errorf("task %s (agent %s): %w", task.Name, a.Name, err)
		}

		if task.OutputFile != "" {
			path, err := c.writeOutput(task.OutputFile, res.Raw)
			if err != nil {
				return nil, fmt.Errorf("task %s: %w", task.Name, err)
			}
			res.OutputFile = path
		}

		if a.Verbose {
			log.Info("task output", "output", res.Raw)
		}
		log.Info("task finished", "duration", res.Duration, "tokens", res.Usage.TotalTokens)
		c.metrics.ObserveCrewTask(a.Name, "ok", res.Duration, res.Usage.TotalTokens)

		done[task.Name] = res.Raw
		out.Tasks = append(out.Tasks, res)
		out.Usage.Add(res.Usage)
	}

	out.Final = out.Tasks[len(out.Tasks)-1].Raw
	out.Duration = time.Since(start)
	return out, nil
}

// render interpolates inputs into copies of the agents and tasks.
func (c *Crew) render(vars map[string]string) (map[string]AgentSpec, []TaskSpec, error) {
	missing := make(map[string]bool)

	agents := make(map[string]AgentSpec, len(c.def.Agents))
	for name, a := range c.def.Agents {
		a.Role = interpolate(a.Role, vars, missing)
		a.Goal = interpolate(a.Goal, vars, missing)
		a.Backstory = interpolate(a.Backstory, vars, missing)
		agents[name] = a
	}
	tasks := make([]TaskSpec, len(c.def.Tasks))
	for i, t := range c.def.Tasks {
		t.Description = interpolate(t.Description, vars, missing)
		t.ExpectedOutput = interpolate(t.ExpectedOutput, vars, missing)
		t.OutputFile = interpolate(t.OutputFile, vars, missing)
		tasks[i] = t
	}

	if len(missing) > 0 {
		keys := make([]string, 0, len(missing))
		for k := range missing {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, nil, fmt.Errorf("%w: %s", ErrMissingInputs, strings.Join(keys, ", "))
	}
	// Inputs are free text, so the interpolated path is checked again.
	for _, t := range tasks {
		if t.OutputFile != "" && !filepath.IsLocal(t.OutputFile) {
			return nil, nil, fmt.Errorf("task %s: %w: %q", t.Name, ErrOutputPath, t.OutputFile)
		}
	}
	return agents, tasks, nil
}

func (c *Crew) runTask(ctx context.Context, a AgentSpec, task TaskSpec, taskContext string) (TaskOutput, error) {
	provider, model, err := c.providerFor(a)
	if err != nil {
		return TaskOutput{}, err
	}

	timeout := defaultMaxExecutionTime
	if a.MaxExecutionTime > 0 {
		timeout = time.Duration(a.MaxExecutionTime) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out := TaskOutput{Name: task.Name, Agent: a.Name, Description: task.Description}
	raw, err := c.converse(runCtx, provider, model, a, []domain.Message{
		{Role: "system", Content: systemPrompt(a)},
		{Role: "user", Content: taskPrompt(task, taskContext)},
	}, &out.Usage)
	out.Duration = time.Since(start)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return out, fmt.Errorf("exceeded max execution time of %s: %w", timeout, err)
		}
		return out, err
	}
	out.Raw = strings.TrimSpace(raw)
	return out, nil
}

// converse chats until the model answers without tool calls. An agent with
// tools gets at most max_iter tool rounds; the last request then goes out
// without tools to force an answer.
func (c *Crew) converse(ctx context.Context, provider domain.Provider, model string, a AgentSpec, messages []domain.Message, usage *domain.Usage) (string, error) {
	defs := c.toolDefs[a.Name]
	maxIter := a.MaxIter
	if maxIter <= 0 {
		maxIter = defaultMaxIter
	}

	for round := 0; ; round++ {
		if rl, ok := c.limiters[a.Name]; ok {
			if err := rl.Wait(ctx); err != nil {
				return "", err
			}
		}
		req := domain.ChatRequest{Model: model, Messages: messages}
		if round < maxIter {
			req.Tools = defs
		}
		resp, err := provider.Chat(ctx, req)
		if err != nil {
			return "", err
		}
		usage.Add(resp.Usage)
		if !resp.HasToolCalls() || len(req.Tools) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, domain.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			result := c.callTool(ctx, a, tc)
			messages = append(messages, domain.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			})
		}
	}
}

// callTool runs one requested call. Failures go back to the model as text
// so it can recover.
func (c *Crew) callTool(ctx context.Context, a AgentSpec, tc domain.ToolCall) string {
	log := c.logger.With("agent", a.Name, "tool", tc.Name)
	if !slices.Contains(a.Tools, tc.Name) {
		log.Warn("agent requested a tool it was not given")
		return fmt.Sprintf("error: tool %q is not available to you", tc.Name)
	}
	start := time.Now()
	result, err := c.tools.Execute(ctx, tc.Name, tc.Arguments)
	if err != nil {
		log.Warn("tool call failed", "err", err, "duration", time.Since(start))
		return "error: " + err.Error()
	}
	log.Debug("tool call done", "duration", time.Since(start), "bytes", len(result))
	if len(result) > toolResultMaxLen {
		result = truncateUTF8(result, toolResultMaxLen) + "\n... (truncated)"
	}
	return result
}

func truncateUTF8(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// providerFor applies an agent's "provider/model" override. A bare value
// without a slash is a model name for the crew's provider.
func (c *Crew) providerFor(a AgentSpec) (domain.Provider, string, error) {
	if a.LLM == "" {
		return c.provider, c.model, nil
	}
	name, model, ok := strings.Cut(a.LLM, "/")
	if !ok {
		return c.provider, a.LLM, nil
	}
	if c.resolve == nil {
		return nil, "", fmt.Errorf("agent %s: llm %q needs a provider resolver", a.Name, a.LLM)
	}
	p, err := c.resolve(name)
	if err != nil {
		return nil, "", fmt.Errorf("agent %s: %w", a.Name, err)
	}
	return p, model, nil
}

// contextFor joins the outputs a task depends on: the listed context tasks,
// or every earlier task when none are listed.
func contextFor(task TaskSpec, previous []TaskOutput, byName map[string]string) string {
	var parts []string
	if len(task.Context) > 0 {
		for _, name := range task.Context {
			parts = append(parts, byName[name])
		}
	} else {
		for _, p := range previous {
			parts = append(parts, p.Raw)
		}
	}
	return strings.Join(parts, "\n\n----------\n\n")
}

func (c *Crew) writeOutput(name, content string) (string, error) {
	path := filepath.Join(c.outputDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write output file: %w", err)
	}
	return path, nil
}

func systemPrompt(a AgentSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", a.Role)
	if a.Backstory != "" {
		b.WriteString(" ")
		b.WriteString(a.Backstory)
	}
	if a.Goal != "" {
		fmt.Fprintf(&b, "\nYour personal goal is: %s", a.Goal)
	}
	b.WriteString("\nAnswer with your complete final answer only.")
	return b.String()
}

func taskPrompt(task TaskSpec, taskContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current task: %s\n\n", task.Description)
	if task.ExpectedOutput != "" {
		fmt.Fprintf(&b, "This is the expected criteria for your final answer: %s\n\n", task.ExpectedOutput)
	}
	if taskContext != "" {
		fmt.Fprintf(&b, "This is the context you're working with:\n%s\n\n", taskContext)
	}
	b.WriteString("Begin! This is very important to you, your job depends on it.")
	return b.String()
}
