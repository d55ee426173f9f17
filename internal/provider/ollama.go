package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pingcrew/internal/domain"

	ollama "github.com/ollama/ollama/api"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "llama3.1:8b"
)

// Ollama implements domain.Provider for a local or remote Ollama server.
type Ollama struct {
	apiBase      string
	defaultModel string
	client       *ollama.Client
	logger       *slog.Logger
}

type OllamaConfig struct {
	APIBase      string
	DefaultModel string
	HTTPClient   *http.Client // default: SharedHTTPClient(0)
	Logger       *slog.Logger
}

func NewOllama(cfg OllamaConfig) (*Ollama, error) {
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = ollamaDefaultModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	u, err := url.Parse(strings.TrimRight(cfg.APIBase, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid ollama apiBase %q: %w", cfg.APIBase, err)
	}
	return &Ollama{
		apiBase:      u.String(),
		defaultModel: cfg.DefaultModel,
		client:       ollama.NewClient(u, cfg.HTTPClient),
		logger:       cfg.Logger,
	}, nil
}

func (o *Ollama) Name() string { return "ollama" }

// Models lists the models pulled on the server.
func (o *Ollama) Models(ctx context.Context) ([]string, error) {
	resp, err := o.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ollama list models: %w", err)
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (o *Ollama) Healthy(ctx context.Context) error {
	if err := o.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama not reachable at %s: %w", o.apiBase, err)
	}
	return nil
}

// Chat sends a non-streaming chat request.
func (o *Ollama) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}

	msgs := make([]ollama.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		om := ollama.Message{Role: m.Role, Content: m.Content, ToolName: m.ToolName}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, ollama.ToolCall{
				Function: ollama.ToolCallFunction{
					Name:      tc.Name,
					Arguments: ollama.ToolCallFunctionArguments(tc.Arguments),
				},
			})
		}
		msgs = append(msgs, om)
	}
	tools, err := ollamaTools(req.Tools)
	if err != nil {
		return nil, err
	}

	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	stream := false
	chatReq := &ollama.ChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   &stream,
		Options:  options,
		Tools:    tools,
	}

	start := time.Now()
	var (
		content strings.Builder
		calls   []ollama.ToolCall
		last    ollama.ChatResponse
	)
	err = o.client.Chat(ctx, chatReq, func(cr ollama.ChatResponse) error {
		content.WriteString(cr.Message.Content)
		calls = append(calls, cr.Message.ToolCalls...)
		last = cr
		return nil
	})
	latency := time.Since(start)
	if err != nil {
		o.logger.Error("ollama chat failed", "model", model, "err", err)
		return nil, fmt.Errorf("ollama chat: %w", err)
	}

	usage := domain.Usage{
		PromptTokens:     last.PromptEvalCount,
		CompletionTokens: last.EvalCount,
		TotalTokens:      last.PromptEvalCount + last.EvalCount,
	}
	o.logger.Debug("ollama chat done",
		"model", model,
		"latency_ms", latency.Milliseconds(),
		"tokens", usage.TotalTokens,
	)

	out := &domain.ChatResponse{
		Content:      content.String(),
		Model:        model,
		FinishReason: last.DoneReason,
		Usage:        usage,
		LatencyMs:    latency.Milliseconds(),
	}
	// Ollama does not assign call IDs.
	for i, tc := range calls {
		args := map[string]any(tc.Function.Arguments)
		if args == nil {
			args = make(map[string]any)
		}
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

// ollamaTools converts JSON-schema tool definitions into the server's typed
// form by way of their JSON encoding.
func ollamaTools(defs []domain.ToolDefinition) (ollama.Tools, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make(ollama.Tools, 0, len(defs))
	for _, d := range defs {
		var params ollama.ToolFunctionParameters
		raw, err := json.Marshal(d.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", d.Name, err)
		}
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", d.Name, err)
		}
		tools = append(tools, ollama.Tool{
			Type: "function",
			Function: ollama.ToolFunction{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return tools, nil
}
