package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pingcrew/internal/domain"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
)

const (
	anthropicDefaultModel     = "claude-3-5-haiku-latest"
	anthropicDefaultMaxTokens = 1024
)

// Anthropic implements domain.Provider on the Messages API.
type Anthropic struct {
	name    string
	apiBase string
	model   string
	client  *anthropic.Client
	logger  *slog.Logger
}

type AnthropicConfig struct {
	Name       string // default "anthropic"
	APIKey     string
	APIBase    string // default: the SDK's endpoint
	Model      string
	HTTPClient *http.Client // default: SharedHTTPClient(0)
	Logger     *slog.Logger
}

func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.Model == "" {
		cfg.Model = anthropicDefaultModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []anthropicopt.RequestOption{
		anthropicopt.WithAPIKey(cfg.APIKey),
		anthropicopt.WithHTTPClient(cfg.HTTPClient),
	}
	if cfg.APIBase != "" {
		opts = append(opts, anthropicopt.WithBaseURL(cfg.APIBase))
	}
	client := anthropic.NewClient(opts...)

	return &Anthropic{
		name:    cfg.Name,
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		client:  &client,
		logger:  cfg.Logger,
	}
}

func (a *Anthropic) Name() string { return a.name }

func (a *Anthropic) Models(ctx context.Context) ([]string, error) {
	page, err := a.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, fmt.Errorf("%s list models: %w", a.name, err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (a *Anthropic) Healthy(ctx context.Context) error {
	if _, err := a.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)}); err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%s: invalid API key", a.name)
		}
		where := a.apiBase
		if where == "" {
			where = "default endpoint"
		}
		return fmt.Errorf("%s not reachable at %s: %w", a.name, where, err)
	}
	return nil
}

func (a *Anthropic) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	// System turns travel outside the message list. Tool results go back
	// as user turns, consecutive results sharing one turn.
	var system []anthropic.TextBlockParam
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	lastWasResult := false
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" || len(m.ToolCalls) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
		case "tool":
			block := anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)
			if lastWasResult {
				last := &msgs[len(msgs)-1]
				last.Content = append(last.Content, block)
			} else {
				msgs = append(msgs, anthropic.NewUserMessage(block))
			}
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
		lastWasResult = m.Role == "tool"
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		System:    system,
		Messages:  msgs,
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Parameters["properties"],
				Required:   schemaRequired(t.Parameters),
			},
		}})
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	start := time.Now()
	resp, err := a.client.Messages.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		a.logger.Error("messages request failed", "provider", a.name, "model", model, "err", err)
		return nil, fmt.Errorf("%s chat: %w", a.name, err)
	}

	var (
		sb    strings.Builder
		calls []domain.ToolCall
	)
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			args := make(map[string]any)
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					return nil, fmt.Errorf("%s chat: decode %s input: %w", a.name, b.Name, err)
				}
			}
			calls = append(calls, domain.ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		}
	}
	if sb.Len() == 0 && len(calls) == 0 {
		return nil, fmt.Errorf("%s chat: no text content in response", a.name)
	}

	usage := domain.Usage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	a.logger.Debug("messages request done",
		"provider", a.name,
		"model", resp.Model,
		"latency_ms", latency.Milliseconds(),
		"tokens", usage.TotalTokens,
	)
	return &domain.ChatResponse{
		Content:      sb.String(),
		ToolCalls:    calls,
		Model:        string(resp.Model),
		FinishReason: string(resp.StopReason),
		Usage:        usage,
		LatencyMs:    latency.Milliseconds(),
	}, nil
}

// schemaRequired reads the "required" list of a JSON-schema object.
func schemaRequired(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
