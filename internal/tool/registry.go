package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"pingcrew/internal/domain"
)

var (
	ErrUnknownTool   = errors.New("unknown tool")
	ErrDuplicateTool = errors.New("tool already registered")
)

// Registry is the capability table: tools resolved by exact name.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]domain.Tool
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
}

// Register adds t. Names must be unique and non-empty.
func (r *Registry) Register(t domain.Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("register %T: empty tool name", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("register %s: %w", name, ErrDuplicateTool)
	}
	r.tools[name] = t
	r.logger.Debug("tool registered", "name", name)
	return nil
}

// Lookup resolves a tool by its exact name.
func (r *Registry) Lookup(name string) (domain.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Execute runs the named tool after checking that every argument its
// schema marks as required is present.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	for _, key := range requiredArgs(t.Parameters()) {
		if v, ok := args[key]; !ok || v == nil {
			return "", fmt.Errorf("%s: missing required argument %q", name, key)
		}
	}
	return t.Execute(ctx, args)
}

// Definitions describes every registered tool, ordered by name.
func (r *Registry) Definitions() []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]domain.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, domain.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	slices.SortFunc(defs, func(a, b domain.ToolDefinition) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return defs
}

func (r *Registry) Names() []string {
	defs := r.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Param is one property of a tool's argument schema.
type Param struct {
	Type        string
	Description string
}

// Schema builds the JSON Schema object describing a tool's arguments.
func Schema(props map[string]Param, required ...string) map[string]any {
	properties := make(map[string]any, len(props))
	for name, p := range props {
		properties[name] = map[string]any{"type": p.Type, "description": p.Description}
	}
	s := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func requiredArgs(schema map[string]any) []string {
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

// StringArg returns args[key] as a string. Non-string values are formatted
// with %v; a missing key yields "".
func StringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
