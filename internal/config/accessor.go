package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// tree is the config as its JSON document, addressed by camelCase keys.
type tree = map[string]any

func toTree(cfg *Config) (tree, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var t tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return t, nil
}

func splitPath(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("empty config path")
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid config path %q", path)
		}
	}
	return parts, nil
}

// GetByPath returns the value at a dot path such as "probe.timeoutSeconds".
// List elements are addressed by index ("channels.telegram.allowFrom.0").
func GetByPath(cfg *Config, path string) (any, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	t, err := toTree(cfg)
	if err != nil {
		return nil, err
	}

	var node any = t
	for i, key := range parts {
		switch v := node.(type) {
		case tree:
			next, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("unknown config key: %s", strings.Join(parts[:i+1], "."))
			}
			node = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("%s: index %q out of range", strings.Join(parts[:i], "."), key)
			}
			node = v[idx]
		default:
			return nil, fmt.Errorf("%s is a %T, not a section", strings.Join(parts[:i], "."), node)
		}
	}
	return node, nil
}

// SetByPath assigns value at a dot path. Strings that read as a bool or a
// number are stored as one. Only keys the config knows are accepted, except
// that a new entry may be added under providers.
func SetByPath(cfg *Config, path string, value any) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	t, err := toTree(cfg)
	if err != nil {
		return err
	}

	section := t
	for i, key := range parts[:len(parts)-1] {
		next, ok := section[key]
		if !ok && i == 1 && parts[0] == "providers" {
			next = tree{}
			section[key] = next
		}
		m, isMap := next.(tree)
		if !isMap {
			return fmt.Errorf("%s is not a config section", strings.Join(parts[:i+1], "."))
		}
		section = m
	}
	section[parts[len(parts)-1]] = coerce(value)

	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var updated Config
	if err := dec.Decode(&updated); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	*cfg = updated
	return nil
}

func coerce(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// IsSecretPath reports whether a dot path names a credential.
func IsSecretPath(path string) bool {
	last := strings.ToLower(path[strings.LastIndex(path, ".")+1:])
	return last == "apikey" || last == "token"
}

// Sanitize returns a copy of cfg with credentials masked. cfg is not modified.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Providers = make(map[string]ProviderConfig, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		if pc.APIKey != "" {
			pc.APIKey = mask(pc.APIKey)
		}
		out.Providers[name] = pc
	}
	if out.Channels.Telegram.Token != "" {
		out.Channels.Telegram.Token = mask(out.Channels.Telegram.Token)
	}
	return &out
}

// mask keeps four characters at each end of long secrets.
func mask(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths flattens cfg into leaf paths and their values.
func ListPaths(cfg *Config) map[string]any {
	t, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	var walk func(prefix string, node tree)
	walk = func(prefix string, node tree) {
		for k, v := range node {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			if sub, ok := v.(tree); ok && len(sub) > 0 {
				walk(p, sub)
				continue
			}
			out[p] = v
		}
	}
	walk("", t)
	return out
}

// SortedPaths returns the keys of ListPaths in order.
func SortedPaths(paths map[string]any) []string {
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
