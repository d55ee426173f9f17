package crew

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var templates embed.FS

// AgentSpec is one entry of agents.yaml.
type AgentSpec struct {
	Name             string `yaml:"-"`
	Role             string `yaml:"role"`
	Goal             string `yaml:"goal"`
	Backstory        string `yaml:"backstory"`
	LLM              string `yaml:"llm,omitempty"`                // "provider/model", overrides the crew default
	MaxRPM           int    `yaml:"max_rpm,omitempty"`            // 0 = unlimited
	MaxExecutionTime int    `yaml:"max_execution_time,omitempty"` // seconds per task, 0 = default
	MaxIter          int    `yaml:"max_iter,omitempty"`           // tool-call rounds per task, 0 = default
	Verbose          bool   `yaml:"verbose,omitempty"`

	// Tools names the registry tools the agent may call.
	Tools []string `yaml:"tools,omitempty"`
}

// TaskSpec is one entry of tasks.yaml.
type TaskSpec struct {
	Name           string   `yaml:"-"`
	Description    string   `yaml:"description"`
	ExpectedOutput string   `yaml:"expected_output"`
	Agent          string   `yaml:"agent"`
	Context        []string `yaml:"context,omitempty"` // earlier tasks whose output is passed in; empty = all earlier
	OutputFile     string   `yaml:"output_file,omitempty"`
}

// Definition is a validated crew: agents by name and tasks in file order.
type Definition struct {
	Agents map[string]AgentSpec
	Tasks  []TaskSpec
}

// LoadDefinition reads and validates agents.yaml and tasks.yaml.
func LoadDefinition(agentsPath, tasksPath string) (*Definition, error) {
	agentsData, err := os.ReadFile(agentsPath)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	tasksData, err := os.ReadFile(tasksPath)
	if err != nil {
		return nil, fmt.Errorf("read tasks file: %w", err)
	}
	def, err := ParseDefinition(agentsData, tasksData)
	if err != nil {
		return nil, fmt.Errorf("%s, %s: %w", agentsPath, tasksPath, err)
	}
	return def, nil
}

// ParseDefinition parses agent and task YAML documents.
func ParseDefinition(agentsYAML, tasksYAML []byte) (*Definition, error) {
	def := &Definition{Agents: make(map[string]AgentSpec)}

	err := decodeOrdered(agentsYAML, func(name string, node *yaml.Node) error {
		var a AgentSpec
		if err := node.Decode(&a); err != nil {
			return fmt.Errorf("agent %s: %w", name, err)
		}
		a.Name = name
		a.Role = strings.TrimSpace(a.Role)
		a.Goal = strings.TrimSpace(a.Goal)
		a.Backstory = strings.TrimSpace(a.Backstory)
		def.Agents[name] = a
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("agents: %w", err)
	}

	err = decodeOrdered(tasksYAML, func(name string, node *yaml.Node) error {
		var t TaskSpec
		if err := node.Decode(&t); err != nil {
			return fmt.Errorf("task %s: %w", name, err)
		}
		t.Name = name
		t.Description = strings.TrimSpace(t.Description)
		t.ExpectedOutput = strings.TrimSpace(t.ExpectedOutput)
		def.Tasks = append(def.Tasks, t)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// decodeOrdered walks a top-level YAML mapping in document order.
func decodeOrdered(data []byte, fn func(name string, node *yaml.Node) error) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping of name to definition", root.Line)
	}
	seen := make(map[string]bool)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		if seen[key] {
			return fmt.Errorf("line %d: duplicate entry %q", root.Content[i].Line, key)
		}
		seen[key] = true
		if err := fn(key, root.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks cross references between tasks and agents.
func (d *Definition) Validate() error {
	var errs []error
	if len(d.Agents) == 0 {
		errs = append(errs, errors.New("no agents defined"))
	}
	if len(d.Tasks) == 0 {
		errs = append(errs, errors.New("no tasks defined"))
	}
	for name, a := range d.Agents {
		if a.Role == "" {
			errs = append(errs, fmt.Errorf("agent %s: role is required", name))
		}
		if a.MaxRPM < 0 || a.MaxExecutionTime < 0 || a.MaxIter < 0 {
			errs = append(errs, fmt.Errorf("agent %s: max_rpm, max_execution_time and max_iter must be >= 0", name))
		}
		for _, tl := range a.Tools {
			if strings.TrimSpace(tl) == "" {
				errs = append(errs, fmt.Errorf("agent %s: empty tool name", name))
			}
		}
	}
	earlier := make(map[string]bool)
	for _, t := range d.Tasks {
		if t.Description == "" {
			errs = append(errs, fmt.Errorf("task %s: description is required", t.Name))
		}
		if _, ok := d.Agents[t.Agent]; !ok {
			errs = append(errs, fmt.Errorf("task %s: unknown agent %q", t.Name, t.Agent))
		}
		for _, c := range t.Context {
			if !earlier[c] {
				errs = append(errs, fmt.Errorf("task %s: context %q must name an earlier task", t.Name, c))
			}
		}
		if t.OutputFile != "" && !filepath.IsLocal(t.OutputFile) {
			errs = append(errs, fmt.Errorf("task %s: output_file %q must stay inside the output directory", t.Name, t.OutputFile))
		}
		earlier[t.Name] = true
	}
	return errors.Join(errs...)
}

// Placeholders returns the sorted {name} placeholders used by the definition.
func (d *Definition) Placeholders() []string {
	set := make(map[string]bool)
	collect := func(s string) {
		for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
			set[m[1]] = true
		}
	}
	for _, a := range d.Agents {
		collect(a.Role)
		collect(a.Goal)
		collect(a.Backstory)
	}
	for _, t := range d.Tasks {
		collect(t.Description)
		collect(t.ExpectedOutput)
		collect(t.OutputFile)
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolate replaces {name} placeholders from inputs. Missing inputs are
// collected into missing; braces that are not identifiers are left alone.
func interpolate(s string, inputs map[string]string, missing map[string]bool) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := inputs[key]; ok {
			return v
		}
		missing[key] = true
		return m
	})
}

// WriteTemplates writes the bundled agents.yaml and tasks.yaml into dir.
// Existing files are kept unless overwrite is set.
func WriteTemplates(dir string, overwrite bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create crew dir: %w", err)
	}
	var written []string
	for _, name := range []string{"agents.yaml", "tasks.yaml"} {
		dst := filepath.Join(dir, name)
		if _, err := os.Stat(dst); err == nil && !overwrite {
			continue
		}
		data, err := templates.ReadFile("templates/" + name)
		if err != nil {
			return written, err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", dst, err)
		}
		written = append(written, dst)
	}
	return written, nil
}

// DefaultDefinition returns the bundled research crew.
func DefaultDefinition() (*Definition, error) {
	agents, err := templates.ReadFile("templates/agents.yaml")
	if err != nil {
		return nil, err
	}
	tasks, err := templates.ReadFile("templates/tasks.yaml")
	if err != nil {
		return nil, err
	}
	return ParseDefinition(agents, tasks)
}
