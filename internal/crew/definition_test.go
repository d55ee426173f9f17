package crew

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParseDefinition_Order(t *testing.T) {
	def := mustDefinition(t, testAgents, testTasks)
	if len(def.Agents) != 2 {
		t.Fatalf("agents: %d", len(def.Agents))
	}
	if def.Agents["writer"].Name != "writer" {
		t.Errorf("agent name not set: %+v", def.Agents["writer"])
	}
	var names []string
	for _, task := range def.Tasks {
		names = append(names, task.Name)
	}
	if !reflect.DeepEqual(names, []string{"draft", "polish"}) {
		t.Errorf("task order: %v", names)
	}
	if got := def.Tasks[1].Context; !reflect.DeepEqual(got, []string{"draft"}) {
		t.Errorf("context: %v", got)
	}
}

func TestParseDefinition_Errors(t *testing.T) {
	tests := []struct {
		name   string
		agents string
		tasks  string
		want   string
	}{
		{"no agents", "", "t:\n  description: x\n  agent: a\n", "no agents defined"},
		{"no tasks", "a:\n  role: A\n", "", "no tasks defined"},
		{"missing role", "a:\n  goal: g\n", "t:\n  description: x\n  agent: a\n", "role is required"},
		{"unknown agent", "a:\n  role: A\n", "t:\n  description: x\n  agent: b\n", `unknown agent "b"`},
		{"missing description", "a:\n  role: A\n", "t:\n  agent: a\n", "description is required"},
		{"forward context", "a:\n  role: A\n", "t:\n  description: x\n  agent: a\n  context: [u]\nu:\n  description: y\n  agent: a\n", "earlier task"},
		{"absolute output", "a:\n  role: A\n", "t:\n  description: x\n  agent: a\n  output_file: /tmp/x.md\n", "must stay inside the output directory"},
		{"parent output", "a:\n  role: A\n", "t:\n  description: x\n  agent: a\n  output_file: ../x.md\n", "must stay inside the output directory"},
		{"negative max_iter", "a:\n  role: A\n  max_iter: -2\n", "t:\n  description: x\n  agent: a\n", "must be >= 0"},
		{"negative rpm", "a:\n  role: A\n  max_rpm: -1\n", "t:\n  description: x\n  agent: a\n", "must be >= 0"},
		{"duplicate task", "a:\n  role: A\n", "t:\n  description: x\n  agent: a\nt:\n  description: y\n  agent: a\n", "duplicate entry"},
		{"not a mapping", "- a\n- b\n", "t:\n  description: x\n  agent: a\n", "expected a mapping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.agents), []byte(tt.tasks))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should contain %q", err, tt.want)
			}
		})
	}
}

func TestDefinition_Placeholders(t *testing.T) {
	def, err := DefaultDefinition()
	if err != nil {
		t.Fatalf("DefaultDefinition: %v", err)
	}
	got := def.Placeholders()
	if !reflect.DeepEqual(got, []string{"current_year", "topic"}) {
		t.Errorf("placeholders: %v", got)
	}
}

func TestInterpolate(t *testing.T) {
	missing := make(map[string]bool)
	got := interpolate("{a} and {b} but not {1x} or { a }", map[string]string{"a": "x"}, missing)
	if got != "x and {b} but not {1x} or { a }" {
		t.Errorf("interpolate: %q", got)
	}
	if !missing["b"] || len(missing) != 1 {
		t.Errorf("missing: %v", missing)
	}
}

func TestDefaultDefinition(t *testing.T) {
	def, err := DefaultDefinition()
	if err != nil {
		t.Fatalf("DefaultDefinition: %v", err)
	}
	for _, name := range []string{"researcher", "reporting_analyst", "coder"} {
		if _, ok := def.Agents[name]; !ok {
			t.Errorf("missing agent %s", name)
		}
	}
	if def.Tasks[0].Name != "research_task" {
		t.Errorf("first task: %s", def.Tasks[0].Name)
	}
	if r := def.Agents["researcher"]; len(r.Tools) != 1 || r.Tools[0] != "web_search" || r.MaxIter != 5 {
		t.Errorf("researcher tools: %v, max_iter %d", r.Tools, r.MaxIter)
	}
	if def.Agents["researcher"].MaxExecutionTime != 300 {
		t.Errorf("researcher max_execution_time: %d", def.Agents["researcher"].MaxExecutionTime)
	}
	if strings.HasSuffix(def.Agents["researcher"].Role, "\n") {
		t.Error("folded scalars should be trimmed")
	}
}

func TestWriteTemplates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "crew")

	written, err := WriteTemplates(dir, false)
	if err != nil {
		t.Fatalf("WriteTemplates: %v", err)
	}
	if len(written) != 2 {
		t.Fatalf("written: %v", written)
	}

	def, err := LoadDefinition(filepath.Join(dir, "agents.yaml"), filepath.Join(dir, "tasks.yaml"))
	if err != nil {
		t.Fatalf("LoadDefinition: %v", err)
	}
	if len(def.Tasks) != 3 {
		t.Errorf("tasks: %d", len(def.Tasks))
	}

	// Existing files are kept.
	agentsPath := filepath.Join(dir, "agents.yaml")
	if err := os.WriteFile(agentsPath, []byte("custom"), 0o644); err != nil {
		t.Fatal(err)
	}
	written, err = WriteTemplates(dir, false)
	if err != nil || len(written) != 0 {
		t.Fatalf("second write: %v %v", written, err)
	}
	if data, _ := os.ReadFile(agentsPath); string(data) != "custom" {
		t.Error("existing file was overwritten")
	}

	if written, err = WriteTemplates(dir, true); err != nil || len(written) != 2 {
		t.Fatalf("overwrite: %v %v", written, err)
	}
}

func TestLoadDefinition_MissingFile(t *testing.T) {
	if _, err := LoadDefinition(filepath.Join(t.TempDir(), "nope.yaml"), "x"); err == nil {
		t.Fatal("expected error")
	}
}
