package prompts

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestRenderEmbeddedDefaults(t *testing.T) {
	m := NewManager("", zerolog.Nop())

	context := map[string]string{
		"project_name":        "Orchard",
		"project_description": "An inventory system for small farms.",
	}

	out, err := m.Render("initial_plan", context)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if !strings.Contains(out, "Orchard") {
		t.Error("project name not substituted")
	}
	if !strings.Contains(out, "inventory system") {
		t.Error("project description not substituted")
	}
	if strings.Contains(out, "{{") {
		t.Error("unrendered template syntax in output")
	}
}

func TestRenderAllStageTemplates(t *testing.T) {
	m := NewManager("", zerolog.Nop())

	names := []string{
		"initial_plan",
		"critical_review",
		"refined_plan",
		"technical_approach",
		"implementation_plan",
	}
	context := map[string]string{"project_name": "Orchard"}

	for _, name := range names {
		if _, err := m.Render(name, context); err != nil {
			t.Errorf("template %s failed to render: %v", name, err)
		}
	}
}

func TestRenderMissingVariablesAreEmpty(t *testing.T) {
	m := NewManager("", zerolog.Nop())

	// critical_review references initial_plan, which is absent here.
	out, err := m.Render("critical_review", map[string]string{"project_name": "Orchard"})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if strings.Contains(out, "<no value>") {
		t.Error("missing variable rendered as <no value> instead of empty")
	}
}

func TestRenderTemplateNotFound(t *testing.T) {
	m := NewManager("", zerolog.Nop())

	_, err := m.Render("nonexistent", nil)
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestRenderOverrideDirectoryWins(t *testing.T) {
	dir := t.TempDir()
	override := filepath.Join(dir, "initial_plan.tmpl")
	if err := os.WriteFile(override, []byte("custom: {{.project_name}}"), 0o644); err != nil {
		t.Fatalf("failed to write override: %v", err)
	}

	m := NewManager(dir, zerolog.Nop())

	out, err := m.Render("initial_plan", map[string]string{"project_name": "Orchard"})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if out != "custom: Orchard" {
		t.Errorf("override not used, got %q", out)
	}

	// Templates without an override still fall back to the embedded default.
	if _, err := m.Render("critical_review", map[string]string{}); err != nil {
		t.Errorf("fallback to embedded default failed: %v", err)
	}
}

func TestRenderSyntaxError(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "initial_plan.tmpl")
	if err := os.WriteFile(bad, []byte("{{.unclosed"), 0o644); err != nil {
		t.Fatalf("failed to write template: %v", err)
	}

	m := NewManager(dir, zerolog.Nop())

	_, err := m.Render("initial_plan", nil)
	var syntaxErr *SyntaxError
	if !errors.As(err, &syntaxErr) {
		t.Fatalf("expected SyntaxError, got %v", err)
	}
	if syntaxErr.Name != "initial_plan" {
		t.Errorf("syntax error names wrong template: %s", syntaxErr.Name)
	}
}
