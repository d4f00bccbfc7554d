// Package prompts renders the prompt templates that drive each planning
// stage. Default templates are embedded in the binary; a configured template
// directory overrides them file-by-file.
package prompts

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/rs/zerolog"
)

//go:embed templates/*.tmpl
var defaultTemplates embed.FS

// ErrTemplateNotFound indicates no template exists under the requested name,
// neither in the override directory nor among the embedded defaults.
var ErrTemplateNotFound = errors.New("template not found")

// SyntaxError indicates a template failed to parse or execute.
type SyntaxError struct {
	Name string
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("template %s: %v", e.Name, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// Manager loads and renders named templates.
type Manager struct {
	dir    string // override directory; empty means embedded defaults only
	logger zerolog.Logger
}

// NewManager creates a Manager. dir may be empty to use only the embedded
// defaults.
func NewManager(dir string, logger zerolog.Logger) *Manager {
	return &Manager{
		dir:    dir,
		logger: logger.With().Str("component", "prompts").Logger(),
	}
}

// Render renders the named template with the given variables. Missing
// variables render as empty strings; the template set defines which
// variables are meaningful, not the caller.
func (m *Manager) Render(name string, context map[string]string) (string, error) {
	source, err := m.load(name)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(name).Option("missingkey=zero").Parse(source)
	if err != nil {
		return "", &SyntaxError{Name: name, Err: err}
	}

	var out strings.Builder
	if err := tmpl.Execute(&out, context); err != nil {
		return "", &SyntaxError{Name: name, Err: err}
	}
	return out.String(), nil
}

// load returns the template source, preferring the override directory.
func (m *Manager) load(name string) (string, error) {
	filename := name + ".tmpl"

	if m.dir != "" {
		path := filepath.Join(m.dir, filename)
		data, err := os.ReadFile(path)
		if err == nil {
			m.logger.Debug().Str("template", name).Str("path", path).Msg("using template override")
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to read template %s: %w", path, err)
		}
	}

	data, err := defaultTemplates.ReadFile("templates/" + filename)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return string(data), nil
}
