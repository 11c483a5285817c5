// Package prompt assembles system/user messages for the LLM ensemble from
// the current program, its evolutionary history, and PACEvolve idea
// context, using a small set of named templates.
package prompt

import (
	"context"
	"embed"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"openevolve/pkg/logging"
)

//go:embed defaults/*.txt defaults/fragments.json
var builtinFS embed.FS

// TemplateManager loads named templates from an optional user directory,
// falling back to the built-in defaults; user names win on collision.
type TemplateManager struct {
	templates map[string]string
	fragments map[string]string
}

// NewTemplateManager loads the built-in templates and, if userDir is
// non-empty, overlays any ".txt" files found there (keyed by file name
// without extension) plus a sibling fragments.json.
func NewTemplateManager(userDir string) (*TemplateManager, error) {
	tm := &TemplateManager{templates: map[string]string{}, fragments: map[string]string{}}

	entries, err := builtinFS.ReadDir("defaults")
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == "fragments.json" {
			data, err := builtinFS.ReadFile(filepath.Join("defaults", name))
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(data, &tm.fragments); err != nil {
				return nil, err
			}
			continue
		}
		if !strings.HasSuffix(name, ".txt") {
			continue
		}
		data, err := builtinFS.ReadFile(filepath.Join("defaults", name))
		if err != nil {
			return nil, err
		}
		tm.templates[strings.TrimSuffix(name, ".txt")] = string(data)
	}

	if userDir == "" {
		return tm, nil
	}

	userEntries, err := os.ReadDir(userDir)
	if err != nil {
		if os.IsNotExist(err) {
			return tm, nil
		}
		return nil, err
	}
	for _, entry := range userEntries {
		name := entry.Name()
		if name == "fragments.json" {
			data, err := os.ReadFile(filepath.Join(userDir, name))
			if err != nil {
				return nil, err
			}
			var overrides map[string]string
			if err := json.Unmarshal(data, &overrides); err != nil {
				return nil, err
			}
			for k, v := range overrides {
				tm.fragments[k] = v
			}
			continue
		}
		if !strings.HasSuffix(name, ".txt") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(userDir, name))
		if err != nil {
			return nil, err
		}
		tm.templates[strings.TrimSuffix(name, ".txt")] = string(data)
	}

	return tm, nil
}

// Get returns the named template's text. A missing template renders as the
// empty string and logs a non-fatal warning.
func (tm *TemplateManager) Get(ctx context.Context, name string) string {
	if t, ok := tm.templates[name]; ok {
		return t
	}
	logging.GetLogger().Warn(ctx, "prompt template %q not found, rendering empty", name)
	return ""
}

// Fragment returns a named interpolation snippet, or "" if absent.
func (tm *TemplateManager) Fragment(name string) string {
	return tm.fragments[name]
}
