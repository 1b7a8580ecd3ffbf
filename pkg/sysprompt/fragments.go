package sysprompt

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"

	"github.com/parleyhq/parley/pkg/logger"
)

// Fragment is an operator prompt fragment: a markdown file with YAML
// frontmatter appended to the base system prompt. Fragments let operators
// extend the prompt without rebuilding the binary.
type Fragment struct {
	Name        string
	Description string
	// Order controls placement among fragments; lower renders first
	Order int
	// Models restricts the fragment to specific registry keys; empty
	// applies to all models
	Models []string
	Body   string
	Path   string
}

// AppliesTo reports whether the fragment should render for a model key
func (f Fragment) AppliesTo(modelKey string) bool {
	if len(f.Models) == 0 {
		return true
	}
	return slices.Contains(f.Models, modelKey)
}

// Loader discovers operator prompt fragments on disk
type Loader struct {
	promptDirs []string
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader) error

// WithPromptDirs sets custom prompt fragment directories
func WithPromptDirs(dirs ...string) LoaderOption {
	return func(l *Loader) error {
		if len(dirs) == 0 {
			return errors.New("at least one prompt directory must be specified")
		}
		l.promptDirs = dirs
		return nil
	}
}

// WithDefaultPromptDirs sets the default directories ("./prompts",
// ~/.parley/prompts)
func WithDefaultPromptDirs() LoaderOption {
	return func(l *Loader) error {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			l.promptDirs = []string{"./prompts"}
			return nil
		}
		l.promptDirs = []string{
			"./prompts",
			filepath.Join(homeDir, ".parley", "prompts"),
		}
		return nil
	}
}

// NewLoader creates a fragment loader; with no options the default
// directories are used
func NewLoader(opts ...LoaderOption) (*Loader, error) {
	l := &Loader{}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, errors.Wrap(err, "failed to apply loader option")
		}
	}
	if len(l.promptDirs) == 0 {
		if err := WithDefaultPromptDirs()(l); err != nil {
			return nil, errors.Wrap(err, "failed to apply default prompt directories")
		}
	}
	return l, nil
}

// Load scans the prompt directories and returns parsed fragments sorted by
// order then name, plus template overrides keyed by template path.
// Precedence on duplicate names: earlier directory wins. Unparseable files
// are logged and skipped so one bad fragment never takes the gateway down.
func (l *Loader) Load(ctx context.Context) ([]Fragment, map[string]string, error) {
	var fragments []Fragment
	overrides := make(map[string]string)
	seen := make(map[string]bool)

	for _, dir := range l.promptDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.G(ctx).WithField("dir", dir).Debug("prompt directory not found, skipping")
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			path := filepath.Join(dir, name)

			if name == OverrideFileName {
				if _, ok := overrides[SystemTemplate]; ok {
					continue
				}
				raw, err := os.ReadFile(path)
				if err != nil {
					logger.G(ctx).WithField("path", path).WithError(err).Warn("failed to read template override, skipping")
					continue
				}
				overrides[SystemTemplate] = string(raw)
				continue
			}

			if !strings.HasSuffix(name, ".md") {
				continue
			}

			frag, err := parseFragment(path)
			if err != nil {
				logger.G(ctx).WithField("path", path).WithError(err).Warn("failed to parse prompt fragment, skipping")
				continue
			}
			if seen[frag.Name] {
				continue
			}
			seen[frag.Name] = true
			fragments = append(fragments, frag)
		}
	}

	sort.SliceStable(fragments, func(i, j int) bool {
		if fragments[i].Order != fragments[j].Order {
			return fragments[i].Order < fragments[j].Order
		}
		return fragments[i].Name < fragments[j].Name
	})

	logger.G(ctx).WithField("count", len(fragments)).Debug("loaded prompt fragments")
	return fragments, overrides, nil
}

// parseFragment reads a fragment file and extracts its YAML frontmatter
// and body
func parseFragment(path string) (Fragment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Fragment{}, errors.Wrapf(err, "failed to read fragment file '%s'", path)
	}

	frag := Fragment{
		Name: strings.TrimSuffix(filepath.Base(path), ".md"),
		Path: path,
	}

	md := goldmark.New(goldmark.WithExtensions(meta.Meta))

	var buf bytes.Buffer
	pctx := parser.NewContext()
	if err := md.Convert(raw, &buf, parser.WithContext(pctx)); err != nil {
		return Fragment{}, errors.Wrap(err, "failed to parse markdown")
	}

	if metaData := meta.Get(pctx); metaData != nil {
		if name, ok := metaData["name"].(string); ok && name != "" {
			frag.Name = name
		}
		if description, ok := metaData["description"].(string); ok {
			frag.Description = description
		}
		if order, ok := metaData["order"].(int); ok {
			frag.Order = order
		}
		if models := metaData["models"]; models != nil {
			frag.Models = parseStringArrayField(models)
		}
	}

	frag.Body = extractBodyContent(string(raw))
	return frag, nil
}

// parseStringArrayField handles both YAML arrays and comma-separated
// strings
func parseStringArrayField(field interface{}) []string {
	switch v := field.(type) {
	case []interface{}:
		var result []string
		for _, item := range v {
			if str, ok := item.(string); ok {
				result = append(result, strings.TrimSpace(str))
			}
		}
		return result
	case string:
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	default:
		return nil
	}
}

// extractBodyContent strips YAML frontmatter and returns the body
func extractBodyContent(content string) string {
	if !strings.HasPrefix(content, "---") {
		return strings.TrimSpace(content)
	}

	lines := strings.Split(content, "\n")
	frontmatterEnd := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			frontmatterEnd = i
			break
		}
	}
	if frontmatterEnd == -1 {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(strings.Join(lines[frontmatterEnd+1:], "\n"))
}
