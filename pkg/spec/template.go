package spec

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
)

// DefaultSystemTemplate wraps the artifact with generic call guidance. It
// is used when no model-specific template matches.
const DefaultSystemTemplate = `You can operate the "{{.DriverID}}" driver. Its functions are described below ({{.Format}}):

{{.Spec}}

To call a function, reply with exactly one JSON object inside a ` + "```json" + ` code block:
{"target": "{{.Target}}", "function": "<function name>", "arguments": {<named arguments>}}
Use only the functions described above. If no function is needed, answer without a code block.`

// MessageData is the data passed to system message templates.
type MessageData struct {
	DriverID  string
	Target    string
	Format    string
	ModelHint string
	Version   string
	Spec      string
}

// Templates holds system message templates keyed by normalized model hint
// or model family prefix.
type Templates struct {
	byHint   map[string]*template.Template
	prefixes []string // longest first
	fallback *template.Template
}

// ParseTemplates compiles raw templates. A "*" key replaces the default.
func ParseTemplates(raw map[string]string) (*Templates, error) {
	t := &Templates{byHint: make(map[string]*template.Template, len(raw))}

	fallback, err := template.New("default").Parse(DefaultSystemTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing default template: %w", err)
	}
	t.fallback = fallback

	for hint, text := range raw {
		key := NormalizeHint(hint)
		tmpl, err := template.New(key).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parsing template for model %q: %w", hint, err)
		}
		if key == Wildcard {
			t.fallback = tmpl
			continue
		}
		t.byHint[key] = tmpl
		t.prefixes = append(t.prefixes, key)
	}
	sort.Slice(t.prefixes, func(i, j int) bool {
		if len(t.prefixes[i]) != len(t.prefixes[j]) {
			return len(t.prefixes[i]) > len(t.prefixes[j])
		}
		return t.prefixes[i] < t.prefixes[j]
	})
	return t, nil
}

// lookup returns the template for a normalized hint: exact match, then the
// longest family prefix, then the fallback.
func (t *Templates) lookup(hint string) *template.Template {
	if tmpl, ok := t.byHint[hint]; ok {
		return tmpl
	}
	for _, p := range t.prefixes {
		if strings.HasPrefix(hint, p) {
			return t.byHint[p]
		}
	}
	return t.fallback
}

// Render executes the template selected for data.ModelHint.
func (t *Templates) Render(data MessageData) (string, error) {
	var b strings.Builder
	if err := t.lookup(data.ModelHint).Execute(&b, data); err != nil {
		return "", fmt.Errorf("rendering system message: %w", err)
	}
	return b.String(), nil
}
