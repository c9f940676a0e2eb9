package notify

import (
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/hyperasset/sentinel/internal/events"
)

//go:embed templates/*.tmpl
var templateFiles embed.FS

// renderer holds the parsed kind templates, loaded once at construction.
type renderer struct {
	templates map[events.Kind]*template.Template
}

func newRenderer() (*renderer, error) {
	files := map[events.Kind]string{
		events.KindNews:       "news.tmpl",
		events.KindDisclosure: "disclosure.tmpl",
		events.KindChart:      "chart.tmpl",
		events.KindFlow:       "flow.tmpl",
		events.KindReport:     "report.tmpl",
		events.KindSystem:     "system.tmpl",
		events.KindError:      "error.tmpl",
	}

	templates := make(map[events.Kind]*template.Template, len(files))
	for kind, file := range files {
		tmpl, err := template.New(file).ParseFS(templateFiles, "templates/"+file)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", file, err)
		}
		templates[kind] = tmpl
	}

	return &renderer{templates: templates}, nil
}

// render formats data (a per-kind template data struct, always populated
// with "N/A" defaults for optional fields by the caller) through the
// matching kind template.
func (r *renderer) render(kind events.Kind, data interface{}) (string, error) {
	tmpl, ok := r.templates[kind]
	if !ok {
		return "", fmt.Errorf("no template registered for kind %q", kind)
	}

	var buf strings.Builder
	if err := tmpl.ExecuteTemplate(&buf, tmpl.Name(), data); err != nil {
		return "", fmt.Errorf("render template %q: %w", kind, err)
	}
	return buf.String(), nil
}

// orNA returns s, or "N/A" if s is empty — the helper that keeps every
// template total over its declared fields per spec §6.
func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
