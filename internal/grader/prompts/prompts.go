package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"sync"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Variant represents a grading prompt variant.
type Variant string

const (
	// VariantStrict grades with little partial credit.
	VariantStrict Variant = "strict"
	// VariantStandard is the default grading variant.
	VariantStandard Variant = "standard"
	// VariantLenient rewards the gist of an answer generously.
	VariantLenient Variant = "lenient"
)

var validVariants = map[Variant]bool{
	VariantStrict:   true,
	VariantStandard: true,
	VariantLenient:  true,
}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[Variant(v)]
}

// Data holds template data for grading prompts.
type Data struct {
	QuestionText    string
	ReferenceAnswer string
	ReviewContext   string
}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[Variant]*template.Template
)

func load() error {
	loadOnce.Do(func() {
		templates = make(map[Variant]*template.Template)
		for v := range validVariants {
			name := fmt.Sprintf("templates/%s_grade.tmpl", v)
			t, err := template.ParseFS(templateFS, name)
			if err != nil {
				loadErr = fmt.Errorf("parse %s: %w", name, err)
				return
			}
			templates[v] = t
		}
	})
	return loadErr
}

// System renders the grading system prompt for the given variant.
func System(v Variant, data Data) (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	t, ok := templates[v]
	if !ok {
		return "", fmt.Errorf("unknown prompt variant %q", v)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", v, err)
	}
	return buf.String(), nil
}
