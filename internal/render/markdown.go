// Package render turns model output into display markup.
package render

import (
	"bytes"
	"fmt"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Renderer converts markdown text into a display fragment. Implementations
// must accept any prefix of a longer document, since streamed replies are
// re-rendered in full after every fragment.
type Renderer interface {
	Render(markdown string) (string, error)
}

// Markdown renders GitHub flavoured markdown to sanitized HTML. Single line
// breaks are kept as <br>, matching how chat replies are written.
type Markdown struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

func NewMarkdown() *Markdown {
	return &Markdown{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		policy: bluemonday.UGCPolicy(),
	}
}

func (m *Markdown) Render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return m.policy.Sanitize(buf.String()), nil
}
