package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
)

// Terminal renders markdown as ANSI styled text for the talk command.
type Terminal struct {
	tr *glamour.TermRenderer
}

// NewTerminal builds a renderer using one of glamour's standard styles
// ("dark", "light", "notty", ...). An empty style means "dark".
func NewTerminal(width int, style string) (*Terminal, error) {
	if width <= 0 {
		width = 80
	}
	if style == "" {
		style = "dark"
	}
	tr, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(width),
		glamour.WithPreservedNewLines(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create terminal renderer: %w", err)
	}
	return &Terminal{tr: tr}, nil
}

func (t *Terminal) Render(markdown string) (string, error) {
	out, err := t.tr.Render(markdown)
	if err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return strings.TrimRight(out, "\n"), nil
}
