package render

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/glamour"
)

// Markdown turns markdown source into its displayed form
type Markdown interface {
	Render(markdown string) (string, error)
}

// GlamourMarkdown renders markdown for the terminal. A TermRenderer is not
// safe for concurrent use, so calls are serialized.
type GlamourMarkdown struct {
	mu sync.Mutex
	r  *glamour.TermRenderer
}

// NewMarkdown builds a glamour renderer. An empty style picks one from the
// terminal background; "notty" gives plain, deterministic output.
func NewMarkdown(style string, wordWrap int) (*GlamourMarkdown, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(wordWrap)}
	if style == "" || style == "auto" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}

	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	return &GlamourMarkdown{r: r}, nil
}

// Render implements Markdown
func (m *GlamourMarkdown) Render(markdown string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.r.Render(markdown)
}
