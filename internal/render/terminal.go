package render

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	userLabelStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	chipStyle           = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Background(lipgloss.Color("238")).Padding(0, 1)
	taskCardStyle       = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	taskTitleStyle      = lipgloss.NewStyle().Bold(true)
	suggestionStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dividerStyle        = lipgloss.NewStyle().Faint(true)
)

// TerminalSurface draws the feed on a line-oriented terminal. Entries are
// printed once; the last printed entry is redrawn in place while it changes.
type TerminalSurface struct {
	mu        sync.Mutex
	w         io.Writer
	width     int
	printed   int
	lastFrame string
	lastLines int
}

// NewTerminalSurface creates a surface writing to w, wrapping plain text at width
func NewTerminalSurface(w io.Writer, width int) *TerminalSurface {
	if width <= 0 {
		width = 80
	}
	return &TerminalSurface{w: w, width: width}
}

// Draw implements Surface
func (s *TerminalSurface) Draw(views []View) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(views) == 0 {
		if s.printed > 0 {
			fmt.Fprintln(s.w, dividerStyle.Render("── new conversation ──"))
		}
		s.printed, s.lastFrame, s.lastLines = 0, "", 0
		return
	}
	if s.printed > len(views) {
		s.printed, s.lastFrame, s.lastLines = 0, "", 0
	}

	start := s.printed
	if s.printed > 0 {
		frame := s.Format(views[s.printed-1])
		if frame != s.lastFrame {
			if s.lastLines > 0 {
				// cursor up, erase to end of screen
				fmt.Fprintf(s.w, "\x1b[%dA\x1b[J", s.lastLines)
			}
			start = s.printed - 1
		}
	}

	for i := start; i < len(views); i++ {
		frame := s.Format(views[i])
		io.WriteString(s.w, frame)
		s.lastFrame = frame
		s.lastLines = frameLines(frame, s.width)
	}
	s.printed = len(views)
}

// Notice prints a line that is not part of the feed. An entry still changing
// afterwards is printed again below the notice instead of redrawn in place.
func (s *TerminalSurface) Notice(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, format, args...)
	io.WriteString(s.w, "\n")
	s.lastLines = 0
}

// ScrollToBottom implements Surface. A line terminal is always at the bottom.
func (s *TerminalSurface) ScrollToBottom() {}

// Format renders one entry as terminal text ending in a newline
func (s *TerminalSurface) Format(v View) string {
	var b strings.Builder

	if v.Role == RoleUser {
		b.WriteString(userLabelStyle.Render("You"))
	} else {
		b.WriteString(assistantLabelStyle.Render("Assistant"))
	}
	b.WriteString("\n")

	if len(v.Attachments) > 0 {
		chips := make([]string, len(v.Attachments))
		for i, a := range v.Attachments {
			chips[i] = chipStyle.Render(chipLabel(a))
		}
		b.WriteString(strings.Join(chips, " "))
		b.WriteString("\n")
	}

	body := v.Rendered
	if v.Role == RoleUser {
		body = lipgloss.NewStyle().Width(s.width).Render(v.Content)
	}
	body = strings.TrimRight(body, "\n")
	if v.Streaming && body != Caret {
		body += Caret
	}
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n")
	}

	for _, t := range v.Tasks {
		card := taskTitleStyle.Render(t.Title)
		if t.Description != "" {
			card += "\n" + t.Description
		}
		b.WriteString(taskCardStyle.Width(s.width - 2).Render(card))
		b.WriteString("\n")
	}
	for i, sg := range v.Suggestions {
		b.WriteString(suggestionStyle.Render(fmt.Sprintf("[%d] %s", i+1, sg.Text)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	return b.String()
}

// frameLines counts the terminal rows frame occupies, including rows added
// by lines wider than width soft-wrapping.
func frameLines(frame string, width int) int {
	if frame == "" {
		return 0
	}
	n := 0
	for _, l := range strings.Split(strings.TrimSuffix(frame, "\n"), "\n") {
		w := lipgloss.Width(l)
		if width <= 0 || w <= width {
			n++
			continue
		}
		n += (w + width - 1) / width
	}
	return n
}

func chipLabel(a Attachment) string {
	if a.MediaType == "" {
		return a.Title
	}
	return a.MediaType + ": " + a.Title
}
