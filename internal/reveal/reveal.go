// Package reveal animates an already complete reply as if it were streamed,
// one word at a time, re-rendering the markdown of the whole prefix on every
// step and finishing with an exact render of the full reply.
package reveal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode"
)

// DefaultDelay is the pause between two revealed words
const DefaultDelay = 20 * time.Millisecond

// ErrDetached is returned when the target entry is gone before the reveal ends
var ErrDetached = errors.New("reveal target detached")

// Renderer turns markdown into its displayed form
type Renderer interface {
	Render(markdown string) (string, error)
}

// Target is the entry being revealed
type Target interface {
	Alive() bool
	Update(raw, rendered string) bool
	Complete(raw, rendered string) bool
}

// Stats describes a finished reveal
type Stats struct {
	Steps    int
	Rendered string
}

// Simulator reveals replies word by word
type Simulator struct {
	md     Renderer
	delay  time.Duration
	logger *slog.Logger
}

// NewSimulator creates a simulator. A negative delay selects DefaultDelay.
func NewSimulator(md Renderer, delay time.Duration, logger *slog.Logger) *Simulator {
	if delay < 0 {
		delay = DefaultDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{md: md, delay: delay, logger: logger}
}

// Reveal drives target from empty to text. Every prefix handed to the
// renderer is an exact prefix of text. The final step always renders text
// itself, which supersedes whatever the partial renders produced.
func (s *Simulator) Reveal(ctx context.Context, target Target, text string) (Stats, error) {
	var stats Stats

	tokens := Tokenize(text)
	prefixLen := 0
	for i, tok := range tokens {
		if !target.Alive() {
			return stats, ErrDetached
		}

		prefixLen += len(tok)
		prefix := text[:prefixLen]
		if !target.Update(prefix, s.Render(prefix)) {
			return stats, ErrDetached
		}
		stats.Steps++

		if i < len(tokens)-1 {
			if err := s.wait(ctx); err != nil {
				return stats, err
			}
		}
	}

	if !target.Alive() {
		return stats, ErrDetached
	}
	final, err := s.md.Render(text)
	if err != nil {
		s.logger.Warn("corrective render failed, showing raw reply", "error", err)
		final = text
	}
	if !target.Complete(text, final) {
		return stats, ErrDetached
	}
	stats.Rendered = final
	return stats, nil
}

// Render returns the markdown rendering of text, or text itself when the
// renderer fails on it (partial markdown may not parse).
func (s *Simulator) Render(text string) string {
	out, err := s.md.Render(text)
	if err != nil {
		return text
	}
	return out
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.delay == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("reveal interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Tokenize splits text into words, each carrying the whitespace that
// follows it. Leading whitespace sticks to the first word, so the tokens
// concatenate back to text.
func Tokenize(text string) []string {
	var tokens []string
	start := 0
	inSpace := false
	seenWord := false

	for i, r := range text {
		space := unicode.IsSpace(r)
		if space {
			inSpace = true
			continue
		}
		if inSpace && seenWord {
			tokens = append(tokens, text[start:i])
			start = i
		}
		inSpace = false
		seenWord = true
	}
	if seenWord {
		tokens = append(tokens, text[start:])
	}
	return tokens
}
