// Package render owns the message feed of a chat: the ordered list of user
// and assistant entries, their attachment chips and rich content, and the
// surface the feed is drawn on.
package render

import (
	"log/slog"
	"sync"
)

// Role identifies the author of a feed entry
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Caret is shown in a streaming entry until its first token arrives
const Caret = "▍"

// Attachment is a display-only reference to a resource
type Attachment struct {
	Title     string
	MediaType string
}

// Task is a proposed task card
type Task struct {
	Title       string
	Description string
}

// Suggestion is a follow-up prompt button
type Suggestion struct {
	Text string
}

// View is an immutable copy of an entry handed to a Surface
type View struct {
	ID          int
	Role        Role
	Content     string
	Rendered    string
	Attachments []Attachment
	Tasks       []Task
	Suggestions []Suggestion
	Streaming   bool
}

// Surface displays the feed
type Surface interface {
	// Draw receives the full feed after every mutation. An empty feed
	// means the conversation was reset.
	Draw(views []View)
	ScrollToBottom()
}

// NopSurface discards every draw
type NopSurface struct{}

func (NopSurface) Draw([]View)     {}
func (NopSurface) ScrollToBottom() {}

// Feed is the ordered list of message entries
type Feed struct {
	mu          sync.Mutex
	entries     []*Entry
	nextID      int
	suggestions []Suggestion
	surface     Surface
	md          Markdown
	logger      *slog.Logger
}

// NewFeed creates an empty feed drawn on surface. md renders assistant
// entries appended without streaming (e.g. resumed history).
func NewFeed(surface Surface, md Markdown, logger *slog.Logger) *Feed {
	if surface == nil {
		surface = NopSurface{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{surface: surface, md: md, logger: logger}
}

// Entry is a handle on one mounted message
type Entry struct {
	feed        *Feed
	id          int
	role        Role
	raw         string
	rendered    string
	attachments []Attachment
	tasks       []Task
	suggestions []Suggestion
	streaming   bool
	detached    bool
}

// AppendMessage mounts a new entry and returns its handle. A streaming entry
// starts empty with a caret placeholder.
func (f *Feed) AppendMessage(role Role, content string, attachments []Attachment, streaming bool) *Entry {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	e := &Entry{
		feed:        f,
		id:          f.nextID,
		role:        role,
		attachments: append([]Attachment(nil), attachments...),
		streaming:   streaming,
	}
	if streaming {
		e.rendered = Caret
	} else {
		e.raw = content
		e.rendered = f.renderStatic(role, content)
	}

	f.entries = append(f.entries, e)
	f.redrawLocked()
	return e
}

func (f *Feed) renderStatic(role Role, content string) string {
	if role != RoleAssistant || f.md == nil {
		return content
	}
	out, err := f.md.Render(content)
	if err != nil {
		f.logger.Warn("markdown render failed", "error", err)
		return content
	}
	return out
}

// RenderAttachments shows resources as titled chips under entry
func (f *Feed) RenderAttachments(e *Entry, attachments []Attachment) {
	if len(attachments) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if e.detached {
		return
	}
	e.attachments = append(e.attachments, attachments...)
	f.redrawLocked()
}

// RenderRichContent appends task cards and suggestion buttons beneath entry.
// The suggestions become the ones Suggestion resolves.
func (f *Feed) RenderRichContent(e *Entry, tasks []Task, suggestions []Suggestion) {
	if len(tasks) == 0 && len(suggestions) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if e.detached {
		return
	}
	e.tasks = append(e.tasks, tasks...)
	e.suggestions = append(e.suggestions, suggestions...)
	if len(suggestions) > 0 {
		f.suggestions = append([]Suggestion(nil), e.suggestions...)
	}
	f.redrawLocked()
}

// Suggestion returns the text of the n-th (1-based) suggestion of the latest
// rich content block.
func (f *Feed) Suggestion(n int) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n < 1 || n > len(f.suggestions) {
		return "", false
	}
	return f.suggestions[n-1].Text, true
}

// Views returns a copy of every entry in order
func (f *Feed) Views() []View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.viewsLocked()
}

// Len returns the number of mounted entries
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Reset detaches every entry and empties the feed
func (f *Feed) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.entries {
		e.detached = true
		e.streaming = false
	}
	f.entries = nil
	f.suggestions = nil
	f.redrawLocked()
}

func (f *Feed) viewsLocked() []View {
	views := make([]View, len(f.entries))
	for i, e := range f.entries {
		views[i] = e.viewLocked()
	}
	return views
}

func (f *Feed) redrawLocked() {
	f.surface.Draw(f.viewsLocked())
	f.surface.ScrollToBottom()
}

// ID returns the entry's position-independent identifier
func (e *Entry) ID() int {
	return e.id
}

// Alive reports whether the entry is still mounted
func (e *Entry) Alive() bool {
	e.feed.mu.Lock()
	defer e.feed.mu.Unlock()
	return !e.detached
}

// Streaming reports whether the entry still accepts content updates
func (e *Entry) Streaming() bool {
	e.feed.mu.Lock()
	defer e.feed.mu.Unlock()
	return e.streaming && !e.detached
}

// Update replaces the content of a streaming entry. It reports false when
// the entry is detached or no longer streaming.
func (e *Entry) Update(raw, rendered string) bool {
	return e.set(raw, rendered, true)
}

// Complete sets the final content and ends streaming
func (e *Entry) Complete(raw, rendered string) bool {
	return e.set(raw, rendered, false)
}

// Fail replaces the content of a streaming entry with message and ends streaming
func (e *Entry) Fail(message string) bool {
	return e.set(message, message, false)
}

func (e *Entry) set(raw, rendered string, streaming bool) bool {
	f := e.feed
	f.mu.Lock()
	defer f.mu.Unlock()

	if e.detached || !e.streaming {
		return false
	}
	e.raw = raw
	e.rendered = rendered
	e.streaming = streaming
	f.redrawLocked()
	return true
}

// View returns a copy of the entry
func (e *Entry) View() View {
	e.feed.mu.Lock()
	defer e.feed.mu.Unlock()
	return e.viewLocked()
}

func (e *Entry) viewLocked() View {
	return View{
		ID:          e.id,
		Role:        e.role,
		Content:     e.raw,
		Rendered:    e.rendered,
		Attachments: append([]Attachment(nil), e.attachments...),
		Tasks:       append([]Task(nil), e.tasks...),
		Suggestions: append([]Suggestion(nil), e.suggestions...),
		Streaming:   e.streaming,
	}
}
