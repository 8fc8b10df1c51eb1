package turn

import (
	"errors"
	"strings"
	"unicode/utf8"

	"StudyChat/internal/gateway"
	"StudyChat/internal/render"
)

// State is a step of the turn pipeline
type State int

const (
	Idle State = iota
	PersistingAttachments
	EnsuringSession
	PostingUserMessage
	InvokingAgent
	RevealingReply
	PersistingReply
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PersistingAttachments:
		return "persisting_attachments"
	case EnsuringSession:
		return "ensuring_session"
	case PostingUserMessage:
		return "posting_user_message"
	case InvokingAgent:
		return "invoking_agent"
	case RevealingReply:
		return "revealing_reply"
	case PersistingReply:
		return "persisting_reply"
	default:
		return "unknown"
	}
}

const (
	// FallbackReply replaces an agent response that carries no text
	FallbackReply = "I'm sorry, I couldn't process that."
	// ErrorReply replaces the assistant placeholder when the agent call fails
	ErrorReply = "Sorry, something went wrong while generating a reply. Please try again."
	// DefaultTitleLimit caps the conversation title taken from the first prompt
	DefaultTitleLimit = 30
)

var (
	// ErrBusy is returned by Submit while another turn is in flight
	ErrBusy = errors.New("a turn is already in progress")
	// ErrEmptyPrompt is returned by Submit for a blank prompt
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrSessionUnavailable wraps a failed create-conversation call
	ErrSessionUnavailable = errors.New("could not start a conversation")
	// ErrAgentUnavailable wraps a failed agent-invoke call
	ErrAgentUnavailable = errors.New("agent did not answer")
)

// Session identifies the active conversation. ID is empty until the first
// turn creates one.
type Session struct {
	ID     string
	UserID string
	Title  string
}

// InvocationResult is the parsed answer of one agent invocation
type InvocationResult struct {
	ReplyText     string
	ProposedTasks []gateway.ProposedTask
	Suggestions   []gateway.Suggestion
}

// NewInvocationResult extracts the reply from the first response block,
// substituting FallbackReply when there is none.
func NewInvocationResult(resp *gateway.AgentInvokeResponse) InvocationResult {
	if resp == nil {
		return InvocationResult{ReplyText: FallbackReply}
	}
	res := InvocationResult{
		ReplyText:     FallbackReply,
		ProposedTasks: resp.ProposedTasks,
		Suggestions:   resp.Suggestions,
	}
	if len(resp.Responses) > 0 && strings.TrimSpace(resp.Responses[0].Content) != "" {
		res.ReplyText = resp.Responses[0].Content
	}
	return res
}

// Tasks converts the proposed tasks into task cards
func (r InvocationResult) Tasks() []render.Task {
	if len(r.ProposedTasks) == 0 {
		return nil
	}
	out := make([]render.Task, len(r.ProposedTasks))
	for i, t := range r.ProposedTasks {
		out[i] = render.Task{Title: t.Title, Description: t.Description}
	}
	return out
}

// SuggestionButtons converts the suggestions into suggestion buttons
func (r InvocationResult) SuggestionButtons() []render.Suggestion {
	if len(r.Suggestions) == 0 {
		return nil
	}
	out := make([]render.Suggestion, len(r.Suggestions))
	for i, s := range r.Suggestions {
		out[i] = render.Suggestion{Text: s.Text}
	}
	return out
}

// Result describes a finished turn. The entries are nil when the
// conversation was reset before they were mounted.
type Result struct {
	SessionID      string
	AttachmentIDs  []string
	Reply          *InvocationResult
	UserEntry      *render.Entry
	AssistantEntry *render.Entry
}

// titleFor returns the first limit runes of the prompt
func titleFor(prompt string, limit int) string {
	prompt = strings.TrimSpace(prompt)
	if limit <= 0 || utf8.RuneCountInString(prompt) <= limit {
		return prompt
	}
	runes := []rune(prompt)
	return string(runes[:limit])
}
