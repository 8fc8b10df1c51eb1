package gateway

import "encoding/json"

// PersistResourceRequest represents the request body for persist-resource
type PersistResourceRequest struct {
	Title   string `json:"title"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// IDResponse is returned by the create operations
type IDResponse struct {
	ID string `json:"id"`
}

// CreateConversationRequest represents the request body for create-conversation
type CreateConversationRequest struct {
	UserID string `json:"userId"`
	Title  string `json:"title"`
}

// AppendMessageRequest represents the request body for append-message.
// A nil AttachmentIDs omits the field; an empty non-nil slice sends [].
type AppendMessageRequest struct {
	Role          string
	Content       string
	AttachmentIDs []string
}

type appendMessageWire struct {
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	AttachmentIDs *[]string `json:"attachmentIds,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (r AppendMessageRequest) MarshalJSON() ([]byte, error) {
	w := appendMessageWire{Role: r.Role, Content: r.Content}
	if r.AttachmentIDs != nil {
		ids := r.AttachmentIDs
		w.AttachmentIDs = &ids
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler
func (r *AppendMessageRequest) UnmarshalJSON(data []byte) error {
	var w appendMessageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Role = w.Role
	r.Content = w.Content
	r.AttachmentIDs = nil
	if w.AttachmentIDs != nil {
		r.AttachmentIDs = *w.AttachmentIDs
		if r.AttachmentIDs == nil {
			r.AttachmentIDs = []string{}
		}
	}
	return nil
}

// ConversationSummary is one row of list-conversations
type ConversationSummary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ContextConfig scopes the resources the agent may read
type ContextConfig struct {
	ResourceIDs []string `json:"resource_ids"`
}

// AgentInvokeRequest represents the request body for agent-invoke
type AgentInvokeRequest struct {
	SessionID     string        `json:"session_id"`
	UserID        string        `json:"user_id"`
	Prompt        string        `json:"prompt"`
	ContextConfig ContextConfig `json:"context_config"`
}

// AgentResponse is one textual response block
type AgentResponse struct {
	Content string `json:"content"`
}

// ProposedTask is a task the agent suggests adding to a study plan
type ProposedTask struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Suggestion is a follow-up prompt the agent offers
type Suggestion struct {
	Text string `json:"text"`
}

// AgentInvokeResponse represents the response from agent-invoke
type AgentInvokeResponse struct {
	Responses     []AgentResponse `json:"responses"`
	ProposedTasks []ProposedTask  `json:"proposedTasks,omitempty"`
	Suggestions   []Suggestion    `json:"suggestions,omitempty"`
}

// AttachmentRef is an attachment reference inside a stored message
type AttachmentRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type,omitempty"`
}

// HistoryMessage is one stored message returned by fetch-conversation
type HistoryMessage struct {
	Role        string          `json:"role"`
	Content     string          `json:"content"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

// Conversation represents the response from fetch-conversation
type Conversation struct {
	History []HistoryMessage `json:"history"`
}

// ResourceHit is one result of resource-search
type ResourceHit struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}
