// Package gateway holds the contracts and transports of the remote services a
// chat turn talks to: the resource store, the conversation store and the
// agent endpoint.
package gateway

import (
	"context"
	"fmt"
)

// Message roles accepted by append-message
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ResourceStore persists and finds library resources
type ResourceStore interface {
	PersistResource(ctx context.Context, req PersistResourceRequest) (string, error)
	SearchResources(ctx context.Context, query string) ([]ResourceHit, error)
}

// ConversationStore manages conversations and their messages
type ConversationStore interface {
	CreateConversation(ctx context.Context, req CreateConversationRequest) (string, error)
	AppendMessage(ctx context.Context, sessionID string, req AppendMessageRequest) error
	ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error)
	FetchConversation(ctx context.Context, sessionID string) (*Conversation, error)
}

// AgentInvoker runs the agent for one prompt
type AgentInvoker interface {
	InvokeAgent(ctx context.Context, req AgentInvokeRequest) (*AgentInvokeResponse, error)
}

// Gateway is the full set of remote operations
type Gateway interface {
	ResourceStore
	ConversationStore
	AgentInvoker
}

// StatusError is returned when a remote operation answers with a non-2xx status
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: API error %d - %s", e.Operation, e.StatusCode, e.Body)
}

// withAgent routes agent invocations to a dedicated transport
type withAgent struct {
	Gateway
	agent AgentInvoker
}

// WithAgent returns a Gateway that serves InvokeAgent from agent and every
// other operation from base.
func WithAgent(base Gateway, agent AgentInvoker) Gateway {
	if agent == nil {
		return base
	}
	return &withAgent{Gateway: base, agent: agent}
}

func (g *withAgent) InvokeAgent(ctx context.Context, req AgentInvokeRequest) (*AgentInvokeResponse, error) {
	return g.agent.InvokeAgent(ctx, req)
}
