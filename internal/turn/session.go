package turn

import (
	"context"
	"fmt"
	"strings"

	"StudyChat/internal/gateway"
	"StudyChat/internal/render"
)

// Reset starts a new conversation. The session id is forgotten, staged
// resources are dropped and the feed is emptied; an in-flight reveal stops
// at its next step because its entry is detached.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.generation++
	o.session = Session{UserID: o.cfg.UserID}
	// under o.mu so a running turn cannot mount an entry into the new feed
	o.feed.Reset()
	o.mu.Unlock()

	o.staging.Clear()
	o.logger.Info("conversation reset", "user_id", o.cfg.UserID)
}

// Resume loads an existing conversation into the feed and makes it the
// active session.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) error {
	if o.Busy() {
		return ErrBusy
	}

	ctx, span := o.tracer.Start(ctx, "turn.resume")
	defer span.End()

	callCtx, cancel := o.callContext(ctx)
	defer cancel()
	conv, err := o.gw.FetchConversation(callCtx, sessionID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to fetch conversation %s: %w", sessionID, err)
	}

	o.mu.Lock()
	o.generation++
	o.session = Session{ID: sessionID, UserID: o.cfg.UserID}
	o.feed.Reset()
	o.mu.Unlock()

	o.staging.Clear()
	for _, msg := range conv.History {
		entry := o.feed.AppendMessage(roleOf(msg.Role), msg.Content, nil, false)
		o.feed.RenderAttachments(entry, historyAttachments(msg.Attachments))
	}

	o.logger.Info("resumed conversation", "session_id", sessionID, "messages", len(conv.History))
	return nil
}

// Conversations lists the conversations of the current user
func (o *Orchestrator) Conversations(ctx context.Context) ([]gateway.ConversationSummary, error) {
	callCtx, cancel := o.callContext(ctx)
	defer cancel()

	list, err := o.gw.ListConversations(callCtx, o.cfg.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return list, nil
}

// SearchResources looks up library resources that can be staged by id
func (o *Orchestrator) SearchResources(ctx context.Context, query string) ([]gateway.ResourceHit, error) {
	callCtx, cancel := o.callContext(ctx)
	defer cancel()

	hits, err := o.gw.SearchResources(callCtx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search resources: %w", err)
	}
	return hits, nil
}

func roleOf(role string) render.Role {
	switch strings.ToLower(role) {
	case "assistant", "agent", "model":
		return render.RoleAssistant
	default:
		return render.RoleUser
	}
}

func historyAttachments(refs []gateway.AttachmentRef) []render.Attachment {
	if len(refs) == 0 {
		return nil
	}
	out := make([]render.Attachment, len(refs))
	for i, r := range refs {
		title := r.Title
		if title == "" {
			title = r.ID
		}
		out[i] = render.Attachment{Title: title, MediaType: r.Type}
	}
	return out
}
