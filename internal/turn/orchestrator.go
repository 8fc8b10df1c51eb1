// Package turn runs one chat turn end to end: persist attachments, make sure
// a conversation exists, store the user message, invoke the agent, reveal its
// reply and store it. Only one turn runs at a time.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"StudyChat/internal/cache"
	"StudyChat/internal/gateway"
	"StudyChat/internal/render"
	"StudyChat/internal/reveal"
	"StudyChat/internal/staging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const maxParallelUploads = 4

// Config holds the orchestrator settings
type Config struct {
	UserID string
	// CallTimeout bounds every gateway call; zero means no bound
	CallTimeout time.Duration
	// PersistRetries is how many times a failed attachment upload is retried
	PersistRetries int
	// TitleLimit caps the conversation title taken from the first prompt
	TitleLimit int
}

// Hooks are optional callbacks fired by the orchestrator
type Hooks struct {
	OnState          func(State)
	OnSessionCreated func(Session)
	OnConversations  func([]gateway.ConversationSummary)
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTelemetry sets the tracer and meter
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
		if meter != nil {
			o.meter = meter
		}
	}
}

// WithCache reuses remote ids of payloads persisted earlier
func WithCache(c *cache.ResourceCache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithHooks installs callbacks
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) { o.hooks = h }
}

// WithSessionID starts the orchestrator on an existing conversation
func WithSessionID(id string) Option {
	return func(o *Orchestrator) { o.session.ID = id }
}

// Orchestrator drives chat turns against the gateway
type Orchestrator struct {
	gw      gateway.Gateway
	staging *staging.Manager
	feed    *render.Feed
	sim     *reveal.Simulator
	cache   *cache.ResourceCache
	cfg     Config
	hooks   Hooks
	logger  *slog.Logger
	tracer  trace.Tracer
	meter   metric.Meter
	metrics *metrics

	mu         sync.Mutex
	session    Session
	generation uint64
	busy       bool
	state      State

	wg sync.WaitGroup
}

// New creates an orchestrator
func New(gw gateway.Gateway, stage *staging.Manager, feed *render.Feed, sim *reveal.Simulator, cfg Config, opts ...Option) *Orchestrator {
	if cfg.TitleLimit <= 0 {
		cfg.TitleLimit = DefaultTitleLimit
	}
	o := &Orchestrator{
		gw:      gw,
		staging: stage,
		feed:    feed,
		sim:     sim,
		cfg:     cfg,
		logger:  slog.Default(),
		tracer:  otel.Tracer("studychat/turn"),
		meter:   otel.Meter("studychat/turn"),
		session: Session{UserID: cfg.UserID},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.metrics = newMetrics(o.meter)
	return o
}

// Session returns the active session
func (o *Orchestrator) Session() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// Busy reports whether a turn is in flight
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

// State returns the current pipeline step
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Submit runs one turn for prompt with the resources staged right now.
// It returns ErrBusy without side effects while another turn is running.
// Only a failed conversation creation or agent call is reported as an
// error; every other step failure is logged and the turn carries on.
func (o *Orchestrator) Submit(ctx context.Context, prompt string) (*Result, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	o.busy = true
	gen := o.generation
	sess := o.session
	o.mu.Unlock()

	ctx, span := o.tracer.Start(ctx, "turn",
		trace.WithAttributes(attribute.String("user_id", sess.UserID)))
	start := time.Now()
	outcome := "ok"
	defer func() {
		o.finish()
		o.metrics.turnDone(ctx, outcome, time.Since(start))
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
	}()

	snapshot := o.staging.Snapshot()
	log := o.logger.With("user_id", sess.UserID, "session_id", sess.ID)
	log.Info("turn started", "attachments", len(snapshot))

	result := &Result{SessionID: sess.ID}

	// the user sees their message before any network call
	result.UserEntry = o.appendCurrent(gen, render.RoleUser, prompt, false)
	if result.UserEntry != nil {
		o.feed.RenderAttachments(result.UserEntry, attachmentsOf(snapshot))
	}

	// 1. attachments, best effort
	result.AttachmentIDs = o.persistAttachments(ctx, log, snapshot)

	// 2. conversation
	stepCtx, stepSpan := o.enter(ctx, EnsuringSession)
	if sess.ID == "" {
		id, err := o.createConversation(stepCtx, sess.UserID, prompt)
		if err != nil {
			o.stepFailed(stepCtx, stepSpan, EnsuringSession, err)
			stepSpan.End()
			log.Error("failed to create conversation, aborting turn", "error", err)
			outcome = "session_failed"
			return result, fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
		}
		sess.ID = id
		sess.Title = titleFor(prompt, o.cfg.TitleLimit)
		o.adoptSession(gen, sess)
		log = log.With("session_id", sess.ID)
		log.Info("created conversation", "title", sess.Title)
	}
	stepSpan.End()
	result.SessionID = sess.ID

	// 3. user message, best effort
	stepCtx, stepSpan = o.enter(ctx, PostingUserMessage)
	if err := o.appendMessage(stepCtx, sess.ID, gateway.AppendMessageRequest{
		Role:          gateway.RoleUser,
		Content:       prompt,
		AttachmentIDs: result.AttachmentIDs,
	}); err != nil {
		o.stepFailed(stepCtx, stepSpan, PostingUserMessage, err)
		log.Warn("failed to store user message", "error", err)
	}
	stepSpan.End()

	// 4. agent
	stepCtx, stepSpan = o.enter(ctx, InvokingAgent)
	result.AssistantEntry = o.appendCurrent(gen, render.RoleAssistant, "", true)
	if result.AssistantEntry == nil {
		log.Info("conversation reset during turn, reply is stored but not shown")
	}
	resp, err := o.invokeAgent(stepCtx, gateway.AgentInvokeRequest{
		SessionID:     sess.ID,
		UserID:        sess.UserID,
		Prompt:        prompt,
		ContextConfig: gateway.ContextConfig{ResourceIDs: result.AttachmentIDs},
	})
	if err != nil {
		o.stepFailed(stepCtx, stepSpan, InvokingAgent, err)
		stepSpan.End()
		if result.AssistantEntry != nil {
			result.AssistantEntry.Fail(ErrorReply)
		}
		log.Error("agent invocation failed", "error", err)
		outcome = "agent_failed"
		return result, fmt.Errorf("%w: %w", ErrAgentUnavailable, err)
	}
	stepSpan.End()
	reply := NewInvocationResult(resp)
	result.Reply = &reply

	// 5. reveal
	stepCtx, stepSpan = o.enter(ctx, RevealingReply)
	if result.AssistantEntry != nil {
		o.revealReply(stepCtx, stepSpan, log, result.AssistantEntry, reply)
	}
	stepSpan.End()

	// 6. assistant message, best effort
	stepCtx, stepSpan = o.enter(ctx, PersistingReply)
	if err := o.appendMessage(stepCtx, sess.ID, gateway.AppendMessageRequest{
		Role:    gateway.RoleAssistant,
		Content: reply.ReplyText,
	}); err != nil {
		o.stepFailed(stepCtx, stepSpan, PersistingReply, err)
		log.Warn("failed to store assistant message", "error", err)
	}
	stepSpan.End()

	log.Info("turn completed", "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

// revealReply runs the reveal on entry. An interrupted reveal still ends on
// the full rendered reply; a detached entry is left alone.
func (o *Orchestrator) revealReply(ctx context.Context, span trace.Span, log *slog.Logger, entry *render.Entry, reply InvocationResult) {
	stats, err := o.sim.Reveal(ctx, entry, reply.ReplyText)
	switch {
	case errors.Is(err, reveal.ErrDetached):
		log.Info("reply reveal stopped, entry detached", "steps", stats.Steps)
	case err != nil:
		log.Warn("reply reveal interrupted", "steps", stats.Steps, "error", err)
		entry.Complete(reply.ReplyText, o.sim.Render(reply.ReplyText))
		o.feed.RenderRichContent(entry, reply.Tasks(), reply.SuggestionButtons())
	default:
		o.feed.RenderRichContent(entry, reply.Tasks(), reply.SuggestionButtons())
	}
	span.SetAttributes(attribute.Int("reveal.steps", stats.Steps))
}

// appendCurrent mounts an entry unless the conversation was reset after the
// turn started, in which case it returns nil.
func (o *Orchestrator) appendCurrent(gen uint64, role render.Role, content string, streaming bool) *render.Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation != gen {
		return nil
	}
	return o.feed.AppendMessage(role, content, nil, streaming)
}

// persistAttachments uploads every unsaved resource and returns the ids of
// all resources that are persisted afterwards, in snapshot order.
func (o *Orchestrator) persistAttachments(ctx context.Context, log *slog.Logger, snapshot []staging.Resource) []string {
	ctx, span := o.enter(ctx, PersistingAttachments)
	defer span.End()

	ids := make([]string, len(snapshot))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelUploads)

	for i, res := range snapshot {
		if res.State() == staging.Persisted {
			ids[i] = res.RemoteID
			continue
		}
		g.Go(func() error {
			id, err := o.persistResource(gctx, res)
			if err != nil {
				o.metrics.stepFailed(ctx, PersistingAttachments)
				span.RecordError(err)
				log.Warn("failed to persist attachment, skipping it", "title", res.Title, "error", err)
				return nil
			}
			ids[i] = id
			return nil
		})
	}
	_ = g.Wait()

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	span.SetAttributes(
		attribute.Int("attachments.staged", len(snapshot)),
		attribute.Int("attachments.persisted", len(out)),
	)
	return out
}

func (o *Orchestrator) persistResource(ctx context.Context, res staging.Resource) (string, error) {
	var key string
	if o.cache != nil {
		key = cache.GenerateCacheKey(res.Title, string(res.MediaType), res.Content)
		if id, ok := o.cache.Lookup(key); ok {
			return id, nil
		}
	}

	req := gateway.PersistResourceRequest{
		Title:   res.Title,
		Type:    string(res.MediaType),
		Content: res.Content,
	}

	var lastErr error
	for attempt := 0; attempt <= o.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			o.logger.Debug("retrying attachment upload", "title", res.Title, "attempt", attempt)
		}
		callCtx, cancel := o.callContext(ctx)
		id, err := o.gw.PersistResource(callCtx, req)
		cancel()
		if err == nil {
			if o.cache != nil {
				o.cache.Store(key, id)
			}
			return id, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (o *Orchestrator) createConversation(ctx context.Context, userID, prompt string) (string, error) {
	callCtx, cancel := o.callContext(ctx)
	defer cancel()
	return o.gw.CreateConversation(callCtx, gateway.CreateConversationRequest{
		UserID: userID,
		Title:  titleFor(prompt, o.cfg.TitleLimit),
	})
}

func (o *Orchestrator) appendMessage(ctx context.Context, sessionID string, req gateway.AppendMessageRequest) error {
	callCtx, cancel := o.callContext(ctx)
	defer cancel()
	return o.gw.AppendMessage(callCtx, sessionID, req)
}

func (o *Orchestrator) invokeAgent(ctx context.Context, req gateway.AgentInvokeRequest) (*gateway.AgentInvokeResponse, error) {
	callCtx, cancel := o.callContext(ctx)
	defer cancel()
	return o.gw.InvokeAgent(callCtx, req)
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

// adoptSession stores a freshly created session unless the conversation was
// reset while the turn was running.
func (o *Orchestrator) adoptSession(gen uint64, sess Session) {
	o.mu.Lock()
	stale := o.generation != gen
	if !stale {
		o.session = sess
	}
	o.mu.Unlock()

	if stale {
		o.logger.Info("conversation reset during turn, not adopting new session", "session_id", sess.ID)
		return
	}
	if o.hooks.OnSessionCreated != nil {
		o.hooks.OnSessionCreated(sess)
	}
	o.refreshConversations(sess.UserID)
}

// refreshConversations reloads the session list in the background
func (o *Orchestrator) refreshConversations(userID string) {
	if o.hooks.OnConversations == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := o.callContext(context.Background())
		defer cancel()

		list, err := o.gw.ListConversations(ctx, userID)
		if err != nil {
			o.logger.Warn("failed to refresh conversations", "user_id", userID, "error", err)
			return
		}
		o.hooks.OnConversations(list)
	}()
}

func (o *Orchestrator) enter(ctx context.Context, s State) (context.Context, trace.Span) {
	o.setState(s)
	return o.tracer.Start(ctx, "turn."+s.String())
}

func (o *Orchestrator) stepFailed(ctx context.Context, span trace.Span, s State, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.metrics.stepFailed(ctx, s)
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	if o.hooks.OnState != nil {
		o.hooks.OnState(s)
	}
}

// finish releases the turn: staged resources are dropped and the busy flag
// cleared, whatever step the turn ended on.
func (o *Orchestrator) finish() {
	o.staging.Clear()
	o.mu.Lock()
	o.busy = false
	o.mu.Unlock()
	o.setState(Idle)
}

// Close waits for background refreshes to finish
func (o *Orchestrator) Close() {
	o.wg.Wait()
}

func attachmentsOf(resources []staging.Resource) []render.Attachment {
	if len(resources) == 0 {
		return nil
	}
	out := make([]render.Attachment, len(resources))
	for i, r := range resources {
		out[i] = render.Attachment{Title: r.Title, MediaType: string(r.MediaType)}
	}
	return out
}
