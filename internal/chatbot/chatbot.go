package chatbot

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"StudyChat/internal/cache"
	"StudyChat/internal/config"
	"StudyChat/internal/gateway"
	"StudyChat/internal/render"
	"StudyChat/internal/reveal"
	"StudyChat/internal/session"
	"StudyChat/internal/staging"
	"StudyChat/internal/telemetry"
	"StudyChat/internal/turn"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/term"
)

// ChatBot is the terminal client: it reads prompts and slash commands and
// drives the turn orchestrator.
type ChatBot struct {
	config  config.Config
	db      *sql.DB
	store   *session.Store
	logger  *slog.Logger
	tracer  trace.Tracer
	stage   *staging.Manager
	feed    *render.Feed
	surface *render.TerminalSurface
	orch    *turn.Orchestrator
	in      io.Reader
	closers []func()

	mu            sync.Mutex
	draft         string
	conversations []gateway.ConversationSummary

	turns sync.WaitGroup
}

// parts are the collaborators NewChatBot builds from the configuration
type parts struct {
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter
	db     *sql.DB
	gw     gateway.Gateway
	md     render.Markdown
	in     io.Reader
	out    io.Writer
}

// NewChatBot creates a new ChatBot instance
func NewChatBot(cfg config.Config) (*ChatBot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var closers []func()
	fail := func(err error) (*ChatBot, error) {
		runClosers(closers)
		return nil, err
	}

	logger, logFile, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	closers = append(closers, func() { logFile.Close() })

	ctx := context.Background()
	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize telemetry: %w", err))
	}
	closers = append(closers, shutdown)

	db, err := telemetry.InitDB(cfg.DBPath)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize database: %w", err))
	}
	closers = append(closers, func() { db.Close() })

	gw, closeAgent, err := newGateway(ctx, cfg, logger, tracer, meter)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize gateway: %w", err))
	}
	closers = append(closers, closeAgent)

	cfg.WordWrap = fitWidth(cfg.WordWrap, os.Stdout)
	md, err := render.NewMarkdown(cfg.Style, cfg.WordWrap)
	if err != nil {
		return fail(err)
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	cb := newChatBot(cfg, parts{
		logger: logger,
		tracer: tracer,
		meter:  meter,
		db:     db,
		gw:     gw,
		md:     md,
		in:     os.Stdin,
		out:    os.Stdout,
	})
	cb.closers = closers
	return cb, nil
}

// newGateway builds the HTTP gateway and, when an agent URL is configured,
// routes agent calls to it.
func newGateway(ctx context.Context, cfg config.Config, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (gateway.Gateway, func(), error) {
	httpClient := &http.Client{Timeout: cfg.CallTimeout}
	base, err := gateway.NewHTTPClient(cfg.GatewayURL, logger,
		gateway.WithHTTPClient(httpClient),
		gateway.WithTelemetry(tracer, meter),
	)
	if err != nil {
		return nil, nil, err
	}

	var agent gateway.AgentInvoker
	closeAgent := func() {}
	switch {
	case cfg.AgentOverWebSocket():
		ws, err := gateway.NewWebSocketAgent(ctx, cfg.AgentURL, logger)
		if err != nil {
			return nil, nil, err
		}
		agent = ws
		closeAgent = func() {
			if err := ws.Close(); err != nil {
				logger.Warn("failed to close agent connection", "error", err)
			}
		}
	case cfg.AgentURL != "":
		agentClient, err := gateway.NewHTTPClient(cfg.AgentURL, logger,
			gateway.WithHTTPClient(httpClient),
			gateway.WithTelemetry(tracer, meter),
		)
		if err != nil {
			return nil, nil, err
		}
		agent = agentClient
	}
	return gateway.WithAgent(base, agent), closeAgent, nil
}

// fitWidth narrows the wrap column to the terminal width behind f.
func fitWidth(wrap int, f *os.File) int {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return wrap
	}
	cols, _, err := term.GetSize(fd)
	if err != nil || cols <= 0 {
		return wrap
	}
	if wrap <= 0 || wrap > cols {
		return cols
	}
	return wrap
}

func newChatBot(cfg config.Config, p parts) *ChatBot {
	if p.tracer == nil {
		p.tracer = otel.Tracer("studychat/chatbot")
	}
	cb := &ChatBot{
		config: cfg,
		db:     p.db,
		store:  session.NewStore(p.db),
		logger: p.logger,
		tracer: p.tracer,
		stage:  staging.NewManager(),
		in:     p.in,
	}
	cb.surface = render.NewTerminalSurface(p.out, cfg.WordWrap)
	cb.feed = render.NewFeed(cb.surface, p.md, p.logger)
	sim := reveal.NewSimulator(p.md, cfg.RevealDelay, p.logger)

	opts := []turn.Option{
		turn.WithLogger(p.logger),
		turn.WithTelemetry(p.tracer, p.meter),
		turn.WithHooks(turn.Hooks{
			OnSessionCreated: cb.rememberSession,
			OnConversations:  cb.setConversations,
		}),
	}
	if cfg.CacheUploads {
		opts = append(opts, turn.WithCache(cache.NewResourceCache(cfg.CacheTTL)))
	}

	cb.orch = turn.New(p.gw, cb.stage, cb.feed, sim,
		turn.Config{
			UserID:         cfg.UserID,
			CallTimeout:    cfg.CallTimeout,
			PersistRetries: cfg.PersistRetries,
			TitleLimit:     cfg.TitleLimit,
		},
		opts...,
	)
	return cb
}

// Run reads input until EOF, /quit or ctx is cancelled. In-flight turns are
// waited for before it returns.
func (cb *ChatBot) Run(ctx context.Context) error {
	defer cb.Close()

	cb.printf("=== StudyChat ===")
	cb.printf("User: %s", cb.config.UserID)
	cb.printf("Type /help for commands, /quit to exit")
	cb.printf("")

	cb.restore(ctx)

	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cb.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			cb.printf("Interrupted.")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if cb.handleLine(ctx, line) {
				cb.printf("Goodbye!")
				return nil
			}
		}
	}
}

// Close waits for running turns and releases resources
func (cb *ChatBot) Close() {
	cb.turns.Wait()
	cb.orch.Close()
	runClosers(cb.closers)
	cb.closers = nil
}

// restore resumes the configured session, or the one this user had open
// last time.
func (cb *ChatBot) restore(ctx context.Context) {
	id := cb.config.SessionID
	if id == "" {
		active, ok, err := cb.store.LoadActive(ctx, cb.config.UserID)
		if err != nil {
			cb.logger.Warn("failed to load active session", "error", err)
			return
		}
		if !ok {
			return
		}
		id = active.SessionID
	}

	if err := cb.orch.Resume(ctx, id); err != nil {
		cb.logger.Warn("failed to resume session, starting a new one", "session_id", id, "error", err)
		cb.printf("Could not resume conversation %s, starting a new one.", id)
		if err := cb.store.ClearActive(ctx, cb.config.UserID); err != nil {
			cb.logger.Warn("failed to clear active session", "error", err)
		}
		return
	}
	cb.saveActive(ctx, turn.Session{ID: id, UserID: cb.config.UserID})
	cb.printf("Resumed conversation %s.", id)
}

// handleLine processes one input line and reports whether to quit. An empty
// line sends the pending suggestion draft, if any.
func (cb *ChatBot) handleLine(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		input = cb.takeDraft()
		if input == "" {
			return false
		}
	}

	if strings.HasPrefix(input, "/") {
		return cb.handleCommand(ctx, input)
	}

	cb.takeDraft()
	cb.submit(ctx, input)
	return false
}

// submit starts a turn in the background so staging commands keep working
// while the reply is revealed.
func (cb *ChatBot) submit(ctx context.Context, prompt string) {
	if cb.orch.Busy() {
		cb.printf("Still answering the previous message, please wait.")
		return
	}

	cb.turns.Add(1)
	go func() {
		defer cb.turns.Done()
		_, err := cb.orch.Submit(ctx, prompt)
		switch {
		case err == nil:
		case errors.Is(err, turn.ErrBusy):
			cb.printf("Still answering the previous message, please wait.")
		case errors.Is(err, turn.ErrSessionUnavailable):
			cb.printf("Could not start a conversation, your message was not sent. Please try again.")
		case errors.Is(err, turn.ErrAgentUnavailable):
			// the assistant entry already shows the error
		default:
			cb.printf("Error: %v", err)
		}
	}()
}

// handleCommand runs a slash command and reports whether to quit
func (cb *ChatBot) handleCommand(ctx context.Context, input string) bool {
	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	ctx, span := cb.tracer.Start(ctx, "command", trace.WithAttributes(attribute.String("command", name)))
	defer span.End()

	switch name {
	case "/quit", "/exit":
		return true
	case "/attach":
		cb.attach(arg)
	case "/ref":
		cb.reference(arg)
	case "/staged":
		cb.listStaged()
	case "/remove":
		cb.remove(arg)
	case "/new":
		cb.orch.Reset()
		cb.takeDraft()
		if err := cb.store.ClearActive(ctx, cb.config.UserID); err != nil {
			cb.logger.Warn("failed to clear active session", "error", err)
		}
	case "/resume":
		cb.resume(ctx, arg)
	case "/sessions":
		cb.listSessions(ctx)
	case "/search":
		cb.search(ctx, arg)
	case "/suggest":
		cb.suggest(arg)
	case "/help":
		cb.printf("Commands:")
		cb.printf("  /attach <path>        - Stage a local file")
		cb.printf("  /ref <id> [title]     - Stage a resource already in the library")
		cb.printf("  /staged               - List staged resources")
		cb.printf("  /remove <n|id>        - Unstage a resource by position or id")
		cb.printf("  /search <query>       - Search the resource library")
		cb.printf("  /suggest <n>          - Put suggestion n in the draft, Enter sends it")
		cb.printf("  /sessions             - List your conversations")
		cb.printf("  /resume <id>          - Continue a conversation")
		cb.printf("  /new                  - Start a new conversation")
		cb.printf("  /quit, /exit          - Exit")
		cb.printf("  /help                 - Show this help message")
	default:
		cb.printf("Unknown command %s, type /help for commands.", name)
	}
	return false
}

func (cb *ChatBot) attach(path string) {
	if path == "" {
		cb.printf("Usage: /attach <path>")
		return
	}
	res, err := staging.LoadFile(path)
	if err != nil {
		cb.logger.Warn("failed to load attachment", "path", path, "error", err)
		cb.printf("Error: %v", err)
		return
	}
	cb.stageResource(res)
}

func (cb *ChatBot) reference(arg string) {
	id, title, _ := strings.Cut(arg, " ")
	if id == "" {
		cb.printf("Usage: /ref <id> [title]")
		return
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = id
	}
	cb.stageResource(staging.Resource{Title: title, RemoteID: id})
}

func (cb *ChatBot) stageResource(res staging.Resource) {
	added, err := cb.stage.Add(res)
	if errors.Is(err, staging.ErrDuplicate) {
		cb.printf("%s is already staged.", res.Title)
		return
	}
	if err != nil {
		cb.printf("Error: %v", err)
		return
	}
	cb.printf("Staged [%d] %s (%s, %s)", cb.stage.Len(), added.Title, added.MediaType, added.State())
}

func (cb *ChatBot) listStaged() {
	staged := cb.stage.Snapshot()
	if len(staged) == 0 {
		cb.printf("Nothing staged.")
		return
	}
	for i, r := range staged {
		cb.printf("  [%d] %s (%s, %s) %s", i+1, r.Title, r.MediaType, r.State(), r.LocalID)
	}
}

func (cb *ChatBot) remove(arg string) {
	var removed bool
	if n, err := strconv.Atoi(arg); err == nil {
		removed = cb.stage.Remove(n - 1)
	} else if arg != "" {
		removed = cb.stage.RemoveByID(arg)
	}
	if !removed {
		cb.printf("No staged resource %q.", arg)
		return
	}
	cb.printf("Removed %s.", arg)
}

func (cb *ChatBot) resume(ctx context.Context, id string) {
	if id == "" {
		cb.printf("Usage: /resume <id>")
		return
	}
	if err := cb.orch.Resume(ctx, id); err != nil {
		if errors.Is(err, turn.ErrBusy) {
			cb.printf("Still answering the previous message, please wait.")
			return
		}
		cb.printf("Error: %v", err)
		return
	}
	cb.takeDraft()
	cb.saveActive(ctx, turn.Session{ID: id, UserID: cb.config.UserID})
}

func (cb *ChatBot) listSessions(ctx context.Context) {
	list, err := cb.orch.Conversations(ctx)
	if err != nil {
		cb.logger.Warn("failed to list conversations", "error", err)
		cb.mu.Lock()
		list = cb.conversations
		cb.mu.Unlock()
		if list == nil {
			cb.printf("Error: %v", err)
			return
		}
		cb.printf("Could not refresh, showing the last known list.")
	} else {
		cb.setConversations(list)
	}

	if len(list) == 0 {
		cb.printf("No conversations yet.")
		return
	}
	active := cb.orch.Session().ID
	for _, c := range list {
		marker := " "
		if c.ID == active {
			marker = "*"
		}
		cb.printf("%s %s  %s", marker, c.ID, c.Title)
	}
}

func (cb *ChatBot) search(ctx context.Context, query string) {
	if query == "" {
		cb.printf("Usage: /search <query>")
		return
	}
	hits, err := cb.orch.SearchResources(ctx, query)
	if err != nil {
		cb.printf("Error: %v", err)
		return
	}
	if len(hits) == 0 {
		cb.printf("No resources match %q.", query)
		return
	}
	for _, h := range hits {
		cb.printf("  %s  %s", h.ID, h.Title)
	}
	cb.printf("Stage one with /ref <id>.")
}

func (cb *ChatBot) suggest(arg string) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		cb.printf("Usage: /suggest <n>")
		return
	}
	text, ok := cb.feed.Suggestion(n)
	if !ok {
		cb.printf("No suggestion %d.", n)
		return
	}
	cb.mu.Lock()
	cb.draft = text
	cb.mu.Unlock()
	cb.printf("Draft: %s (press Enter to send)", text)
}

func (cb *ChatBot) takeDraft() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	d := cb.draft
	cb.draft = ""
	return d
}

func (cb *ChatBot) rememberSession(s turn.Session) {
	cb.saveActive(context.Background(), s)
}

func (cb *ChatBot) saveActive(ctx context.Context, s turn.Session) {
	err := cb.store.SaveActive(ctx, session.Active{UserID: s.UserID, SessionID: s.ID, Title: s.Title})
	if err != nil {
		cb.logger.Warn("failed to save active session", "session_id", s.ID, "error", err)
	}
}

func (cb *ChatBot) setConversations(list []gateway.ConversationSummary) {
	cb.mu.Lock()
	cb.conversations = list
	cb.mu.Unlock()
	cb.logger.Debug("conversation list refreshed", "count", len(list))
}

func (cb *ChatBot) printf(format string, args ...any) {
	cb.surface.Notice(format, args...)
}

func runClosers(closers []func()) {
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}
