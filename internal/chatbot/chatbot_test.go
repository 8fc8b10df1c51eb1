package chatbot

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"StudyChat/internal/config"
	"StudyChat/internal/gateway"
	"StudyChat/internal/session"
	"StudyChat/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type plainMarkdown struct{}

func (plainMarkdown) Render(s string) (string, error) { return s, nil }

// fakeBackend serves the gateway endpoints from memory
type fakeBackend struct {
	mu         sync.Mutex
	invokes    []gateway.AgentInvokeRequest
	creates    int
	appends    []gateway.AppendMessageRequest
	persisted  []gateway.PersistResourceRequest
	failCreate bool
	histories  map[string]gateway.Conversation
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	fb := &fakeBackend{histories: map[string]gateway.Conversation{}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /resources", func(w http.ResponseWriter, r *http.Request) {
		var req gateway.PersistResourceRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		fb.mu.Lock()
		fb.persisted = append(fb.persisted, req)
		fb.mu.Unlock()
		writeJSON(w, gateway.IDResponse{ID: "res-1"})
	})
	mux.HandleFunc("GET /resources/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []gateway.ResourceHit{{ID: "r7", Title: "Calculus: " + r.URL.Query().Get("q")}})
	})
	mux.HandleFunc("POST /conversations", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		fb.creates++
		fail := fb.failCreate
		fb.mu.Unlock()
		if fail {
			http.Error(w, "database unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, gateway.IDResponse{ID: "conv-1"})
	})
	mux.HandleFunc("POST /conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var req gateway.AppendMessageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		fb.mu.Lock()
		fb.appends = append(fb.appends, req)
		fb.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		conv, ok := fb.histories[r.PathValue("id")]
		fb.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, conv)
	})
	mux.HandleFunc("GET /users/{userId}/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []gateway.ConversationSummary{
			{ID: "conv-1", Title: "What is due?"},
			{ID: "conv-0", Title: "Older chat"},
		})
	})
	mux.HandleFunc("POST /agent/invoke", func(w http.ResponseWriter, r *http.Request) {
		var req gateway.AgentInvokeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		fb.mu.Lock()
		fb.invokes = append(fb.invokes, req)
		fb.mu.Unlock()
		writeJSON(w, gateway.AgentInvokeResponse{
			Responses:   []gateway.AgentResponse{{Content: "Chapter 4 is due Friday."}},
			Suggestions: []gateway.Suggestion{{Text: "Make a study plan"}},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fb, srv
}

func (fb *fakeBackend) calls() (invokes []gateway.AgentInvokeRequest, appends []gateway.AppendMessageRequest, persisted, creates int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]gateway.AgentInvokeRequest(nil), fb.invokes...),
		append([]gateway.AppendMessageRequest(nil), fb.appends...),
		len(fb.persisted), fb.creates
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type testBot struct {
	cb    *ChatBot
	out   *lockedBuffer
	store *session.Store
}

func newTestBot(t *testing.T, serverURL, input string, mutate ...func(*config.Config)) *testBot {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.GatewayURL = serverURL
	cfg.UserID = "student-1"
	cfg.RevealDelay = 0
	for _, m := range mutate {
		m(&cfg)
	}

	db, err := telemetry.InitDB(filepath.Join(t.TempDir(), "studychat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	client := &http.Client{}
	t.Cleanup(client.CloseIdleConnections)
	gw, err := gateway.NewHTTPClient(serverURL, logger, gateway.WithHTTPClient(client))
	require.NoError(t, err)

	out := &lockedBuffer{}
	cb := newChatBot(cfg, parts{
		logger: logger,
		db:     db,
		gw:     gw,
		md:     plainMarkdown{},
		in:     strings.NewReader(input),
		out:    out,
	})
	return &testBot{cb: cb, out: out, store: session.NewStore(db)}
}

func TestRunTurnWithReference(t *testing.T) {
	fb, srv := newFakeBackend(t)
	bot := newTestBot(t, srv.URL, "/ref r1 Syllabus\nWhat is due?\n")

	require.NoError(t, bot.cb.Run(context.Background()))

	out := bot.out.String()
	assert.Contains(t, out, "Staged [1] Syllabus (file, persisted)")
	assert.Contains(t, out, "What is due?")
	assert.Contains(t, out, "Chapter 4 is due Friday.")
	assert.Contains(t, out, "[1] Make a study plan")

	invokes, appends, persisted, _ := fb.calls()
	require.Len(t, invokes, 1)
	assert.Equal(t, []string{"r1"}, invokes[0].ContextConfig.ResourceIDs)
	assert.Equal(t, "conv-1", invokes[0].SessionID)
	assert.Zero(t, persisted)
	require.Len(t, appends, 2)
	assert.Equal(t, []string{"r1"}, appends[0].AttachmentIDs)

	active, ok, err := bot.store.LoadActive(context.Background(), "student-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "conv-1", active.SessionID)
	assert.Equal(t, "What is due?", active.Title)
	assert.Equal(t, 0, bot.cb.stage.Len())
}

func TestSuggestionDraft(t *testing.T) {
	fb, srv := newFakeBackend(t)
	bot := newTestBot(t, srv.URL, "")
	defer bot.cb.Close()
	ctx := context.Background()

	assert.False(t, bot.cb.handleLine(ctx, "What is due?"))
	bot.cb.turns.Wait()

	bot.cb.handleLine(ctx, "/suggest 1")
	assert.Contains(t, bot.out.String(), "Draft: Make a study plan")
	bot.cb.handleLine(ctx, "/suggest 9")
	assert.Contains(t, bot.out.String(), "No suggestion 9.")

	bot.cb.handleLine(ctx, "   ")
	bot.cb.turns.Wait()

	invokes, _, _, creates := fb.calls()
	require.Len(t, invokes, 2)
	assert.Equal(t, "Make a study plan", invokes[1].Prompt)
	assert.Equal(t, 1, creates)

	// the draft is consumed
	bot.cb.handleLine(ctx, "")
	bot.cb.turns.Wait()
	invokes, _, _, _ = fb.calls()
	assert.Len(t, invokes, 2)
}

func TestRestoreActiveSession(t *testing.T) {
	fb, srv := newFakeBackend(t)
	fb.histories["conv-5"] = gateway.Conversation{History: []gateway.HistoryMessage{
		{Role: "user", Content: "Explain limits"},
		{Role: "assistant", Content: "A limit describes..."},
	}}
	bot := newTestBot(t, srv.URL, "And derivatives?\n")
	require.NoError(t, bot.store.SaveActive(context.Background(), session.Active{UserID: "student-1", SessionID: "conv-5"}))

	require.NoError(t, bot.cb.Run(context.Background()))

	out := bot.out.String()
	assert.Contains(t, out, "Resumed conversation conv-5.")
	assert.Contains(t, out, "A limit describes...")
	invokes, _, _, creates := fb.calls()
	assert.Equal(t, 0, creates)
	require.Len(t, invokes, 1)
	assert.Equal(t, "conv-5", invokes[0].SessionID)
}

func TestRestoreMissingSessionStartsFresh(t *testing.T) {
	_, srv := newFakeBackend(t)
	bot := newTestBot(t, srv.URL, "", func(c *config.Config) { c.SessionID = "gone" })
	require.NoError(t, bot.store.SaveActive(context.Background(), session.Active{UserID: "student-1", SessionID: "gone"}))

	require.NoError(t, bot.cb.Run(context.Background()))

	assert.Contains(t, bot.out.String(), "Could not resume conversation gone")
	_, ok, err := bot.store.LoadActive(context.Background(), "student-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, bot.cb.orch.Session().ID)
}

func TestNewCommandResets(t *testing.T) {
	fb, srv := newFakeBackend(t)
	bot := newTestBot(t, srv.URL, "")
	defer bot.cb.Close()
	ctx := context.Background()

	bot.cb.handleLine(ctx, "first question")
	bot.cb.turns.Wait()
	assert.Equal(t, "conv-1", bot.cb.orch.Session().ID)

	bot.cb.handleLine(ctx, "/ref r2")
	bot.cb.handleLine(ctx, "/new")
	assert.Empty(t, bot.cb.orch.Session().ID)
	assert.Equal(t, 0, bot.cb.stage.Len())
	assert.Contains(t, bot.out.String(), "new conversation")

	_, ok, err := bot.store.LoadActive(ctx, "student-1")
	require.NoError(t, err)
	assert.False(t, ok)

	bot.cb.handleLine(ctx, "second question")
	bot.cb.turns.Wait()
	_, _, _, creates := fb.calls()
	assert.Equal(t, 2, creates)
}

func TestSessionFailureNotice(t *testing.T) {
	fb, srv := newFakeBackend(t)
	fb.mu.Lock()
	fb.failCreate = true
	fb.mu.Unlock()
	bot := newTestBot(t, srv.URL, "Hello\n")

	require.NoError(t, bot.cb.Run(context.Background()))

	assert.Contains(t, bot.out.String(), "Could not start a conversation")
	invokes, appends, _, _ := fb.calls()
	assert.Empty(t, invokes)
	assert.Empty(t, appends)
	assert.False(t, bot.cb.orch.Busy())
}

func TestListingCommands(t *testing.T) {
	_, srv := newFakeBackend(t)
	bot := newTestBot(t, srv.URL, "")
	defer bot.cb.Close()
	ctx := context.Background()

	bot.cb.handleLine(ctx, "/sessions")
	out := bot.out.String()
	assert.Contains(t, out, "conv-1  What is due?")
	assert.Contains(t, out, "conv-0  Older chat")

	bot.cb.handleLine(ctx, "/search limits")
	assert.Contains(t, bot.out.String(), "r7  Calculus: limits")

	bot.cb.handleLine(ctx, "/search")
	assert.Contains(t, bot.out.String(), "Usage: /search <query>")
}

func TestSessionsFallsBackToLastKnownList(t *testing.T) {
	_, srv := newFakeBackend(t)
	bot := newTestBot(t, srv.URL, "")
	defer bot.cb.Close()

	bot.cb.setConversations([]gateway.ConversationSummary{{ID: "conv-3", Title: "Cached"}})
	srv.Close()

	bot.cb.handleLine(context.Background(), "/sessions")
	out := bot.out.String()
	assert.Contains(t, out, "Could not refresh")
	assert.Contains(t, out, "conv-3  Cached")
}

func TestRepeatedAttachmentUploadedEachTurn(t *testing.T) {
	fb, srv := newFakeBackend(t)
	bot := newTestBot(t, srv.URL, "")
	defer bot.cb.Close()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	for i := 0; i < 2; i++ {
		bot.cb.handleLine(ctx, "/attach "+path)
		bot.cb.handleLine(ctx, "Summarize")
		bot.cb.turns.Wait()
	}

	_, _, persisted, _ := fb.calls()
	assert.Equal(t, 2, persisted)
}

func TestCacheUploadsReusesRemoteID(t *testing.T) {
	fb, srv := newFakeBackend(t)
	bot := newTestBot(t, srv.URL, "", func(c *config.Config) { c.CacheUploads = true })
	defer bot.cb.Close()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	for i := 0; i < 2; i++ {
		bot.cb.handleLine(ctx, "/attach "+path)
		bot.cb.handleLine(ctx, "Summarize")
		bot.cb.turns.Wait()
	}

	invokes, _, persisted, _ := fb.calls()
	assert.Equal(t, 1, persisted)
	require.Len(t, invokes, 2)
	assert.Equal(t, []string{"res-1"}, invokes[1].ContextConfig.ResourceIDs)
}

func TestStagingCommands(t *testing.T) {
	_, srv := newFakeBackend(t)
	bot := newTestBot(t, srv.URL, "")
	defer bot.cb.Close()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# Week 1"), 0o600))

	bot.cb.handleLine(ctx, "/attach "+path)
	bot.cb.handleLine(ctx, "/ref r1 Syllabus")
	bot.cb.handleLine(ctx, "/ref r1 Syllabus")
	bot.cb.handleLine(ctx, "/staged")

	out := bot.out.String()
	assert.Contains(t, out, "Staged [1] notes.md")
	assert.Contains(t, out, "Syllabus is already staged.")
	assert.Contains(t, out, "[2] Syllabus (file, persisted)")
	assert.Equal(t, 2, bot.cb.stage.Len())

	bot.cb.handleLine(ctx, "/remove 1")
	assert.Equal(t, 1, bot.cb.stage.Len())
	bot.cb.handleLine(ctx, "/remove 5")
	assert.Contains(t, bot.out.String(), `No staged resource "5".`)

	id := bot.cb.stage.Snapshot()[0].LocalID
	bot.cb.handleLine(ctx, "/remove "+id)
	assert.Equal(t, 0, bot.cb.stage.Len())

	bot.cb.handleLine(ctx, "/attach "+filepath.Join(t.TempDir(), "missing.pdf"))
	assert.Contains(t, bot.out.String(), "Error:")
	bot.cb.handleLine(ctx, "/staged")
	assert.Contains(t, bot.out.String(), "Nothing staged.")
}

func TestQuitStopsReading(t *testing.T) {
	fb, srv := newFakeBackend(t)
	bot := newTestBot(t, srv.URL, "/bogus\n/quit\nHello\n")

	require.NoError(t, bot.cb.Run(context.Background()))

	out := bot.out.String()
	assert.Contains(t, out, "Unknown command /bogus")
	assert.Contains(t, out, "Goodbye!")
	invokes, _, _, _ := fb.calls()
	assert.Empty(t, invokes)
}

func TestRunStopsOnCancel(t *testing.T) {
	_, srv := newFakeBackend(t)
	pr, pw := io.Pipe()
	defer pw.Close()
	bot := newTestBot(t, srv.URL, "")
	bot.cb.in = pr

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, bot.cb.Run(ctx))
	assert.Contains(t, bot.out.String(), "Interrupted.")
}
