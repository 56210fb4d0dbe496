package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"taskmate/internal/config"
	"taskmate/internal/models"
	"taskmate/internal/service/ai"
	"taskmate/internal/service/apikeys"
	"taskmate/internal/service/tasks"
	"taskmate/internal/storage"
	"taskmate/internal/worker"
)

func TestHealthAndRoot(t *testing.T) {
	router, _ := newTestServer(t, []string{"key-a-0000000000"})

	resp := doJSONRequest(t, router, http.MethodGet, "/health", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var health map[string]string
	decodeJSON(t, resp.Body.Bytes(), &health)
	if health["status"] != "healthy" {
		t.Fatalf("unexpected health body: %v", health)
	}

	resp = doJSONRequest(t, router, http.MethodGet, "/", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), "AI Task Manager API") {
		t.Fatalf("unexpected root body: %s", resp.Body.String())
	}
}

func TestTaskCRUD(t *testing.T) {
	router, _ := newTestServer(t, []string{"key-a-0000000000"})

	resp := doJSONRequest(t, router, http.MethodPost, "/api/tasks", map[string]any{
		"title":    "buy milk",
		"priority": "high",
		"due_date": "2026-10-20",
	}, nil)
	assertStatus(t, resp, http.StatusCreated)
	var created models.Task
	decodeJSON(t, resp.Body.Bytes(), &created)
	if created.TaskNumber != 1 || created.Status != models.StatusTodo || created.Priority != models.PriorityHigh {
		t.Fatalf("unexpected created task: %+v", created)
	}
	if created.DueDate == nil || created.DueDate.Format("2006-01-02") != "2026-10-20" {
		t.Fatalf("due date not stored: %+v", created.DueDate)
	}

	resp = doJSONRequest(t, router, http.MethodPatch, "/api/tasks/1", map[string]any{"status": "done"}, nil)
	assertStatus(t, resp, http.StatusOK)
	var updated models.Task
	decodeJSON(t, resp.Body.Bytes(), &updated)
	if updated.Status != models.StatusDone || updated.Title != "buy milk" {
		t.Fatalf("unexpected updated task: %+v", updated)
	}

	resp = doJSONRequest(t, router, http.MethodGet, "/api/tasks?status=done", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var list []models.Task
	decodeJSON(t, resp.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Fatalf("expected 1 done task, got %d", len(list))
	}

	resp = doJSONRequest(t, router, http.MethodDelete, "/api/tasks/1", nil, nil)
	assertStatus(t, resp, http.StatusNoContent)

	resp = doJSONRequest(t, router, http.MethodGet, "/api/tasks/1", nil, nil)
	assertStatus(t, resp, http.StatusNotFound)

	resp = doJSONRequest(t, router, http.MethodGet, "/api/tasks", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	if strings.TrimSpace(resp.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", resp.Body.String())
	}
}

func TestTaskValidation(t *testing.T) {
	router, _ := newTestServer(t, []string{"key-a-0000000000"})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing title", http.MethodPost, "/api/tasks", map[string]any{"priority": "low"}, http.StatusBadRequest},
		{"bad priority", http.MethodPost, "/api/tasks", map[string]any{"title": "x", "priority": "whenever"}, http.StatusBadRequest},
		{"bad date", http.MethodPost, "/api/tasks", map[string]any{"title": "x", "due_date": "soon"}, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/api/tasks/abc", nil, http.StatusBadRequest},
		{"bad filter", http.MethodGet, "/api/tasks?status=sleeping", nil, http.StatusBadRequest},
		{"empty patch", http.MethodPatch, "/api/tasks/1", map[string]any{}, http.StatusBadRequest},
		{"unknown task", http.MethodDelete, "/api/tasks/42", nil, http.StatusNotFound},
	}
	doJSONRequest(t, router, http.MethodPost, "/api/tasks", map[string]any{"title": "seed"}, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertStatus(t, doJSONRequest(t, router, tt.method, tt.path, tt.body, nil), tt.want)
		})
	}
}

func TestKeyStatusMasksKeys(t *testing.T) {
	router, _ := newTestServer(t, []string{"AIzaSyD-secret-key-1", "AIzaSyD-secret-key-2"})

	resp := doJSONRequest(t, router, http.MethodGet, "/api/keys/status", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	if strings.Contains(resp.Body.String(), "secret-key") {
		t.Fatalf("status report leaked a key: %s", resp.Body.String())
	}
	var report apikeys.StatusReport
	decodeJSON(t, resp.Body.Bytes(), &report)
	if report.Total != 2 || report.Active != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestChatPost(t *testing.T) {
	router, turns := newTestServer(t, []string{"key-a-0000000000"})
	turns.result = &ai.TurnResult{Reply: "I've added 'buy milk' as Task 1."}

	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{
		"message": "Create a task to buy milk",
		"history": []map[string]string{
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "Hello!"},
			{"role": "system", "content": "ignored"},
		},
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	var reply models.ChatReply
	decodeJSON(t, resp.Body.Bytes(), &reply)
	if reply.Type != models.ReplyTypeAgent || !reply.Done || reply.Message != "I've added 'buy milk' as Task 1." {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if resp.Header().Get("X-Conversation-ID") == "" {
		t.Fatalf("conversation id header missing")
	}

	history := turns.lastHistory()
	if len(history) != 3 {
		t.Fatalf("expected 3 history messages, got %d", len(history))
	}
	if history[2].Role != schema.User || history[2].Content != "Create a task to buy milk" {
		t.Fatalf("new message not appended last: %+v", history[2])
	}
}

func TestChatPostErrors(t *testing.T) {
	router, turns := newTestServer(t, []string{"key-a-0000000000"})

	turns.result = &ai.TurnResult{Reply: apikeys.MsgQuota, ErrorType: models.ErrorTypeQuota}
	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{"message": "hi"}, nil)
	assertStatus(t, resp, http.StatusOK)
	var reply models.ChatReply
	decodeJSON(t, resp.Body.Bytes(), &reply)
	if reply.Type != models.ReplyTypeError || reply.ErrorType != models.ErrorTypeQuota || reply.Message != apikeys.MsgQuota {
		t.Fatalf("unexpected quota reply: %+v", reply)
	}

	turns.result, turns.err = nil, worker.ErrDispatcherBusy
	resp = doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{"message": "hi"}, nil)
	assertStatus(t, resp, http.StatusTooManyRequests)
	decodeJSON(t, resp.Body.Bytes(), &reply)
	if reply.ErrorType != models.ErrorTypeAgent {
		t.Fatalf("unexpected busy reply: %+v", reply)
	}

	resp = doJSONRequest(t, router, http.MethodPost, "/api/chat", nil, nil)
	assertStatus(t, resp, http.StatusBadRequest)

	noKeys, _ := newTestServer(t, nil)
	resp = doJSONRequest(t, noKeys, http.MethodPost, "/api/chat", map[string]any{"message": "hi"}, nil)
	assertStatus(t, resp, http.StatusServiceUnavailable)
}

func TestChatSocket(t *testing.T) {
	router, turns := newTestServer(t, []string{"key-a-0000000000"})
	turns.result = &ai.TurnResult{Reply: "Great! Task deleted successfully: 'buy milk'"}
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn := dialChat(t, srv)
	defer conn.Close()

	// Garbage frames get an error and the socket stays open.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var errFrame map[string]string
	readFrame(t, conn, &errFrame)
	if errFrame["error"] != "invalid message" {
		t.Fatalf("unexpected error frame: %v", errFrame)
	}

	for i := 0; i < 2; i++ {
		if err := conn.WriteJSON(models.ChatRequest{Message: "Delete task 1"}); err != nil {
			t.Fatalf("write: %v", err)
		}
		var reply models.ChatReply
		readFrame(t, conn, &reply)
		if reply.Type != models.ReplyTypeAgent || !reply.Done || reply.Message != "Great! Task deleted successfully: 'buy milk'" {
			t.Fatalf("unexpected reply: %+v", reply)
		}
	}

	ids := turns.conversationIDs()
	if len(ids) != 2 || ids[0] != ids[1] || ids[0] == "" {
		t.Fatalf("turns of one socket should share a conversation id: %v", ids)
	}
}

func TestChatSocketDisconnectCancelsTurn(t *testing.T) {
	router, turns := newTestServer(t, []string{"key-a-0000000000"})
	turns.hold = true
	turns.started = make(chan struct{}, 1)
	turns.stopped = make(chan error, 1)
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn := dialChat(t, srv)
	if err := conn.WriteJSON(models.ChatRequest{Message: "List my tasks"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-turns.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("turn never started")
	}

	conn.Close()

	// well inside the 5s turn timeout
	select {
	case err := <-turns.stopped:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("turn kept running after the client left")
	}
}

func TestChatSocketWithoutKeysCloses(t *testing.T) {
	router, _ := newTestServer(t, nil)
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn := dialChat(t, srv)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Fatalf("expected close 1011, got %v", err)
	}
}

func TestOriginCheck(t *testing.T) {
	router, _ := newTestServer(t, []string{"key-a-0000000000"})

	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("preflight not answered: %d %v", rec.Code, rec.Header())
	}

	srv := httptest.NewServer(router)
	defer srv.Close()
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err == nil {
		t.Fatalf("expected foreign origin to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}
}

type fakeTurns struct {
	mu      sync.Mutex
	result  *ai.TurnResult
	err     error
	calls   []string
	history [][]*schema.Message

	// when hold is set, Submit signals started and waits for ctx to end,
	// reporting the cause on stopped
	hold    bool
	started chan struct{}
	stopped chan error
}

func (f *fakeTurns) Submit(ctx context.Context, conversationID string, history []*schema.Message) (*ai.TurnResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, conversationID)
	f.history = append(f.history, history)
	hold, result, err := f.hold, f.result, f.err
	f.mu.Unlock()

	if hold {
		f.started <- struct{}{}
		<-ctx.Done()
		f.stopped <- ctx.Err()
		return nil, ctx.Err()
	}
	return result, err
}

func (f *fakeTurns) CancelConversation(string) {}

func (f *fakeTurns) lastHistory() []*schema.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.history) == 0 {
		return nil
	}
	return f.history[len(f.history)-1]
}

func (f *fakeTurns) conversationIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestServer(t *testing.T, keys []string) (*gin.Engine, *fakeTurns) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.Open(config.DatabaseConfig{Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "api.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	taskSvc, err := tasks.NewService(db, "sqlite3", zap.NewNop())
	if err != nil {
		t.Fatalf("task service: %v", err)
	}

	turns := &fakeTurns{result: &ai.TurnResult{Reply: "ok"}}
	handler := NewHandler(taskSvc, turns, apikeys.NewManager(keys, zap.NewNop()), Options{
		CORSOrigins: []string{"http://localhost:3000"},
		TurnTimeout: 5 * time.Second,
	})
	return handler.NewRouter(), turns
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws"
}

func dialChat(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial chat: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(v); err != nil {
		t.Fatalf("read frame: %v", err)
	}
}
