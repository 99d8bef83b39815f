package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/llamachat/internal/ai"
	"github.com/suPer8Hu/llamachat/internal/auth"
	"github.com/suPer8Hu/llamachat/internal/chat"
	"github.com/suPer8Hu/llamachat/internal/httpapi/handlers"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fragmentProvider struct {
	fragments []string
}

func (p fragmentProvider) Chat(ctx context.Context, messages []ai.Message, opts ai.Options) (string, error) {
	return strings.Join(p.fragments, ""), nil
}

func (p fragmentProvider) StreamChat(ctx context.Context, messages []ai.Message, opts ai.Options) (<-chan string, <-chan error) {
	chunks := make(chan string, len(p.fragments))
	errs := make(chan error, 1)
	for _, f := range p.fragments {
		chunks <- f
	}
	close(chunks)
	close(errs)
	return chunks, errs
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []string
}

func (q *fakeQueue) PublishTurn(ctx context.Context, jobID string, conversationID uint64) error {
	q.mu.Lock()
	q.jobs = append(q.jobs, jobID)
	q.mu.Unlock()
	return nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestRouter(t *testing.T, secret string, queue handlers.TurnQueue) (*gin.Engine, *chat.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(chat.Models()...))

	svc := chat.NewService(chat.NewRepo(db), chat.Settings{}, nil)
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return fragmentProvider{fragments: []string{"Hel", "lo!"}}, nil
	})
	coord := chat.NewCoordinator(svc, reg, nil, chat.CoordinatorConfig{Provider: "fake", BatchSize: 1}, nil)

	h := handlers.NewHandler(coord, queue, nil, zap.NewNop())
	return NewRouter(h, secret, zap.NewNop()), svc
}

func do(r http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func TestPingAndRequestID(t *testing.T) {
	r, _ := newTestRouter(t, "", nil)

	w := do(r, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = do(r, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40400, decode(t, w).Code)
}

func TestConversationCRUD(t *testing.T) {
	r, _ := newTestRouter(t, "", nil)

	w := do(r, http.MethodPost, "/conversations", `{}`)
	require.Equal(t, http.StatusOK, w.Code)
	var created struct {
		Conversation chat.Conversation `json:"conversation"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &created))
	assert.Equal(t, chat.DefaultTitle, created.Conversation.Title)

	path := "/conversations/" + jsonNumber(created.Conversation.ID)
	w = do(r, http.MethodPatch, path, `{"title":"Trip plans"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Trip plans")

	w = do(r, http.MethodGet, "/conversations", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Trip plans")

	w = do(r, http.MethodDelete, path, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/conversations/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessageStream(t *testing.T) {
	r, svc := newTestRouter(t, "", nil)
	conv, err := svc.CreateConversation(context.Background(), "Demo")
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/conversations/"+jsonNumber(conv.ID)+"/messages/stream", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "event: message\ndata: {\"text\":\"hi\",\"turn\":0}")
	assert.Contains(t, body, "event: message\ndata: {\"text\":\"Hello!\",\"turn\":1}")
	assert.Contains(t, body, "event: done")
	assert.Contains(t, body, `"state":"completed"`)
	assert.NotContains(t, body, "event: error")

	msgs, err := svc.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello!", msgs[1].Content)
}

func TestSendMessageStream_UnknownConversation(t *testing.T) {
	r, _ := newTestRouter(t, "", nil)

	w := do(r, http.MethodPost, "/conversations/99/messages/stream", `{"message":"hi"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40401, decode(t, w).Code)
}

func TestSendMessageAsync(t *testing.T) {
	q := &fakeQueue{}
	r, svc := newTestRouter(t, "", q)
	conv, err := svc.CreateConversation(context.Background(), "Demo")
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/conversations/"+jsonNumber(conv.ID)+"/messages/async", `{"message":"later"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var data struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &data))
	require.Len(t, q.jobs, 1)
	assert.Equal(t, data.JobID, q.jobs[0])

	w = do(r, http.MethodGet, "/jobs/"+data.JobID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"queued"`)

	w = do(r, http.MethodGet, "/jobs/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendMessageAsync_BlankMessage(t *testing.T) {
	q := &fakeQueue{}
	r, svc := newTestRouter(t, "", q)
	conv, err := svc.CreateConversation(context.Background(), "Demo")
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/conversations/"+jsonNumber(conv.ID)+"/messages/async", `{"message":"  \n\t "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, q.jobs)

	msgs, err := svc.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendMessageAsync_NotConfigured(t *testing.T) {
	r, svc := newTestRouter(t, "", nil)
	conv, err := svc.CreateConversation(context.Background(), "Demo")
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/conversations/"+jsonNumber(conv.ID)+"/messages/async", `{"message":"later"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSettings(t *testing.T) {
	r, _ := newTestRouter(t, "", nil)

	w := do(r, http.MethodGet, "/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"model_name":"llama3.2"`)

	w = do(r, http.MethodPut, "/settings", `{"temperature":1.5,"max_tokens":512}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"temperature":1.5`)
	assert.Contains(t, w.Body.String(), `"max_tokens":512`)

	w = do(r, http.MethodPut, "/settings", `{"temperature":9}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReady_ColdIsUnavailable(t *testing.T) {
	r, _ := newTestRouter(t, "", nil)

	w := do(r, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"cold"`)
}

func TestAuthRequired(t *testing.T) {
	r, _ := newTestRouter(t, "s3cret", nil)

	w := do(r, http.MethodGet, "/conversations", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodGet, "/conversations", "", "Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tok, err := auth.IssueToken("s3cret", "test", time.Hour)
	require.NoError(t, err)
	w = do(r, http.MethodGet, "/conversations", "", "Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusOK, w.Code)

	// liveness stays open
	w = do(r, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func jsonNumber(id uint64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
