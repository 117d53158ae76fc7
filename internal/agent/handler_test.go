package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/answerstream/internal/domain"
	"github.com/ashureev/answerstream/internal/mcp"
)

type fakeTools struct {
	result json.RawMessage
	err    error
	tool   string
}

func (f *fakeTools) CallTool(_ context.Context, tool string, _ any) (json.RawMessage, error) {
	f.tool = tool
	return f.result, f.err
}

func newTestRouter(t *testing.T, engine *fakeEngine, tools ToolCaller, cfg HandlerConfig) (http.Handler, *Service) {
	t.Helper()
	svc, _ := newTestService(t, engine, "")
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = 1000
		cfg.RateLimitBurst = 1000
	}
	h := NewHandler(svc, tools, nil, cfg, discardLogger)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r, svc
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	require.NoError(t, sc.Err())
	return events
}

func TestHandleChatStream(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakeEngine{steps: ragSteps()}, nil, HandlerConfig{})

	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(`{"message":"What is REST?","threadId":"t1"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "t1", w.Header().Get("X-Thread-Id"))

	events := parseSSE(t, w.Body.String())
	require.GreaterOrEqual(t, len(events), 5)
	assert.Equal(t, "start", events[0].name)
	assert.Equal(t, "complete", events[len(events)-1].name)

	var start domain.StartPayload
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &start))
	assert.Equal(t, "t1", start.ThreadID)
	assert.Equal(t, "Stream started", start.Message)

	var tokens strings.Builder
	for _, ev := range events {
		if ev.name != "token" {
			continue
		}
		var p domain.TokenPayload
		require.NoError(t, json.Unmarshal([]byte(ev.data), &p))
		tokens.WriteString(p.Content)
	}
	var complete domain.CompletePayload
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-1].data), &complete))
	assert.Equal(t, complete.FinalContent, tokens.String())
}

func TestHandleChatStream_UpstreamErrorIsAnEvent(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{steps: []fakeStep{{err: errors.New("secret internal detail")}}}
	router, _ := newTestRouter(t, engine, nil, HandlerConfig{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(`{"message":"hi there"}`)))

	require.Equal(t, http.StatusOK, w.Code)
	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, "error", events[1].name)
	assert.NotContains(t, w.Body.String(), "secret internal detail")
}

func TestHandleChatStream_DeletedThread(t *testing.T) {
	t.Parallel()
	router, svc := newTestRouter(t, &fakeEngine{steps: ragSteps()}, nil, HandlerConfig{})
	ctx := context.Background()
	_, err := svc.CreateThread(ctx, "t1", "")
	require.NoError(t, err)
	require.NoError(t, svc.DeleteThread(ctx, "t1"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(`{"message":"hi","threadId":"t1"}`)))

	assert.Equal(t, http.StatusGone, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
}

func TestHandleChat_Validation(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakeEngine{steps: ragSteps()}, nil, HandlerConfig{MaxRequestBodySize: 64})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"message":`, http.StatusBadRequest},
		{"missing message", `{}`, http.StatusBadRequest},
		{"blank message", `{"message":"   "}`, http.StatusBadRequest},
		{"too large", `{"message":"` + strings.Repeat("a", 100) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestHandleChat_JSON(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakeEngine{steps: ragSteps()}, nil, HandlerConfig{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"What is REST?"}`)))

	require.Equal(t, http.StatusOK, w.Code)
	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, answerMsg.Content, resp.Answer)
	assert.NotEmpty(t, resp.ThreadID)
}

func TestHandleChat_ErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		engine *fakeEngine
		want   int
	}{
		{"upstream", &fakeEngine{steps: []fakeStep{{err: errors.New("boom")}}}, http.StatusBadGateway},
		{"empty", &fakeEngine{steps: []fakeStep{{snap: snapshot(userMsg)}}}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			router, _ := newTestRouter(t, tt.engine, nil, HandlerConfig{})
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hi"}`)))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestHandleChat_RateLimited(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakeEngine{steps: ragSteps()}, nil, HandlerConfig{RateLimitPerMinute: 1, RateLimitBurst: 1})

	codes := make([]int, 0, 2)
	for range 2 {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hi"}`)))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestThreadRoutes(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{
		steps:   ragSteps(),
		history: map[string][]domain.Message{"t1": {userMsg, answerMsg}},
	}
	router, _ := newTestRouter(t, engine, nil, HandlerConfig{})

	do := func(method, path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
		return w
	}

	w := do(http.MethodPost, "/api/threads", `{"threadId":"t1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created domain.ThreadMetadata
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "t1", created.ThreadID)
	assert.Equal(t, 0, created.MessageCount)

	w = do(http.MethodPatch, "/api/threads/t1", `{"name":"REST questions"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(http.MethodGet, "/api/threads/search?q=rest", "")
	require.Equal(t, http.StatusOK, w.Code)
	var found []domain.ThreadMetadata
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &found))
	require.Len(t, found, 1)
	assert.Equal(t, "REST questions", found[0].Name)

	w = do(http.MethodGet, "/api/threads/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats domain.ThreadStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Total)

	w = do(http.MethodGet, "/api/threads/t1/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Messages []domain.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history.Messages, 2)

	assert.Equal(t, http.StatusNoContent, do(http.MethodDelete, "/api/threads/t1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodDelete, "/api/threads/t1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/api/threads/t1", "").Code)
	assert.Equal(t, http.StatusGone, do(http.MethodGet, "/api/threads/t1/history", "").Code)
	assert.Equal(t, http.StatusGone, do(http.MethodPost, "/api/threads", `{"threadId":"t1"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPatch, "/api/threads/t2", `{"name":""}`).Code)

	w = do(http.MethodGet, "/api/threads", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestStreamRoutes(t *testing.T) {
	t.Parallel()
	router, svc := newTestRouter(t, &fakeEngine{steps: ragSteps()}, nil, HandlerConfig{})
	svc.Monitor().StartStream("s1", "t1")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/streams", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var conns []domain.StreamConnection
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conns))
	require.Len(t, conns, 1)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/streams/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var m domain.StreamMetrics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, 1, m.Active)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/streams/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleToolCall(t *testing.T) {
	t.Parallel()
	tools := &fakeTools{result: json.RawMessage(`{"hits":2}`)}
	router, _ := newTestRouter(t, &fakeEngine{}, tools, HandlerConfig{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/mcp/search", strings.NewReader(`{"query":"REST"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"hits":2}`, w.Body.String())
	assert.Equal(t, "search", tools.tool)

	tools.err = mcp.ErrToolFailed
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/mcp/search", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHandleToolCall_NotConfigured(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakeEngine{}, nil, HandlerConfig{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/mcp/search", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
