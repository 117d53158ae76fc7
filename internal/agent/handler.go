package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ashureev/answerstream/internal/api"
	"github.com/ashureev/answerstream/internal/domain"
	"github.com/ashureev/answerstream/internal/mcp"
	"github.com/ashureev/answerstream/internal/metrics"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// ToolCaller forwards a tool invocation to the MCP tool server.
type ToolCaller interface {
	CallTool(ctx context.Context, tool string, payload any) (json.RawMessage, error)
}

// HandlerConfig holds transport settings.
type HandlerConfig struct {
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
	RateLimitPerMinute int
	RateLimitBurst     int
	// AllowedOrigins are host patterns accepted by the WebSocket endpoint.
	AllowedOrigins []string
}

// Handler serves the chat, thread, stream and tool endpoints.
type Handler struct {
	service     *Service
	tools       ToolCaller
	metrics     *metrics.Metrics
	rateLimiter *RateLimiter
	cfg         HandlerConfig
	logger      *slog.Logger
}

// NewHandler creates a handler. tools and m may be nil.
func NewHandler(service *Service, tools ToolCaller, m *metrics.Metrics, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 10 * time.Second
	}
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return &Handler{
		service:     service,
		tools:       tools,
		metrics:     m,
		rateLimiter: NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst),
		cfg:         cfg,
		logger:      logger,
	}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/", h.HandleChat)
		r.Post("/stream", h.HandleChatStream)
		r.Get("/ws", h.HandleChatWS)
	})
	r.Route("/api/threads", func(r chi.Router) {
		r.Post("/", h.HandleCreateThread)
		r.Get("/", h.HandleListThreads)
		r.Get("/stats", h.HandleThreadStats)
		r.Get("/search", h.HandleSearchThreads)
		r.Get("/{threadID}", h.HandleGetThread)
		r.Patch("/{threadID}", h.HandleRenameThread)
		r.Delete("/{threadID}", h.HandleDeleteThread)
		r.Get("/{threadID}/history", h.HandleHistory)
	})
	r.Route("/api/streams", func(r chi.Router) {
		r.Get("/", h.HandleActiveStreams)
		r.Get("/metrics", h.HandleStreamMetrics)
		r.Get("/{streamID}", h.HandleGetStream)
	})
	r.Post("/api/mcp/{tool}", h.HandleToolCall)
}

// HandleChatStream handles POST /api/chat/stream and replies with SSE.
func (h *Handler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	var req ChatRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.metrics.ObserveChatRequest("sse")

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	sse, err := newSSEWriter(w, threadID)
	if err != nil {
		api.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info("Chat stream request",
		"thread_id", threadID,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Message),
	)

	stopKeepAlive := sse.runKeepAlive(r.Context(), h.cfg.KeepaliveInterval, h.logger)
	res, err := h.service.StreamAnswer(r.Context(), threadID, req.Message, sse.Send)
	stopKeepAlive()

	if err != nil {
		// Rejected before any event was written.
		h.writeServiceError(w, err)
		return
	}
	h.metrics.ObserveChatResponse(res.Outcome.String())
}

// HandleChat handles POST /api/chat and replies with the whole answer.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	var req ChatRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.metrics.ObserveChatRequest("json")

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	answer, err := h.service.Answer(r.Context(), threadID, req.Message)
	if err != nil {
		h.metrics.ObserveChatResponse(outcomeOf(err))
		h.writeServiceError(w, err)
		return
	}
	h.metrics.ObserveChatResponse(OutcomeComplete.String())
	w.Header().Set("X-Thread-Id", threadID)
	api.JSON(w, http.StatusOK, ChatResponse{Answer: answer, ThreadID: threadID})
}

// HandleCreateThread handles POST /api/threads.
func (h *Handler) HandleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req CreateThreadRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	t, err := h.service.CreateThread(r.Context(), req.ThreadID, req.Name)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.JSON(w, http.StatusCreated, t)
}

// HandleListThreads handles GET /api/threads.
func (h *Handler) HandleListThreads(w http.ResponseWriter, _ *http.Request) {
	api.JSON(w, http.StatusOK, h.service.ListThreads())
}

// HandleThreadStats handles GET /api/threads/stats.
func (h *Handler) HandleThreadStats(w http.ResponseWriter, _ *http.Request) {
	api.JSON(w, http.StatusOK, h.service.ThreadStats())
}

// HandleSearchThreads handles GET /api/threads/search?q=.
func (h *Handler) HandleSearchThreads(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, h.service.SearchThreads(r.URL.Query().Get("q")))
}

// HandleGetThread handles GET /api/threads/{threadID}.
func (h *Handler) HandleGetThread(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.GetThread(chi.URLParam(r, "threadID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, t)
}

// HandleRenameThread handles PATCH /api/threads/{threadID}.
func (h *Handler) HandleRenameThread(w http.ResponseWriter, r *http.Request) {
	var req RenameThreadRequest
	if !h.decode(w, r, &req) {
		return
	}
	t, err := h.service.RenameThread(r.Context(), chi.URLParam(r, "threadID"), req.Name)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, t)
}

// HandleDeleteThread handles DELETE /api/threads/{threadID}.
func (h *Handler) HandleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteThread(r.Context(), chi.URLParam(r, "threadID")); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleHistory handles GET /api/threads/{threadID}/history.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	messages, err := h.service.History(r.Context(), threadID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	api.JSON(w, http.StatusOK, map[string]any{"threadId": threadID, "messages": messages})
}

// HandleActiveStreams handles GET /api/streams.
func (h *Handler) HandleActiveStreams(w http.ResponseWriter, _ *http.Request) {
	api.JSON(w, http.StatusOK, h.service.Monitor().ActiveConnections())
}

// HandleStreamMetrics handles GET /api/streams/metrics.
func (h *Handler) HandleStreamMetrics(w http.ResponseWriter, _ *http.Request) {
	api.JSON(w, http.StatusOK, h.service.Monitor().Metrics())
}

// HandleGetStream handles GET /api/streams/{streamID}.
func (h *Handler) HandleGetStream(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.service.Monitor().Connection(chi.URLParam(r, "streamID"))
	if !ok {
		api.Error(w, http.StatusNotFound, "stream not found")
		return
	}
	api.JSON(w, http.StatusOK, conn)
}

// HandleToolCall handles POST /api/mcp/{tool}.
func (h *Handler) HandleToolCall(w http.ResponseWriter, r *http.Request) {
	if h.tools == nil {
		api.Error(w, http.StatusNotImplemented, "tool server not configured")
		return
	}
	var payload map[string]any
	if r.ContentLength != 0 && !h.decodeRaw(w, r, &payload) {
		return
	}
	tool := chi.URLParam(r, "tool")
	result, err := h.tools.CallTool(r.Context(), tool, payload)
	if err != nil {
		h.logger.Warn("Tool call failed", "tool", tool, "error", err)
		h.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result); err != nil {
		h.logger.Debug("failed to write tool result", "tool", tool, "error", err)
	}
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request) bool {
	if h.rateLimiter.Allow(clientKey(r)) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

type validatable interface {
	Validate() error
}

// decode reads a JSON body into v and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v validatable) bool {
	if !h.decodeRaw(w, r, v) {
		return false
	}
	if err := v.Validate(); err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *Handler) decodeRaw(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrThreadDeleted):
		api.Error(w, http.StatusGone, "thread was deleted")
	case errors.Is(err, domain.ErrThreadNotFound):
		api.Error(w, http.StatusNotFound, "thread not found")
	case errors.Is(err, domain.ErrTimeout):
		api.Error(w, http.StatusGatewayTimeout, msgTimeout)
	case errors.Is(err, domain.ErrEmptyResponse):
		api.Error(w, http.StatusBadGateway, msgEmpty)
	case errors.Is(err, domain.ErrUpstream):
		api.Error(w, http.StatusBadGateway, msgUpstream)
	case errors.Is(err, mcp.ErrToolFailed):
		api.Error(w, http.StatusBadGateway, "tool call failed")
	case errors.Is(err, domain.ErrCancelled), errors.Is(err, context.Canceled):
		// The client is gone; nobody reads the reply.
		h.logger.Debug("request cancelled", "error", err)
	default:
		h.logger.Error("unexpected service error", "error", err)
		api.Error(w, http.StatusInternalServerError, "internal error")
	}
}

func outcomeOf(err error) string {
	if errors.Is(err, domain.ErrCancelled) {
		return OutcomeCancelled.String()
	}
	return OutcomeError.String()
}
