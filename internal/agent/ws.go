package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/ashureev/answerstream/internal/domain"
)

const wsWriteTimeout = 10 * time.Second

// wsMessage is a client frame. Plain text frames are treated as a chat message.
type wsMessage struct {
	Type     string `json:"type"`
	Message  string `json:"message,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
}

// HandleChatWS handles GET /api/chat/ws. Each incoming chat frame is answered
// with the same event sequence as the SSE endpoint, one JSON frame per event.
// Questions on a connection are answered one at a time.
func (h *Handler) HandleChatWS(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("threadId")
	if threadID == "" {
		threadID = uuid.NewString()
	}
	key := clientKey(r)
	h.logger.Info("WebSocket connection request", "thread_id", threadID, "ip", r.RemoteAddr)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.AllowedOrigins,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "thread_id", threadID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "thread_id", threadID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "thread_id", threadID)
			} else if !errors.Is(err, context.Canceled) {
				h.logger.Warn("WebSocket read error", "error", err, "thread_id", threadID)
			}
			return
		}

		msg := parseWSMessage(data)
		switch msg.Type {
		case "ping":
			h.writeWS(ctx, ws, map[string]string{"type": "pong"})
			continue
		case "chat":
		default:
			h.writeWS(ctx, ws, domain.NewErrorEvent("unknown message type", time.Now()))
			continue
		}

		if msg.ThreadID != "" {
			threadID = msg.ThreadID
		}
		req := ChatRequest{Message: msg.Message, ThreadID: threadID}
		if err := req.Validate(); err != nil {
			h.writeWS(ctx, ws, domain.NewErrorEvent(err.Error(), time.Now()))
			continue
		}
		if !h.rateLimiter.Allow(key) {
			h.writeWS(ctx, ws, domain.NewErrorEvent("rate limit exceeded", time.Now()))
			continue
		}
		h.metrics.ObserveChatRequest("ws")

		sink := func(ev domain.StreamEvent) error {
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			defer cancel()
			return wsjson.Write(writeCtx, ws, ev)
		}
		res, err := h.service.StreamAnswer(ctx, threadID, req.Message, sink)
		if err != nil {
			h.writeWS(ctx, ws, domain.NewErrorEvent(err.Error(), time.Now()))
			continue
		}
		h.metrics.ObserveChatResponse(res.Outcome.String())
		if res.Outcome == OutcomeCancelled {
			return
		}
	}
}

func parseWSMessage(data []byte) wsMessage {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil || (msg.Type == "" && msg.Message == "") {
		return wsMessage{Type: "chat", Message: strings.TrimSpace(string(data))}
	}
	if msg.Type == "" {
		msg.Type = "chat"
	}
	return msg
}

func (h *Handler) writeWS(ctx context.Context, ws *websocket.Conn, v any) {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, v); err != nil {
		h.logger.Debug("Failed to write WebSocket frame", "error", err)
	}
}
