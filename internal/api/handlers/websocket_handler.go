package handlers

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/csv-insight/backend/internal/conversation"
	"github.com/csv-insight/backend/internal/middleware/validation"
	"github.com/csv-insight/backend/pkg/logger"
)

type WebSocketHandler struct {
	sessions          *conversation.Manager
	orchestrator      *conversation.Orchestrator
	maxQuestionLength int
}

func NewWebSocketHandler(sessions *conversation.Manager, orchestrator *conversation.Orchestrator, maxQuestionLength int) *WebSocketHandler {
	return &WebSocketHandler{
		sessions:          sessions,
		orchestrator:      orchestrator,
		maxQuestionLength: maxQuestionLength,
	}
}

type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// HandleConnection streams answers for one session. Each {"type":"question"}
// message produces "status", zero or more "chunk" and then a "complete" or
// "error" message.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	sessionID := c.Params("id")
	log := logger.GetLogger().With(zap.String("session_id", sessionID))
	log.Info("WebSocket connection established")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Close()
		log.Info("WebSocket connection closed")
	}()

	s, err := h.sessions.Get(sessionID)
	if err != nil {
		h.sendError(c, "", "Session not found")
		return
	}

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			log.Debug("WebSocket read ended", zap.Error(err))
			return
		}

		if msg.Type != "question" {
			continue
		}

		question, status, reason := validation.CheckQuestion(msg.Content, h.maxQuestionLength)
		if status != 0 {
			h.sendError(c, "", reason)
			continue
		}

		if err := h.streamAnswer(ctx, c, s, question); err != nil {
			log.Error("Failed to stream answer", zap.Error(err))
			return
		}
	}
}

// streamAnswer returns an error only when the socket itself failed. A failed
// write cancels the question, so the turn is discarded.
func (h *WebSocketHandler) streamAnswer(ctx context.Context, c *websocket.Conn, s *conversation.Session, question string) error {
	if err := h.send(c, "status", "Retrieving context..."); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeErr error
	ans, err := h.orchestrator.AskStream(ctx, s, question, func(delta string) {
		if writeErr != nil {
			return
		}
		if writeErr = h.send(c, "chunk", delta); writeErr != nil {
			cancel()
		}
	})
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		_, stage, msg := askFailure(err)
		h.sendError(c, stage, msg)
		return nil
	}

	return c.WriteJSON(map[string]interface{}{
		"type":           "complete",
		"turn_id":        ans.TurnID,
		"chunk_ids":      ans.ChunkIDs,
		"cached":         ans.Cached,
		"degraded":       ans.Degraded,
		"notice":         ans.Notice,
		"context_tokens": ans.ContextTokens,
		"latency_ms":     ans.LatencyMS,
	})
}

func (h *WebSocketHandler) send(c *websocket.Conn, msgType, content string) error {
	return c.WriteJSON(map[string]interface{}{
		"type":    msgType,
		"content": content,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, stage conversation.Stage, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}
	if stage != "" {
		msg["stage"] = stage
	}
	_ = c.WriteJSON(msg)
}
