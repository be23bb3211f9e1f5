package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/csv-insight/backend/internal/conversation"
	"github.com/csv-insight/backend/internal/ingestion"
	"github.com/csv-insight/backend/internal/storage/models"
	"github.com/csv-insight/backend/pkg/logger"
)

// TurnHistory reads the persisted query log.
type TurnHistory interface {
	QueryHistory(ctx context.Context, sessionID string, limit int) ([]models.TurnRecord, error)
}

type SessionHandler struct {
	sessions     *conversation.Manager
	orchestrator *conversation.Orchestrator
	processor    *ingestion.Processor
	history      TurnHistory
}

// NewSessionHandler serves conversation sessions. history may be nil.
func NewSessionHandler(sessions *conversation.Manager, orchestrator *conversation.Orchestrator, processor *ingestion.Processor, history TurnHistory) *SessionHandler {
	return &SessionHandler{
		sessions:     sessions,
		orchestrator: orchestrator,
		processor:    processor,
		history:      history,
	}
}

func (h *SessionHandler) Create(c *fiber.Ctx) error {
	var req struct {
		Datasets []string `json:"datasets"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if len(req.Datasets) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "At least one dataset is required"})
	}
	if missing, ok := h.processor.Has(req.Datasets); !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":       "Dataset not found",
			"fingerprint": missing,
		})
	}

	s := h.sessions.Create(req.Datasets)
	logger.Info("Session created", zap.String("session_id", s.ID), zap.Strings("datasets", s.Datasets))

	return c.Status(fiber.StatusCreated).JSON(sessionBody(s))
}

func (h *SessionHandler) List(c *fiber.Ctx) error {
	sessions := h.sessions.List()
	out := make([]fiber.Map, len(sessions))
	for i, s := range sessions {
		out[i] = sessionBody(s)
	}
	return c.JSON(fiber.Map{"sessions": out})
}

// Ask answers one question. The validation middleware stores the sanitized
// question in Locals; without it the body is parsed here.
func (h *SessionHandler) Ask(c *fiber.Ctx) error {
	s, err := h.sessions.Get(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Session not found"})
	}

	question, _ := c.Locals("question").(string)
	if question == "" {
		var req struct {
			Question string `json:"question"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
		question = req.Question
	}

	ans, err := h.orchestrator.Ask(c.UserContext(), s, question)
	if err != nil {
		status, stage, msg := askFailure(err)
		logger.Error("Failed to answer question",
			zap.String("session_id", s.ID),
			zap.String("stage", string(stage)),
			zap.Error(err),
		)
		return stageError(c, status, stage, msg)
	}

	return c.JSON(ans)
}

func (h *SessionHandler) Turns(c *fiber.Ctx) error {
	s, err := h.sessions.Get(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Session not found"})
	}
	return c.JSON(fiber.Map{
		"session_id": s.ID,
		"state":      s.State(),
		"turns":      s.Turns(),
	})
}

// History returns the logged turns of a session, including turns from
// before a reset.
func (h *SessionHandler) History(c *fiber.Ctx) error {
	if h.history == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "Query log is not configured"})
	}
	limit, err := strconv.Atoi(c.Query("limit", "100"))
	if err != nil || limit <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must be a positive integer"})
	}

	records, err := h.history.QueryHistory(c.UserContext(), c.Params("id"), limit)
	if err != nil {
		logger.Error("Failed to read query log", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to read history"})
	}

	out := make([]fiber.Map, len(records))
	for i, r := range records {
		out[i] = fiber.Map{
			"id":         r.ID,
			"question":   r.Question,
			"answer":     r.Answer,
			"chunk_ids":  r.ChunkIDs,
			"degraded":   r.Degraded,
			"cached":     r.Cached,
			"latency_ms": r.LatencyMS,
			"created_at": r.CreatedAt.UnixMilli(),
		}
	}
	return c.JSON(fiber.Map{"history": out})
}

// Reset clears a session's conversation history but keeps its datasets.
func (h *SessionHandler) Reset(c *fiber.Ctx) error {
	if err := h.sessions.Reset(c.Params("id")); err != nil {
		if errors.Is(err, conversation.ErrSessionNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Session not found"})
		}
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func sessionBody(s *conversation.Session) fiber.Map {
	return fiber.Map{
		"id":         s.ID,
		"datasets":   s.Datasets,
		"state":      s.State(),
		"turns":      len(s.Turns()),
		"created_at": s.CreatedAt.Unix(),
	}
}
