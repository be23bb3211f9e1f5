package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/csv-insight/backend/internal/analysis"
	"github.com/csv-insight/backend/internal/conversation"
	"github.com/csv-insight/backend/internal/llm"
)

// stageError builds the JSON body for a failure the user should see, naming
// the stage that failed.
func stageError(c *fiber.Ctx, status int, stage conversation.Stage, msg string) error {
	body := fiber.Map{"error": msg}
	if stage != "" {
		body["stage"] = stage
	}
	return c.Status(status).JSON(body)
}

// askFailure maps an Ask error to a status, stage and message.
func askFailure(err error) (int, conversation.Stage, string) {
	var stage conversation.Stage
	var serr *conversation.StageError
	if errors.As(err, &serr) {
		stage = serr.Stage
	}

	switch {
	case errors.Is(err, conversation.ErrEmptyQuestion):
		return fiber.StatusBadRequest, "", "Question is required"
	case errors.Is(err, conversation.ErrSessionReset):
		return fiber.StatusConflict, "", "Session was reset before the answer completed"
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, stage, "Answering took too long"
	case errors.Is(err, context.Canceled):
		return fiber.StatusRequestTimeout, stage, "Request cancelled"
	case stage == conversation.StageGeneration && llm.IsTransient(err):
		return fiber.StatusServiceUnavailable, stage, "The model is temporarily unavailable, please retry"
	case stage == conversation.StageGeneration:
		return fiber.StatusBadGateway, stage, "The model could not answer this question"
	default:
		return fiber.StatusInternalServerError, stage, "Failed to answer question"
	}
}

// ingestFailure maps an ingestion error to a status and message.
func ingestFailure(err error) (int, string) {
	var verr *analysis.ValidationError
	switch {
	case errors.As(err, &verr):
		return fiber.StatusUnprocessableEntity, verr.Error()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fiber.StatusRequestTimeout, "Upload processing was interrupted"
	default:
		return fiber.StatusInternalServerError, "Failed to process dataset"
	}
}
