package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/csv-insight/backend/internal/analysis"
	"github.com/csv-insight/backend/internal/conversation"
	"github.com/csv-insight/backend/internal/ingestion"
	"github.com/csv-insight/backend/internal/storage/models"
	"github.com/csv-insight/backend/pkg/logger"
)

// DatasetLister reads the persisted dataset registry.
type DatasetLister interface {
	ListDatasets(ctx context.Context) ([]models.DatasetRecord, error)
}

type DatasetHandler struct {
	processor *ingestion.Processor
	registry  DatasetLister
	insights  *conversation.Insighter
}

// NewDatasetHandler serves uploads and dataset lookups. registry and
// insights may be nil.
func NewDatasetHandler(processor *ingestion.Processor, registry DatasetLister, insights *conversation.Insighter) *DatasetHandler {
	return &DatasetHandler{
		processor: processor,
		registry:  registry,
		insights:  insights,
	}
}

// Upload accepts a multipart "file" field or a raw CSV body. Column type
// hints come from the "hints" form field or query parameter.
func (h *DatasetHandler) Upload(c *fiber.Ctx) error {
	name, raw, err := readUpload(c)
	if err != nil {
		return stageError(c, fiber.StatusBadRequest, conversation.StageIngestion, err.Error())
	}

	hintSpec := c.FormValue("hints")
	if hintSpec == "" {
		hintSpec = c.Query("hints")
	}
	hints, err := analysis.ParseHints(hintSpec)
	if err != nil {
		return stageError(c, fiber.StatusBadRequest, conversation.StageIngestion, err.Error())
	}

	res, err := h.processor.Ingest(c.UserContext(), name, raw, hints)
	if err != nil {
		status, msg := ingestFailure(err)
		logger.Warn("Dataset ingestion failed", zap.String("name", name), zap.Int("status", status), zap.Error(err))
		return stageError(c, status, conversation.StageIngestion, msg)
	}

	status := fiber.StatusCreated
	if res.CacheHit {
		status = fiber.StatusOK
	}
	body := fiber.Map{
		"fingerprint": res.Dataset.Fingerprint,
		"name":        res.Dataset.Name,
		"rows":        res.Dataset.RowCount,
		"columns":     res.Dataset.Columns,
		"date_column": res.Dataset.DateColumn,
		"metrics":     res.Metrics,
		"cache_hit":   res.CacheHit,
		"indexed":     res.Indexed,
		"chunks":      res.Chunks,
	}
	if res.IndexError != "" {
		body["notice"] = "Row-level search is unavailable for this dataset; questions will be answered from its summary."
	}
	return c.Status(status).JSON(body)
}

func readUpload(c *fiber.Ctx) (string, []byte, error) {
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		fh, err := c.FormFile("file")
		if err != nil {
			return "", nil, fmt.Errorf("multipart upload requires a \"file\" field")
		}
		f, err := fh.Open()
		if err != nil {
			return "", nil, fmt.Errorf("failed to open upload: %w", err)
		}
		defer f.Close()
		raw, err := io.ReadAll(f)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read upload: %w", err)
		}
		return fh.Filename, raw, nil
	}

	raw := c.Body()
	if len(raw) == 0 {
		return "", nil, errors.New("request body is empty")
	}
	name := c.Query("name", "upload.csv")
	// fasthttp reuses the body buffer after the handler returns
	return name, append([]byte(nil), raw...), nil
}

// List returns the datasets loaded in memory and, when a registry is
// configured, everything ever registered.
func (h *DatasetHandler) List(c *fiber.Ctx) error {
	body := fiber.Map{"datasets": h.processor.List()}
	if h.registry != nil {
		records, err := h.registry.ListDatasets(c.UserContext())
		if err != nil {
			logger.Error("Failed to list dataset registry", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list datasets"})
		}
		registered := make([]fiber.Map, len(records))
		for i, r := range records {
			registered[i] = fiber.Map{
				"fingerprint": r.Fingerprint,
				"name":        r.Name,
				"rows":        r.RowCount,
				"columns":     r.ColumnCount,
				"indexed":     r.Indexed,
				"updated_at":  r.UpdatedAt.Unix(),
			}
		}
		body["registered"] = registered
	}
	return c.JSON(body)
}

func (h *DatasetHandler) Metrics(c *fiber.Ctx) error {
	ds, m, err := h.processor.Dataset(c.Params("fingerprint"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Dataset not found"})
	}
	return c.JSON(fiber.Map{
		"fingerprint": ds.Fingerprint,
		"name":        ds.Name,
		"columns":     ds.Columns,
		"metrics":     m,
		"summary":     m.SummaryText(ds.Name),
	})
}

func (h *DatasetHandler) Insights(c *fiber.Ctx) error {
	if h.insights == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "Insights are not configured"})
	}
	fp := c.Params("fingerprint")
	out, err := h.insights.Insights(c.UserContext(), fp)
	if errors.Is(err, conversation.ErrNoSummary) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Dataset not found"})
	}
	if err != nil {
		status, stage, msg := askFailure(err)
		logger.Error("Failed to generate insights", zap.String("fingerprint", fp), zap.Error(err))
		return stageError(c, status, stage, msg)
	}
	return c.JSON(out)
}

func (h *DatasetHandler) Delete(c *fiber.Ctx) error {
	fp := c.Params("fingerprint")
	err := h.processor.Drop(c.UserContext(), fp)
	switch {
	case errors.Is(err, ingestion.ErrUnknownDataset):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Dataset not found"})
	case err != nil:
		logger.Error("Failed to drop dataset", zap.String("fingerprint", fp), zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Failed to remove dataset from the index"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}
