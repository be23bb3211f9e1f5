package validation

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

type Config struct {
	MaxQuestionLength   int
	MaxUploadSize       int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects bodies the handlers should never see: unsupported
// content types, oversized uploads and malformed or oversized questions.
// A sanitized question is stored in Locals("question").
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQuestionLength == 0 {
		cfg.MaxQuestionLength = 2000
	}
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = 100 * 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json", "multipart/form-data", "text/csv", "text/plain"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if contentType != "" && !allowedType(contentType, cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		path := c.Path()

		if strings.HasSuffix(path, "/datasets") {
			if len(c.Body()) > cfg.MaxUploadSize {
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "Upload exceeds maximum size",
				})
			}
		}

		if strings.HasSuffix(path, "/questions") {
			var req struct {
				Question string `json:"question"`
			}
			if err := json.Unmarshal(c.Body(), &req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			question, status, msg := CheckQuestion(req.Question, cfg.MaxQuestionLength)
			if status != 0 {
				if status == fiber.StatusBadRequest && xssPattern.MatchString(req.Question) {
					cfg.Logger.Warn("Potential XSS attempt", zap.String("ip", c.IP()))
				}
				return c.Status(status).JSON(fiber.Map{"error": msg})
			}
			c.Locals("question", question)
		}

		return c.Next()
	}
}

// CheckQuestion sanitizes a question and returns a non-zero status with a
// message when it must be rejected. Shared with the websocket handler.
func CheckQuestion(question string, maxLength int) (string, int, string) {
	if !utf8.ValidString(question) {
		return "", fiber.StatusBadRequest, "Question must be valid UTF-8"
	}
	question = sanitizeString(question)
	if question == "" {
		return "", fiber.StatusBadRequest, "Question is required"
	}
	if maxLength > 0 && utf8.RuneCountInString(question) > maxLength {
		return "", fiber.StatusBadRequest, "Question exceeds maximum length"
	}
	if xssPattern.MatchString(question) {
		return "", fiber.StatusBadRequest, "Invalid question content"
	}
	return question, 0, ""
}

func allowedType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

func sanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}
