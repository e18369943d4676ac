package middleware

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"mailsync_server/core/port/out"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorHandler renders AppErrors as-is and classifies the sync pipeline's
// sentinel and provider errors that reach it unwrapped.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		requestID, _ := c.Locals("request_id").(string)
		appErr := classify(err)

		log := logger.WithFields(map[string]any{
			"request_id": requestID,
			"error_code": appErr.Code,
		})
		if accountID := c.Params("account_id"); accountID != "" {
			log = log.WithField("account_id", accountID)
		}
		if appErr.Status >= 500 {
			log.WithError(err).Error("[ErrorHandler] %s %s: %s", c.Method(), c.Path(), appErr.Message)
		} else {
			log.Debug("[ErrorHandler] %s %s: %s", c.Method(), c.Path(), appErr.Message)
		}

		return writeError(c, appErr)
	}
}

func classify(err error) *apperr.AppError {
	var (
		appErr      *apperr.AppError
		fiberErr    *fiber.Error
		providerErr *out.ProviderError
	)
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.As(err, &fiberErr):
		return apperr.New(codeForStatus(fiberErr.Code), fiberErr.Message, fiberErr.Code)
	case errors.As(err, &providerErr):
		return apperr.ProviderError(err).WithDetail("provider_code", string(providerErr.Code))
	case errors.Is(err, out.ErrAccountNotFound):
		return apperr.NotFound("account")
	case errors.Is(err, out.ErrNotFound):
		return apperr.NotFound("resource")
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Timeout(err)
	default:
		return apperr.Internal(err)
	}
}

func writeError(c *fiber.Ctx, appErr *apperr.AppError) error {
	requestID, _ := c.Locals("request_id").(string)
	return c.Status(appErr.Status).JSON(ErrorResponse{
		Success:   false,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Error: ErrorDetail{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		},
	})
}

// RequestID propagates X-Request-ID or assigns a fresh one.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Locals("request_id", requestID)
		c.Set("X-Request-ID", requestID)
		return c.Next()
	}
}

// RequestLogger writes one line per request once the final status is known.
// Pub/Sub pushes log at debug; they arrive for every mailbox change.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		if err := c.Next(); err != nil {
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		requestID, _ := c.Locals("request_id").(string)
		status := c.Response().StatusCode()
		log := logger.WithFields(map[string]any{
			"request_id":  requestID,
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      status,
			"duration_ms": float64(time.Since(start).Microseconds()) / 1000.0,
		})
		if operator, ok := c.Locals("operator").(string); ok && operator != "" {
			log = log.WithField("operator", operator)
		}

		switch {
		case status >= 500:
			log.Error("[RequestLogger] %s %s -> %d", c.Method(), c.Path(), status)
		case status >= 400:
			log.Warn("[RequestLogger] %s %s -> %d", c.Method(), c.Path(), status)
		default:
			log.Debug("[RequestLogger] %s %s -> %d", c.Method(), c.Path(), status)
		}
		return nil
	}
}

// Recover turns a handler panic into a 500 response.
func Recover() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]any{
					"path":  c.Path(),
					"stack": string(debug.Stack()),
				}).Error("[Recover] Panic in %s %s: %v", c.Method(), c.Path(), r)
				err = writeError(c, apperr.Internal(fmt.Errorf("panic: %v", r)))
			}
		}()
		return c.Next()
	}
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return apperr.CodeBadRequest
	case fiber.StatusUnauthorized:
		return apperr.CodeUnauthorized
	case fiber.StatusNotFound, fiber.StatusMethodNotAllowed:
		return apperr.CodeNotFound
	case fiber.StatusRequestEntityTooLarge:
		return apperr.CodeTooLarge
	case fiber.StatusGatewayTimeout, fiber.StatusRequestTimeout:
		return apperr.CodeTimeout
	case fiber.StatusBadGateway:
		return apperr.CodeProviderError
	default:
		return apperr.CodeInternalError
	}
}
