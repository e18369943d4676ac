package http

import (
	"strconv"
	"time"

	"mailsync_server/pkg/apperr"

	"github.com/gofiber/fiber/v2"
)

// APIResponse is the success envelope. Failures are written by the error
// middleware with the same request_id field.
type APIResponse struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ListResponse wraps a bounded list.
type ListResponse struct {
	Items any `json:"items"`
	Total int `json:"total"`
}

func respond(c *fiber.Ctx, status int, data any) error {
	requestID, _ := c.Locals("request_id").(string)
	return c.Status(status).JSON(APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func SuccessResponse(c *fiber.Ctx, data any) error  { return respond(c, fiber.StatusOK, data) }
func CreatedResponse(c *fiber.Ctx, data any) error  { return respond(c, fiber.StatusCreated, data) }
func AcceptedResponse(c *fiber.Ctx, data any) error { return respond(c, fiber.StatusAccepted, data) }

// accountIDParam reads a positive account id from the named route param.
func accountIDParam(c *fiber.Ctx, name string) (int64, error) {
	raw := c.Params(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.BadRequest(name + " must be a positive integer, got " + strconv.Quote(raw))
	}
	return id, nil
}
