package middleware

import (
	"mailsync_server/pkg/apperr"

	"github.com/gofiber/fiber/v2"
)

// SecurityHeaders marks every response as an uncacheable JSON API response.
func SecurityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderXContentTypeOptions, "nosniff")
		c.Set(fiber.HeaderXFrameOptions, "DENY")
		c.Set(fiber.HeaderReferrerPolicy, "no-referrer")
		c.Set(fiber.HeaderContentSecurityPolicy, "default-src 'none'; frame-ancestors 'none'")
		c.Set(fiber.HeaderCacheControl, "no-store")
		return c.Next()
	}
}

// MaxBodySize rejects bodies larger than maxBytes, below the app-wide BodyLimit.
func MaxBodySize(maxBytes int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(c.Body()) > maxBytes {
			return apperr.PayloadTooLarge(maxBytes)
		}
		return c.Next()
	}
}
