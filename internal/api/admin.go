package api

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v3"

	"github.com/mudgate/mudgate/internal/httputil"
)

// RequireAdminKey returns middleware guarding the admin endpoints with the X-Admin-Key header. With no key
// configured the endpoints answer 503 rather than running open.
func RequireAdminKey(key string) fiber.Handler {
	return func(c fiber.Ctx) error {
		if key == "" {
			return httputil.Fail(c, fiber.StatusServiceUnavailable, httputil.CodeUnavailable,
				"Admin endpoints are disabled: no admin key configured")
		}
		got := c.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Invalid admin key")
		}
		return c.Next()
	}
}
