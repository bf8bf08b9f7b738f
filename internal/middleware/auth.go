package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/genselfie/api/internal/auth"
	"github.com/genselfie/api/pkg/response"
)

// AdminAuth guards the admin surface with HMAC-signed bearer tokens.
type AdminAuth struct {
	jwtSecret string
}

func NewAdminAuth(jwtSecret string) *AdminAuth {
	return &AdminAuth{jwtSecret: jwtSecret}
}

// Authenticate validates the admin token from the Authorization header.
func (m *AdminAuth) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		claims, err := auth.ValidateAdminToken(parts[1], m.jwtSecret)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		c.Locals("adminRole", claims.Role)
		return c.Next()
	}
}
