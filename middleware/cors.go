package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// Headers the dashboard reads off API responses
var dashboardExposedHeaders = []string{fiber.HeaderContentLength, fiber.HeaderRetryAfter, "X-RateLimit-Remaining"}

// CORS lets the dashboard origins call the API with credentials. With no
// origins configured any origin is accepted, but then without credentials.
func CORS(origins []string) fiber.Handler {
	allowed := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			allowed = append(allowed, o)
		}
	}

	cfg := cors.Config{
		AllowMethods: strings.Join([]string{
			fiber.MethodGet, fiber.MethodPost, fiber.MethodPut, fiber.MethodPatch, fiber.MethodDelete, fiber.MethodOptions,
		}, ","),
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, X-Requested-With",
		ExposeHeaders: strings.Join(dashboardExposedHeaders, ","),
		MaxAge:        3600,
	}
	if len(allowed) == 0 {
		cfg.AllowOrigins = "*"
		return cors.New(cfg)
	}
	cfg.AllowOrigins = strings.Join(allowed, ",")
	cfg.AllowCredentials = true
	return cors.New(cfg)
}
