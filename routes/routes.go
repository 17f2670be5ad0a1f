package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	controller "leadnurture/controllers"
	"leadnurture/middleware"
)

// Options carries what the route tree needs besides the controllers
type Options struct {
	JWTSecret      string
	RunRateLimit   int           // requests per minute per creator, 0 disables
	LimiterStorage fiber.Storage // nil keeps limiter state in memory
	Gatherer       prometheus.Gatherer
	Version        string
}

func SetupRoutes(app *fiber.App, db *gorm.DB, nurtureController *controller.NurtureController, leadController *controller.LeadController, opts Options) {
	app.Get("/health", func(c *fiber.Ctx) error {
		status := "running"
		code := fiber.StatusOK
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.UserContext()) != nil {
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{
			"status":  status,
			"version": opts.Version,
		})
	})

	if opts.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	creatorController := controller.NewCreatorController(db)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(db, opts.JWTSecret), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	api.Get("/me", creatorController.GetCurrentCreator)
	api.Post("/tokens/revoke", creatorController.RevokeTokens)

	// Sequence routes
	sequences := api.Group("/sequences")
	sequences.Get("/", nurtureController.GetSequences)
	sequences.Put("/:type", nurtureController.UpdateSequence)
	sequences.Post("/:type/toggle", nurtureController.ToggleSequence)
	sequences.Delete("/:type/override", nurtureController.RestoreDefaults)
	sequences.Get("/:type/enrolled", nurtureController.GetEnrolled)

	// Enrollment routes
	enrollments := api.Group("/enrollments")
	enrollments.Get("/:id", nurtureController.GetEnrollment)
	enrollments.Delete("/:id", nurtureController.CancelEnrollment)
	enrollments.Post("/:follower_id/cancel", nurtureController.CancelFollower)

	// Lead routes
	leads := api.Group("/leads")
	leads.Get("/", leadController.GetLeads)
	leads.Get("/:follower_id", leadController.GetLead)
	leads.Patch("/:follower_id", leadController.UpdateLead)

	// Upstream events
	events := api.Group("/events")
	events.Post("/trigger", nurtureController.TriggerEvent)
	events.Post("/replied", nurtureController.LeadReplied)
	events.Post("/purchased", nurtureController.LeadPurchased)

	if opts.RunRateLimit > 0 {
		api.Post("/run", middleware.RunRateLimiter(opts.RunRateLimit, opts.LimiterStorage), nurtureController.Run)
	} else {
		api.Post("/run", nurtureController.Run)
	}
}
