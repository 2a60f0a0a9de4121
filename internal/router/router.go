package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/presence-api/internal/config"
	"github.com/noah-isme/presence-api/internal/handler"
	"github.com/noah-isme/presence-api/internal/middleware"
	"github.com/noah-isme/presence-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	AttendanceHandler *handler.AttendanceHandler
	AnomalyHandler    *handler.AnomalyHandler
	EnrollmentHandler *handler.EnrollmentHandler
	ActivityHandler   *handler.ActivityHandler
	HealthChecks      map[string]handler.DependencyCheck
	JWTMiddleware     fiber.Handler
	ExposeMetrics     bool
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	if deps.ExposeMetrics {
		app.Get("/metrics", observability.MetricsHandler())
	}

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthChecks))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	protected := api.Group("", jwtMiddleware)

	if deps.AttendanceHandler != nil {
		deps.AttendanceHandler.Register(protected)
	}
	if deps.AnomalyHandler != nil {
		deps.AnomalyHandler.Register(protected)
	}
	if deps.EnrollmentHandler != nil {
		deps.EnrollmentHandler.Register(protected)
	}

	if deps.ActivityHandler != nil {
		admin := protected.Group("/admin", middleware.RequireRole("admin"))
		deps.ActivityHandler.Register(admin.Group("/activity"))
	}
}
