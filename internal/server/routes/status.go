package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/snapproxy/internal/server"
)

// StatusProvider 由 server.Server 实现，便于测试注入。
type StatusProvider interface {
	Status() server.Status
}

// RegisterStatusRoutes 暴露 /-/status 与 /-/metrics 诊断接口，它们不经过代理串行队列。
func RegisterStatusRoutes(app *fiber.App, provider StatusProvider) {
	if app == nil || provider == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(provider.Status())
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}
