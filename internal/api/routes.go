package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/georgeshao/lucent-query/internal/dispatcher"
	"github.com/georgeshao/lucent-query/internal/pipeline"
	"github.com/georgeshao/lucent-query/internal/storage"
)

func SetupRoutes(app *fiber.App, store storage.Store, p *pipeline.Pipeline, d *dispatcher.Dispatcher, logger *zap.Logger) {
	h := NewHandler(store, p, d, logger)

	v1 := app.Group("/v1")

	v1.Post("/requests", h.EnqueueRequest)
	v1.Get("/requests", h.ListRequests)
	v1.Get("/requests/:id", h.GetRequest)
	v1.Delete("/requests/:id", h.CancelRequest)

	v1.Post("/dispatch", h.TriggerDispatch)

	v1.Get("/queues/:name/stats", h.GetQueueStats)
	v1.Delete("/queues/:name", h.DeleteQueue)

	v1.Post("/query", h.ExecuteQuery)
	v1.Get("/optimistic/:id", h.GetOptimistic)

	v1.Get("/cache/stats", h.GetCacheStats)
	v1.Delete("/cache/pending", h.ClearPending)
	v1.Delete("/cache", h.ClearCache)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}
