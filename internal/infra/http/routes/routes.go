// Package routes registers the HTTP routes of the scan registry.
package routes

import (
	"github.com/prometheus/client_golang/prometheus/promhttp"

	infrahttp "github.com/openctemio/scanregistry/internal/infra/http"
	"github.com/openctemio/scanregistry/internal/infra/http/handler"
	"github.com/openctemio/scanregistry/internal/infra/http/middleware"
	"github.com/openctemio/scanregistry/internal/infra/websocket"
	"github.com/openctemio/scanregistry/pkg/jwt"
	"github.com/openctemio/scanregistry/pkg/logger"
)

// Router is an alias to the http package's Router interface.
type Router = infrahttp.Router

// Handlers holds all HTTP handlers for route registration.
type Handlers struct {
	Health    *handler.HealthHandler
	Scan      *handler.ScanHandler
	Results   *handler.ResultsHandler
	WebSocket *websocket.Handler // nil disables the progress stream
}

// Register registers all application routes. A nil tokens validator leaves
// the API unauthenticated.
func Register(r Router, h Handlers, tokens *jwt.Generator, log *logger.Logger) {
	r.GET("/health", h.Health.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group("/api/v1", func(api Router) {
		registerScanRoutes(api, h.Scan)
		registerResultRoutes(api, h.Results)

		if h.WebSocket != nil {
			api.GET("/ws", h.WebSocket.ServeWS)
			api.GET("/ws/stats", h.WebSocket.Stats)
		}
	}, middleware.BearerAuth(tokens, log))
}

func registerScanRoutes(r Router, h *handler.ScanHandler) {
	operator := middleware.RequireOperator()

	r.Group("/scans", func(s Router) {
		s.GET("/", h.ListScans)
		s.POST("/", h.StartScan, operator)
		s.GET("/stats", h.GetStats)
		s.GET("/by-directory", h.GetByDirectory)
		s.POST("/cleanup", h.CleanupOld, operator)

		s.GET("/{id}", h.GetScan)
		s.DELETE("/{id}", h.DeleteScan, operator)
		s.GET("/{id}/progress", h.GetProgress)
		s.POST("/{id}/cancel", h.CancelScan, operator)
		s.POST("/{id}/archive", h.ArchiveScan, operator)
	})
}

func registerResultRoutes(r Router, h *handler.ResultsHandler) {
	r.GET("/results", h.GetResults)
	r.GET("/results/paths", h.GetResultPaths)
}
