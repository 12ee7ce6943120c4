// Package routes assembles the HTTP API.
package routes

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/routes/entity"
	"github.com/Ramsey-B/fern/pkg/routes/entitytype"
	"github.com/Ramsey-B/fern/pkg/routes/facet"
	"github.com/Ramsey-B/fern/pkg/routes/graph"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/merge"
	"github.com/Ramsey-B/fern/pkg/routes/relation"
	"github.com/Ramsey-B/fern/pkg/routes/source"
)

// Handlers are the route groups. A nil handler leaves its routes unmounted.
type Handlers struct {
	Health    *health.Checker
	Entities  *entity.Handler
	Types     *entitytype.Handler
	Facets    *facet.Handler
	Relations *relation.Handler
	Graph     *graph.Handler
	Sources   *source.Handler
	Merge     *merge.Handler
}

// NewServer builds the echo instance with tracing, request context, logging
// and the error renderer installed.
func NewServer(serviceName string, h Handlers, logger ectologger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))

	if h.Health != nil {
		h.Health.RegisterRoutes(e)
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	if h.Entities != nil {
		h.Entities.Register(api.Group("/entities"))
	}
	if h.Types != nil {
		h.Types.Register(api)
	}
	if h.Facets != nil {
		h.Facets.Register(api)
	}
	if h.Relations != nil {
		h.Relations.Register(api)
	}
	if h.Graph != nil {
		h.Graph.Register(api.Group("/graph"))
	}
	if h.Sources != nil {
		h.Sources.Register(api.Group("/sources"))
	}
	if h.Merge != nil {
		h.Merge.Register(api)
	}
	return e
}
