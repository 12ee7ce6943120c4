package graph

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	graphpkg "github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Querier reads the projected entity graph. graph.QueryService satisfies it.
type Querier interface {
	Neighbors(ctx context.Context, entityID string, hops int) (*graphpkg.QueryResult, error)
	ShortestPath(ctx context.Context, fromID, toID string, maxHops int) (*graphpkg.QueryResult, error)
}

// Handler handles graph query API endpoints
type Handler struct {
	queries Querier
	logger  ectologger.Logger
}

// NewHandler creates a graph handler. queries may be nil when no graph
// database is configured; the routes then answer 503.
func NewHandler(queries Querier, logger ectologger.Logger) *Handler {
	return &Handler{
		queries: queries,
		logger:  logger,
	}
}

// Register registers the graph routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/neighbors/:id", h.Neighbors)
	g.GET("/path", h.ShortestPath)
}

func (h *Handler) requireQueries() (Querier, error) {
	if h.queries == nil {
		// the graph database is optional
		return nil, httperror.NewHTTPError(http.StatusServiceUnavailable, "graph query service unavailable")
	}
	return h.queries, nil
}

// Neighbors returns active entities within ?hops= (default 1, max 5) of :id.
func (h *Handler) Neighbors(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "graph_handler.Neighbors")
	defer span.End()

	qs, err := h.requireQueries()
	if err != nil {
		return err
	}

	hops, err := intParam(c, "hops", 1)
	if err != nil {
		return err
	}

	result, err := qs.Neighbors(ctx, c.Param("id"), hops)
	if err != nil {
		tracing.RecordError(span, err)
		h.logger.WithContext(ctx).WithError(err).WithField("entity_id", c.Param("id")).Error("Graph neighbors query failed")
		return httperror.NewHTTPError(http.StatusBadGateway, "graph query failed")
	}
	return c.JSON(http.StatusOK, result)
}

// ShortestPath returns the shortest path between ?from= and ?to=.
func (h *Handler) ShortestPath(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "graph_handler.ShortestPath")
	defer span.End()

	qs, err := h.requireQueries()
	if err != nil {
		return err
	}

	from, to := c.QueryParam("from"), c.QueryParam("to")
	if from == "" || to == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "from and to are required")
	}
	maxHops, err := intParam(c, "max_hops", 10)
	if err != nil {
		return err
	}

	result, err := qs.ShortestPath(ctx, from, to, maxHops)
	if err != nil {
		tracing.RecordError(span, err)
		h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"from": from,
			"to":   to,
		}).Error("Graph path query failed")
		return httperror.NewHTTPError(http.StatusBadGateway, "graph query failed")
	}
	return c.JSON(http.StatusOK, result)
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, httperror.NewHTTPError(http.StatusBadRequest, name+" must be a positive integer")
	}
	return v, nil
}
