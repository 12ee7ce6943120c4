package facet

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/facets"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var validate = validator.New()

// Service is the part of facets.Service the routes drive.
type Service interface {
	AddFacetIfNew(ctx context.Context, req facets.AddFacetRequest) (*models.FacetValue, error)
	List(ctx context.Context, entityID, facetTypeSlug string) ([]*models.FacetValue, error)
	Deactivate(ctx context.Context, facetID string) error
}

type Handler struct {
	facets Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{facets: svc}
}

func (h *Handler) Register(g *echo.Group) {
	g.POST("/facets", h.Add)
	g.DELETE("/facets/:id", h.Deactivate)
	g.GET("/entities/:id/facets/:type", h.List)
}

type AddResponse struct {
	Added bool                `json:"added"`
	Facet *models.FacetValue `json:"facet,omitempty"`
}

// Add stores a facet unless it repeats an active one. Duplicates answer 200
// with added=false.
func (h *Handler) Add(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "facet_handler.Add")
	defer span.End()

	var req facets.AddFacetRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	facet, err := h.facets.AddFacetIfNew(ctx, req)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if facet == nil {
		return c.JSON(http.StatusOK, AddResponse{Added: false})
	}
	return c.JSON(http.StatusCreated, AddResponse{Added: true, Facet: facet})
}

func (h *Handler) List(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "facet_handler.List")
	defer span.End()

	items, err := h.facets.List(ctx, c.Param("id"), c.Param("type"))
	if err != nil {
		return err
	}
	if items == nil {
		items = []*models.FacetValue{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Deactivate(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "facet_handler.Deactivate")
	defer span.End()

	if err := h.facets.Deactivate(ctx, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
