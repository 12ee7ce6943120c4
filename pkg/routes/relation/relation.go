package relation

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/relations"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var validate = validator.New()

type Service interface {
	Link(ctx context.Context, req relations.LinkRequest) (*models.EntityRelation, error)
	List(ctx context.Context, entityID string) ([]*models.EntityRelation, error)
}

type Handler struct {
	relations Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{relations: svc}
}

func (h *Handler) Register(g *echo.Group) {
	g.POST("/relations", h.Link)
	g.GET("/entities/:id/relations", h.List)
}

// Link records an edge. Linking an existing edge again keeps the higher
// confidence.
func (h *Handler) Link(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "relation_handler.Link")
	defer span.End()

	var req relations.LinkRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	rel, err := h.relations.Link(ctx, req)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	return c.JSON(http.StatusOK, rel)
}

func (h *Handler) List(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "relation_handler.List")
	defer span.End()

	items, err := h.relations.List(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if items == nil {
		items = []*models.EntityRelation{}
	}
	return c.JSON(http.StatusOK, items)
}
