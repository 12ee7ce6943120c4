package entitytype

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var validate = validator.New()

// Store persists types. Creates are idempotent per slug and return the
// stored row.
type Store interface {
	CreateEntityType(ctx context.Context, t models.EntityType) (*models.EntityType, error)
	GetEntityTypeBySlug(ctx context.Context, slug string) (*models.EntityType, error)
	ListEntityTypes(ctx context.Context) ([]models.EntityType, error)
	CreateFacetType(ctx context.Context, t models.FacetType) (*models.FacetType, error)
	GetFacetTypeBySlug(ctx context.Context, slug string) (*models.FacetType, error)
	CreateRelationType(ctx context.Context, t models.RelationType) (*models.RelationType, error)
	GetRelationTypeBySlug(ctx context.Context, slug string) (*models.RelationType, error)
}

// Invalidator drops cached types. cache.TypeCache satisfies it.
type Invalidator interface {
	InvalidateEntityType(ctx context.Context, slug string)
	InvalidateFacetType(ctx context.Context, slug string)
	InvalidateRelationType(ctx context.Context, slug string)
}

// Validator checks attributes against an entity type. schema.Service satisfies it.
type Validator interface {
	Validate(ctx context.Context, entityType string, attrs models.Attributes) (schema.Result, error)
}

type Handler struct {
	store     Store
	cache     Invalidator
	validator Validator
	logger    ectologger.Logger
}

// NewHandler creates the type routes. cache and validator may be nil.
func NewHandler(store Store, cache Invalidator, v Validator, logger ectologger.Logger) *Handler {
	return &Handler{store: store, cache: cache, validator: v, logger: logger}
}

// Register mounts the routes on the api group.
func (h *Handler) Register(g *echo.Group) {
	g.GET("/entity-types", h.ListEntityTypes)
	g.POST("/entity-types", h.CreateEntityType)
	g.GET("/entity-types/:slug", h.GetEntityType)
	g.POST("/entity-types/:slug/validate", h.ValidateAttributes)
	g.POST("/facet-types", h.CreateFacetType)
	g.POST("/relation-types", h.CreateRelationType)
}

func (h *Handler) ListEntityTypes(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "entitytype_handler.ListEntityTypes")
	defer span.End()

	items, err := h.store.ListEntityTypes(ctx)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if items == nil {
		items = []models.EntityType{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetEntityType(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "entitytype_handler.GetEntityType")
	defer span.End()

	slug := c.Param("slug")
	et, err := h.store.GetEntityTypeBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if et == nil {
		return ferrors.NotFound("entity type", slug)
	}
	return c.JSON(http.StatusOK, et)
}

// CreateEntityType answers 201 for a new type and 200 when the slug exists.
func (h *Handler) CreateEntityType(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "entitytype_handler.CreateEntityType")
	defer span.End()

	var req models.CreateEntityTypeRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if _, err := schema.Parse(req.AttributeSchema); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	existing, err := h.store.GetEntityTypeBySlug(ctx, req.Slug)
	if err != nil {
		return err
	}
	if existing != nil {
		return c.JSON(http.StatusOK, existing)
	}

	et, err := h.store.CreateEntityType(ctx, models.EntityType{
		Slug:              req.Slug,
		Name:              req.Name,
		SupportsHierarchy: req.SupportsHierarchy,
		AttributeSchema:   req.AttributeSchema,
	})
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if h.cache != nil {
		h.cache.InvalidateEntityType(ctx, et.Slug)
	}

	h.logger.WithContext(ctx).WithField("entity_type", et.Slug).Info("Entity type created")
	return c.JSON(http.StatusCreated, et)
}

type ValidateRequest struct {
	Attributes models.Attributes `json:"attributes"`
}

// ValidateAttributes reports schema violations without resolving anything.
func (h *Handler) ValidateAttributes(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "entitytype_handler.ValidateAttributes")
	defer span.End()

	if h.validator == nil {
		return httperror.NewHTTPError(http.StatusNotImplemented, "attribute validation is not configured")
	}

	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := h.validator.Validate(ctx, c.Param("slug"), req.Attributes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type CreateTypeRequest struct {
	Slug string `json:"slug" validate:"required"`
	Name string `json:"name" validate:"required"`
}

func (h *Handler) CreateFacetType(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "entitytype_handler.CreateFacetType")
	defer span.End()

	var req CreateTypeRequest
	if err := bindType(c, &req); err != nil {
		return err
	}

	existing, err := h.store.GetFacetTypeBySlug(ctx, req.Slug)
	if err != nil {
		return err
	}
	if existing != nil {
		return c.JSON(http.StatusOK, existing)
	}

	ft, err := h.store.CreateFacetType(ctx, models.FacetType{Slug: req.Slug, Name: req.Name})
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if h.cache != nil {
		h.cache.InvalidateFacetType(ctx, ft.Slug)
	}
	return c.JSON(http.StatusCreated, ft)
}

func (h *Handler) CreateRelationType(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "entitytype_handler.CreateRelationType")
	defer span.End()

	var req CreateTypeRequest
	if err := bindType(c, &req); err != nil {
		return err
	}

	existing, err := h.store.GetRelationTypeBySlug(ctx, req.Slug)
	if err != nil {
		return err
	}
	if existing != nil {
		return c.JSON(http.StatusOK, existing)
	}

	rt, err := h.store.CreateRelationType(ctx, models.RelationType{Slug: req.Slug, Name: req.Name})
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if h.cache != nil {
		h.cache.InvalidateRelationType(ctx, rt.Slug)
	}
	return c.JSON(http.StatusCreated, rt)
}

func bindType(c echo.Context, req *CreateTypeRequest) error {
	if err := c.Bind(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}
