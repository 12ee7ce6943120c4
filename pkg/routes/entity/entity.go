package entity

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var validate = validator.New()

// Resolver is the part of resolver.Engine the routes drive.
type Resolver interface {
	ResolveOrCreate(ctx context.Context, req resolver.ResolveRequest) (*models.Entity, resolver.Outcome, error)
	ResolveOrCreateMany(ctx context.Context, entityType string, reqs []resolver.ResolveRequest) (map[string]*models.Entity, error)
	Reparent(ctx context.Context, entityID string, parentID *string) (*models.Entity, error)
}

type Store interface {
	GetByID(ctx context.Context, id string) (*models.Entity, error)
	ListChildren(ctx context.Context, parentID string) ([]*models.Entity, error)
}

// AttributeChecker rejects attributes that break the entity type's schema.
// schema.Service satisfies it.
type AttributeChecker interface {
	Check(ctx context.Context, entityType string, attrs models.Attributes) error
}

type Handler struct {
	resolver Resolver
	entities Store
	schema   AttributeChecker
	logger   ectologger.Logger
}

// NewHandler creates the entity routes. schema may be nil.
func NewHandler(r Resolver, entities Store, schema AttributeChecker, logger ectologger.Logger) *Handler {
	return &Handler{resolver: r, entities: entities, schema: schema, logger: logger}
}

func (h *Handler) Register(g *echo.Group) {
	g.POST("/resolve", h.Resolve)
	g.POST("/resolve/batch", h.ResolveBatch)
	g.GET("/:id", h.Get)
	g.GET("/:id/children", h.Children)
	g.PUT("/:id/parent", h.Reparent)
}

type ResolveResponse struct {
	Entity  *models.Entity   `json:"entity"`
	Outcome resolver.Outcome `json:"outcome"`
}

// Resolve finds or creates one entity. Creation answers 201.
func (h *Handler) Resolve(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "entity_handler.Resolve")
	defer span.End()

	var req resolver.ResolveRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.checkAttributes(ctx, req.EntityType, req.Attributes); err != nil {
		return err
	}

	entity, outcome, err := h.resolver.ResolveOrCreate(ctx, req)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	status := http.StatusOK
	if outcome.Created() {
		status = http.StatusCreated
	}
	return c.JSON(status, ResolveResponse{Entity: entity, Outcome: outcome})
}

type BatchRequest struct {
	EntityType string                    `json:"entity_type" validate:"required"`
	Records    []resolver.ResolveRequest `json:"records" validate:"required,min=1,max=1000"`
}

type BatchResponse struct {
	Entities map[string]*models.Entity `json:"entities"`
}

// ResolveBatch resolves many records of one type. The response is keyed by
// each record's name as sent.
func (h *Handler) ResolveBatch(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "entity_handler.ResolveBatch")
	defer span.End()

	var req BatchRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	for i := range req.Records {
		req.Records[i].EntityType = req.EntityType
		if err := h.checkAttributes(ctx, req.EntityType, req.Records[i].Attributes); err != nil {
			return err
		}
	}

	entities, err := h.resolver.ResolveOrCreateMany(ctx, req.EntityType, req.Records)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	h.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": req.EntityType,
		"records":     len(req.Records),
		"entities":    len(entities),
	}).Info("Resolved batch")
	return c.JSON(http.StatusOK, BatchResponse{Entities: entities})
}

func (h *Handler) Get(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "entity_handler.Get")
	defer span.End()

	id := c.Param("id")
	entity, err := h.entities.GetByID(ctx, id)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if entity == nil {
		return ferrors.NotFound("entity", id)
	}
	return c.JSON(http.StatusOK, entity)
}

// Children lists the direct children of an entity.
func (h *Handler) Children(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "entity_handler.Children")
	defer span.End()

	id := c.Param("id")
	parent, err := h.entities.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if parent == nil {
		return ferrors.NotFound("entity", id)
	}

	children, err := h.entities.ListChildren(ctx, id)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if children == nil {
		children = []*models.Entity{}
	}
	return c.JSON(http.StatusOK, children)
}

type ReparentRequest struct {
	// ParentID nil detaches the entity to the root.
	ParentID *string `json:"parent_id"`
}

func (h *Handler) Reparent(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "entity_handler.Reparent")
	defer span.End()

	var req ReparentRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	entity, err := h.resolver.Reparent(ctx, c.Param("id"), req.ParentID)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	return c.JSON(http.StatusOK, entity)
}

func (h *Handler) checkAttributes(ctx context.Context, entityType string, attrs models.Attributes) error {
	if h.schema == nil {
		return nil
	}
	return h.schema.Check(ctx, entityType, attrs)
}
