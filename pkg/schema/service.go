package schema

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/cache"
	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// TypeResolver looks entity types up by slug. cache.TypeCache satisfies it.
type TypeResolver interface {
	EntityType(ctx context.Context, slug string) (*models.EntityType, error)
}

// Service validates attributes against the schema of their entity type.
// Parsed schemas are cached per type revision.
type Service struct {
	types  TypeResolver
	parsed *cache.TTLCache[*AttributeSchema]
	logger ectologger.Logger
}

func NewService(types TypeResolver, logger ectologger.Logger) *Service {
	return &Service{
		types:  types,
		parsed: cache.New[*AttributeSchema](time.Hour, cache.WithMaxEntries(512)),
		logger: logger,
	}
}

// Validate returns the violations of attrs against the schema of entityType.
func (s *Service) Validate(ctx context.Context, entityType string, attrs models.Attributes) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "schema.Service.Validate")
	defer span.End()

	et, err := s.types.EntityType(ctx, entityType)
	if err != nil {
		tracing.RecordError(span, err)
		return Result{}, err
	}
	if et == nil {
		return Result{}, ferrors.UnknownType("entity type", entityType)
	}

	key := fmt.Sprintf("%s@%d", et.Slug, et.UpdatedAt.UnixNano())
	sch, err := s.parsed.GetOrLoad(ctx, key, func(context.Context) (*AttributeSchema, error) {
		return Parse(et.AttributeSchema)
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("entity_type", entityType).Error("Entity type has an unreadable attribute schema")
		return Result{}, err
	}

	res := sch.Validate(attrs)
	if !res.Valid {
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_type": entityType,
			"violations":  len(res.Violations),
		}).Debug("Attributes failed schema validation")
	}
	return res, nil
}

// Check is Validate folded into a single validation error.
func (s *Service) Check(ctx context.Context, entityType string, attrs models.Attributes) error {
	res, err := s.Validate(ctx, entityType, attrs)
	if err != nil {
		return err
	}
	if !res.Valid {
		return ferrors.Validation("attributes do not match %s schema: %s", entityType, strings.Join(res.Messages(), "; "))
	}
	return nil
}
