package resolver

import (
	"context"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// HierarchyPath returns the materialized path and depth of an entity with
// slug placed under parent (nil for a root).
func HierarchyPath(parent *models.Entity, slug string) (string, int) {
	if parent == nil {
		return "/" + slug, 0
	}
	return parent.HierarchyPath + "/" + slug, parent.HierarchyLevel + 1
}

// placeInHierarchy sets path and level of a new entity from its ParentID.
func (e *Engine) placeInHierarchy(ctx context.Context, et *models.EntityType, entity *models.Entity) error {
	if entity.ParentID == nil {
		entity.HierarchyPath, entity.HierarchyLevel = HierarchyPath(nil, entity.Slug)
		return nil
	}

	parent, err := e.loadParent(ctx, et, *entity.ParentID)
	if err != nil {
		return err
	}
	entity.HierarchyPath, entity.HierarchyLevel = HierarchyPath(parent, entity.Slug)
	return nil
}

func (e *Engine) loadParent(ctx context.Context, et *models.EntityType, parentID string) (*models.Entity, error) {
	parent, err := e.entities.GetByID(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil || !parent.IsActive {
		return nil, ferrors.NotFound("parent entity", parentID)
	}
	if et != nil && parent.EntityTypeID != et.ID && !et.SupportsHierarchy {
		return nil, ferrors.Validation("entity type %q does not support cross-type parents", et.Slug)
	}
	return parent, nil
}

// Reparent moves an entity under parentID (nil makes it a root) and
// recomputes path and level of it and all its descendants in one transaction.
func (e *Engine) Reparent(ctx context.Context, entityID string, parentID *string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Engine.Reparent")
	defer span.End()

	var moved *models.Entity
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		entity, err := e.entities.GetByID(ctx, entityID)
		if err != nil {
			return err
		}
		if entity == nil {
			return ferrors.NotFound("entity", entityID)
		}
		moved, err = e.reparent(ctx, entity, parentID)
		return err
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_id":      moved.ID,
		"hierarchy_path": moved.HierarchyPath,
	}).Info("Reparented entity")
	e.emitter.EntityUpdated(ctx, moved)
	return moved, nil
}

func (e *Engine) reparent(ctx context.Context, entity *models.Entity, parentID *string) (*models.Entity, error) {
	var parent *models.Entity
	if parentID != nil {
		if *parentID == entity.ID {
			return nil, ferrors.Validation("entity %s cannot be its own parent", entity.ID)
		}
		var err error
		parent, err = e.loadParent(ctx, nil, *parentID)
		if err != nil {
			return nil, err
		}
		descendant, err := e.isDescendant(ctx, parent, entity)
		if err != nil {
			return nil, err
		}
		if descendant {
			return nil, ferrors.Validation("entity %s cannot be moved under its own descendant %s", entity.ID, parent.ID)
		}
	}

	updated := *entity
	updated.ParentID = parentID
	updated.HierarchyPath, updated.HierarchyLevel = HierarchyPath(parent, entity.Slug)
	updated.UpdatedAt = e.now()
	if err := e.entities.Update(ctx, &updated); err != nil {
		return nil, err
	}

	if err := e.recomputeDescendants(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// recomputeDescendants walks children by parent_id. Paths are not used for
// the walk because slugs are only unique per entity type.
func (e *Engine) recomputeDescendants(ctx context.Context, parent *models.Entity) error {
	children, err := e.entities.ListChildren(ctx, parent.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		path, level := HierarchyPath(parent, child.Slug)
		if child.HierarchyPath == path && child.HierarchyLevel == level {
			continue
		}
		child.HierarchyPath, child.HierarchyLevel = path, level
		child.UpdatedAt = e.now()
		if err := e.entities.Update(ctx, child); err != nil {
			return err
		}
		if err := e.recomputeDescendants(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

// isDescendant walks up from candidate by parent id. Paths cannot answer
// this because slugs are only unique per entity type.
func (e *Engine) isDescendant(ctx context.Context, candidate, ancestor *models.Entity) (bool, error) {
	seen := map[string]bool{candidate.ID: true}
	for current := candidate; current.ParentID != nil; {
		id := *current.ParentID
		if id == ancestor.ID {
			return true, nil
		}
		if seen[id] {
			return false, ferrors.Validation("hierarchy above %s loops at %s", candidate.ID, id)
		}
		seen[id] = true

		parent, err := e.entities.GetByID(ctx, id)
		if err != nil {
			return false, err
		}
		if parent == nil {
			return false, nil
		}
		current = parent
	}
	return false, nil
}
