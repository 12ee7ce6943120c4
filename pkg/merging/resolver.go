// Package merging collapses duplicate entities of one type onto a single
// canonical entity.
package merging

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// EntityStore is the entity access a merge needs.
type EntityStore interface {
	ListActiveByType(ctx context.Context, entityTypeID string) ([]*models.Entity, error)
	CountDependents(ctx context.Context, ids []string) (map[string]models.DependentCounts, error)
	ListChildren(ctx context.Context, parentID string) ([]*models.Entity, error)
	Update(ctx context.Context, entity *models.Entity) error
}

// Reassigner points the records of one dependent kind at another entity and
// returns how many it moved.
type Reassigner interface {
	ReassignEntity(ctx context.Context, fromIDs []string, toID string) (int, error)
}

// Reparenter moves an entity and its subtree under a new parent.
// resolver.Engine satisfies it.
type Reparenter interface {
	Reparent(ctx context.Context, entityID string, parentID *string) (*models.Entity, error)
}

// Dependent is one kind of record attached to entities.
type Dependent struct {
	Name  string
	Store Reassigner
}

// Options controls a merge run.
type Options struct {
	// DryRun reports the groups and survivors without writing anything.
	DryRun bool `json:"dry_run" query:"dry_run"`
}

// GroupResult is the outcome of one duplicate group.
type GroupResult struct {
	Key         string         `json:"key"`
	CanonicalID string         `json:"canonical_id"`
	MergedIDs   []string       `json:"merged_ids"`
	Reassigned  map[string]int `json:"reassigned,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// MergeReport summarizes a run over one entity type.
type MergeReport struct {
	EntityType  string         `json:"entity_type"`
	DryRun      bool           `json:"dry_run"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Groups      []*GroupResult `json:"groups"`
	Merged      int            `json:"merged"`
	Deactivated int            `json:"deactivated"`
	Reassigned  map[string]int `json:"reassigned"`
	Skipped     int            `json:"skipped"`
}

type Resolver struct {
	entities   EntityStore
	types      resolver.TypeResolver
	reparenter Reparenter
	dependents []Dependent
	tx         database.Transactor
	emitter    *events.Emitter
	logger     ectologger.Logger
	now        func() time.Time
}

type Option func(*Resolver)

func WithTransactor(tx database.Transactor) Option {
	return func(r *Resolver) { r.tx = tx }
}

func WithEmitter(emitter *events.Emitter) Option {
	return func(r *Resolver) { r.emitter = emitter }
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(
	entities EntityStore,
	types resolver.TypeResolver,
	reparenter Reparenter,
	dependents []Dependent,
	logger ectologger.Logger,
	opts ...Option,
) *Resolver {
	r := &Resolver{
		entities:   entities,
		types:      types,
		reparenter: reparenter,
		dependents: dependents,
		tx:         database.NoTx,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveDuplicates groups the active entities of a type by comparison key
// and merges every group with more than one member. Each group is merged in
// its own transaction; a failing group is rolled back, reported and skipped.
func (r *Resolver) ResolveDuplicates(ctx context.Context, entityTypeSlug string, opts Options) (*MergeReport, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Resolver.ResolveDuplicates")
	defer span.End()

	et, err := r.types.EntityType(ctx, entityTypeSlug)
	if err != nil {
		return nil, err
	}
	if et == nil {
		return nil, ferrors.UnknownType("entity type", entityTypeSlug)
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": et.Slug,
		"dry_run":     opts.DryRun,
	})

	report := &MergeReport{
		EntityType: et.Slug,
		DryRun:     opts.DryRun,
		StartedAt:  r.now(),
		Groups:     []*GroupResult{},
		Reassigned: map[string]int{},
	}

	entities, err := r.entities.ListActiveByType(ctx, et.ID)
	if err != nil {
		log.WithError(err).Error("Failed to list entities")
		return nil, fmt.Errorf("failed to list %s entities: %w", et.Slug, err)
	}

	groups := groupDuplicates(entities)
	var ids []string
	for _, g := range groups {
		ids = append(ids, ectolinq.Map(g.members, entityID)...)
	}
	counts := map[string]models.DependentCounts{}
	if len(ids) > 0 {
		counts, err = r.entities.CountDependents(ctx, ids)
		if err != nil {
			log.WithError(err).Error("Failed to count dependents")
			return nil, fmt.Errorf("failed to count dependents: %w", err)
		}
	}

	for _, g := range groups {
		canonical, duplicates := ChooseCanonical(g.members, counts)
		result := &GroupResult{
			Key:         g.key,
			CanonicalID: canonical.ID,
			MergedIDs:   ectolinq.Map(duplicates, entityID),
			Reassigned:  map[string]int{},
		}
		report.Groups = append(report.Groups, result)

		if opts.DryRun {
			continue
		}

		if err := r.mergeGroup(ctx, canonical, duplicates, result); err != nil {
			result.Error = err.Error()
			result.Reassigned = map[string]int{}
			report.Skipped++
			log.WithError(err).WithFields(map[string]any{
				"key":          g.key,
				"canonical_id": canonical.ID,
			}).Error("Failed to merge duplicate group")
			continue
		}

		report.Merged++
		report.Deactivated += len(duplicates)
		for name, n := range result.Reassigned {
			report.Reassigned[name] += n
		}
		metrics.RecordMerged(et.Slug, len(duplicates))
		r.emitter.EntityMerged(ctx, canonical, result.MergedIDs)
	}

	report.FinishedAt = r.now()
	log.WithFields(map[string]any{
		"groups":      len(report.Groups),
		"merged":      report.Merged,
		"deactivated": report.Deactivated,
		"skipped":     report.Skipped,
	}).Info("Duplicate resolution finished")
	return report, nil
}

// mergeGroup moves everything attached to duplicates onto canonical and
// deactivates the duplicates, all in one transaction.
func (r *Resolver) mergeGroup(ctx context.Context, canonical *models.Entity, duplicates []*models.Entity, result *GroupResult) error {
	ctx, span := tracing.StartSpan(ctx, "merging.Resolver.mergeGroup")
	defer span.End()

	dupIDs := ectolinq.Map(duplicates, entityID)

	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		now := r.now()

		// duplicates go first so the canonical entity can take over their
		// external id without tripping the unique constraints
		for _, d := range duplicates {
			dup := *d
			dup.IsActive = false
			dup.UpdatedAt = now
			if err := r.entities.Update(ctx, &dup); err != nil {
				return fmt.Errorf("failed to deactivate %s: %w", d.ID, err)
			}
		}

		for _, dep := range r.dependents {
			n, err := dep.Store.ReassignEntity(ctx, dupIDs, canonical.ID)
			if err != nil {
				return fmt.Errorf("failed to reassign %s: %w", dep.Name, err)
			}
			result.Reassigned[dep.Name] += n
		}

		for _, d := range duplicates {
			children, err := r.entities.ListChildren(ctx, d.ID)
			if err != nil {
				return err
			}
			for _, child := range children {
				parentID := &canonical.ID
				if child.ID == canonical.ID {
					// the survivor takes its former parent's place
					parentID = d.ParentID
				}
				moved, err := r.reparenter.Reparent(ctx, child.ID, parentID)
				if err != nil {
					return fmt.Errorf("failed to move child %s: %w", child.ID, err)
				}
				if child.ID == canonical.ID {
					canonical.ParentID, canonical.HierarchyPath, canonical.HierarchyLevel = moved.ParentID, moved.HierarchyPath, moved.HierarchyLevel
					continue
				}
				result.Reassigned["children"]++
			}
		}

		if fillFrom(canonical, duplicates) {
			canonical.UpdatedAt = now
			if err := r.entities.Update(ctx, canonical); err != nil {
				return fmt.Errorf("failed to update canonical entity: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	return nil
}

type duplicateGroup struct {
	key     string
	members []*models.Entity
}

func entityID(e *models.Entity) string { return e.ID }

// groupDuplicates groups by a key recomputed from the display name, so
// entities stored under different historical normalizations still meet.
func groupDuplicates(entities []*models.Entity) []duplicateGroup {
	byKey := map[string][]*models.Entity{}
	for _, e := range entities {
		key := normalizers.ComparisonKey(e.Name)
		if key == "" {
			continue
		}
		byKey[key] = append(byKey[key], e)
	}

	groups := make([]duplicateGroup, 0, len(byKey))
	for key, members := range byKey {
		if len(members) > 1 {
			groups = append(groups, duplicateGroup{key: key, members: members})
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].key < groups[j].key })
	return groups
}
