package resolver

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// batchGroup is every request in a batch sharing one normalized key.
type batchGroup struct {
	key      string
	requests []ResolveRequest
}

// ResolveOrCreateMany resolves a batch of one entity type with a single
// pre-fetch of existing entities. Requests sharing a normalized name resolve
// to one entity. The result is keyed by each request's Name as given.
//
// All requests are validated before anything is written. A failure after
// that returns the first error; entities already resolved stay resolved.
func (e *Engine) ResolveOrCreateMany(ctx context.Context, entityType string, reqs []ResolveRequest) (map[string]*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Engine.ResolveOrCreateMany")
	defer span.End()

	results := make(map[string]*models.Entity, len(reqs))
	if len(reqs) == 0 {
		return results, nil
	}

	var et *models.EntityType
	groups := make([]*batchGroup, 0, len(reqs))
	byKey := make(map[string]*batchGroup, len(reqs))
	for i := range reqs {
		req := reqs[i]
		req.EntityType = entityType

		t, key, err := e.prepare(ctx, req)
		if err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}
		et = t

		g, ok := byKey[key]
		if !ok {
			g = &batchGroup{key: key}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.requests = append(g.requests, req)
	}

	byName, byExternalID, err := e.prefetch(ctx, et, groups)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.config.BatchConcurrency, 1))

	for _, group := range groups {
		g.Go(func() error {
			var entity *models.Entity
			for _, req := range group.requests {
				pre := &prefetch{}
				switch {
				case entity != nil:
					// later requests of a group refresh the entity the first resolved to
					pre.entity, pre.outcome = entity, OutcomeMatchedName
				case byExternalID[req.externalID()] != nil:
					pre.entity, pre.outcome = byExternalID[req.externalID()], OutcomeMatchedExternalID
				case byName[group.key] != nil:
					pre.entity, pre.outcome = byName[group.key], OutcomeMatchedName
				}

				resolved, outcome, err := e.resolve(gctx, et, group.key, req, pre)
				if err != nil {
					return err
				}
				metrics.RecordResolution(et.Slug, string(outcome))
				entity = resolved

				mu.Lock()
				results[req.Name] = resolved
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		tracing.RecordError(span, err)
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_type": et.Slug,
			"batch_size":  len(reqs),
		}).Error("Batch resolution failed")
		return results, err
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": et.Slug,
		"batch_size":  len(reqs),
		"distinct":    len(groups),
	}).Debug("Resolved batch")
	return results, nil
}

// prefetch loads every existing entity the batch could match exactly in two queries.
func (e *Engine) prefetch(ctx context.Context, et *models.EntityType, groups []*batchGroup) (map[string]*models.Entity, map[string]*models.Entity, error) {
	names := make([]string, 0, len(groups))
	var externalIDs []string
	for _, g := range groups {
		names = append(names, g.key)
		for _, req := range g.requests {
			if ext := req.externalID(); ext != "" {
				externalIDs = append(externalIDs, ext)
			}
		}
	}

	byName := make(map[string]*models.Entity, len(names))
	found, err := e.entities.FindByNormalizedNames(ctx, et.ID, names)
	if err != nil {
		return nil, nil, err
	}
	for _, entity := range found {
		byName[entity.NameNormalized] = entity
	}

	byExternalID := make(map[string]*models.Entity, len(externalIDs))
	if len(externalIDs) > 0 {
		found, err = e.entities.FindByExternalIDs(ctx, et.ID, externalIDs)
		if err != nil {
			return nil, nil, err
		}
		for _, entity := range found {
			if entity.ExternalID != nil {
				byExternalID[strings.TrimSpace(*entity.ExternalID)] = entity
			}
		}
	}
	return byName, byExternalID, nil
}
