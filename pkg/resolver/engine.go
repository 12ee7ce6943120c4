// Package resolver resolves incoming (type, name, external id) triples to
// canonical entities, creating them race-safely when no match exists.
package resolver

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Outcome says how a request was resolved.
type Outcome string

const (
	OutcomeMatchedExternalID Outcome = "matched_external_id"
	OutcomeMatchedName       Outcome = "matched_name"
	OutcomeMatchedSimilar    Outcome = "matched_similar"
	OutcomeMatchedOracle     Outcome = "matched_oracle"
	OutcomeCreated           Outcome = "created"
	OutcomeConflictRecovered Outcome = "conflict_recovered"
)

// Created reports whether the call inserted a new entity.
func (o Outcome) Created() bool {
	return o == OutcomeCreated
}

// Config tunes resolution.
type Config struct {
	// SimilarityThreshold enables fuzzy candidate matching when below 1.0.
	SimilarityThreshold float64
	// MaxCandidates bounds the candidates fetched for fuzzy scoring.
	MaxCandidates int
	// OracleHints is the number of near-miss names passed to the disambiguator.
	OracleHints int
	OracleTimeout time.Duration
	// OracleMinConfidence is the confidence below which oracle answers are ignored.
	OracleMinConfidence float64
	// BatchConcurrency bounds concurrent resolutions in ResolveOrCreateMany.
	BatchConcurrency int
}

func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 1.0,
		MaxCandidates:       50,
		OracleHints:         5,
		OracleTimeout:       10 * time.Second,
		OracleMinConfidence: 0.5,
		BatchConcurrency:    8,
	}
}

// ResolveRequest is one incoming record to resolve.
type ResolveRequest struct {
	EntityType string             `json:"entity_type" validate:"required"`
	Name       string             `json:"name" validate:"required"`
	ExternalID *string            `json:"external_id,omitempty"`
	ParentID   *string            `json:"parent_id,omitempty"`
	Attributes models.Attributes  `json:"attributes,omitempty"`
	Policy     models.MergePolicy `json:"policy,omitempty"`
	SourceID   *string            `json:"source_id,omitempty"`
	Latitude   *float64           `json:"latitude,omitempty"`
	Longitude  *float64           `json:"longitude,omitempty"`
}

func (r ResolveRequest) externalID() string {
	if r.ExternalID == nil {
		return ""
	}
	return strings.TrimSpace(*r.ExternalID)
}

func (r ResolveRequest) policy() models.MergePolicy {
	if r.Policy.Valid() {
		return r.Policy
	}
	return models.MergePolicyMerge
}

// Engine is the entity matching engine.
type Engine struct {
	entities      EntityStore
	types         TypeResolver
	tx            database.Transactor
	disambiguator Disambiguator
	emitter       *events.Emitter
	logger        ectologger.Logger
	config        Config
	now           func() time.Time
}

type Option func(*Engine)

func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.config = cfg }
}

// WithDisambiguator installs an oracle; calls are bounded by Config.OracleTimeout.
func WithDisambiguator(d Disambiguator) Option {
	return func(e *Engine) { e.disambiguator = d }
}

func WithEmitter(emitter *events.Emitter) Option {
	return func(e *Engine) { e.emitter = emitter }
}

func WithTransactor(tx database.Transactor) Option {
	return func(e *Engine) { e.tx = tx }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(entities EntityStore, types TypeResolver, logger ectologger.Logger, opts ...Option) *Engine {
	e := &Engine{
		entities: entities,
		types:    types,
		tx:       database.NoTx,
		logger:   logger,
		config:   DefaultConfig(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.disambiguator != nil && e.config.OracleTimeout > 0 {
		e.disambiguator = WithTimeout(e.disambiguator, e.config.OracleTimeout)
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

// ResolveOrCreate returns the entity req refers to, creating it if none
// matches. It is idempotent and safe under concurrent calls for the same key.
func (e *Engine) ResolveOrCreate(ctx context.Context, req ResolveRequest) (*models.Entity, Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Engine.ResolveOrCreate")
	defer span.End()

	et, key, err := e.prepare(ctx, req)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, "", err
	}

	entity, outcome, err := e.resolve(ctx, et, key, req, nil)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, "", err
	}
	metrics.RecordResolution(et.Slug, string(outcome))
	return entity, outcome, nil
}

// prepare validates req and returns its entity type and normalized key.
func (e *Engine) prepare(ctx context.Context, req ResolveRequest) (*models.EntityType, string, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, "", ferrors.Validation("entity name is required")
	}
	key := normalizers.Normalize(name)
	if key == "" {
		return nil, "", ferrors.Validation("entity name %q has no comparable characters", req.Name)
	}
	if strings.TrimSpace(req.EntityType) == "" {
		return nil, "", ferrors.Validation("entity type is required")
	}
	if req.Policy != "" && !req.Policy.Valid() {
		return nil, "", ferrors.Validation("unknown attribute policy %q", req.Policy)
	}

	et, err := e.types.EntityType(ctx, req.EntityType)
	if err != nil {
		return nil, "", err
	}
	if et == nil {
		return nil, "", ferrors.UnknownType("entity type", req.EntityType)
	}
	return et, key, nil
}

// prefetch carries the outcome of a batch lookup for one request.
type prefetch struct {
	entity  *models.Entity
	outcome Outcome
}

// resolve runs the resolution order. pre, when non-nil, replaces the exact
// external id and name lookups with a batch pre-fetch result.
func (e *Engine) resolve(ctx context.Context, et *models.EntityType, key string, req ResolveRequest, pre *prefetch) (*models.Entity, Outcome, error) {
	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": et.Slug,
		"name":        req.Name,
	})

	match, outcome, nearMisses, err := e.find(ctx, et, key, req, pre)
	if err != nil {
		return nil, "", err
	}

	name := strings.TrimSpace(req.Name)
	if match == nil && e.disambiguator != nil {
		canonical := e.consultOracle(ctx, name, nearMisses)
		if canonical != "" {
			if canonicalKey := normalizers.Normalize(canonical); canonicalKey != "" && canonicalKey != key {
				match, err = e.entities.FindByNormalizedName(ctx, et.ID, canonicalKey)
				if err != nil {
					return nil, "", err
				}
				if match != nil {
					outcome = OutcomeMatchedOracle
				} else {
					name, key = canonical, canonicalKey
				}
			}
		}
	}

	if match != nil {
		updated, err := e.applyMatch(ctx, et, match, req)
		if err != nil {
			return nil, "", err
		}
		log.WithField("entity_id", updated.ID).WithField("outcome", outcome).Debug("Resolved existing entity")
		return updated, outcome, nil
	}

	return e.create(ctx, et, name, key, req)
}

// find walks external id, exact name and fuzzy candidates. It also returns
// the scored near misses for the oracle.
func (e *Engine) find(ctx context.Context, et *models.EntityType, key string, req ResolveRequest, pre *prefetch) (*models.Entity, Outcome, []string, error) {
	if pre != nil {
		if pre.entity != nil {
			return pre.entity, pre.outcome, nil, nil
		}
	} else {
		if ext := req.externalID(); ext != "" {
			match, err := e.entities.FindByExternalID(ctx, et.ID, ext)
			if err != nil {
				return nil, "", nil, err
			}
			if match != nil {
				return match, OutcomeMatchedExternalID, nil, nil
			}
		}

		match, err := e.entities.FindByNormalizedName(ctx, et.ID, key)
		if err != nil {
			return nil, "", nil, err
		}
		if match != nil {
			return match, OutcomeMatchedName, nil, nil
		}
	}

	if e.config.SimilarityThreshold >= 1.0 && e.disambiguator == nil {
		return nil, "", nil, nil
	}

	candidates, err := e.entities.FindCandidates(ctx, et.ID, key, e.config.MaxCandidates)
	if err != nil {
		return nil, "", nil, err
	}
	scored := scoreCandidates(req.Name, candidates)

	if e.config.SimilarityThreshold < 1.0 && len(scored) > 0 && scored[0].score >= e.config.SimilarityThreshold {
		return scored[0].entity, OutcomeMatchedSimilar, nil, nil
	}

	limit := min(e.config.OracleHints, len(scored))
	hints := make([]string, 0, limit)
	for _, c := range scored[:limit] {
		hints = append(hints, c.entity.Name)
	}
	return nil, "", hints, nil
}

type scoredCandidate struct {
	entity *models.Entity
	score  float64
}

// scoreCandidates orders candidates by similarity, most recently updated first on ties.
func scoreCandidates(name string, candidates []*models.Entity) []scoredCandidate {
	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, scoredCandidate{entity: c, score: matching.Similarity(name, c.Name)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].entity.UpdatedAt.After(scored[j].entity.UpdatedAt)
	})
	return scored
}

// consultOracle returns the oracle's canonical name, or "" when it has none,
// is not confident, or is unavailable.
func (e *Engine) consultOracle(ctx context.Context, name string, nearMisses []string) string {
	ctx, span := tracing.StartSpan(ctx, "resolver.Engine.consultOracle")
	defer span.End()

	hints := append([]string{name}, nearMisses...)
	canonical, confidence, err := e.disambiguator.Interpret(ctx, hints)
	if err != nil {
		metrics.RecordOracleCall("unavailable")
		e.logger.WithContext(ctx).WithError(err).WithField("name", name).
			Warn("Disambiguation oracle unavailable, creating a new entity")
		return ""
	}

	canonical = strings.TrimSpace(canonical)
	if canonical == "" || confidence < e.config.OracleMinConfidence {
		metrics.RecordOracleCall("miss")
		return ""
	}
	metrics.RecordOracleCall("hit")
	return canonical
}

// create inserts a new entity optimistically. A lost race is recovered by
// re-querying the winner once.
func (e *Engine) create(ctx context.Context, et *models.EntityType, name, key string, req ResolveRequest) (*models.Entity, Outcome, error) {
	now := e.now()
	entity := &models.Entity{
		ID:             uuid.New().String(),
		EntityTypeID:   et.ID,
		Name:           name,
		NameNormalized: key,
		Slug:           normalizers.Slugify(name),
		ParentID:       req.ParentID,
		Attributes:     models.Attributes{}.Apply(req.Attributes, models.MergePolicyReplace),
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		IsActive:       true,
		LastSeenAt:     &now,
		SourceID:       req.SourceID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if entity.Attributes == nil {
		entity.Attributes = models.Attributes{}
	}
	if ext := req.externalID(); ext != "" {
		entity.ExternalID = &ext
	}
	if err := e.placeInHierarchy(ctx, et, entity); err != nil {
		return nil, "", err
	}

	result, err := e.entities.Insert(ctx, entity)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("name", name).Error("Failed to insert entity")
		return nil, "", err
	}

	if result.IsConflict() {
		return e.recoverConflict(ctx, et, result.Conflict, req)
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_id":   result.Entity.ID,
		"entity_type": et.Slug,
		"name":        result.Entity.Name,
	}).Info("Created entity")
	e.emitter.EntityCreated(ctx, result.Entity)
	return result.Entity, OutcomeCreated, nil
}

func (e *Engine) recoverConflict(ctx context.Context, et *models.EntityType, conflict *models.Conflict, req ResolveRequest) (*models.Entity, Outcome, error) {
	winner, err := e.entities.FindByNormalizedName(ctx, conflict.EntityTypeID, conflict.NameNormalized)
	if err != nil {
		return nil, "", err
	}
	if winner == nil && conflict.ExternalID != nil {
		winner, err = e.entities.FindByExternalID(ctx, conflict.EntityTypeID, *conflict.ExternalID)
		if err != nil {
			return nil, "", err
		}
	}
	if winner == nil {
		// the winner was deactivated between our insert and the re-query
		return nil, "", ferrors.NotFound("entity", conflict.NameNormalized)
	}

	metrics.RecordConflictRecovered(et.Slug)
	e.logger.WithContext(ctx).WithError(ferrors.ErrConflictRecovered).WithFields(map[string]any{
		"entity_id":       winner.ID,
		"name_normalized": conflict.NameNormalized,
	}).Debug("Lost create race, using existing entity")

	updated, err := e.applyMatch(ctx, et, winner, req)
	if err != nil {
		return nil, "", err
	}
	return updated, OutcomeConflictRecovered, nil
}

// applyMatch refreshes a matched entity with the request's data.
func (e *Engine) applyMatch(ctx context.Context, et *models.EntityType, entity *models.Entity, req ResolveRequest) (*models.Entity, error) {
	updated := *entity
	before := fingerprint.Generate(updated.Attributes)
	changed := false

	updated.Attributes = entity.Attributes.Apply(req.Attributes, req.policy())
	if updated.Attributes == nil {
		updated.Attributes = models.Attributes{}
	}
	if fingerprint.Generate(updated.Attributes) != before {
		changed = true
	}

	if ext := req.externalID(); ext != "" && !updated.HasExternalID() {
		updated.ExternalID = &ext
		changed = true
	}
	if req.Latitude != nil && req.Longitude != nil {
		if updated.Latitude == nil || *updated.Latitude != *req.Latitude || updated.Longitude == nil || *updated.Longitude != *req.Longitude {
			updated.Latitude, updated.Longitude = req.Latitude, req.Longitude
			changed = true
		}
	}
	if req.SourceID != nil && updated.SourceID == nil {
		updated.SourceID = req.SourceID
	}

	now := e.now()
	updated.LastSeenAt = &now
	updated.UpdatedAt = now

	if req.ParentID != nil && (updated.ParentID == nil || *updated.ParentID != *req.ParentID) {
		if err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := e.entities.Update(ctx, &updated); err != nil {
				return err
			}
			moved, err := e.reparent(ctx, &updated, req.ParentID)
			if err != nil {
				return err
			}
			updated = *moved
			return nil
		}); err != nil {
			return nil, err
		}
		e.emitter.EntityUpdated(ctx, &updated)
		return &updated, nil
	}

	if err := e.entities.Update(ctx, &updated); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("entity_id", updated.ID).Error("Failed to update matched entity")
		return nil, err
	}
	if changed {
		e.emitter.EntityUpdated(ctx, &updated)
	}
	return &updated, nil
}
