package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	entityTypePrefix   = "fern:entity_type:"
	facetTypePrefix    = "fern:facet_type:"
	relationTypePrefix = "fern:relation_type:"

	// InvalidationChannel carries invalidated keys between processes.
	InvalidationChannel = "fern:cache:invalidate"
)

// TypeStore loads types from the store on a cache miss.
type TypeStore interface {
	GetEntityTypeBySlug(ctx context.Context, slug string) (*models.EntityType, error)
	GetFacetTypeBySlug(ctx context.Context, slug string) (*models.FacetType, error)
	GetRelationTypeBySlug(ctx context.Context, slug string) (*models.RelationType, error)
}

// Remote is an optional shared tier (Redis) behind the in-process cache.
type Remote interface {
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, channel string, message string) error
	Subscribe(ctx context.Context, channel string, handle func(payload string)) error
}

// TypeCache resolves entity, facet and relation types by slug through a local TTL
// cache, an optional remote tier, and finally the store.
type TypeCache struct {
	store         TypeStore
	remote        Remote
	ttl           time.Duration
	logger        ectologger.Logger
	entityTypes   *TTLCache[*models.EntityType]
	facetTypes    *TTLCache[*models.FacetType]
	relationTypes *TTLCache[*models.RelationType]
}

// NewTypeCache creates a TypeCache. remote may be nil.
func NewTypeCache(store TypeStore, remote Remote, ttl time.Duration, logger ectologger.Logger, opts ...Option) *TypeCache {
	return &TypeCache{
		store:         store,
		remote:        remote,
		ttl:           ttl,
		logger:        logger,
		entityTypes:   New[*models.EntityType](ttl, opts...),
		facetTypes:    New[*models.FacetType](ttl, opts...),
		relationTypes: New[*models.RelationType](ttl, opts...),
	}
}

// EntityType returns the entity type with slug, or (nil, nil) if none exists.
func (c *TypeCache) EntityType(ctx context.Context, slug string) (*models.EntityType, error) {
	ctx, span := tracing.StartSpan(ctx, "cache.TypeCache.EntityType")
	defer span.End()

	return lookup(ctx, c, c.entityTypes, entityTypePrefix+slug, func(ctx context.Context) (*models.EntityType, error) {
		return c.store.GetEntityTypeBySlug(ctx, slug)
	})
}

// FacetType returns the facet type with slug, or (nil, nil) if none exists.
func (c *TypeCache) FacetType(ctx context.Context, slug string) (*models.FacetType, error) {
	ctx, span := tracing.StartSpan(ctx, "cache.TypeCache.FacetType")
	defer span.End()

	return lookup(ctx, c, c.facetTypes, facetTypePrefix+slug, func(ctx context.Context) (*models.FacetType, error) {
		return c.store.GetFacetTypeBySlug(ctx, slug)
	})
}

// RelationType returns the relation type with slug, or (nil, nil) if none exists.
func (c *TypeCache) RelationType(ctx context.Context, slug string) (*models.RelationType, error) {
	ctx, span := tracing.StartSpan(ctx, "cache.TypeCache.RelationType")
	defer span.End()

	return lookup(ctx, c, c.relationTypes, relationTypePrefix+slug, func(ctx context.Context) (*models.RelationType, error) {
		return c.store.GetRelationTypeBySlug(ctx, slug)
	})
}

func lookup[V any](ctx context.Context, c *TypeCache, local *TTLCache[*V], key string, load func(context.Context) (*V, error)) (*V, error) {
	if v, ok := local.Get(key); ok {
		return v, nil
	}

	if c.remote != nil {
		b, found, err := c.remote.GetBytes(ctx, key)
		if err != nil {
			c.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("Remote cache read failed")
		} else if found {
			var v V
			if err := json.Unmarshal(b, &v); err == nil {
				local.Set(key, &v)
				return &v, nil
			}
		}
	}

	v, err := load(ctx)
	if err != nil || v == nil {
		// misses are not cached so a newly created type is visible immediately
		return v, err
	}
	local.Set(key, v)

	if c.remote != nil {
		if b, err := json.Marshal(v); err == nil {
			if err := c.remote.Set(ctx, key, b, c.ttl); err != nil {
				c.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("Remote cache write failed")
			}
		}
	}
	return v, nil
}

// InvalidateEntityType drops slug locally, remotely and in peer processes.
func (c *TypeCache) InvalidateEntityType(ctx context.Context, slug string) {
	c.invalidate(ctx, entityTypePrefix+slug)
}

// InvalidateFacetType drops slug locally, remotely and in peer processes.
func (c *TypeCache) InvalidateFacetType(ctx context.Context, slug string) {
	c.invalidate(ctx, facetTypePrefix+slug)
}

func (c *TypeCache) InvalidateRelationType(ctx context.Context, slug string) {
	c.invalidate(ctx, relationTypePrefix+slug)
}

func (c *TypeCache) invalidate(ctx context.Context, key string) {
	c.invalidateLocal(key)
	if c.remote == nil {
		return
	}
	if err := c.remote.Del(ctx, key); err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("Remote cache delete failed")
	}
	if err := c.remote.Publish(ctx, InvalidationChannel, key); err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("Cache invalidation publish failed")
	}
}

func (c *TypeCache) invalidateLocal(key string) {
	switch {
	case key == "":
		c.entityTypes.InvalidateAll()
		c.facetTypes.InvalidateAll()
		c.relationTypes.InvalidateAll()
	case strings.HasPrefix(key, entityTypePrefix):
		c.entityTypes.Invalidate(key)
	case strings.HasPrefix(key, facetTypePrefix):
		c.facetTypes.Invalidate(key)
	case strings.HasPrefix(key, relationTypePrefix):
		c.relationTypes.Invalidate(key)
	}
}

// InvalidateAll empties the local tiers.
func (c *TypeCache) InvalidateAll() {
	c.invalidateLocal("")
}

// OnInvalidate registers a hook called with the cache key after any invalidation.
func (c *TypeCache) OnInvalidate(fn func(key string)) {
	c.entityTypes.OnInvalidate(fn)
	c.facetTypes.OnInvalidate(fn)
	c.relationTypes.OnInvalidate(fn)
}

// Listen applies invalidations published by other processes until ctx is done.
func (c *TypeCache) Listen(ctx context.Context) error {
	if c.remote == nil {
		return nil
	}
	return c.remote.Subscribe(ctx, InvalidationChannel, c.invalidateLocal)
}
