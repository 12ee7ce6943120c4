package app

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/datasource"
	"github.com/Ramsey-B/fern/internal/repositories/entity"
	"github.com/Ramsey-B/fern/internal/repositories/entitytype"
	"github.com/Ramsey-B/fern/internal/repositories/facet"
	"github.com/Ramsey-B/fern/internal/repositories/relation"
	"github.com/Ramsey-B/fern/internal/repositories/source"
	"github.com/Ramsey-B/fern/internal/repositories/syncrecord"
	"github.com/Ramsey-B/fern/pkg/cache"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/facets"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/relations"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/Ramsey-B/fern/pkg/sourcesync"
)

// deps are the optional outer services. Zero values disable them.
type deps struct {
	remote    cache.Remote
	projector relations.Projector
	publisher events.Publisher
}

// core is the service graph over one Postgres connection.
type core struct {
	db        database.DB
	typeStore *entitytype.Repository
	types     *cache.TypeCache
	entities  *entity.Repository
	sources   *source.Repository
	engine    *resolver.Engine
	schema    *schema.Service
	facets    *facets.Service
	relations *relations.Service
	manager   *sourcesync.Manager
	merger    *merging.Resolver
}

func (a *App) connect(ctx context.Context) (database.DB, error) {
	db, err := database.Connect(ctx, a.cfg.Database(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

func (a *App) buildCore(db database.DB, d deps) *core {
	typeStore := entitytype.NewRepository(db, a.logger)
	entities := entity.NewRepository(db, a.logger)
	facetStore := facet.NewRepository(db, a.logger)
	relationStore := relation.NewRepository(db, a.logger)
	dataSources := datasource.NewRepository(db, a.logger)
	sources := source.NewRepository(db, a.logger)
	records := syncrecord.NewRepository(db, a.logger)

	var emitter *events.Emitter
	if d.publisher != nil {
		emitter = events.NewEmitter(d.publisher, a.logger)
	}

	types := cache.NewTypeCache(typeStore, d.remote, a.cfg.TypeCacheTTL, a.logger)
	engine := resolver.NewEngine(entities, types, a.logger,
		resolver.WithConfig(a.cfg.Resolver()),
		resolver.WithTransactor(db),
		resolver.WithEmitter(emitter),
	)

	return &core{
		db:        db,
		typeStore: typeStore,
		types:     types,
		entities:  entities,
		sources:   sources,
		engine:    engine,
		schema:    schema.NewService(types, a.logger),
		facets:    facets.NewService(facetStore, entities, types, a.logger),
		relations: relations.NewService(relationStore, entities, types, d.projector, a.logger),
		manager: sourcesync.NewManager(engine, types, entities, sources, records, a.logger,
			sourcesync.WithTransactor(db),
			sourcesync.WithEmitter(emitter),
		),
		merger: merging.NewResolver(entities, types, engine, []merging.Dependent{
			{Name: "facet_values", Store: facetStore},
			{Name: "relations", Store: relationStore},
			{Name: "data_sources", Store: dataSources},
			{Name: "sync_records", Store: records},
		}, a.logger,
			merging.WithTransactor(db),
			merging.WithEmitter(emitter),
		),
	}
}

// registerSources upserts the declared sources so sync records can
// reference them, returning the stored rows.
func (c *core) registerSources(ctx context.Context, declared []models.ExternalSource) ([]models.ExternalSource, error) {
	out := make([]models.ExternalSource, 0, len(declared))
	for i := range declared {
		stored, err := c.sources.Upsert(ctx, &declared[i])
		if err != nil {
			return nil, fmt.Errorf("failed to register source %s: %w", declared[i].Slug, err)
		}
		out = append(out, *stored)
	}
	return out, nil
}

// source finds a declared source by slug.
func (a *App) source(slug string) (models.ExternalSource, error) {
	declared, err := config.LoadSources(a.cfg.SourcesFile)
	if err != nil {
		return models.ExternalSource{}, err
	}
	for _, src := range declared {
		if src.Slug == slug {
			return src, nil
		}
	}
	return models.ExternalSource{}, fmt.Errorf("source %q is not declared in %s", slug, a.cfg.SourcesFile)
}
