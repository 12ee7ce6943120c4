package resolver_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/memstore"
	"github.com/Ramsey-B/fern/pkg/cache"
	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolver"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fixture struct {
	store     *memstore.Store
	engine    *resolver.Engine
	published *events.MemoryPublisher
	typeID    string
}

func newFixture(t *testing.T, opts ...resolver.Option) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memstore.New()
	et, err := store.Types().CreateEntityType(ctx, models.EntityType{Slug: "municipality", Name: "Municipality", SupportsHierarchy: true})
	require.NoError(t, err)
	_, err = store.Types().CreateEntityType(ctx, models.EntityType{Slug: "organization", Name: "Organization"})
	require.NoError(t, err)

	published := &events.MemoryPublisher{}
	logger := testLogger()
	types := cache.NewTypeCache(store.Types(), nil, time.Minute, logger)

	base := []resolver.Option{
		resolver.WithTransactor(store),
		resolver.WithEmitter(events.NewEmitter(published, logger)),
	}
	engine := resolver.NewEngine(store.Entities(), types, logger, append(base, opts...)...)
	return &fixture{store: store, engine: engine, published: published, typeID: et.ID}
}

func (f *fixture) resolve(t *testing.T, req resolver.ResolveRequest) (*models.Entity, resolver.Outcome) {
	t.Helper()
	if req.EntityType == "" {
		req.EntityType = "municipality"
	}
	entity, outcome, err := f.engine.ResolveOrCreate(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, entity)
	return entity, outcome
}

func ptr[T any](v T) *T { return &v }

func TestResolveOrCreate_IsIdempotent(t *testing.T) {
	f := newFixture(t)

	first, outcome := f.resolve(t, resolver.ResolveRequest{Name: "München"})
	assert.Equal(t, resolver.OutcomeCreated, outcome)
	assert.Equal(t, "muenchen", first.NameNormalized)
	assert.Equal(t, "muenchen", first.Slug)
	assert.Equal(t, "/muenchen", first.HierarchyPath)
	assert.Equal(t, 0, first.HierarchyLevel)
	assert.True(t, first.IsActive)

	for _, name := range []string{"München", "Muenchen", "  MÜNCHEN "} {
		t.Run(name, func(t *testing.T) {
			again, outcome := f.resolve(t, resolver.ResolveRequest{Name: name})
			assert.Equal(t, resolver.OutcomeMatchedName, outcome)
			assert.Equal(t, first.ID, again.ID)
		})
	}

	assert.Len(t, f.store.Entities().All(), 1)
	assert.Len(t, f.published.Events(events.EventTypeEntityCreated), 1)
}

func TestResolveOrCreate_ExternalIDTakesPrecedence(t *testing.T) {
	f := newFixture(t)

	created, _ := f.resolve(t, resolver.ResolveRequest{Name: "München", ExternalID: ptr("09162000")})

	matched, outcome := f.resolve(t, resolver.ResolveRequest{Name: "Landeshauptstadt München", ExternalID: ptr("09162000")})
	assert.Equal(t, resolver.OutcomeMatchedExternalID, outcome)
	assert.Equal(t, created.ID, matched.ID)
	assert.Equal(t, "München", matched.Name)
}

func TestResolveOrCreate_FillsMissingExternalID(t *testing.T) {
	f := newFixture(t)

	created, _ := f.resolve(t, resolver.ResolveRequest{Name: "Köln"})
	assert.Nil(t, created.ExternalID)

	matched, outcome := f.resolve(t, resolver.ResolveRequest{Name: "Köln", ExternalID: ptr("05315000")})
	assert.Equal(t, resolver.OutcomeMatchedName, outcome)
	require.NotNil(t, matched.ExternalID)
	assert.Equal(t, "05315000", *matched.ExternalID)
	assert.Len(t, f.published.Events(events.EventTypeEntityUpdated), 1)
}

func TestResolveOrCreate_AttributePolicy(t *testing.T) {
	tests := []struct {
		name     string
		policy   models.MergePolicy
		expected models.Attributes
	}{
		{name: "merge keeps existing keys", policy: models.MergePolicyMerge, expected: models.Attributes{"population": float64(1500000), "area_km2": float64(310)}},
		{name: "default policy is merge", policy: "", expected: models.Attributes{"population": float64(1500000), "area_km2": float64(310)}},
		{name: "replace drops existing keys", policy: models.MergePolicyReplace, expected: models.Attributes{"area_km2": float64(310)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.resolve(t, resolver.ResolveRequest{Name: "München", Attributes: models.Attributes{"population": float64(1500000)}})

			updated, _ := f.resolve(t, resolver.ResolveRequest{
				Name:       "München",
				Attributes: models.Attributes{"area_km2": float64(310)},
				Policy:     tt.policy,
			})
			assert.Equal(t, tt.expected, updated.Attributes)
		})
	}
}

func TestResolveOrCreate_UnchangedMatchEmitsNoUpdate(t *testing.T) {
	f := newFixture(t)

	f.resolve(t, resolver.ResolveRequest{Name: "Bonn", Attributes: models.Attributes{"state": "NRW"}})
	f.resolve(t, resolver.ResolveRequest{Name: "Bonn", Attributes: models.Attributes{"state": "NRW"}})

	assert.Empty(t, f.published.Events(events.EventTypeEntityUpdated))
}

func TestResolveOrCreate_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name      string
		req       resolver.ResolveRequest
		notFound  bool
		errString string
	}{
		{name: "empty name", req: resolver.ResolveRequest{EntityType: "municipality", Name: "   "}},
		{name: "no comparable characters", req: resolver.ResolveRequest{EntityType: "municipality", Name: "!!!"}},
		{name: "missing entity type", req: resolver.ResolveRequest{Name: "Berlin"}},
		{name: "unknown policy", req: resolver.ResolveRequest{EntityType: "municipality", Name: "Berlin", Policy: "append"}},
		{name: "unknown entity type", req: resolver.ResolveRequest{EntityType: "planet", Name: "Berlin"}, notFound: true, errString: "planet"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entity, _, err := f.engine.ResolveOrCreate(context.Background(), tt.req)
			require.Error(t, err)
			assert.Nil(t, entity)
			assert.ErrorIs(t, err, ferrors.ErrValidation)
			if tt.notFound {
				assert.ErrorIs(t, err, ferrors.ErrNotFound)
			}
			if tt.errString != "" {
				assert.Contains(t, err.Error(), tt.errString)
			}
		})
	}

	assert.Empty(t, f.store.Entities().All())
}

func TestResolveOrCreate_ConcurrentCreatesYieldOneEntity(t *testing.T) {
	const workers = 16
	f := newFixture(t)

	// every worker reaches the insert before any of them proceeds
	var arrived sync.WaitGroup
	arrived.Add(workers)
	f.store.SetInsertHook(func() {
		arrived.Done()
		arrived.Wait()
	})

	type result struct {
		id      string
		outcome resolver.Outcome
		err     error
	}
	results := make(chan result, workers)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entity, outcome, err := f.engine.ResolveOrCreate(context.Background(), resolver.ResolveRequest{
				EntityType: "municipality",
				Name:       "Hamburg",
			})
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{id: entity.ID, outcome: outcome}
		}()
	}
	wg.Wait()
	close(results)

	ids := map[string]bool{}
	outcomes := map[resolver.Outcome]int{}
	for r := range results {
		require.NoError(t, r.err)
		ids[r.id] = true
		outcomes[r.outcome]++
	}

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, outcomes[resolver.OutcomeCreated])
	assert.Equal(t, workers-1, outcomes[resolver.OutcomeConflictRecovered])
	assert.Len(t, f.store.Entities().All(), 1)
}

func TestResolveOrCreate_SeparatesEntityTypes(t *testing.T) {
	f := newFixture(t)

	municipality, _ := f.resolve(t, resolver.ResolveRequest{Name: "Bremen"})
	org, outcome := f.resolve(t, resolver.ResolveRequest{EntityType: "organization", Name: "Bremen"})

	assert.Equal(t, resolver.OutcomeCreated, outcome)
	assert.NotEqual(t, municipality.ID, org.ID)
}

func TestResolveOrCreate_SimilarityThreshold(t *testing.T) {
	cfg := resolver.DefaultConfig()
	cfg.SimilarityThreshold = 0.85

	t.Run("administrative prefix matches", func(t *testing.T) {
		f := newFixture(t, resolver.WithConfig(cfg))
		existing, _ := f.resolve(t, resolver.ResolveRequest{Name: "München"})

		matched, outcome := f.resolve(t, resolver.ResolveRequest{Name: "Stadt München"})
		assert.Equal(t, resolver.OutcomeMatchedSimilar, outcome)
		assert.Equal(t, existing.ID, matched.ID)
	})

	t.Run("different names create", func(t *testing.T) {
		f := newFixture(t, resolver.WithConfig(cfg))
		existing, _ := f.resolve(t, resolver.ResolveRequest{Name: "Berlin"})

		created, outcome := f.resolve(t, resolver.ResolveRequest{Name: "Hamburg"})
		assert.Equal(t, resolver.OutcomeCreated, outcome)
		assert.NotEqual(t, existing.ID, created.ID)
	})

	t.Run("exact only by default", func(t *testing.T) {
		f := newFixture(t)
		existing, _ := f.resolve(t, resolver.ResolveRequest{Name: "München"})

		created, outcome := f.resolve(t, resolver.ResolveRequest{Name: "Stadt München"})
		assert.Equal(t, resolver.OutcomeCreated, outcome)
		assert.NotEqual(t, existing.ID, created.ID)
	})
}

func TestResolveOrCreate_Disambiguator(t *testing.T) {
	t.Run("confident answer matches existing entity", func(t *testing.T) {
		var hints []string
		oracle := resolver.DisambiguatorFunc(func(_ context.Context, h []string) (string, float64, error) {
			hints = h
			return "Frankfurt am Main", 0.9, nil
		})
		f := newFixture(t, resolver.WithDisambiguator(oracle))
		existing, _ := f.resolve(t, resolver.ResolveRequest{Name: "Frankfurt am Main"})

		matched, outcome := f.resolve(t, resolver.ResolveRequest{Name: "Frankfurt/M."})
		assert.Equal(t, resolver.OutcomeMatchedOracle, outcome)
		assert.Equal(t, existing.ID, matched.ID)
		require.NotEmpty(t, hints)
		assert.Equal(t, "Frankfurt/M.", hints[0])
		assert.Contains(t, hints, "Frankfurt am Main")
	})

	t.Run("low confidence is ignored", func(t *testing.T) {
		oracle := resolver.DisambiguatorFunc(func(context.Context, []string) (string, float64, error) {
			return "Frankfurt am Main", 0.2, nil
		})
		f := newFixture(t, resolver.WithDisambiguator(oracle))
		existing, _ := f.resolve(t, resolver.ResolveRequest{Name: "Frankfurt am Main"})

		created, outcome := f.resolve(t, resolver.ResolveRequest{Name: "Frankfurt/M."})
		assert.Equal(t, resolver.OutcomeCreated, outcome)
		assert.NotEqual(t, existing.ID, created.ID)
	})

	t.Run("unknown canonical name is used for the new entity", func(t *testing.T) {
		oracle := resolver.DisambiguatorFunc(func(context.Context, []string) (string, float64, error) {
			return "Frankfurt (Oder)", 0.8, nil
		})
		f := newFixture(t, resolver.WithDisambiguator(oracle))

		created, outcome := f.resolve(t, resolver.ResolveRequest{Name: "Ffo"})
		assert.Equal(t, resolver.OutcomeCreated, outcome)
		assert.Equal(t, "Frankfurt (Oder)", created.Name)
		assert.Equal(t, "frankfurtoder", created.NameNormalized)
	})

	t.Run("noop oracle creates", func(t *testing.T) {
		f := newFixture(t, resolver.WithDisambiguator(resolver.NoopDisambiguator{}))
		_, outcome := f.resolve(t, resolver.ResolveRequest{Name: "Kiel"})
		assert.Equal(t, resolver.OutcomeCreated, outcome)
	})

	t.Run("failing oracle degrades to create", func(t *testing.T) {
		oracle := resolver.DisambiguatorFunc(func(context.Context, []string) (string, float64, error) {
			return "", 0, assert.AnError
		})
		f := newFixture(t, resolver.WithDisambiguator(oracle))
		_, outcome := f.resolve(t, resolver.ResolveRequest{Name: "Kiel"})
		assert.Equal(t, resolver.OutcomeCreated, outcome)
	})
}

func TestResolveOrCreate_OracleTimeoutDegradesToCreate(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	// the oracle ignores its context entirely
	oracle := resolver.DisambiguatorFunc(func(context.Context, []string) (string, float64, error) {
		<-release
		return "Somewhere Else", 1, nil
	})

	cfg := resolver.DefaultConfig()
	cfg.OracleTimeout = 20 * time.Millisecond
	f := newFixture(t, resolver.WithConfig(cfg), resolver.WithDisambiguator(oracle))

	start := time.Now()
	created, outcome := f.resolve(t, resolver.ResolveRequest{Name: "Lübeck"})
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, resolver.OutcomeCreated, outcome)
	assert.Equal(t, "Lübeck", created.Name)
}

func TestWithTimeout(t *testing.T) {
	slow := resolver.DisambiguatorFunc(func(ctx context.Context, _ []string) (string, float64, error) {
		<-ctx.Done()
		return "", 0, ctx.Err()
	})

	_, _, err := resolver.WithTimeout(slow, 10*time.Millisecond).Interpret(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ferrors.ErrOracleUnavailable)

	fast := resolver.DisambiguatorFunc(func(context.Context, []string) (string, float64, error) {
		return "Kiel", 0.7, nil
	})
	name, confidence, err := resolver.WithTimeout(fast, time.Second).Interpret(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, "Kiel", name)
	assert.Equal(t, 0.7, confidence)
}
