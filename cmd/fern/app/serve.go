package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/routes"
	"github.com/Ramsey-B/fern/pkg/routes/entity"
	"github.com/Ramsey-B/fern/pkg/routes/entitytype"
	"github.com/Ramsey-B/fern/pkg/routes/facet"
	graphroutes "github.com/Ramsey-B/fern/pkg/routes/graph"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/merge"
	"github.com/Ramsey-B/fern/pkg/routes/relation"
	"github.com/Ramsey-B/fern/pkg/routes/source"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	passTimeout     = 2 * time.Hour
	passIdleTimeout = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

func (a *App) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scheduled sync passes and the record consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *App) serve(ctx context.Context) error {
	log := a.logger.WithContext(ctx)

	shutdownTracing, err := tracing.Setup(ctx, a.cfg.AppName, a.cfg.OTLP())
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	db, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	o, err := a.openOuter()
	if err != nil {
		return err
	}
	defer o.close(context.Background())

	c := a.buildCore(db, o.deps())
	declared, err := config.LoadSources(a.cfg.SourcesFile)
	if err != nil {
		return err
	}

	sched := scheduler.New(a.topicPass(c, passIdleTimeout, false), a.logger, passTimeout)
	checker := health.NewChecker(a.version)
	checker.AddCheck("postgres", func(ctx context.Context) error { return db.SQL().PingContext(ctx) })

	st := startup.NewStartup(a.logger, a.cfg.StartupMaxAttempts)
	st.AddDependency(startup.Func{
		Name:    "postgres",
		OnStart: func(ctx context.Context) error { return db.SQL().PingContext(ctx) },
	})
	st.AddDependency(startup.Func{
		Name:     "sources",
		Requires: []string{"postgres"},
		OnStart: func(ctx context.Context) error {
			stored, err := c.registerSources(ctx, declared)
			if err != nil {
				return err
			}
			return sched.Register(stored...)
		},
	})
	if o.redis != nil {
		checker.AddCheck("redis", o.redis.Ping)
		st.AddDependency(startup.Func{Name: "redis", OnStart: o.redis.Ping})
	}
	if o.graph != nil {
		checker.AddCheck("graph", o.graph.VerifyConnectivity)
		st.AddDependency(startup.Func{Name: "graph", OnStart: o.graph.VerifyConnectivity})
	}
	if a.cfg.SchedulerEnabled {
		st.AddDependency(startup.Func{
			Name:     "scheduler",
			Requires: []string{"sources"},
			OnStart: func(context.Context) error {
				sched.Start()
				return nil
			},
			OnStop: sched.Stop,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.KafkaConsumerEnabled {
		consumer := kafka.NewConsumer(a.cfg.Consumer(), a.logger, a.applyMessage(c, sched))
		checker.AddCheck("kafka_consumer", func(context.Context) error {
			if !consumer.Health() {
				return errors.New("consumer is not running")
			}
			return nil
		})
		st.AddDependency(startup.Func{
			Name:     "consumer",
			Requires: []string{"sources"},
			OnStart: func(context.Context) error {
				return consumer.Start(gctx)
			},
			OnStop: func(context.Context) error { return consumer.Stop() },
		})
	}

	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = st.Stop(stopCtx)
	}()

	var querier graphroutes.Querier
	if o.graph != nil {
		querier = graph.NewQueryService(o.graph, a.logger)
	}
	e := routes.NewServer(a.cfg.AppName, routes.Handlers{
		Health:    checker,
		Entities:  entity.NewHandler(c.engine, c.entities, c.schema, a.logger),
		Types:     entitytype.NewHandler(c.typeStore, c.types, c.schema, a.logger),
		Facets:    facet.NewHandler(c.facets),
		Relations: relation.NewHandler(c.relations),
		Graph:     graphroutes.NewHandler(querier, a.logger),
		Sources:   source.NewHandler(sched, a.logger),
		Merge:     merge.NewHandler(c.merger),
	}, a.logger)
	if len(a.cfg.AllowOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{AllowOrigins: a.cfg.AllowOrigins}))
	}

	srv := a.httpServer(e)
	g.Go(func() error {
		log.WithField("port", a.cfg.Port).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return c.types.Listen(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		checker.SetReady(false)
		log.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	checker.SetReady(true)
	return g.Wait()
}

func (a *App) httpServer(h http.Handler) *http.Server {
	seconds := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		Handler:           h,
		ReadTimeout:       seconds(a.cfg.HttpServerReadTimeoutSeconds),
		WriteTimeout:      seconds(a.cfg.HttpServerWriteTimeoutSeconds),
		IdleTimeout:       seconds(a.cfg.HttpServerIdleTimeoutSeconds),
		ReadHeaderTimeout: seconds(a.cfg.ReadHeaderTimeoutSeconds),
	}
}

// applyMessage handles records arriving one at a time on the input topic.
// Records of undeclared sources can never succeed and are not retried.
func (a *App) applyMessage(c *core, sched *scheduler.Scheduler) kafka.MessageHandler {
	return func(ctx context.Context, msg *kafka.IncomingMessage) error {
		if msg.IsEndOfPass() {
			return nil
		}
		slug := msg.Source()
		for _, src := range sched.Sources() {
			if src.Slug != slug {
				continue
			}
			raw, err := msg.Record()
			if err != nil {
				return kafka.Permanent(err)
			}
			_, err = c.manager.ApplyRecord(ctx, src, raw)
			return err
		}
		return kafka.Permanent(fmt.Errorf("unknown source %q", slug))
	}
}
