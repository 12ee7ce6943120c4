package app

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/extractor"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/sourcesync"
)

func (a *App) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			return database.NewMigrationService(a.logger, a.cfg.Migration()).MigratePostgres(db, a.cfg.DatabaseName)
		},
	}
}

// withCore runs fn against the full service graph and releases it after.
func (a *App) withCore(ctx context.Context, fn func(c *core) error) error {
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

	return fn(a.buildCore(db, o.deps()))
}

type syncOptions struct {
	source      string
	file        string
	idleTimeout time.Duration
	endOnIdle   bool
}

func (a *App) syncCommand() *cobra.Command {
	opts := syncOptions{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass for a source",
		Long: `Run one full sync pass for a declared source. Records come from a
JSON lines file when --file is given, otherwise from the source topic.`,
		Example: `  fern sync --source gemeinden --file gemeinden.jsonl`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := a.source(opts.source)
			if err != nil {
				return err
			}
			return a.withCore(cmd.Context(), func(c *core) error {
				var report *sourcesync.SyncReport
				if opts.file != "" {
					report, err = syncFile(cmd.Context(), c, src, opts.file)
				} else {
					report, err = a.topicPass(c, opts.idleTimeout, opts.endOnIdle)(cmd.Context(), src)
				}
				if report != nil {
					printSyncReport(cmd.OutOrStdout(), report)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&opts.source, "source", "", "source slug")
	cmd.Flags().StringVar(&opts.file, "file", "", "JSON lines file holding the full listing")
	cmd.Flags().DurationVar(&opts.idleTimeout, "idle-timeout", 30*time.Second, "wait for the next topic message")
	cmd.Flags().BoolVar(&opts.endOnIdle, "end-on-idle", false, "treat an idle topic as the end of the listing")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func syncFile(ctx context.Context, c *core, src models.ExternalSource, path string) (*sourcesync.SyncReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return c.manager.SyncSource(ctx, src, sourcesync.NewJSONLinesStream(f))
}

// topicPass reads a source's listing from its topic. Each source has its
// own consumer group so passes never compete for partitions.
func (a *App) topicPass(c *core, idle time.Duration, endOnIdle bool) scheduler.PassFunc {
	return func(ctx context.Context, src models.ExternalSource) (*sourcesync.SyncReport, error) {
		if len(a.cfg.KafkaBrokers) == 0 {
			return nil, errors.New("no kafka brokers configured for topic passes")
		}
		reader := kafka.NewReader(kafka.ConsumerConfig{
			Brokers:       a.cfg.KafkaBrokers,
			Topic:         kafka.SourceTopic(src.Slug),
			ConsumerGroup: a.cfg.KafkaConsumerGroup + "." + src.Slug,
		})
		defer reader.Close()

		stream := kafka.NewRecordStream(reader, kafka.StreamConfig{
			Source:      src.Slug,
			IdleTimeout: idle,
			EndOnIdle:   endOnIdle,
		}, a.logger)
		return c.manager.SyncSource(ctx, src, stream)
	}
}

func (a *App) publishCommand() *cobra.Command {
	var slug, file string
	var batch int
	cmd := &cobra.Command{
		Use:     "publish",
		Short:   "Replay a listing file into a source topic",
		Example: `  fern publish --source gemeinden --file gemeinden.jsonl`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := a.source(slug)
			if err != nil {
				return err
			}
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			cfg := a.cfg.Producer()
			cfg.Topic = kafka.SourceTopic(src.Slug)
			producer := kafka.NewProducer(cfg, a.logger)
			defer producer.Close()

			n, err := publishListing(cmd.Context(), producer, src, sourcesync.NewJSONLinesStream(f), batch)
			if err != nil {
				return err
			}
			good.Fprintf(cmd.OutOrStdout(), "Published %d records to %s\n", n, cfg.Topic)
			return nil
		},
	}
	cmd.Flags().StringVar(&slug, "source", "", "source slug")
	cmd.Flags().StringVar(&file, "file", "", "JSON lines file holding the full listing")
	cmd.Flags().IntVar(&batch, "batch-size", 500, "records per write")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// recordPublisher is satisfied by kafka.Producer.
type recordPublisher interface {
	PublishRecords(ctx context.Context, source string, records []kafka.RecordMessage, endOfPass bool) error
}

// publishListing writes the whole stream in batches and closes it with an
// end-of-pass marker. An unreadable line fails the replay before the marker
// is sent, so consumers never see a partial listing as complete.
func publishListing(ctx context.Context, p recordPublisher, src models.ExternalSource, stream sourcesync.RecordStream, batch int) (int, error) {
	if batch <= 0 {
		batch = 500
	}
	total := 0
	buf := make([]kafka.RecordMessage, 0, batch)
	for {
		raw, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, err
		}
		msg := kafka.RecordMessage{ExternalID: raw.ExternalID, Fields: raw.Fields, ModifiedAt: raw.ModifiedAt}
		if msg.ExternalID == "" {
			msg.ExternalID = extractor.String(raw.Fields, src.ExternalIDField)
		}
		buf = append(buf, msg)
		if len(buf) == batch {
			if err := p.PublishRecords(ctx, src.Slug, buf, false); err != nil {
				return total, err
			}
			total += len(buf)
			buf = buf[:0]
		}
	}
	if err := p.PublishRecords(ctx, src.Slug, buf, true); err != nil {
		return total, err
	}
	return total + len(buf), nil
}

func (a *App) dedupeCommand() *cobra.Command {
	var slug string
	var opts merging.Options
	cmd := &cobra.Command{
		Use:   "dedupe",
		Short: "Merge duplicate entities of one type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withCore(cmd.Context(), func(c *core) error {
				report, err := c.merger.ResolveDuplicates(cmd.Context(), slug, opts)
				if err != nil {
					return err
				}
				printMergeReport(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&slug, "type", "", "entity type slug")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report groups without merging")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func (a *App) resolveCommand() *cobra.Command {
	var req resolver.ResolveRequest
	var externalID, parentID string
	cmd := &cobra.Command{
		Use:     "resolve",
		Short:   "Resolve a name to an entity, creating it when unknown",
		Example: `  fern resolve --type municipality --name "Stadt Bonn"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if externalID != "" {
				req.ExternalID = &externalID
			}
			if parentID != "" {
				req.ParentID = &parentID
			}
			return a.withCore(cmd.Context(), func(c *core) error {
				if err := c.schema.Check(cmd.Context(), req.EntityType, req.Attributes); err != nil {
					return err
				}
				entity, outcome, err := c.engine.ResolveOrCreate(cmd.Context(), req)
				if err != nil {
					return err
				}
				printResolved(cmd.OutOrStdout(), entity, outcome)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.EntityType, "type", "", "entity type slug")
	cmd.Flags().StringVar(&req.Name, "name", "", "name to resolve")
	cmd.Flags().StringVar(&externalID, "external-id", "", "external id of the entity")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent entity id")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
