package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/config"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/bootstrap"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/database"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/eventstore"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/notify"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/projections"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/provisioning"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/queue"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/quorum"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/router"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/search"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/tracing"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/workflow"
)

// backbone is the event store with its projections and post-commit observers
type backbone struct {
	db      *gorm.DB
	store   *eventstore.GormEventStore
	tracer  tracing.Tracer
	feed    *queue.RedisFeed
	indexer *search.EventIndexer
}

// openBackbone connects the database and wires every handler and observer.
// Redis, Elasticsearch and New Relic are optional; their failures only degrade.
func openBackbone(ctx context.Context, cfg config.Config) (*backbone, error) {
	db, err := database.Connect(cfg.DB, cfg.Environment == "development")
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	if cfg.DB.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			return nil, errors.Wrap(err, "failed to run migrations")
		}
	}

	r := router.New()
	if err := projections.Register(r); err != nil {
		return nil, errors.Wrap(err, "failed to register projections")
	}
	queue.Register(r)

	b := &backbone{db: db}
	b.store = eventstore.NewGormEventStore(db, r, domain.NewRegistry())

	b.tracer, err = tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		b.tracer = tracing.Disabled()
	}

	if cfg.Redis.Enabled {
		feed, err := queue.NewRedisFeed(cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Redis feed, workers will rely on polling")
		} else {
			b.feed = feed
			b.store.AddObserver(queue.FeedObserver(feed))
		}
	}

	if cfg.Elastic.Enabled {
		client, err := search.NewElasticClient(cfg.Elastic)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
		} else {
			b.indexer = search.NewEventIndexer(client, cfg.Elastic)
			if err := b.indexer.EnsureIndex(ctx); err != nil {
				log.Warn().Err(err).Str("index", b.indexer.Index()).Msg("Failed to ensure search index")
			}
			b.store.AddObserver(b.indexer)
		}
	}

	return b, nil
}

// queueFeed returns the feed as an interface value, nil when Redis is off
func (b *backbone) queueFeed() queue.Feed {
	if b.feed == nil {
		return nil
	}
	return b.feed
}

// Close releases the connections opened by openBackbone
func (b *backbone) Close() {
	if b.feed != nil {
		if err := b.feed.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close Redis feed")
		}
	}
	b.tracer.Close()
	if sqlDB, err := b.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// worker runs bootstrap workflows for claimed queue jobs
type worker struct {
	engine     *workflow.Engine
	dispatcher *queue.Dispatcher
	notifier   notify.Notifier
}

func newWorker(b *backbone, cfg config.Config) (*worker, error) {
	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.Azure.QueueConnStr != "" {
		sb, err := notify.NewServiceBusNotifier(cfg.Azure)
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize Azure Service Bus notifier")
		}
		notifier = sb
	} else {
		log.Warn().Msg("Azure Service Bus not configured, invitations will only be logged")
	}

	provisioner, err := provisioning.NewClient(cfg.Provisioning)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize DNS provisioning client")
	}

	saga := bootstrap.New(
		b.store,
		b.db,
		provisioner,
		quorum.NewDNSVerifier(cfg.Quorum),
		notifier,
		cfg.Saga,
	)
	engine := workflow.NewEngine(b.store, b.tracer)
	runner := bootstrap.NewRunner(engine, saga, b.store)

	workerCfg := cfg.Worker
	if workerCfg.ID == "" {
		host, _ := os.Hostname()
		workerCfg.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	dispatcher := queue.NewDispatcher(queue.New(b.db, b.store), b.queueFeed(), runner, workerCfg)

	return &worker{engine: engine, dispatcher: dispatcher, notifier: notifier}, nil
}

func (w *worker) Close() {
	if err := w.notifier.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close notifier")
	}
}
