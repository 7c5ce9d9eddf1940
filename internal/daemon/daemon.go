package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/mailmule/mailmule/internal/config"
	"github.com/mailmule/mailmule/internal/logger"
	"github.com/mailmule/mailmule/pkg/backfill"
	"github.com/mailmule/mailmule/pkg/embed"
	"github.com/mailmule/mailmule/pkg/health"
	"github.com/mailmule/mailmule/pkg/index"
	"github.com/mailmule/mailmule/pkg/ingest"
	"github.com/mailmule/mailmule/pkg/query"
	"github.com/mailmule/mailmule/pkg/record"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Daemon wires the full pipeline: store, embedding gateway, index
// synchronizers, query engine, ingestion spool, backfill worker, HTTP API.
type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger

	store    *record.Store
	embedder embed.Embedder
	syncs    []*index.Synchronizer
	engine   *query.Engine
	gate     *health.Gate
	worker   *backfill.Worker
	watcher  *ingest.SpoolWatcher
	hub      *EventHub
	server   *Server
	cron     *cron.Cron
}

// New builds a daemon from configuration. Nothing runs until Run.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:    cfg,
		logger: logger.Component("daemon"),
	}

	store, err := record.Open(cfg.Store.Path, logger.Component("record"))
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	d.store = store

	d.embedder, err = embed.NewEmbedder(cfg.Embedding)
	if err != nil {
		store.Close()
		return nil, err
	}
	rewriter, err := embed.NewRewriter(cfg.Rewrite)
	if err != nil {
		store.Close()
		return nil, err
	}

	for _, kind := range config.IndexedKinds(cfg.Index.Granularity) {
		d.syncs = append(d.syncs, index.NewSynchronizer(
			store, kind, cfg.Index.IncrementalThreshold, logger.Component("index")))
	}

	searchers := make([]query.Searcher, len(d.syncs))
	gated := make([]health.Index, len(d.syncs))
	for i, s := range d.syncs {
		searchers[i] = s
		gated[i] = s
	}

	embedTimeout := time.Duration(cfg.Embedding.TimeoutSec) * time.Second
	rewriteTimeout := time.Duration(cfg.Rewrite.TimeoutSec) * time.Second
	d.engine = query.NewEngine(store, d.embedder, rewriter, searchers,
		rewriteTimeout, embedTimeout, logger.Component("query"))

	d.gate = health.NewGate(store, gated, 2*time.Second)
	d.worker = backfill.NewWorker(store, d.embedder, cfg.Backfill.BatchSize,
		embedTimeout, logger.Component("backfill"))
	d.hub = NewEventHub(logger.Component("events"))
	d.server = NewServer(cfg.Server, d.engine, d.gate, d.hub, logger.Component("http"))

	parser, err := ingest.NewParser()
	if err != nil {
		store.Close()
		return nil, err
	}
	d.watcher, err = ingest.NewSpoolWatcher(cfg.Ingest.SpoolDir, parser,
		d.ingestBatch, logger.Component("ingest"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to start spool watcher: %w", err)
	}

	d.cron = cron.New()
	return d, nil
}

// Run starts the schedules and the HTTP server, then blocks until the
// context is cancelled or the server dies.
func (d *Daemon) Run(ctx context.Context) error {
	if _, err := d.cron.AddFunc("@every "+d.cfg.ReconcileEvery().String(), func() {
		d.reconcileAll(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}
	if _, err := d.cron.AddFunc("@every "+d.cfg.BackfillEvery().String(), func() {
		d.backfillPass(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule backfill: %w", err)
	}
	d.cron.Start()

	// Drain anything already spooled, then bring the indexes up.
	d.watcher.Sweep(ctx)
	go func() {
		d.backfillPass(context.Background())
		d.reconcileAll(context.Background())
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.server.Start()
	}()

	d.logger.Info().Str("granularity", d.cfg.Index.Granularity).Msg("Daemon started")

	select {
	case <-ctx.Done():
		return d.Stop()
	case err := <-errCh:
		d.Stop()
		return err
	}
}

// Stop shuts everything down in dependency order.
func (d *Daemon) Stop() error {
	d.logger.Info().Msg("Daemon stopping")

	d.cron.Stop()
	if err := d.watcher.Stop(); err != nil {
		d.logger.Warn().Err(err).Msg("Spool watcher stop failed")
	}
	if err := d.server.Stop(); err != nil {
		d.logger.Warn().Err(err).Msg("HTTP server stop failed")
	}
	d.hub.Close()
	return d.store.Close()
}

// ingestBatch is the spool watcher's handler: persist, flag indexes stale,
// announce on the event stream.
func (d *Daemon) ingestBatch(ctx context.Context, records []record.Message) error {
	touched, err := d.store.UpsertMessages(ctx, records)
	if err != nil {
		return err
	}

	for _, s := range d.syncs {
		s.MarkStale()
	}

	d.hub.Broadcast("ingest.batch", map[string]interface{}{
		"messages":      len(records),
		"conversations": len(touched),
	})
	return nil
}

func (d *Daemon) reconcileAll(ctx context.Context) {
	for _, s := range d.syncs {
		before := s.State()
		if err := s.Reconcile(ctx); err != nil {
			d.logger.Warn().Err(err).Str("kind", string(s.Kind())).Msg("Reconciliation failed")
		}
		if after := s.State(); after != before {
			d.hub.Broadcast("index.state", map[string]interface{}{
				"kind":    string(s.Kind()),
				"from":    before.String(),
				"to":      after.String(),
				"entries": s.Entries(),
			})
		}
	}
}

func (d *Daemon) backfillPass(ctx context.Context) {
	total, err := d.worker.Run(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Backfill pass failed")
	}
	if total > 0 {
		for _, s := range d.syncs {
			s.MarkStale()
		}
		d.reconcileAll(ctx)
	}
}
