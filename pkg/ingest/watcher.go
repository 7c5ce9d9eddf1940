package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mailmule/mailmule/internal/observability"
	"github.com/mailmule/mailmule/pkg/record"
	"github.com/rs/zerolog"
)

// BatchFunc receives one validated batch. Returning an error leaves the
// originating file in failed/ for inspection.
type BatchFunc func(ctx context.Context, records []record.Message) error

// SpoolWatcher watches a spool directory for JSON batch files. Each new file
// is parsed, validated and handed to the batch handler; handled files move to
// processed/, broken ones to failed/. A bad file never takes the daemon down.
type SpoolWatcher struct {
	watcher  *fsnotify.Watcher
	parser   *Parser
	dir      string
	handle   BatchFunc
	logger   zerolog.Logger
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSpoolWatcher creates a spool watcher over dir and starts its event loop.
// Files already sitting in the spool are processed by an initial sweep.
func NewSpoolWatcher(dir string, parser *Parser, handle BatchFunc, logger zerolog.Logger) (*SpoolWatcher, error) {
	for _, sub := range []string{dir, filepath.Join(dir, "processed"), filepath.Join(dir, "failed")} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create spool directory: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	w := &SpoolWatcher{
		watcher:  watcher,
		parser:   parser,
		dir:      dir,
		handle:   handle,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	go w.run()

	return w, nil
}

// Stop stops the watcher and cancels any pending debounced sweep, so nothing
// touches the spool during shutdown. Safe to call more than once.
func (w *SpoolWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

// Sweep processes every batch file currently in the spool, oldest name first.
func (w *SpoolWatcher) Sweep(ctx context.Context) {
	files, err := filepath.Glob(filepath.Join(w.dir, "*.json"))
	if err != nil {
		w.logger.Error().Err(err).Msg("Spool sweep failed")
		return
	}
	sort.Strings(files)

	for _, path := range files {
		w.processFile(ctx, path)
	}
}

func (w *SpoolWatcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if !strings.HasSuffix(strings.ToLower(event.Name), ".json") {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Spool change detected")

				w.scheduleSweep()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Spool watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// scheduleSweep debounces bursts of file events into one sweep.
func (w *SpoolWatcher) scheduleSweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		w.Sweep(context.Background())
	})
}

func (w *SpoolWatcher) processFile(ctx context.Context, path string) {
	name := filepath.Base(path)

	records, err := w.readBatch(path)
	if err == nil && len(records) > 0 {
		err = w.handle(ctx, records)
	}

	if err != nil {
		observability.RecordIngestBatch(false, 0)
		w.logger.Error().Err(err).Str("file", name).Msg("Batch rejected")
		w.archive(path, "failed")
		return
	}

	observability.RecordIngestBatch(true, len(records))
	w.logger.Info().Str("file", name).Int("messages", len(records)).Msg("Batch ingested")
	w.archive(path, "processed")
}

func (w *SpoolWatcher) readBatch(path string) ([]record.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return w.parser.ParseBatch(data)
}

func (w *SpoolWatcher) archive(path, sub string) {
	dest := filepath.Join(w.dir, sub, time.Now().UTC().Format("20060102T150405")+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Error().Err(err).Str("file", filepath.Base(path)).Msg("Failed to archive batch file")
	}
}
