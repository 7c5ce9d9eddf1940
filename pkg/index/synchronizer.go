package index

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailmule/mailmule/internal/observability"
	"github.com/mailmule/mailmule/internal/tracing"
	"github.com/mailmule/mailmule/pkg/record"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// State describes the synchronizer lifecycle.
type State int32

const (
	// StateEmpty means no snapshot has ever been built.
	StateEmpty State = iota
	// StateBuilding means the first snapshot is under construction.
	StateBuilding
	// StateReady means the snapshot reflects the last successful reconciliation.
	StateReady
	// StateStale means new data is known to exist (or the last reconciliation
	// failed); the previous snapshot keeps serving until the next pass.
	StateStale
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Source is the slice of the record store the synchronizer reads from.
type Source interface {
	ListEmbeddedVersions(ctx context.Context, kind record.Kind) (map[string]record.VersionInfo, error)
	GetEmbedded(ctx context.Context, kind record.Kind, ids []string) ([]record.Embedded, error)
	ListAllEmbedded(ctx context.Context, kind record.Kind) ([]record.Embedded, error)
}

// Synchronizer keeps one in-memory snapshot in step with the record store.
// Reconciliation diffs stored embed versions against what the snapshot
// contains: a purely additive diff below the threshold extends the snapshot
// in place, anything else triggers a full rebuild. Searches never block on
// reconciliation and reconciliation never blocks searches.
type Synchronizer struct {
	source    Source
	kind      record.Kind
	threshold float64
	logger    zerolog.Logger

	snap  atomic.Pointer[Snapshot]
	state atomic.Int32

	// mu serializes reconciliation; TryLock coalesces concurrent triggers
	// into the pass already running.
	mu      sync.Mutex
	known   map[string]record.VersionInfo
	version uint64

	rebuilds atomic.Uint64
	appends  atomic.Uint64
}

// NewSynchronizer creates a synchronizer for one entity kind. threshold is
// the additive fraction (of current snapshot size) up to which new entries
// are appended instead of rebuilding.
func NewSynchronizer(source Source, kind record.Kind, threshold float64, logger zerolog.Logger) *Synchronizer {
	s := &Synchronizer{
		source:    source,
		kind:      kind,
		threshold: threshold,
		logger:    logger.With().Str("index_kind", string(kind)).Logger(),
	}
	s.setState(StateEmpty)
	return s
}

// Kind returns the entity kind this synchronizer indexes.
func (s *Synchronizer) Kind() record.Kind {
	return s.kind
}

// State returns the current lifecycle state.
func (s *Synchronizer) State() State {
	return State(s.state.Load())
}

// MarkStale flags the index as behind the store. The snapshot keeps serving;
// the next Reconcile pass picks up the change.
func (s *Synchronizer) MarkStale() {
	if s.state.CompareAndSwap(int32(StateReady), int32(StateStale)) {
		observability.SetIndexState(string(s.kind), int(StateStale))
	}
}

// Search runs a top-k query against the current snapshot.
func (s *Synchronizer) Search(query []float32, k int) ([]Hit, error) {
	snap := s.snap.Load()
	if snap == nil {
		return nil, ErrIndexNotReady
	}
	return snap.Search(query, k)
}

// Entries returns the size of the current snapshot, 0 when none exists.
func (s *Synchronizer) Entries() int {
	if snap := s.snap.Load(); snap != nil {
		return snap.Len()
	}
	return 0
}

// RebuildCount returns how many full rebuilds have completed.
func (s *Synchronizer) RebuildCount() uint64 {
	return s.rebuilds.Load()
}

// AppendCount returns how many incremental appends have completed.
func (s *Synchronizer) AppendCount() uint64 {
	return s.appends.Load()
}

// Reconcile brings the snapshot up to date with the store. Concurrent calls
// coalesce: if a pass is already running the call returns immediately and
// the running pass's result stands. On error the previous snapshot keeps
// serving and the state degrades to STALE (or stays EMPTY).
func (s *Synchronizer) Reconcile(ctx context.Context) error {
	if !s.mu.TryLock() {
		return nil
	}
	defer s.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "mailmule.index", "index.reconcile",
		attribute.String("kind", string(s.kind)))
	defer span.End()

	start := time.Now()
	cur := s.snap.Load()
	if cur == nil {
		s.setState(StateBuilding)
	}

	versions, err := s.source.ListEmbeddedVersions(ctx, s.kind)
	if err != nil {
		return s.degrade(err)
	}

	added, mutated := s.diff(versions)

	switch {
	case cur != nil && !mutated && len(added) == 0:
		// Store and snapshot agree; nothing to do.
		s.setState(StateReady)

	case cur != nil && !mutated && float64(len(added)) <= s.threshold*float64(cur.Len()):
		if err := s.appendEntries(ctx, cur, added, versions); err != nil {
			return s.degrade(err)
		}

	default:
		if err := s.rebuild(ctx, versions); err != nil {
			return s.degrade(err)
		}
	}

	observability.RecordReconcile(string(s.kind), time.Since(start))
	return nil
}

// diff compares stored versions with what the snapshot holds. added lists
// ids present in the store but not the snapshot; mutated reports removals or
// re-embeds, either of which forces a full rebuild.
func (s *Synchronizer) diff(versions map[string]record.VersionInfo) (added []string, mutated bool) {
	for id, info := range s.known {
		got, ok := versions[id]
		if !ok || got.Version != info.Version {
			return nil, true
		}
	}
	for id := range versions {
		if _, ok := s.known[id]; !ok {
			added = append(added, id)
		}
	}
	return added, false
}

func (s *Synchronizer) appendEntries(ctx context.Context, cur *Snapshot, added []string, versions map[string]record.VersionInfo) error {
	entries, err := s.source.GetEmbedded(ctx, s.kind, added)
	if err != nil {
		return err
	}

	s.version++
	next, err := cur.extend(entries, s.version)
	if err != nil {
		return err
	}

	s.snap.Store(next)
	s.known = versions
	s.appends.Add(1)
	s.setState(StateReady)

	observability.RecordIndexRebuild(string(s.kind), "append")
	observability.SetIndexEntries(string(s.kind), next.Len())
	s.logger.Info().
		Int("added", len(entries)).
		Int("entries", next.Len()).
		Uint64("snapshot_version", next.version).
		Msg("Index extended incrementally")
	return nil
}

func (s *Synchronizer) rebuild(ctx context.Context, versions map[string]record.VersionInfo) error {
	// The old snapshot keeps serving while the replacement is built.
	s.setState(StateBuilding)

	entries, err := s.source.ListAllEmbedded(ctx, s.kind)
	if err != nil {
		return err
	}

	if len(entries) == 0 && s.snap.Load() == nil {
		// Nothing embedded yet; stay empty rather than serving a hollow index.
		s.known = versions
		s.setState(StateEmpty)
		return nil
	}

	s.version++
	next, err := newSnapshot(entries, s.version)
	if err != nil {
		return err
	}

	s.snap.Store(next)
	s.known = versions
	s.rebuilds.Add(1)
	s.setState(StateReady)

	observability.RecordIndexRebuild(string(s.kind), "full")
	observability.SetIndexEntries(string(s.kind), next.Len())
	s.logger.Info().
		Int("entries", next.Len()).
		Uint64("snapshot_version", next.version).
		Msg("Index rebuilt")
	return nil
}

// degrade records a failed pass. The old snapshot, if any, keeps serving.
func (s *Synchronizer) degrade(err error) error {
	if s.snap.Load() != nil {
		s.setState(StateStale)
	} else {
		s.setState(StateEmpty)
	}
	s.logger.Error().Err(err).Msg("Index reconciliation failed")
	return err
}

func (s *Synchronizer) setState(state State) {
	s.state.Store(int32(state))
	observability.SetIndexState(string(s.kind), int(state))
}
