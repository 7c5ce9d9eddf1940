package index

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/mailmule/mailmule/pkg/record"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is an in-memory stand-in for the record store.
type fakeSource struct {
	entries map[string]record.Embedded
	failErr error

	versionCalls int
	getCalls     int
	listAllCalls int
	onListAll    func()
}

func newFakeSource() *fakeSource {
	return &fakeSource{entries: make(map[string]record.Embedded)}
}

func (f *fakeSource) put(id string, vec []float32, date int64) {
	e := f.entries[id]
	e.ID = id
	e.Vector = vec
	e.Date = date
	e.Version++
	f.entries[id] = e
}

func (f *fakeSource) ListEmbeddedVersions(_ context.Context, _ record.Kind) (map[string]record.VersionInfo, error) {
	f.versionCalls++
	if f.failErr != nil {
		return nil, f.failErr
	}
	out := make(map[string]record.VersionInfo, len(f.entries))
	for id, e := range f.entries {
		out[id] = record.VersionInfo{Version: e.Version, Date: e.Date}
	}
	return out, nil
}

func (f *fakeSource) GetEmbedded(_ context.Context, _ record.Kind, ids []string) ([]record.Embedded, error) {
	f.getCalls++
	if f.failErr != nil {
		return nil, f.failErr
	}
	var out []record.Embedded
	for _, id := range ids {
		if e, ok := f.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) ListAllEmbedded(_ context.Context, _ record.Kind) ([]record.Embedded, error) {
	f.listAllCalls++
	if f.onListAll != nil {
		f.onListAll()
	}
	if f.failErr != nil {
		return nil, f.failErr
	}
	out := make([]record.Embedded, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func createTestSynchronizer(source Source) *Synchronizer {
	return NewSynchronizer(source, record.KindMessage, 0.25, zerolog.Nop())
}

func hitIDs(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

func TestColdStart(t *testing.T) {
	source := newFakeSource()
	sync := createTestSynchronizer(source)
	ctx := context.Background()

	assert.Equal(t, StateEmpty, sync.State())
	_, err := sync.Search([]float32{1, 0}, 5)
	assert.ErrorIs(t, err, ErrIndexNotReady)

	// Nothing embedded yet: reconciling keeps the index empty.
	require.NoError(t, sync.Reconcile(ctx))
	assert.Equal(t, StateEmpty, sync.State())
	_, err = sync.Search([]float32{1, 0}, 5)
	assert.ErrorIs(t, err, ErrIndexNotReady)

	source.put("m1", []float32{1, 0}, 100)
	require.NoError(t, sync.Reconcile(ctx))
	assert.Equal(t, StateReady, sync.State())
	assert.Equal(t, uint64(1), sync.RebuildCount())

	hits, err := sync.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, hitIDs(hits))
}

func TestZeroDiffTickIsNoOp(t *testing.T) {
	source := newFakeSource()
	source.put("m1", []float32{1, 0}, 100)
	sync := createTestSynchronizer(source)
	ctx := context.Background()

	require.NoError(t, sync.Reconcile(ctx))
	require.NoError(t, sync.Reconcile(ctx))
	require.NoError(t, sync.Reconcile(ctx))

	assert.Equal(t, uint64(1), sync.RebuildCount())
	assert.Equal(t, uint64(0), sync.AppendCount())
	assert.Equal(t, 1, source.listAllCalls)
	assert.Equal(t, 3, source.versionCalls)
}

func TestIncrementalAppend(t *testing.T) {
	source := newFakeSource()
	for i := 0; i < 10; i++ {
		source.put(string(rune('a'+i)), []float32{1, 0}, int64(i))
	}
	sync := createTestSynchronizer(source)
	ctx := context.Background()

	require.NoError(t, sync.Reconcile(ctx))
	require.Equal(t, uint64(1), sync.RebuildCount())

	// 2 additions over 10 entries is under the 0.25 threshold.
	source.put("y", []float32{0, 1}, 100)
	source.put("z", []float32{0, 1}, 200)
	require.NoError(t, sync.Reconcile(ctx))

	assert.Equal(t, uint64(1), sync.RebuildCount())
	assert.Equal(t, uint64(1), sync.AppendCount())
	assert.Equal(t, 12, sync.Entries())

	hits, err := sync.Search([]float32{0, 1}, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"y", "z"}, hitIDs(hits))
}

func TestAppendMatchesFullRebuild(t *testing.T) {
	source := newFakeSource()
	for i := 0; i < 8; i++ {
		source.put(string(rune('a'+i)), []float32{float32(i) / 8, 1 - float32(i)/8}, int64(i))
	}

	incremental := createTestSynchronizer(source)
	ctx := context.Background()
	require.NoError(t, incremental.Reconcile(ctx))

	source.put("new1", []float32{0.9, 0.1}, 50)
	require.NoError(t, incremental.Reconcile(ctx))
	require.Equal(t, uint64(1), incremental.AppendCount())

	// A synchronizer built fresh over the same store sees the same data via
	// a full rebuild; results must match the incremental path exactly.
	fresh := createTestSynchronizer(source)
	require.NoError(t, fresh.Reconcile(ctx))
	require.Equal(t, uint64(1), fresh.RebuildCount())

	query := []float32{0.7, 0.3}
	a, err := incremental.Search(query, 5)
	require.NoError(t, err)
	b, err := fresh.Search(query, 5)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestLargeAdditionForcesRebuild(t *testing.T) {
	source := newFakeSource()
	source.put("m1", []float32{1, 0}, 1)
	source.put("m2", []float32{0, 1}, 2)
	sync := createTestSynchronizer(source)
	ctx := context.Background()

	require.NoError(t, sync.Reconcile(ctx))

	// 3 additions over 2 entries blows the 0.25 threshold.
	source.put("m3", []float32{1, 1}, 3)
	source.put("m4", []float32{1, 1}, 4)
	source.put("m5", []float32{1, 1}, 5)
	require.NoError(t, sync.Reconcile(ctx))

	assert.Equal(t, uint64(2), sync.RebuildCount())
	assert.Equal(t, uint64(0), sync.AppendCount())
	assert.Equal(t, 5, sync.Entries())
}

func TestReembedForcesRebuild(t *testing.T) {
	source := newFakeSource()
	source.put("m1", []float32{1, 0}, 1)
	source.put("m2", []float32{0, 1}, 2)
	sync := createTestSynchronizer(source)
	ctx := context.Background()

	require.NoError(t, sync.Reconcile(ctx))

	// Overwriting bumps m1's version; the snapshot entry is invalid.
	source.put("m1", []float32{0, 1}, 1)
	require.NoError(t, sync.Reconcile(ctx))

	assert.Equal(t, uint64(2), sync.RebuildCount())
	hits, err := sync.Search([]float32{0, 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, "m2", hits[0].ID) // m2 is newer, wins the tie
}

func TestRemovalForcesRebuild(t *testing.T) {
	source := newFakeSource()
	source.put("m1", []float32{1, 0}, 1)
	source.put("m2", []float32{0, 1}, 2)
	sync := createTestSynchronizer(source)
	ctx := context.Background()

	require.NoError(t, sync.Reconcile(ctx))

	delete(source.entries, "m1")
	require.NoError(t, sync.Reconcile(ctx))

	assert.Equal(t, uint64(2), sync.RebuildCount())
	assert.Equal(t, 1, sync.Entries())
}

func TestReconcileErrorKeepsServing(t *testing.T) {
	source := newFakeSource()
	source.put("m1", []float32{1, 0}, 1)
	sync := createTestSynchronizer(source)
	ctx := context.Background()

	require.NoError(t, sync.Reconcile(ctx))

	source.failErr = errors.New("disk on fire")
	source.put("m2", []float32{0, 1}, 2)
	err := sync.Reconcile(ctx)
	assert.Error(t, err)
	assert.Equal(t, StateStale, sync.State())

	// The previous snapshot keeps answering.
	hits, err := sync.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, hitIDs(hits))

	// Recovery on the next pass.
	source.failErr = nil
	require.NoError(t, sync.Reconcile(ctx))
	assert.Equal(t, StateReady, sync.State())
	assert.Equal(t, 2, sync.Entries())
}

func TestRebuildPassesThroughBuilding(t *testing.T) {
	source := newFakeSource()
	source.put("m1", []float32{1, 0}, 1)
	sync := createTestSynchronizer(source)
	ctx := context.Background()

	require.NoError(t, sync.Reconcile(ctx))
	require.Equal(t, StateReady, sync.State())

	// A version bump forces a full rebuild; while the replacement snapshot
	// loads, the state reports BUILDING and the old one keeps serving.
	source.put("m1", []float32{0, 1}, 1)
	var during State
	var hitsDuring []Hit
	source.onListAll = func() {
		during = sync.State()
		hitsDuring, _ = sync.Search([]float32{1, 0}, 1)
	}
	require.NoError(t, sync.Reconcile(ctx))

	assert.Equal(t, StateBuilding, during)
	assert.Equal(t, []string{"m1"}, hitIDs(hitsDuring))
	assert.Equal(t, StateReady, sync.State())
}

func TestMarkStale(t *testing.T) {
	source := newFakeSource()
	source.put("m1", []float32{1, 0}, 1)
	sync := createTestSynchronizer(source)
	ctx := context.Background()

	require.NoError(t, sync.Reconcile(ctx))
	require.Equal(t, StateReady, sync.State())

	sync.MarkStale()
	assert.Equal(t, StateStale, sync.State())

	// Stale snapshots keep serving.
	_, err := sync.Search([]float32{1, 0}, 1)
	assert.NoError(t, err)

	require.NoError(t, sync.Reconcile(ctx))
	assert.Equal(t, StateReady, sync.State())
}

func TestSelfSimilarity(t *testing.T) {
	source := newFakeSource()
	source.put("m1", []float32{1, 0, 0}, 1)
	source.put("m2", []float32{0, 1, 0}, 2)
	source.put("m3", []float32{0, 0, 1}, 3)
	sync := createTestSynchronizer(source)
	require.NoError(t, sync.Reconcile(context.Background()))

	for id, e := range source.entries {
		hits, err := sync.Search(e.Vector, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, id, hits[0].ID)
	}
}

func TestSearchTieBreaksByRecency(t *testing.T) {
	source := newFakeSource()
	source.put("old", []float32{1, 0}, 100)
	source.put("new", []float32{1, 0}, 200)
	sync := createTestSynchronizer(source)
	require.NoError(t, sync.Reconcile(context.Background()))

	hits, err := sync.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "old"}, hitIDs(hits))
}

func TestSearchDimensionMismatch(t *testing.T) {
	source := newFakeSource()
	source.put("m1", []float32{1, 0}, 1)
	sync := createTestSynchronizer(source)
	require.NoError(t, sync.Reconcile(context.Background()))

	_, err := sync.Search([]float32{1, 0, 0}, 1)
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "empty", StateEmpty.String())
	assert.Equal(t, "building", StateBuilding.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "stale", StateStale.String())
	assert.Equal(t, "unknown", State(42).String())
}
