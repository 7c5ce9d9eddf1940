package index

import (
	"fmt"
	"sort"

	"github.com/mailmule/mailmule/pkg/record"
)

// Hit is a single similarity match.
type Hit struct {
	ID    string
	Score float32
	Date  int64
}

// Snapshot is an immutable in-memory similarity index: a flat vector arena
// with parallel id and date slices. Searchers hold a snapshot pointer for the
// whole query; reconciliation swaps in a successor without touching what
// existing readers see.
type Snapshot struct {
	ids     []string
	dates   []int64
	arena   []float32 // row-major, len == len(ids)*dim
	dim     int
	version uint64
}

func newSnapshot(entries []record.Embedded, version uint64) (*Snapshot, error) {
	s := &Snapshot{version: version}
	if len(entries) == 0 {
		return s, nil
	}

	s.dim = len(entries[0].Vector)
	s.ids = make([]string, 0, len(entries))
	s.dates = make([]int64, 0, len(entries))
	s.arena = make([]float32, 0, len(entries)*s.dim)

	return s.extend(entries, version)
}

// extend returns a successor snapshot sharing this snapshot's arena prefix.
// Appending never moves entries existing readers can see, so sharing the
// backing arrays is safe as long as only one reconciler runs at a time.
func (s *Snapshot) extend(entries []record.Embedded, version uint64) (*Snapshot, error) {
	next := &Snapshot{
		ids:     s.ids,
		dates:   s.dates,
		arena:   s.arena,
		dim:     s.dim,
		version: version,
	}

	for _, e := range entries {
		if next.dim == 0 {
			next.dim = len(e.Vector)
		}
		if len(e.Vector) != next.dim {
			return nil, fmt.Errorf("entry %s has dimension %d, index has %d", e.ID, len(e.Vector), next.dim)
		}
		next.ids = append(next.ids, e.ID)
		next.dates = append(next.dates, e.Date)
		next.arena = append(next.arena, e.Vector...)
	}
	return next, nil
}

// Len returns the number of indexed entries.
func (s *Snapshot) Len() int {
	return len(s.ids)
}

// Dimension returns the vector dimension, or 0 for an empty snapshot.
func (s *Snapshot) Dimension() int {
	return s.dim
}

// Version returns the snapshot's build generation.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Search scores every entry against the query by inner product and returns
// the top k hits, highest score first. Equal scores break toward the more
// recent entry, then by id for determinism.
func (s *Snapshot) Search(query []float32, k int) ([]Hit, error) {
	if s.Len() == 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != s.dim {
		return nil, fmt.Errorf("query dimension %d does not match index dimension %d", len(query), s.dim)
	}

	hits := make([]Hit, s.Len())
	for i := range s.ids {
		row := s.arena[i*s.dim : (i+1)*s.dim]
		var score float32
		for j, q := range query {
			score += q * row[j]
		}
		hits[i] = Hit{ID: s.ids[i], Score: score, Date: s.dates[i]}
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		if hits[a].Date != hits[b].Date {
			return hits[a].Date > hits[b].Date
		}
		return hits[a].ID < hits[b].ID
	})

	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}
