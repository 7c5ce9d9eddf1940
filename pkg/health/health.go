package health

import (
	"context"
	"time"

	"github.com/mailmule/mailmule/pkg/index"
	"github.com/mailmule/mailmule/pkg/record"
)

// Pinger is the store connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Index is the read-only synchronizer surface the gate inspects.
type Index interface {
	Kind() record.Kind
	State() index.State
	Entries() int
}

// IndexStatus reports one synchronizer's state.
type IndexStatus struct {
	State   string `json:"state"`
	Entries int    `json:"entries"`
}

// Status is the health report. Healthy means the store answered within the
// deadline; index states are informational (a STALE index still serves).
type Status struct {
	StoreReachable bool                   `json:"store_reachable"`
	Indexes        map[string]IndexStatus `json:"indexes"`
}

// Gate answers health checks without side effects.
type Gate struct {
	store   Pinger
	indexes []Index
	timeout time.Duration
}

// NewGate creates a health gate. timeout bounds the store ping.
func NewGate(store Pinger, indexes []Index, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Gate{store: store, indexes: indexes, timeout: timeout}
}

// Check reports store reachability and index states.
func (g *Gate) Check(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	status := Status{
		StoreReachable: g.store.Ping(ctx) == nil,
		Indexes:        make(map[string]IndexStatus, len(g.indexes)),
	}
	for _, idx := range g.indexes {
		status.Indexes[string(idx.Kind())] = IndexStatus{
			State:   idx.State().String(),
			Entries: idx.Entries(),
		}
	}
	return status
}
