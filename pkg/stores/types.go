package stores

import (
	"context"
	"iter"
	"time"

	"github.com/netconverge/netconverge/pkg/engine"
)

// HistoryFilter selects ledger entries. Zero fields do not filter.
type HistoryFilter struct {
	Location string
	RunID    string
	Target   string
	Outcome  engine.Outcome
	Since    time.Time
	Until    time.Time

	// Limit caps the number of records yielded; 0 means no limit.
	Limit int
}

// RunSummary is one row of the run history.
type RunSummary struct {
	ID          string             `json:"id"`
	PlanID      string             `json:"plan_id"`
	Location    string             `json:"location"`
	Status      engine.ApplyStatus `json:"status"`
	OpCount     int                `json:"op_count"`
	Applied     int                `json:"applied"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
}

// LockInfo describes the holder of a location lock.
type LockInfo struct {
	Location   string    `json:"location"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Store is the persistence interface for the change ledger, run summaries and
// location locks.
type Store interface {
	engine.Ledger
	engine.RunStore
	engine.Locker

	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	// History yields matching change records oldest first. Records are read
	// lazily in pages; breaking out of the loop stops reading.
	History(ctx context.Context, filter HistoryFilter) iter.Seq2[engine.ChangeRecord, error]

	// Runs
	GetRun(ctx context.Context, id string) (*engine.ApplyReport, error)
	LastRun(ctx context.Context, location string) (*engine.ApplyReport, error)
	ListRuns(ctx context.Context, location string, limit, offset int) ([]*RunSummary, error)

	// Locks
	GetLock(ctx context.Context, location string) (*LockInfo, error)
}
