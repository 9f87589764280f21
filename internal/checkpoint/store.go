// Package checkpoint defines the durable key->blob mapping for resumable
// run snapshots (spec §2 Checkpoint Store, §4.4 Checkpointing). It mirrors
// the teacher's state.Store contract but narrows it to the single
// responsibility the Checkpoint Store owns in this design: checkpoint
// records. Run/thread/agent/interrupt persistence live in their own
// component-owned stores (spec §3 Ownership).
package checkpoint

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound mirrors the teacher's state.ErrNotFound sentinel.
	ErrNotFound = errors.New("checkpoint: not found")
	// ErrConflict mirrors the teacher's state.ErrConflict sentinel. The
	// stores in this module never return it: Save overwrites a checkpoint
	// with the same (run_id, seq).
	ErrConflict = errors.New("checkpoint: conflict")
)

// Snapshot is the durable payload written every checkpoint_interval_ms and
// on every run state transition (§4.4).
type Snapshot struct {
	RunID          string         `json:"runId"`
	Seq            int            `json:"seq"`
	Status         string         `json:"status"`
	CurrentHandler string         `json:"currentHandler,omitempty"`
	ThreadCursor   int64          `json:"threadCursor,omitempty"`
	State          map[string]any `json:"state,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Store is the Checkpoint Store's persistence contract.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	LoadLatest(ctx context.Context, runID string) (Snapshot, error)
	List(ctx context.Context, runID string, limit int) ([]Snapshot, error)
	Close() error
}
