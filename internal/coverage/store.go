// Package coverage persists which time ranges have already been fetched for
// each series, so backfill runs can skip work that is already done and resume
// cleanly after a crash. The store keeps one JSON document per state
// partition on disk and guards every access with a file lock, making it safe
// for multiple threads and multiple processes to share the same state files.
//
// Coverage is an optimization cache, not ground truth: losing a state file
// only costs re-fetching ranges that storage's idempotent upsert will absorb.
// The quality scanner reads stored records directly when the truth matters.
package coverage

import (
	"context"
	"errors"
	"time"

	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

// SchemaVersion identifies the persisted document layout. Bump it when the
// on-disk structure changes; loaders reject documents from a newer version.
const SchemaVersion = 1

// Sentinel errors for coverage operations.
var (
	// ErrLockTimeout is returned when the file lock cannot be acquired
	// before the context deadline.
	ErrLockTimeout = errors.New("coverage: timed out waiting for state file lock")

	// ErrSchemaTooNew is returned when the on-disk document was written by
	// a newer schema version than this binary understands.
	ErrSchemaTooNew = errors.New("coverage: state file schema version is newer than supported")
)

// Store tracks fetched ranges per series key. Implementations must be safe
// for concurrent use by multiple goroutines and, where the backing medium
// allows, multiple processes.
type Store interface {
	// Gaps computes the sub-ranges of query not yet covered for key.
	// An unknown key yields the whole query as one gap.
	Gaps(ctx context.Context, key models.SeriesKey, query timerange.Range) ([]timerange.Range, error)

	// MarkCovered records that the given range has been fetched and
	// persisted for key. The stored set is re-merged so it stays sorted
	// and pairwise disjoint. Marking the same range twice is a no-op.
	MarkCovered(ctx context.Context, key models.SeriesKey, r timerange.Range) error

	// Covered returns the current covered set for key, sorted and
	// disjoint. The returned slice is a copy.
	Covered(ctx context.Context, key models.SeriesKey) ([]timerange.Range, error)

	// Keys lists every series key present in the state file.
	Keys(ctx context.Context) ([]models.SeriesKey, error)

	// Reset removes all coverage for key. Storage records are untouched;
	// the next backfill recomputes gaps conservatively.
	Reset(ctx context.Context, key models.SeriesKey) error
}

// ListingResolver caches resolved listing dates per symbol so the expensive
// provider probes run at most once per symbol per state file.
type ListingResolver interface {
	// ListingDate returns the cached listing date for the symbol
	// identified by key, if one has been resolved before.
	ListingDate(ctx context.Context, key models.SeriesKey) (time.Time, bool, error)

	// PutListingDate records a resolved listing date.
	PutListingDate(ctx context.Context, key models.SeriesKey, listed time.Time) error
}
