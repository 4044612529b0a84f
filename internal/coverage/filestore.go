package coverage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

const (
	// decodeRetries bounds how often a failed state decode is retried
	// before the file is quarantined. A concurrent writer mid-rename can
	// produce one or two transient failures; persistent failure means the
	// file is actually corrupt.
	decodeRetries    = 5
	decodeRetryDelay = 200 * time.Millisecond

	// Lock polling bounds when the non-blocking flock probe loses the race.
	lockPollMin = 100 * time.Millisecond
	lockPollMax = 2 * time.Second

	// DefaultLockTimeout bounds how long a single operation waits for the
	// state file lock before giving up with ErrLockTimeout.
	DefaultLockTimeout = 30 * time.Second

	// rawResolutionKey is the leaf key used for series without a fixed
	// cadence, which carry an empty resolution.
	rawResolutionKey = "raw"
)

// stateDocument is the persisted form of one coverage partition: a versioned
// nested mapping source -> instrument class -> symbol -> series type ->
// resolution -> sorted disjoint [startRFC3339, endRFC3339] pairs.
type stateDocument struct {
	SchemaVersion int          `json:"schema_version"`
	UpdatedAt     time.Time    `json:"updated_at"`
	Coverage      coverageTree `json:"coverage"`
}

type coverageTree map[string]map[string]map[string]map[string]map[string][][2]string

// FileStore is a Store backed by one JSON file. Cross-process safety comes
// from a sidecar flock file (shared for reads, exclusive for updates); the
// in-process mutex serializes local goroutines before they contend for the
// file lock. Every update reloads the document from disk inside the
// exclusive lock, merges, and writes back through a unique temp file with
// fsync and atomic rename, so the file on disk is always one complete state.
type FileStore struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	mu          sync.Mutex
	logger      *slog.Logger
}

// NewFileStore creates a file-backed coverage store at path, creating the
// parent directory if needed. The state file itself is created lazily on the
// first update.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("coverage: state file path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("coverage: create state dir: %w", err)
	}
	return &FileStore{
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: DefaultLockTimeout,
		logger:      logger.With("component", "coverage_store", "state_file", filepath.Base(path)),
	}, nil
}

// Path returns the state file path.
func (s *FileStore) Path() string {
	return s.path
}

// SetLockTimeout overrides the default lock acquisition timeout. Must be
// called before the store is shared between goroutines.
func (s *FileStore) SetLockTimeout(d time.Duration) {
	if d > 0 {
		s.lockTimeout = d
	}
}

// Gaps implements Store.Gaps. It holds a shared lock for the whole read so a
// concurrent writer's rename cannot interleave with the load.
func (s *FileStore) Gaps(ctx context.Context, key models.SeriesKey, query timerange.Range) ([]timerange.Range, error) {
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("coverage: invalid query range: %w", err)
	}
	covered, err := s.Covered(ctx, key)
	if err != nil {
		return nil, err
	}
	return timerange.Missing(covered, query), nil
}

// Covered implements Store.Covered.
func (s *FileStore) Covered(ctx context.Context, key models.SeriesKey) ([]timerange.Range, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("coverage: invalid key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.acquireLock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer releaseLock(lock)

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return lookupRanges(doc.Coverage, key)
}

// MarkCovered implements Store.MarkCovered. The exclusive lock spans the
// entire reload-merge-write cycle so concurrent updates from other threads or
// processes never lose each other's work.
func (s *FileStore) MarkCovered(ctx context.Context, key models.SeriesKey, r timerange.Range) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("coverage: invalid key: %w", err)
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("coverage: invalid range: %w", err)
	}

	return s.update(ctx, func(doc *stateDocument) error {
		existing, err := lookupRanges(doc.Coverage, key)
		if err != nil {
			return err
		}
		storeRanges(doc.Coverage, key, timerange.Insert(existing, r))
		return nil
	})
}

// Keys implements Store.Keys.
func (s *FileStore) Keys(ctx context.Context) ([]models.SeriesKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.acquireLock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer releaseLock(lock)

	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	var keys []models.SeriesKey
	for source, instruments := range doc.Coverage {
		for instrument, symbols := range instruments {
			for symbol, seriesTypes := range symbols {
				for series, resolutions := range seriesTypes {
					for resolution := range resolutions {
						res := models.Resolution(resolution)
						if resolution == rawResolutionKey {
							res = ""
						}
						keys = append(keys, models.SeriesKey{
							Source:     source,
							Instrument: models.InstrumentClass(instrument),
							Symbol:     symbol,
							Series:     models.SeriesType(series),
							Resolution: res,
						})
					}
				}
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// Reset implements Store.Reset.
func (s *FileStore) Reset(ctx context.Context, key models.SeriesKey) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("coverage: invalid key: %w", err)
	}
	return s.update(ctx, func(doc *stateDocument) error {
		instruments, ok := doc.Coverage[key.Source]
		if !ok {
			return nil
		}
		symbols, ok := instruments[string(key.Instrument)]
		if !ok {
			return nil
		}
		seriesTypes, ok := symbols[key.Symbol]
		if !ok {
			return nil
		}
		resolutions, ok := seriesTypes[string(key.Series)]
		if !ok {
			return nil
		}
		delete(resolutions, resolutionKey(key))
		return nil
	})
}

// update runs mutate against the freshly loaded document under the exclusive
// lock and writes the result back atomically.
func (s *FileStore) update(ctx context.Context, mutate func(*stateDocument) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.acquireLock(ctx, true)
	if err != nil {
		return err
	}
	defer releaseLock(lock)

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := mutate(doc); err != nil {
		return err
	}
	doc.UpdatedAt = time.Now().UTC()
	return s.write(doc)
}

// load reads and decodes the state file. A missing file yields an empty
// document. Decode failures are retried a few times to tolerate a concurrent
// writer caught mid-rename on filesystems without atomic visibility; if the
// file still does not decode it is quarantined (renamed aside with a
// timestamp suffix) and an empty document is returned, trading the coverage
// cache for forward progress.
func (s *FileStore) load() (*stateDocument, error) {
	var lastErr error
	for attempt := 0; attempt < decodeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(decodeRetryDelay)
		}

		data, err := os.ReadFile(s.path)
		if os.IsNotExist(err) {
			return emptyDocument(), nil
		}
		if err != nil {
			lastErr = err
			continue
		}
		if len(data) == 0 {
			lastErr = fmt.Errorf("state file is empty")
			continue
		}

		var doc stateDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			lastErr = err
			continue
		}
		if doc.SchemaVersion > SchemaVersion {
			return nil, fmt.Errorf("%w: file has version %d, supported is %d", ErrSchemaTooNew, doc.SchemaVersion, SchemaVersion)
		}
		if doc.Coverage == nil {
			doc.Coverage = make(coverageTree)
		}
		return &doc, nil
	}

	quarantined := fmt.Sprintf("%s.corrupt.%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, quarantined); err != nil {
		return nil, fmt.Errorf("coverage: state file unreadable and quarantine failed: %v (decode error: %w)", err, lastErr)
	}
	s.logger.Warn("quarantined unreadable coverage state file, starting from empty state; already-fetched ranges may be re-downloaded",
		"quarantined_as", quarantined,
		"decode_error", lastErr,
	)
	return emptyDocument(), nil
}

// write serializes the document to a uniquely named temp file in the same
// directory, fsyncs it, and renames it over the target path. Any failure
// before the rename leaves the previous on-disk state untouched.
func (s *FileStore) write(doc *stateDocument) error {
	doc.SchemaVersion = SchemaVersion

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("coverage: encode state: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.%s.tmp", s.path, uuid.NewString())
	tmpFile, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("coverage: create temp state file: %w", err)
	}

	cleanup := true
	defer func() {
		if cleanup {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("coverage: write temp state file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("coverage: sync temp state file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("coverage: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("coverage: replace state file: %w", err)
	}
	cleanup = false
	return nil
}

// acquireLock takes the sidecar flock, shared for reads or exclusive for
// updates.
func (s *FileStore) acquireLock(ctx context.Context, exclusive bool) (*os.File, error) {
	return acquireFlock(ctx, s.lockPath, exclusive, s.lockTimeout)
}

// acquireFlock probes the lock non-blocking first, then polls with capped
// exponential backoff until the lock is granted or the timeout elapses. The
// lock lives in a sidecar file so the atomic rename of the state file never
// invalidates a held lock.
func acquireFlock(ctx context.Context, lockPath string, exclusive bool, timeout time.Duration) (*os.File, error) {
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("coverage: open lock file: %w", err)
	}

	lockType := syscall.LOCK_SH
	if exclusive {
		lockType = syscall.LOCK_EX
	}

	if err := syscall.Flock(int(file.Fd()), lockType|syscall.LOCK_NB); err == nil {
		return file, nil
	} else if err != syscall.EWOULDBLOCK {
		file.Close()
		return nil, fmt.Errorf("coverage: flock: %w", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wait := lockPollMin
	for {
		select {
		case <-lockCtx.Done():
			file.Close()
			return nil, fmt.Errorf("%w after %v: %v", ErrLockTimeout, timeout, lockCtx.Err())
		case <-time.After(wait):
			err := syscall.Flock(int(file.Fd()), lockType|syscall.LOCK_NB)
			if err == nil {
				return file, nil
			}
			if err != syscall.EWOULDBLOCK {
				file.Close()
				return nil, fmt.Errorf("coverage: flock: %w", err)
			}
			wait *= 2
			if wait > lockPollMax {
				wait = lockPollMax
			}
		}
	}
}

func releaseLock(file *os.File) {
	if file == nil {
		return
	}
	syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	file.Close()
}

func emptyDocument() *stateDocument {
	return &stateDocument{
		SchemaVersion: SchemaVersion,
		Coverage:      make(coverageTree),
	}
}

func resolutionKey(key models.SeriesKey) string {
	if key.Resolution.IsZero() {
		return rawResolutionKey
	}
	return string(key.Resolution)
}

// lookupRanges walks the nested mapping down to the leaf pair list for key
// and decodes it. An absent branch means no coverage yet.
func lookupRanges(tree coverageTree, key models.SeriesKey) ([]timerange.Range, error) {
	instruments, ok := tree[key.Source]
	if !ok {
		return nil, nil
	}
	symbols, ok := instruments[string(key.Instrument)]
	if !ok {
		return nil, nil
	}
	seriesTypes, ok := symbols[key.Symbol]
	if !ok {
		return nil, nil
	}
	resolutions, ok := seriesTypes[string(key.Series)]
	if !ok {
		return nil, nil
	}
	pairs, ok := resolutions[resolutionKey(key)]
	if !ok {
		return nil, nil
	}

	ranges := make([]timerange.Range, 0, len(pairs))
	for _, pair := range pairs {
		start, err := time.Parse(time.RFC3339Nano, pair[0])
		if err != nil {
			return nil, fmt.Errorf("coverage: bad interval start %q for %s: %w", pair[0], key, err)
		}
		end, err := time.Parse(time.RFC3339Nano, pair[1])
		if err != nil {
			return nil, fmt.Errorf("coverage: bad interval end %q for %s: %w", pair[1], key, err)
		}
		ranges = append(ranges, timerange.Range{Start: start.UTC(), End: end.UTC()})
	}
	// Stored sets are written normalized; merge again defensively so a
	// hand-edited file cannot violate the sorted-disjoint precondition of
	// the gap sweep.
	return timerange.Merge(ranges), nil
}

// storeRanges writes the normalized set back into the nested mapping,
// creating intermediate levels as needed.
func storeRanges(tree coverageTree, key models.SeriesKey, ranges []timerange.Range) {
	instruments, ok := tree[key.Source]
	if !ok {
		instruments = make(map[string]map[string]map[string]map[string][][2]string)
		tree[key.Source] = instruments
	}
	symbols, ok := instruments[string(key.Instrument)]
	if !ok {
		symbols = make(map[string]map[string]map[string][][2]string)
		instruments[string(key.Instrument)] = symbols
	}
	seriesTypes, ok := symbols[key.Symbol]
	if !ok {
		seriesTypes = make(map[string]map[string][][2]string)
		symbols[key.Symbol] = seriesTypes
	}
	resolutions, ok := seriesTypes[string(key.Series)]
	if !ok {
		resolutions = make(map[string][][2]string)
		seriesTypes[string(key.Series)] = resolutions
	}

	pairs := make([][2]string, 0, len(ranges))
	for _, r := range ranges {
		pairs = append(pairs, [2]string{
			r.Start.UTC().Format(time.RFC3339Nano),
			r.End.UTC().Format(time.RFC3339Nano),
		})
	}
	resolutions[resolutionKey(key)] = pairs
}
