package coverage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
)

// listingDocument is the persisted form of the listing-date cache: a
// versioned flat mapping from "source:instrument:symbol" to the earliest
// instant the provider has data for that symbol.
type listingDocument struct {
	SchemaVersion int               `json:"schema_version"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Listings      map[string]string `json:"listings"`
}

// ListingStore is a ListingResolver backed by its own JSON file, kept in a
// separate partition from coverage state because listing dates change at most
// once (on first resolution) while coverage churns on every page. It uses
// the same flock plus temp-file-and-rename discipline as FileStore.
type ListingStore struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	mu          sync.Mutex
	logger      *slog.Logger
}

// NewListingStore creates a file-backed listing-date cache at path.
func NewListingStore(path string, logger *slog.Logger) (*ListingStore, error) {
	if path == "" {
		return nil, fmt.Errorf("coverage: listing file path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("coverage: create listing dir: %w", err)
	}
	return &ListingStore{
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: DefaultLockTimeout,
		logger:      logger.With("component", "listing_store", "state_file", filepath.Base(path)),
	}, nil
}

// SetLockTimeout overrides the default lock acquisition timeout. Must be
// called before the store is shared between goroutines.
func (s *ListingStore) SetLockTimeout(d time.Duration) {
	if d > 0 {
		s.lockTimeout = d
	}
}

// ListingDate implements ListingResolver.ListingDate.
func (s *ListingStore) ListingDate(ctx context.Context, key models.SeriesKey) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.flock(ctx, false)
	if err != nil {
		return time.Time{}, false, err
	}
	defer releaseLock(lock)

	doc, err := s.load()
	if err != nil {
		return time.Time{}, false, err
	}

	raw, ok := doc.Listings[key.SymbolKey()]
	if !ok {
		return time.Time{}, false, nil
	}
	listed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("coverage: bad cached listing date %q for %s: %w", raw, key.SymbolKey(), err)
	}
	return listed.UTC(), true, nil
}

// PutListingDate implements ListingResolver.PutListingDate.
func (s *ListingStore) PutListingDate(ctx context.Context, key models.SeriesKey, listed time.Time) error {
	if listed.IsZero() {
		return fmt.Errorf("coverage: listing date cannot be zero")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.flock(ctx, true)
	if err != nil {
		return err
	}
	defer releaseLock(lock)

	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.Listings[key.SymbolKey()] = listed.UTC().Format(time.RFC3339Nano)
	doc.UpdatedAt = time.Now().UTC()
	return s.write(doc)
}

func (s *ListingStore) flock(ctx context.Context, exclusive bool) (*os.File, error) {
	return acquireFlock(ctx, s.lockPath, exclusive, s.lockTimeout)
}

func (s *ListingStore) load() (*listingDocument, error) {
	var lastErr error
	for attempt := 0; attempt < decodeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(decodeRetryDelay)
		}

		data, err := os.ReadFile(s.path)
		if os.IsNotExist(err) {
			return &listingDocument{SchemaVersion: SchemaVersion, Listings: make(map[string]string)}, nil
		}
		if err != nil {
			lastErr = err
			continue
		}

		var doc listingDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			lastErr = err
			continue
		}
		if doc.SchemaVersion > SchemaVersion {
			return nil, fmt.Errorf("%w: file has version %d, supported is %d", ErrSchemaTooNew, doc.SchemaVersion, SchemaVersion)
		}
		if doc.Listings == nil {
			doc.Listings = make(map[string]string)
		}
		return &doc, nil
	}

	quarantined := fmt.Sprintf("%s.corrupt.%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, quarantined); err != nil {
		return nil, fmt.Errorf("coverage: listing file unreadable and quarantine failed: %v (decode error: %w)", err, lastErr)
	}
	s.logger.Warn("quarantined unreadable listing cache, listing dates will be re-probed",
		"quarantined_as", quarantined,
		"decode_error", lastErr,
	)
	return &listingDocument{SchemaVersion: SchemaVersion, Listings: make(map[string]string)}, nil
}

func (s *ListingStore) write(doc *listingDocument) error {
	doc.SchemaVersion = SchemaVersion

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("coverage: encode listing cache: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.%s.tmp", s.path, uuid.NewString())
	tmpFile, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("coverage: create temp listing file: %w", err)
	}

	cleanup := true
	defer func() {
		if cleanup {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("coverage: write temp listing file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("coverage: sync temp listing file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("coverage: close temp listing file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("coverage: replace listing file: %w", err)
	}
	cleanup = false
	return nil
}
