package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

// MemoryStorage is an in-memory FullStorage used by tests and dry runs.
// Upserts are keyed by (series, timestamp) so repeated writes of the same
// slot replace rather than duplicate, matching the idempotent-upsert
// contract of the persistent backends.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[models.SeriesKey]map[int64]models.Record
	funding map[models.SeriesKey]map[int64]models.FundingRecord
	trades  map[models.SeriesKey]map[models.Trade]struct{}
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make(map[models.SeriesKey]map[int64]models.Record),
		funding: make(map[models.SeriesKey]map[int64]models.FundingRecord),
		trades:  make(map[models.SeriesKey]map[models.Trade]struct{}),
	}
}

// Initialize implements Manager.Initialize.
func (m *MemoryStorage) Initialize(ctx context.Context) error { return nil }

// Close implements Manager.Close.
func (m *MemoryStorage) Close() error { return nil }

// HealthCheck implements Manager.HealthCheck.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error { return nil }

// Upsert implements RecordUpserter.Upsert.
func (m *MemoryStorage) Upsert(ctx context.Context, records []models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		key := r.Key()
		slots, ok := m.records[key]
		if !ok {
			slots = make(map[int64]models.Record)
			m.records[key] = slots
		}
		slots[r.Timestamp.UTC().UnixMilli()] = r
	}
	return nil
}

// ReadRange implements RecordReader.ReadRange.
func (m *MemoryStorage) ReadRange(ctx context.Context, key models.SeriesKey, r timerange.Range) ([]models.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Record
	for _, rec := range m.records[key] {
		if r.Contains(rec.Timestamp) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// LastRecordBefore implements RecordReader.LastRecordBefore.
func (m *MemoryStorage) LastRecordBefore(ctx context.Context, key models.SeriesKey, instant time.Time) (*models.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *models.Record
	for _, rec := range m.records[key] {
		rec := rec
		if rec.Timestamp.Before(instant) && (best == nil || rec.Timestamp.After(best.Timestamp)) {
			best = &rec
		}
	}
	return best, nil
}

// ObservedExtent implements RecordReader.ObservedExtent.
func (m *MemoryStorage) ObservedExtent(ctx context.Context, key models.SeriesKey) (*Extent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slots := m.records[key]
	if len(slots) == 0 {
		return nil, nil
	}

	ext := &Extent{Count: int64(len(slots))}
	for _, rec := range slots {
		if ext.First.IsZero() || rec.Timestamp.Before(ext.First) {
			ext.First = rec.Timestamp
		}
		if rec.Timestamp.After(ext.Last) {
			ext.Last = rec.Timestamp
		}
	}
	return ext, nil
}

// Keys implements RecordStorage.Keys.
func (m *MemoryStorage) Keys(ctx context.Context) ([]models.SeriesKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []models.SeriesKey
	for key, slots := range m.records {
		if len(slots) > 0 {
			keys = append(keys, key)
		}
	}
	for key, set := range m.trades {
		if len(set) > 0 {
			keys = append(keys, key)
		}
	}
	for key, slots := range m.funding {
		if len(slots) > 0 {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// UpsertFunding implements FundingStorage.UpsertFunding.
func (m *MemoryStorage) UpsertFunding(ctx context.Context, records []models.FundingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		key := r.Key()
		slots, ok := m.funding[key]
		if !ok {
			slots = make(map[int64]models.FundingRecord)
			m.funding[key] = slots
		}
		slots[r.Timestamp.UTC().UnixMilli()] = r
	}
	return nil
}

// ReadFundingRange implements FundingStorage.ReadFundingRange.
func (m *MemoryStorage) ReadFundingRange(ctx context.Context, key models.SeriesKey, r timerange.Range) ([]models.FundingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.FundingRecord
	for _, rec := range m.funding[key] {
		if r.Contains(rec.Timestamp) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// FundingExtent implements FundingStorage.FundingExtent.
func (m *MemoryStorage) FundingExtent(ctx context.Context, key models.SeriesKey) (*Extent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slots := m.funding[key]
	if len(slots) == 0 {
		return nil, nil
	}

	ext := &Extent{Count: int64(len(slots))}
	for _, rec := range slots {
		if ext.First.IsZero() || rec.Timestamp.Before(ext.First) {
			ext.First = rec.Timestamp
		}
		if rec.Timestamp.After(ext.Last) {
			ext.Last = rec.Timestamp
		}
	}
	return ext, nil
}

// UpsertTrades implements TradeUpserter.UpsertTrades. Trades deduplicate by
// full value equality, which keeps repeated page fetches idempotent.
func (m *MemoryStorage) UpsertTrades(ctx context.Context, trades []models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range trades {
		key := t.Key()
		set, ok := m.trades[key]
		if !ok {
			set = make(map[models.Trade]struct{})
			m.trades[key] = set
		}
		set[t] = struct{}{}
	}
	return nil
}

// ReadTrades implements TradeReader.ReadTrades.
func (m *MemoryStorage) ReadTrades(ctx context.Context, key models.SeriesKey, r timerange.Range) ([]models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Trade
	for t := range m.trades[key] {
		if r.Contains(t.Timestamp) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// TradeExtent implements TradeReader.TradeExtent.
func (m *MemoryStorage) TradeExtent(ctx context.Context, key models.SeriesKey) (*Extent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.trades[key]
	if len(set) == 0 {
		return nil, nil
	}

	ext := &Extent{Count: int64(len(set))}
	for t := range set {
		if ext.First.IsZero() || t.Timestamp.Before(ext.First) {
			ext.First = t.Timestamp
		}
		if t.Timestamp.After(ext.Last) {
			ext.Last = t.Timestamp
		}
	}
	return ext, nil
}

// HourlyTradeCounts implements TradeReader.HourlyTradeCounts. Buckets start
// at the hour containing r.Start and cover the whole range, empty buckets
// included.
func (m *MemoryStorage) HourlyTradeCounts(ctx context.Context, key models.SeriesKey, r timerange.Range) ([]BucketCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[int64]int64)
	for t := range m.trades[key] {
		if r.Contains(t.Timestamp) {
			counts[t.Timestamp.Truncate(time.Hour).Unix()]++
		}
	}

	var out []BucketCount
	for bucket := r.Start.Truncate(time.Hour); bucket.Before(r.End); bucket = bucket.Add(time.Hour) {
		out = append(out, BucketCount{Bucket: bucket, Count: counts[bucket.Unix()]})
	}
	return out, nil
}
