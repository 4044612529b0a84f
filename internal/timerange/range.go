// Package timerange provides pure interval arithmetic over half-open UTC time
// ranges. It implements the gap computation and interval merging that the
// coverage subsystem is built on: given a sorted set of covered ranges and a
// query range, compute the sub-ranges that are still missing, and normalize
// arbitrary range sets into sorted, pairwise-disjoint form.
//
// All ranges are half-open [Start, End): Start is included, End is excluded.
// Functions in this package perform no I/O and hold no state.
package timerange

import (
	"fmt"
	"sort"
	"time"
)

// Range represents a half-open time interval [Start, End) in UTC.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// New creates a Range from start and end, normalizing both instants to UTC.
// Returns an error if end is not strictly after start.
func New(start, end time.Time) (Range, error) {
	r := Range{Start: start.UTC(), End: end.UTC()}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

// MustNew is like New but panics on invalid bounds. Intended for tests and
// package-level literals where the bounds are compile-time constants.
func MustNew(start, end time.Time) Range {
	r, err := New(start, end)
	if err != nil {
		panic(err)
	}
	return r
}

// Validate checks that the range is well formed: both bounds set and
// End strictly after Start.
func (r Range) Validate() error {
	if r.Start.IsZero() {
		return fmt.Errorf("range start is zero")
	}
	if r.End.IsZero() {
		return fmt.Errorf("range end is zero")
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("range end %s must be after start %s", r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	return nil
}

// IsZero reports whether the range has neither bound set.
func (r Range) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Duration returns the length of the range.
func (r Range) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Contains reports whether the instant t falls inside the half-open range.
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Overlaps reports whether the two ranges share at least one instant.
// Touching ranges ([a,b) and [b,c)) do not overlap.
func (r Range) Overlaps(other Range) bool {
	return r.Start.Before(other.End) && other.Start.Before(r.End)
}

// Adjoins reports whether the two ranges overlap or touch end-to-start,
// meaning a merge of the two would produce a single contiguous range.
func (r Range) Adjoins(other Range) bool {
	return !r.Start.After(other.End) && !other.Start.After(r.End)
}

// Clamp restricts the range to the given bounds. The second return value is
// false when the intersection is empty.
func (r Range) Clamp(bounds Range) (Range, bool) {
	start := r.Start
	if start.Before(bounds.Start) {
		start = bounds.Start
	}
	end := r.End
	if end.After(bounds.End) {
		end = bounds.End
	}
	if !end.After(start) {
		return Range{}, false
	}
	return Range{Start: start, End: end}, true
}

// Equal reports whether both ranges denote the same instant pair.
func (r Range) Equal(other Range) bool {
	return r.Start.Equal(other.Start) && r.End.Equal(other.End)
}

// String returns the range in RFC3339 bracket notation, e.g.
// "[2024-01-01T00:00:00Z, 2024-01-02T00:00:00Z)".
func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// Merge normalizes a set of ranges into sorted, pairwise-disjoint form.
// Ranges are sorted by start, then adjacent pairs where the next range starts
// at or before the current range's end are folded into one. Touching ranges
// merge: [a,b) + [b,c) becomes [a,c). The input slice is not modified.
func Merge(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}

	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].End.Before(sorted[j].End)
		}
		return sorted[i].Start.Before(sorted[j].Start)
	})

	merged := make([]Range, 0, len(sorted))
	current := sorted[0]
	for _, next := range sorted[1:] {
		if !next.Start.After(current.End) {
			if next.End.After(current.End) {
				current.End = next.End
			}
			continue
		}
		merged = append(merged, current)
		current = next
	}
	merged = append(merged, current)

	return merged
}

// Insert adds a range to an already-normalized set and returns the normalized
// result. Equivalent to Merge(append(set, r)) but conveys the caller's intent
// at coverage-update sites.
func Insert(set []Range, r Range) []Range {
	combined := make([]Range, 0, len(set)+1)
	combined = append(combined, set...)
	combined = append(combined, r)
	return Merge(combined)
}

// Missing computes the sub-ranges of query not covered by the given ranges.
//
// The covered set must be sorted by start and pairwise disjoint (the form
// Merge produces); that precondition is the caller's responsibility. The
// sweep tracks a cursor beginning at query.Start: each covered range that
// overlaps the remaining span emits a gap for any portion strictly before it
// and advances the cursor past it; whatever remains before query.End after
// the sweep is the trailing gap. Results are clamped to the query bounds,
// sorted, and disjoint.
//
// An empty covered set yields the whole query as one gap. A query fully
// inside one covered range yields no gaps.
func Missing(covered []Range, query Range) []Range {
	var gaps []Range
	cursor := query.Start

	for _, c := range covered {
		if !cursor.Before(query.End) {
			break
		}
		if !c.End.After(cursor) {
			// Entirely behind the cursor already.
			continue
		}
		if !c.Start.Before(query.End) {
			// Entirely past the query; nothing after this can overlap.
			break
		}
		if c.Start.After(cursor) {
			gapEnd := c.Start
			if gapEnd.After(query.End) {
				gapEnd = query.End
			}
			gaps = append(gaps, Range{Start: cursor, End: gapEnd})
		}
		if c.End.After(cursor) {
			cursor = c.End
		}
	}

	if cursor.Before(query.End) {
		gaps = append(gaps, Range{Start: cursor, End: query.End})
	}

	return gaps
}

// TotalDuration sums the lengths of the given ranges. The set is not required
// to be normalized; overlapping ranges are counted once.
func TotalDuration(ranges []Range) time.Duration {
	var total time.Duration
	for _, r := range Merge(ranges) {
		total += r.Duration()
	}
	return total
}
