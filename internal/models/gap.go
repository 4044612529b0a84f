package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

// GapStatus represents the lifecycle state of a detected data gap.
type GapStatus string

const (
	// GapStatusDetected indicates a gap has been identified but no action taken yet
	GapStatusDetected GapStatus = "detected"
	// GapStatusFilling indicates the gap is currently being repaired
	GapStatusFilling GapStatus = "filling"
	// GapStatusFilled indicates the gap has been successfully repaired
	GapStatusFilled GapStatus = "filled"
	// GapStatusPermanent indicates the gap cannot be filled (provider has no data)
	GapStatusPermanent GapStatus = "permanent"
)

// GapPriority represents the urgency level for repairing a gap.
type GapPriority int

const (
	PriorityLow      GapPriority = iota // PriorityLow indicates gaps repaired when resources allow
	PriorityMedium                      // PriorityMedium indicates normal priority gaps
	PriorityHigh                        // PriorityHigh indicates gaps that should be repaired promptly
	PriorityCritical                    // PriorityCritical indicates gaps that must be repaired immediately
)

// Gap describes a missing span of a series, discovered either by the quality
// scanner (ground truth, from stored records) or by a coverage query. Gaps
// are transient work descriptors: they are never persisted, only carried
// between detection and repair.
type Gap struct {
	// ID is the unique gap identifier
	ID string `json:"id"`

	// Key identifies the series the gap belongs to
	Key SeriesKey `json:"key"`

	// StartTime is the gap start instant in UTC (inclusive)
	StartTime time.Time `json:"start_time"`

	// EndTime is the gap end instant in UTC (exclusive)
	EndTime time.Time `json:"end_time"`

	// Status is the current lifecycle state
	Status GapStatus `json:"status"`

	// CreatedAt is when the gap was first detected
	CreatedAt time.Time `json:"created_at"`

	// FilledAt is when the gap was repaired (nil if not yet)
	FilledAt *time.Time `json:"filled_at,omitempty"`

	// Priority is the calculated repair priority
	Priority GapPriority `json:"priority"`

	// Attempts tracks how many repair attempts have been made
	Attempts int `json:"attempts"`

	// LastAttemptAt tracks the last repair attempt time
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`

	// ErrorMessage contains the last repair error
	ErrorMessage string `json:"error_message,omitempty"`
}

// NewGap creates a Gap in detected status and calculates its priority.
// Returns an error if the parameters are invalid.
func NewGap(id string, key SeriesKey, startTime, endTime time.Time) (*Gap, error) {
	gap := &Gap{
		ID:        id,
		Key:       key,
		StartTime: startTime.UTC(),
		EndTime:   endTime.UTC(),
		Status:    GapStatusDetected,
		CreatedAt: time.Now().UTC(),
		Attempts:  0,
	}

	if err := gap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gap: %w", err)
	}

	gap.calculatePriority()
	return gap, nil
}

// Validate checks that the gap's identity, key, bounds, and status are
// consistent.
func (g *Gap) Validate() error {
	if g.ID == "" {
		return errors.New("gap ID cannot be empty")
	}

	if err := g.Key.Validate(); err != nil {
		return fmt.Errorf("gap key: %w", err)
	}

	if g.StartTime.IsZero() {
		return errors.New("gap start time cannot be zero")
	}

	if g.EndTime.IsZero() {
		return errors.New("gap end time cannot be zero")
	}

	if !g.EndTime.After(g.StartTime) {
		return errors.New("gap end time must be after start time")
	}

	switch g.Status {
	case GapStatusDetected, GapStatusFilling, GapStatusFilled, GapStatusPermanent:
	default:
		return fmt.Errorf("invalid gap status: %s", g.Status)
	}

	if g.Status == GapStatusFilled && g.FilledAt == nil {
		return errors.New("filled gaps must have a filled_at timestamp")
	}

	if g.Status != GapStatusFilled && g.FilledAt != nil {
		return errors.New("only filled gaps can have a filled_at timestamp")
	}

	return nil
}

// Range returns the gap's span as a half-open time range.
func (g *Gap) Range() timerange.Range {
	return timerange.Range{Start: g.StartTime, End: g.EndTime}
}

// StartFilling transitions the gap from detected to filling status,
// recording the attempt. Returns an error if the gap is not in detected
// status.
func (g *Gap) StartFilling() error {
	if g.Status != GapStatusDetected {
		return fmt.Errorf("cannot start filling gap with status %s, must be %s", g.Status, GapStatusDetected)
	}

	g.Status = GapStatusFilling
	now := time.Now().UTC()
	g.LastAttemptAt = &now
	g.Attempts++
	g.ErrorMessage = ""

	return nil
}

// MarkFilled transitions the gap from filling to filled status.
func (g *Gap) MarkFilled() error {
	if g.Status != GapStatusFilling {
		return fmt.Errorf("cannot mark gap as filled with status %s, must be %s", g.Status, GapStatusFilling)
	}

	g.Status = GapStatusFilled
	now := time.Now().UTC()
	g.FilledAt = &now
	g.ErrorMessage = ""

	return nil
}

// MarkPermanent transitions the gap from detected to permanent status.
// Used when the provider is known to have no data for the span. The reason
// explains why the gap is unfillable.
func (g *Gap) MarkPermanent(reason string) error {
	if g.Status != GapStatusDetected {
		return fmt.Errorf("cannot mark gap as permanent with status %s, must be %s", g.Status, GapStatusDetected)
	}

	g.Status = GapStatusPermanent
	g.ErrorMessage = reason

	return nil
}

// RecordFailure records a failed repair attempt and transitions back to
// detected status for retry.
func (g *Gap) RecordFailure(errorMessage string) error {
	if g.Status != GapStatusFilling {
		return fmt.Errorf("cannot record failure for gap with status %s, must be %s", g.Status, GapStatusFilling)
	}

	g.Status = GapStatusDetected
	g.ErrorMessage = errorMessage
	// LastAttemptAt and Attempts were already updated in StartFilling

	return nil
}

// Duration returns the time span of the gap.
func (g *Gap) Duration() time.Duration {
	return g.EndTime.Sub(g.StartTime)
}

// IsActive returns true while the gap still needs work (detected or filling).
func (g *Gap) IsActive() bool {
	return g.Status == GapStatusDetected || g.Status == GapStatusFilling
}

// CanFill returns true if the gap is in detected status.
func (g *Gap) CanFill() bool {
	return g.Status == GapStatusDetected
}

// IsFilled returns true if the gap has been repaired.
func (g *Gap) IsFilled() bool {
	return g.Status == GapStatusFilled
}

// IsPermanent returns true if the gap is marked permanently unfillable.
func (g *Gap) IsPermanent() bool {
	return g.Status == GapStatusPermanent
}

// Age returns the duration since the gap was detected.
func (g *Gap) Age() time.Duration {
	return time.Since(g.CreatedAt)
}

// TimeSinceLastAttempt returns the duration since the last repair attempt,
// or 0 if none has been made.
func (g *Gap) TimeSinceLastAttempt() time.Duration {
	if g.LastAttemptAt == nil {
		return time.Duration(0)
	}
	return time.Since(*g.LastAttemptAt)
}

// ShouldRetry reports whether a failed gap is eligible for another attempt:
// detected status, attempts below the cap, and enough time since the last
// try.
func (g *Gap) ShouldRetry(maxAttempts int, retryDelay time.Duration) bool {
	if g.Status != GapStatusDetected {
		return false
	}

	if g.Attempts >= maxAttempts {
		return false
	}

	if g.LastAttemptAt == nil {
		return true
	}

	return g.TimeSinceLastAttempt() >= retryDelay
}

// calculatePriority scores the gap by duration and age: longer and older
// gaps rank higher, very recent short gaps rank lower.
func (g *Gap) calculatePriority() {
	duration := g.Duration()
	age := g.Age()

	priority := PriorityMedium

	if duration > 24*time.Hour {
		priority = PriorityHigh
	}
	if duration > 7*24*time.Hour {
		priority = PriorityCritical
	}

	if age > 24*time.Hour {
		if priority < PriorityHigh {
			priority = PriorityHigh
		}
	}
	if age > 7*24*time.Hour {
		priority = PriorityCritical
	}

	if age < time.Hour && duration < time.Hour {
		priority = PriorityLow
	}

	g.Priority = priority
}

// UpdatePriority recalculates the priority against the current time.
func (g *Gap) UpdatePriority() {
	g.calculatePriority()
}

// GetPriorityString returns a human-readable form of the priority.
func (g *Gap) GetPriorityString() string {
	switch g.Priority {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ExpectedRecords estimates how many records are needed to fill this gap,
// based on its duration and the series resolution. Returns an error for
// irregular series, which have no fixed slot count.
func (g *Gap) ExpectedRecords() (int, error) {
	if !g.Key.Series.Cadenced() {
		return 0, fmt.Errorf("series %s has no fixed cadence", g.Key.Series)
	}

	step, err := g.Key.Resolution.Duration()
	if err != nil {
		return 0, err
	}

	expected := int(g.Duration() / step)
	if expected == 0 {
		expected = 1 // at least one slot
	}

	return expected, nil
}

// String returns a human-readable representation of the gap.
func (g *Gap) String() string {
	return fmt.Sprintf("Gap{ID: %s, Key: %s, Duration: %v, Status: %s, Priority: %s}",
		g.ID, g.Key, g.Duration(), g.Status, g.GetPriorityString())
}
