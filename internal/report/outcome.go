package report

import (
	"github.com/getsentry/clientreport/internal/ratelimit"
)

// Outcome selects which client report list an outcome is counted in.
type Outcome int

const (
	// OutcomeDiscarded counts items an SDK dropped before sending them.
	OutcomeDiscarded Outcome = iota
	// OutcomeRateLimited counts items a relay rejected because of a quota.
	OutcomeRateLimited
	// OutcomeFiltered counts items a relay dropped through inbound filters.
	OutcomeFiltered
	// OutcomeFilteredSampling counts items a relay sampled out.
	OutcomeFilteredSampling

	numOutcomes
)

// String returns the payload key of the list the outcome is reported in.
func (o Outcome) String() string {
	switch o {
	case OutcomeDiscarded:
		return "discarded_events"
	case OutcomeRateLimited:
		return "rate_limited_events"
	case OutcomeFiltered:
		return "filtered_events"
	case OutcomeFilteredSampling:
		return "filtered_sampling_events"
	default:
		return "unknown"
	}
}

// RelayOnly reports whether only relays may emit the outcome.
func (o Outcome) RelayOnly() bool {
	return o == OutcomeRateLimited || o == OutcomeFiltered || o == OutcomeFilteredSampling
}

func (o Outcome) valid() bool {
	return o >= OutcomeDiscarded && o < numOutcomes
}

// OutcomeKey uniquely identifies an outcome bucket for aggregation.
type OutcomeKey struct {
	Reason   DiscardReason
	Category ratelimit.Category
}

// DiscardedEvent is a single {reason, category, quantity} entry. All four
// client report lists share this shape.
type DiscardedEvent struct {
	Reason   DiscardReason      `json:"reason"`
	Category ratelimit.Category `json:"category"`
	Quantity int64              `json:"quantity"`
}

// Snapshot is the drained content of an Aggregator. Entries of each list are
// in order of first occurrence.
type Snapshot struct {
	Discarded        []DiscardedEvent
	RateLimited      []DiscardedEvent
	Filtered         []DiscardedEvent
	FilteredSampling []DiscardedEvent
}

// IsEmpty reports whether the snapshot holds no entries at all.
func (s Snapshot) IsEmpty() bool {
	return len(s.Discarded) == 0 && len(s.RateLimited) == 0 &&
		len(s.Filtered) == 0 && len(s.FilteredSampling) == 0
}

// List returns the entries counted for outcome o.
func (s Snapshot) List(o Outcome) []DiscardedEvent {
	switch o {
	case OutcomeDiscarded:
		return s.Discarded
	case OutcomeRateLimited:
		return s.RateLimited
	case OutcomeFiltered:
		return s.Filtered
	case OutcomeFilteredSampling:
		return s.FilteredSampling
	}
	return nil
}

func (s *Snapshot) add(o Outcome, e DiscardedEvent) {
	switch o {
	case OutcomeDiscarded:
		s.Discarded = append(s.Discarded, e)
	case OutcomeRateLimited:
		s.RateLimited = append(s.RateLimited, e)
	case OutcomeFiltered:
		s.Filtered = append(s.Filtered, e)
	case OutcomeFilteredSampling:
		s.FilteredSampling = append(s.FilteredSampling, e)
	}
}
