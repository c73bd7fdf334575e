package report

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/getsentry/clientreport/internal/protocol"
	"github.com/getsentry/clientreport/internal/ratelimit"
)

type bucket struct {
	outcome Outcome
	key     OutcomeKey
}

// tally is one generation of counts. Drain swaps the whole structure out, so
// a tally is never reset in place.
type tally struct {
	order  []bucket
	counts map[bucket]int64
}

func newTally() *tally {
	return &tally{counts: make(map[bucket]int64)}
}

func (t *tally) snapshot() Snapshot {
	var s Snapshot
	for _, b := range t.order {
		s.add(b.outcome, DiscardedEvent{
			Reason:   b.key.Reason,
			Category: b.key.Category,
			Quantity: t.counts[b],
		})
	}
	return s
}

// Aggregator collects discarded event outcomes for client reports.
// It is safe for concurrent use by any number of recorders and one drainer.
type Aggregator struct {
	mu      sync.Mutex
	current *tally
	onArm   func()

	enabled atomic.Bool
}

// NewAggregator creates a new, enabled client report Aggregator.
func NewAggregator() *Aggregator {
	a := &Aggregator{
		current: newTally(),
	}
	a.enabled.Store(true)
	return a
}

// SetEnabled enables or disables outcome recording. Disabling does not clear
// counts that were already recorded.
func (a *Aggregator) SetEnabled(enabled bool) {
	a.enabled.Store(enabled)
}

// IsEnabled returns whether outcome recording is enabled.
func (a *Aggregator) IsEnabled() bool {
	return a != nil && a.enabled.Load()
}

// SetOnArm registers fn to be called whenever a record lands in an empty
// tally. fn runs outside the aggregator lock.
func (a *Aggregator) SetOnArm(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onArm = fn
}

// Record records a discarded event outcome.
func (a *Aggregator) Record(reason DiscardReason, category ratelimit.Category, quantity int64) {
	a.RecordOutcome(OutcomeDiscarded, reason, category, quantity)
}

// RecordOne is a helper method to record one discarded event outcome.
func (a *Aggregator) RecordOne(reason DiscardReason, category ratelimit.Category) {
	a.RecordOutcome(OutcomeDiscarded, reason, category, 1)
}

// RecordOutcome adds quantity to the (reason, category) bucket of the given
// outcome list. Non-positive quantities, unknown outcomes and disabled or nil
// aggregators are ignored.
func (a *Aggregator) RecordOutcome(outcome Outcome, reason DiscardReason, category ratelimit.Category, quantity int64) {
	if a == nil || quantity <= 0 || !outcome.valid() || !a.enabled.Load() {
		return
	}

	b := bucket{outcome: outcome, key: OutcomeKey{Reason: reason, Category: category}}

	a.mu.Lock()
	t := a.current
	wasEmpty := len(t.order) == 0
	count, exists := t.counts[b]
	if !exists {
		t.order = append(t.order, b)
	}
	if count > math.MaxInt64-quantity {
		count = math.MaxInt64
	} else {
		count += quantity
	}
	t.counts[b] = count
	onArm := a.onArm
	a.mu.Unlock()

	if wasEmpty && onArm != nil {
		onArm()
	}
}

// IsEmpty reports whether nothing was recorded since the last drain.
func (a *Aggregator) IsEmpty() bool {
	if a == nil {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.current.order) == 0
}

// Drain atomically takes all accumulated outcomes and leaves the aggregator
// empty. Every record lands either in the returned snapshot or in the next one.
func (a *Aggregator) Drain() Snapshot {
	if a == nil {
		return Snapshot{}
	}

	a.mu.Lock()
	t := a.current
	if len(t.order) == 0 {
		a.mu.Unlock()
		return Snapshot{}
	}
	a.current = newTally()
	a.mu.Unlock()

	return t.snapshot()
}

// TakeReport drains the aggregator into a ClientReport for the given role,
// stamped with the clock's current time. It returns nil when there is nothing
// to report for that role.
func (a *Aggregator) TakeReport(role Role, clock Clock) *ClientReport {
	snapshot := a.Drain()
	if snapshot.IsEmpty() {
		return nil
	}
	if clock == nil {
		clock = SystemClock
	}
	r := NewClientReport(snapshot, clock.Now(), role)
	if r.IsEmpty() {
		return nil
	}
	return r
}

// RecordForEnvelope records client report outcomes for all items in the envelope.
// It inspects envelope item headers to derive categories, span counts, and log byte sizes.
func (a *Aggregator) RecordForEnvelope(reason DiscardReason, envelope *protocol.Envelope) {
	a.RecordOutcomeForEnvelope(OutcomeDiscarded, reason, envelope)
}

// RecordOutcomeForEnvelope is RecordForEnvelope for an arbitrary outcome list.
func (a *Aggregator) RecordOutcomeForEnvelope(outcome Outcome, reason DiscardReason, envelope *protocol.Envelope) {
	if a == nil || envelope == nil {
		return
	}
	for _, item := range envelope.Items {
		a.RecordOutcomeForItem(outcome, reason, item)
	}
}

// RecordOutcomeForItem records the outcomes a single envelope item stands for.
func (a *Aggregator) RecordOutcomeForItem(outcome Outcome, reason DiscardReason, item *protocol.EnvelopeItem) {
	ItemQuantities(item, func(category ratelimit.Category, quantity int64) {
		a.RecordOutcome(outcome, reason, category, quantity)
	})
}

// ItemQuantities calls fn once for every category an envelope item is counted
// under. Transactions also count their spans, log batches their items and
// bytes, and attachments their bytes. Client reports count as nothing.
func ItemQuantities(item *protocol.EnvelopeItem, fn func(category ratelimit.Category, quantity int64)) {
	if item == nil || item.Header == nil {
		return
	}
	switch item.Header.Type {
	case protocol.EnvelopeItemTypeEvent:
		fn(ratelimit.CategoryError, 1)
	case protocol.EnvelopeItemTypeTransaction:
		fn(ratelimit.CategoryTransaction, 1)
		if item.Header.SpanCount > 0 {
			fn(ratelimit.CategorySpan, int64(item.Header.SpanCount))
		}
	case protocol.EnvelopeItemTypeLog:
		if item.Header.ItemCount != nil {
			fn(ratelimit.CategoryLog, int64(*item.Header.ItemCount))
		}
		fn(ratelimit.CategoryLogByte, int64(len(item.Payload)))
	case protocol.EnvelopeItemTypeCheckIn:
		fn(ratelimit.CategoryMonitor, 1)
	case protocol.EnvelopeItemTypeSession:
		fn(ratelimit.CategorySession, 1)
	case protocol.EnvelopeItemTypeAttachment:
		fn(ratelimit.CategoryAttachment, int64(len(item.Payload)))
	case protocol.EnvelopeItemTypeClientReport:
		// Losing a report is not itself reported.
	default:
		fn(ratelimit.CategoryDefault, 1)
	}
}

// ItemCategory returns the data category an envelope item is counted and rate
// limited under.
func ItemCategory(item *protocol.EnvelopeItem) ratelimit.Category {
	if item == nil || item.Header == nil {
		return ratelimit.CategoryDefault
	}
	switch item.Header.Type {
	case protocol.EnvelopeItemTypeEvent:
		return ratelimit.CategoryError
	case protocol.EnvelopeItemTypeTransaction:
		return ratelimit.CategoryTransaction
	case protocol.EnvelopeItemTypeLog:
		return ratelimit.CategoryLog
	case protocol.EnvelopeItemTypeCheckIn:
		return ratelimit.CategoryMonitor
	case protocol.EnvelopeItemTypeSession:
		return ratelimit.CategorySession
	case protocol.EnvelopeItemTypeAttachment:
		return ratelimit.CategoryAttachment
	default:
		return ratelimit.CategoryDefault
	}
}
