package report

import (
	"github.com/getsentry/clientreport/internal/protocol"
	"github.com/getsentry/clientreport/internal/ratelimit"
)

// Recorder is the write side of client reports. Transports and buffers use it
// to account for everything they drop.
type Recorder interface {
	Record(reason DiscardReason, category ratelimit.Category, quantity int64)
	RecordOne(reason DiscardReason, category ratelimit.Category)
	RecordOutcome(outcome Outcome, reason DiscardReason, category ratelimit.Category, quantity int64)
	RecordForEnvelope(reason DiscardReason, envelope *protocol.Envelope)
}

// Provider is the read side of client reports.
type Provider interface {
	TakeReport() *ClientReport
	AttachToEnvelope(envelope *protocol.Envelope) bool
}

var (
	_ Recorder = (*Aggregator)(nil)
	_ Provider = (*Scheduler)(nil)
)
