package clientreport

import (
	"context"
	"os"

	"github.com/getsentry/clientreport/internal/debuglog"
	"github.com/getsentry/clientreport/internal/protocol"
	"github.com/getsentry/clientreport/internal/report"
)

// Transport delivers envelopes. Implementations may also provide
// SendEnvelopeWithContext(ctx, envelope) error, which Flush prefers.
type Transport interface {
	SendEnvelope(envelope *Envelope) error
}

// Reporter records discarded items and hands the resulting client reports to
// a Transport. All methods are safe for concurrent use.
type Reporter struct {
	options    Options
	aggregator *report.Aggregator
	scheduler  *report.Scheduler
}

// NewReporter creates a Reporter and starts its periodic flush. transport may
// be nil, in which case reports only leave through AttachToEnvelope.
func NewReporter(transport Transport, options Options) *Reporter {
	if options.Debug {
		w := options.DebugWriter
		if w == nil {
			w = os.Stderr
		}
		debuglog.SetOutput(w)
	}
	if options.FlushInterval <= 0 {
		options.FlushInterval = DefaultFlushInterval
	}

	aggregator := report.NewAggregator()
	aggregator.SetEnabled(!options.DisableClientReports)

	var t report.Transport
	if transport != nil {
		t = transport
	}
	scheduler := report.NewScheduler(aggregator, t, report.SchedulerOptions{
		FlushInterval: options.FlushInterval,
		Role:          options.roleProvider(),
		Clock:         options.Clock,
		Sdk:           &protocol.SdkInfo{Name: SDKIdentifier, Version: Version},
	})
	scheduler.Start()

	if debuglog.Enabled() {
		debuglog.Printf("Client reports enabled: %t, role: %s, flush interval: %s",
			!options.DisableClientReports, options.roleProvider().Role(), options.FlushInterval)
	}

	return &Reporter{
		options:    options,
		aggregator: aggregator,
		scheduler:  scheduler,
	}
}

// Record adds quantity discarded items of category for reason.
// Non-positive quantities are ignored.
func (r *Reporter) Record(reason Reason, category Category, quantity int64) {
	r.aggregator.Record(reason, category, quantity)
}

// RecordOne records a single discarded item.
func (r *Reporter) RecordOne(reason Reason, category Category) {
	r.aggregator.RecordOne(reason, category)
}

// RecordOutcome counts quantity items in the given outcome list. Relay-only
// outcomes recorded by a leaf are dropped when the report is built.
func (r *Reporter) RecordOutcome(outcome Outcome, reason Reason, category Category, quantity int64) {
	r.aggregator.RecordOutcome(outcome, reason, category, quantity)
}

// RecordForEnvelope records every item of envelope as discarded for reason.
func (r *Reporter) RecordForEnvelope(reason Reason, envelope *Envelope) {
	r.aggregator.RecordForEnvelope(reason, envelope)
}

// AttachToEnvelope adds the pending client report to an envelope about to be
// sent. It returns false when nothing was pending, a flush is in progress, or
// the envelope already carries a report.
func (r *Reporter) AttachToEnvelope(envelope *Envelope) bool {
	return r.scheduler.AttachToEnvelope(envelope)
}

// TakeReport drains the pending outcomes without sending them. It returns nil
// when there is nothing to report.
func (r *Reporter) TakeReport() *ClientReport {
	return r.scheduler.TakeReport()
}

// Flush sends pending outcomes now. The error wraps ErrAttachmentFailed when
// the transport refused the report.
func (r *Reporter) Flush(ctx context.Context) error {
	return r.scheduler.Flush(ctx)
}

// State returns the flush scheduler state.
func (r *Reporter) State() State {
	return r.scheduler.State()
}

// Close stops the periodic flush. Outcomes not yet sent are discarded; call
// Flush first to send them.
func (r *Reporter) Close() {
	r.scheduler.Stop()
}

var _ Recorder = (*Reporter)(nil)
