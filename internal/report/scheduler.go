package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/clientreport/internal/debuglog"
	"github.com/getsentry/clientreport/internal/protocol"
)

// DefaultFlushInterval is how often pending outcomes are sent on their own
// when no other envelope picked them up.
const DefaultFlushInterval = 30 * time.Second

// ErrAttachmentFailed is returned when a serialized report could not be
// handed to the transport. The counts it carried are gone.
var ErrAttachmentFailed = errors.New("client report attachment failed")

// State is the state of a Scheduler.
type State int32

const (
	// StateIdle means nothing was recorded since the last flush.
	StateIdle State = iota
	// StateArmed means there are pending outcomes.
	StateArmed
	// StateFlushing means a flush is in progress.
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Transport delivers envelopes. It owns retries and backoff.
type Transport interface {
	SendEnvelope(envelope *protocol.Envelope) error
}

type contextTransport interface {
	SendEnvelopeWithContext(ctx context.Context, envelope *protocol.Envelope) error
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// FlushInterval defaults to DefaultFlushInterval.
	FlushInterval time.Duration
	// Role defaults to RoleLeaf.
	Role RoleProvider
	// Clock defaults to SystemClock.
	Clock Clock
	// Sdk is set on the header of envelopes the scheduler sends itself.
	Sdk *protocol.SdkInfo
}

// Scheduler decides when the aggregator is drained and where the resulting
// report goes: onto an envelope that is about to be sent anyway, or, once the
// flush interval elapses, into an envelope of its own.
//
// Only one flush runs at a time. A flush that finds another one in progress is
// skipped instead of waiting, so piggybacking never blocks a send.
type Scheduler struct {
	aggregator *Aggregator
	transport  Transport
	interval   time.Duration
	role       RoleProvider
	clock      Clock
	sdk        *protocol.SdkInfo

	state atomic.Int32

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	running bool
	stopped bool
}

// NewScheduler creates a scheduler draining aggregator. transport may be nil,
// in which case reports only leave through AttachToEnvelope.
func NewScheduler(aggregator *Aggregator, transport Transport, options SchedulerOptions) *Scheduler {
	s := &Scheduler{
		aggregator: aggregator,
		transport:  transport,
		interval:   options.FlushInterval,
		role:       options.Role,
		clock:      options.Clock,
		sdk:        options.Sdk,
	}
	if s.interval <= 0 {
		s.interval = DefaultFlushInterval
	}
	if s.role == nil {
		s.role = RoleLeaf
	}
	if s.clock == nil {
		s.clock = SystemClock
	}

	aggregator.SetOnArm(s.arm)
	if !aggregator.IsEmpty() {
		s.arm()
	}
	return s
}

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) arm() {
	s.state.CompareAndSwap(int32(StateIdle), int32(StateArmed))
}

func (s *Scheduler) begin() bool {
	return s.state.CompareAndSwap(int32(StateArmed), int32(StateFlushing))
}

func (s *Scheduler) finish() {
	s.state.Store(int32(StateIdle))
	// Records that raced with the flush found the state FLUSHING and could not arm.
	if !s.aggregator.IsEmpty() {
		s.arm()
	}
}

// Start launches the periodic flush loop. Without a transport the loop is
// deferred until SetTransport provides one. Start is a no-op after Stop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.startLocked()
}

// SetTransport replaces the transport used by Flush.
func (s *Scheduler) SetTransport(transport Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = transport
	s.startLocked()
}

// Transport returns the transport used by Flush, or nil.
func (s *Scheduler) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

func (s *Scheduler) startLocked() {
	if !s.started || s.running || s.stopped || s.transport == nil {
		return
	}
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				debuglog.Printf("Periodic client report flush failed: %v", err)
			}
		}
	}
}

// Stop cancels the flush loop and discards anything not yet flushed.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.aggregator.SetOnArm(nil)
	if dropped := s.aggregator.Drain(); !dropped.IsEmpty() {
		debuglog.Printf("Discarding unsent client report outcomes on shutdown")
	}
	s.state.Store(int32(StateIdle))
}

// TakeReport drains pending outcomes into a report without sending it. It
// returns nil when nothing is pending or another flush is in progress.
func (s *Scheduler) TakeReport() *ClientReport {
	if !s.begin() {
		return nil
	}
	defer s.finish()
	return s.aggregator.TakeReport(s.role.Role(), s.clock)
}

// AttachToEnvelope appends the pending client report to an envelope that is
// about to be sent. It reports whether an item was added.
func (s *Scheduler) AttachToEnvelope(envelope *protocol.Envelope) bool {
	if envelope == nil || envelope.HasItemType(protocol.EnvelopeItemTypeClientReport) {
		return false
	}
	r := s.TakeReport()
	if r == nil {
		return false
	}
	item, err := r.ToEnvelopeItem()
	if err != nil {
		debuglog.Printf("Failed to serialize client report: %v", err)
		return false
	}
	envelope.AddItem(item)
	return true
}

// Flush sends pending outcomes in an envelope of their own. Without a
// transport, or with nothing pending, it does nothing. A failed handoff is
// returned wrapped in ErrAttachmentFailed and is not retried.
func (s *Scheduler) Flush(ctx context.Context) error {
	transport := s.Transport()
	if transport == nil {
		return nil
	}
	if !s.begin() {
		return nil
	}
	defer s.finish()

	r := s.aggregator.TakeReport(s.role.Role(), s.clock)
	if r == nil {
		return nil
	}
	item, err := r.ToEnvelopeItem()
	if err != nil {
		debuglog.Printf("Failed to serialize client report: %v", err)
		return fmt.Errorf("%w: %v", ErrAttachmentFailed, err)
	}

	envelope := protocol.NewEnvelope(&protocol.EnvelopeHeader{
		EventID: protocol.GenerateEventID(),
		SentAt:  s.clock.Now().UTC(),
		Sdk:     s.sdk,
	})
	envelope.AddItem(item)

	if ct, ok := transport.(contextTransport); ok {
		err = ct.SendEnvelopeWithContext(ctx, envelope)
	} else {
		err = transport.SendEnvelope(envelope)
	}
	if err != nil {
		debuglog.Printf("Dropping client report, transport rejected it: %v", err)
		return fmt.Errorf("%w: %v", ErrAttachmentFailed, err)
	}
	return nil
}
