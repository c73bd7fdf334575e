// Package clientreport counts the items an SDK or relay discards and sends
// the counts to Sentry as client reports, either piggybacked on envelopes
// that are sent anyway or in envelopes of their own.
package clientreport

import (
	"github.com/getsentry/clientreport/internal/protocol"
	"github.com/getsentry/clientreport/internal/ratelimit"
	"github.com/getsentry/clientreport/internal/report"
)

// The version of the package.
const Version = "0.1.0"

// SDKIdentifier is the name sent with envelopes the package creates itself.
const SDKIdentifier = "sentry.go.clientreport"

// ClientReport is a decoded or about-to-be-sent client report payload.
type ClientReport = report.ClientReport

// DiscardedEvent is a single {reason, category, quantity} entry of a report.
type DiscardedEvent = report.DiscardedEvent

// Reason tells why an item was discarded. Any string is accepted.
type Reason = report.DiscardReason

// Category is the data category of a discarded item. Any string is accepted.
type Category = ratelimit.Category

// Outcome selects the report list an outcome is counted in.
type Outcome = report.Outcome

// Role is the transport role of the emitting process.
type Role = report.Role

// Recorder is the recording side of a Reporter. Components that drop items
// can depend on it instead of the whole Reporter.
type Recorder = report.Recorder

// RoleProvider reports the current transport role.
type RoleProvider = report.RoleProvider

// Clock supplies report timestamps.
type Clock = report.Clock

// ClockFunc adapts a function to Clock.
type ClockFunc = report.ClockFunc

// State is the state of the flush scheduler.
type State = report.State

// Envelope is the unit of transmission to Sentry.
type Envelope = protocol.Envelope

// Discard reasons.
const (
	ReasonQueueOverflow    = report.ReasonQueueOverflow
	ReasonCacheOverflow    = report.ReasonCacheOverflow
	ReasonBufferOverflow   = report.ReasonBufferOverflow
	ReasonRateLimitBackoff = report.ReasonRateLimitBackoff
	ReasonBeforeSend       = report.ReasonBeforeSend
	ReasonEventProcessor   = report.ReasonEventProcessor
	ReasonSampleRate       = report.ReasonSampleRate
	ReasonNetworkError     = report.ReasonNetworkError
	ReasonSendError        = report.ReasonSendError
	ReasonInternalError    = report.ReasonInternalError

	ReasonRelayRateLimit = report.ReasonRelayRateLimit
	ReasonErrorMessage   = report.ReasonErrorMessage
	ReasonReleaseVersion = report.ReasonReleaseVersion
	ReasonSampled        = report.ReasonSampled
)

// Data categories.
const (
	CategoryDefault     = ratelimit.CategoryDefault
	CategoryError       = ratelimit.CategoryError
	CategoryTransaction = ratelimit.CategoryTransaction
	CategorySpan        = ratelimit.CategorySpan
	CategorySession     = ratelimit.CategorySession
	CategoryAttachment  = ratelimit.CategoryAttachment
	CategoryLog         = ratelimit.CategoryLog
	CategoryLogByte     = ratelimit.CategoryLogByte
	CategoryMonitor     = ratelimit.CategoryMonitor
)

// Outcome lists. Only relays may emit the last three.
const (
	OutcomeDiscarded        = report.OutcomeDiscarded
	OutcomeRateLimited      = report.OutcomeRateLimited
	OutcomeFiltered         = report.OutcomeFiltered
	OutcomeFilteredSampling = report.OutcomeFilteredSampling
)

// Transport roles.
const (
	RoleLeaf  = report.RoleLeaf
	RoleRelay = report.RoleRelay
)

// Scheduler states.
const (
	StateIdle     = report.StateIdle
	StateArmed    = report.StateArmed
	StateFlushing = report.StateFlushing
)

var (
	// ErrMalformedPayload is returned by Decode for payloads that are not
	// valid client reports.
	ErrMalformedPayload = report.ErrMalformedPayload

	// ErrAttachmentFailed is returned by Flush when the transport refused the
	// report. The counts it carried are not restored.
	ErrAttachmentFailed = report.ErrAttachmentFailed

	// ErrRelayOnlyOutcomes is returned by ClientReport.CheckRole when a leaf
	// report carries relay-only lists.
	ErrRelayOnlyOutcomes = report.ErrRelayOnlyOutcomes
)

// Decode parses a client report payload. Unknown reasons, categories and keys
// are accepted; anything else wraps ErrMalformedPayload.
func Decode(data []byte) (*ClientReport, error) {
	return report.Decode(data)
}
