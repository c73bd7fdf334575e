package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/getsentry/clientreport/internal/protocol"
	"github.com/getsentry/clientreport/internal/ratelimit"
)

var (
	// ErrMalformedPayload is returned by Decode when a payload is not a valid
	// client report.
	ErrMalformedPayload = errors.New("malformed client report payload")

	// ErrRelayOnlyOutcomes is returned by CheckRole when a report produced by
	// a leaf SDK carries lists only relays may emit.
	ErrRelayOnlyOutcomes = errors.New("client report carries relay-only outcomes")
)

// zonelessTimestamp is accepted on decode for payloads that omit the zone
// designator; such timestamps are taken as UTC.
const zonelessTimestamp = "2006-01-02T15:04:05.999999999"

// Numeric timestamps must fall within the years RFC 3339 can render,
// 0001-01-01T00:00:00Z through 9999-12-31T23:59:59Z.
const (
	minUnixSeconds = -62135596800
	maxUnixSeconds = 253402300799
)

// ClientReport is the payload sent for tracking discarded events.
type ClientReport struct {
	Timestamp              time.Time
	DiscardedEvents        []DiscardedEvent
	RateLimitedEvents      []DiscardedEvent
	FilteredEvents         []DiscardedEvent
	FilteredSamplingEvents []DiscardedEvent
}

// NewClientReport builds the report for snapshot. A zero timestamp is replaced
// with the current time. Relay-only lists are kept only for RoleRelay.
func NewClientReport(snapshot Snapshot, timestamp time.Time, role Role) *ClientReport {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	r := &ClientReport{
		Timestamp:       timestamp,
		DiscardedEvents: snapshot.Discarded,
	}
	if role == RoleRelay {
		r.RateLimitedEvents = snapshot.RateLimited
		r.FilteredEvents = snapshot.Filtered
		r.FilteredSamplingEvents = snapshot.FilteredSampling
	}
	return r
}

// IsEmpty reports whether the report has no entries in any list.
func (r *ClientReport) IsEmpty() bool {
	return len(r.DiscardedEvents) == 0 && !r.hasRelayOnly()
}

func (r *ClientReport) hasRelayOnly() bool {
	return len(r.RateLimitedEvents) > 0 || len(r.FilteredEvents) > 0 || len(r.FilteredSamplingEvents) > 0
}

// CheckRole validates the report against the role of whoever produced it.
// Leaf SDKs must never emit the rate_limited, filtered and filtered_sampling
// lists. Decode does not apply this check; the owner of the transport role does.
func (r *ClientReport) CheckRole(role Role) error {
	if role != RoleRelay && r.hasRelayOnly() {
		return ErrRelayOnlyOutcomes
	}
	return nil
}

// StripRelayOnly drops the relay-only lists from the report.
func (r *ClientReport) StripRelayOnly() {
	r.RateLimitedEvents = nil
	r.FilteredEvents = nil
	r.FilteredSamplingEvents = nil
}

// Outcomes returns the report lists as a Snapshot.
func (r *ClientReport) Outcomes() Snapshot {
	return Snapshot{
		Discarded:        r.DiscardedEvents,
		RateLimited:      r.RateLimitedEvents,
		Filtered:         r.FilteredEvents,
		FilteredSampling: r.FilteredSamplingEvents,
	}
}

type clientReportJSON struct {
	Timestamp              string           `json:"timestamp"`
	DiscardedEvents        []DiscardedEvent `json:"discarded_events"`
	RateLimitedEvents      []DiscardedEvent `json:"rate_limited_events,omitempty"`
	FilteredEvents         []DiscardedEvent `json:"filtered_events,omitempty"`
	FilteredSamplingEvents []DiscardedEvent `json:"filtered_sampling_events,omitempty"`
}

// MarshalJSON renders the timestamp as an RFC 3339 UTC string and always
// includes discarded_events.
func (r *ClientReport) MarshalJSON() ([]byte, error) {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	discarded := r.DiscardedEvents
	if discarded == nil {
		discarded = []DiscardedEvent{}
	}
	return json.Marshal(clientReportJSON{
		Timestamp:              ts.UTC().Format(time.RFC3339Nano),
		DiscardedEvents:        discarded,
		RateLimitedEvents:      r.RateLimitedEvents,
		FilteredEvents:         r.FilteredEvents,
		FilteredSamplingEvents: r.FilteredSamplingEvents,
	})
}

// ToEnvelopeItem converts the ClientReport to an envelope item.
func (r *ClientReport) ToEnvelopeItem() (*protocol.EnvelopeItem, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return protocol.NewClientReportItem(payload), nil
}

// Decode parses a client report payload. Unknown reasons, categories and
// top-level keys are accepted. Every failure wraps ErrMalformedPayload.
func Decode(data []byte) (*ClientReport, error) {
	if !json.Valid(data) {
		return nil, malformed("invalid JSON")
	}
	r := &ClientReport{}
	if err := json.Unmarshal(data, r); err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			return nil, err
		}
		return nil, malformed(err.Error())
	}
	return r, nil
}

// UnmarshalJSON decodes a client report, accepting the timestamp either as an
// ISO-8601 string or as UNIX seconds.
func (r *ClientReport) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return malformed("payload is not a JSON object")
	}

	var decoded ClientReport
	if raw, ok := fields["timestamp"]; ok {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return err
		}
		decoded.Timestamp = ts
	}

	lists := []struct {
		outcome Outcome
		dst     *[]DiscardedEvent
	}{
		{OutcomeDiscarded, &decoded.DiscardedEvents},
		{OutcomeRateLimited, &decoded.RateLimitedEvents},
		{OutcomeFiltered, &decoded.FilteredEvents},
		{OutcomeFilteredSampling, &decoded.FilteredSamplingEvents},
	}
	for _, l := range lists {
		raw, ok := fields[l.outcome.String()]
		if !ok {
			continue
		}
		events, err := decodeList(l.outcome.String(), raw)
		if err != nil {
			return err
		}
		*l.dst = events
	}

	*r = decoded
	return nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case isNull(raw):
		return time.Time{}, nil
	case len(raw) > 0 && raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, malformed("timestamp: %v", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, nil
		}
		if ts, err := time.ParseInLocation(zonelessTimestamp, s, time.UTC); err == nil {
			return ts, nil
		}
		return time.Time{}, malformed("timestamp %q is not ISO-8601", s)
	default:
		secs, err := strconv.ParseFloat(string(raw), 64)
		if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return time.Time{}, malformed("timestamp must be a string or a number")
		}
		if secs < minUnixSeconds || secs >= maxUnixSeconds+1 {
			return time.Time{}, malformed("timestamp %s out of range", raw)
		}
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
	}
}

func decodeList(name string, raw json.RawMessage) ([]DiscardedEvent, error) {
	if isNull(raw) {
		return nil, nil
	}
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, malformed("%s must be an array of objects", name)
	}
	events := make([]DiscardedEvent, 0, len(entries))
	for i, entry := range entries {
		if entry == nil {
			return nil, malformed("%s[%d] must be an object", name, i)
		}
		var reason, category string
		if err := requireField(entry, "reason", &reason); err != nil {
			return nil, malformed("%s[%d]: %v", name, i, err)
		}
		if err := requireField(entry, "category", &category); err != nil {
			return nil, malformed("%s[%d]: %v", name, i, err)
		}
		quantity, err := requireQuantity(entry)
		if err != nil {
			return nil, malformed("%s[%d]: %v", name, i, err)
		}
		if quantity < 0 {
			return nil, malformed("%s[%d]: negative quantity %d", name, i, quantity)
		}
		events = append(events, DiscardedEvent{
			Reason:   DiscardReason(reason),
			Category: ratelimit.Category(category),
			Quantity: quantity,
		})
	}
	return events, nil
}

func requireField(entry map[string]json.RawMessage, key string, dst interface{}) error {
	raw, ok := entry[key]
	if !ok || isNull(raw) {
		return fmt.Errorf("missing %s", key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid %s: %s", key, bytes.TrimSpace(raw))
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

// requireQuantity reads an integral quantity. Exponent forms such as 1e2 are
// accepted when their value is an integer within int64 range.
func requireQuantity(entry map[string]json.RawMessage) (int64, error) {
	raw, ok := entry["quantity"]
	raw = bytes.TrimSpace(raw)
	if !ok || isNull(raw) {
		return 0, errors.New("missing quantity")
	}
	var n json.Number
	if raw[0] == '"' || json.Unmarshal(raw, &n) != nil {
		return 0, fmt.Errorf("invalid quantity: %s", raw)
	}
	if q, err := n.Int64(); err == nil {
		return q, nil
	}
	f, _, err := big.ParseFloat(n.String(), 10, 256, big.ToNearestEven)
	if err != nil || !f.IsInt() {
		return 0, fmt.Errorf("invalid quantity: %s", raw)
	}
	q, acc := f.Int64()
	if acc != big.Exact {
		return 0, fmt.Errorf("quantity %s out of range", raw)
	}
	return q, nil
}
