package testutils

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/getsentry/clientreport/internal/protocol"
	"github.com/getsentry/clientreport/internal/report"
)

// MockTransport records envelopes instead of sending them.
type MockTransport struct {
	sentEnvelopes []*protocol.Envelope
	sendError     error
	mu            sync.Mutex
	sendCount     int64
}

func (m *MockTransport) SendEnvelope(envelope *protocol.Envelope) error {
	atomic.AddInt64(&m.sendCount, 1)
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendError != nil {
		return m.sendError
	}

	m.sentEnvelopes = append(m.sentEnvelopes, envelope)
	return nil
}

func (m *MockTransport) SendEnvelopeWithContext(_ context.Context, envelope *protocol.Envelope) error {
	return m.SendEnvelope(envelope)
}

func (m *MockTransport) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendError = err
}

func (m *MockTransport) GetSentEnvelopes() []*protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*protocol.Envelope, len(m.sentEnvelopes))
	copy(result, m.sentEnvelopes)
	return result
}

func (m *MockTransport) GetSendCount() int64 {
	return atomic.LoadInt64(&m.sendCount)
}

func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentEnvelopes = nil
	m.sendError = nil
	atomic.StoreInt64(&m.sendCount, 0)
}

// ClientReports decodes every client report item carried by envelopes.
func ClientReports(t *testing.T, envelopes ...*protocol.Envelope) []*report.ClientReport {
	t.Helper()

	var reports []*report.ClientReport
	for _, envelope := range envelopes {
		for _, item := range envelope.Items {
			if item.Header.Type != protocol.EnvelopeItemTypeClientReport {
				continue
			}
			r, err := report.Decode(item.Payload)
			if err != nil {
				t.Fatalf("decoding client report: %v", err)
			}
			reports = append(reports, r)
		}
	}
	return reports
}
