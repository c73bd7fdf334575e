package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getsentry/clientreport/internal/protocol"
	"github.com/getsentry/clientreport/internal/ratelimit"
	"github.com/getsentry/clientreport/internal/report"
	"github.com/getsentry/clientreport/internal/sdk"
	"github.com/google/go-cmp/cmp"
)

func testDsn(server *httptest.Server) string {
	return "http://key@" + strings.TrimPrefix(server.URL, "http://") + "/123"
}

func testAsyncOptions(dsn string) TransportOptions {
	return TransportOptions{
		Dsn:          dsn,
		WorkerCount:  1,
		QueueSize:    100,
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	}
}

func eventEnvelope() *protocol.Envelope {
	envelope := protocol.NewEnvelope(&protocol.EnvelopeHeader{
		EventID: "9ec79c33ec9942ab8353589fcb2e04dc",
		Sdk:     &protocol.SdkInfo{Name: "sentry.go", Version: "1.2.3"},
	})
	envelope.AddItem(protocol.NewEnvelopeItem(protocol.EnvelopeItemTypeEvent, []byte(`{"message":"hi"}`)))
	return envelope
}

func transactionEnvelope() *protocol.Envelope {
	envelope := protocol.NewEnvelope(&protocol.EnvelopeHeader{EventID: "b81c5be4d31e48959103a1f878a1efcb"})
	item := protocol.NewEnvelopeItem(protocol.EnvelopeItemTypeTransaction, []byte(`{}`))
	item.Header.SpanCount = 2
	envelope.AddItem(item)
	return envelope
}

type requestLog struct {
	mu       sync.Mutex
	requests []*protocol.Envelope
	headers  []http.Header
}

func (l *requestLog) handler(t *testing.T, status int, extra http.Header) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("reading body: %v", err)
		}
		envelope, err := protocol.ParseEnvelope(body)
		if err != nil {
			t.Errorf("ParseEnvelope: %v", err)
		}
		l.mu.Lock()
		l.requests = append(l.requests, envelope)
		l.headers = append(l.headers, r.Header.Clone())
		l.mu.Unlock()
		for k, v := range extra {
			w.Header()[k] = v
		}
		w.WriteHeader(status)
	}
}

func (l *requestLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

func (l *requestLog) get(i int) (*protocol.Envelope, http.Header) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests[i], l.headers[i]
}

func TestSyncTransport_SendEnvelope(t *testing.T) {
	var log requestLog
	server := httptest.NewServer(log.handler(t, http.StatusOK, nil))
	defer server.Close()

	transport := NewSyncTransport(TransportOptions{Dsn: testDsn(server)})
	if err := transport.SendEnvelope(eventEnvelope()); err != nil {
		t.Fatalf("SendEnvelope() error = %v", err)
	}

	if log.count() != 1 {
		t.Fatalf("server received %d requests, want 1", log.count())
	}
	_, header := log.get(0)
	if got := header.Get("Content-Type"); got != "application/x-sentry-envelope" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := header.Get("User-Agent"); got != "sentry.go/1.2.3" {
		t.Errorf("User-Agent = %q", got)
	}
	wantAuth := "Sentry sentry_version=7, sentry_client=sentry.go/1.2.3, sentry_key=key"
	if got := header.Get("X-Sentry-Auth"); got != wantAuth {
		t.Errorf("X-Sentry-Auth = %q, want %q", got, wantAuth)
	}
}

func TestSyncTransport_InvalidDsnIsNoop(t *testing.T) {
	transport := NewSyncTransport(TransportOptions{Dsn: "not a dsn"})
	if err := transport.SendEnvelope(eventEnvelope()); err != nil {
		t.Errorf("SendEnvelope() error = %v, want nil", err)
	}
}

func TestSyncTransport_AttachesClientReport(t *testing.T) {
	var log requestLog
	server := httptest.NewServer(log.handler(t, http.StatusOK, nil))
	defer server.Close()

	agg := report.NewAggregator()
	scheduler := report.NewScheduler(agg, nil, report.SchedulerOptions{})
	agg.Record(report.ReasonBeforeSend, ratelimit.CategoryError, 3)

	transport := NewSyncTransport(TransportOptions{Dsn: testDsn(server)},
		sdk.WithRecorder(agg), sdk.WithProvider(scheduler))
	if err := transport.SendEnvelope(eventEnvelope()); err != nil {
		t.Fatal(err)
	}

	sent, _ := log.get(0)
	if len(sent.Items) != 2 {
		t.Fatalf("sent %d items, want event plus client report", len(sent.Items))
	}
	item := sent.Items[1]
	if item.Header.Type != protocol.EnvelopeItemTypeClientReport {
		t.Fatalf("second item type = %q", item.Header.Type)
	}
	r, err := report.Decode(item.Payload)
	if err != nil {
		t.Fatal(err)
	}
	want := []report.DiscardedEvent{{Reason: report.ReasonBeforeSend, Category: ratelimit.CategoryError, Quantity: 3}}
	if diff := cmp.Diff(want, r.DiscardedEvents); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncTransport_RecordsFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   report.DiscardReason
	}{
		{"client error", http.StatusBadRequest, report.ReasonSendError},
		{"server error", http.StatusInternalServerError, report.ReasonSendError},
		// The server counts what it rate limits.
		{"too many requests", http.StatusTooManyRequests, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var log requestLog
			server := httptest.NewServer(log.handler(t, tt.status, nil))
			defer server.Close()

			agg := report.NewAggregator()
			transport := NewSyncTransport(TransportOptions{Dsn: testDsn(server)}, sdk.WithRecorder(agg))
			if err := transport.SendEnvelope(transactionEnvelope()); err != nil {
				t.Fatal(err)
			}

			var want []report.DiscardedEvent
			if tt.want != "" {
				want = []report.DiscardedEvent{
					{Reason: tt.want, Category: ratelimit.CategoryTransaction, Quantity: 1},
					{Reason: tt.want, Category: ratelimit.CategorySpan, Quantity: 2},
				}
			}
			if diff := cmp.Diff(want, agg.Drain().Discarded); diff != "" {
				t.Errorf("recorded outcomes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSyncTransport_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	dsn := testDsn(server)
	server.Close()

	agg := report.NewAggregator()
	transport := NewSyncTransport(TransportOptions{Dsn: dsn}, sdk.WithRecorder(agg))
	if err := transport.SendEnvelope(eventEnvelope()); err == nil {
		t.Fatal("SendEnvelope() error = nil, want connection error")
	}

	want := []report.DiscardedEvent{{Reason: report.ReasonNetworkError, Category: ratelimit.CategoryError, Quantity: 1}}
	if diff := cmp.Diff(want, agg.Drain().Discarded); diff != "" {
		t.Errorf("recorded outcomes mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncTransport_RateLimitBackoff(t *testing.T) {
	var log requestLog
	limits := http.Header{"X-Sentry-Rate-Limits": []string{"60:error:organization"}}
	server := httptest.NewServer(log.handler(t, http.StatusTooManyRequests, limits))
	defer server.Close()

	agg := report.NewAggregator()
	transport := NewSyncTransport(TransportOptions{Dsn: testDsn(server)}, sdk.WithRecorder(agg))

	_ = transport.SendEnvelope(eventEnvelope())
	if !transport.IsRateLimited(ratelimit.CategoryError) {
		t.Fatal("error category not rate limited after 429")
	}
	if !agg.IsEmpty() {
		t.Fatalf("429 response recorded outcomes: %+v", agg.Drain())
	}

	if err := transport.SendEnvelope(eventEnvelope()); err != nil {
		t.Fatal(err)
	}
	if log.count() != 1 {
		t.Errorf("server received %d requests, want 1", log.count())
	}
	want := []report.DiscardedEvent{{Reason: report.ReasonRateLimitBackoff, Category: ratelimit.CategoryError, Quantity: 1}}
	if diff := cmp.Diff(want, agg.Drain().Discarded); diff != "" {
		t.Errorf("recorded outcomes mismatch (-want +got):\n%s", diff)
	}

	// Other categories still go through.
	if err := transport.SendEnvelope(transactionEnvelope()); err != nil {
		t.Fatal(err)
	}
	if log.count() != 2 {
		t.Errorf("server received %d requests, want 2", log.count())
	}
}

func TestLimiter_FilterKeepsUnlimitedItems(t *testing.T) {
	agg := report.NewAggregator()
	l := limiter{
		limits:   ratelimit.Map{ratelimit.CategoryError: ratelimit.Deadline(time.Now().Add(time.Minute))},
		recorder: agg,
	}

	envelope := eventEnvelope()
	envelope.AddItem(protocol.NewAttachmentItem("a.txt", "text/plain", []byte("abc")))
	envelope.AddItem(protocol.NewClientReportItem([]byte(`{}`)))

	filtered := l.filter(envelope)
	if filtered == nil || len(filtered.Items) != 2 {
		t.Fatalf("filtered envelope = %+v, want attachment and client report", filtered)
	}
	if filtered.Items[0].Header.Type != protocol.EnvelopeItemTypeAttachment {
		t.Errorf("first kept item = %q", filtered.Items[0].Header.Type)
	}
	if len(envelope.Items) != 3 {
		t.Error("filter modified the original envelope")
	}
	if l.filter(protocol.NewEnvelope(nil)) != nil {
		t.Error("empty envelope was not filtered out")
	}
}

func TestAsyncTransport_SendEnvelope(t *testing.T) {
	var log requestLog
	server := httptest.NewServer(log.handler(t, http.StatusOK, nil))
	defer server.Close()

	transport := NewAsyncTransport(testAsyncOptions(testDsn(server)))
	transport.Start()
	defer transport.Close()

	for i := 0; i < 5; i++ {
		if err := transport.SendEnvelope(eventEnvelope()); err != nil {
			t.Fatalf("SendEnvelope() error = %v", err)
		}
	}
	if !transport.Flush(time.Second) {
		t.Fatal("Flush() timed out")
	}
	if log.count() != 5 {
		t.Errorf("server received %d requests, want 5", log.count())
	}
	if got := atomic.LoadInt64(&transport.sentCount); got != 5 {
		t.Errorf("sentCount = %d, want 5", got)
	}
}

func TestAsyncTransport_NotConfigured(t *testing.T) {
	transport := NewAsyncTransport(TransportOptions{})
	if err := transport.SendEnvelope(eventEnvelope()); !errors.Is(err, ErrTransportNotConfigured) {
		t.Errorf("SendEnvelope() error = %v, want ErrTransportNotConfigured", err)
	}
	if !transport.Flush(time.Millisecond) {
		t.Error("Flush() on unconfigured transport = false")
	}
}

func TestAsyncTransport_Closed(t *testing.T) {
	transport := NewAsyncTransport(testAsyncOptions("https://key@sentry.io/123"))
	transport.Start()
	transport.Close()
	transport.Close()

	if err := transport.SendEnvelope(eventEnvelope()); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("SendEnvelope() error = %v, want ErrTransportClosed", err)
	}
}

func TestAsyncTransport_QueueOverflowRecorded(t *testing.T) {
	agg := report.NewAggregator()
	options := testAsyncOptions("https://key@sentry.io/123")
	options.QueueSize = 2
	// Not started, so nothing drains the queue.
	transport := NewAsyncTransport(options, sdk.WithRecorder(agg))
	defer transport.Close()

	for i := 0; i < 2; i++ {
		if err := transport.SendEnvelope(eventEnvelope()); err != nil {
			t.Fatalf("SendEnvelope(%d) error = %v", i, err)
		}
	}
	if err := transport.SendEnvelope(transactionEnvelope()); !errors.Is(err, ErrTransportQueueFull) {
		t.Fatalf("SendEnvelope() error = %v, want ErrTransportQueueFull", err)
	}

	want := []report.DiscardedEvent{
		{Reason: report.ReasonQueueOverflow, Category: ratelimit.CategoryTransaction, Quantity: 1},
		{Reason: report.ReasonQueueOverflow, Category: ratelimit.CategorySpan, Quantity: 2},
	}
	if diff := cmp.Diff(want, agg.Drain().Discarded); diff != "" {
		t.Errorf("recorded outcomes mismatch (-want +got):\n%s", diff)
	}
	if m := transport.QueueMetrics(); m.DroppedCount != 1 || m.Size != 2 {
		t.Errorf("QueueMetrics() = %+v", m)
	}
}

func TestAsyncTransport_RetriesThenRecords(t *testing.T) {
	var attempts int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	agg := report.NewAggregator()
	options := testAsyncOptions(testDsn(server))
	options.MaxRetries = 2
	transport := NewAsyncTransport(options, sdk.WithRecorder(agg))
	transport.Start()
	defer transport.Close()

	if err := transport.SendEnvelope(eventEnvelope()); err != nil {
		t.Fatal(err)
	}
	if !transport.Flush(time.Second) {
		t.Fatal("Flush() timed out")
	}

	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	want := []report.DiscardedEvent{{Reason: report.ReasonSendError, Category: ratelimit.CategoryError, Quantity: 1}}
	if diff := cmp.Diff(want, agg.Drain().Discarded); diff != "" {
		t.Errorf("recorded outcomes mismatch (-want +got):\n%s", diff)
	}
}

func TestAsyncTransport_ClientErrorNotRetried(t *testing.T) {
	var attempts int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	agg := report.NewAggregator()
	options := testAsyncOptions(testDsn(server))
	options.MaxRetries = 3
	transport := NewAsyncTransport(options, sdk.WithRecorder(agg))
	transport.Start()
	defer transport.Close()

	if err := transport.SendEnvelope(eventEnvelope()); err != nil {
		t.Fatal(err)
	}
	if !transport.Flush(time.Second) {
		t.Fatal("Flush() timed out")
	}
	if got := atomic.LoadInt64(&attempts); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if agg.IsEmpty() {
		t.Error("rejected envelope was not recorded")
	}
}

func TestAsyncTransport_TooManyRequestsNotRecorded(t *testing.T) {
	var attempts int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&attempts, 1)
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	agg := report.NewAggregator()
	options := testAsyncOptions(testDsn(server))
	options.MaxRetries = 3
	transport := NewAsyncTransport(options, sdk.WithRecorder(agg))
	transport.Start()
	defer transport.Close()

	if err := transport.SendEnvelope(eventEnvelope()); err != nil {
		t.Fatal(err)
	}
	if !transport.Flush(time.Second) {
		t.Fatal("Flush() timed out")
	}
	if got := atomic.LoadInt64(&attempts); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if !agg.IsEmpty() {
		t.Errorf("429 response recorded outcomes: %+v", agg.Drain())
	}
	if !transport.IsRateLimited(ratelimit.CategoryError) {
		t.Error("error category not rate limited after 429")
	}
}

func TestAsyncTransport_PiggybacksAndFlushesReport(t *testing.T) {
	var log requestLog
	server := httptest.NewServer(log.handler(t, http.StatusOK, nil))
	defer server.Close()

	agg := report.NewAggregator()
	scheduler := report.NewScheduler(agg, nil, report.SchedulerOptions{})
	transport := NewAsyncTransport(testAsyncOptions(testDsn(server)),
		sdk.WithRecorder(agg), sdk.WithProvider(scheduler))
	transport.Start()
	defer transport.Close()

	agg.Record(report.ReasonSampleRate, ratelimit.CategoryTransaction, 9)
	if err := transport.SendEnvelope(eventEnvelope()); err != nil {
		t.Fatal(err)
	}
	if !transport.FlushWithContext(context.Background()) {
		t.Fatal("FlushWithContext() = false")
	}

	sent, _ := log.get(0)
	if !sent.HasItemType(protocol.EnvelopeItemTypeClientReport) {
		t.Fatal("envelope sent without client report")
	}
	if !agg.IsEmpty() {
		t.Error("aggregator not drained by piggyback")
	}
}

func TestClassify(t *testing.T) {
	tests := map[int]sendResult{
		http.StatusOK:                    sendOK,
		http.StatusAccepted:              sendOK,
		http.StatusBadRequest:            sendRejected,
		http.StatusRequestEntityTooLarge: sendRejected,
		http.StatusTooManyRequests:       sendRateLimited,
		http.StatusInternalServerError:   sendServerError,
		http.StatusBadGateway:            sendServerError,
	}
	for status, want := range tests {
		if got := classify(&http.Response{StatusCode: status}); got != want {
			t.Errorf("classify(%d) = %d, want %d", status, got, want)
		}
	}
}
