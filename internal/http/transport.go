package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/clientreport/internal/debuglog"
	"github.com/getsentry/clientreport/internal/protocol"
	"github.com/getsentry/clientreport/internal/ratelimit"
	"github.com/getsentry/clientreport/internal/report"
	"github.com/getsentry/clientreport/internal/sdk"
	"github.com/getsentry/clientreport/internal/telemetry"
)

const (
	defaultTimeout = time.Second * 30

	apiVersion = 7

	defaultWorkerCount  = 1
	defaultQueueSize    = 1000
	defaultMaxRetries   = 3
	defaultRetryBackoff = time.Second

	defaultSdkName    = "sentry.go"
	defaultSdkVersion = "unknown"
)

// maxDrainResponseBytes is the maximum number of bytes that transport
// implementations will read from response bodies when draining them.
//
// Sentry's ingestion API responses are typically short and the SDK doesn't need
// the contents of the response body. However, the net/http HTTP client requires
// response bodies to be fully drained (and closed) for TCP keep-alive to work.
const maxDrainResponseBytes = 16 << 10

var (
	// ErrTransportQueueFull is returned when the transport queue is full,
	// providing backpressure signal to the caller.
	ErrTransportQueueFull = errors.New("transport queue full")

	// ErrTransportClosed is returned when trying to send on a closed transport.
	ErrTransportClosed = errors.New("transport is closed")

	// ErrTransportNotConfigured is returned by AsyncTransport when the DSN was invalid.
	ErrTransportNotConfigured = errors.New("transport not configured")
)

// TransportOptions contains the configuration needed by the internal HTTP transports.
type TransportOptions struct {
	Dsn           string
	HTTPClient    *http.Client
	HTTPTransport http.RoundTripper
	HTTPProxy     string
	HTTPSProxy    string
	CaCerts       *x509.CertPool

	// WorkerCount, QueueSize, MaxRetries and RetryBackoff only apply to
	// AsyncTransport. Zero values select the defaults; a negative MaxRetries
	// disables retries.
	WorkerCount  int
	QueueSize    int
	MaxRetries   int
	RetryBackoff time.Duration
}

func getProxyConfig(options TransportOptions) func(*http.Request) (*url.URL, error) {
	if options.HTTPSProxy != "" {
		return func(*http.Request) (*url.URL, error) {
			return url.Parse(options.HTTPSProxy)
		}
	}

	if options.HTTPProxy != "" {
		return func(*http.Request) (*url.URL, error) {
			return url.Parse(options.HTTPProxy)
		}
	}

	return http.ProxyFromEnvironment
}

func getTLSConfig(options TransportOptions) *tls.Config {
	if options.CaCerts != nil {
		// #nosec G402 -- We should be using `MinVersion: tls.VersionTLS12`,
		// 				 but we don't want to break peoples code without the major bump.
		return &tls.Config{
			RootCAs: options.CaCerts,
		}
	}

	return nil
}

func newHTTPClient(options TransportOptions) *http.Client {
	if options.HTTPClient != nil {
		return options.HTTPClient
	}
	transport := options.HTTPTransport
	if transport == nil {
		transport = &http.Transport{
			Proxy:           getProxyConfig(options),
			TLSClientConfig: getTLSConfig(options),
		}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultTimeout,
	}
}

func sdkIdentity(envelope *protocol.Envelope, fallback *protocol.SdkInfo) (name, version string) {
	name, version = defaultSdkName, defaultSdkVersion
	info := fallback
	if envelope.Header != nil && envelope.Header.Sdk != nil {
		info = envelope.Header.Sdk
	}
	if info != nil {
		if info.Name != "" {
			name = info.Name
		}
		if info.Version != "" {
			version = info.Version
		}
	}
	return name, version
}

func getSentryRequestFromEnvelope(ctx context.Context, dsn *protocol.Dsn, sdkInfo *protocol.SdkInfo, envelope *protocol.Envelope) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var buf bytes.Buffer
	if _, err := envelope.WriteTo(&buf); err != nil {
		return nil, err
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, dsn.GetAPIURL().String(), &buf)
	if err != nil {
		return nil, err
	}

	sdkName, sdkVersion := sdkIdentity(envelope, sdkInfo)
	r.Header.Set("User-Agent", fmt.Sprintf("%s/%s", sdkName, sdkVersion))
	r.Header.Set("Content-Type", "application/x-sentry-envelope")

	auth := fmt.Sprintf("Sentry sentry_version=%d, "+
		"sentry_client=%s/%s, sentry_key=%s", apiVersion, sdkName, sdkVersion, dsn.GetPublicKey())

	// The key sentry_secret is effectively deprecated and no longer needs to be set.
	// However, since it was required in older self-hosted versions,
	// it should still be passed through to Sentry if set.
	if dsn.GetSecretKey() != "" {
		auth = fmt.Sprintf("%s, sentry_secret=%s", auth, dsn.GetSecretKey())
	}
	r.Header.Set("X-Sentry-Auth", auth)

	return r, nil
}

// limiter holds the rate limits reported by the server and removes limited
// items from outgoing envelopes.
type limiter struct {
	mu       sync.RWMutex
	limits   ratelimit.Map
	recorder report.Recorder
}

func (l *limiter) isRateLimited(category ratelimit.Category) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	limited := l.limits.IsRateLimited(category)
	if limited {
		debuglog.Printf("Rate limited for category %q until %v", category, l.limits.Deadline(category))
	}
	return limited
}

func (l *limiter) merge(response *http.Response) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limits == nil {
		l.limits = make(ratelimit.Map)
	}
	l.limits.Merge(ratelimit.FromResponse(response))
}

// filter returns the envelope without its rate limited items, recording each
// of them as ratelimit_backoff. It returns nil when nothing is left to send.
// Client reports are never rate limited.
func (l *limiter) filter(envelope *protocol.Envelope) *protocol.Envelope {
	if envelope == nil {
		return nil
	}
	kept := make([]*protocol.EnvelopeItem, 0, len(envelope.Items))
	for _, item := range envelope.Items {
		if item == nil || item.Header == nil {
			continue
		}
		if item.Header.Type != protocol.EnvelopeItemTypeClientReport && l.isRateLimited(report.ItemCategory(item)) {
			if l.recorder != nil {
				forItem(l.recorder, report.ReasonRateLimitBackoff, item)
			}
			continue
		}
		kept = append(kept, item)
	}
	if len(kept) == 0 {
		return nil
	}
	if len(kept) == len(envelope.Items) {
		return envelope
	}
	return &protocol.Envelope{Header: envelope.Header, Items: kept}
}

func eventID(envelope *protocol.Envelope) string {
	if envelope.Header == nil || envelope.Header.EventID == "" {
		return "envelope"
	}
	return envelope.Header.EventID
}

func forItem(recorder report.Recorder, reason report.DiscardReason, item *protocol.EnvelopeItem) {
	env := &protocol.Envelope{Items: []*protocol.EnvelopeItem{item}}
	recorder.RecordForEnvelope(reason, env)
}

// sendResult classifies the outcome of a single HTTP attempt.
type sendResult int

const (
	sendOK sendResult = iota
	// sendNetworkError covers requests that never produced a response.
	sendNetworkError
	// sendServerError covers 5xx responses, which are retried.
	sendServerError
	// sendRejected covers 4xx responses other than 429.
	sendRejected
	// sendRateLimited covers 429 responses.
	sendRateLimited
)

func (r sendResult) retryable() bool {
	return r == sendNetworkError || r == sendServerError
}

// counted reports whether the SDK records the failure. A 429 was already
// counted by the server that rejected it.
func (r sendResult) counted() bool {
	return r != sendOK && r != sendRateLimited
}

func (r sendResult) reason() report.DiscardReason {
	if r == sendNetworkError {
		return report.ReasonNetworkError
	}
	return report.ReasonSendError
}

func classify(response *http.Response) sendResult {
	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return sendOK
	case response.StatusCode == http.StatusTooManyRequests:
		return sendRateLimited
	case response.StatusCode >= 500:
		return sendServerError
	default:
		return sendRejected
	}
}

// ================================
// SyncTransport
// ================================

// SyncTransport is a blocking implementation of Transport.
//
// Clients using this transport will send requests to Sentry sequentially and
// block until a response is returned.
//
// The blocking behavior is useful in a limited set of use cases. For example,
// use it when deploying code to a Function as a Service ("Serverless")
// platform, where any work happening in a background goroutine is not
// guaranteed to execute.
//
// For most cases, prefer AsyncTransport.
type SyncTransport struct {
	dsn      *protocol.Dsn
	client   *http.Client
	recorder report.Recorder
	provider report.Provider
	sdk      *protocol.SdkInfo

	limiter limiter
}

// NewSyncTransport returns a new instance of SyncTransport configured with the given options.
func NewSyncTransport(options TransportOptions, opts ...sdk.Option) *SyncTransport {
	o := sdk.Apply(opts)
	transport := &SyncTransport{
		recorder: o.Recorder,
		provider: o.Provider,
		sdk:      o.Sdk,
		limiter:  limiter{limits: make(ratelimit.Map), recorder: o.Recorder},
	}

	dsn, err := protocol.NewDsn(options.Dsn)
	if err != nil {
		debuglog.Printf("%v", err)
		return transport
	}
	transport.dsn = dsn
	transport.client = newHTTPClient(options)

	return transport
}

// SendEnvelope assembles a new packet out of an Envelope and sends it to the remote server.
func (t *SyncTransport) SendEnvelope(envelope *protocol.Envelope) error {
	return t.SendEnvelopeWithContext(context.Background(), envelope)
}

func (t *SyncTransport) Close() {}

// IsRateLimited checks if a specific category is currently rate limited.
func (t *SyncTransport) IsRateLimited(category ratelimit.Category) bool {
	return t.limiter.isRateLimited(category)
}

// SendEnvelopeWithContext assembles a new packet out of an Envelope and sends it to the remote server.
func (t *SyncTransport) SendEnvelopeWithContext(ctx context.Context, envelope *protocol.Envelope) error {
	if t.dsn == nil {
		return nil
	}

	envelope = t.limiter.filter(envelope)
	if envelope == nil {
		return nil
	}
	if t.provider != nil {
		t.provider.AttachToEnvelope(envelope)
	}

	request, err := getSentryRequestFromEnvelope(ctx, t.dsn, t.sdk, envelope)
	if err != nil {
		debuglog.Printf("There was an issue creating the request: %v", err)
		t.record(report.ReasonInternalError, envelope)
		return err
	}
	response, err := t.client.Do(request)
	if err != nil {
		debuglog.Printf("There was an issue with sending an event: %v", err)
		t.record(report.ReasonNetworkError, envelope)
		return err
	}

	result := classify(response)
	if result != sendOK {
		if debuglog.Enabled() {
			b, _ := io.ReadAll(io.LimitReader(response.Body, maxDrainResponseBytes))
			debuglog.Printf("Sending %s failed with the following error: %s", eventID(envelope), string(b))
		}
		if result.counted() {
			t.record(result.reason(), envelope)
		}
	}

	t.limiter.merge(response)

	// Drain body up to a limit and close it, allowing the
	// transport to reuse TCP connections.
	_, _ = io.CopyN(io.Discard, response.Body, maxDrainResponseBytes)
	return response.Body.Close()
}

func (t *SyncTransport) record(reason report.DiscardReason, envelope *protocol.Envelope) {
	if t.recorder != nil {
		t.recorder.RecordForEnvelope(reason, envelope)
	}
}

// Flush is a no-op for SyncTransport. It always returns true immediately.
func (t *SyncTransport) Flush(_ time.Duration) bool {
	return true
}

// FlushWithContext is a no-op for SyncTransport. It always returns true immediately.
func (t *SyncTransport) FlushWithContext(_ context.Context) bool {
	return true
}

// ================================
// AsyncTransport
// ================================

// Worker represents a single HTTP worker that processes envelopes.
type Worker struct {
	id        int
	transport *AsyncTransport
	done      chan struct{}
	wg        *sync.WaitGroup
}

// AsyncTransport uses a bounded worker pool for controlled concurrency and provides
// backpressure when the queue is full. Envelopes dropped on overflow, rate
// limits or failed delivery are recorded with the configured Recorder.
type AsyncTransport struct {
	dsn      *protocol.Dsn
	client   *http.Client
	recorder report.Recorder
	provider report.Provider
	sdk      *protocol.SdkInfo

	queue       *telemetry.Buffer[*protocol.Envelope]
	wake        chan struct{}
	workers     []*Worker
	workerCount int
	maxRetries  int
	backoff     time.Duration

	limiter limiter

	mu     sync.Mutex
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool

	pending      int64
	sentCount    int64
	droppedCount int64
	errorCount   int64

	startOnce sync.Once
}

func NewAsyncTransport(options TransportOptions, opts ...sdk.Option) *AsyncTransport {
	o := sdk.Apply(opts)

	queueSize := options.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	workerCount := options.WorkerCount
	if workerCount <= 0 {
		workerCount = defaultWorkerCount
	}
	maxRetries := options.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = defaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}
	backoff := options.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	transport := &AsyncTransport{
		recorder:    o.Recorder,
		provider:    o.Provider,
		sdk:         o.Sdk,
		queue:       telemetry.NewBuffer[*protocol.Envelope](ratelimit.CategoryAll, queueSize, telemetry.OverflowPolicyDropNewest),
		wake:        make(chan struct{}, 1),
		workers:     make([]*Worker, workerCount),
		workerCount: workerCount,
		maxRetries:  maxRetries,
		backoff:     backoff,
		limiter:     limiter{limits: make(ratelimit.Map), recorder: o.Recorder},
		done:        make(chan struct{}),
	}
	transport.queue.SetDroppedCallback(transport.onQueueOverflow)

	dsn, err := protocol.NewDsn(options.Dsn)
	if err != nil {
		debuglog.Printf("%v", err)
		return transport
	}
	transport.dsn = dsn
	transport.client = newHTTPClient(options)

	return transport
}

// Start starts the worker goroutines. This method can only be called once.
func (t *AsyncTransport) Start() {
	t.startOnce.Do(func() {
		t.startWorkers()
	})
}

func (t *AsyncTransport) onQueueOverflow(envelope *protocol.Envelope, _ telemetry.OverflowPolicy) {
	atomic.AddInt64(&t.droppedCount, 1)
	if t.recorder != nil {
		t.recorder.RecordForEnvelope(report.ReasonQueueOverflow, envelope)
	}
}

// SendEnvelope queues the envelope for delivery. Rate limited items are
// dropped immediately; a full queue drops the whole envelope and returns
// ErrTransportQueueFull.
func (t *AsyncTransport) SendEnvelope(envelope *protocol.Envelope) error {
	if t.dsn == nil {
		return ErrTransportNotConfigured
	}

	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	envelope = t.limiter.filter(envelope)
	if envelope == nil {
		return nil
	}

	atomic.AddInt64(&t.pending, 1)
	if !t.queue.Offer(envelope) {
		atomic.AddInt64(&t.pending, -1)
		return ErrTransportQueueFull
	}

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// SendEnvelopeWithContext is SendEnvelope; queuing never blocks.
func (t *AsyncTransport) SendEnvelopeWithContext(_ context.Context, envelope *protocol.Envelope) error {
	return t.SendEnvelope(envelope)
}

func (t *AsyncTransport) Flush(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.FlushWithContext(ctx)
}

// FlushWithContext waits until every queued envelope was processed.
func (t *AsyncTransport) FlushWithContext(ctx context.Context) bool {
	if t.dsn == nil {
		return true
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if atomic.LoadInt64(&t.pending) == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.done:
			return atomic.LoadInt64(&t.pending) == 0
		case <-ticker.C:
		}
	}
}

// Close stops the workers. Envelopes still queued are discarded.
func (t *AsyncTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	close(t.done)
	t.wg.Wait()

	if left := t.queue.Drain(); len(left) > 0 {
		debuglog.Printf("Discarding %d queued envelopes on close", len(left))
		atomic.AddInt64(&t.pending, -int64(len(left)))
	}
}

// IsRateLimited checks if a specific category is currently rate limited.
func (t *AsyncTransport) IsRateLimited(category ratelimit.Category) bool {
	return t.limiter.isRateLimited(category)
}

// QueueMetrics exposes the send queue counters.
func (t *AsyncTransport) QueueMetrics() telemetry.BufferMetrics {
	return t.queue.GetMetrics()
}

func (t *AsyncTransport) startWorkers() {
	for i := 0; i < t.workerCount; i++ {
		worker := &Worker{
			id:        i,
			transport: t,
			done:      t.done,
			wg:        &t.wg,
		}
		t.workers[i] = worker

		t.wg.Add(1)
		go worker.run()
	}
}

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		if envelope, ok := w.transport.queue.Poll(); ok {
			w.processEnvelope(envelope)
			atomic.AddInt64(&w.transport.pending, -1)
			// Another worker may be waiting for the same wake-up.
			select {
			case w.transport.wake <- struct{}{}:
			default:
			}
			continue
		}

		select {
		case <-w.done:
			return
		case <-w.transport.wake:
		}
	}
}

func (w *Worker) processEnvelope(envelope *protocol.Envelope) {
	t := w.transport

	// Limits may have changed while the envelope was queued.
	envelope = t.limiter.filter(envelope)
	if envelope == nil {
		return
	}
	if t.provider != nil {
		t.provider.AttachToEnvelope(envelope)
	}

	backoff := t.backoff
	var result sendResult
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		result = w.sendEnvelopeHTTP(envelope)
		if result == sendOK {
			atomic.AddInt64(&t.sentCount, 1)
			return
		}
		if !result.retryable() {
			break
		}

		if attempt < t.maxRetries {
			select {
			case <-w.done:
				return
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}

	atomic.AddInt64(&t.errorCount, 1)
	if !result.counted() {
		debuglog.Printf("Envelope %s rejected by rate limits", eventID(envelope))
		return
	}
	debuglog.Printf("Failed to send envelope %s: %s", eventID(envelope), result.reason())
	if t.recorder != nil {
		t.recorder.RecordForEnvelope(result.reason(), envelope)
	}
}

func (w *Worker) sendEnvelopeHTTP(envelope *protocol.Envelope) sendResult {
	t := w.transport

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	request, err := getSentryRequestFromEnvelope(ctx, t.dsn, t.sdk, envelope)
	if err != nil {
		debuglog.Printf("Failed to create request from envelope: %v", err)
		return sendRejected
	}

	response, err := t.client.Do(request)
	if err != nil {
		debuglog.Printf("HTTP request failed: %v", err)
		return sendNetworkError
	}
	defer response.Body.Close()

	result := classify(response)
	switch result {
	case sendOK:
	case sendServerError:
		debuglog.Printf("Server error %d - will retry", response.StatusCode)
	default:
		if body, err := io.ReadAll(io.LimitReader(response.Body, maxDrainResponseBytes)); err == nil {
			debuglog.Printf("Client error %d: %s", response.StatusCode, string(body))
		}
	}

	t.limiter.merge(response)

	_, _ = io.CopyN(io.Discard, response.Body, maxDrainResponseBytes)

	return result
}
