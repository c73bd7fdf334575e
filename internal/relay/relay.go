// Package relay implements an envelope relay that applies inbound filters,
// sampling and rate limits, forwards what survives upstream, and reports
// every item it drops in its own client reports.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/clientreport/internal/crypto/randutil"
	internalhttp "github.com/getsentry/clientreport/internal/http"
	"github.com/getsentry/clientreport/internal/protocol"
	"github.com/getsentry/clientreport/internal/ratelimit"
	"github.com/getsentry/clientreport/internal/report"
	"github.com/getsentry/clientreport/internal/sdk"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Name and Version identify the relay in the envelopes it sends upstream.
const (
	Name    = "sentry.go.outcome-relay"
	Version = "0.1.0"
)

// Upstream is where the relay forwards envelopes.
type Upstream interface {
	SendEnvelope(envelope *protocol.Envelope) error
}

// Option customizes a Relay.
type Option func(*Relay)

// WithUpstream replaces the HTTP transport built from Config.UpstreamDSN.
func WithUpstream(u Upstream) Option {
	return func(r *Relay) {
		r.upstream = u
	}
}

// WithSampler replaces the random sampling decision.
func WithSampler(sample func(rate float64) bool) Option {
	return func(r *Relay) {
		r.sample = sample
	}
}

// WithClock replaces the clock used for report timestamps and rate limits.
func WithClock(clock report.Clock) Option {
	return func(r *Relay) {
		r.clock = clock
	}
}

// Relay receives envelopes from leaf SDKs and forwards them upstream.
type Relay struct {
	cfg     *Config
	logger  *zap.Logger
	metrics *Metrics

	aggregator *report.Aggregator
	scheduler  *report.Scheduler
	recorder   *recorder

	upstream  Upstream
	transport *internalhttp.AsyncTransport

	limiters map[ratelimit.Category]*rate.Limiter
	sample   func(rate float64) bool
	clock    report.Clock
}

// New creates a Relay. Its periodic report flush starts immediately; call
// Close or Run's shutdown to stop it.
func New(cfg *Config, logger *zap.Logger, opts ...Option) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		cfg:        cfg,
		logger:     logger,
		metrics:    NewMetrics(),
		aggregator: report.NewAggregator(),
		limiters:   make(map[ratelimit.Category]*rate.Limiter),
		sample:     randutil.Sample,
		clock:      report.SystemClock,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.recorder = &recorder{aggregator: r.aggregator, metrics: r.metrics}

	r.scheduler = report.NewScheduler(r.aggregator, nil, report.SchedulerOptions{
		FlushInterval: cfg.FlushInterval,
		Role:          report.RoleRelay,
		Clock:         r.clock,
		Sdk:           &protocol.SdkInfo{Name: Name, Version: Version},
	})

	if r.upstream == nil {
		r.transport = internalhttp.NewAsyncTransport(
			internalhttp.TransportOptions{Dsn: cfg.UpstreamDSN, QueueSize: cfg.QueueSize},
			sdk.WithRecorder(r.recorder),
			sdk.WithProvider(r.scheduler),
			sdk.WithSdkInfo(&protocol.SdkInfo{Name: Name, Version: Version}),
		)
		r.transport.Start()
		r.metrics.RegisterQueue(r.transport.QueueMetrics)
		r.upstream = r.transport
	}
	r.scheduler.SetTransport(r.upstream)
	r.scheduler.Start()

	for category, limit := range cfg.RateLimits {
		r.limiters[ratelimit.Category(category)] = rate.NewLimiter(rate.Limit(limit.PerSecond), limit.Burst)
	}

	return r
}

// Metrics returns the relay's Prometheus collectors.
func (r *Relay) Metrics() *Metrics {
	return r.metrics
}

// Aggregator returns the counter holding the relay's own outcomes.
func (r *Relay) Aggregator() *report.Aggregator {
	return r.aggregator
}

// Handler returns the envelope ingestion handler.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/{project}/envelope/", r.handleEnvelope)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type envelopeResponse struct {
	ID string `json:"id,omitempty"`
}

func (r *Relay) handleEnvelope(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			r.fail(w, http.StatusRequestEntityTooLarge, "envelope exceeds max_body_bytes")
			return
		}
		r.fail(w, http.StatusBadRequest, "failed to read body")
		return
	}

	envelope, err := protocol.ParseEnvelope(body)
	if err != nil {
		r.logger.Debug("Rejecting envelope", zap.String("project", req.PathValue("project")), zap.Error(err))
		r.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	forward := r.Process(envelope)
	if forward != nil {
		if err := r.upstream.SendEnvelope(forward); err != nil {
			// The transport already recorded the dropped items.
			r.logger.Warn("Failed to queue envelope upstream", zap.Error(err))
		}
	}

	r.metrics.requests.WithLabelValues(strconv.Itoa(http.StatusOK)).Inc()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(envelopeResponse{ID: envelope.Header.EventID})
}

func (r *Relay) fail(w http.ResponseWriter, code int, message string) {
	r.metrics.requests.WithLabelValues(strconv.Itoa(code)).Inc()
	http.Error(w, message, code)
}

// Process consumes the client reports of an inbound envelope and applies
// filters, sampling and rate limits to every other item, in that order. It
// returns the envelope to forward, or nil when nothing survived.
func (r *Relay) Process(envelope *protocol.Envelope) *protocol.Envelope {
	forward := protocol.NewEnvelope(envelope.Header)
	for _, item := range envelope.Items {
		if item == nil || item.Header == nil {
			continue
		}
		if item.Header.Type == protocol.EnvelopeItemTypeClientReport {
			r.consumeClientReport(item.Payload)
			continue
		}

		category := report.ItemCategory(item)
		if reason, blocked := r.filter(item); blocked {
			r.recorder.recordItem(report.OutcomeFiltered, reason, item)
			continue
		}
		if sampleRate, ok := r.cfg.SampleRates[string(category)]; ok && !r.sample(sampleRate) {
			r.recorder.recordItem(report.OutcomeFilteredSampling, report.ReasonSampled, item)
			continue
		}
		if limiter, ok := r.limiters[category]; ok && !limiter.AllowN(r.clock.Now(), 1) {
			r.recorder.recordItem(report.OutcomeRateLimited, report.ReasonRelayRateLimit, item)
			continue
		}

		r.metrics.accepted.WithLabelValues(string(category)).Inc()
		forward.AddItem(item)
	}

	if len(forward.Items) == 0 {
		return nil
	}
	return forward
}

// consumeClientReport merges a leaf report into the relay's own counts.
// Leaves must not send relay-only lists; those are dropped.
func (r *Relay) consumeClientReport(payload []byte) {
	leaf, err := report.Decode(payload)
	if err != nil {
		r.metrics.invalidReports.Inc()
		r.logger.Warn("Dropping malformed client report", zap.Error(err))
		return
	}
	if err := leaf.CheckRole(report.RoleLeaf); err != nil {
		r.logger.Warn("Stripping relay-only outcomes from leaf client report", zap.Error(err))
		leaf.StripRelayOnly()
	}
	for _, e := range leaf.DiscardedEvents {
		r.recorder.Record(e.Reason, e.Category, e.Quantity)
	}
}

// eventFields is the part of an event or transaction payload inbound filters
// look at.
type eventFields struct {
	Message  string `json:"message"`
	Release  string `json:"release"`
	LogEntry *struct {
		Message   string `json:"message"`
		Formatted string `json:"formatted"`
	} `json:"logentry"`
	Exception *struct {
		Values []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"values"`
	} `json:"exception"`
}

func (e *eventFields) messages() []string {
	msgs := []string{e.Message}
	if e.LogEntry != nil {
		msgs = append(msgs, e.LogEntry.Message, e.LogEntry.Formatted)
	}
	if e.Exception != nil {
		for _, v := range e.Exception.Values {
			msgs = append(msgs, v.Value, fmt.Sprintf("%s: %s", v.Type, v.Value))
		}
	}
	return msgs
}

func (r *Relay) filter(item *protocol.EnvelopeItem) (report.DiscardReason, bool) {
	t := item.Header.Type
	if t != protocol.EnvelopeItemTypeEvent && t != protocol.EnvelopeItemTypeTransaction {
		return "", false
	}
	if len(r.cfg.BlockedReleases) == 0 && len(r.cfg.BlockedErrorMessages) == 0 {
		return "", false
	}

	var fields eventFields
	if err := json.Unmarshal(item.Payload, &fields); err != nil {
		// Unparseable payloads are upstream's problem.
		return "", false
	}

	for _, release := range r.cfg.BlockedReleases {
		if fields.Release != "" && fields.Release == release {
			return report.ReasonReleaseVersion, true
		}
	}
	if t != protocol.EnvelopeItemTypeEvent {
		return "", false
	}
	for _, msg := range fields.messages() {
		if msg == "" {
			continue
		}
		for _, blocked := range r.cfg.BlockedErrorMessages {
			if blocked != "" && strings.Contains(msg, blocked) {
				return report.ReasonErrorMessage, true
			}
		}
	}
	return "", false
}

// Flush sends the relay's pending outcomes upstream.
func (r *Relay) Flush(ctx context.Context) error {
	return r.scheduler.Flush(ctx)
}

// Close flushes pending outcomes, drains the upstream queue within the
// configured shutdown timeout and stops background work.
func (r *Relay) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()

	if err := r.scheduler.Flush(ctx); err != nil {
		r.logger.Warn("Final client report flush failed", zap.Error(err))
	}
	if r.transport != nil {
		if !r.transport.FlushWithContext(ctx) {
			r.logger.Warn("Timed out draining the upstream queue")
		}
		r.transport.Close()
	}
	r.scheduler.Stop()
}

// Run serves the envelope endpoint and, if configured, the metrics endpoint
// until ctx is canceled or a server fails. It closes the relay on return.
func (r *Relay) Run(ctx context.Context) error {
	defer r.Close()

	api := &http.Server{
		Addr:              r.cfg.ListenAddr,
		Handler:           r.Handler(),
		ErrorLog:          zap.NewStdLog(r.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{api}
	if r.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics.Handler())
		servers = append(servers, &http.Server{
			Addr:              r.cfg.MetricsAddr,
			Handler:           mux,
			ErrorLog:          zap.NewStdLog(r.logger),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		s := s
		g.Go(func() error {
			r.logger.Info("Listening", zap.String("address", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
