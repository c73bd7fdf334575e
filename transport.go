package clientreport

import (
	"github.com/getsentry/clientreport/internal/http"
	"github.com/getsentry/clientreport/internal/protocol"
	"github.com/getsentry/clientreport/internal/sdk"
)

// HTTPTransport is an asynchronous envelope transport that records what it
// drops with a Reporter and piggybacks that Reporter's reports.
type HTTPTransport struct {
	*http.AsyncTransport
}

// NewHTTPTransport creates and starts an HTTPTransport for dsn. A nil reporter
// sends envelopes without any client report accounting.
//
// A reporter created without a transport adopts the new transport for its
// periodic flushes.
func NewHTTPTransport(dsn string, reporter *Reporter) *HTTPTransport {
	opts := []sdk.Option{
		sdk.WithSdkInfo(&protocol.SdkInfo{Name: SDKIdentifier, Version: Version}),
	}
	if reporter != nil {
		opts = append(opts,
			sdk.WithRecorder(reporter.aggregator),
			sdk.WithProvider(reporter.scheduler),
		)
	}
	t := http.NewAsyncTransport(http.TransportOptions{Dsn: dsn}, opts...)
	t.Start()

	transport := &HTTPTransport{AsyncTransport: t}
	if reporter != nil && reporter.scheduler.Transport() == nil {
		reporter.scheduler.SetTransport(transport)
	}
	return transport
}
