package sdk

import (
	"github.com/getsentry/clientreport/internal/protocol"
	"github.com/getsentry/clientreport/internal/report"
)

// Option configures SDK components.
type Option func(*Options)

// Options holds optional dependencies shared across SDK components.
type Options struct {
	Recorder report.Recorder
	Provider report.Provider
	Sdk      *protocol.SdkInfo
}

// WithRecorder sets where transports record the items they drop.
func WithRecorder(r report.Recorder) Option {
	return func(o *Options) {
		o.Recorder = r
	}
}

// WithProvider sets the source of client reports attached to outgoing envelopes.
func WithProvider(p report.Provider) Option {
	return func(o *Options) {
		o.Provider = p
	}
}

// WithSdkInfo sets the name and version sent in User-Agent and X-Sentry-Auth.
func WithSdkInfo(info *protocol.SdkInfo) Option {
	return func(o *Options) {
		o.Sdk = info
	}
}

// Apply resolves the given options into an Options struct.
func Apply(opts []Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}
