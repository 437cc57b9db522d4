package pager

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMaxInFlight bounds concurrent AlignedRead calls across all regions.
const DefaultMaxInFlight = 16

// Option configures a Pager.
type Option func(*Pager)

// WithReadAhead sets the read-ahead policy. Defaults to
// FixedWindow(DefaultReadAhead); nil disables read-ahead.
func WithReadAhead(policy ReadAheadPolicy) Option {
	return func(p *Pager) {
		p.readAhead = policy
	}
}

// WithMaxInFlight bounds the number of concurrent AlignedRead calls.
func WithMaxInFlight(n int64) Option {
	return func(p *Pager) {
		p.maxInFlight = n
	}
}

// WithPageSize overrides the system page size. It must be a power of two.
func WithPageSize(n uint64) Option {
	return func(p *Pager) {
		p.pageSize = n
	}
}

// WithRegisterer registers the pager metrics with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(p *Pager) {
		p.registerer = r
	}
}

// WithLogger sets the logger for page-in failures and watch events.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pager) {
		p.logger = logger
	}
}
