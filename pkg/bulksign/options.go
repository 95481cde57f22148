/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package bulksign

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Options configures the time-dependent behavior shared by every backend.
type Options struct {
	Clock         clockwork.Clock
	ClaimTTL      time.Duration
	LeaseDuration time.Duration
}

// Option mutates Options.
type Option func(*Options)

// WithClock sets the clock used to stamp claims, leases and LastUsed.
func WithClock(c clockwork.Clock) Option {
	return func(o *Options) { o.Clock = c }
}

// WithClaimTTL sets how long claimed records stay hidden from other claimants.
func WithClaimTTL(d time.Duration) Option {
	return func(o *Options) { o.ClaimTTL = d }
}

// WithLeaseDuration sets how long a key lease lasts without renewal.
func WithLeaseDuration(d time.Duration) Option {
	return func(o *Options) { o.LeaseDuration = d }
}

// NewOptions applies opts over the package defaults.
func NewOptions(opts ...Option) Options {
	o := Options{
		Clock:         clockwork.NewRealClock(),
		ClaimTTL:      DefaultClaimTTL,
		LeaseDuration: DefaultLeaseDuration,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Now returns the current time in UTC according to the configured clock.
func (o Options) Now() time.Time {
	return o.Clock.Now().UTC()
}
