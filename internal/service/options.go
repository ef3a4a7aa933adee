package service

import (
	"time"
)

// Clock returns the current time. Services take their notion of "now" from
// it so month boundaries and expiry can be tested.
type Clock func() time.Time

type options struct {
	clock  Clock
	tokens TokenGenerator
}

// Option configures a service.
type Option func(*options)

// WithClock replaces time.Now.
func WithClock(c Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithTokenGenerator replaces the crypto/rand token source.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(o *options) {
		o.tokens = g
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:  time.Now,
		tokens: NewRandomTokenGenerator(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
