package model

import "time"

// GatewayBootstrap describes the gateway record seeded on first startup when
// the gateway table is still empty.
type GatewayBootstrap struct {
	Name                  string
	Secret                string
	CallbackURL           string
	CheckSignature        bool
	TakesFees             bool
	ConfirmationsRequired int64
	OrderExpirationPeriod int64
	RequestsLimit         int64
	ThrottlePeriod        int64
}

// PollConfig controls the per-order status polling tasks.
type PollConfig struct {
	// Interval is the tick cadence of every order poller.
	Interval time.Duration
}

// CallbackConfig controls outbound merchant callback delivery.
type CallbackConfig struct {
	// Workers is the number of delivery goroutines draining the queue.
	Workers int
	// MaxAttempts bounds how often a failing delivery is retried.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry; it doubles on
	// every further attempt.
	InitialBackoff time.Duration
	// RequestTimeout bounds a single outbound HTTP request.
	RequestTimeout time.Duration
	// Proxy optionally routes outbound requests through a SOCKS5 proxy.
	Proxy string
}

// ThrottleConfig is the request-rate limit applied to unsigned requests.
type ThrottleConfig struct {
	RequestsLimit int64
	Period        time.Duration
}
