package downloader

import (
	"time"

	"go.uber.org/zap"
)

type options struct {
	Slots       int
	TaskTimeout time.Duration
	IdleDelay   time.Duration
	Log         *zap.Logger
}

// An Option configures a Downloader.
type Option func(*options)

// WithSlots sets the maximum number of concurrent block fetches.
func WithSlots(n int) Option {
	return func(o *options) {
		o.Slots = n
	}
}

// WithTaskTimeout sets the maximum duration of a single block fetch.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *options) {
		o.TaskTimeout = d
	}
}

// WithIdleDelay sets the delay between scheduling rounds.
func WithIdleDelay(d time.Duration) Option {
	return func(o *options) {
		o.IdleDelay = d
	}
}

// WithLog sets the logger.
func WithLog(l *zap.Logger) Option {
	return func(o *options) {
		o.Log = l
	}
}
