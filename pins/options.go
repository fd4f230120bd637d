package pins

import "go.uber.org/zap"

type (
	options struct {
		Log        *zap.Logger
		PurgeBatch int
	}

	// An Option configures a Manager.
	Option func(*options)

	pinOptions struct {
		Depth *uint64
	}

	// A PinOption configures a single call to Pin.
	PinOption func(*pinOptions)
)

// WithLog sets the logger.
func WithLog(l *zap.Logger) Option {
	return func(o *options) {
		o.Log = l
	}
}

// WithPurgeBatch sets the maximum number of records deleted per
// transaction when a pin is removed.
func WithPurgeBatch(n int) Option {
	return func(o *options) {
		o.PurgeBatch = n
	}
}

// WithDepth limits the DAG depth fetched for a pin. A depth of 0 fetches
// only the root block.
func WithDepth(depth uint64) PinOption {
	return func(o *pinOptions) {
		o.Depth = &depth
	}
}
