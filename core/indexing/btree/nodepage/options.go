package nodepage

import (
	"bytes"

	"go.uber.org/zap"
)

// KeyCompare orders two keys the way bytes.Compare does.
type KeyCompare func(a, b []byte) int

// Option configures how a page is interpreted.
type Option func(*options)

type options struct {
	format  Format
	compare KeyCompare
	logger  *zap.Logger
}

func defaultOptions() options {
	return options{
		format:  DefaultFormat(),
		compare: bytes.Compare,
		logger:  zap.NewNop(),
	}
}

// WithFormat sets the page geometry. Defaults to DefaultFormat().
func WithFormat(f Format) Option {
	return func(o *options) { o.format = f }
}

// WithKeyCompare sets the key ordering. Defaults to bytes.Compare.
func WithKeyCompare(cmp KeyCompare) Option {
	return func(o *options) {
		if cmp != nil {
			o.compare = cmp
		}
	}
}

// WithLogger receives debug events for splits and sentinel rewrites.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// withOptions reproduces the options a page was opened with, for the sibling
// created by a split.
func (n *node) withOptions() []Option {
	return []Option{WithFormat(n.opts.format), WithKeyCompare(n.opts.compare), WithLogger(n.opts.logger)}
}
