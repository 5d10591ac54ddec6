package gqcow2

import "github.com/rs/zerolog"

// DefaultL2TableCacheSize is the number of decoded L2 tables the image keeps
// for lookups. With 64KB clusters one table covers 512MB of guest space.
const DefaultL2TableCacheSize = 32

// Option configures how an image is opened.
type Option func(*imageOptions)

type imageOptions struct {
	logger           zerolog.Logger
	l2TableCacheSize int
}

func defaultImageOptions() *imageOptions {
	return &imageOptions{
		logger:           zerolog.Nop(),
		l2TableCacheSize: DefaultL2TableCacheSize,
	}
}

// WithLogger routes the image and its readers' logs to l.
func WithLogger(l zerolog.Logger) Option {
	return func(o *imageOptions) {
		o.logger = l
	}
}

// WithL2TableCacheSize sets how many decoded L2 tables FindL2Entry and Map
// keep. Non-positive values keep the default.
func WithL2TableCacheSize(size int) Option {
	return func(o *imageOptions) {
		if size > 0 {
			o.l2TableCacheSize = size
		}
	}
}
