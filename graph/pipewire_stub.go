//go:build !linux || !cgo

package graph

import "log/slog"

// NewPipeWire is unavailable without cgo on Linux; it always returns
// ErrUnavailable, which the session reports as a setup error.
func NewPipeWire(log *slog.Logger) (Binding, error) {
	return nil, ErrUnavailable
}
