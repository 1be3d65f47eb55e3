package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoUsableSource is returned by [SelectSource] when every candidate
// backend fails its capability probe.
var ErrNoUsableSource = errors.New("audio: no usable capture source")

// Prober is optionally implemented by [CaptureSource] backends that can
// cheaply verify their capability without starting capture (device file
// exists and is openable, voice gateway reachable, …).
type Prober interface {
	// Probe verifies the backend can capture right now. It must not hold on
	// to any resource after returning.
	Probe(ctx context.Context) error
}

// SelectSource runs a one-time capability negotiation over the candidate
// backends, in order, and returns the first usable one. Backends that do
// not implement [Prober] are assumed usable. The result is pinned for the
// session; capabilities are never re-probed mid-session.
func SelectSource(ctx context.Context, candidates ...CaptureSource) (CaptureSource, error) {
	var errs []error
	for _, src := range candidates {
		p, ok := src.(Prober)
		if !ok {
			return src, nil
		}
		if err := p.Probe(ctx); err != nil {
			slog.Debug("capture backend probe failed", "backend", fmt.Sprintf("%T", src), "err", err)
			errs = append(errs, err)
			continue
		}
		return src, nil
	}
	if len(errs) == 0 {
		return nil, ErrNoUsableSource
	}
	return nil, fmt.Errorf("%w: %w", ErrNoUsableSource, errors.Join(errs...))
}
