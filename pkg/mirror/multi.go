package mirror

import (
	"context"
	"errors"
	"fmt"

	"github.com/codeready-toolchain/agentwire/pkg/events"
	"github.com/codeready-toolchain/agentwire/pkg/telemetry"
)

// Backend is one mirror target.
type Backend interface {
	Name() string
	Mirror(ctx context.Context, msg *events.WebSocketMessage) error
}

// Multi writes every event to all backends, attempting each even when an
// earlier one fails.
type Multi struct {
	backends []Backend
	metrics  *telemetry.Metrics
}

// NewMulti creates a Multi over backends. metrics may be nil.
func NewMulti(metrics *telemetry.Metrics, backends ...Backend) *Multi {
	return &Multi{backends: backends, metrics: metrics}
}

// Len returns the number of backends.
func (m *Multi) Len() int { return len(m.backends) }

// Mirror returns the joined errors of all failing backends.
func (m *Multi) Mirror(ctx context.Context, msg *events.WebSocketMessage) error {
	var errs []error
	for _, b := range m.backends {
		if err := b.Mirror(ctx, msg); err != nil {
			m.metrics.MirrorFailed(ctx, b.Name())
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}
