package inject

import (
	"context"

	"go.viam.com/handeye/marker"
)

// Observer is an injected marker observer.
type Observer struct {
	marker.Observer
	ObserveFunc func(ctx context.Context) ([]marker.Detection, error)
}

// Observe calls the injected Observe or the real version.
func (o *Observer) Observe(ctx context.Context) ([]marker.Detection, error) {
	if o.ObserveFunc == nil {
		return o.Observer.Observe(ctx)
	}
	return o.ObserveFunc(ctx)
}
