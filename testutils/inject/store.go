package inject

import (
	"context"

	"go.viam.com/handeye/handeye"
)

// SampleStore is an injected sample store.
type SampleStore struct {
	handeye.SampleStore
	AppendFunc  func(ctx context.Context, sample *handeye.CalibrationSample) error
	ReplaceFunc func(ctx context.Context, samples []*handeye.CalibrationSample) error
}

// Append calls the injected Append or the real version.
func (s *SampleStore) Append(ctx context.Context, sample *handeye.CalibrationSample) error {
	if s.AppendFunc == nil {
		return s.SampleStore.Append(ctx, sample)
	}
	return s.AppendFunc(ctx, sample)
}

// Replace calls the injected Replace or the real version.
func (s *SampleStore) Replace(ctx context.Context, samples []*handeye.CalibrationSample) error {
	if s.ReplaceFunc == nil {
		return s.SampleStore.Replace(ctx, samples)
	}
	return s.ReplaceFunc(ctx, samples)
}
