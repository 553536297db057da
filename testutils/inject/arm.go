package inject

import (
	"context"
	"sync"

	"go.viam.com/handeye/components/arm"
)

// StateReader is an injected controller state link.
type StateReader struct {
	arm.StateReader
	ReadStateFunc func(ctx context.Context) (arm.RawPose, error)
	ConnectedFunc func() bool
	CloseFunc     func(ctx context.Context) error
}

// ReadState calls the injected ReadState or the real version.
func (s *StateReader) ReadState(ctx context.Context) (arm.RawPose, error) {
	if s.ReadStateFunc == nil {
		return s.StateReader.ReadState(ctx)
	}
	return s.ReadStateFunc(ctx)
}

// Connected calls the injected Connected or the real version.
func (s *StateReader) Connected() bool {
	if s.ConnectedFunc == nil {
		return s.StateReader.Connected()
	}
	return s.ConnectedFunc()
}

// Close calls the injected Close or the real version.
func (s *StateReader) Close(ctx context.Context) error {
	if s.CloseFunc == nil {
		if s.StateReader == nil {
			return nil
		}
		return s.StateReader.Close(ctx)
	}
	return s.CloseFunc(ctx)
}

// Mover is an injected motion client that records every command it is given.
type Mover struct {
	arm.Mover
	MoveLFunc func(ctx context.Context, target arm.RawPose) error
	StopFunc  func(ctx context.Context) error
	CloseFunc func(ctx context.Context) error

	mu    sync.Mutex
	calls []string
}

func (m *Mover) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, method)
}

// Calls returns the names of the motion methods invoked so far.
func (m *Mover) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// MoveL calls the injected MoveL or the real version.
func (m *Mover) MoveL(ctx context.Context, target arm.RawPose) error {
	m.record("MoveL")
	if m.MoveLFunc == nil {
		return m.Mover.MoveL(ctx, target)
	}
	return m.MoveLFunc(ctx, target)
}

// Stop calls the injected Stop or the real version.
func (m *Mover) Stop(ctx context.Context) error {
	m.record("Stop")
	if m.StopFunc == nil {
		return m.Mover.Stop(ctx)
	}
	return m.StopFunc(ctx)
}

// Close calls the injected Close or the real version.
func (m *Mover) Close(ctx context.Context) error {
	if m.CloseFunc == nil {
		if m.Mover == nil {
			return nil
		}
		return m.Mover.Close(ctx)
	}
	return m.CloseFunc(ctx)
}
