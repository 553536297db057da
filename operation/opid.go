// Package operation tracks long running operations such as sample captures and verification
// runs so they can be listed and cancelled, e.g. when the operator interrupts the CLI.
package operation

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"go.viam.com/handeye/logging"
)

type opidKeyType string

const opidKey = opidKeyType("opid")

// Operation is an operation in progress.
type Operation struct {
	ID        uuid.UUID
	Method    string
	Arguments interface{}
	Started   time.Time

	myManager *Manager
	cancel    context.CancelFunc
}

// Cancel cancels the context associated with an operation.
func (o *Operation) Cancel() {
	o.cancel()
}

func (o *Operation) cleanup() {
	o.myManager.remove(o.ID)
}

// Manager holds the set of operations in progress.
type Manager struct {
	ops    map[string]*Operation
	lock   sync.Mutex
	clock  clock.Clock
	logger logging.Logger
}

// NewManager creates a new manager for holding Operations.
func NewManager(logger logging.Logger) *Manager {
	return NewManagerWithClock(logger, clock.New())
}

// NewManagerWithClock is NewManager with an injected clock for start times.
func NewManagerWithClock(logger logging.Logger, clk clock.Clock) *Manager {
	return &Manager{ops: map[string]*Operation{}, clock: clk, logger: logger}
}

func (m *Manager) remove(id uuid.UUID) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.ops, id.String())
}

func (m *Manager) add(op *Operation) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.ops[op.ID.String()] = op
}

// All returns all running operations.
func (m *Manager) All() []*Operation {
	m.lock.Lock()
	defer m.lock.Unlock()
	a := make([]*Operation, 0, len(m.ops))
	for _, o := range m.ops {
		a = append(a, o)
	}
	return a
}

// Find finds an op by id, could return nil.
func (m *Manager) Find(id uuid.UUID) *Operation {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.ops[id.String()]
}

// FindString finds an op by id, could return nil.
func (m *Manager) FindString(id string) *Operation {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.ops[id]
}

// CancelAll cancels every running operation.
func (m *Manager) CancelAll() {
	for _, op := range m.All() {
		m.logger.Debugw("cancelling operation", "id", op.ID.String(), "method", op.Method)
		op.Cancel()
	}
}

// Create puts an operation on this context.
func (m *Manager) Create(ctx context.Context, method string, args interface{}) (context.Context, func()) {
	if ctx.Value(opidKey) != nil {
		panic("operations cannot be nested")
	}

	op := &Operation{
		ID:        uuid.New(),
		Method:    method,
		Arguments: args,
		Started:   m.clock.Now(),
		myManager: m,
	}
	ctx = context.WithValue(ctx, opidKey, op)
	ctx, op.cancel = context.WithCancel(ctx)

	m.add(op)
	m.logger.Debugw("operation started", "id", op.ID.String(), "method", method)

	return ctx, func() {
		op.cancel()
		op.cleanup()
	}
}

// Get returns the current Operation. This can be nil.
func Get(ctx context.Context) *Operation {
	o := ctx.Value(opidKey)
	if o == nil {
		return nil
	}
	return o.(*Operation)
}
