package session

import (
	"context"
	"errors"

	"github.com/symbolkernel/kernel/internal/kerrors"
	"github.com/symbolkernel/kernel/internal/store"
)

// HasActiveMessage reports whether the session lock is held.
func (m *Machine) HasActiveMessage(ctx context.Context, id string) (bool, error) {
	active, err := m.activeMessage(ctx, id)
	if err != nil {
		return false, err
	}
	return active != "", nil
}

// SetActiveMessage acquires the session lock for messageID via
// compare-and-set on the lock key. Fails with Busy if any holder exists.
func (m *Machine) SetActiveMessage(ctx context.Context, id, messageID string) error {
	s, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == StatusClosed {
		return kerrors.ErrInvalid
	}
	ok, err := m.kv.CompareAndSwap(ctx, activeKey(id), nil, []byte(messageID))
	if err != nil && !errors.Is(err, store.ErrCASMismatch) {
		return err
	}
	if !ok {
		if m.metrics != nil {
			m.metrics.SessionBusyRejections.Inc()
		}
		return &kerrors.BusyError{SessionID: id}
	}
	return nil
}

// ClearActiveMessage releases the lock and clears any pending
// cancellation flag. Idempotent: releasing an unheld lock is a no-op.
func (m *Machine) ClearActiveMessage(ctx context.Context, id string) error {
	if err := m.kv.Delete(ctx, activeKey(id)); err != nil {
		return err
	}
	return m.kv.Delete(ctx, cancelKey(id))
}

// RequestCancellation flags the in-flight turn for cooperative abort;
// the inference loop observes the flag at its next suspension point.
func (m *Machine) RequestCancellation(ctx context.Context, id string, userID string, isAdmin bool) error {
	if _, err := m.GetSession(ctx, id, userID, isAdmin); err != nil {
		return err
	}
	return m.kv.Set(ctx, cancelKey(id), []byte("1"), 0)
}

// CancellationRequested reports whether the in-flight turn was asked to
// stop.
func (m *Machine) CancellationRequested(ctx context.Context, id string) (bool, error) {
	if _, err := m.kv.Get(ctx, cancelKey(id)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
