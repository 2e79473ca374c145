package worker

import "context"

// Slots bounds the number of concurrently executing steps.
type Slots struct {
	slots chan struct{}
}

// NewSlots creates a pool of limit slots. limit <= 0 means no limit.
func NewSlots(limit int) *Slots {
	var slots chan struct{}
	if limit > 0 {
		slots = make(chan struct{}, limit)
	}

	return &Slots{
		slots: slots,
	}
}

// Reserve blocks until a slot is free or ctx is done.
func (s *Slots) Reserve(ctx context.Context) error {
	if s.slots == nil {
		return nil // No limit on parallel tasks, no reservation needed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.slots <- struct{}{}:
		return nil
	}
}

// TryReserve takes a slot if one is free without blocking.
func (s *Slots) TryReserve() bool {
	if s.slots == nil {
		return true
	}

	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Slots) Release() {
	if s.slots == nil {
		return
	}

	<-s.slots
}

// InUse returns the number of reserved slots. Always 0 without a limit.
func (s *Slots) InUse() int {
	return len(s.slots)
}
