package appointment

import (
	"context"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-booking/internal/slot"
)

// Repository persists committed transitions. The engine calls it while holding the
// affected slot locks; a returned error makes the engine roll the transition back, so
// every method must be all-or-nothing.
type Repository interface {
	CreateSlot(ctx context.Context, s slot.Slot) error
	UpdateSlot(ctx context.Context, s slot.Slot) error
	DeleteSlot(ctx context.Context, id uuid.UUID) error

	// Each appointment transition writes its event in the same transaction.
	CreateAppointment(ctx context.Context, a Appointment, ev EventLog) error
	MoveAppointment(ctx context.Context, fromSlotID uuid.UUID, a Appointment, ev EventLog) error
	CancelAppointment(ctx context.Context, a Appointment, ev EventLog) error

	// Startup restore. LoadSlots leaves Reservations empty; they are rebuilt from the
	// scheduled appointments. LoadAppointments returns oldest first.
	LoadSlots(ctx context.Context) ([]slot.Slot, error)
	LoadAppointments(ctx context.Context) ([]Appointment, error)
}

// NopRepository keeps nothing. The engine runs purely in memory with it.
type NopRepository struct{}

func (NopRepository) CreateSlot(context.Context, slot.Slot) error { return nil }
func (NopRepository) UpdateSlot(context.Context, slot.Slot) error { return nil }
func (NopRepository) DeleteSlot(context.Context, uuid.UUID) error { return nil }
func (NopRepository) CreateAppointment(context.Context, Appointment, EventLog) error {
	return nil
}
func (NopRepository) MoveAppointment(context.Context, uuid.UUID, Appointment, EventLog) error {
	return nil
}
func (NopRepository) CancelAppointment(context.Context, Appointment, EventLog) error {
	return nil
}
func (NopRepository) LoadSlots(context.Context) ([]slot.Slot, error) { return nil, nil }
func (NopRepository) LoadAppointments(context.Context) ([]Appointment, error) { return nil, nil }
