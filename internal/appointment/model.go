package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-booking/internal/slot"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCancelled Status = "cancelled"
)

type Appointment struct {
	ID          uuid.UUID
	SlotID      uuid.UUID
	DoctorID    uuid.UUID
	PatientID   uuid.UUID
	ScheduledAt time.Time // always equal to the bound slot's StartsAt
	Category    string
	Status      Status
	Token       slot.Token // reservation held against SlotID while scheduled
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CancelledAt *time.Time
}

func (a Appointment) Scheduled() bool {
	return a.Status == StatusScheduled
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
