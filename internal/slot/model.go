package slot

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSlotNotFound       = errors.New("slot not found")
	ErrDuplicateSlot      = errors.New("doctor already has a slot at this time")
	ErrInvalidCapacity    = errors.New("slot capacity must be greater than zero")
	ErrCapacityExceeded   = errors.New("slot is full")
	ErrHasReservations    = errors.New("slot has reservations")
	ErrAlreadyReleased    = errors.New("reservation already released")
	ErrUnknownReservation = errors.New("reservation is not held by this slot")
)

// Token identifies one unit of capacity held against a slot.
type Token string

func NewToken() Token {
	return Token(uuid.NewString())
}

type Reservation struct {
	Token         Token
	AppointmentID uuid.UUID
}

// Slot is a point-in-time copy of a registry entry. Mutating it has no effect on the registry.
type Slot struct {
	ID           uuid.UUID
	DoctorID     uuid.UUID
	StartsAt     time.Time
	Capacity     int
	Reservations []Reservation // insertion order
	Version      int64         // bumped on every committed change
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (s Slot) Reserved() int {
	return len(s.Reservations)
}

func (s Slot) Remaining() int {
	return s.Capacity - len(s.Reservations)
}

func (s Slot) AppointmentIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s.Reservations))
	for _, r := range s.Reservations {
		ids = append(ids, r.AppointmentID)
	}
	return ids
}

// Holds reports whether tok is currently reserved against the slot.
func (s Slot) Holds(tok Token) bool {
	for _, r := range s.Reservations {
		if r.Token == tok {
			return true
		}
	}
	return false
}

// Normalize is the instant slots are keyed on: UTC at Postgres (microsecond) precision.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// DayBounds returns the half-open interval [start, end) covering the calendar day of t
// in t's own location.
func DayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}
