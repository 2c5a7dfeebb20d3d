package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-booking/internal/appointment"
	"github.com/hackgods/clinic-slot-booking/internal/directory"
	"github.com/hackgods/clinic-slot-booking/internal/slot"
)

const timestampLayout = time.RFC3339

type SlotRequest struct {
	StartsAt string `json:"starts_at" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	Capacity int    `json:"capacity" validate:"required,gt=0"`
}

type BookRequest struct {
	Doctor      string `json:"doctor" validate:"required"`
	Patient     string `json:"patient" validate:"required"`
	ScheduledAt string `json:"scheduled_at" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	Category    string `json:"category" validate:"required,max=50"`
}

type RescheduleRequest struct {
	ScheduledAt string `json:"scheduled_at" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	Category    string `json:"category" validate:"omitempty,max=50"`
}

type DoctorResponse struct {
	ID                 uuid.UUID `json:"id"`
	Name               string    `json:"name"`
	RegistrationNumber string    `json:"registration_number"`
	NationalID         string    `json:"national_id"`
	Specialty          string    `json:"specialty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func toDoctorResponse(d directory.Doctor) DoctorResponse {
	return DoctorResponse{
		ID:                 d.ID,
		Name:               d.Name,
		RegistrationNumber: d.RegistrationNumber,
		NationalID:         d.NationalID,
		Specialty:          d.Specialty,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}

type PatientResponse struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	NationalID string    `json:"national_id"`
	Contact    string    `json:"contact"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toPatientResponse(p directory.Patient) PatientResponse {
	return PatientResponse{
		ID:         p.ID,
		Name:       p.Name,
		Email:      p.Email,
		NationalID: p.NationalID,
		Contact:    p.Contact,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}

type SlotResponse struct {
	ID             uuid.UUID   `json:"id"`
	DoctorID       uuid.UUID   `json:"doctor_id"`
	StartsAt       time.Time   `json:"starts_at"`
	Capacity       int         `json:"capacity"`
	Reserved       int         `json:"reserved"`
	Remaining      int         `json:"remaining"`
	Version        int64       `json:"version"`
	AppointmentIDs []uuid.UUID `json:"appointment_ids"`
}

func toSlotResponse(s slot.Slot) SlotResponse {
	return SlotResponse{
		ID:             s.ID,
		DoctorID:       s.DoctorID,
		StartsAt:       s.StartsAt,
		Capacity:       s.Capacity,
		Reserved:       s.Reserved(),
		Remaining:      s.Remaining(),
		Version:        s.Version,
		AppointmentIDs: s.AppointmentIDs(),
	}
}

type AppointmentResponse struct {
	ID          uuid.UUID  `json:"id"`
	SlotID      uuid.UUID  `json:"slot_id"`
	DoctorID    uuid.UUID  `json:"doctor_id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Category    string     `json:"category"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

func toAppointmentResponse(a appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:          a.ID,
		SlotID:      a.SlotID,
		DoctorID:    a.DoctorID,
		PatientID:   a.PatientID,
		ScheduledAt: a.ScheduledAt,
		Category:    a.Category,
		Status:      string(a.Status),
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
		CancelledAt: a.CancelledAt,
	}
}

func mapSlice[T, R any](in []T, f func(T) R) []R {
	out := make([]R, len(in))
	for i, v := range in {
		out[i] = f(v)
	}
	return out
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}
