package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-slot-booking/internal/directory"
	"github.com/hackgods/clinic-slot-booking/internal/slot"
)

const (
	EventAppointmentBooked      = "APPOINTMENT_BOOKED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
)

const (
	maxCategoryLen = 50

	// How often Cancel follows an appointment that keeps moving under it.
	maxRebind = 3
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrAlreadyCancelled    = errors.New("appointment already cancelled")
	ErrConflict            = errors.New("appointment was changed concurrently, please retry")
	ErrInvalidCategory     = errors.New("category must be between 1 and 50 characters")
	ErrInvalidRange        = errors.New("range end is before range start")
)

// Directory resolves the doctor and patient references bookings are made with.
type Directory interface {
	ResolveDoctor(ctx context.Context, ref string) (*directory.Doctor, error)
	ResolvePatient(ctx context.Context, ref string) (*directory.Patient, error)
	DeleteDoctor(ctx context.Context, id uuid.UUID) error
	DeletePatient(ctx context.Context, id uuid.UUID) error
}

// AvailabilityPublisher mirrors slot occupancy somewhere readers can poll it.
// Publishing is best effort and happens after the transition has committed.
type AvailabilityPublisher interface {
	Publish(ctx context.Context, s slot.Slot) error
	Forget(ctx context.Context, slotID uuid.UUID) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, slot.Slot) error { return nil }
func (nopPublisher) Forget(context.Context, uuid.UUID) error { return nil }

// Service is the booking engine and the only writer of the slot registry and the
// ledger. Every transition runs inside the slot registry's per-slot critical section:
// the repository write and the ledger update happen there, and a repository failure
// undoes the reservation change before any other caller can see it.
type Service struct {
	dir    Directory
	slots  *slot.Registry
	ledger *Ledger
	repo   Repository
	pub    AvailabilityPublisher
	log    *logrus.Logger
	now    func() time.Time
}

// NewService wires the engine. repo and pub may be nil for an in-memory engine.
func NewService(dir Directory, repo Repository, pub AvailabilityPublisher, log *logrus.Logger) *Service {
	if repo == nil {
		repo = NopRepository{}
	}
	if pub == nil {
		pub = nopPublisher{}
	}
	return &Service{
		dir:    dir,
		slots:  slot.NewRegistry(),
		ledger: NewLedger(),
		repo:   repo,
		pub:    pub,
		log:    log,
		now:    time.Now,
	}
}

// WithReservations rebuilds each slot's reservation set from the scheduled appointments
// bound to it.
func WithReservations(slots []slot.Slot, appts []Appointment) []slot.Slot {
	held := make(map[uuid.UUID][]slot.Reservation)
	for _, a := range appts {
		if a.Scheduled() {
			held[a.SlotID] = append(held[a.SlotID], slot.Reservation{Token: a.Token, AppointmentID: a.ID})
		}
	}

	out := make([]slot.Slot, len(slots))
	for i, s := range slots {
		s.Reservations = held[s.ID]
		out[i] = s
	}
	return out
}

// Restore loads every slot and appointment from the repository. Call it once, before
// the engine serves requests.
func (s *Service) Restore(ctx context.Context) error {
	slots, err := s.repo.LoadSlots(ctx)
	if err != nil {
		return fmt.Errorf("load slots: %w", err)
	}
	appts, err := s.repo.LoadAppointments(ctx)
	if err != nil {
		return fmt.Errorf("load appointments: %w", err)
	}

	for _, sl := range WithReservations(slots, appts) {
		if err := s.slots.Restore(sl); err != nil {
			return err
		}
	}
	for _, a := range appts {
		s.ledger.put(a)
	}

	s.log.WithFields(logrus.Fields{
		"slots":        len(slots),
		"appointments": len(appts),
	}).Info("booking state restored")
	return nil
}

func normalizeCategory(category string) (string, error) {
	category = strings.TrimSpace(category)
	if category == "" || utf8.RuneCountInString(category) > maxCategoryLen {
		return "", ErrInvalidCategory
	}
	return category, nil
}

func (s *Service) newEvent(eventType string, appointmentID uuid.UUID, payload map[string]any) EventLog {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.WithError(err).WithField("event_type", eventType).Warn("marshal event payload")
		data = nil
	}

	apptID := appointmentID
	return EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}
}

func (s *Service) publish(ctx context.Context, sl slot.Slot) {
	if err := s.pub.Publish(ctx, sl); err != nil {
		s.log.WithError(err).WithField("slot_id", sl.ID).Warn("publish slot availability")
	}
}

func (s *Service) publishByID(ctx context.Context, slotID uuid.UUID) {
	sl, err := s.slots.Get(ctx, slotID)
	if err != nil {
		return
	}
	s.publish(ctx, sl)
}

// bindingError translates a registry refusal caused by the appointment having been
// moved or cancelled since it was read. gone is returned when it is no longer scheduled.
func (s *Service) bindingError(id uuid.UUID, err error, gone error) error {
	if !errors.Is(err, slot.ErrAlreadyReleased) && !errors.Is(err, slot.ErrUnknownReservation) {
		return err
	}
	cur, ok := s.ledger.Get(id)
	if !ok || !cur.Scheduled() {
		return gone
	}
	return ErrConflict
}

// Book reserves one unit of the doctor's slot at exactly at and records the appointment.
func (s *Service) Book(ctx context.Context, doctorRef, patientRef string, at time.Time, category string) (*Appointment, error) {
	category, err := normalizeCategory(category)
	if err != nil {
		return nil, err
	}

	doctor, err := s.dir.ResolveDoctor(ctx, doctorRef)
	if err != nil {
		return nil, err
	}
	patient, err := s.dir.ResolvePatient(ctx, patientRef)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	var (
		booked Appointment
		snap   slot.Slot
	)
	_, err = s.slots.ReserveAt(ctx, doctor.ID, at, id, func(sl slot.Slot, tok slot.Token) error {
		now := s.now()
		a := Appointment{
			ID:          id,
			SlotID:      sl.ID,
			DoctorID:    doctor.ID,
			PatientID:   patient.ID,
			ScheduledAt: sl.StartsAt,
			Category:    category,
			Status:      StatusScheduled,
			Token:       tok,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		ev := s.newEvent(EventAppointmentBooked, id, map[string]any{
			"slot_id":      sl.ID.String(),
			"doctor_id":    doctor.ID.String(),
			"patient_id":   patient.ID.String(),
			"scheduled_at": sl.StartsAt,
			"category":     category,
		})
		if err := s.repo.CreateAppointment(ctx, a, ev); err != nil {
			return fmt.Errorf("persist appointment: %w", err)
		}
		s.ledger.put(a)
		booked, snap = a, sl
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, snap)
	s.log.WithFields(logrus.Fields{
		"appointment_id": booked.ID,
		"slot_id":        booked.SlotID,
		"patient_id":     booked.PatientID,
		"remaining":      snap.Remaining(),
	}).Info("appointment booked")

	return &booked, nil
}

// Reschedule moves a scheduled appointment to the doctor's slot at exactly at. The new
// unit is reserved and the old one released in one step; if the new slot is full the
// appointment keeps its original slot. An empty category keeps the current one.
// Rescheduling onto the current slot only changes the category.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, at time.Time, category string) (*Appointment, error) {
	cur, ok := s.ledger.Get(id)
	if !ok || !cur.Scheduled() {
		return nil, ErrAppointmentNotFound
	}

	if strings.TrimSpace(category) == "" {
		category = cur.Category
	}
	category, err := normalizeCategory(category)
	if err != nil {
		return nil, err
	}

	var (
		moved Appointment
		snap  slot.Slot
	)
	_, err = s.slots.MoveTo(ctx, cur.SlotID, cur.Token, cur.DoctorID, at, cur.ID, func(to slot.Slot, tok slot.Token) error {
		// The old token is still held, so the ledger entry is the one we read, give or
		// take a category change made under this same lock.
		a, _ := s.ledger.Get(id)
		a.SlotID = to.ID
		a.ScheduledAt = to.StartsAt
		a.Category = category
		a.Token = tok
		a.UpdatedAt = s.now()

		ev := s.newEvent(EventAppointmentRescheduled, id, map[string]any{
			"from_slot_id": cur.SlotID.String(),
			"to_slot_id":   to.ID.String(),
			"scheduled_at": to.StartsAt,
			"category":     category,
		})
		if err := s.repo.MoveAppointment(ctx, cur.SlotID, a, ev); err != nil {
			return fmt.Errorf("persist reschedule: %w", err)
		}
		s.ledger.put(a)
		moved, snap = a, to
		return nil
	})
	if err != nil {
		return nil, s.bindingError(id, err, ErrAppointmentNotFound)
	}

	if cur.SlotID != moved.SlotID {
		s.publish(ctx, snap)
		s.publishByID(ctx, cur.SlotID)
	}
	s.log.WithFields(logrus.Fields{
		"appointment_id": id,
		"from_slot_id":   cur.SlotID,
		"to_slot_id":     moved.SlotID,
	}).Info("appointment rescheduled")

	return &moved, nil
}

// Cancel releases the appointment's slot unit and marks it cancelled. A second cancel
// returns ErrAlreadyCancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	for attempt := 1; ; attempt++ {
		cur, ok := s.ledger.Get(id)
		if !ok {
			return ErrAppointmentNotFound
		}
		if !cur.Scheduled() {
			return ErrAlreadyCancelled
		}

		err := s.cancel(ctx, cur)
		if err == nil {
			return nil
		}
		// A concurrent reschedule swapped the token; follow the appointment to its new slot.
		err = s.bindingError(id, err, ErrAlreadyCancelled)
		if !errors.Is(err, ErrConflict) || attempt == maxRebind {
			return err
		}
	}
}

// cancel releases exactly the reservation cur holds.
func (s *Service) cancel(ctx context.Context, cur Appointment) error {
	var snap slot.Slot
	err := s.slots.Release(ctx, cur.SlotID, cur.Token, func(sl slot.Slot) error {
		a, _ := s.ledger.Get(cur.ID)
		now := s.now()
		a.Status = StatusCancelled
		a.CancelledAt = &now
		a.UpdatedAt = now

		ev := s.newEvent(EventAppointmentCancelled, a.ID, map[string]any{
			"slot_id":    sl.ID.String(),
			"patient_id": a.PatientID.String(),
		})
		if err := s.repo.CancelAppointment(ctx, a, ev); err != nil {
			return fmt.Errorf("persist cancellation: %w", err)
		}
		s.ledger.put(a)
		snap = sl
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(ctx, snap)
	s.log.WithFields(logrus.Fields{
		"appointment_id": cur.ID,
		"slot_id":        cur.SlotID,
	}).Info("appointment cancelled")
	return nil
}

// CancelAll cancels every scheduled appointment whose doctor or patient is ownerID and
// returns how many it cancelled. Appointments cancelled concurrently are skipped.
func (s *Service) CancelAll(ctx context.Context, ownerID uuid.UUID) (int, error) {
	n := 0
	for _, a := range s.ledger.Owned(ownerID) {
		err := s.Cancel(ctx, a.ID)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrAlreadyCancelled):
		default:
			return n, fmt.Errorf("cancel appointment %s: %w", a.ID, err)
		}
	}
	return n, nil
}

// Get returns the appointment in any state.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, ok := s.ledger.Get(id)
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (s *Service) FindByDoctor(ctx context.Context, doctorRef string) ([]Appointment, error) {
	doctor, err := s.dir.ResolveDoctor(ctx, doctorRef)
	if err != nil {
		return nil, err
	}
	return s.ledger.ByDoctor(doctor.ID), nil
}

func (s *Service) FindByPatient(ctx context.Context, patientRef string) ([]Appointment, error) {
	patient, err := s.dir.ResolvePatient(ctx, patientRef)
	if err != nil {
		return nil, err
	}
	return s.ledger.ByPatient(patient.ID), nil
}

// FindByDateRange returns scheduled appointments with from <= ScheduledAt < to.
func (s *Service) FindByDateRange(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, ErrInvalidRange
	}
	return s.ledger.InRange(from, to), nil
}

// FindByDoctorAndDay returns the doctor's scheduled appointments on day's calendar date,
// in day's location.
func (s *Service) FindByDoctorAndDay(ctx context.Context, doctorRef string, day time.Time) ([]Appointment, error) {
	doctor, err := s.dir.ResolveDoctor(ctx, doctorRef)
	if err != nil {
		return nil, err
	}
	start, end := slot.DayBounds(day)
	return s.ledger.ByDoctorInRange(doctor.ID, start, end), nil
}
