package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-slot-booking/internal/directory"
	"github.com/hackgods/clinic-slot-booking/internal/slot"
)

func (s *Service) CreateSlot(ctx context.Context, doctorRef string, startsAt time.Time, capacity int) (*slot.Slot, error) {
	doctor, err := s.dir.ResolveDoctor(ctx, doctorRef)
	if err != nil {
		return nil, err
	}

	created, err := s.slots.Create(ctx, doctor.ID, startsAt, capacity, func(sl slot.Slot) error {
		return s.repo.CreateSlot(ctx, sl)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, created)
	s.log.WithFields(logrus.Fields{
		"slot_id":   created.ID,
		"doctor_id": doctor.ID,
		"starts_at": created.StartsAt,
		"capacity":  created.Capacity,
	}).Info("slot created")
	return &created, nil
}

func (s *Service) GetSlot(ctx context.Context, id uuid.UUID) (*slot.Slot, error) {
	sl, err := s.slots.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &sl, nil
}

// ResizeSlot re-times an empty slot and changes its capacity.
func (s *Service) ResizeSlot(ctx context.Context, id uuid.UUID, startsAt time.Time, capacity int) (*slot.Slot, error) {
	resized, err := s.slots.Resize(ctx, id, startsAt, capacity, func(sl slot.Slot) error {
		return s.repo.UpdateSlot(ctx, sl)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, resized)
	return &resized, nil
}

// DeleteSlot removes an empty slot. With cascade, the appointments currently bound to
// it are cancelled first; a booking that lands in between still fails the delete with
// slot.ErrHasReservations.
func (s *Service) DeleteSlot(ctx context.Context, id uuid.UUID, cascade bool) error {
	if cascade {
		for _, a := range s.ledger.BySlot(id) {
			err := s.cancel(ctx, a)
			if err == nil {
				continue
			}
			err = s.bindingError(a.ID, err, ErrAlreadyCancelled)
			// Moved away or already cancelled: no longer bound here.
			if errors.Is(err, ErrAlreadyCancelled) || errors.Is(err, ErrConflict) {
				continue
			}
			return fmt.Errorf("cancel appointment %s: %w", a.ID, err)
		}
	}

	err := s.slots.Delete(ctx, id, func(sl slot.Slot) error {
		return s.repo.DeleteSlot(ctx, sl.ID)
	})
	if err != nil {
		return err
	}

	if err := s.pub.Forget(ctx, id); err != nil {
		s.log.WithError(err).WithField("slot_id", id).Warn("forget slot availability")
	}
	s.log.WithField("slot_id", id).Info("slot deleted")
	return nil
}

func (s *Service) ListSlots(ctx context.Context) ([]slot.Slot, error) {
	return s.slots.ListAll(ctx)
}

func (s *Service) ListSlotsByDoctor(ctx context.Context, doctorRef string) ([]slot.Slot, error) {
	doctor, err := s.dir.ResolveDoctor(ctx, doctorRef)
	if err != nil {
		return nil, err
	}
	return s.slots.ListByDoctor(ctx, doctor.ID)
}

func (s *Service) ListSlotsByDoctorAndDay(ctx context.Context, doctorRef string, day time.Time) ([]slot.Slot, error) {
	doctor, err := s.dir.ResolveDoctor(ctx, doctorRef)
	if err != nil {
		return nil, err
	}
	return s.slots.ListByDoctorAndDay(ctx, doctor.ID, day)
}

func (s *Service) ListSlotsByDay(ctx context.Context, day time.Time) ([]slot.Slot, error) {
	return s.slots.ListByDay(ctx, day)
}

// RemoveDoctor deletes a doctor together with its slots. Without cascade it refuses
// while any slot holds a reservation; with cascade every appointment of the doctor is
// cancelled first.
func (s *Service) RemoveDoctor(ctx context.Context, doctorID uuid.UUID, cascade bool) error {
	slots, err := s.slots.ListByDoctor(ctx, doctorID)
	if err != nil {
		return err
	}

	if cascade {
		n, err := s.CancelAll(ctx, doctorID)
		if err != nil {
			return err
		}
		if n > 0 {
			s.log.WithFields(logrus.Fields{"doctor_id": doctorID, "cancelled": n}).Info("doctor appointments cancelled")
		}
	} else {
		for _, sl := range slots {
			if sl.Reserved() > 0 {
				return fmt.Errorf("slot %s: %w", sl.ID, slot.ErrHasReservations)
			}
		}
	}

	for _, sl := range slots {
		if err := s.DeleteSlot(ctx, sl.ID, false); err != nil && !errors.Is(err, slot.ErrSlotNotFound) {
			return err
		}
	}
	return s.deleteOwner(ctx, doctorID, s.dir.DeleteDoctor)
}

// RemovePatient cancels the patient's appointments through the engine, then deletes
// the patient.
func (s *Service) RemovePatient(ctx context.Context, patientID uuid.UUID) error {
	n, err := s.CancelAll(ctx, patientID)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.WithFields(logrus.Fields{"patient_id": patientID, "cancelled": n}).Info("patient appointments cancelled")
	}
	return s.deleteOwner(ctx, patientID, s.dir.DeletePatient)
}

// deleteOwner deletes a doctor or patient once nothing scheduled refers to it, then
// drops its cancelled history, which the store deletes in the same step.
func (s *Service) deleteOwner(ctx context.Context, ownerID uuid.UUID, del func(context.Context, uuid.UUID) error) error {
	if left := s.ledger.Owned(ownerID); len(left) > 0 {
		return fmt.Errorf("appointment %s booked meanwhile: %w", left[0].ID, directory.ErrInUse)
	}
	if err := del(ctx, ownerID); err != nil {
		return err
	}
	if n := s.ledger.dropHistory(ownerID); n > 0 {
		s.log.WithFields(logrus.Fields{"owner_id": ownerID, "dropped": n}).Debug("cancelled appointments dropped")
	}
	return nil
}
