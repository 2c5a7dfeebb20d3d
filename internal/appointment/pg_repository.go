package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-slot-booking/internal/slot"
)

var errCounterDrift = errors.New("stored slot counter disagrees with reservations")

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanSlot(row pgx.Row) (*slot.Slot, error) {
	var s slot.Slot

	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.StartsAt,
		&s.Capacity,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, slot.ErrSlotNotFound
		}
		return nil, err
	}

	s.StartsAt = slot.Normalize(s.StartsAt)
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var slotID *uuid.UUID
	var token string

	err := row.Scan(
		&a.ID,
		&slotID,
		&a.DoctorID,
		&a.PatientID,
		&a.ScheduledAt,
		&a.Category,
		&a.Status,
		&token,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.CancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	// Cancelled appointments lose their slot when it is deleted.
	if slotID != nil {
		a.SlotID = *slotID
	}
	a.Token = slot.Token(token)
	a.ScheduledAt = slot.Normalize(a.ScheduledAt)
	return &a, nil
}

// Slot counter updates. reserved mirrors len(Reservations) of the registry entry.

func takeUnit(ctx context.Context, tx pgx.Tx, slotID uuid.UUID, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE appointment_slots
		SET reserved = reserved + 1,
		    version = version + 1,
		    updated_at = $2
		WHERE id = $1
		  AND reserved < capacity
	`, slotID, at)
	if err != nil {
		return fmt.Errorf("reserve slot %s: %w", slotID, err)
	}
	if tag.RowsAffected() == 0 {
		return slot.ErrCapacityExceeded
	}
	return nil
}

func giveUnit(ctx context.Context, tx pgx.Tx, slotID uuid.UUID, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE appointment_slots
		SET reserved = reserved - 1,
		    version = version + 1,
		    updated_at = $2
		WHERE id = $1
		  AND reserved > 0
	`, slotID, at)
	if err != nil {
		return fmt.Errorf("release slot %s: %w", slotID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release slot %s: %w", slotID, errCounterDrift)
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev EventLog) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Slots

func (r *PgRepository) CreateSlot(ctx context.Context, s slot.Slot) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment_slots (id, doctor_id, starts_at, capacity, reserved, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
	`, s.ID, s.DoctorID, s.StartsAt, s.Capacity, s.Version, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return slot.ErrDuplicateSlot
		}
		return fmt.Errorf("insert slot: %w", err)
	}
	return nil
}

func (r *PgRepository) UpdateSlot(ctx context.Context, s slot.Slot) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointment_slots
		SET starts_at = $2,
		    capacity = $3,
		    version = $4,
		    updated_at = $5
		WHERE id = $1
		  AND reserved = 0
	`, s.ID, s.StartsAt, s.Capacity, s.Version, s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return slot.ErrDuplicateSlot
		}
		return fmt.Errorf("update slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return slot.ErrHasReservations
	}
	return nil
}

func (r *PgRepository) DeleteSlot(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM appointment_slots WHERE id = $1 AND reserved = 0`, id)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return slot.ErrHasReservations
	}
	return nil
}

// Appointments

func (r *PgRepository) CreateAppointment(ctx context.Context, a Appointment, ev EventLog) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := takeUnit(ctx, tx, a.SlotID, a.CreatedAt); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO appointments (id, slot_id, doctor_id, patient_id, scheduled_at, category, status,
			                          reservation_token, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, a.ID, a.SlotID, a.DoctorID, a.PatientID, a.ScheduledAt, a.Category, a.Status,
			string(a.Token), a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}

		return insertEvent(ctx, tx, ev)
	})
}

func (r *PgRepository) MoveAppointment(ctx context.Context, fromSlotID uuid.UUID, a Appointment, ev EventLog) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if fromSlotID != a.SlotID {
			if err := takeUnit(ctx, tx, a.SlotID, a.UpdatedAt); err != nil {
				return err
			}
			if err := giveUnit(ctx, tx, fromSlotID, a.UpdatedAt); err != nil {
				return err
			}
		}

		tag, err := tx.Exec(ctx, `
			UPDATE appointments
			SET slot_id = $2,
			    scheduled_at = $3,
			    category = $4,
			    reservation_token = $5,
			    updated_at = $6
			WHERE id = $1
			  AND slot_id = $7
			  AND status = 'scheduled'
		`, a.ID, a.SlotID, a.ScheduledAt, a.Category, string(a.Token), a.UpdatedAt, fromSlotID)
		if err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAppointmentNotFound
		}

		return insertEvent(ctx, tx, ev)
	})
}

func (r *PgRepository) CancelAppointment(ctx context.Context, a Appointment, ev EventLog) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := giveUnit(ctx, tx, a.SlotID, a.UpdatedAt); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE appointments
			SET status = 'cancelled',
			    cancelled_at = $2,
			    updated_at = $3
			WHERE id = $1
			  AND status = 'scheduled'
		`, a.ID, a.CancelledAt, a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("cancel appointment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyCancelled
		}

		return insertEvent(ctx, tx, ev)
	})
}

// Restore

func (r *PgRepository) LoadSlots(ctx context.Context) ([]slot.Slot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, doctor_id, starts_at, capacity, version, created_at, updated_at
		FROM appointment_slots
		ORDER BY starts_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []slot.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) LoadAppointments(ctx context.Context) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, slot_id, doctor_id, patient_id, scheduled_at, category, status,
		       reservation_token, created_at, updated_at, cancelled_at
		FROM appointments
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
