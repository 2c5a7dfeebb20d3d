package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func isUniqueViolation(err error) bool {
	return hasCode(err, pgUniqueViolation)
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.RegistrationNumber,
		&d.NationalID,
		&d.Specialty,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.NationalID,
		&p.Contact,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

const doctorColumns = `id, name, registration_number, national_id, specialty, created_at, updated_at`
const patientColumns = `id, name, email, national_id, contact, created_at, updated_at`

// Doctors

func (r *PgRepository) CreateDoctor(ctx context.Context, d *Doctor) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO doctors (id, name, registration_number, national_id, specialty, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.ID, d.Name, d.RegistrationNumber, d.NationalID, d.Specialty, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdentifier
		}
		return fmt.Errorf("insert doctor: %w", err)
	}
	return nil
}

func (r *PgRepository) UpdateDoctor(ctx context.Context, d *Doctor) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE doctors
		SET name = $2,
		    registration_number = $3,
		    national_id = $4,
		    specialty = $5,
		    updated_at = $6
		WHERE id = $1
	`, d.ID, d.Name, d.RegistrationNumber, d.NationalID, d.Specialty, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdentifier
		}
		return fmt.Errorf("update doctor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDoctorNotFound
	}
	return nil
}

func (r *PgRepository) DeleteDoctor(ctx context.Context, id uuid.UUID) error {
	return r.deleteOwner(ctx, "doctors", "doctor_id", id, ErrDoctorNotFound)
}

// deleteOwner removes a doctor or patient together with its cancelled appointments in
// one transaction. A scheduled appointment, or a slot for a doctor, still references
// the row and the restricting foreign key turns the delete into ErrInUse.
func (r *PgRepository) deleteOwner(ctx context.Context, table, column string, id uuid.UUID, notFound error) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM appointments WHERE `+column+` = $1 AND status = 'cancelled'`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return notFound
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, notFound):
		return err
	case hasCode(err, pgForeignKeyViolation):
		return ErrInUse
	default:
		return fmt.Errorf("delete from %s: %w", table, err)
	}
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE id = $1`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetDoctorByRegistration(ctx context.Context, registration string) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE registration_number = $1`, registration)
	return scanDoctor(row)
}

func (r *PgRepository) GetDoctorByNationalID(ctx context.Context, nationalID string) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE national_id = $1`, nationalID)
	return scanDoctor(row)
}

func (r *PgRepository) ListDoctors(ctx context.Context) ([]Doctor, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+doctorColumns+` FROM doctors ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Patients

func (r *PgRepository) CreatePatient(ctx context.Context, p *Patient) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO patients (id, name, email, national_id, contact, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.Name, p.Email, p.NationalID, p.Contact, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdentifier
		}
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *PgRepository) UpdatePatient(ctx context.Context, p *Patient) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE patients
		SET name = $2,
		    email = $3,
		    national_id = $4,
		    contact = $5,
		    updated_at = $6
		WHERE id = $1
	`, p.ID, p.Name, p.Email, p.NationalID, p.Contact, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdentifier
		}
		return fmt.Errorf("update patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPatientNotFound
	}
	return nil
}

func (r *PgRepository) DeletePatient(ctx context.Context, id uuid.UUID) error {
	return r.deleteOwner(ctx, "patients", "patient_id", id, ErrPatientNotFound)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetPatientByEmail(ctx context.Context, email string) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE lower(email) = lower($1)`, email)
	return scanPatient(row)
}

func (r *PgRepository) GetPatientByNationalID(ctx context.Context, nationalID string) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE national_id = $1`, nationalID)
	return scanPatient(row)
}

func (r *PgRepository) ListPatients(ctx context.Context) ([]Patient, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+patientColumns+` FROM patients ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
