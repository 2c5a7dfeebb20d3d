package directory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDuplicateIdentifier = errors.New("identifier already registered")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInUse               = errors.New("record still has scheduled appointments or slots")
)

type Doctor struct {
	ID                 uuid.UUID
	Name               string
	RegistrationNumber string // medical council registration, unique
	NationalID         string // unique
	Specialty          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Patient struct {
	ID         uuid.UUID
	Name       string
	Email      string // unique
	NationalID string // unique
	Contact    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Repository stores doctors and patients. Create and Update must reject uniqueness
// violations atomically with ErrDuplicateIdentifier; the service's pre-checks only
// exist to produce friendlier errors.
type Repository interface {
	CreateDoctor(ctx context.Context, d *Doctor) error
	UpdateDoctor(ctx context.Context, d *Doctor) error
	DeleteDoctor(ctx context.Context, id uuid.UUID) error
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetDoctorByRegistration(ctx context.Context, registration string) (*Doctor, error)
	GetDoctorByNationalID(ctx context.Context, nationalID string) (*Doctor, error)
	ListDoctors(ctx context.Context) ([]Doctor, error)

	CreatePatient(ctx context.Context, p *Patient) error
	UpdatePatient(ctx context.Context, p *Patient) error
	DeletePatient(ctx context.Context, id uuid.UUID) error
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetPatientByEmail(ctx context.Context, email string) (*Patient, error)
	GetPatientByNationalID(ctx context.Context, nationalID string) (*Patient, error)
	ListPatients(ctx context.Context) ([]Patient, error)
}
