package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-slot-booking/internal/validation"
)

type DoctorInput struct {
	Name               string `json:"name" validate:"required,max=200"`
	RegistrationNumber string `json:"registration_number" validate:"required,max=15"`
	NationalID         string `json:"national_id" validate:"required,max=11"`
	Specialty          string `json:"specialty" validate:"required,max=50"`
}

type PatientInput struct {
	Name       string `json:"name" validate:"required,max=200"`
	Email      string `json:"email" validate:"required,email,max=50"`
	NationalID string `json:"national_id" validate:"required,max=11"`
	Contact    string `json:"contact" validate:"required,max=14"`
}

func (in DoctorInput) normalized() DoctorInput {
	in.Name = strings.TrimSpace(in.Name)
	in.RegistrationNumber = strings.TrimSpace(in.RegistrationNumber)
	in.NationalID = strings.TrimSpace(in.NationalID)
	in.Specialty = strings.TrimSpace(in.Specialty)
	return in
}

func (in PatientInput) normalized() PatientInput {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	in.NationalID = strings.TrimSpace(in.NationalID)
	in.Contact = strings.TrimSpace(in.Contact)
	return in
}

// Service is the Directory Store: registration with uniqueness checks and resolution
// of the external references callers book with.
type Service struct {
	repo     Repository
	validate *validation.Validator
	log      *logrus.Logger
	now      func() time.Time
}

func NewService(repo Repository, log *logrus.Logger) *Service {
	return &Service{
		repo:     repo,
		validate: validation.New(),
		log:      log,
		now:      time.Now,
	}
}

func (s *Service) validateInput(in any) error {
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

// exists turns a lookup into a presence check, passing through real failures.
func exists[T any](v *T, err error, notFound error) (bool, error) {
	if err == nil {
		return v != nil, nil
	}
	if errors.Is(err, notFound) {
		return false, nil
	}
	return false, err
}

// DoctorExistsByRegistration reports whether another doctor than self holds registration.
func (s *Service) DoctorExistsByRegistration(ctx context.Context, registration string, self uuid.UUID) (bool, error) {
	d, err := s.repo.GetDoctorByRegistration(ctx, registration)
	ok, err := exists(d, err, ErrDoctorNotFound)
	return ok && d.ID != self, err
}

func (s *Service) DoctorExistsByNationalID(ctx context.Context, nationalID string, self uuid.UUID) (bool, error) {
	d, err := s.repo.GetDoctorByNationalID(ctx, nationalID)
	ok, err := exists(d, err, ErrDoctorNotFound)
	return ok && d.ID != self, err
}

func (s *Service) PatientExistsByEmail(ctx context.Context, email string, self uuid.UUID) (bool, error) {
	p, err := s.repo.GetPatientByEmail(ctx, email)
	ok, err := exists(p, err, ErrPatientNotFound)
	return ok && p.ID != self, err
}

func (s *Service) PatientExistsByNationalID(ctx context.Context, nationalID string, self uuid.UUID) (bool, error) {
	p, err := s.repo.GetPatientByNationalID(ctx, nationalID)
	ok, err := exists(p, err, ErrPatientNotFound)
	return ok && p.ID != self, err
}

func (s *Service) checkDoctorUnique(ctx context.Context, in DoctorInput, self uuid.UUID) error {
	taken, err := s.DoctorExistsByRegistration(ctx, in.RegistrationNumber, self)
	if err != nil {
		return fmt.Errorf("check registration number: %w", err)
	}
	if taken {
		return fmt.Errorf("registration number %s: %w", in.RegistrationNumber, ErrDuplicateIdentifier)
	}

	taken, err = s.DoctorExistsByNationalID(ctx, in.NationalID, self)
	if err != nil {
		return fmt.Errorf("check national id: %w", err)
	}
	if taken {
		return fmt.Errorf("national id %s: %w", in.NationalID, ErrDuplicateIdentifier)
	}
	return nil
}

func (s *Service) checkPatientUnique(ctx context.Context, in PatientInput, self uuid.UUID) error {
	taken, err := s.PatientExistsByEmail(ctx, in.Email, self)
	if err != nil {
		return fmt.Errorf("check email: %w", err)
	}
	if taken {
		return fmt.Errorf("email %s: %w", in.Email, ErrDuplicateIdentifier)
	}

	taken, err = s.PatientExistsByNationalID(ctx, in.NationalID, self)
	if err != nil {
		return fmt.Errorf("check national id: %w", err)
	}
	if taken {
		return fmt.Errorf("national id %s: %w", in.NationalID, ErrDuplicateIdentifier)
	}
	return nil
}

func (s *Service) RegisterDoctor(ctx context.Context, in DoctorInput) (*Doctor, error) {
	in = in.normalized()
	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	if err := s.checkDoctorUnique(ctx, in, uuid.Nil); err != nil {
		return nil, err
	}

	now := s.now()
	d := &Doctor{
		ID:                 uuid.New(),
		Name:               in.Name,
		RegistrationNumber: in.RegistrationNumber,
		NationalID:         in.NationalID,
		Specialty:          in.Specialty,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.CreateDoctor(ctx, d); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"doctor_id": d.ID, "registration": d.RegistrationNumber}).Info("doctor registered")
	return d, nil
}

func (s *Service) UpdateDoctor(ctx context.Context, id uuid.UUID, in DoctorInput) (*Doctor, error) {
	in = in.normalized()
	if err := s.validateInput(in); err != nil {
		return nil, err
	}

	d, err := s.repo.GetDoctorByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkDoctorUnique(ctx, in, id); err != nil {
		return nil, err
	}

	d.Name = in.Name
	d.RegistrationNumber = in.RegistrationNumber
	d.NationalID = in.NationalID
	d.Specialty = in.Specialty
	d.UpdatedAt = s.now()

	if err := s.repo.UpdateDoctor(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) RegisterPatient(ctx context.Context, in PatientInput) (*Patient, error) {
	in = in.normalized()
	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	if err := s.checkPatientUnique(ctx, in, uuid.Nil); err != nil {
		return nil, err
	}

	now := s.now()
	p := &Patient{
		ID:         uuid.New(),
		Name:       in.Name,
		Email:      in.Email,
		NationalID: in.NationalID,
		Contact:    in.Contact,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.CreatePatient(ctx, p); err != nil {
		return nil, err
	}

	s.log.WithField("patient_id", p.ID).Info("patient registered")
	return p, nil
}

func (s *Service) UpdatePatient(ctx context.Context, id uuid.UUID, in PatientInput) (*Patient, error) {
	in = in.normalized()
	if err := s.validateInput(in); err != nil {
		return nil, err
	}

	p, err := s.repo.GetPatientByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkPatientUnique(ctx, in, id); err != nil {
		return nil, err
	}

	p.Name = in.Name
	p.Email = in.Email
	p.NationalID = in.NationalID
	p.Contact = in.Contact
	p.UpdatedAt = s.now()

	if err := s.repo.UpdatePatient(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ResolveDoctor accepts a doctor id, registration number or national id.
func (s *Service) ResolveDoctor(ctx context.Context, ref string) (*Doctor, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrDoctorNotFound
	}
	if id, err := uuid.Parse(ref); err == nil {
		return s.repo.GetDoctorByID(ctx, id)
	}
	d, err := s.repo.GetDoctorByRegistration(ctx, ref)
	if errors.Is(err, ErrDoctorNotFound) {
		return s.repo.GetDoctorByNationalID(ctx, ref)
	}
	return d, err
}

// ResolvePatient accepts a patient id, email or national id.
func (s *Service) ResolvePatient(ctx context.Context, ref string) (*Patient, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrPatientNotFound
	}
	if id, err := uuid.Parse(ref); err == nil {
		return s.repo.GetPatientByID(ctx, id)
	}
	if strings.Contains(ref, "@") {
		return s.repo.GetPatientByEmail(ctx, ref)
	}
	return s.repo.GetPatientByNationalID(ctx, ref)
}

func (s *Service) ListDoctors(ctx context.Context) ([]Doctor, error) {
	return s.repo.ListDoctors(ctx)
}

func (s *Service) ListPatients(ctx context.Context) ([]Patient, error) {
	return s.repo.ListPatients(ctx)
}

// DeleteDoctor removes the record and its cancelled history. Slots and scheduled
// appointments must already be gone; the booking engine's RemoveDoctor does that first.
func (s *Service) DeleteDoctor(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.DeleteDoctor(ctx, id); err != nil {
		return err
	}
	s.log.WithField("doctor_id", id).Info("doctor deleted")
	return nil
}

// DeletePatient removes the record only; see the booking engine's RemovePatient.
func (s *Service) DeletePatient(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.DeletePatient(ctx, id); err != nil {
		return err
	}
	s.log.WithField("patient_id", id).Info("patient deleted")
	return nil
}
