package directory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-booking/internal/logging"
)

func fakeDoctor() DoctorInput {
	return DoctorInput{
		Name:               gofakeit.Name(),
		RegistrationNumber: gofakeit.Numerify("CRM######"),
		NationalID:         gofakeit.Numerify("###########"),
		Specialty:          "cardiology",
	}
}

func fakePatient() PatientInput {
	return PatientInput{
		Name:       gofakeit.Name(),
		Email:      gofakeit.Numerify("patient########") + "@clinic.test",
		NationalID: gofakeit.Numerify("###########"),
		Contact:    gofakeit.Numerify("(##)#########"),
	}
}

// newTestServices runs each test against the plain and the cached repository.
func newTestServices(t *testing.T) map[string]*Service {
	t.Helper()
	cached, err := NewCachedRepository(NewMemoryRepository(), 16)
	if err != nil {
		t.Fatalf("NewCachedRepository: %v", err)
	}
	return map[string]*Service{
		"memory": NewService(NewMemoryRepository(), logging.Discard()),
		"cached": NewService(cached, logging.Discard()),
	}
}

func TestRegisterDoctor(t *testing.T) {
	for name, svc := range newTestServices(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := fakeDoctor()

			d, err := svc.RegisterDoctor(ctx, in)
			if err != nil {
				t.Fatalf("RegisterDoctor: %v", err)
			}
			if d.ID == uuid.Nil || d.RegistrationNumber != in.RegistrationNumber {
				t.Fatalf("unexpected doctor: %+v", d)
			}

			dup := fakeDoctor()
			dup.RegistrationNumber = in.RegistrationNumber
			if _, err := svc.RegisterDoctor(ctx, dup); !errors.Is(err, ErrDuplicateIdentifier) {
				t.Fatalf("duplicate registration: got %v", err)
			}

			dup = fakeDoctor()
			dup.NationalID = in.NationalID
			if _, err := svc.RegisterDoctor(ctx, dup); !errors.Is(err, ErrDuplicateIdentifier) {
				t.Fatalf("duplicate national id: got %v", err)
			}

			doctors, err := svc.ListDoctors(ctx)
			if err != nil {
				t.Fatalf("ListDoctors: %v", err)
			}
			if len(doctors) != 1 {
				t.Fatalf("expected 1 doctor, got %d", len(doctors))
			}
		})
	}
}

func TestRegisterDoctorValidation(t *testing.T) {
	svc := NewService(NewMemoryRepository(), logging.Discard())
	ctx := context.Background()

	in := fakeDoctor()
	in.Name = "   "
	if _, err := svc.RegisterDoctor(ctx, in); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank name: got %v", err)
	}

	in = fakeDoctor()
	in.NationalID = strings.Repeat("1", 12)
	if _, err := svc.RegisterDoctor(ctx, in); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("long national id: got %v", err)
	}
}

func TestRegisterPatient(t *testing.T) {
	for name, svc := range newTestServices(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := fakePatient()

			p, err := svc.RegisterPatient(ctx, in)
			if err != nil {
				t.Fatalf("RegisterPatient: %v", err)
			}

			// Emails compare case-insensitively.
			dup := fakePatient()
			dup.Email = strings.ToUpper(in.Email)
			if _, err := svc.RegisterPatient(ctx, dup); !errors.Is(err, ErrDuplicateIdentifier) {
				t.Fatalf("duplicate email: got %v", err)
			}

			dup = fakePatient()
			dup.NationalID = in.NationalID
			if _, err := svc.RegisterPatient(ctx, dup); !errors.Is(err, ErrDuplicateIdentifier) {
				t.Fatalf("duplicate national id: got %v", err)
			}

			bad := fakePatient()
			bad.Email = "not-an-email"
			if _, err := svc.RegisterPatient(ctx, bad); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("bad email: got %v", err)
			}

			got, err := svc.ResolvePatient(ctx, p.ID.String())
			if err != nil || got.Email != in.Email {
				t.Fatalf("ResolvePatient: %+v, %v", got, err)
			}
		})
	}
}

func TestUpdateKeepsOwnIdentifiers(t *testing.T) {
	for name, svc := range newTestServices(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, err := svc.RegisterDoctor(ctx, fakeDoctor())
			if err != nil {
				t.Fatalf("RegisterDoctor: %v", err)
			}
			b, err := svc.RegisterDoctor(ctx, fakeDoctor())
			if err != nil {
				t.Fatalf("RegisterDoctor: %v", err)
			}

			// Warm the cache so the update has something to invalidate.
			if _, err := svc.ResolveDoctor(ctx, a.RegistrationNumber); err != nil {
				t.Fatalf("ResolveDoctor: %v", err)
			}

			in := DoctorInput{
				Name:               "Renamed",
				RegistrationNumber: a.RegistrationNumber,
				NationalID:         a.NationalID,
				Specialty:          "neurology",
			}
			updated, err := svc.UpdateDoctor(ctx, a.ID, in)
			if err != nil {
				t.Fatalf("UpdateDoctor: %v", err)
			}
			if updated.Specialty != "neurology" {
				t.Fatalf("specialty not updated: %+v", updated)
			}

			got, err := svc.ResolveDoctor(ctx, a.RegistrationNumber)
			if err != nil || got.Name != "Renamed" {
				t.Fatalf("stale read after update: %+v, %v", got, err)
			}

			in.RegistrationNumber = b.RegistrationNumber
			if _, err := svc.UpdateDoctor(ctx, a.ID, in); !errors.Is(err, ErrDuplicateIdentifier) {
				t.Fatalf("taking another doctor's registration: got %v", err)
			}

			if _, err := svc.UpdateDoctor(ctx, uuid.New(), fakeDoctor()); !errors.Is(err, ErrDoctorNotFound) {
				t.Fatalf("unknown doctor: got %v", err)
			}
		})
	}
}

func TestUpdatePatientEmail(t *testing.T) {
	svc := NewService(NewMemoryRepository(), logging.Discard())
	ctx := context.Background()

	p, err := svc.RegisterPatient(ctx, fakePatient())
	if err != nil {
		t.Fatalf("RegisterPatient: %v", err)
	}
	oldEmail := p.Email

	in := fakePatient()
	in.NationalID = p.NationalID
	if _, err := svc.UpdatePatient(ctx, p.ID, in); err != nil {
		t.Fatalf("UpdatePatient: %v", err)
	}

	if _, err := svc.ResolvePatient(ctx, oldEmail); !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("old email still resolves: %v", err)
	}
	got, err := svc.ResolvePatient(ctx, in.Email)
	if err != nil || got.ID != p.ID {
		t.Fatalf("new email: %+v, %v", got, err)
	}

	// The freed email can be registered again.
	other := fakePatient()
	other.Email = oldEmail
	if _, err := svc.RegisterPatient(ctx, other); err != nil {
		t.Fatalf("reuse freed email: %v", err)
	}
}

func TestResolve(t *testing.T) {
	for name, svc := range newTestServices(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d, err := svc.RegisterDoctor(ctx, fakeDoctor())
			if err != nil {
				t.Fatalf("RegisterDoctor: %v", err)
			}
			p, err := svc.RegisterPatient(ctx, fakePatient())
			if err != nil {
				t.Fatalf("RegisterPatient: %v", err)
			}

			for _, ref := range []string{d.ID.String(), d.RegistrationNumber, " " + d.RegistrationNumber + " ", d.NationalID} {
				got, err := svc.ResolveDoctor(ctx, ref)
				if err != nil || got.ID != d.ID {
					t.Fatalf("ResolveDoctor(%q): %+v, %v", ref, got, err)
				}
			}
			for _, ref := range []string{p.ID.String(), p.Email, strings.ToUpper(p.Email), p.NationalID} {
				got, err := svc.ResolvePatient(ctx, ref)
				if err != nil || got.ID != p.ID {
					t.Fatalf("ResolvePatient(%q): %+v, %v", ref, got, err)
				}
			}

			if _, err := svc.ResolveDoctor(ctx, ""); !errors.Is(err, ErrDoctorNotFound) {
				t.Fatalf("empty doctor ref: got %v", err)
			}
			if _, err := svc.ResolveDoctor(ctx, uuid.NewString()); !errors.Is(err, ErrDoctorNotFound) {
				t.Fatalf("unknown doctor id: got %v", err)
			}
			if _, err := svc.ResolveDoctor(ctx, "CRM-UNKNOWN"); !errors.Is(err, ErrDoctorNotFound) {
				t.Fatalf("unknown registration: got %v", err)
			}
			if _, err := svc.ResolvePatient(ctx, "nobody@clinic.test"); !errors.Is(err, ErrPatientNotFound) {
				t.Fatalf("unknown email: got %v", err)
			}
		})
	}
}

func TestDeleteInvalidatesCache(t *testing.T) {
	for name, svc := range newTestServices(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d, err := svc.RegisterDoctor(ctx, fakeDoctor())
			if err != nil {
				t.Fatalf("RegisterDoctor: %v", err)
			}
			p, err := svc.RegisterPatient(ctx, fakePatient())
			if err != nil {
				t.Fatalf("RegisterPatient: %v", err)
			}
			if _, err := svc.ResolveDoctor(ctx, d.ID.String()); err != nil {
				t.Fatalf("ResolveDoctor: %v", err)
			}
			if _, err := svc.ResolvePatient(ctx, p.NationalID); err != nil {
				t.Fatalf("ResolvePatient: %v", err)
			}

			if err := svc.DeleteDoctor(ctx, d.ID); err != nil {
				t.Fatalf("DeleteDoctor: %v", err)
			}
			if err := svc.DeletePatient(ctx, p.ID); err != nil {
				t.Fatalf("DeletePatient: %v", err)
			}

			if _, err := svc.ResolveDoctor(ctx, d.ID.String()); !errors.Is(err, ErrDoctorNotFound) {
				t.Fatalf("deleted doctor resolves: %v", err)
			}
			if _, err := svc.ResolvePatient(ctx, p.NationalID); !errors.Is(err, ErrPatientNotFound) {
				t.Fatalf("deleted patient resolves: %v", err)
			}
			if err := svc.DeleteDoctor(ctx, d.ID); !errors.Is(err, ErrDoctorNotFound) {
				t.Fatalf("second delete: got %v", err)
			}
		})
	}
}
