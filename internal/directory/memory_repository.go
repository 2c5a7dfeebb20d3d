package directory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository keeps the directory in process. Unique identifiers are indexed so
// that the existence check and the write happen under one lock.
type MemoryRepository struct {
	mu sync.RWMutex

	doctors        map[uuid.UUID]Doctor
	doctorsByReg   map[string]uuid.UUID
	doctorsByNatID map[string]uuid.UUID

	patients        map[uuid.UUID]Patient
	patientsByEmail map[string]uuid.UUID
	patientsByNatID map[string]uuid.UUID
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		doctors:         make(map[uuid.UUID]Doctor),
		doctorsByReg:    make(map[string]uuid.UUID),
		doctorsByNatID:  make(map[string]uuid.UUID),
		patients:        make(map[uuid.UUID]Patient),
		patientsByEmail: make(map[string]uuid.UUID),
		patientsByNatID: make(map[string]uuid.UUID),
	}
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// takenBy reports whether key is indexed to a record other than self.
func takenBy(index map[string]uuid.UUID, key string, self uuid.UUID) bool {
	id, ok := index[key]
	return ok && id != self
}

func (r *MemoryRepository) CreateDoctor(_ context.Context, d *Doctor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if takenBy(r.doctorsByReg, d.RegistrationNumber, uuid.Nil) || takenBy(r.doctorsByNatID, d.NationalID, uuid.Nil) {
		return ErrDuplicateIdentifier
	}
	r.doctors[d.ID] = *d
	r.doctorsByReg[d.RegistrationNumber] = d.ID
	r.doctorsByNatID[d.NationalID] = d.ID
	return nil
}

func (r *MemoryRepository) UpdateDoctor(_ context.Context, d *Doctor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.doctors[d.ID]
	if !ok {
		return ErrDoctorNotFound
	}
	if takenBy(r.doctorsByReg, d.RegistrationNumber, d.ID) || takenBy(r.doctorsByNatID, d.NationalID, d.ID) {
		return ErrDuplicateIdentifier
	}
	delete(r.doctorsByReg, old.RegistrationNumber)
	delete(r.doctorsByNatID, old.NationalID)
	r.doctors[d.ID] = *d
	r.doctorsByReg[d.RegistrationNumber] = d.ID
	r.doctorsByNatID[d.NationalID] = d.ID
	return nil
}

func (r *MemoryRepository) DeleteDoctor(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.doctors[id]
	if !ok {
		return ErrDoctorNotFound
	}
	delete(r.doctors, id)
	delete(r.doctorsByReg, d.RegistrationNumber)
	delete(r.doctorsByNatID, d.NationalID)
	return nil
}

func (r *MemoryRepository) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (r *MemoryRepository) doctorBy(index map[string]uuid.UUID, key string) (*Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := index[key]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	d := r.doctors[id]
	return &d, nil
}

func (r *MemoryRepository) GetDoctorByRegistration(_ context.Context, registration string) (*Doctor, error) {
	return r.doctorBy(r.doctorsByReg, registration)
}

func (r *MemoryRepository) GetDoctorByNationalID(_ context.Context, nationalID string) (*Doctor, error) {
	return r.doctorBy(r.doctorsByNatID, nationalID)
}

func (r *MemoryRepository) ListDoctors(_ context.Context) ([]Doctor, error) {
	r.mu.RLock()
	out := make([]Doctor, 0, len(r.doctors))
	for _, d := range r.doctors {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *MemoryRepository) CreatePatient(_ context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	email := emailKey(p.Email)
	if takenBy(r.patientsByEmail, email, uuid.Nil) || takenBy(r.patientsByNatID, p.NationalID, uuid.Nil) {
		return ErrDuplicateIdentifier
	}
	r.patients[p.ID] = *p
	r.patientsByEmail[email] = p.ID
	r.patientsByNatID[p.NationalID] = p.ID
	return nil
}

func (r *MemoryRepository) UpdatePatient(_ context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.patients[p.ID]
	if !ok {
		return ErrPatientNotFound
	}
	email := emailKey(p.Email)
	if takenBy(r.patientsByEmail, email, p.ID) || takenBy(r.patientsByNatID, p.NationalID, p.ID) {
		return ErrDuplicateIdentifier
	}
	delete(r.patientsByEmail, emailKey(old.Email))
	delete(r.patientsByNatID, old.NationalID)
	r.patients[p.ID] = *p
	r.patientsByEmail[email] = p.ID
	r.patientsByNatID[p.NationalID] = p.ID
	return nil
}

func (r *MemoryRepository) DeletePatient(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.patients[id]
	if !ok {
		return ErrPatientNotFound
	}
	delete(r.patients, id)
	delete(r.patientsByEmail, emailKey(p.Email))
	delete(r.patientsByNatID, p.NationalID)
	return nil
}

func (r *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) patientBy(index map[string]uuid.UUID, key string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := index[key]
	if !ok {
		return nil, ErrPatientNotFound
	}
	p := r.patients[id]
	return &p, nil
}

func (r *MemoryRepository) GetPatientByEmail(_ context.Context, email string) (*Patient, error) {
	return r.patientBy(r.patientsByEmail, emailKey(email))
}

func (r *MemoryRepository) GetPatientByNationalID(_ context.Context, nationalID string) (*Patient, error) {
	return r.patientBy(r.patientsByNatID, nationalID)
}

func (r *MemoryRepository) ListPatients(_ context.Context) ([]Patient, error) {
	r.mu.RLock()
	out := make([]Patient, 0, len(r.patients))
	for _, p := range r.patients {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}
