package directory

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedRepository puts an LRU in front of another Repository for the lookups the
// booking path makes on every request. Any write purges the affected cache wholesale.
type CachedRepository struct {
	Repository

	doctors  *lru.Cache[string, Doctor]
	patients *lru.Cache[string, Patient]

	// Bumped on purge; a load that started before a purge is not cached.
	doctorGen  atomic.Uint64
	patientGen atomic.Uint64
}

func NewCachedRepository(inner Repository, size int) (*CachedRepository, error) {
	doctors, err := lru.New[string, Doctor](size)
	if err != nil {
		return nil, err
	}
	patients, err := lru.New[string, Patient](size)
	if err != nil {
		return nil, err
	}
	return &CachedRepository{Repository: inner, doctors: doctors, patients: patients}, nil
}

func cachedLookup[T any](cache *lru.Cache[string, T], gen *atomic.Uint64, key string, load func() (*T, error)) (*T, error) {
	if v, ok := cache.Get(key); ok {
		return &v, nil
	}
	before := gen.Load()
	v, err := load()
	if err != nil {
		return nil, err
	}
	// Checked after Add: a purge landing anywhere after the load removes the entry.
	cache.Add(key, *v)
	if gen.Load() != before {
		cache.Remove(key)
	}
	return v, nil
}

func (c *CachedRepository) purgeDoctors() {
	c.doctorGen.Add(1)
	c.doctors.Purge()
}

func (c *CachedRepository) purgePatients() {
	c.patientGen.Add(1)
	c.patients.Purge()
}

func (c *CachedRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return cachedLookup(c.doctors, &c.doctorGen, "id:"+id.String(), func() (*Doctor, error) {
		return c.Repository.GetDoctorByID(ctx, id)
	})
}

func (c *CachedRepository) GetDoctorByRegistration(ctx context.Context, registration string) (*Doctor, error) {
	return cachedLookup(c.doctors, &c.doctorGen, "reg:"+registration, func() (*Doctor, error) {
		return c.Repository.GetDoctorByRegistration(ctx, registration)
	})
}

func (c *CachedRepository) GetDoctorByNationalID(ctx context.Context, nationalID string) (*Doctor, error) {
	return cachedLookup(c.doctors, &c.doctorGen, "nid:"+nationalID, func() (*Doctor, error) {
		return c.Repository.GetDoctorByNationalID(ctx, nationalID)
	})
}

func (c *CachedRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return cachedLookup(c.patients, &c.patientGen, "id:"+id.String(), func() (*Patient, error) {
		return c.Repository.GetPatientByID(ctx, id)
	})
}

func (c *CachedRepository) GetPatientByNationalID(ctx context.Context, nationalID string) (*Patient, error) {
	return cachedLookup(c.patients, &c.patientGen, "nid:"+nationalID, func() (*Patient, error) {
		return c.Repository.GetPatientByNationalID(ctx, nationalID)
	})
}

func (c *CachedRepository) UpdateDoctor(ctx context.Context, d *Doctor) error {
	defer c.purgeDoctors()
	return c.Repository.UpdateDoctor(ctx, d)
}

func (c *CachedRepository) DeleteDoctor(ctx context.Context, id uuid.UUID) error {
	defer c.purgeDoctors()
	return c.Repository.DeleteDoctor(ctx, id)
}

func (c *CachedRepository) UpdatePatient(ctx context.Context, p *Patient) error {
	defer c.purgePatients()
	return c.Repository.UpdatePatient(ctx, p)
}

func (c *CachedRepository) DeletePatient(ctx context.Context, id uuid.UUID) error {
	defer c.purgePatients()
	return c.Repository.DeletePatient(ctx, id)
}
