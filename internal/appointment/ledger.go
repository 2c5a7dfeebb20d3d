package appointment

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type record struct {
	appt Appointment
	seq  uint64
}

type idSet map[uuid.UUID]struct{}

func (s idSet) add(id uuid.UUID)    { s[id] = struct{}{} }
func (s idSet) remove(id uuid.UUID) { delete(s, id) }

// Ledger indexes appointments by doctor, patient and slot. Only scheduled appointments
// are indexed; cancelled ones stay reachable by id so a second cancel can be told apart
// from an unknown id, until their doctor or patient is deleted. Writes come from the booking engine alone, always under the lock
// of the slot the appointment is bound to.
type Ledger struct {
	mu        sync.RWMutex
	seq       uint64
	byID      map[uuid.UUID]*record
	byDoctor  map[uuid.UUID]idSet
	byPatient map[uuid.UUID]idSet
	bySlot    map[uuid.UUID]idSet
}

func NewLedger() *Ledger {
	return &Ledger{
		byID:      make(map[uuid.UUID]*record),
		byDoctor:  make(map[uuid.UUID]idSet),
		byPatient: make(map[uuid.UUID]idSet),
		bySlot:    make(map[uuid.UUID]idSet),
	}
}

func link(index map[uuid.UUID]idSet, key, id uuid.UUID) {
	set, ok := index[key]
	if !ok {
		set = make(idSet)
		index[key] = set
	}
	set.add(id)
}

func unlink(index map[uuid.UUID]idSet, key, id uuid.UUID) {
	set, ok := index[key]
	if !ok {
		return
	}
	set.remove(id)
	if len(set) == 0 {
		delete(index, key)
	}
}

// put inserts or replaces a, keeping the original insertion position on replace.
func (l *Ledger) put(a Appointment) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byID[a.ID]
	if ok {
		old := rec.appt
		unlink(l.byDoctor, old.DoctorID, old.ID)
		unlink(l.byPatient, old.PatientID, old.ID)
		unlink(l.bySlot, old.SlotID, old.ID)
		rec.appt = a
	} else {
		l.seq++
		rec = &record{appt: a, seq: l.seq}
		l.byID[a.ID] = rec
	}

	if a.Scheduled() {
		link(l.byDoctor, a.DoctorID, a.ID)
		link(l.byPatient, a.PatientID, a.ID)
		link(l.bySlot, a.SlotID, a.ID)
	}
}

func (l *Ledger) Get(id uuid.UUID) (Appointment, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.byID[id]
	if !ok {
		return Appointment{}, false
	}
	return rec.appt, true
}

// caller holds l.mu
func (l *Ledger) ordered(ids idSet, keep func(Appointment) bool) []Appointment {
	recs := make([]*record, 0, len(ids))
	for id := range ids {
		rec := l.byID[id]
		if keep == nil || keep(rec.appt) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	out := make([]Appointment, len(recs))
	for i, rec := range recs {
		out[i] = rec.appt
	}
	return out
}

func (l *Ledger) ByDoctor(doctorID uuid.UUID) []Appointment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ordered(l.byDoctor[doctorID], nil)
}

// ByPatient is the patient's booking history: every scheduled appointment, oldest booking first.
func (l *Ledger) ByPatient(patientID uuid.UUID) []Appointment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ordered(l.byPatient[patientID], nil)
}

func (l *Ledger) BySlot(slotID uuid.UUID) []Appointment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ordered(l.bySlot[slotID], nil)
}

// InRange returns scheduled appointments with from <= ScheduledAt < to.
func (l *Ledger) InRange(from, to time.Time) []Appointment {
	l.mu.RLock()
	defer l.mu.RUnlock()

	scheduled := make(idSet)
	for _, set := range l.bySlot {
		for id := range set {
			scheduled.add(id)
		}
	}
	return l.ordered(scheduled, func(a Appointment) bool {
		return !a.ScheduledAt.Before(from) && a.ScheduledAt.Before(to)
	})
}

// ByDoctorInRange narrows ByDoctor to from <= ScheduledAt < to.
func (l *Ledger) ByDoctorInRange(doctorID uuid.UUID, from, to time.Time) []Appointment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ordered(l.byDoctor[doctorID], func(a Appointment) bool {
		return !a.ScheduledAt.Before(from) && a.ScheduledAt.Before(to)
	})
}

// Owned returns the scheduled appointments whose doctor or patient is ownerID.
func (l *Ledger) Owned(ownerID uuid.UUID) []Appointment {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make(idSet)
	for id := range l.byDoctor[ownerID] {
		ids.add(id)
	}
	for id := range l.byPatient[ownerID] {
		ids.add(id)
	}
	return l.ordered(ids, nil)
}

// dropHistory forgets the cancelled appointments whose doctor or patient is ownerID
// and returns how many it dropped.
func (l *Ledger) dropHistory(ownerID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for id, rec := range l.byID {
		a := rec.appt
		if a.Scheduled() || (a.DoctorID != ownerID && a.PatientID != ownerID) {
			continue
		}
		delete(l.byID, id)
		n++
	}
	return n
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}
