package appointment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-booking/internal/directory"
	"github.com/hackgods/clinic-slot-booking/internal/logging"
	"github.com/hackgods/clinic-slot-booking/internal/slot"
)

var (
	errBoom = errors.New("boom")
	t0900   = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	t1000   = time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)
	t1100   = time.Date(2025, 1, 10, 11, 0, 0, 0, time.UTC)
)

type fixture struct {
	svc      *Service
	dir      *directory.Service
	doctor   *directory.Doctor
	patients []*directory.Patient
}

func newFixture(t *testing.T, repo Repository, pub AvailabilityPublisher, patients int) *fixture {
	t.Helper()
	ctx := context.Background()
	log := logging.Discard()

	dir := directory.NewService(directory.NewMemoryRepository(), log)
	f := &fixture{
		svc: NewService(dir, repo, pub, log),
		dir: dir,
	}

	var err error
	f.doctor, err = dir.RegisterDoctor(ctx, directory.DoctorInput{
		Name:               gofakeit.Name(),
		RegistrationNumber: "CRM-0001",
		NationalID:         "00000000001",
		Specialty:          "general practice",
	})
	if err != nil {
		t.Fatalf("RegisterDoctor: %v", err)
	}

	for i := 0; i < patients; i++ {
		p, err := dir.RegisterPatient(ctx, directory.PatientInput{
			Name:       gofakeit.Name(),
			Email:      fmt.Sprintf("patient%d@clinic.test", i),
			NationalID: fmt.Sprintf("%011d", 1000+i),
			Contact:    "(11)987654321",
		})
		if err != nil {
			t.Fatalf("RegisterPatient: %v", err)
		}
		f.patients = append(f.patients, p)
	}
	return f
}

func (f *fixture) slot(t *testing.T, at time.Time, capacity int) *slot.Slot {
	t.Helper()
	s, err := f.svc.CreateSlot(context.Background(), f.doctor.RegistrationNumber, at, capacity)
	if err != nil {
		t.Fatalf("CreateSlot: %v", err)
	}
	return s
}

func (f *fixture) book(t *testing.T, patient int, at time.Time) *Appointment {
	t.Helper()
	a, err := f.svc.Book(context.Background(), f.doctor.RegistrationNumber, f.patients[patient].NationalID, at, "general")
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	return a
}

func (f *fixture) reserved(t *testing.T, id uuid.UUID) int {
	t.Helper()
	s, err := f.svc.GetSlot(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSlot: %v", err)
	}
	return s.Reserved()
}

// failingRepo fails the named operations and otherwise behaves like NopRepository.
type failingRepo struct {
	NopRepository
	mu   sync.Mutex
	fail map[string]bool
}

func newFailingRepo() *failingRepo {
	return &failingRepo{fail: make(map[string]bool)}
}

func (r *failingRepo) set(op string, fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[op] = fail
}

func (r *failingRepo) check(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[op] {
		return errBoom
	}
	return nil
}

func (r *failingRepo) CreateAppointment(context.Context, Appointment, EventLog) error {
	return r.check("create")
}

func (r *failingRepo) MoveAppointment(context.Context, uuid.UUID, Appointment, EventLog) error {
	return r.check("move")
}

func (r *failingRepo) CancelAppointment(context.Context, Appointment, EventLog) error {
	return r.check("cancel")
}

func TestBookCancelRebookScenario(t *testing.T) {
	f := newFixture(t, nil, nil, 2)
	ctx := context.Background()
	s := f.slot(t, t0900, 1)

	a1 := f.book(t, 0, t0900)
	if !a1.ScheduledAt.Equal(t0900) || a1.SlotID != s.ID || a1.DoctorID != f.doctor.ID {
		t.Fatalf("unexpected appointment: %+v", a1)
	}

	_, err := f.svc.Book(ctx, f.doctor.RegistrationNumber, f.patients[1].NationalID, t0900, "general")
	if !errors.Is(err, slot.ErrCapacityExceeded) {
		t.Fatalf("second booking: got %v", err)
	}

	if err := f.svc.Cancel(ctx, a1.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	f.book(t, 1, t0900)

	if got := f.reserved(t, s.ID); got != 1 {
		t.Fatalf("reserved = %d, want 1", got)
	}
}

func TestBookResolutionFailures(t *testing.T) {
	f := newFixture(t, nil, nil, 1)
	ctx := context.Background()
	f.slot(t, t0900, 1)
	patient := f.patients[0].Email

	tests := []struct {
		name     string
		doctor   string
		patient  string
		at       time.Time
		category string
		want     error
	}{
		{"unknown doctor", "CRM-9999", patient, t0900, "general", directory.ErrDoctorNotFound},
		{"unknown patient", f.doctor.ID.String(), "ghost@clinic.test", t0900, "general", directory.ErrPatientNotFound},
		{"no slot at instant", f.doctor.ID.String(), patient, t0900.Add(time.Minute), "general", slot.ErrSlotNotFound},
		{"blank category", f.doctor.ID.String(), patient, t0900, "  ", ErrInvalidCategory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Book(ctx, tt.doctor, tt.patient, tt.at, tt.category)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}

	if got, _ := f.svc.FindByPatient(ctx, patient); len(got) != 0 {
		t.Fatalf("failed bookings left %d appointments", len(got))
	}
}

func TestConcurrentBookingRespectsCapacity(t *testing.T) {
	const (
		capacity = 5
		callers  = 50
	)
	f := newFixture(t, nil, nil, callers)
	s := f.slot(t, t0900, capacity)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		booked   int
		rejected int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.svc.Book(context.Background(), f.doctor.ID.String(), f.patients[i].ID.String(), t0900, "general")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				booked++
			case errors.Is(err, slot.ErrCapacityExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if booked != capacity || rejected != callers-capacity {
		t.Fatalf("booked %d rejected %d, want %d and %d", booked, rejected, capacity, callers-capacity)
	}
	if got := f.reserved(t, s.ID); got != capacity {
		t.Fatalf("reserved = %d, want %d", got, capacity)
	}
	if got, _ := f.svc.FindByDoctor(context.Background(), f.doctor.ID.String()); len(got) != capacity {
		t.Fatalf("ledger holds %d appointments, want %d", len(got), capacity)
	}
}

func TestRescheduleToFullSlotKeepsOriginal(t *testing.T) {
	f := newFixture(t, nil, nil, 2)
	ctx := context.Background()
	s1 := f.slot(t, t0900, 1)
	s2 := f.slot(t, t1000, 1)

	a1 := f.book(t, 0, t0900)
	f.book(t, 1, t1000)

	_, err := f.svc.Reschedule(ctx, a1.ID, t1000, "")
	if !errors.Is(err, slot.ErrCapacityExceeded) {
		t.Fatalf("got %v", err)
	}

	got, err := f.svc.Get(ctx, a1.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SlotID != s1.ID || !got.ScheduledAt.Equal(t0900) || got.Token != a1.Token {
		t.Fatalf("appointment changed after failed reschedule: %+v", got)
	}
	if f.reserved(t, s1.ID) != 1 || f.reserved(t, s2.ID) != 1 {
		t.Fatal("slot counters changed after failed reschedule")
	}
}

func TestReschedule(t *testing.T) {
	f := newFixture(t, nil, nil, 1)
	ctx := context.Background()
	s1 := f.slot(t, t0900, 1)
	s2 := f.slot(t, t1000, 2)

	a := f.book(t, 0, t0900)

	moved, err := f.svc.Reschedule(ctx, a.ID, t1000, "follow-up")
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if moved.SlotID != s2.ID || !moved.ScheduledAt.Equal(t1000) || moved.Category != "follow-up" {
		t.Fatalf("unexpected appointment: %+v", moved)
	}
	if moved.Token == a.Token {
		t.Fatal("reschedule should hand out a new reservation")
	}
	if f.reserved(t, s1.ID) != 0 || f.reserved(t, s2.ID) != 1 {
		t.Fatal("reservation not moved")
	}

	// Same slot: only the category changes.
	same, err := f.svc.Reschedule(ctx, a.ID, t1000, "cardiology")
	if err != nil {
		t.Fatalf("Reschedule same slot: %v", err)
	}
	if same.Token != moved.Token || same.Category != "cardiology" || f.reserved(t, s2.ID) != 1 {
		t.Fatalf("same-slot reschedule: %+v", same)
	}

	if _, err := f.svc.Reschedule(ctx, a.ID, t1100, ""); !errors.Is(err, slot.ErrSlotNotFound) {
		t.Fatalf("no slot: got %v", err)
	}
	if _, err := f.svc.Reschedule(ctx, uuid.New(), t0900, ""); !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("unknown appointment: got %v", err)
	}
}

func TestCancelTwice(t *testing.T) {
	f := newFixture(t, nil, nil, 1)
	ctx := context.Background()
	s := f.slot(t, t0900, 2)
	a := f.book(t, 0, t0900)

	if err := f.svc.Cancel(ctx, a.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := f.svc.Cancel(ctx, a.ID); !errors.Is(err, ErrAlreadyCancelled) {
		t.Fatalf("second Cancel: got %v", err)
	}
	if got := f.reserved(t, s.ID); got != 0 {
		t.Fatalf("reserved = %d after double cancel", got)
	}

	got, err := f.svc.Get(ctx, a.ID)
	if err != nil || got.Status != StatusCancelled || got.CancelledAt == nil {
		t.Fatalf("cancelled appointment: %+v, %v", got, err)
	}

	if _, err := f.svc.Reschedule(ctx, a.ID, t0900, ""); !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("reschedule cancelled: got %v", err)
	}
	if err := f.svc.Cancel(ctx, uuid.New()); !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("cancel unknown: got %v", err)
	}
}

func TestFailedWritesLeaveNoTrace(t *testing.T) {
	repo := newFailingRepo()
	f := newFixture(t, repo, nil, 2)
	ctx := context.Background()
	s1 := f.slot(t, t0900, 1)
	s2 := f.slot(t, t1000, 1)

	repo.set("create", true)
	if _, err := f.svc.Book(ctx, f.doctor.ID.String(), f.patients[0].ID.String(), t0900, "general"); !errors.Is(err, errBoom) {
		t.Fatalf("Book: got %v", err)
	}
	if f.reserved(t, s1.ID) != 0 {
		t.Fatal("failed booking kept its reservation")
	}
	if got, _ := f.svc.FindByPatient(ctx, f.patients[0].ID.String()); len(got) != 0 {
		t.Fatal("failed booking reached the ledger")
	}
	repo.set("create", false)

	a := f.book(t, 0, t0900)

	repo.set("move", true)
	if _, err := f.svc.Reschedule(ctx, a.ID, t1000, ""); !errors.Is(err, errBoom) {
		t.Fatalf("Reschedule: got %v", err)
	}
	if f.reserved(t, s1.ID) != 1 || f.reserved(t, s2.ID) != 0 {
		t.Fatal("failed reschedule moved the reservation")
	}
	got, _ := f.svc.Get(ctx, a.ID)
	if got.SlotID != s1.ID || got.Token != a.Token {
		t.Fatalf("failed reschedule changed appointment: %+v", got)
	}
	repo.set("move", false)

	repo.set("cancel", true)
	if err := f.svc.Cancel(ctx, a.ID); !errors.Is(err, errBoom) {
		t.Fatalf("Cancel: got %v", err)
	}
	if f.reserved(t, s1.ID) != 1 {
		t.Fatal("failed cancel released the reservation")
	}
	if got, _ := f.svc.Get(ctx, a.ID); got.Status != StatusScheduled {
		t.Fatalf("failed cancel changed status to %s", got.Status)
	}
	repo.set("cancel", false)

	// The original reservation is still usable after all the failures.
	if _, err := f.svc.Reschedule(ctx, a.ID, t1000, ""); err != nil {
		t.Fatalf("Reschedule after failures: %v", err)
	}
}

func TestFindByPatientRoundTrip(t *testing.T) {
	f := newFixture(t, nil, nil, 2)
	ctx := context.Background()
	f.slot(t, t0900, 3)
	f.slot(t, t1000, 3)

	first := f.book(t, 0, t1000)
	second := f.book(t, 0, t0900)
	f.book(t, 1, t0900)

	got, err := f.svc.FindByPatient(ctx, f.patients[0].Email)
	if err != nil {
		t.Fatalf("FindByPatient: %v", err)
	}
	// Insertion order, not time order.
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("unexpected history: %+v", got)
	}

	if err := f.svc.Cancel(ctx, first.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ = f.svc.FindByPatient(ctx, f.patients[0].Email)
	if len(got) != 1 || got[0].ID != second.ID {
		t.Fatalf("cancelled appointment still listed: %+v", got)
	}
}

func TestFindByDateRangeAndDay(t *testing.T) {
	f := newFixture(t, nil, nil, 3)
	ctx := context.Background()
	nextDay := t0900.AddDate(0, 0, 1)
	f.slot(t, t0900, 5)
	f.slot(t, t1000, 5)
	f.slot(t, nextDay, 5)

	a := f.book(t, 0, t0900)
	b := f.book(t, 1, t1000)
	f.book(t, 2, nextDay)

	got, err := f.svc.FindByDateRange(ctx, t0900, t1000)
	if err != nil {
		t.Fatalf("FindByDateRange: %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("end must be exclusive: %+v", got)
	}

	got, _ = f.svc.FindByDateRange(ctx, t0900, nextDay.Add(time.Second))
	if len(got) != 3 {
		t.Fatalf("expected 3, got %d", len(got))
	}

	if _, err := f.svc.FindByDateRange(ctx, t1000, t0900); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("inverted range: got %v", err)
	}

	got, err = f.svc.FindByDoctorAndDay(ctx, f.doctor.ID.String(), time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FindByDoctorAndDay: %v", err)
	}
	if len(got) != 2 || got[0].ID != a.ID || got[1].ID != b.ID {
		t.Fatalf("day listing: %+v", got)
	}
}

func TestDeleteSlot(t *testing.T) {
	f := newFixture(t, nil, nil, 2)
	ctx := context.Background()
	s := f.slot(t, t0900, 2)
	a := f.book(t, 0, t0900)
	b := f.book(t, 1, t0900)

	if err := f.svc.DeleteSlot(ctx, s.ID, false); !errors.Is(err, slot.ErrHasReservations) {
		t.Fatalf("delete busy slot: got %v", err)
	}
	if err := f.svc.DeleteSlot(ctx, s.ID, true); err != nil {
		t.Fatalf("cascade delete: %v", err)
	}

	for _, id := range []uuid.UUID{a.ID, b.ID} {
		got, _ := f.svc.Get(ctx, id)
		if got.Status != StatusCancelled {
			t.Fatalf("appointment %s not cancelled", id)
		}
	}
	if _, err := f.svc.GetSlot(ctx, s.ID); !errors.Is(err, slot.ErrSlotNotFound) {
		t.Fatalf("slot still present: %v", err)
	}
}

func TestRemoveDoctor(t *testing.T) {
	f := newFixture(t, nil, nil, 1)
	ctx := context.Background()
	f.slot(t, t0900, 1)
	f.slot(t, t1000, 1)
	a := f.book(t, 0, t0900)

	if err := f.svc.RemoveDoctor(ctx, f.doctor.ID, false); !errors.Is(err, slot.ErrHasReservations) {
		t.Fatalf("remove without cascade: got %v", err)
	}
	if slots, _ := f.svc.ListSlotsByDoctor(ctx, f.doctor.ID.String()); len(slots) != 2 {
		t.Fatalf("refused removal touched slots: %d left", len(slots))
	}

	if err := f.svc.RemoveDoctor(ctx, f.doctor.ID, true); err != nil {
		t.Fatalf("RemoveDoctor: %v", err)
	}
	if _, err := f.svc.Get(ctx, a.ID); !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("appointment survived doctor removal: %v", err)
	}
	if _, err := f.dir.ResolveDoctor(ctx, f.doctor.ID.String()); !errors.Is(err, directory.ErrDoctorNotFound) {
		t.Fatalf("doctor still resolvable: %v", err)
	}
	if slots, _ := f.svc.ListSlots(ctx); len(slots) != 0 {
		t.Fatalf("%d slots left behind", len(slots))
	}
}

func TestRemovePatientCancelsBookings(t *testing.T) {
	f := newFixture(t, nil, nil, 2)
	ctx := context.Background()
	s := f.slot(t, t0900, 3)
	f.slot(t, t1000, 3)
	first := f.book(t, 0, t0900)
	f.book(t, 0, t1000)
	other := f.book(t, 1, t0900)

	if err := f.svc.RemovePatient(ctx, f.patients[0].ID); err != nil {
		t.Fatalf("RemovePatient: %v", err)
	}
	if _, err := f.svc.Get(ctx, first.ID); !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("removed patient's history still readable: %v", err)
	}
	if n := f.svc.ledger.Len(); n != 1 {
		t.Fatalf("ledger holds %d appointments, want only the other patient's", n)
	}
	if got := f.reserved(t, s.ID); got != 1 {
		t.Fatalf("reserved = %d, want only the other patient's", got)
	}
	if got, _ := f.svc.Get(ctx, other.ID); got.Status != StatusScheduled {
		t.Fatal("other patient's appointment was cancelled")
	}

	n, err := f.svc.CancelAll(ctx, f.patients[0].ID)
	if err != nil || n != 0 {
		t.Fatalf("CancelAll after removal: %d, %v", n, err)
	}
}

// memoryRepo stores what the engine persists so a second engine can restore from it.
type memoryRepo struct {
	NopRepository
	mu    sync.Mutex
	slots map[uuid.UUID]slot.Slot
	appts []Appointment
	index map[uuid.UUID]int
	evs   []EventLog
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{slots: make(map[uuid.UUID]slot.Slot), index: make(map[uuid.UUID]int)}
}

func (r *memoryRepo) CreateSlot(_ context.Context, s slot.Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.Reservations = nil
	r.slots[s.ID] = s
	return nil
}

func (r *memoryRepo) bump(id uuid.UUID) {
	s := r.slots[id]
	s.Version++
	r.slots[id] = s
}

func (r *memoryRepo) CreateAppointment(_ context.Context, a Appointment, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bump(a.SlotID)
	r.index[a.ID] = len(r.appts)
	r.appts = append(r.appts, a)
	r.evs = append(r.evs, ev)
	return nil
}

func (r *memoryRepo) MoveAppointment(_ context.Context, from uuid.UUID, a Appointment, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if from != a.SlotID {
		r.bump(from)
		r.bump(a.SlotID)
	}
	r.appts[r.index[a.ID]] = a
	r.evs = append(r.evs, ev)
	return nil
}

func (r *memoryRepo) CancelAppointment(_ context.Context, a Appointment, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bump(a.SlotID)
	r.appts[r.index[a.ID]] = a
	r.evs = append(r.evs, ev)
	return nil
}

func (r *memoryRepo) LoadSlots(context.Context) ([]slot.Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]slot.Slot, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, s)
	}
	return out, nil
}

func (r *memoryRepo) LoadAppointments(context.Context) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Appointment(nil), r.appts...), nil
}

func TestRestore(t *testing.T) {
	repo := newMemoryRepo()
	f := newFixture(t, repo, nil, 3)
	ctx := context.Background()
	s1 := f.slot(t, t0900, 2)
	s2 := f.slot(t, t1000, 2)

	a := f.book(t, 0, t0900)
	b := f.book(t, 1, t0900)
	c := f.book(t, 2, t1000)
	if _, err := f.svc.Reschedule(ctx, b.ID, t1000, ""); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if err := f.svc.Cancel(ctx, c.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(repo.evs) != 5 {
		t.Fatalf("expected 5 events, got %d", len(repo.evs))
	}

	restored := NewService(f.dir, repo, nil, logging.Discard())
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	for _, id := range []uuid.UUID{s1.ID, s2.ID} {
		want, _ := f.svc.GetSlot(ctx, id)
		got, err := restored.GetSlot(ctx, id)
		if err != nil {
			t.Fatalf("GetSlot: %v", err)
		}
		if got.Reserved() != want.Reserved() || got.Version != want.Version {
			t.Fatalf("slot %s: got reserved %d v%d, want %d v%d",
				id, got.Reserved(), got.Version, want.Reserved(), want.Version)
		}
	}

	// Restored reservations are the same tokens, so they can be released.
	if err := restored.Cancel(ctx, a.ID); err != nil {
		t.Fatalf("Cancel restored: %v", err)
	}
	if err := restored.Cancel(ctx, c.ID); !errors.Is(err, ErrAlreadyCancelled) {
		t.Fatalf("Cancel restored cancelled: got %v", err)
	}
	got, _ := restored.FindByDoctor(ctx, f.doctor.ID.String())
	if len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("restored ledger: %+v", got)
	}
}

type recordingPublisher struct {
	mu        sync.Mutex
	published map[uuid.UUID]int64
	forgotten map[uuid.UUID]bool
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{published: make(map[uuid.UUID]int64), forgotten: make(map[uuid.UUID]bool)}
}

func (p *recordingPublisher) Publish(_ context.Context, s slot.Slot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.Version > p.published[s.ID] {
		p.published[s.ID] = s.Version
	}
	return nil
}

func (p *recordingPublisher) Forget(_ context.Context, id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgotten[id] = true
	return nil
}

func TestPublishesCommittedVersions(t *testing.T) {
	pub := newRecordingPublisher()
	f := newFixture(t, nil, pub, 1)
	ctx := context.Background()
	s1 := f.slot(t, t0900, 1)
	s2 := f.slot(t, t1000, 1)

	a := f.book(t, 0, t0900)
	if _, err := f.svc.Reschedule(ctx, a.ID, t1000, ""); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}

	for _, id := range []uuid.UUID{s1.ID, s2.ID} {
		want, _ := f.svc.GetSlot(ctx, id)
		if pub.published[id] != want.Version {
			t.Fatalf("slot %s published v%d, current v%d", id, pub.published[id], want.Version)
		}
	}

	if err := f.svc.Cancel(ctx, a.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := f.svc.DeleteSlot(ctx, s2.ID, false); err != nil {
		t.Fatalf("DeleteSlot: %v", err)
	}
	if !pub.forgotten[s2.ID] {
		t.Fatal("deleted slot not forgotten")
	}
}

// Mixed concurrent traffic must never leave a slot's reservations out of step with the
// ledger or above capacity.
func TestConcurrentTrafficKeepsSlotsConsistent(t *testing.T) {
	const (
		workers = 16
		ops     = 200
	)
	f := newFixture(t, nil, nil, workers)
	ctx := context.Background()
	times := []time.Time{t0900, t1000, t1100}
	slots := []*slot.Slot{f.slot(t, t0900, 3), f.slot(t, t1000, 2), f.slot(t, t1100, 4)}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 7))
			patient := f.patients[w].ID.String()
			for i := 0; i < ops; i++ {
				mine, _ := f.svc.FindByPatient(ctx, patient)
				switch op := rng.IntN(3); {
				case op == 0 || len(mine) == 0:
					_, _ = f.svc.Book(ctx, f.doctor.ID.String(), patient, times[rng.IntN(len(times))], "general")
				case op == 1:
					_, _ = f.svc.Reschedule(ctx, mine[rng.IntN(len(mine))].ID, times[rng.IntN(len(times))], "")
				default:
					_ = f.svc.Cancel(ctx, mine[rng.IntN(len(mine))].ID)
				}
			}
		}(w)
	}
	wg.Wait()

	for _, s := range slots {
		got, err := f.svc.GetSlot(ctx, s.ID)
		if err != nil {
			t.Fatalf("GetSlot: %v", err)
		}
		if got.Reserved() > got.Capacity {
			t.Fatalf("slot %s over capacity: %d/%d", s.ID, got.Reserved(), got.Capacity)
		}

		bound := f.svc.ledger.BySlot(s.ID)
		if len(bound) != got.Reserved() {
			t.Fatalf("slot %s holds %d reservations, ledger has %d", s.ID, got.Reserved(), len(bound))
		}
		for _, a := range bound {
			if !got.Holds(a.Token) || !a.ScheduledAt.Equal(got.StartsAt) {
				t.Fatalf("appointment %s out of step with slot %s", a.ID, s.ID)
			}
		}
	}
}

// flipSlot moves an empty slot between two instants until stop is closed.
func flipSlot(svc *Service, id uuid.UUID, a, b time.Time, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for i := 0; ; i++ {
		select {
		case <-stop:
			return
		default:
		}
		at := a
		if i%2 == 1 {
			at = b
		}
		_, _ = svc.ResizeSlot(context.Background(), id, at, 1)
	}
}

func TestBookWhileSlotIsRetimed(t *testing.T) {
	f := newFixture(t, nil, nil, 1)
	ctx := context.Background()
	s := f.slot(t, t0900, 1)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go flipSlot(f.svc, s.ID, t1000, t0900, stop, &wg)
	defer func() {
		close(stop)
		wg.Wait()
	}()

	booked := 0
	for i := 0; i < 1000; i++ {
		a, err := f.svc.Book(ctx, f.doctor.RegistrationNumber, f.patients[0].NationalID, t0900, "general")
		if errors.Is(err, slot.ErrSlotNotFound) {
			continue
		}
		if err != nil {
			t.Fatalf("Book: %v", err)
		}
		booked++
		if !a.ScheduledAt.Equal(t0900) {
			t.Fatalf("asked for %s, booked at %s", t0900, a.ScheduledAt)
		}
		got, err := f.svc.GetSlot(ctx, a.SlotID)
		if err != nil {
			t.Fatalf("GetSlot: %v", err)
		}
		if !got.StartsAt.Equal(t0900) {
			t.Fatalf("booked slot starts at %s", got.StartsAt)
		}
		if err := f.svc.Cancel(ctx, a.ID); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
	}
	t.Logf("%d of 1000 bookings landed", booked)
}

func TestRescheduleWhileSlotIsRetimed(t *testing.T) {
	f := newFixture(t, nil, nil, 1)
	ctx := context.Background()
	f.slot(t, t1100, 1)
	target := f.slot(t, t0900, 1)
	a := f.book(t, 0, t1100)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go flipSlot(f.svc, target.ID, t1000, t0900, stop, &wg)
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for i := 0; i < 1000; i++ {
		moved, err := f.svc.Reschedule(ctx, a.ID, t0900, "")
		if errors.Is(err, slot.ErrSlotNotFound) {
			continue
		}
		if err != nil {
			t.Fatalf("Reschedule: %v", err)
		}
		if !moved.ScheduledAt.Equal(t0900) || moved.SlotID != target.ID {
			t.Fatalf("asked for %s, moved to %s (slot %s)", t0900, moved.ScheduledAt, moved.SlotID)
		}
		if _, err := f.svc.Reschedule(ctx, a.ID, t1100, ""); err != nil {
			t.Fatalf("Reschedule back: %v", err)
		}
	}

	got, _ := f.svc.Get(ctx, a.ID)
	if !got.ScheduledAt.Equal(t1100) || !got.Scheduled() {
		t.Fatalf("appointment ended at %s, status %s", got.ScheduledAt, got.Status)
	}
}

func TestOwnerDeleteRefusedWhileBooked(t *testing.T) {
	f := newFixture(t, nil, nil, 1)
	ctx := context.Background()
	f.slot(t, t0900, 1)
	f.slot(t, t1000, 1)
	old := f.book(t, 0, t1000)
	if err := f.svc.Cancel(ctx, old.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// A booking that lands after the owner's appointments were cancelled.
	late := f.book(t, 0, t0900)

	patient := f.patients[0]
	if err := f.svc.deleteOwner(ctx, patient.ID, f.dir.DeletePatient); !errors.Is(err, directory.ErrInUse) {
		t.Fatalf("delete with a scheduled appointment: got %v", err)
	}
	if _, err := f.dir.ResolvePatient(ctx, patient.Email); err != nil {
		t.Fatalf("patient gone after refused delete: %v", err)
	}
	if _, err := f.svc.Get(ctx, old.ID); err != nil {
		t.Fatalf("history dropped by refused delete: %v", err)
	}

	if err := f.svc.Cancel(ctx, late.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := f.svc.deleteOwner(ctx, patient.ID, f.dir.DeletePatient); err != nil {
		t.Fatalf("deleteOwner: %v", err)
	}
	if f.svc.ledger.Len() != 0 {
		t.Fatalf("%d appointments left", f.svc.ledger.Len())
	}
}
