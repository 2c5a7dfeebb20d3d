package slot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// How often ReserveAt and MoveTo re-read the index after finding a re-timed slot.
	maxRetarget = 3

	// Released tokens remembered per slot. Older ones report ErrUnknownReservation
	// instead of ErrAlreadyReleased.
	maxReleased = 256
)

// CommitFunc runs while the slot is still locked, after the in-memory change has been
// applied. Returning an error rolls the change back before anyone else can observe it.
type CommitFunc func(s Slot) error

// ReserveCommitFunc is the CommitFunc variant for operations that hand out a token.
type ReserveCommitFunc func(s Slot, tok Token) error

type slotKey struct {
	doctorID uuid.UUID
	at       int64
}

func keyOf(doctorID uuid.UUID, at time.Time) slotKey {
	return slotKey{doctorID: doctorID, at: at.UnixNano()}
}

type entry struct {
	mu       sync.Mutex
	slot     Slot // Reservations is always nil here, see held/order
	held     map[Token]uuid.UUID
	order    []Token
	released map[Token]struct{}
	freed    []Token // released, oldest first
	gone     bool
}

func newEntry(s Slot) *entry {
	return &entry{
		slot:     s,
		held:     make(map[Token]uuid.UUID),
		released: make(map[Token]struct{}),
	}
}

func (e *entry) snapshot() Slot {
	s := e.slot
	s.Reservations = make([]Reservation, 0, len(e.order))
	for _, tok := range e.order {
		s.Reservations = append(s.Reservations, Reservation{Token: tok, AppointmentID: e.held[tok]})
	}
	return s
}

func (e *entry) add(tok Token, appointmentID uuid.UUID) {
	e.held[tok] = appointmentID
	e.order = append(e.order, tok)
}

func (e *entry) remove(tok Token) {
	delete(e.held, tok)
	for i, t := range e.order {
		if t == tok {
			e.order = append(e.order[:i:i], e.order[i+1:]...)
			break
		}
	}
	e.released[tok] = struct{}{}
	e.freed = append(e.freed, tok)
	if len(e.freed) > maxReleased {
		delete(e.released, e.freed[0])
		e.freed = e.freed[1:]
	}
}

// caller holds e.mu
func (e *entry) startsAt(doctorID uuid.UUID, at time.Time) bool {
	return e.slot.DoctorID == doctorID && e.slot.StartsAt.Equal(at)
}

func (e *entry) touch(now time.Time) {
	e.slot.Version++
	e.slot.UpdatedAt = now
}

// checkHeld distinguishes a token that was released earlier from one never seen here.
func (e *entry) checkHeld(tok Token) error {
	if _, ok := e.held[tok]; ok {
		return nil
	}
	if _, ok := e.released[tok]; ok {
		return ErrAlreadyReleased
	}
	return ErrUnknownReservation
}

type entryState struct {
	slot  Slot
	order []Token
	held  map[Token]uuid.UUID
}

func (e *entry) save() entryState {
	held := make(map[Token]uuid.UUID, len(e.held))
	for k, v := range e.held {
		held[k] = v
	}
	return entryState{slot: e.slot, order: append([]Token(nil), e.order...), held: held}
}

func (e *entry) restore(st entryState, released ...Token) {
	e.slot = st.slot
	e.order = st.order
	e.held = st.held
	for _, tok := range released {
		delete(e.released, tok)
		e.freed = slices.DeleteFunc(e.freed, func(t Token) bool { return t == tok })
	}
}

// forget drops everything a deleted slot still remembers.
func (e *entry) forget() {
	e.gone = true
	e.held, e.order = nil, nil
	e.released, e.freed = nil, nil
}

// Registry owns every slot and its reservation set. Each slot has its own mutex;
// the registry-wide lock only guards the lookup indexes and is never held while
// waiting on a slot.
type Registry struct {
	mu       sync.RWMutex
	slots    map[uuid.UUID]*entry
	byKey    map[slotKey]uuid.UUID
	byDoctor map[uuid.UUID]map[uuid.UUID]struct{}
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		slots:    make(map[uuid.UUID]*entry),
		byKey:    make(map[slotKey]uuid.UUID),
		byDoctor: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		now:      time.Now,
	}
}

// caller holds r.mu
func (r *Registry) index(s Slot) {
	r.byKey[keyOf(s.DoctorID, s.StartsAt)] = s.ID
	ids, ok := r.byDoctor[s.DoctorID]
	if !ok {
		ids = make(map[uuid.UUID]struct{})
		r.byDoctor[s.DoctorID] = ids
	}
	ids[s.ID] = struct{}{}
}

// caller holds r.mu
func (r *Registry) unindex(s Slot) {
	key := keyOf(s.DoctorID, s.StartsAt)
	if r.byKey[key] == s.ID {
		delete(r.byKey, key)
	}
	if ids, ok := r.byDoctor[s.DoctorID]; ok {
		delete(ids, s.ID)
		if len(ids) == 0 {
			delete(r.byDoctor, s.DoctorID)
		}
	}
	delete(r.slots, s.ID)
}

// idAt reads the index only; the answer must be confirmed with startsAt under the slot lock.
func (r *Registry) idAt(doctorID uuid.UUID, at time.Time) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[keyOf(doctorID, at)]
	return id, ok
}

func (r *Registry) lookup(id uuid.UUID) (*entry, error) {
	r.mu.RLock()
	e, ok := r.slots[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSlotNotFound
	}
	return e, nil
}

// locked returns the live entry for id with its mutex held.
func (r *Registry) locked(id uuid.UUID) (*entry, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return nil, ErrSlotNotFound
	}
	return e, nil
}

// lockedPair locks two distinct slots in id order so concurrent moves in opposite
// directions cannot deadlock.
func (r *Registry) lockedPair(a, b uuid.UUID) (*entry, *entry, error) {
	ea, err := r.lookup(a)
	if err != nil {
		return nil, nil, err
	}
	eb, err := r.lookup(b)
	if err != nil {
		return nil, nil, err
	}

	first, second := ea, eb
	if b.String() < a.String() {
		first, second = eb, ea
	}
	first.mu.Lock()
	second.mu.Lock()

	if ea.gone || eb.gone {
		second.mu.Unlock()
		first.mu.Unlock()
		return nil, nil, ErrSlotNotFound
	}
	return ea, eb, nil
}

func unlockPair(a, b *entry) {
	a.mu.Unlock()
	b.mu.Unlock()
}

// Create registers a new slot. The (doctor, instant) pair must be unique.
func (r *Registry) Create(ctx context.Context, doctorID uuid.UUID, startsAt time.Time, capacity int, commit CommitFunc) (Slot, error) {
	if err := ctx.Err(); err != nil {
		return Slot{}, err
	}
	if capacity <= 0 {
		return Slot{}, ErrInvalidCapacity
	}

	now := r.now()
	e := newEntry(Slot{
		ID:        uuid.New(),
		DoctorID:  doctorID,
		StartsAt:  Normalize(startsAt),
		Capacity:  capacity,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	})

	// Nobody else can see e yet, so taking its lock before the index lock is safe.
	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	if _, taken := r.byKey[keyOf(doctorID, e.slot.StartsAt)]; taken {
		r.mu.Unlock()
		return Slot{}, ErrDuplicateSlot
	}
	r.slots[e.slot.ID] = e
	r.index(e.slot)
	r.mu.Unlock()

	snap := e.snapshot()
	if commit != nil {
		if err := commit(snap); err != nil {
			e.gone = true
			r.mu.Lock()
			r.unindex(e.slot)
			r.mu.Unlock()
			return Slot{}, err
		}
	}

	return snap, nil
}

// Restore loads a previously persisted slot together with its reservations.
func (r *Registry) Restore(s Slot) error {
	if s.Capacity <= 0 {
		return ErrInvalidCapacity
	}
	if len(s.Reservations) > s.Capacity {
		return fmt.Errorf("restore slot %s: %d reservations over capacity %d: %w",
			s.ID, len(s.Reservations), s.Capacity, ErrCapacityExceeded)
	}

	s.StartsAt = Normalize(s.StartsAt)
	reservations := s.Reservations
	s.Reservations = nil

	e := newEntry(s)
	for _, res := range reservations {
		e.add(res.Token, res.AppointmentID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.slots[s.ID]; exists {
		return fmt.Errorf("restore slot %s: %w", s.ID, ErrDuplicateSlot)
	}
	if _, taken := r.byKey[keyOf(s.DoctorID, s.StartsAt)]; taken {
		return fmt.Errorf("restore slot %s: %w", s.ID, ErrDuplicateSlot)
	}
	r.slots[s.ID] = e
	r.index(s)
	return nil
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (Slot, error) {
	if err := ctx.Err(); err != nil {
		return Slot{}, err
	}
	e, err := r.locked(id)
	if err != nil {
		return Slot{}, err
	}
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

// Find returns the doctor's slot starting exactly at the given instant.
func (r *Registry) Find(ctx context.Context, doctorID uuid.UUID, at time.Time) (Slot, error) {
	id, ok := r.idAt(doctorID, Normalize(at))
	if !ok {
		return Slot{}, ErrSlotNotFound
	}
	return r.Get(ctx, id)
}

// Reserve takes one unit of capacity for appointmentID. The capacity check and the
// increment happen under the slot lock, so at most Capacity callers ever succeed.
func (r *Registry) Reserve(ctx context.Context, slotID, appointmentID uuid.UUID, commit ReserveCommitFunc) (Token, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e, err := r.locked(slotID)
	if err != nil {
		return "", err
	}
	defer e.mu.Unlock()
	return r.reserveLocked(e, appointmentID, commit)
}

// ReserveAt reserves a unit of the doctor's slot starting exactly at at. The instant is
// checked again once the slot is locked, so a concurrent Resize cannot hand the caller
// a slot at another time.
func (r *Registry) ReserveAt(ctx context.Context, doctorID uuid.UUID, at time.Time, appointmentID uuid.UUID, commit ReserveCommitFunc) (Token, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	at = Normalize(at)

	for attempt := 0; attempt < maxRetarget; attempt++ {
		id, ok := r.idAt(doctorID, at)
		if !ok {
			return "", ErrSlotNotFound
		}
		e, err := r.locked(id)
		if errors.Is(err, ErrSlotNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		if !e.startsAt(doctorID, at) {
			e.mu.Unlock()
			continue
		}

		tok, err := r.reserveLocked(e, appointmentID, commit)
		e.mu.Unlock()
		return tok, err
	}
	return "", ErrSlotNotFound
}

// caller holds e.mu
func (r *Registry) reserveLocked(e *entry, appointmentID uuid.UUID, commit ReserveCommitFunc) (Token, error) {
	if len(e.order) >= e.slot.Capacity {
		return "", ErrCapacityExceeded
	}

	prev := e.save()
	tok := NewToken()
	e.add(tok, appointmentID)
	e.touch(r.now())

	if commit != nil {
		if err := commit(e.snapshot(), tok); err != nil {
			e.restore(prev)
			return "", err
		}
	}
	return tok, nil
}

// Release gives back the unit held by tok. Releasing the same token twice returns
// ErrAlreadyReleased and leaves the slot untouched.
func (r *Registry) Release(ctx context.Context, slotID uuid.UUID, tok Token, commit CommitFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := r.locked(slotID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if err := e.checkHeld(tok); err != nil {
		return err
	}

	prev := e.save()
	e.remove(tok)
	e.touch(r.now())

	if commit != nil {
		if err := commit(e.snapshot()); err != nil {
			e.restore(prev, tok)
			return err
		}
	}
	return nil
}

// Move transfers the reservation tok from one slot to another as a single step: the
// target is reserved and the source released together, or neither changes. Moving
// within the same slot keeps the token and only runs commit.
func (r *Registry) Move(ctx context.Context, fromID uuid.UUID, tok Token, toID, appointmentID uuid.UUID, commit ReserveCommitFunc) (Token, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if fromID == toID {
		e, err := r.locked(fromID)
		if err != nil {
			return "", err
		}
		defer e.mu.Unlock()
		return keepLocked(e, tok, commit)
	}

	from, to, err := r.lockedPair(fromID, toID)
	if err != nil {
		return "", err
	}
	defer unlockPair(from, to)
	return r.moveLocked(from, to, tok, appointmentID, commit)
}

// MoveTo is Move onto the doctor's slot starting exactly at at, with the instant checked
// again under the target's lock.
func (r *Registry) MoveTo(ctx context.Context, fromID uuid.UUID, tok Token, doctorID uuid.UUID, at time.Time, appointmentID uuid.UUID, commit ReserveCommitFunc) (Token, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	at = Normalize(at)

	for attempt := 0; attempt < maxRetarget; attempt++ {
		toID, ok := r.idAt(doctorID, at)
		if !ok {
			return "", ErrSlotNotFound
		}

		if toID == fromID {
			e, err := r.locked(fromID)
			if err != nil {
				return "", err
			}
			if !e.startsAt(doctorID, at) {
				e.mu.Unlock()
				continue
			}
			newTok, err := keepLocked(e, tok, commit)
			e.mu.Unlock()
			return newTok, err
		}

		from, to, err := r.lockedPair(fromID, toID)
		if errors.Is(err, ErrSlotNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		if !to.startsAt(doctorID, at) {
			unlockPair(from, to)
			continue
		}
		newTok, err := r.moveLocked(from, to, tok, appointmentID, commit)
		unlockPair(from, to)
		return newTok, err
	}
	return "", ErrSlotNotFound
}

// caller holds e.mu
func keepLocked(e *entry, tok Token, commit ReserveCommitFunc) (Token, error) {
	if err := e.checkHeld(tok); err != nil {
		return "", err
	}
	if commit != nil {
		if err := commit(e.snapshot(), tok); err != nil {
			return "", err
		}
	}
	return tok, nil
}

// caller holds from.mu and to.mu
func (r *Registry) moveLocked(from, to *entry, tok Token, appointmentID uuid.UUID, commit ReserveCommitFunc) (Token, error) {
	if err := from.checkHeld(tok); err != nil {
		return "", err
	}
	if len(to.order) >= to.slot.Capacity {
		return "", ErrCapacityExceeded
	}

	prevFrom, prevTo := from.save(), to.save()
	now := r.now()
	newTok := NewToken()
	to.add(newTok, appointmentID)
	to.touch(now)
	from.remove(tok)
	from.touch(now)

	if commit != nil {
		if err := commit(to.snapshot(), newTok); err != nil {
			from.restore(prevFrom, tok)
			to.restore(prevTo)
			return "", err
		}
	}
	return newTok, nil
}

// Resize changes the instant and capacity of an empty slot.
func (r *Registry) Resize(ctx context.Context, id uuid.UUID, startsAt time.Time, capacity int, commit CommitFunc) (Slot, error) {
	if err := ctx.Err(); err != nil {
		return Slot{}, err
	}
	if capacity <= 0 {
		return Slot{}, ErrInvalidCapacity
	}

	e, err := r.locked(id)
	if err != nil {
		return Slot{}, err
	}
	defer e.mu.Unlock()

	if len(e.order) > 0 {
		return Slot{}, ErrHasReservations
	}

	startsAt = Normalize(startsAt)
	prev := e.save()
	oldKey, newKey := keyOf(e.slot.DoctorID, e.slot.StartsAt), keyOf(e.slot.DoctorID, startsAt)

	if oldKey != newKey {
		r.mu.Lock()
		if _, taken := r.byKey[newKey]; taken {
			r.mu.Unlock()
			return Slot{}, ErrDuplicateSlot
		}
		delete(r.byKey, oldKey)
		r.byKey[newKey] = id
		r.mu.Unlock()
	}

	e.slot.StartsAt = startsAt
	e.slot.Capacity = capacity
	e.touch(r.now())

	snap := e.snapshot()
	if commit != nil {
		if err := commit(snap); err != nil {
			e.restore(prev)
			if oldKey != newKey {
				r.mu.Lock()
				delete(r.byKey, newKey)
				r.byKey[oldKey] = id
				r.mu.Unlock()
			}
			return Slot{}, err
		}
	}
	return snap, nil
}

// Delete removes an empty slot.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID, commit CommitFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := r.locked(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if len(e.order) > 0 {
		return ErrHasReservations
	}
	if commit != nil {
		if err := commit(e.snapshot()); err != nil {
			return err
		}
	}

	e.forget()
	r.mu.Lock()
	r.unindex(e.slot)
	r.mu.Unlock()
	return nil
}

// ListByDoctor returns every slot of the doctor ordered by start time.
func (r *Registry) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]Slot, error) {
	return r.collect(ctx, r.doctorEntries(doctorID), nil)
}

// ListByDoctorAndDay returns the doctor's slots whose start falls on day's calendar date
// (in day's location).
func (r *Registry) ListByDoctorAndDay(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]Slot, error) {
	start, end := DayBounds(day)
	return r.collect(ctx, r.doctorEntries(doctorID), within(start, end))
}

// ListByDay returns the slots of every doctor on day's calendar date.
func (r *Registry) ListByDay(ctx context.Context, day time.Time) ([]Slot, error) {
	start, end := DayBounds(day)
	return r.collect(ctx, r.allEntries(), within(start, end))
}

func (r *Registry) ListAll(ctx context.Context) ([]Slot, error) {
	return r.collect(ctx, r.allEntries(), nil)
}

func within(start, end time.Time) func(Slot) bool {
	return func(s Slot) bool {
		return !s.StartsAt.Before(start) && s.StartsAt.Before(end)
	}
}

func (r *Registry) doctorEntries(doctorID uuid.UUID) []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byDoctor[doctorID]
	entries := make([]*entry, 0, len(ids))
	for id := range ids {
		entries = append(entries, r.slots[id])
	}
	return entries
}

func (r *Registry) allEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*entry, 0, len(r.slots))
	for _, e := range r.slots {
		entries = append(entries, e)
	}
	return entries
}

func (r *Registry) collect(ctx context.Context, entries []*entry, keep func(Slot) bool) ([]Slot, error) {
	out := make([]Slot, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.mu.Lock()
		if e.gone {
			e.mu.Unlock()
			continue
		}
		s := e.snapshot()
		e.mu.Unlock()

		if keep == nil || keep(s) {
			out = append(out, s)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}
