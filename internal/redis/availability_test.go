package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-slot-booking/internal/slot"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func testSlot(version int64, reserved int) slot.Slot {
	s := slot.Slot{
		ID:       uuid.New(),
		DoctorID: uuid.New(),
		StartsAt: slot.Normalize(time.Now().Add(time.Hour)),
		Capacity: 3,
		Version:  version,
	}
	for i := 0; i < reserved; i++ {
		s.Reservations = append(s.Reservations, slot.Reservation{Token: slot.NewToken(), AppointmentID: uuid.New()})
	}
	return s
}

func TestPublishAndGet(t *testing.T) {
	_, rdb := newTestClient(t)
	store := NewAvailabilityStore(rdb)
	ctx := context.Background()

	s := testSlot(2, 1)
	if err := store.Publish(ctx, s); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := FromSlot(s)
	if got.DoctorID != want.DoctorID || !got.StartsAt.Equal(want.StartsAt) ||
		got.Capacity != 3 || got.Reserved != 1 || got.Remaining != 2 || got.Version != 2 {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestPublishIgnoresOlderVersions(t *testing.T) {
	_, rdb := newTestClient(t)
	store := NewAvailabilityStore(rdb)
	ctx := context.Background()

	newer := testSlot(5, 2)
	older := newer
	older.Version = 4
	older.Reservations = nil

	if err := store.Publish(ctx, newer); err != nil {
		t.Fatalf("Publish newer: %v", err)
	}
	if err := store.Publish(ctx, older); err != nil {
		t.Fatalf("Publish older: %v", err)
	}

	got, err := store.Get(ctx, newer.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 5 || got.Reserved != 2 {
		t.Fatalf("older publish overwrote record: %+v", got)
	}
}

func TestPublishExpiresADayAfterStart(t *testing.T) {
	mr, rdb := newTestClient(t)
	store := NewAvailabilityStore(rdb)
	ctx := context.Background()

	s := testSlot(1, 0)
	if err := store.Publish(ctx, s); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ttl := mr.TTL(availabilityKey(s.ID)); ttl <= 24*time.Hour {
		t.Fatalf("ttl %v should reach past the slot day", ttl)
	}

	mr.FastForward(26 * time.Hour)
	if _, err := store.Get(ctx, s.ID); !errors.Is(err, ErrAvailabilityNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestForget(t *testing.T) {
	_, rdb := newTestClient(t)
	store := NewAvailabilityStore(rdb)
	ctx := context.Background()

	s := testSlot(1, 0)
	if err := store.Publish(ctx, s); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := store.Forget(ctx, s.ID); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, err := store.Get(ctx, s.ID); !errors.Is(err, ErrAvailabilityNotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestSyncBatches(t *testing.T) {
	_, rdb := newTestClient(t)
	store := NewAvailabilityStore(rdb)
	ctx := context.Background()

	slots := make([]slot.Slot, 2*syncBatchSize+17)
	for i := range slots {
		slots[i] = testSlot(1, i%3)
	}

	n, err := store.Sync(ctx, slots)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != len(slots) {
		t.Fatalf("wrote %d of %d", n, len(slots))
	}

	// Same versions again: nothing is newer.
	n, err = store.Sync(ctx, slots)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if n != 0 {
		t.Fatalf("re-sync wrote %d records", n)
	}

	last := slots[len(slots)-1]
	got, err := store.Get(ctx, last.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Reserved != last.Reserved() {
		t.Fatalf("reserved = %d, want %d", got.Reserved, last.Reserved())
	}
}
