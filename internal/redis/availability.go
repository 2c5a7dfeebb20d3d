package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-slot-booking/internal/slot"
)

const (
	availabilityPrefix = "slot:availability:"
	syncBatchSize      = 200

	// Published records outlive their slot by a day, then Redis drops them.
	availabilityGrace = 24 * time.Hour
)

var ErrAvailabilityNotFound = errors.New("no published availability for slot")

// Availability is the public occupancy record of one slot.
type Availability struct {
	SlotID    uuid.UUID `json:"slot_id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	StartsAt  time.Time `json:"starts_at"`
	Capacity  int       `json:"capacity"`
	Reserved  int       `json:"reserved"`
	Remaining int       `json:"remaining"`
	Version   int64     `json:"version"`
}

func FromSlot(s slot.Slot) Availability {
	return Availability{
		SlotID:    s.ID,
		DoctorID:  s.DoctorID,
		StartsAt:  s.StartsAt,
		Capacity:  s.Capacity,
		Reserved:  s.Reserved(),
		Remaining: s.Remaining(),
		Version:   s.Version,
	}
}

func availabilityKey(id uuid.UUID) string {
	return availabilityPrefix + id.String()
}

// Writes only when ARGV[1] is newer than the stored version, so publishers racing
// after their commits cannot roll a record back.
const publishLua = `
local current = redis.call("HGET", KEYS[1], "version")
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call("HSET", KEYS[1], "version", ARGV[1], "doctor_id", ARGV[2], "starts_at", ARGV[3], "capacity", ARGV[4], "reserved", ARGV[5])
redis.call("PEXPIREAT", KEYS[1], ARGV[6])
return 1
`

var publishScript = redis.NewScript(publishLua)

func publishArgs(a Availability) []any {
	expireAt := a.StartsAt.Add(availabilityGrace).UnixMilli()
	return []any{
		a.Version,
		a.DoctorID.String(),
		a.StartsAt.UTC().Format(time.RFC3339Nano),
		a.Capacity,
		a.Reserved,
		expireAt,
	}
}

// AvailabilityStore publishes slot occupancy to Redis.
type AvailabilityStore struct {
	client *redis.Client
}

func NewAvailabilityStore(client *redis.Client) *AvailabilityStore {
	return &AvailabilityStore{client: client}
}

func (st *AvailabilityStore) Publish(ctx context.Context, s slot.Slot) error {
	a := FromSlot(s)
	err := publishScript.Run(ctx, st.client, []string{availabilityKey(a.SlotID)}, publishArgs(a)...).Err()
	if err != nil {
		return fmt.Errorf("publish availability %s: %w", a.SlotID, err)
	}
	return nil
}

func (st *AvailabilityStore) Forget(ctx context.Context, slotID uuid.UUID) error {
	if err := st.client.Del(ctx, availabilityKey(slotID)).Err(); err != nil {
		return fmt.Errorf("forget availability %s: %w", slotID, err)
	}
	return nil
}

func (st *AvailabilityStore) Get(ctx context.Context, slotID uuid.UUID) (*Availability, error) {
	fields, err := st.client.HGetAll(ctx, availabilityKey(slotID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read availability %s: %w", slotID, err)
	}
	if len(fields) == 0 {
		return nil, ErrAvailabilityNotFound
	}
	return parseAvailability(slotID, fields)
}

func parseAvailability(slotID uuid.UUID, fields map[string]string) (*Availability, error) {
	a := Availability{SlotID: slotID}

	var err error
	if a.DoctorID, err = uuid.Parse(fields["doctor_id"]); err != nil {
		return nil, fmt.Errorf("availability %s doctor_id: %w", slotID, err)
	}
	if a.StartsAt, err = time.Parse(time.RFC3339Nano, fields["starts_at"]); err != nil {
		return nil, fmt.Errorf("availability %s starts_at: %w", slotID, err)
	}
	if a.Capacity, err = strconv.Atoi(fields["capacity"]); err != nil {
		return nil, fmt.Errorf("availability %s capacity: %w", slotID, err)
	}
	if a.Reserved, err = strconv.Atoi(fields["reserved"]); err != nil {
		return nil, fmt.Errorf("availability %s reserved: %w", slotID, err)
	}
	if a.Version, err = strconv.ParseInt(fields["version"], 10, 64); err != nil {
		return nil, fmt.Errorf("availability %s version: %w", slotID, err)
	}
	a.Remaining = a.Capacity - a.Reserved
	return &a, nil
}

// Sync publishes every slot in pipelined batches and reports how many records were
// newer than what Redis held.
func (st *AvailabilityStore) Sync(ctx context.Context, slots []slot.Slot) (int, error) {
	written := 0
	for start := 0; start < len(slots); start += syncBatchSize {
		end := min(start+syncBatchSize, len(slots))

		pipe := st.client.Pipeline()
		cmds := make([]*redis.Cmd, 0, end-start)
		for _, s := range slots[start:end] {
			a := FromSlot(s)
			cmds = append(cmds, pipe.Eval(ctx, publishLua, []string{availabilityKey(a.SlotID)}, publishArgs(a)...))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return written, fmt.Errorf("sync availability batch at %d: %w", start, err)
		}

		for _, cmd := range cmds {
			if n, err := cmd.Int(); err == nil && n == 1 {
				written++
			}
		}
	}
	return written, nil
}
