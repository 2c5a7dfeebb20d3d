package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	redisclient "github.com/hackgods/clinic-slot-booking/internal/redis"
	"github.com/hackgods/clinic-slot-booking/internal/slot"
)

func (h *Handler) CreateSlot(w http.ResponseWriter, r *http.Request) {
	var req SlotRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	startsAt, ok := parseTimestamp(w, "starts_at", req.StartsAt)
	if !ok {
		return
	}

	s, err := h.booking.CreateSlot(r.Context(), chi.URLParam(r, "ref"), startsAt, req.Capacity)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSlotResponse(*s))
}

// ListDoctorSlots lists a doctor's slots, narrowed to one day with ?date=YYYY-MM-DD.
func (h *Handler) ListDoctorSlots(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	var (
		slots []slot.Slot
		err   error
	)
	if date := r.URL.Query().Get("date"); date != "" {
		day, ok := h.parseDate(w, date)
		if !ok {
			return
		}
		slots, err = h.booking.ListSlotsByDoctorAndDay(r.Context(), ref, day)
	} else {
		slots, err = h.booking.ListSlotsByDoctor(r.Context(), ref)
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(slots, toSlotResponse))
}

// ListSlots lists every doctor's slots, narrowed to one day with ?date=YYYY-MM-DD.
func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	var (
		slots []slot.Slot
		err   error
	)
	if date := r.URL.Query().Get("date"); date != "" {
		day, ok := h.parseDate(w, date)
		if !ok {
			return
		}
		slots, err = h.booking.ListSlotsByDay(r.Context(), day)
	} else {
		slots, err = h.booking.ListSlots(r.Context())
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(slots, toSlotResponse))
}

func (h *Handler) GetSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	s, err := h.booking.GetSlot(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponse(*s))
}

// GetSlotAvailability prefers the published record and falls back to the live slot
// when nothing is published.
func (h *Handler) GetSlotAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	if h.availability != nil {
		a, err := h.availability.Get(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, a)
			return
		}
		if !errors.Is(err, redisclient.ErrAvailabilityNotFound) {
			h.log.WithError(err).WithField("slot_id", id).Warn("read published availability")
		}
	}

	s, err := h.booking.GetSlot(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redisclient.FromSlot(*s))
}

func (h *Handler) UpdateSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req SlotRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	startsAt, ok := parseTimestamp(w, "starts_at", req.StartsAt)
	if !ok {
		return
	}

	s, err := h.booking.ResizeSlot(r.Context(), id, startsAt, req.Capacity)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponse(*s))
}

// DeleteSlot refuses a slot with reservations unless ?cascade=true.
func (h *Handler) DeleteSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	cascade, _ := strconv.ParseBool(r.URL.Query().Get("cascade"))

	if err := h.booking.DeleteSlot(r.Context(), id, cascade); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
