package api

import (
	"net/http"

	"github.com/hackgods/clinic-slot-booking/internal/appointment"
	"github.com/hackgods/clinic-slot-booking/internal/slot"
)

func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req BookRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	at, ok := parseTimestamp(w, "scheduled_at", req.ScheduledAt)
	if !ok {
		return
	}

	appt, err := h.booking.Book(r.Context(), req.Doctor, req.Patient, at, req.Category)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(*appt))
}

// ListAppointments needs exactly one filter: doctor (optionally with date), patient,
// from and to, or date alone.
func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	doctor, patient := q.Get("doctor"), q.Get("patient")
	from, to, date := q.Get("from"), q.Get("to"), q.Get("date")

	var (
		appts []appointment.Appointment
		err   error
	)
	switch {
	case doctor != "" && date != "":
		day, ok := h.parseDate(w, date)
		if !ok {
			return
		}
		appts, err = h.booking.FindByDoctorAndDay(r.Context(), doctor, day)
	case doctor != "":
		appts, err = h.booking.FindByDoctor(r.Context(), doctor)
	case patient != "":
		appts, err = h.booking.FindByPatient(r.Context(), patient)
	case from != "" && to != "":
		start, ok := parseTimestamp(w, "from", from)
		if !ok {
			return
		}
		end, ok := parseTimestamp(w, "to", to)
		if !ok {
			return
		}
		appts, err = h.booking.FindByDateRange(r.Context(), start, end)
	case date != "":
		day, ok := h.parseDate(w, date)
		if !ok {
			return
		}
		start, end := slot.DayBounds(day)
		appts, err = h.booking.FindByDateRange(r.Context(), start, end)
	default:
		writeError(w, http.StatusBadRequest, "missing_filter", "one of doctor, patient, from+to or date is required")
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(appts, toAppointmentResponse))
}

func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	appt, err := h.booking.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
}

func (h *Handler) RescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req RescheduleRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	at, ok := parseTimestamp(w, "scheduled_at", req.ScheduledAt)
	if !ok {
		return
	}

	appt, err := h.booking.Reschedule(r.Context(), id, at, req.Category)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
}

func (h *Handler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.booking.Cancel(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	appt, err := h.booking.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
}
