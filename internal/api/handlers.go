package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-slot-booking/internal/appointment"
	"github.com/hackgods/clinic-slot-booking/internal/directory"
	redisclient "github.com/hackgods/clinic-slot-booking/internal/redis"
	"github.com/hackgods/clinic-slot-booking/internal/slot"
	"github.com/hackgods/clinic-slot-booking/internal/validation"
)

// AvailabilityReader serves published slot occupancy.
type AvailabilityReader interface {
	Get(ctx context.Context, slotID uuid.UUID) (*redisclient.Availability, error)
}

// Handler serves the directory, slot and appointment endpoints.
type Handler struct {
	dir          *directory.Service
	booking      *appointment.Service
	availability AvailabilityReader
	validate     *validation.Validator
	loc          *time.Location
	log          *logrus.Logger
}

func NewHandler(dir *directory.Service, booking *appointment.Service, availability AvailabilityReader, loc *time.Location, log *logrus.Logger) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{
		dir:          dir,
		booking:      booking,
		availability: availability,
		validate:     validation.New(),
		loc:          loc,
		log:          log,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// decode reads a JSON body into dst. With check set, dst's validate tags are enforced.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, check bool) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if check {
		if err := h.validate.Struct(dst); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:  "validation_failed",
				Fields: validation.Fields(err),
			})
			return false
		}
	}
	return true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseTimestamp(w http.ResponseWriter, field, value string) (time.Time, bool) {
	t, err := time.Parse(timestampLayout, value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+field, field+" must be an RFC 3339 timestamp")
		return time.Time{}, false
	}
	return t, true
}

// parseDate reads a YYYY-MM-DD calendar date in the configured timezone.
func (h *Handler) parseDate(w http.ResponseWriter, value string) (time.Time, bool) {
	d, err := time.ParseInLocation(time.DateOnly, value, h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return d, true
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Stable codes, one per failure kind.
var errorMappings = []errorMapping{
	{directory.ErrDoctorNotFound, http.StatusNotFound, "doctor_not_found"},
	{directory.ErrPatientNotFound, http.StatusNotFound, "patient_not_found"},
	{slot.ErrSlotNotFound, http.StatusNotFound, "slot_not_found"},
	{appointment.ErrAppointmentNotFound, http.StatusNotFound, "appointment_not_found"},
	{directory.ErrDuplicateIdentifier, http.StatusConflict, "duplicate_identifier"},
	{directory.ErrInUse, http.StatusConflict, "in_use"},
	{slot.ErrDuplicateSlot, http.StatusConflict, "duplicate_slot"},
	{slot.ErrCapacityExceeded, http.StatusConflict, "slot_full"},
	{slot.ErrHasReservations, http.StatusConflict, "slot_has_reservations"},
	{appointment.ErrAlreadyCancelled, http.StatusConflict, "already_cancelled"},
	{appointment.ErrConflict, http.StatusConflict, "concurrent_update"},
	{slot.ErrInvalidCapacity, http.StatusBadRequest, "invalid_capacity"},
	{appointment.ErrInvalidCategory, http.StatusBadRequest, "invalid_category"},
	{appointment.ErrInvalidRange, http.StatusBadRequest, "invalid_range"},
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, directory.ErrInvalidInput) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  "validation_failed",
			Fields: validation.Fields(err),
		})
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			writeError(w, m.status, m.code, m.target.Error())
			return
		}
	}

	h.log.WithError(err).WithFields(logrus.Fields{
		"request_id": GetRequestID(r.Context()),
		"path":       r.URL.Path,
	}).Error("request failed")
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}
