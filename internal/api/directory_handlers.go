package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/clinic-slot-booking/internal/directory"
)

func (h *Handler) CreateDoctor(w http.ResponseWriter, r *http.Request) {
	var req directory.DoctorInput
	if !h.decode(w, r, &req, false) {
		return
	}

	d, err := h.dir.RegisterDoctor(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDoctorResponse(*d))
}

func (h *Handler) ListDoctors(w http.ResponseWriter, r *http.Request) {
	doctors, err := h.dir.ListDoctors(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(doctors, toDoctorResponse))
}

// GetDoctor accepts an id or a registration number.
func (h *Handler) GetDoctor(w http.ResponseWriter, r *http.Request) {
	d, err := h.dir.ResolveDoctor(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDoctorResponse(*d))
}

func (h *Handler) UpdateDoctor(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "ref")
	if !ok {
		return
	}
	var req directory.DoctorInput
	if !h.decode(w, r, &req, false) {
		return
	}

	d, err := h.dir.UpdateDoctor(r.Context(), id, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDoctorResponse(*d))
}

// DeleteDoctor refuses while the doctor has bookings unless ?cascade=true.
func (h *Handler) DeleteDoctor(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "ref")
	if !ok {
		return
	}
	cascade, _ := strconv.ParseBool(r.URL.Query().Get("cascade"))

	if err := h.booking.RemoveDoctor(r.Context(), id, cascade); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	var req directory.PatientInput
	if !h.decode(w, r, &req, false) {
		return
	}

	p, err := h.dir.RegisterPatient(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPatientResponse(*p))
}

func (h *Handler) ListPatients(w http.ResponseWriter, r *http.Request) {
	patients, err := h.dir.ListPatients(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(patients, toPatientResponse))
}

// GetPatient accepts an id, email or national id.
func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	p, err := h.dir.ResolvePatient(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPatientResponse(*p))
}

func (h *Handler) UpdatePatient(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "ref")
	if !ok {
		return
	}
	var req directory.PatientInput
	if !h.decode(w, r, &req, false) {
		return
	}

	p, err := h.dir.UpdatePatient(r.Context(), id, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPatientResponse(*p))
}

// DeletePatient always cancels the patient's appointments first.
func (h *Handler) DeletePatient(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "ref")
	if !ok {
		return
	}

	if err := h.booking.RemovePatient(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
