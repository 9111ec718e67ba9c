package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"clinic/admission-service/internal/models"
	"clinic/admission-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

type Handler struct {
	store store.AdmissionStore
}

type admitRequest struct {
	RequestID      string `json:"request_id"`
	PatientID      string `json:"patient_id"`
	ChiefComplaint string `json:"chief_complaint"`
	PaymentMethod  string `json:"payment_method"`
	Notes          string `json:"notes"`
}

type callNextRequest struct {
	RequestID   string `json:"request_id"`
	ServiceDate string `json:"service_date"`
}

type callNextResponse struct {
	Ticket *models.Ticket `json:"ticket"`
}

type updateStatusRequest struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Remark    string `json:"remark"`
}

type cancelRequest struct {
	RequestID string `json:"request_id"`
}

type positionResponse struct {
	RegistrationID string `json:"registration_id"`
	Position       int    `json:"position"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(store store.AdmissionStore) *Handler {
	return &Handler{store: store}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/admissions", h.handleAdmissions)
	mux.HandleFunc("/api/queue/call-next", h.handleCallNext)
	mux.HandleFunc("/api/queue/status", h.handleQueueStatus)
	mux.HandleFunc("/api/queue/stats", h.handleQueueStats)
	mux.HandleFunc("/api/tickets/", h.handleTicketActions)
	mux.HandleFunc("/api/registrations/", h.handleRegistrationActions)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleAdmissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req admitRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.ChiefComplaint = strings.TrimSpace(req.ChiefComplaint)
	req.PaymentMethod = strings.TrimSpace(req.PaymentMethod)
	req.Notes = strings.TrimSpace(req.Notes)

	if req.RequestID == "" || req.PatientID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and patient_id are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.PatientID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and patient_id must be UUIDs")
		return
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = "self_pay"
	}

	createdBy := ""
	if session, ok := sessionFromContext(r.Context()); ok {
		createdBy = session.UserID
	}

	admission, _, err := h.store.Admit(r.Context(), store.AdmitInput{
		RequestID:      req.RequestID,
		PatientID:      req.PatientID,
		ChiefComplaint: req.ChiefComplaint,
		PaymentMethod:  req.PaymentMethod,
		Notes:          req.Notes,
		CreatedBy:      createdBy,
		AdmittedAt:     time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, admission)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callNextRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.ServiceDate = strings.TrimSpace(req.ServiceDate)

	if req.RequestID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id is required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	if req.ServiceDate == "" {
		req.ServiceDate = time.Now().UTC().Format(models.ServiceDateLayout)
	} else if !isValidDate(req.ServiceDate) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "service_date must be YYYY-MM-DD")
		return
	}

	ticket, _, err := h.store.CallNext(r.Context(), store.CallNextInput{
		RequestID:   req.RequestID,
		ServiceDate: req.ServiceDate,
		CalledAt:    time.Now().UTC(),
	})
	if err != nil {
		// An empty queue is a normal outcome for a calling station, not an
		// error condition.
		if errors.Is(err, store.ErrNoTicketWaiting) {
			writeJSON(w, http.StatusOK, callNextResponse{Ticket: nil})
			return
		}
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, callNextResponse{Ticket: &ticket})
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if date == "" {
		date = time.Now().UTC().Format(models.ServiceDateLayout)
	} else if !isValidDate(date) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
		return
	}

	status, err := h.store.QueueStatus(r.Context(), date)
	if err != nil {
		httpStatus, code, msg := mapError(err)
		writeError(w, "", httpStatus, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	fromRaw := strings.TrimSpace(r.URL.Query().Get("from"))
	toRaw := strings.TrimSpace(r.URL.Query().Get("to"))
	if fromRaw == "" || toRaw == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "from and to are required")
		return
	}
	from, err := parseTimeOrDate(fromRaw)
	if err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "from must be RFC3339 or YYYY-MM-DD")
		return
	}
	to, err := parseTimeOrDate(toRaw)
	if err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "to must be RFC3339 or YYYY-MM-DD")
		return
	}
	if to.Before(from) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "to must not be before from")
		return
	}

	stats, err := h.store.WaitStats(r.Context(), from, to)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleTicketActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 1 && parts[0] != "" {
		h.handleGetTicket(w, r, parts[0])
		return
	}
	if len(parts) != 2 || parts[1] != "status" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ticketID := parts[0]
	if !isValidUUID(ticketID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	var req updateStatusRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Status = strings.TrimSpace(req.Status)
	req.Remark = strings.TrimSpace(req.Remark)

	if req.RequestID == "" || req.Status == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and status are required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	if !isTicketStatus(req.Status) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "status must be one of waiting, called, completed, cancelled")
		return
	}

	ticket, _, err := h.store.UpdateTicketStatus(r.Context(), store.UpdateStatusInput{
		RequestID:  req.RequestID,
		TicketID:   ticketID,
		NewStatus:  req.Status,
		Remark:     req.Remark,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(ticketID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	ticket, err := h.store.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleRegistrationActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/registrations/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 1 && parts[0] != "" {
		h.handleGetRegistration(w, r, parts[0])
		return
	}
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	registrationID := parts[0]
	if !isValidUUID(registrationID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "registration_id must be a UUID")
		return
	}

	switch parts[1] {
	case "cancel":
		h.handleCancelRegistration(w, r, registrationID)
	case "position":
		h.handlePosition(w, r, registrationID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetRegistration(w http.ResponseWriter, r *http.Request, registrationID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(registrationID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "registration_id must be a UUID")
		return
	}

	registration, err := h.store.GetRegistration(r.Context(), registrationID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, registration)
}

func (h *Handler) handleCancelRegistration(w http.ResponseWriter, r *http.Request, registrationID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req cancelRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id is required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}

	registration, _, err := h.store.CancelRegistration(r.Context(), store.CancelInput{
		RequestID:      req.RequestID,
		RegistrationID: registrationID,
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, registration)
}

func (h *Handler) handlePosition(w http.ResponseWriter, r *http.Request, registrationID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	position, err := h.store.PositionInQueue(r.Context(), registrationID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, positionResponse{
		RegistrationID: registrationID,
		Position:       position,
	})
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isValidDate(value string) bool {
	_, err := time.Parse(models.ServiceDateLayout, value)
	return err == nil
}

func isTicketStatus(value string) bool {
	switch value {
	case models.TicketWaiting, models.TicketCalled, models.TicketCompleted, models.TicketCancelled:
		return true
	}
	return false
}

func parseTimeOrDate(value string) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, nil
	}
	return time.Parse(models.ServiceDateLayout, value)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrPatientNotFound):
		return http.StatusNotFound, "patient_not_found", "patient not found"
	case errors.Is(err, store.ErrRegistrationNotFound):
		return http.StatusNotFound, "registration_not_found", "registration not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "current status does not allow this change"
	case isStoreUnavailable(err):
		return http.StatusServiceUnavailable, "store_unavailable", "storage temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

// isStoreUnavailable reports transient storage failures: dial and network
// errors, connection loss (class 08) and serialization or deadlock aborts,
// all of which a client may retry with the same request_id.
func isStoreUnavailable(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if strings.HasPrefix(pgErr.Code, "08") {
		return true
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
