package models

import "time"

type Registration struct {
	RegistrationID string    `json:"registration_id"`
	Code           string    `json:"code"`
	PatientID      string    `json:"patient_id"`
	VisitDate      string    `json:"visit_date"`
	ChiefComplaint string    `json:"chief_complaint"`
	PaymentMethod  string    `json:"payment_method"`
	Notes          string    `json:"notes,omitempty"`
	Status         string    `json:"status"`
	CreatedBy      string    `json:"created_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

const (
	RegistrationRegistered     = "registered"
	RegistrationInConsultation = "in_consultation"
	RegistrationCompleted      = "completed"
	RegistrationCancelled      = "cancelled"
)
