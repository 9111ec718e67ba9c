package models

import "time"

type Ticket struct {
	TicketID       string     `json:"ticket_id"`
	ServiceDate    string     `json:"service_date"`
	SequenceNo     int        `json:"sequence_no"`
	RegistrationID string     `json:"registration_id"`
	Status         string     `json:"status"`
	IssuedAt       time.Time  `json:"issued_at"`
	EstimatedAt    time.Time  `json:"estimated_at"`
	CalledAt       *time.Time `json:"called_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Remark         string     `json:"remark,omitempty"`
	RequestID      string     `json:"request_id,omitempty"`
}

const (
	TicketWaiting   = "waiting"
	TicketCalled    = "called"
	TicketCompleted = "completed"
	TicketCancelled = "cancelled"
)

// ServiceDateLayout is the wire and storage format for service dates.
const ServiceDateLayout = "2006-01-02"
