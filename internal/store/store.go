package store

import (
	"context"
	"time"

	"clinic/admission-service/internal/models"
)

type AdmitInput struct {
	RequestID      string
	PatientID      string
	ChiefComplaint string
	PaymentMethod  string
	Notes          string
	CreatedBy      string
	AdmittedAt     time.Time
}

type CallNextInput struct {
	RequestID   string
	ServiceDate string
	CalledAt    time.Time
}

type UpdateStatusInput struct {
	RequestID  string
	TicketID   string
	NewStatus  string
	Remark     string
	OccurredAt time.Time
}

type CancelInput struct {
	RequestID      string
	RegistrationID string
	OccurredAt     time.Time
}

// Admission is the pair created by a single admit transaction.
type Admission struct {
	Registration models.Registration `json:"registration"`
	Ticket       models.Ticket       `json:"ticket"`
}

type QueueStatus struct {
	ServiceDate     string         `json:"service_date"`
	CurrentlyCalled *models.Ticket `json:"currently_called"`
	WaitingCount    int            `json:"waiting_count"`
}

type WaitStats struct {
	AvgWaitMinutes float64 `json:"avg_wait_minutes"`
	Completed      int     `json:"completed"`
}

type AdmissionStore interface {
	Admit(ctx context.Context, input AdmitInput) (Admission, bool, error)
	CallNext(ctx context.Context, input CallNextInput) (models.Ticket, bool, error)
	UpdateTicketStatus(ctx context.Context, input UpdateStatusInput) (models.Ticket, bool, error)
	CancelRegistration(ctx context.Context, input CancelInput) (models.Registration, bool, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	GetRegistration(ctx context.Context, registrationID string) (models.Registration, error)
	QueueStatus(ctx context.Context, serviceDate string) (QueueStatus, error)
	PositionInQueue(ctx context.Context, registrationID string) (int, error)
	WaitStats(ctx context.Context, from, to time.Time) (WaitStats, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
}

type Session struct {
	SessionID string
	UserID    string
	Role      string
	ExpiresAt time.Time
}
