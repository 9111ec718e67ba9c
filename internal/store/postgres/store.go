package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinic/admission-service/internal/models"
	"clinic/admission-service/internal/store"
	"clinic/admission-service/internal/waittime"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both pgx.Tx and *pgxpool.Pool, so replay lookups can
// run inside a transaction or against committed state.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const registrationCodePad = 4

type Store struct {
	pool            *pgxpool.Pool
	unitServiceTime time.Duration
}

type Options struct {
	UnitServiceTime time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	unit := options.UnitServiceTime
	if unit <= 0 {
		unit = waittime.DefaultUnitServiceTime
	}
	return &Store{
		pool:            pool,
		unitServiceTime: unit,
	}
}

const ticketCols = `ticket_id, service_date, sequence_no, registration_id, status,
	issued_at, estimated_at, called_at, completed_at, remark`

const registrationCols = `registration_id, code, patient_id, visit_date, chief_complaint,
	payment_method, notes, status, created_by, created_at`

func (s *Store) Admit(ctx context.Context, input store.AdmitInput) (store.Admission, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Admission{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findAdmissionRequest(ctx, tx, input.RequestID)
	if err != nil {
		return store.Admission{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return store.Admission{}, false, err
		}
		return existing, false, nil
	}

	if err = ensurePatientExists(ctx, tx, input.PatientID); err != nil {
		return store.Admission{}, false, err
	}

	admittedAt := input.AdmittedAt
	if admittedAt.IsZero() {
		admittedAt = time.Now().UTC()
	}
	serviceDate := admittedAt.UTC().Format(models.ServiceDateLayout)

	regSeq, err := nextRegistrationNumber(ctx, tx, serviceDate)
	if err != nil {
		return store.Admission{}, false, err
	}
	code := fmt.Sprintf("REG-%s-%0*d", strings.ReplaceAll(serviceDate, "-", ""), registrationCodePad, regSeq)

	ticketSeq, err := nextTicketNumber(ctx, tx, serviceDate)
	if err != nil {
		return store.Admission{}, false, err
	}

	waiting, err := countWaiting(ctx, tx, serviceDate)
	if err != nil {
		return store.Admission{}, false, err
	}
	estimatedAt := waittime.EstimateCall(admittedAt, waiting, s.unitServiceTime)

	registrationID := uuid.NewString()
	ticketID := uuid.NewString()

	registration := models.Registration{
		RegistrationID: registrationID,
		Code:           code,
		PatientID:      input.PatientID,
		VisitDate:      serviceDate,
		ChiefComplaint: input.ChiefComplaint,
		PaymentMethod:  input.PaymentMethod,
		Notes:          input.Notes,
		Status:         models.RegistrationRegistered,
		CreatedBy:      input.CreatedBy,
		CreatedAt:      admittedAt,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO registrations (
			registration_id, code, patient_id, visit_date, chief_complaint,
			payment_method, notes, status, created_by, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, registrationID, code, input.PatientID, serviceDate, input.ChiefComplaint,
		input.PaymentMethod, input.Notes, models.RegistrationRegistered,
		nullIfEmpty(input.CreatedBy), admittedAt)
	if err != nil {
		return store.Admission{}, false, err
	}

	ticket := models.Ticket{
		TicketID:       ticketID,
		ServiceDate:    serviceDate,
		SequenceNo:     int(ticketSeq),
		RegistrationID: registrationID,
		Status:         models.TicketWaiting,
		IssuedAt:       admittedAt,
		EstimatedAt:    estimatedAt,
		RequestID:      input.RequestID,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO tickets (
			ticket_id, service_date, sequence_no, registration_id, status,
			issued_at, estimated_at, remark
		) VALUES ($1,$2,$3,$4,$5,$6,$7,'')
	`, ticketID, serviceDate, ticketSeq, registrationID, models.TicketWaiting,
		admittedAt, estimatedAt)
	if err != nil {
		return store.Admission{}, false, err
	}

	if err = insertActionRequest(ctx, tx, "admit", input.RequestID, ticketID, registrationID); err != nil {
		if isUniqueViolation(err) {
			if original, found, ferr := findAdmissionRequest(ctx, s.pool, input.RequestID); ferr == nil && found {
				return original, false, nil
			}
		}
		return store.Admission{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.Admission{}, false, err
	}

	return store.Admission{Registration: registration, Ticket: ticket}, true, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findTicketActionRequest(ctx, tx, "call_next", input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, store.ErrNoTicketWaiting
		}
		return existing, false, nil
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	var ticket models.Ticket
	row := tx.QueryRow(ctx, `
		WITH next_ticket AS (
			SELECT ticket_id
			FROM tickets
			WHERE service_date = $1 AND status = $2
			ORDER BY sequence_no ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tickets
		SET status = $3,
			called_at = $4
		FROM next_ticket
		WHERE tickets.ticket_id = next_ticket.ticket_id
		RETURNING `+prefixed("tickets.", ticketCols),
		input.ServiceDate, models.TicketWaiting, models.TicketCalled, calledAt)
	if ticket, err = scanTicket(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if err = insertActionRequest(ctx, tx, "call_next", input.RequestID, "", ""); err != nil {
				if isUniqueViolation(err) {
					if original, found, replayEmpty, ferr := findTicketActionRequest(ctx, s.pool, "call_next", input.RequestID); ferr == nil && found {
						if replayEmpty {
							return models.Ticket{}, false, store.ErrNoTicketWaiting
						}
						return original, false, nil
					}
				}
				return models.Ticket{}, false, err
			}
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return models.Ticket{}, false, store.ErrNoTicketWaiting
		}
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	_, err = tx.Exec(ctx, `
		UPDATE registrations
		SET status = $1
		WHERE registration_id = $2
	`, models.RegistrationInConsultation, ticket.RegistrationID)
	if err != nil {
		return models.Ticket{}, false, err
	}

	if err = insertActionRequest(ctx, tx, "call_next", input.RequestID, ticket.TicketID, ticket.RegistrationID); err != nil {
		if isUniqueViolation(err) {
			if original, found, replayEmpty, ferr := findTicketActionRequest(ctx, s.pool, "call_next", input.RequestID); ferr == nil && found {
				if replayEmpty {
					return models.Ticket{}, false, store.ErrNoTicketWaiting
				}
				return original, false, nil
			}
		}
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}

	return ticket, true, nil
}

func (s *Store) UpdateTicketStatus(ctx context.Context, input store.UpdateStatusInput) (models.Ticket, bool, error) {
	if _, known := store.RegistrationStatusFor(input.NewStatus); !known {
		return models.Ticket{}, false, store.ErrInvalidTransition
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findTicketActionRequest(ctx, tx, "update_status", input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, store.ErrInvalidTransition
		}
		return existing, false, nil
	}

	ticket, err := lockTicket(ctx, tx, input.TicketID)
	if err != nil {
		return models.Ticket{}, false, err
	}

	// Same-status requests are accepted and change nothing.
	if ticket.Status == input.NewStatus {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return ticket, false, nil
	}

	if !store.ValidTransition(ticket.Status, input.NewStatus) {
		err = store.ErrInvalidTransition
		return models.Ticket{}, false, err
	}

	if input.NewStatus == models.TicketCancelled {
		if err = requireCancellable(ctx, tx, ticket.RegistrationID); err != nil {
			return models.Ticket{}, false, err
		}
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	updateQuery := `
		UPDATE tickets
		SET status = $1
	`
	args := []interface{}{input.NewStatus}
	argPos := 2

	switch input.NewStatus {
	case models.TicketCalled:
		updateQuery += fmt.Sprintf(", called_at = $%d", argPos)
		args = append(args, occurredAt)
		argPos++
	case models.TicketCompleted:
		updateQuery += fmt.Sprintf(", completed_at = $%d", argPos)
		args = append(args, occurredAt)
		argPos++
	}
	if input.Remark != "" {
		updateQuery += fmt.Sprintf(", remark = $%d", argPos)
		args = append(args, input.Remark)
		argPos++
	}

	updateQuery += fmt.Sprintf(" WHERE ticket_id = $%d RETURNING %s", argPos, ticketCols)
	args = append(args, input.TicketID)

	row := tx.QueryRow(ctx, updateQuery, args...)
	if ticket, err = scanTicket(row); err != nil {
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	registrationStatus, _ := store.RegistrationStatusFor(input.NewStatus)
	_, err = tx.Exec(ctx, `
		UPDATE registrations
		SET status = $1
		WHERE registration_id = $2
	`, registrationStatus, ticket.RegistrationID)
	if err != nil {
		return models.Ticket{}, false, err
	}

	if err = insertActionRequest(ctx, tx, "update_status", input.RequestID, ticket.TicketID, ticket.RegistrationID); err != nil {
		if isUniqueViolation(err) {
			if original, found, _, ferr := findTicketActionRequest(ctx, s.pool, "update_status", input.RequestID); ferr == nil && found {
				return original, false, nil
			}
		}
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}

	return ticket, true, nil
}

func (s *Store) CancelRegistration(ctx context.Context, input store.CancelInput) (models.Registration, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Registration{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findCancelRequest(ctx, tx, input.RequestID)
	if err != nil {
		return models.Registration{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Registration{}, false, err
		}
		return existing, false, nil
	}

	var registration models.Registration
	row := tx.QueryRow(ctx, `
		SELECT `+registrationCols+`
		FROM registrations
		WHERE registration_id = $1
		FOR UPDATE
	`, input.RegistrationID)
	if registration, err = scanRegistration(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrRegistrationNotFound
		}
		return models.Registration{}, false, err
	}

	if registration.Status != models.RegistrationRegistered {
		err = store.ErrInvalidTransition
		return models.Registration{}, false, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE registrations
		SET status = $1
		WHERE registration_id = $2
	`, models.RegistrationCancelled, input.RegistrationID)
	if err != nil {
		return models.Registration{}, false, err
	}
	registration.Status = models.RegistrationCancelled

	_, err = tx.Exec(ctx, `
		UPDATE tickets
		SET status = $1
		WHERE registration_id = $2 AND status IN ($3, $4)
	`, models.TicketCancelled, input.RegistrationID, models.TicketWaiting, models.TicketCalled)
	if err != nil {
		return models.Registration{}, false, err
	}

	if err = insertActionRequest(ctx, tx, "cancel_registration", input.RequestID, "", input.RegistrationID); err != nil {
		if isUniqueViolation(err) {
			if original, found, ferr := findCancelRequest(ctx, s.pool, input.RequestID); ferr == nil && found {
				return original, false, nil
			}
		}
		return models.Registration{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Registration{}, false, err
	}

	return registration, true, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketCols+`
		FROM tickets
		WHERE ticket_id = $1
	`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetRegistration(ctx context.Context, registrationID string) (models.Registration, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+registrationCols+`
		FROM registrations
		WHERE registration_id = $1
	`, registrationID)
	registration, err := scanRegistration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Registration{}, store.ErrRegistrationNotFound
		}
		return models.Registration{}, err
	}
	return registration, nil
}

func (s *Store) QueueStatus(ctx context.Context, serviceDate string) (store.QueueStatus, error) {
	status := store.QueueStatus{ServiceDate: serviceDate}

	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketCols+`
		FROM tickets
		WHERE service_date = $1 AND status = $2
		ORDER BY called_at DESC
		LIMIT 1
	`, serviceDate, models.TicketCalled)
	ticket, err := scanTicket(row)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return store.QueueStatus{}, err
	}
	if err == nil {
		status.CurrentlyCalled = &ticket
	}

	row = s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tickets
		WHERE service_date = $1 AND status = $2
	`, serviceDate, models.TicketWaiting)
	if err := row.Scan(&status.WaitingCount); err != nil {
		return store.QueueStatus{}, err
	}

	return status, nil
}

func (s *Store) PositionInQueue(ctx context.Context, registrationID string) (int, error) {
	var serviceDate time.Time
	var sequenceNo int
	row := s.pool.QueryRow(ctx, `
		SELECT service_date, sequence_no
		FROM tickets
		WHERE registration_id = $1
	`, registrationID)
	if err := row.Scan(&serviceDate, &sequenceNo); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, store.ErrTicketNotFound
		}
		return 0, err
	}

	var position int
	row = s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tickets
		WHERE service_date = $1 AND status = $2 AND sequence_no <= $3
	`, serviceDate, models.TicketWaiting, sequenceNo)
	if err := row.Scan(&position); err != nil {
		return 0, err
	}
	return position, nil
}

func (s *Store) WaitStats(ctx context.Context, from, to time.Time) (store.WaitStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT issued_at, called_at
		FROM tickets
		WHERE status = $1 AND issued_at >= $2 AND issued_at <= $3
		ORDER BY issued_at ASC
	`, models.TicketCompleted, from, to)
	if err != nil {
		return store.WaitStats{}, err
	}
	defer rows.Close()

	var completed int
	var samples []waittime.WaitSample
	for rows.Next() {
		var issuedAt time.Time
		var calledAtNull sql.NullTime
		if err := rows.Scan(&issuedAt, &calledAtNull); err != nil {
			return store.WaitStats{}, err
		}
		completed++
		// Directly completed tickets were never called; they carry no wait.
		if calledAtNull.Valid {
			samples = append(samples, waittime.WaitSample{IssuedAt: issuedAt, CalledAt: calledAtNull.Time})
		}
	}
	if err := rows.Err(); err != nil {
		return store.WaitStats{}, err
	}

	return store.WaitStats{
		AvgWaitMinutes: waittime.AverageWait(samples),
		Completed:      completed,
	}, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	row := s.pool.QueryRow(ctx, `
		SELECT s.session_id, s.user_id, s.expires_at, u.role
		FROM sessions s
		JOIN users u ON u.user_id = s.user_id
		WHERE s.session_id = $1 AND s.expires_at > NOW()
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.UserID, &session.ExpiresAt, &session.Role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, err
	}
	return session, nil
}

func ensurePatientExists(ctx context.Context, tx pgx.Tx, patientID string) error {
	var id string
	row := tx.QueryRow(ctx, `
		SELECT patient_id
		FROM patients
		WHERE patient_id = $1
	`, patientID)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrPatientNotFound
		}
		return err
	}
	return nil
}

// nextTicketNumber reserves the next queue number for the service date. The
// upserted counter row stays locked until the enclosing transaction ends, so
// concurrent allocators for the same date serialize here and a rollback
// releases the number range without another caller having observed it.
func nextTicketNumber(ctx context.Context, tx pgx.Tx, serviceDate string) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (service_date, next_number)
		VALUES ($1, 1)
		ON CONFLICT (service_date)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, serviceDate)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

// nextRegistrationNumber is the registration-code counterpart of
// nextTicketNumber. The two counters are deliberately independent.
func nextRegistrationNumber(ctx context.Context, tx pgx.Tx, serviceDate string) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO registration_sequences (service_date, next_number)
		VALUES ($1, 1)
		ON CONFLICT (service_date)
		DO UPDATE SET next_number = registration_sequences.next_number + 1
		RETURNING next_number
	`, serviceDate)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func countWaiting(ctx context.Context, tx pgx.Tx, serviceDate string) (int, error) {
	var count int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tickets
		WHERE service_date = $1 AND status = $2
	`, serviceDate, models.TicketWaiting)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func lockTicket(ctx context.Context, tx pgx.Tx, ticketID string) (models.Ticket, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketCols+`
		FROM tickets
		WHERE ticket_id = $1
		FOR UPDATE
	`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

// requireCancellable enforces the cancellation guard: only a registration
// still in "registered" may be cancelled, through either entry point.
func requireCancellable(ctx context.Context, tx pgx.Tx, registrationID string) error {
	var status string
	row := tx.QueryRow(ctx, `
		SELECT status
		FROM registrations
		WHERE registration_id = $1
		FOR UPDATE
	`, registrationID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrRegistrationNotFound
		}
		return err
	}
	if status != models.RegistrationRegistered {
		return store.ErrInvalidTransition
	}
	return nil
}

// insertActionRequest records the outcome of a mutation under its request id.
// A concurrent duplicate of the same request blocks here on the primary key
// and fails with a unique violation once the original commits; the caller then
// rolls back its own work and replays the stored outcome instead.
func insertActionRequest(ctx context.Context, tx pgx.Tx, action, requestID, ticketID, registrationID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO action_requests (request_id, action, ticket_id, registration_id)
		VALUES ($1, $2, $3, $4)
	`, requestID, action, nullIfEmpty(ticketID), nullIfEmpty(registrationID))
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func findAdmissionRequest(ctx context.Context, q querier, requestID string) (store.Admission, bool, error) {
	var registrationID sql.NullString
	row := q.QueryRow(ctx, `
		SELECT registration_id
		FROM action_requests
		WHERE request_id = $1 AND action = 'admit'
	`, requestID)
	if err := row.Scan(&registrationID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Admission{}, false, nil
		}
		return store.Admission{}, false, err
	}
	if !registrationID.Valid {
		return store.Admission{}, false, nil
	}

	row = q.QueryRow(ctx, `
		SELECT `+registrationCols+`
		FROM registrations
		WHERE registration_id = $1
	`, registrationID.String)
	registration, err := scanRegistration(row)
	if err != nil {
		return store.Admission{}, false, err
	}

	row = q.QueryRow(ctx, `
		SELECT `+ticketCols+`
		FROM tickets
		WHERE registration_id = $1
	`, registrationID.String)
	ticket, err := scanTicket(row)
	if err != nil {
		return store.Admission{}, false, err
	}
	ticket.RequestID = requestID

	return store.Admission{Registration: registration, Ticket: ticket}, true, nil
}

func findTicketActionRequest(ctx context.Context, q querier, action, requestID string) (models.Ticket, bool, bool, error) {
	var ticketID sql.NullString
	row := q.QueryRow(ctx, `
		SELECT ticket_id
		FROM action_requests
		WHERE request_id = $1 AND action = $2
	`, requestID, action)
	if err := row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, false, nil
		}
		return models.Ticket{}, false, false, err
	}

	if !ticketID.Valid {
		return models.Ticket{}, true, true, nil
	}

	row = q.QueryRow(ctx, `
		SELECT `+ticketCols+`
		FROM tickets
		WHERE ticket_id = $1
	`, ticketID.String)
	ticket, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, false, false, err
	}
	ticket.RequestID = requestID

	return ticket, true, false, nil
}

func findCancelRequest(ctx context.Context, q querier, requestID string) (models.Registration, bool, error) {
	var registrationID sql.NullString
	row := q.QueryRow(ctx, `
		SELECT registration_id
		FROM action_requests
		WHERE request_id = $1 AND action = 'cancel_registration'
	`, requestID)
	if err := row.Scan(&registrationID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Registration{}, false, nil
		}
		return models.Registration{}, false, err
	}
	if !registrationID.Valid {
		return models.Registration{}, false, nil
	}

	row = q.QueryRow(ctx, `
		SELECT `+registrationCols+`
		FROM registrations
		WHERE registration_id = $1
	`, registrationID.String)
	registration, err := scanRegistration(row)
	if err != nil {
		return models.Registration{}, false, err
	}
	return registration, true, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var serviceDate time.Time
	var calledAtNull sql.NullTime
	var completedAtNull sql.NullTime
	if err := row.Scan(&ticket.TicketID, &serviceDate, &ticket.SequenceNo, &ticket.RegistrationID,
		&ticket.Status, &ticket.IssuedAt, &ticket.EstimatedAt, &calledAtNull, &completedAtNull,
		&ticket.Remark); err != nil {
		return models.Ticket{}, err
	}
	ticket.ServiceDate = serviceDate.Format(models.ServiceDateLayout)
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.CompletedAt = nullTimePtr(completedAtNull)
	return ticket, nil
}

func scanRegistration(row pgx.Row) (models.Registration, error) {
	var registration models.Registration
	var visitDate time.Time
	var createdByNull sql.NullString
	if err := row.Scan(&registration.RegistrationID, &registration.Code, &registration.PatientID,
		&visitDate, &registration.ChiefComplaint, &registration.PaymentMethod, &registration.Notes,
		&registration.Status, &createdByNull, &registration.CreatedAt); err != nil {
		return models.Registration{}, err
	}
	registration.VisitDate = visitDate.Format(models.ServiceDateLayout)
	if createdByNull.Valid {
		registration.CreatedBy = createdByNull.String
	}
	return registration, nil
}

func prefixed(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, part := range parts {
		parts[i] = prefix + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
