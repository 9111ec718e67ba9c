package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"clinic/admission-service/internal/models"
	"clinic/admission-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestAdmitSequenceConcurrency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedPatient(t, ctx, pool)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan store.Admission, workers)
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admission, _, err := st.Admit(ctx, store.AdmitInput{
				RequestID:  uuid.NewString(),
				PatientID:  patientID,
				AdmittedAt: time.Now().UTC(),
			})
			if err != nil {
				errs <- err
				return
			}
			results <- admission
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("admit error: %v", err)
	}

	var sequences []int
	codes := make(map[string]bool)
	for admission := range results {
		sequences = append(sequences, admission.Ticket.SequenceNo)
		if codes[admission.Registration.Code] {
			t.Fatalf("duplicate registration code %s", admission.Registration.Code)
		}
		codes[admission.Registration.Code] = true
	}
	sort.Ints(sequences)
	if len(sequences) != workers {
		t.Fatalf("expected %d admissions, got %d", workers, len(sequences))
	}
	for i, seq := range sequences {
		if seq != i+1 {
			t.Fatalf("expected contiguous sequence numbers, got %v", sequences)
		}
	}
}

func TestAdmitIdempotency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedPatient(t, ctx, pool)

	requestID := uuid.NewString()
	first := admit(t, ctx, st, patientID, requestID)
	second := admit(t, ctx, st, patientID, requestID)

	if first.Ticket.TicketID != second.Ticket.TicketID {
		t.Fatalf("expected same ticket for duplicate request")
	}
	if first.Registration.RegistrationID != second.Registration.RegistrationID {
		t.Fatalf("expected same registration for duplicate request")
	}

	var count int
	row := pool.QueryRow(ctx, `SELECT COUNT(*) FROM tickets`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count tickets: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 ticket, got %d", count)
	}
}

func TestAdmitConcurrentSameRequest(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedPatient(t, ctx, pool)
	requestID := uuid.NewString()

	const workers = 4
	var wg sync.WaitGroup
	results := make(chan store.Admission, workers)
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admission, _, err := st.Admit(ctx, store.AdmitInput{
				RequestID:  requestID,
				PatientID:  patientID,
				AdmittedAt: time.Now().UTC(),
			})
			if err != nil {
				errs <- err
				return
			}
			results <- admission
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("admit error: %v", err)
	}

	seen := map[string]bool{}
	for admission := range results {
		seen[admission.Ticket.TicketID] = true
	}
	if len(seen) != 1 {
		t.Fatalf("expected one ticket for the shared request, got %d", len(seen))
	}

	var tickets, registrations int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM tickets`).Scan(&tickets); err != nil {
		t.Fatalf("count tickets: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM registrations`).Scan(&registrations); err != nil {
		t.Fatalf("count registrations: %v", err)
	}
	if tickets != 1 || registrations != 1 {
		t.Fatalf("expected a single admission, got %d tickets and %d registrations", tickets, registrations)
	}
}

func TestAdmitUnknownPatient(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, _, err := st.Admit(ctx, store.AdmitInput{
		RequestID:  uuid.NewString(),
		PatientID:  uuid.NewString(),
		AdmittedAt: time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrPatientNotFound) {
		t.Fatalf("expected ErrPatientNotFound, got %v", err)
	}
}

func TestCallNextOrderAndEmpty(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	pool := st.pool
	patientID := seedPatient(t, ctx, pool)

	first := admit(t, ctx, st, patientID, uuid.NewString())
	second := admit(t, ctx, st, patientID, uuid.NewString())
	serviceDate := first.Ticket.ServiceDate

	calledFirst := callNext(t, ctx, st, serviceDate)
	if calledFirst.SequenceNo != first.Ticket.SequenceNo {
		t.Fatalf("expected sequence %d first, got %d", first.Ticket.SequenceNo, calledFirst.SequenceNo)
	}
	if calledFirst.Status != models.TicketCalled || calledFirst.CalledAt == nil {
		t.Fatalf("unexpected called ticket: %+v", calledFirst)
	}

	registration, err := st.GetRegistration(ctx, calledFirst.RegistrationID)
	if err != nil {
		t.Fatalf("get registration: %v", err)
	}
	if registration.Status != models.RegistrationInConsultation {
		t.Fatalf("expected in_consultation, got %s", registration.Status)
	}

	calledSecond := callNext(t, ctx, st, serviceDate)
	if calledSecond.SequenceNo != second.Ticket.SequenceNo {
		t.Fatalf("expected sequence %d second, got %d", second.Ticket.SequenceNo, calledSecond.SequenceNo)
	}

	_, _, err = st.CallNext(ctx, store.CallNextInput{
		RequestID:   uuid.NewString(),
		ServiceDate: serviceDate,
		CalledAt:    time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrNoTicketWaiting) {
		t.Fatalf("expected ErrNoTicketWaiting, got %v", err)
	}
}

func TestCallNextEmptyReplay(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	requestID := uuid.NewString()
	input := store.CallNextInput{
		RequestID:   requestID,
		ServiceDate: time.Now().UTC().Format(models.ServiceDateLayout),
		CalledAt:    time.Now().UTC(),
	}

	_, _, err := st.CallNext(ctx, input)
	if !errors.Is(err, store.ErrNoTicketWaiting) {
		t.Fatalf("expected ErrNoTicketWaiting, got %v", err)
	}

	// The empty outcome is recorded and replayed for the same request even
	// after tickets arrive.
	patientID := seedPatient(t, ctx, st.pool)
	admit(t, ctx, st, patientID, uuid.NewString())

	_, _, err = st.CallNext(ctx, input)
	if !errors.Is(err, store.ErrNoTicketWaiting) {
		t.Fatalf("expected replayed ErrNoTicketWaiting, got %v", err)
	}
}

func TestUpdateTicketStatusFlow(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedPatient(t, ctx, st.pool)
	admission := admit(t, ctx, st, patientID, uuid.NewString())

	// Direct completion from waiting.
	completed, changed, err := st.UpdateTicketStatus(ctx, store.UpdateStatusInput{
		RequestID:  uuid.NewString(),
		TicketID:   admission.Ticket.TicketID,
		NewStatus:  models.TicketCompleted,
		Remark:     "handled at front desk",
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("complete ticket: %v", err)
	}
	if !changed || completed.Status != models.TicketCompleted || completed.CompletedAt == nil {
		t.Fatalf("unexpected completed ticket: %+v", completed)
	}
	if completed.Remark != "handled at front desk" {
		t.Fatalf("unexpected remark: %q", completed.Remark)
	}

	registration, err := st.GetRegistration(ctx, admission.Registration.RegistrationID)
	if err != nil {
		t.Fatalf("get registration: %v", err)
	}
	if registration.Status != models.RegistrationCompleted {
		t.Fatalf("expected completed registration, got %s", registration.Status)
	}

	// Same status again is a no-op, not a conflict.
	again, changed, err := st.UpdateTicketStatus(ctx, store.UpdateStatusInput{
		RequestID:  uuid.NewString(),
		TicketID:   admission.Ticket.TicketID,
		NewStatus:  models.TicketCompleted,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if changed {
		t.Fatalf("expected no-op for same status")
	}
	if again.TicketID != admission.Ticket.TicketID {
		t.Fatalf("unexpected ticket: %+v", again)
	}

	// Terminal states reject further transitions.
	_, _, err = st.UpdateTicketStatus(ctx, store.UpdateStatusInput{
		RequestID:  uuid.NewString(),
		TicketID:   admission.Ticket.TicketID,
		NewStatus:  models.TicketCalled,
		OccurredAt: time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelGuard(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedPatient(t, ctx, st.pool)
	admission := admit(t, ctx, st, patientID, uuid.NewString())
	serviceDate := admission.Ticket.ServiceDate

	callNext(t, ctx, st, serviceDate)

	// Once the patient is in consultation the registration cannot be
	// cancelled, through either entry point.
	_, _, err := st.CancelRegistration(ctx, store.CancelInput{
		RequestID:      uuid.NewString(),
		RegistrationID: admission.Registration.RegistrationID,
		OccurredAt:     time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	_, _, err = st.UpdateTicketStatus(ctx, store.UpdateStatusInput{
		RequestID:  uuid.NewString(),
		TicketID:   admission.Ticket.TicketID,
		NewStatus:  models.TicketCancelled,
		OccurredAt: time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition via ticket path, got %v", err)
	}
}

func TestCancelRegistrationCancelsTicket(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedPatient(t, ctx, st.pool)
	admission := admit(t, ctx, st, patientID, uuid.NewString())

	registration, changed, err := st.CancelRegistration(ctx, store.CancelInput{
		RequestID:      uuid.NewString(),
		RegistrationID: admission.Registration.RegistrationID,
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("cancel registration: %v", err)
	}
	if !changed || registration.Status != models.RegistrationCancelled {
		t.Fatalf("unexpected registration: %+v", registration)
	}

	ticket, err := st.GetTicket(ctx, admission.Ticket.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if ticket.Status != models.TicketCancelled {
		t.Fatalf("expected cancelled ticket, got %s", ticket.Status)
	}
}

func TestPositionInQueue(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedPatient(t, ctx, st.pool)
	first := admit(t, ctx, st, patientID, uuid.NewString())
	second := admit(t, ctx, st, patientID, uuid.NewString())

	position, err := st.PositionInQueue(ctx, first.Registration.RegistrationID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position != 1 {
		t.Fatalf("expected position 1, got %d", position)
	}

	position, err = st.PositionInQueue(ctx, second.Registration.RegistrationID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position != 2 {
		t.Fatalf("expected position 2, got %d", position)
	}

	callNext(t, ctx, st, first.Ticket.ServiceDate)

	position, err = st.PositionInQueue(ctx, second.Registration.RegistrationID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position != 1 {
		t.Fatalf("expected position 1 after call, got %d", position)
	}
}

func TestWaitStats(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC().Add(time.Hour)

	stats, err := st.WaitStats(ctx, from, to)
	if err != nil {
		t.Fatalf("wait stats: %v", err)
	}
	if stats.AvgWaitMinutes != 0 || stats.Completed != 0 {
		t.Fatalf("expected zero stats for empty window, got %+v", stats)
	}

	patientID := seedPatient(t, ctx, st.pool)
	admission := admit(t, ctx, st, patientID, uuid.NewString())
	called := callNext(t, ctx, st, admission.Ticket.ServiceDate)
	if _, _, err := st.UpdateTicketStatus(ctx, store.UpdateStatusInput{
		RequestID:  uuid.NewString(),
		TicketID:   called.TicketID,
		NewStatus:  models.TicketCompleted,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("complete ticket: %v", err)
	}

	stats, err = st.WaitStats(ctx, from, to)
	if err != nil {
		t.Fatalf("wait stats: %v", err)
	}
	if stats.Completed != 1 {
		t.Fatalf("expected 1 completed, got %d", stats.Completed)
	}
	if stats.AvgWaitMinutes < 0 {
		t.Fatalf("expected non-negative average, got %v", stats.AvgWaitMinutes)
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, Options{UnitServiceTime: 15 * time.Minute})
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedPatient(t *testing.T, ctx context.Context, pool *pgxpool.Pool) string {
	t.Helper()
	patientID := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO patients (patient_id, medical_record_no, full_name) VALUES ($1, $2, 'Patient')
	`, patientID, "MR-"+patientID[:8]); err != nil {
		t.Fatalf("insert patient: %v", err)
	}
	return patientID
}

func admit(t *testing.T, ctx context.Context, st *Store, patientID, requestID string) store.Admission {
	t.Helper()
	admission, _, err := st.Admit(ctx, store.AdmitInput{
		RequestID:  requestID,
		PatientID:  patientID,
		AdmittedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	return admission
}

func callNext(t *testing.T, ctx context.Context, st *Store, serviceDate string) models.Ticket {
	t.Helper()
	ticket, _, err := st.CallNext(ctx, store.CallNextInput{
		RequestID:   uuid.NewString(),
		ServiceDate: serviceDate,
		CalledAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	return ticket
}
