package adapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/db"
	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

const (
	factsHistoryLimit      = 5
	factsVitalsLimit       = 5
	factsAppointmentsLimit = 3
)

// PatientProfile is the subset of a patient row the core reads and seeds.
type PatientProfile struct {
	ID                string
	UserID            string
	PreferredLanguage ports.Language
	BloodType         string
	Allergies         string
}

// SQLRecordStore implements RecordStore over the patient record tables.
type SQLRecordStore struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// NewSQLRecordStore creates a record store on the handle.
func NewSQLRecordStore(h *db.Handle) *SQLRecordStore {
	return &SQLRecordStore{db: h.DB, dialect: h.Dialect, now: time.Now}
}

// LoadFacts reads a bounded snapshot of the patient owned by userID.
func (s *SQLRecordStore) LoadFacts(ctx context.Context, userID string) (ports.PatientFacts, error) {
	facts := ports.PatientFacts{UserID: userID}

	var lang string
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT id, preferred_language, blood_type, allergies FROM patients WHERE user_id = ?
	`), userID).Scan(&facts.PatientID, &lang, &facts.BloodType, &facts.Allergies)
	if errors.Is(err, sql.ErrNoRows) {
		return facts, fmt.Errorf("patient for user %s: %w", userID, ports.ErrNotFound)
	}
	if err != nil {
		return facts, fmt.Errorf("failed to load patient: %w", err)
	}
	facts.PreferredLanguage = ports.Language(lang)

	err = s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT hospital_id FROM patient_hospitals WHERE patient_id = ? ORDER BY linked_at ASC LIMIT 1
	`), facts.PatientID).Scan(&facts.HospitalID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return facts, fmt.Errorf("failed to load hospital link: %w", err)
	}

	if facts.History, err = s.loadHistory(ctx, facts.PatientID); err != nil {
		return facts, err
	}
	if facts.Vitals, err = s.loadVitals(ctx, facts.PatientID); err != nil {
		return facts, err
	}

	triage, err := s.activeTriage(ctx, s.db, facts.PatientID)
	if err != nil && !errors.Is(err, ports.ErrNotFound) {
		return facts, err
	}
	if err == nil {
		facts.ActiveTriage = &triage
	}

	if facts.UpcomingAppointments, err = s.loadPendingAppointments(ctx, facts.PatientID); err != nil {
		return facts, err
	}

	return facts, nil
}

func (s *SQLRecordStore) loadHistory(ctx context.Context, patientID string) ([]ports.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT kind, title, description, recorded_on FROM medical_history
		WHERE patient_id = ? ORDER BY recorded_on DESC LIMIT ?
	`), patientID, factsHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query medical history: %w", err)
	}
	defer rows.Close()

	var out []ports.HistoryEntry
	for rows.Next() {
		var (
			h  ports.HistoryEntry
			on int64
		)
		if err := rows.Scan(&h.Kind, &h.Title, &h.Description, &on); err != nil {
			return nil, fmt.Errorf("failed to scan medical history: %w", err)
		}
		h.Date = time.Unix(0, on).UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLRecordStore) loadVitals(ctx context.Context, patientID string) ([]ports.Vital, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT name, value, unit, recorded_at FROM health_vitals
		WHERE patient_id = ? ORDER BY recorded_at DESC LIMIT ?
	`), patientID, factsVitalsLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query vitals: %w", err)
	}
	defer rows.Close()

	var out []ports.Vital
	for rows.Next() {
		var (
			v  ports.Vital
			at int64
		)
		if err := rows.Scan(&v.Name, &v.Value, &v.Unit, &at); err != nil {
			return nil, fmt.Errorf("failed to scan vital: %w", err)
		}
		v.RecordedAt = time.Unix(0, at).UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLRecordStore) loadPendingAppointments(ctx context.Context, patientID string) ([]ports.AppointmentRequest, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT id, patient_id, hospital_id, invocation_id, department, reason, urgency, preferred_type, status, created_at
		FROM appointment_requests
		WHERE patient_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT ?
	`), patientID, ports.AppointmentStatusPending, factsAppointmentsLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query appointment requests: %w", err)
	}
	defer rows.Close()

	var out []ports.AppointmentRequest
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLRecordStore) activeTriage(ctx context.Context, q queryer, patientID string) (ports.Triage, error) {
	row := q.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT id, patient_id, invocation_id, last_invocation_id, symptoms, urgency_level, notes, language, is_active, created_at, updated_at
		FROM triage_records WHERE patient_id = ? AND is_active = 1
		ORDER BY updated_at DESC LIMIT 1
	`), patientID)
	return scanTriage(row)
}

// triageByApplication finds the triage an invocation already created or updated.
func (s *SQLRecordStore) triageByApplication(ctx context.Context, q queryer, invocationID string) (ports.Triage, error) {
	row := q.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT r.id, r.patient_id, r.invocation_id, r.last_invocation_id, r.symptoms, r.urgency_level, r.notes, r.language, r.is_active, r.created_at, r.updated_at
		FROM triage_applications a JOIN triage_records r ON r.id = a.triage_id
		WHERE a.invocation_id = ?
	`), invocationID)
	return scanTriage(row)
}

func (s *SQLRecordStore) recordApplication(ctx context.Context, tx *sql.Tx, invocationID, triageID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO triage_applications (invocation_id, triage_id, applied_at) VALUES (?, ?, ?)
	`), invocationID, triageID, at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record triage application: %w", err)
	}
	return nil
}

func scanTriage(row rowScanner) (ports.Triage, error) {
	var (
		t                ports.Triage
		lang             string
		active           int
		created, updated int64
	)
	err := row.Scan(&t.ID, &t.PatientID, &t.InvocationID, &t.LastInvocationID, &t.Symptoms, &t.UrgencyLevel,
		&t.Notes, &lang, &active, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.Triage{}, ports.ErrNotFound
	}
	if err != nil {
		return ports.Triage{}, fmt.Errorf("failed to scan triage: %w", err)
	}
	t.Language = ports.Language(lang)
	t.Active = active == 1
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, updated).UTC()
	return t, nil
}

func scanAppointment(row rowScanner) (ports.AppointmentRequest, error) {
	var (
		a       ports.AppointmentRequest
		created int64
	)
	err := row.Scan(&a.ID, &a.PatientID, &a.HospitalID, &a.InvocationID, &a.Department, &a.Reason,
		&a.Urgency, &a.PreferredType, &a.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.AppointmentRequest{}, ports.ErrNotFound
	}
	if err != nil {
		return ports.AppointmentRequest{}, fmt.Errorf("failed to scan appointment request: %w", err)
	}
	a.CreatedAt = time.Unix(0, created).UTC()
	return a, nil
}

// UpsertTriage applies a create_triage invocation in one transaction.
func (s *SQLRecordStore) UpsertTriage(ctx context.Context, w ports.TriageWrite) (ports.Triage, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ports.Triage{}, false, fmt.Errorf("failed to begin triage transaction: %w", err)
	}
	defer tx.Rollback()

	// Every invocation that ever wrote a triage is recorded, not just the
	// first and the latest one.
	if t, err := s.triageByApplication(ctx, tx, w.InvocationID); err == nil {
		return t, false, nil
	} else if !errors.Is(err, ports.ErrNotFound) {
		return ports.Triage{}, false, err
	}

	now := s.now().UTC()

	existing, err := s.activeTriage(ctx, tx, w.PatientID)
	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE triage_records
			SET symptoms = ?, urgency_level = ?, notes = ?, last_invocation_id = ?, updated_at = ?
			WHERE id = ?
		`), w.Symptoms, w.UrgencyLevel, w.Notes, w.InvocationID, now.UnixNano(), existing.ID)
		if err != nil {
			return ports.Triage{}, false, fmt.Errorf("failed to update triage: %w", err)
		}
		if err := s.recordApplication(ctx, tx, w.InvocationID, existing.ID, now); err != nil {
			return ports.Triage{}, false, err
		}
		existing.Symptoms = w.Symptoms
		existing.UrgencyLevel = w.UrgencyLevel
		existing.Notes = w.Notes
		existing.LastInvocationID = w.InvocationID
		existing.UpdatedAt = now
		if err := tx.Commit(); err != nil {
			return ports.Triage{}, false, fmt.Errorf("failed to commit triage: %w", err)
		}
		return existing, false, nil

	case errors.Is(err, ports.ErrNotFound):
		t := ports.Triage{
			ID:               uuid.NewString(),
			PatientID:        w.PatientID,
			Symptoms:         w.Symptoms,
			UrgencyLevel:     w.UrgencyLevel,
			Notes:            w.Notes,
			Language:         w.Language,
			Active:           true,
			InvocationID:     w.InvocationID,
			LastInvocationID: w.InvocationID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO triage_records (id, patient_id, invocation_id, last_invocation_id, symptoms, urgency_level, notes, language, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		`), t.ID, t.PatientID, t.InvocationID, t.LastInvocationID, t.Symptoms, t.UrgencyLevel, t.Notes,
			string(t.Language), now.UnixNano(), now.UnixNano())
		if err != nil {
			return ports.Triage{}, false, fmt.Errorf("failed to insert triage: %w", err)
		}
		if err := s.recordApplication(ctx, tx, t.InvocationID, t.ID, now); err != nil {
			return ports.Triage{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return ports.Triage{}, false, fmt.Errorf("failed to commit triage: %w", err)
		}
		return t, true, nil

	default:
		return ports.Triage{}, false, err
	}
}

// CreateAppointmentRequest applies a request_appointment invocation in one transaction.
func (s *SQLRecordStore) CreateAppointmentRequest(ctx context.Context, w ports.AppointmentWrite) (ports.AppointmentRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ports.AppointmentRequest{}, fmt.Errorf("failed to begin appointment transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO appointment_requests (id, patient_id, hospital_id, invocation_id, department, reason, urgency, preferred_type, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (invocation_id) DO NOTHING
	`), uuid.NewString(), w.PatientID, w.HospitalID, w.InvocationID, w.Department, w.Reason, w.Urgency,
		ports.AppointmentTypeInPerson, ports.AppointmentStatusPending, now.UnixNano())
	if err != nil {
		return ports.AppointmentRequest{}, fmt.Errorf("failed to insert appointment request: %w", err)
	}

	a, err := scanAppointment(tx.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT id, patient_id, hospital_id, invocation_id, department, reason, urgency, preferred_type, status, created_at
		FROM appointment_requests WHERE invocation_id = ?
	`), w.InvocationID))
	if err != nil {
		return ports.AppointmentRequest{}, err
	}

	if err := tx.Commit(); err != nil {
		return ports.AppointmentRequest{}, fmt.Errorf("failed to commit appointment request: %w", err)
	}
	return a, nil
}

// SavePatient inserts or updates a patient profile.
func (s *SQLRecordStore) SavePatient(ctx context.Context, p PatientProfile) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO patients (id, user_id, preferred_language, blood_type, allergies, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			preferred_language = excluded.preferred_language,
			blood_type = excluded.blood_type,
			allergies = excluded.allergies
	`), p.ID, p.UserID, string(p.PreferredLanguage), p.BloodType, p.Allergies, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save patient: %w", err)
	}
	return nil
}

// LinkHospital links a patient to a hospital.
func (s *SQLRecordStore) LinkHospital(ctx context.Context, patientID, hospitalID string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO patient_hospitals (id, patient_id, hospital_id, linked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (patient_id, hospital_id) DO NOTHING
	`), uuid.NewString(), patientID, hospitalID, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to link hospital: %w", err)
	}
	return nil
}

// AddHistory records a medical history entry.
func (s *SQLRecordStore) AddHistory(ctx context.Context, patientID string, h ports.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO medical_history (id, patient_id, kind, title, description, recorded_on)
		VALUES (?, ?, ?, ?, ?, ?)
	`), uuid.NewString(), patientID, h.Kind, h.Title, h.Description, h.Date.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to add medical history: %w", err)
	}
	return nil
}

// AddVital records a health measurement.
func (s *SQLRecordStore) AddVital(ctx context.Context, patientID string, v ports.Vital) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO health_vitals (id, patient_id, name, value, unit, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), uuid.NewString(), patientID, v.Name, v.Value, v.Unit, v.RecordedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to add vital: %w", err)
	}
	return nil
}

// Ensure SQLRecordStore implements the RecordStore interface.
var _ ports.RecordStore = (*SQLRecordStore)(nil)
