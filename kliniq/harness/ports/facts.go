package harnessports

import "time"

// PatientFacts is a read-only snapshot of medically relevant patient data.
type PatientFacts struct {
	PatientID            string
	UserID               string
	HospitalID           string // first linked hospital, empty when unlinked
	PreferredLanguage    Language
	BloodType            string
	Allergies            string
	History              []HistoryEntry
	Vitals               []Vital
	ActiveTriage         *Triage
	UpcomingAppointments []AppointmentRequest
}

// HistoryEntry is one medical history record.
type HistoryEntry struct {
	Kind        string // consultation, prescription, test, diagnosis
	Title       string
	Description string
	Date        time.Time
}

// Vital is one recorded health measurement.
type Vital struct {
	Name       string
	Value      string
	Unit       string
	RecordedAt time.Time
}

// Triage is a triage case created or updated by the create_triage tool.
type Triage struct {
	ID               string    `json:"triage_id"`
	PatientID        string    `json:"patient_id"`
	Symptoms         string    `json:"symptoms"`
	UrgencyLevel     string    `json:"urgency_level"`
	Notes            string    `json:"notes,omitempty"`
	Language         Language  `json:"language"`
	Active           bool      `json:"active"`
	InvocationID     string    `json:"-"`
	LastInvocationID string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AppointmentRequest is a pending request for a clinician-scheduled visit.
type AppointmentRequest struct {
	ID            string    `json:"request_id"`
	PatientID     string    `json:"patient_id"`
	HospitalID    string    `json:"hospital_id"`
	Department    string    `json:"department"`
	Reason        string    `json:"reason"`
	Urgency       string    `json:"urgency"`
	PreferredType string    `json:"preferred_type"`
	Status        string    `json:"status"`
	InvocationID  string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	AppointmentStatusPending     = "PENDING"
	AppointmentTypeInPerson      = "IN_PERSON"
	DefaultAppointmentDepartment = "General Practice"
)
