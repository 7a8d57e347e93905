package harnessports

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ConversationStore persists conversations and their append-only turn log.
type ConversationStore interface {
	// CreateConversation inserts a new conversation with no turns.
	CreateConversation(ctx context.Context, conv Conversation) error
	// GetConversation loads a conversation with its turns in sequence order.
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	// AppendTurn assigns the next sequence number and a creation time strictly
	// after the previous turn, then stores the turn atomically.
	AppendTurn(ctx context.Context, turn Turn) (Turn, error)
	// UpdateLanguagePreference changes the stored preference of a conversation.
	UpdateLanguagePreference(ctx context.Context, conversationID string, lang Language) error
}

// InvocationLedger records tool invocation outcomes keyed by invocation ID.
type InvocationLedger interface {
	// BeginInvocation stores a pending row unless one exists, and returns the
	// stored row either way.
	BeginInvocation(ctx context.Context, inv ToolInvocation) (ToolInvocation, error)
	// ResolveInvocation writes the terminal status, result, and error of an invocation.
	ResolveInvocation(ctx context.Context, inv ToolInvocation) error
	GetInvocation(ctx context.Context, invocationID string) (ToolInvocation, error)
}

// TriageWrite carries the create_triage arguments into the record store.
type TriageWrite struct {
	InvocationID string
	PatientID    string
	Symptoms     string
	UrgencyLevel string
	Notes        string
	Language     Language
}

// AppointmentWrite carries the request_appointment arguments into the record store.
type AppointmentWrite struct {
	InvocationID string
	PatientID    string
	HospitalID   string
	Department   string
	Reason       string
	Urgency      string
}

// RecordStore is the persistence collaborator for the domain records tools mutate.
// Every write runs in one transaction and is keyed by the invocation ID, so repeating
// a write with the same invocation ID returns the original record.
type RecordStore interface {
	LoadFacts(ctx context.Context, userID string) (PatientFacts, error)
	// UpsertTriage updates the patient's active triage or creates one. created is
	// false when an active triage was updated or the invocation was already applied.
	UpsertTriage(ctx context.Context, w TriageWrite) (triage Triage, created bool, err error)
	CreateAppointmentRequest(ctx context.Context, w AppointmentWrite) (AppointmentRequest, error)
}
