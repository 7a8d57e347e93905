package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// mockProvider is a testify mock of the hosted model.
type mockProvider struct {
	mock.Mock
}

func (p *mockProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	args := p.Called(ctx, in, opts)
	c, _ := args.Get(0).(ports.Completion)
	return c, args.Error(1)
}

func (p *mockProvider) onComplete() *mock.Call {
	return p.On("Complete", mock.Anything, mock.Anything, mock.Anything)
}

var errUnavailable = &ports.StatusError{StatusCode: 503, Body: "model is loading"}

// memStore implements ConversationStore in memory.
type memStore struct {
	mu            sync.Mutex
	convs         map[string]*ports.Conversation
	clock         time.Time
	failAssistant bool
	honourCtx     bool // fail on a done context like database/sql does
}

func (s *memStore) ctxErr(ctx context.Context) error {
	if s.honourCtx {
		return ctx.Err()
	}
	return nil
}

func newMemStore() *memStore {
	return &memStore{
		convs: make(map[string]*ports.Conversation),
		clock: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) CreateConversation(ctx context.Context, conv ports.Conversation) error {
	if err := s.ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conv.ID]; ok {
		return fmt.Errorf("conversation %s exists", conv.ID)
	}
	c := conv
	c.Turns = nil
	s.convs[conv.ID] = &c
	return nil
}

func (s *memStore) GetConversation(ctx context.Context, id string) (ports.Conversation, error) {
	if err := s.ctxErr(ctx); err != nil {
		return ports.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return ports.Conversation{}, fmt.Errorf("conversation %s: %w", id, ports.ErrNotFound)
	}
	out := *c
	out.Turns = append([]ports.Turn(nil), c.Turns...)
	return out, nil
}

func (s *memStore) AppendTurn(ctx context.Context, turn ports.Turn) (ports.Turn, error) {
	if err := s.ctxErr(ctx); err != nil {
		return ports.Turn{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAssistant && turn.Role == ports.RoleAssistant {
		return ports.Turn{}, errors.New("disk full")
	}
	c, ok := s.convs[turn.ConversationID]
	if !ok {
		return ports.Turn{}, ports.ErrNotFound
	}
	// Frozen clock: ordering must still be strict.
	created := s.clock
	if last, ok := c.LastTurn(); ok && !created.After(last.CreatedAt) {
		created = last.CreatedAt.Add(time.Nanosecond)
	}
	turn.Seq = int64(len(c.Turns) + 1)
	turn.CreatedAt = created
	c.Turns = append(c.Turns, turn)
	c.UpdatedAt = created
	return turn, nil
}

func (s *memStore) UpdateLanguagePreference(ctx context.Context, id string, lang ports.Language) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return ports.ErrNotFound
	}
	c.LanguagePreference = lang
	return nil
}

func (s *memStore) turns(id string) []ports.Turn {
	c, err := s.GetConversation(context.Background(), id)
	if err != nil {
		return nil
	}
	return c.Turns
}

// memLedger implements InvocationLedger in memory.
type memLedger struct {
	mu   sync.Mutex
	rows map[string]ports.ToolInvocation
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[string]ports.ToolInvocation)}
}

func (l *memLedger) BeginInvocation(ctx context.Context, inv ports.ToolInvocation) (ports.ToolInvocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if row, ok := l.rows[inv.ID]; ok {
		return row, nil
	}
	inv.Status = ports.StatusPending
	inv.Result, inv.Error, inv.ErrorKind = nil, "", ""
	l.rows[inv.ID] = inv
	return inv, nil
}

func (l *memLedger) ResolveInvocation(ctx context.Context, inv ports.ToolInvocation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rows[inv.ID]; !ok {
		return ports.ErrNotFound
	}
	l.rows[inv.ID] = inv
	return nil
}

func (l *memLedger) GetInvocation(ctx context.Context, id string) (ports.ToolInvocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[id]
	if !ok {
		return ports.ToolInvocation{}, ports.ErrNotFound
	}
	return row, nil
}

// memRecords implements RecordStore in memory with invocation-keyed writes.
type memRecords struct {
	mu           sync.Mutex
	facts        map[string]ports.PatientFacts // by user ID
	triages      []ports.Triage
	applied      map[string]string // invocation ID -> triage ID
	appointments []ports.AppointmentRequest
	loadErr      error
}

func newMemRecords() *memRecords {
	return &memRecords{facts: map[string]ports.PatientFacts{
		"user-1": {
			PatientID:         "patient-1",
			UserID:            "user-1",
			HospitalID:        "hospital-1",
			PreferredLanguage: ports.LanguageEnglish,
			BloodType:         "O+",
			Allergies:         "penicillin",
		},
	}}
}

func (r *memRecords) LoadFacts(ctx context.Context, userID string) (ports.PatientFacts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loadErr != nil {
		return ports.PatientFacts{}, r.loadErr
	}
	f, ok := r.facts[userID]
	if !ok {
		return ports.PatientFacts{}, ports.ErrNotFound
	}
	for i := range r.triages {
		if r.triages[i].PatientID == f.PatientID && r.triages[i].Active {
			t := r.triages[i]
			f.ActiveTriage = &t
		}
	}
	return f, nil
}

func (r *memRecords) UpsertTriage(ctx context.Context, w ports.TriageWrite) (ports.Triage, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applied == nil {
		r.applied = map[string]string{}
	}
	if id, ok := r.applied[w.InvocationID]; ok {
		for _, t := range r.triages {
			if t.ID == id {
				return t, false, nil
			}
		}
	}
	for i, t := range r.triages {
		if t.PatientID == w.PatientID && t.Active {
			t.Symptoms, t.UrgencyLevel, t.Notes, t.LastInvocationID = w.Symptoms, w.UrgencyLevel, w.Notes, w.InvocationID
			r.triages[i] = t
			r.applied[w.InvocationID] = t.ID
			return t, false, nil
		}
	}
	t := ports.Triage{
		ID:           uuid.NewString(),
		PatientID:    w.PatientID,
		Symptoms:     w.Symptoms,
		UrgencyLevel: w.UrgencyLevel,
		Notes:        w.Notes,
		Language:     w.Language,
		Active:       true,
		InvocationID: w.InvocationID,
	}
	r.triages = append(r.triages, t)
	r.applied[w.InvocationID] = t.ID
	return t, true, nil
}

func (r *memRecords) CreateAppointmentRequest(ctx context.Context, w ports.AppointmentWrite) (ports.AppointmentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.appointments {
		if a.InvocationID == w.InvocationID {
			return a, nil
		}
	}
	a := ports.AppointmentRequest{
		ID:            uuid.NewString(),
		PatientID:     w.PatientID,
		HospitalID:    w.HospitalID,
		Department:    w.Department,
		Reason:        w.Reason,
		Urgency:       w.Urgency,
		PreferredType: ports.AppointmentTypeInPerson,
		Status:        ports.AppointmentStatusPending,
		InvocationID:  w.InvocationID,
	}
	r.appointments = append(r.appointments, a)
	return a, nil
}

func (r *memRecords) counts() (triages, appointments int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.triages), len(r.appointments)
}

// stubTranslator returns text prefixed with the target, or err.
type stubTranslator struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (t *stubTranslator) Translate(ctx context.Context, text string, source, target ports.Language) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.err != nil {
		return "", t.err
	}
	return "[" + string(target) + "] " + text, nil
}

// recordingTracer keeps event names for assertions.
type recordingTracer struct {
	mu     sync.Mutex
	events []string
}

func (t *recordingTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (t *recordingTracer) Event(ctx context.Context, name string, attrs map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if name == "state_transition" {
		name = fmt.Sprintf("%s:%v", name, attrs["to"])
	}
	t.events = append(t.events, name)
}

func (t *recordingTracer) names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

func sortedNames(invs []ports.ToolInvocation) []string {
	names := make([]string, len(invs))
	for i, inv := range invs {
		names[i] = inv.Name
	}
	sort.Strings(names)
	return names
}

var (
	_ ports.Provider          = (*mockProvider)(nil)
	_ ports.ConversationStore = (*memStore)(nil)
	_ ports.InvocationLedger  = (*memLedger)(nil)
	_ ports.RecordStore       = (*memRecords)(nil)
	_ ports.Translator        = (*stubTranslator)(nil)
	_ ports.Tracer            = (*recordingTracer)(nil)
)
