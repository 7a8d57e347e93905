package harness

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// Budget bounds what the assembler packs into one model request.
type Budget struct {
	MaxTurns         int  // turns in the recency window, including the current one
	MaxContextTokens int  // hard cap on the estimated tokens of all bundled turns
	MaxFactsChars    int  // cap on the rendered patient facts block
	PinTriage        bool // keep the latest succeeded create_triage turn regardless of age
}

// BundleTurn is one turn as sent to the model.
type BundleTurn struct {
	TurnID    string
	Role      ports.Role
	Text      string
	Tokens    int
	Pinned    bool
	Truncated bool
}

// ContextBundle is the bounded input for one model call. It is never persisted.
type ContextBundle struct {
	ConversationID string
	CurrentTurnID  string
	System         string
	FactsBlock     string
	Turns          []BundleTurn // chronological
	Language       ports.Language
	TokenCount     int     // sum of Turns[i].Tokens, never above the budget
	Pinned         *string // ID of the pinned triage turn, if any
}

// ContextAssembler selects turns newest-first within a budget and renders patient facts.
type ContextAssembler struct {
	budget  Budget
	builder *PromptBuilder
	tools   []ports.ToolSpec
	// TokenEstimator should be a fast heuristic; we avoid binding to a specific tokenizer here.
	TokenEstimator func(s string) int
}

// NewContextAssembler creates an assembler. A nil estimator uses ~4 bytes per token.
func NewContextAssembler(b Budget, builder *PromptBuilder, tools []ports.ToolSpec, est func(s string) int) *ContextAssembler {
	if est == nil {
		est = estimateTokens
	}
	if builder == nil {
		builder = NewPromptBuilder()
	}
	return &ContextAssembler{budget: b, builder: builder, tools: tools, TokenEstimator: est}
}

func estimateTokens(s string) int {
	l := len(s)
	if l == 0 {
		return 0
	}
	return (l + 3) / 4
}

// Assemble builds the bundle for the newest turn of conv.
func (a *ContextAssembler) Assemble(conv *ports.Conversation, facts *ports.PatientFacts, lang ports.Language) ContextBundle {
	facts = orEmptyFacts(facts)
	factsBlock := RenderFacts(facts, a.budget.MaxFactsChars)
	bundle := ContextBundle{
		ConversationID: conv.ID,
		Language:       lang,
		FactsBlock:     factsBlock,
		System:         a.builder.System(a.tools, factsBlock, lang),
	}

	n := len(conv.Turns)
	if n == 0 {
		return bundle
	}
	budget := max(a.budget.MaxContextTokens, 0)
	maxTurns := max(a.budget.MaxTurns, 1)

	newestIdx := n - 1
	newest := conv.Turns[newestIdx]
	bundle.CurrentTurnID = newest.ID

	pinnedIdx := -1
	if a.budget.PinTriage {
		for i := newestIdx - 1; i >= 0; i-- {
			if conv.Turns[i].HasSucceeded(ports.ToolCreateTriage) {
				pinnedIdx = i
				break
			}
		}
	}

	selected := map[int]BundleTurn{}

	// The pinned turn's cost is reserved first; only the current turn may
	// squeeze it, and then never below half the budget.
	newestText, newestTok, newestCut := newest.Text, a.TokenEstimator(newest.Text), false
	if pinnedIdx >= 0 {
		pinned := conv.Turns[pinnedIdx]
		pinnedText := pinnedTriageText(pinned)
		pinnedTok, pinnedCut := a.TokenEstimator(pinnedText), false
		if pinnedTok+newestTok > budget {
			reserve := min(pinnedTok, budget/2)
			if newestTok > budget-reserve {
				newestText, newestTok = a.truncate(newestText, budget-reserve)
				newestCut = true
			}
			if pinnedTok > budget-newestTok {
				pinnedText, pinnedTok = a.truncate(pinnedText, budget-newestTok)
				pinnedCut = true
			}
		}
		selected[pinnedIdx] = BundleTurn{
			TurnID: pinned.ID, Role: pinned.Role, Text: pinnedText, Tokens: pinnedTok, Pinned: true, Truncated: pinnedCut,
		}
		id := pinned.ID
		bundle.Pinned = &id
	} else if newestTok > budget {
		newestText, newestTok = a.truncate(newestText, budget)
		newestCut = true
	}
	selected[newestIdx] = BundleTurn{
		TurnID: newest.ID, Role: newest.Role, Text: newestText, Tokens: newestTok, Truncated: newestCut,
	}

	used := newestTok
	if pinnedIdx >= 0 {
		used += selected[pinnedIdx].Tokens
	}

	count := 1
	for i := newestIdx - 1; i >= 0 && count < maxTurns; i-- {
		if i == pinnedIdx {
			count++
			continue
		}
		t := conv.Turns[i]
		cost := a.TokenEstimator(t.Text)
		if used+cost > budget {
			break
		}
		selected[i] = BundleTurn{TurnID: t.ID, Role: t.Role, Text: t.Text, Tokens: cost}
		used += cost
		count++
	}

	for i := 0; i < n; i++ {
		if bt, ok := selected[i]; ok {
			bundle.Turns = append(bundle.Turns, bt)
			bundle.TokenCount += bt.Tokens
		}
	}
	return bundle
}

// pinnedTriageText leads the turn's reply with the triage the model recorded,
// so truncation keeps the symptoms and urgency before the prose.
func pinnedTriageText(t ports.Turn) string {
	for i := len(t.Invocations) - 1; i >= 0; i-- {
		inv := t.Invocations[i]
		if inv.Name != ports.ToolCreateTriage || inv.Status != ports.StatusSucceeded {
			continue
		}
		var args struct {
			Symptoms     string `json:"symptoms"`
			UrgencyLevel string `json:"urgency_level"`
			Notes        string `json:"notes"`
		}
		if err := json.Unmarshal(inv.Args, &args); err != nil || args.Symptoms == "" {
			return t.Text
		}
		var b strings.Builder
		fmt.Fprintf(&b, "[triage recorded: urgency %s; symptoms: %s", args.UrgencyLevel, strings.TrimSpace(args.Symptoms))
		if notes := strings.TrimSpace(args.Notes); notes != "" {
			fmt.Fprintf(&b, "; notes: %s", notes)
		}
		b.WriteString("]")
		if t.Text != "" {
			b.WriteString("\n")
			b.WriteString(t.Text)
		}
		return b.String()
	}
	return t.Text
}

// truncate cuts s so that its estimate fits within tokens.
func (a *ContextAssembler) truncate(s string, tokens int) (string, int) {
	if tokens <= 0 {
		return "", 0
	}
	limit := min(len(s), tokens*4)
	for limit > 0 {
		cut := truncateBytes(s, limit)
		if est := a.TokenEstimator(cut); est <= tokens {
			return cut, est
		}
		limit--
	}
	return "", 0
}

// truncateBytes returns the longest prefix of s that is at most n bytes and
// ends on a rune boundary.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func orEmptyFacts(f *ports.PatientFacts) *ports.PatientFacts {
	if f == nil {
		return &ports.PatientFacts{}
	}
	return f
}

// RenderFacts renders a deterministic summary of the patient, cut to maxChars bytes.
func RenderFacts(f *ports.PatientFacts, maxChars int) string {
	if f == nil || f.PatientID == "" {
		return ""
	}
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	if f.BloodType != "" {
		line("Blood type: %s", f.BloodType)
	}
	if f.Allergies != "" {
		line("Allergies: %s", f.Allergies)
	}
	if f.HospitalID == "" {
		line("Hospital: not linked")
	}
	if t := f.ActiveTriage; t != nil {
		line("Active triage (%s urgency, updated %s): %s", t.UrgencyLevel, t.UpdatedAt.Format("2006-01-02"), t.Symptoms)
	}
	if len(f.UpcomingAppointments) > 0 {
		line("Pending appointment requests:")
		for _, ap := range f.UpcomingAppointments {
			line("- %s, %s urgency: %s", ap.Department, ap.Urgency, ap.Reason)
		}
	}
	if len(f.History) > 0 {
		line("Recent medical history:")
		for _, h := range f.History {
			entry := fmt.Sprintf("- %s %s (%s)", h.Date.Format("2006-01-02"), h.Title, h.Kind)
			if h.Description != "" {
				entry += ": " + h.Description
			}
			line("%s", entry)
		}
	}
	if len(f.Vitals) > 0 {
		line("Recent vitals:")
		for _, v := range f.Vitals {
			line("- %s: %s %s (%s)", v.Name, v.Value, v.Unit, v.RecordedAt.Format("2006-01-02"))
		}
	}

	out := strings.TrimRight(b.String(), "\n")
	if maxChars > 0 {
		out = truncateBytes(out, maxChars)
	}
	return out
}
