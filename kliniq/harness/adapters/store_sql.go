package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/db"
	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// SQLConversationStore implements ConversationStore over libsql or postgres.
type SQLConversationStore struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// NewSQLConversationStore creates a new conversation store on the handle.
func NewSQLConversationStore(h *db.Handle) *SQLConversationStore {
	return &SQLConversationStore{
		db:      h.DB,
		dialect: h.Dialect,
		now:     time.Now,
	}
}

// CreateConversation inserts a conversation row.
func (s *SQLConversationStore) CreateConversation(ctx context.Context, conv ports.Conversation) error {
	created := conv.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	query := s.dialect.Rebind(`
		INSERT INTO conversations (id, user_id, title, language_preference, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		conv.ID, conv.UserID, conv.Title, string(conv.LanguagePreference), created.UnixNano(), created.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// GetConversation loads a conversation and all of its turns in sequence order.
func (s *SQLConversationStore) GetConversation(ctx context.Context, conversationID string) (ports.Conversation, error) {
	var (
		conv             ports.Conversation
		lang             string
		created, updated int64
	)
	query := s.dialect.Rebind(`
		SELECT id, user_id, title, language_preference, created_at, updated_at
		FROM conversations WHERE id = ?
	`)
	err := s.db.QueryRowContext(ctx, query, conversationID).
		Scan(&conv.ID, &conv.UserID, &conv.Title, &lang, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, ports.ErrNotFound)
	}
	if err != nil {
		return ports.Conversation{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	conv.LanguagePreference = ports.Language(lang)
	conv.CreatedAt = time.Unix(0, created).UTC()
	conv.UpdatedAt = time.Unix(0, updated).UTC()

	turns, err := s.loadTurns(ctx, conversationID)
	if err != nil {
		return ports.Conversation{}, err
	}
	conv.Turns = turns

	return conv, nil
}

func (s *SQLConversationStore) loadTurns(ctx context.Context, conversationID string) ([]ports.Turn, error) {
	query := s.dialect.Rebind(`
		SELECT id, conversation_id, seq, role, text, language, channel, invocations, translation, created_at
		FROM conversation_turns
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`)

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []ports.Turn
	for rows.Next() {
		var (
			t                               ports.Turn
			role, lang, channel, invs, tran string
			created                         int64
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Seq, &role, &t.Text, &lang, &channel, &invs, &tran, &created); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Role = ports.Role(role)
		t.Language = ports.Language(lang)
		t.Channel = ports.Channel(channel)
		t.CreatedAt = time.Unix(0, created).UTC()
		if invs != "" && invs != "[]" {
			if err := json.Unmarshal([]byte(invs), &t.Invocations); err != nil {
				return nil, fmt.Errorf("failed to unmarshal invocations of turn %s: %w", t.ID, err)
			}
		}
		if tran != "" {
			t.Translation = &ports.TurnTranslation{}
			if err := json.Unmarshal([]byte(tran), t.Translation); err != nil {
				return nil, fmt.Errorf("failed to unmarshal translation of turn %s: %w", t.ID, err)
			}
		}
		turns = append(turns, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}

	return turns, nil
}

// AppendTurn stores the turn as the next entry of its conversation.
func (s *SQLConversationStore) AppendTurn(ctx context.Context, turn ports.Turn) (ports.Turn, error) {
	invs := []byte("[]")
	if len(turn.Invocations) > 0 {
		b, err := json.Marshal(turn.Invocations)
		if err != nil {
			return ports.Turn{}, fmt.Errorf("failed to marshal invocations: %w", err)
		}
		invs = b
	}
	var tran []byte
	if turn.Translation != nil {
		b, err := json.Marshal(turn.Translation)
		if err != nil {
			return ports.Turn{}, fmt.Errorf("failed to marshal translation: %w", err)
		}
		tran = b
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ports.Turn{}, fmt.Errorf("failed to begin turn transaction: %w", err)
	}
	defer tx.Rollback()

	var lastSeq, lastCreated int64
	err = tx.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT COALESCE(MAX(seq), 0), COALESCE(MAX(created_at), 0)
		FROM conversation_turns WHERE conversation_id = ?
	`), turn.ConversationID).Scan(&lastSeq, &lastCreated)
	if err != nil {
		return ports.Turn{}, fmt.Errorf("failed to read turn position: %w", err)
	}

	// Creation time is strictly increasing within a conversation even when the
	// clock stalls or steps backwards.
	created := s.now().UnixNano()
	if created <= lastCreated {
		created = lastCreated + 1
	}
	turn.Seq = lastSeq + 1
	turn.CreatedAt = time.Unix(0, created).UTC()

	res, err := tx.ExecContext(ctx, s.dialect.Rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?`),
		created, turn.ConversationID)
	if err != nil {
		return ports.Turn{}, fmt.Errorf("failed to touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ports.Turn{}, fmt.Errorf("conversation %s: %w", turn.ConversationID, ports.ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO conversation_turns (id, conversation_id, seq, role, text, language, channel, invocations, translation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), turn.ID, turn.ConversationID, turn.Seq, string(turn.Role), turn.Text, string(turn.Language),
		string(turn.Channel), string(invs), string(tran), created)
	if err != nil {
		return ports.Turn{}, fmt.Errorf("failed to save turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ports.Turn{}, fmt.Errorf("failed to commit turn: %w", err)
	}
	return turn, nil
}

// UpdateLanguagePreference sets the language preference of a conversation.
func (s *SQLConversationStore) UpdateLanguagePreference(ctx context.Context, conversationID string, lang ports.Language) error {
	res, err := s.db.ExecContext(ctx,
		s.dialect.Rebind(`UPDATE conversations SET language_preference = ?, updated_at = ? WHERE id = ?`),
		string(lang), s.now().UnixNano(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to update language preference: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, ports.ErrNotFound)
	}
	return nil
}

// Ensure SQLConversationStore implements the ConversationStore interface.
var _ ports.ConversationStore = (*SQLConversationStore)(nil)
