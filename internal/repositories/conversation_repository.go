package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	pkgerrors "github.com/pkg/errors"

	"chat-sync/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrTooFewParticipants   = errors.New("a conversation needs at least two participants")
)

// ConversationRepository abstracts conversation and participant persistence.
type ConversationRepository interface {
	CreateOrFind(ctx context.Context, viewerID string, participants []models.UserRef, eventID, title string, now time.Time) (models.Conversation, error)
	Get(ctx context.Context, conversationID, viewerID string) (models.Conversation, error)
	ListForUser(ctx context.Context, userID, eventID string) ([]models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

type conversationRow struct {
	ID               string `db:"id"`
	ParticipantKey   string `db:"participant_key"`
	EventID          string `db:"event_id"`
	Title            string `db:"title"`
	Status           string `db:"status"`
	AllowFileSharing bool   `db:"allow_file_sharing"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
}

type participantRow struct {
	UserID     string `db:"user_id"`
	UserName   string `db:"user_name"`
	LastReadAt int64  `db:"last_read_at"`
}

const conversationColumns = `c.id, c.participant_key, c.event_id, c.title, c.status, c.allow_file_sharing, c.created_at, c.updated_at`

// CreateOrFind returns the conversation for the participant set and event,
// creating it when absent. Participant order and duplicates do not matter.
func (r *ConversationRepo) CreateOrFind(ctx context.Context, viewerID string, participants []models.UserRef, eventID, title string, now time.Time) (models.Conversation, error) {
	users := uniqueUsers(participants)
	if len(users) < 2 {
		return models.Conversation{}, ErrTooFewParticipants
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	key := strings.Join(models.NormalizeParticipants(ids), ",")
	eventID = strings.TrimSpace(eventID)

	id, err := r.findByKey(ctx, key, eventID)
	if err == nil {
		return r.Get(ctx, id, viewerID)
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return models.Conversation{}, err
	}

	id = uuid.NewString()
	if err := r.insert(ctx, id, key, eventID, strings.TrimSpace(title), users, now); err != nil {
		// lost a race against a concurrent create of the same set
		existing, ferr := r.findByKey(ctx, key, eventID)
		if ferr != nil {
			return models.Conversation{}, pkgerrors.Wrap(err, "insert conversation")
		}
		id = existing
	}
	return r.Get(ctx, id, viewerID)
}

func (r *ConversationRepo) findByKey(ctx context.Context, key, eventID string) (string, error) {
	var id string
	err := r.db.GetContext(ctx, &id, r.db.Rebind(`SELECT id FROM conversations WHERE participant_key=? AND event_id=?`), key, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrConversationNotFound
	}
	return id, err
}

func (r *ConversationRepo) insert(ctx context.Context, id, key, eventID, title string, users []models.UserRef, now time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ms := toMillis(now)
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO conversations (id, participant_key, event_id, title, status, allow_file_sharing, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`), id, key, eventID, title, string(models.StatusActive), true, ms, ms); err != nil {
		return err
	}
	for _, u := range users {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO participants (conversation_id, user_id, user_name, last_read_at) VALUES (?, ?, ?, ?)`),
			id, u.ID, u.Name, ms); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Get loads one conversation as seen by viewerID.
func (r *ConversationRepo) Get(ctx context.Context, conversationID, viewerID string) (models.Conversation, error) {
	var row conversationRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+conversationColumns+` FROM conversations c WHERE c.id=?`), conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return r.hydrate(ctx, row, viewerID)
}

// ListForUser returns the conversations userID participates in, optionally
// scoped to eventID, most recently updated first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID, eventID string) ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations c
        JOIN participants p ON p.conversation_id = c.id
        WHERE p.user_id=?`
	args := []any{userID}
	if eventID != "" {
		query += ` AND c.event_id=?`
		args = append(args, eventID)
	}
	query += ` ORDER BY c.updated_at DESC, c.id`

	var rows []conversationRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]models.Conversation, 0, len(rows))
	for _, row := range rows {
		conv, err := r.hydrate(ctx, row, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

func (r *ConversationRepo) hydrate(ctx context.Context, row conversationRow, viewerID string) (models.Conversation, error) {
	conv := models.Conversation{
		ID:      row.ID,
		EventID: row.EventID,
		Title:   row.Title,
		Status:  models.ConversationStatus(row.Status),
		Settings: models.ConversationSettings{
			AllowFileSharing:     row.AllowFileSharing,
			NotificationsEnabled: true,
		},
		CreatedAt: fromMillis(row.CreatedAt),
		UpdatedAt: fromMillis(row.UpdatedAt),
	}

	var parts []participantRow
	if err := r.db.SelectContext(ctx, &parts, r.db.Rebind(`SELECT user_id, user_name, last_read_at FROM participants WHERE conversation_id=? ORDER BY user_id`), row.ID); err != nil {
		return models.Conversation{}, pkgerrors.Wrap(err, "load participants")
	}
	for _, p := range parts {
		readAt := fromMillis(p.LastReadAt)
		conv.Participants = append(conv.Participants, models.Participant{
			User:       models.UserRef{ID: p.UserID, Name: p.UserName},
			LastReadAt: &readAt,
			Active:     true,
		})
	}

	var last []messageRow
	if err := r.db.SelectContext(ctx, &last, r.db.Rebind(`SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=? ORDER BY created_at DESC, id DESC LIMIT 1`), row.ID); err != nil {
		return models.Conversation{}, pkgerrors.Wrap(err, "load last message")
	}
	if len(last) == 1 {
		msg := last[0].model()
		conv.LastMessage = &models.LastMessage{
			Content:   msg.Content.Summary(),
			Sender:    msg.Sender,
			Timestamp: msg.CreatedAt,
		}
	}

	if viewerID != "" {
		n, err := r.UnreadCount(ctx, row.ID, viewerID)
		if err != nil {
			return models.Conversation{}, err
		}
		conv.UnreadCount = n
	}
	return conv, nil
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(*) FROM participants WHERE conversation_id=? AND user_id=?`), conversationID, userID)
	return n > 0, err
}

// ParticipantIDs lists the members of a conversation.
func (r *ConversationRepo) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, r.db.Rebind(`SELECT user_id FROM participants WHERE conversation_id=? ORDER BY user_id`), conversationID)
	return ids, err
}

// MarkRead moves the user's read marker forward to at. It never moves back.
func (r *ConversationRepo) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE participants SET last_read_at=?
        WHERE conversation_id=? AND user_id=? AND last_read_at < ?`), toMillis(at), conversationID, userID, toMillis(at))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		ok, err := r.IsParticipant(ctx, conversationID, userID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConversationNotFound
		}
	}
	return nil
}

// UnreadCount counts live messages from other users newer than the user's
// read marker.
func (r *ConversationRepo) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(*) FROM messages m
        JOIN participants p ON p.conversation_id = m.conversation_id AND p.user_id = ?
        WHERE m.conversation_id = ? AND m.sender_id <> ? AND m.deleted = ? AND m.created_at > p.last_read_at`),
		userID, conversationID, userID, false)
	return n, err
}

func uniqueUsers(users []models.UserRef) []models.UserRef {
	seen := make(map[string]int, len(users))
	out := make([]models.UserRef, 0, len(users))
	for _, u := range users {
		u.ID = strings.TrimSpace(u.ID)
		if u.ID == "" {
			continue
		}
		if i, ok := seen[u.ID]; ok {
			if out[i].Name == "" {
				out[i].Name = u.Name
			}
			continue
		}
		seen[u.ID] = len(out)
		out = append(out, u)
	}
	return out
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
