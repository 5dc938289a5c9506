package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	pkgerrors "github.com/pkg/errors"

	"chat-sync/internal/models"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidCursor   = errors.New("invalid page cursor")
)

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	Create(ctx context.Context, msg models.Message) error
	Page(ctx context.Context, conversationID, before string, limit int) (models.MessagePage, error)
	Get(ctx context.Context, messageID string) (models.Message, error)
	Edit(ctx context.Context, messageID, content string, at time.Time) error
	SoftDelete(ctx context.Context, messageID string) error
	ToggleReaction(ctx context.Context, messageID string, reaction models.Reaction) ([]models.Reaction, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

type messageRow struct {
	ID             string        `db:"id"`
	ConversationID string        `db:"conversation_id"`
	SenderID       string        `db:"sender_id"`
	SenderName     string        `db:"sender_name"`
	ContentType    string        `db:"content_type"`
	ContentText    string        `db:"content_text"`
	ContentURL     string        `db:"content_url"`
	ReplyTo        string        `db:"reply_to"`
	CreatedAt      int64         `db:"created_at"`
	EditedAt       sql.NullInt64 `db:"edited_at"`
	Deleted        bool          `db:"deleted"`
}

const messageColumns = `id, conversation_id, sender_id, sender_name, content_type, content_text, content_url, reply_to, created_at, edited_at, deleted`

func (row messageRow) model() models.Message {
	msg := models.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		Content: models.Content{
			Type: models.ContentType(row.ContentType),
			Text: row.ContentText,
			URL:  row.ContentURL,
		},
		Sender:    models.UserRef{ID: row.SenderID, Name: row.SenderName},
		CreatedAt: fromMillis(row.CreatedAt),
		ReplyTo:   row.ReplyTo,
	}
	if row.EditedAt.Valid {
		t := fromMillis(row.EditedAt.Int64)
		msg.EditedAt = &t
	}
	if row.Deleted {
		msg.Tombstone()
	}
	return msg
}

type reactionRow struct {
	MessageID string `db:"message_id"`
	UserID    string `db:"user_id"`
	UserName  string `db:"user_name"`
	Emoji     string `db:"emoji"`
	CreatedAt int64  `db:"created_at"`
}

// Create stores a message and bumps its conversation's activity time.
func (r *MessageRepo) Create(ctx context.Context, msg models.Message) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ms := toMillis(msg.CreatedAt)
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO messages (id, conversation_id, sender_id, sender_name, content_type, content_text, content_url, reply_to, created_at, deleted)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ConversationID, msg.Sender.ID, msg.Sender.Name, string(msg.Content.Type), msg.Content.Text, msg.Content.URL, msg.ReplyTo, ms, false); err != nil {
		return pkgerrors.Wrap(err, "insert message")
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE conversations SET updated_at=? WHERE id=? AND updated_at < ?`), ms, msg.ConversationID, ms); err != nil {
		return pkgerrors.Wrap(err, "touch conversation")
	}
	return tx.Commit()
}

// Page returns up to limit messages older than the before cursor, oldest
// first. An empty cursor starts from the newest message.
func (r *MessageRepo) Page(ctx context.Context, conversationID, before string, limit int) (models.MessagePage, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id=?`
	args := []any{conversationID}
	if before != "" {
		at, id, err := parseCursor(before)
		if err != nil {
			return models.MessagePage{}, err
		}
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, at, at, id)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return models.MessagePage{}, err
	}

	page := models.MessagePage{Messages: make([]models.Message, 0, len(rows))}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[:limit]
	}
	for i := len(rows) - 1; i >= 0; i-- {
		page.Messages = append(page.Messages, rows[i].model())
	}
	if page.HasMore && len(rows) > 0 {
		oldest := rows[len(rows)-1]
		page.NextToken = formatCursor(oldest.CreatedAt, oldest.ID)
	}

	if err := r.attachReactions(ctx, page.Messages); err != nil {
		return models.MessagePage{}, err
	}
	return page, nil
}

// Get retrieves a single message with its reactions.
func (r *MessageRepo) Get(ctx context.Context, messageID string) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+messageColumns+` FROM messages WHERE id=?`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	msgs := []models.Message{row.model()}
	if err := r.attachReactions(ctx, msgs); err != nil {
		return models.Message{}, err
	}
	return msgs[0], nil
}

// Edit replaces the text of a live message.
func (r *MessageRepo) Edit(ctx context.Context, messageID, content string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE messages SET content_text=?, edited_at=? WHERE id=? AND deleted=?`),
		content, toMillis(at), messageID, false)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// SoftDelete tombstones a message: the row stays, content and reactions go.
func (r *MessageRepo) SoftDelete(ctx context.Context, messageID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE messages SET deleted=?, content_type=?, content_text=?, content_url='' WHERE id=?`),
		true, string(models.ContentText), models.DeletedPlaceholder, messageID)
	if err != nil {
		return err
	}
	if err := expectRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM reactions WHERE message_id=?`), messageID); err != nil {
		return err
	}
	return tx.Commit()
}

// ToggleReaction adds the (user, emoji) reaction or removes it when present
// and returns the message's reactions after the change.
func (r *MessageRepo) ToggleReaction(ctx context.Context, messageID string, reaction models.Reaction) ([]models.Reaction, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM reactions WHERE message_id=? AND user_id=? AND emoji=?`),
		messageID, reaction.User.ID, reaction.Emoji)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO reactions (message_id, user_id, user_name, emoji, created_at) VALUES (?, ?, ?, ?, ?)`),
			messageID, reaction.User.ID, reaction.User.Name, reaction.Emoji, toMillis(reaction.CreatedAt)); err != nil {
			return nil, pkgerrors.Wrap(err, "insert reaction")
		}
	}

	byMessage, err := loadReactions(ctx, tx, []string{messageID})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	out := byMessage[messageID]
	if out == nil {
		out = []models.Reaction{}
	}
	return out, nil
}

func (r *MessageRepo) attachReactions(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	byMessage, err := loadReactions(ctx, r.db, ids)
	if err != nil {
		return err
	}
	for i := range msgs {
		msgs[i].Reactions = byMessage[msgs[i].ID]
	}
	return nil
}

type queryer interface {
	sqlx.QueryerContext
	Rebind(string) string
}

func loadReactions(ctx context.Context, q queryer, messageIDs []string) (map[string][]models.Reaction, error) {
	query, args, err := sqlx.In(`SELECT message_id, user_id, user_name, emoji, created_at FROM reactions
        WHERE message_id IN (?) ORDER BY created_at, user_id, emoji`, messageIDs)
	if err != nil {
		return nil, err
	}
	var rows []reactionRow
	if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(query), args...); err != nil {
		return nil, pkgerrors.Wrap(err, "load reactions")
	}
	out := make(map[string][]models.Reaction)
	for _, row := range rows {
		out[row.MessageID] = append(out[row.MessageID], models.Reaction{
			User:      models.UserRef{ID: row.UserID, Name: row.UserName},
			Emoji:     row.Emoji,
			CreatedAt: fromMillis(row.CreatedAt),
		})
	}
	return out, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Cursors are "<unix ms>:<message id>" of the oldest message already served.
func formatCursor(createdAt int64, id string) string {
	return strconv.FormatInt(createdAt, 10) + ":" + id
}

func parseCursor(s string) (int64, string, error) {
	at, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return 0, "", ErrInvalidCursor
	}
	ms, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return 0, "", ErrInvalidCursor
	}
	return ms, id, nil
}
