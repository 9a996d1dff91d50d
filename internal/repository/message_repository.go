package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apartner/apartner-talk/internal/domain"
)

// MessageRepository manages conversation thread messages.
type MessageRepository interface {
	// Append assigns the next sequence number, stores msg and refreshes the
	// conversation preview. SentAt is raised to the previous message's time
	// when it would sort before it. A repeated client reference returns the
	// stored message with created=false.
	Append(ctx context.Context, msg *domain.Message) (created bool, err error)
	ListByConversation(ctx context.Context, conversationID int64) ([]domain.Message, error)
}

type messageRepository struct {
	pool *pgxpool.Pool
}

// NewMessageRepository builds repository.
func NewMessageRepository(pool *pgxpool.Pool) MessageRepository {
	return &messageRepository{pool: pool}
}

const messageColumns = `id, conversation_id, seq, sender_role, sender_id, body, COALESCE(client_ref, ''), sent_at`

func (r *messageRepository) Append(ctx context.Context, msg *domain.Message) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status domain.ConversationStatus
	if err := tx.QueryRow(ctx,
		`SELECT status FROM conversations WHERE id=$1 FOR UPDATE`, msg.ConversationID,
	).Scan(&status); err != nil {
		return false, mapNoRows(err)
	}

	if msg.ClientRef != "" {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM chat_messages WHERE conversation_id=$1 AND client_ref=$2`,
			msg.ConversationID, msg.ClientRef))
		switch {
		case err == nil:
			*msg = *existing
			return false, nil
		case !errors.Is(err, pgx.ErrNoRows):
			return false, err
		}
	}

	if status != domain.ConversationStatusActive {
		return false, ErrConversationClosed
	}

	// sent_at never falls behind the previous message so that time order and
	// seq order agree for concurrent senders.
	const bump = `
        UPDATE conversations SET
            last_seq        = last_seq + 1,
            last_message    = $1,
            last_message_at = GREATEST($2::timestamptz, last_message_at),
            staff_seq       = CASE WHEN $3::text = 'RESIDENT' THEN staff_seq ELSE last_seq + 1 END,
            read_seq        = CASE WHEN $3::text = 'RESIDENT' THEN last_seq + 1 ELSE read_seq END
        WHERE id=$4
        RETURNING last_seq, last_message_at`
	if err := tx.QueryRow(ctx, bump,
		domain.Preview(msg.Body, domain.PreviewLength),
		msg.SentAt,
		string(msg.SenderRole),
		msg.ConversationID,
	).Scan(&msg.Seq, &msg.SentAt); err != nil {
		return false, err
	}

	const insert = `
        INSERT INTO chat_messages (conversation_id, seq, sender_role, sender_id, body, client_ref, sent_at)
        VALUES ($1,$2,$3,$4,$5,NULLIF($6, ''),$7)
        RETURNING id`
	if err := tx.QueryRow(ctx, insert,
		msg.ConversationID,
		msg.Seq,
		msg.SenderRole,
		msg.SenderID,
		msg.Body,
		msg.ClientRef,
		msg.SentAt,
	).Scan(&msg.ID); err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}

func (r *messageRepository) ListByConversation(ctx context.Context, conversationID int64) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + `
        FROM chat_messages WHERE conversation_id=$1 ORDER BY sent_at ASC, seq ASC`
	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []domain.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *msg)
	}
	return result, rows.Err()
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var msg domain.Message
	if err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Seq,
		&msg.SenderRole,
		&msg.SenderID,
		&msg.Body,
		&msg.ClientRef,
		&msg.SentAt,
	); err != nil {
		return nil, err
	}
	return &msg, nil
}
