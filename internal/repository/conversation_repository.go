package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apartner/apartner-talk/internal/domain"
)

// ConversationFilter captures staff search parameters.
type ConversationFilter struct {
	UserID   *string
	Statuses []domain.ConversationStatus
	Limit    int
	Offset   int
}

// ConversationRepository encapsulates conversation persistence.
type ConversationRepository interface {
	Create(ctx context.Context, conv *domain.Conversation) error
	GetByID(ctx context.Context, id int64) (*domain.Conversation, error)
	GetActiveByUser(ctx context.Context, userID string) (*domain.Conversation, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Conversation, error)
	ListWithFilter(ctx context.Context, filter ConversationFilter) ([]domain.Conversation, error)
	CountByUserCategory(ctx context.Context, userID, categoryCode string) (int, error)
	Close(ctx context.Context, id int64, closedAt time.Time) (*domain.Conversation, error)
	// MarkRead moves the resident's read marker to the newest message.
	MarkRead(ctx context.Context, id int64) (*domain.Conversation, error)
}

type conversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository instantiates repository.
func NewConversationRepository(pool *pgxpool.Pool) ConversationRepository {
	return &conversationRepository{pool: pool}
}

const conversationColumns = `id, user_id, category_code, title, status, last_message, last_message_at, staff_seq, read_seq, created_at, closed_at`

func (r *conversationRepository) Create(ctx context.Context, conv *domain.Conversation) error {
	const query = `
        INSERT INTO conversations (user_id, category_code, title, status)
        VALUES ($1,$2,$3,$4)
        RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, query,
		conv.UserID,
		conv.CategoryCode,
		conv.Title,
		conv.Status,
	).Scan(&conv.ID, &conv.CreatedAt)
	if isUniqueViolation(err, activeConversationIdx) {
		return ErrActiveConversationExists
	}
	return err
}

func (r *conversationRepository) GetByID(ctx context.Context, id int64) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id=$1`
	return r.fetchSingle(ctx, query, id)
}

func (r *conversationRepository) GetActiveByUser(ctx context.Context, userID string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE user_id=$1 AND status='ACTIVE'`
	return r.fetchSingle(ctx, query, userID)
}

func (r *conversationRepository) ListByUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	return r.ListWithFilter(ctx, ConversationFilter{UserID: &userID, Limit: -1})
}

// ListWithFilter returns newest conversations first. A negative limit
// disables paging.
func (r *conversationRepository) ListWithFilter(ctx context.Context, filter ConversationFilter) ([]domain.Conversation, error) {
	clauses := []string{"1=1"}
	args := []any{}

	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		clauses = append(clauses, fmt.Sprintf("user_id=$%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}

	query := fmt.Sprintf(`SELECT %s FROM conversations WHERE %s ORDER BY created_at DESC, id DESC`,
		conversationColumns, strings.Join(clauses, " AND "))
	if filter.Limit >= 0 {
		limit, offset := pageBounds(filter.Limit, filter.Offset)
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConversations(rows)
}

func (r *conversationRepository) CountByUserCategory(ctx context.Context, userID, categoryCode string) (int, error) {
	const query = `SELECT COUNT(*) FROM conversations WHERE user_id=$1 AND category_code=$2`
	var n int
	err := r.pool.QueryRow(ctx, query, userID, categoryCode).Scan(&n)
	return n, err
}

func (r *conversationRepository) Close(ctx context.Context, id int64, closedAt time.Time) (*domain.Conversation, error) {
	query := `
        UPDATE conversations SET status='CLOSED', closed_at=$1
        WHERE id=$2 AND status='ACTIVE'
        RETURNING ` + conversationColumns
	return r.fetchSingle(ctx, query, closedAt, id)
}

func (r *conversationRepository) MarkRead(ctx context.Context, id int64) (*domain.Conversation, error) {
	query := `
        UPDATE conversations SET read_seq = GREATEST(read_seq, last_seq)
        WHERE id=$1
        RETURNING ` + conversationColumns
	return r.fetchSingle(ctx, query, id)
}

func (r *conversationRepository) fetchSingle(ctx context.Context, query string, args ...any) (*domain.Conversation, error) {
	conv, err := scanConversation(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, mapNoRows(err)
	}
	return conv, nil
}

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := row.Scan(
		&conv.ID,
		&conv.UserID,
		&conv.CategoryCode,
		&conv.Title,
		&conv.Status,
		&conv.LastMessage,
		&conv.LastMessageAt,
		&conv.StaffSeq,
		&conv.ReadSeq,
		&conv.CreatedAt,
		&conv.ClosedAt,
	); err != nil {
		return nil, err
	}
	return &conv, nil
}

func scanConversations(rows pgx.Rows) ([]domain.Conversation, error) {
	result := []domain.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *conv)
	}
	return result, rows.Err()
}

func pageBounds(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
