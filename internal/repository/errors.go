package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound reports a missing row.
	ErrNotFound = errors.New("record not found")
	// ErrActiveConversationExists reports a second ACTIVE conversation for one user.
	ErrActiveConversationExists = errors.New("user already has an active conversation")
	// ErrConversationClosed reports an append to a conversation that is not ACTIVE.
	ErrConversationClosed = errors.New("conversation is closed")
)

const (
	uniqueViolation       = "23505"
	activeConversationIdx = "conversations_one_active_per_user"
)

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}
