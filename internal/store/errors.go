package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrConflict            = errors.New("conflict")
	ErrInviteUnavailable   = errors.New("invite unavailable")
	ErrAlreadyMember       = errors.New("already a member")
	ErrRecoveryPending     = errors.New("recovery request already pending")
	ErrRecoveryUnavailable = errors.New("recovery request unavailable")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
