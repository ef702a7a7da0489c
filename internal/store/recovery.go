package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const pendingPairIndex = "idx_recovery_pending_pair"

// CreateRecoveryRequest stores a new pending request. Pending requests for
// the same pair that have already expired are abandoned first; a live one
// yields ErrRecoveryPending.
func (s *PostgresStore) CreateRecoveryRequest(ctx context.Context, req RecoveryRequest, now time.Time) error {
	return s.withTx(ctx, "create recovery request", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE recovery_requests
			SET status='abandoned'
			WHERE user_id=$1 AND partner_id=$2 AND status='pending' AND expires_at <= $3
		`, req.UserID, req.PartnerID, now); err != nil {
			return fmt.Errorf("abandon stale recovery requests: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO recovery_requests (id, user_id, partner_id, initiated_by, token, status, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
		`, req.ID, req.UserID, req.PartnerID, req.InitiatedBy, req.Token, req.ExpiresAt, now)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				if pgErr.ConstraintName == pendingPairIndex {
					return ErrRecoveryPending
				}
				return fmt.Errorf("insert recovery request: %w", ErrConflict)
			}
			return fmt.Errorf("insert recovery request: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetRecoveryByToken(ctx context.Context, token string) (RecoveryRequest, error) {
	var req RecoveryRequest
	var approvedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, partner_id, initiated_by, token, status, expires_at, approved_at, completed_at, created_at
		FROM recovery_requests
		WHERE token=$1
	`, token).Scan(&req.ID, &req.UserID, &req.PartnerID, &req.InitiatedBy, &req.Token, &req.Status, &req.ExpiresAt,
		&approvedAt, &completedAt, &req.CreatedAt)
	if err != nil {
		return RecoveryRequest{}, err
	}
	if approvedAt.Valid {
		v := approvedAt.Time
		req.ApprovedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		req.CompletedAt = &v
	}
	return req, nil
}

// ApproveRecoveryRequest moves a live pending request addressed to partnerID
// to approved. It reports false when the row was not in that state.
func (s *PostgresStore) ApproveRecoveryRequest(ctx context.Context, token, partnerID string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE recovery_requests
		SET status='approved', approved_at=$3
		WHERE token=$1 AND partner_id=$2 AND status='pending' AND expires_at > $3
	`, token, partnerID, now)
	if err != nil {
		return false, fmt.Errorf("approve recovery request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approve recovery request rows affected: %w", err)
	}
	return affected > 0, nil
}

// CompleteRecoveryRequest consumes an approved, unexpired request and sets
// the owner's password hash in the same transaction. It returns the user id,
// or ErrRecoveryUnavailable when the request was not redeemable.
func (s *PostgresStore) CompleteRecoveryRequest(ctx context.Context, token, passwordHash string, now time.Time) (string, error) {
	var userID string
	err := s.withTx(ctx, "complete recovery request", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE recovery_requests
			SET status='completed', completed_at=$2
			WHERE token=$1 AND status='approved' AND expires_at > $2
			RETURNING user_id
		`, token, now).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRecoveryUnavailable
		}
		if err != nil {
			return fmt.Errorf("complete recovery request: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET password_hash=$2, updated_at=$3 WHERE id=$1
		`, userID, passwordHash, now); err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}
