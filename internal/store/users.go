package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const userColumns = `
	id, username, password_hash, nickname, email, admission_year, graduation_year,
	major, student_id, bio, avatar, ui_scale, theme, language, timezone,
	last_login, created_at, updated_at
`

func scanUser(row rowScanner) (User, error) {
	var user User
	var admission, graduation sql.NullInt64
	var lastLogin sql.NullTime
	err := row.Scan(
		&user.ID, &user.Username, &user.PasswordHash, &user.Nickname, &user.Email, &admission, &graduation,
		&user.Major, &user.StudentID, &user.Bio, &user.Avatar, &user.UIScale, &user.Theme, &user.Language, &user.Timezone,
		&lastLogin, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	if admission.Valid {
		v := int(admission.Int64)
		user.AdmissionYear = &v
	}
	if graduation.Valid {
		v := int(graduation.Int64)
		user.GraduationYear = &v
	}
	if lastLogin.Valid {
		v := lastLogin.Time
		user.LastLogin = &v
	}
	return user, nil
}

// CreateUser inserts a new account. A taken username returns ErrConflict.
func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, username, password_hash)
		VALUES ($1, $2, $3)
		RETURNING `+userColumns, user.ID, user.Username, user.PasswordHash)
	created, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, fmt.Errorf("insert user: %w", ErrConflict)
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username))
}

func (s *PostgresStore) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_login=$2 WHERE id=$1`, userID, at); err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}
	return nil
}

// UpdateUserProfile writes the non-nil fields of update. The column list is
// fixed; only values are parameterized.
func (s *PostgresStore) UpdateUserProfile(ctx context.Context, userID string, update ProfileUpdate) error {
	sets := make([]string, 0, 12)
	args := []any{userID}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if update.Nickname != nil {
		add("nickname", *update.Nickname)
	}
	if update.Email != nil {
		add("email", *update.Email)
	}
	if update.AdmissionYear != nil {
		add("admission_year", *update.AdmissionYear)
	}
	if update.GraduationYear != nil {
		add("graduation_year", *update.GraduationYear)
	}
	if update.Major != nil {
		add("major", *update.Major)
	}
	if update.StudentID != nil {
		add("student_id", *update.StudentID)
	}
	if update.Bio != nil {
		add("bio", *update.Bio)
	}
	if update.Theme != nil {
		add("theme", *update.Theme)
	}
	if update.UIScale != nil {
		add("ui_scale", *update.UIScale)
	}
	if update.Language != nil {
		add("language", *update.Language)
	}
	if update.Timezone != nil {
		add("timezone", *update.Timezone)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at=NOW()")

	result, err := s.db.ExecContext(ctx, `UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id=$1`, args...)
	if err != nil {
		return fmt.Errorf("update user profile: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user profile rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
