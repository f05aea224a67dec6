package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// LoginCode is a pending one-time code. CodeHash is a bcrypt digest.
type LoginCode struct {
	Email     string
	CodeHash  string
	ExpiresAt string
	CreatedAt string
}

// UpsertLoginCode stores the code for an email, replacing any earlier one.
func (r Repo) UpsertLoginCode(ctx context.Context, tx *sql.Tx, c LoginCode) error {
	if c.Email == "" {
		return errors.New("email required")
	}
	if c.CodeHash == "" {
		return errors.New("code_hash required")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO login_codes(email,code_hash,expires_at,created_at) VALUES (?,?,?,?)
ON CONFLICT(email) DO UPDATE SET code_hash=excluded.code_hash, expires_at=excluded.expires_at, created_at=excluded.created_at`,
		strings.ToLower(c.Email), c.CodeHash, c.ExpiresAt, c.CreatedAt)
	return err
}

func (r Repo) GetLoginCode(ctx context.Context, email string) (LoginCode, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT email,code_hash,expires_at,created_at FROM login_codes WHERE email=?`, strings.ToLower(strings.TrimSpace(email)))
	var c LoginCode
	err := row.Scan(&c.Email, &c.CodeHash, &c.ExpiresAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return LoginCode{}, ErrNotFound
	}
	return c, err
}

func (r Repo) DeleteLoginCode(ctx context.Context, tx *sql.Tx, email string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM login_codes WHERE email=?`, strings.ToLower(strings.TrimSpace(email)))
	return err
}
