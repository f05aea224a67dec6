package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"observatorio/internal/domain"
)

// User is an identity known to the backend. PasswordHash is a bcrypt digest.
type User struct {
	domain.User
	PasswordHash string
	Active       bool
	CreatedAt    string
}

const userColumns = `id,login,name,email,password_hash,role,active,created_at`

func scanUser(row rowScanner) (User, error) {
	var (
		u    User
		role string
	)
	err := row.Scan(&u.ID, &u.Login, &u.Name, &u.Email, &u.PasswordHash, &role, &u.Active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Role = domain.Role(role)
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u User) error {
	if u.ID == "" {
		return errors.New("id required")
	}
	if u.Login == "" || u.Email == "" {
		return errors.New("login and email required")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		u.ID, u.Login, u.Name, strings.ToLower(u.Email), u.PasswordHash, string(u.Role), u.Active, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByLogin(ctx context.Context, login string) (User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE login=?`, strings.TrimSpace(login)))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, strings.ToLower(strings.TrimSpace(email))))
}

func (r Repo) SetUserRole(ctx context.Context, tx *sql.Tx, id string, role domain.Role) error {
	res, err := tx.ExecContext(ctx, `UPDATE users SET role=? WHERE id=?`, string(role), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY login`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
