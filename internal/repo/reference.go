package repo

import (
	"context"
	"database/sql"
	"strings"

	"observatorio/internal/domain"
)

// EnsureSquad returns the id of the named squad, creating it when missing.
func (r Repo) EnsureSquad(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	return ensureNamed(ctx, tx, "squads", name)
}

// EnsureCustomer returns the id of the named customer, creating it when missing.
func (r Repo) EnsureCustomer(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	return ensureNamed(ctx, tx, "customers", name)
}

func ensureNamed(ctx context.Context, tx *sql.Tx, table, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO `+table+`(name) VALUES (?)`, name); err != nil {
		return 0, err
	}
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM `+table+` WHERE name=?`, name).Scan(&id)
	return id, err
}

func (r Repo) ListSquads(ctx context.Context) ([]domain.Squad, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name FROM squads ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Squad
	for rows.Next() {
		var s domain.Squad
		if err := rows.Scan(&s.ID, &s.Name); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name FROM customers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Customer
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SquadsExist reports whether every id refers to a stored squad.
func (r Repo) SquadsExist(ctx context.Context, tx *sql.Tx, ids []int64) (bool, error) {
	for _, id := range ids {
		var n int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM squads WHERE id=?`, id).Scan(&n)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

func (r Repo) CustomerExists(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM customers WHERE id=?`, id).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
