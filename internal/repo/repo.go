package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"observatorio/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Goal is a stored delivery with its bookkeeping timestamps.
type Goal struct {
	domain.Delivery
	CreatedAt string
	UpdatedAt string
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const goalColumns = `g.id,g.title,g.description,g.highlights,g.type_id,g.status_id,g.delivery_at,g.applicant,
COALESCE(g.customer_id,0),COALESCE(c.name,''),g.highlighted,g.description_generated_ia,g.user_id,g.created_at,g.updated_at`

const goalFrom = ` FROM goals g LEFT JOIN customers c ON c.id=g.customer_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGoal(row rowScanner) (Goal, error) {
	var (
		g        Goal
		typeID   int
		statusID int
		date     string
	)
	err := row.Scan(&g.ID, &g.Title, &g.Description, &g.Highlights, &typeID, &statusID, &date, &g.Applicant,
		&g.CustomerID, &g.Customer, &g.Highlighted, &g.DescriptionGeneratedByAI, &g.UserID, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.Type = domain.Type(typeID)
	g.Status = domain.Status(statusID)
	d, err := domain.ParseDate(date)
	if err != nil {
		return g, fmt.Errorf("goal %d: %w", g.ID, err)
	}
	g.DeliveryDate = d
	return g, nil
}

func (r Repo) InsertGoal(ctx context.Context, tx *sql.Tx, g Goal) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO goals(title,description,highlights,type_id,status_id,delivery_at,applicant,customer_id,highlighted,description_generated_ia,user_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		g.Title, g.Description, g.Highlights, int(g.Type), int(g.Status), g.DeliveryDate.String(), g.Applicant,
		nullableID(g.CustomerID), g.Highlighted, g.DescriptionGeneratedByAI, g.UserID, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := r.setGoalSquads(ctx, tx, id, g.SquadIDs); err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateGoal rewrites every mutable column of the goal, status included.
func (r Repo) UpdateGoal(ctx context.Context, tx *sql.Tx, g Goal) error {
	res, err := tx.ExecContext(ctx, `UPDATE goals SET title=?,description=?,highlights=?,type_id=?,status_id=?,delivery_at=?,applicant=?,customer_id=?,highlighted=?,updated_at=? WHERE id=?`,
		g.Title, g.Description, g.Highlights, int(g.Type), int(g.Status), g.DeliveryDate.String(), g.Applicant,
		nullableID(g.CustomerID), g.Highlighted, g.UpdatedAt, g.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return r.setGoalSquads(ctx, tx, g.ID, g.SquadIDs)
}

func (r Repo) SetGoalStatus(ctx context.Context, tx *sql.Tx, id int64, status domain.Status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE goals SET status_id=?,updated_at=? WHERE id=?`, int(status), updatedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteGoal(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM goals WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetGoal(ctx context.Context, id int64) (Goal, error) {
	return r.getGoal(ctx, r.DB, id)
}

func (r Repo) GetGoalTx(ctx context.Context, tx *sql.Tx, id int64) (Goal, error) {
	return r.getGoal(ctx, tx, id)
}

func (r Repo) getGoal(ctx context.Context, q queryer, id int64) (Goal, error) {
	g, err := scanGoal(q.QueryRowContext(ctx, `SELECT `+goalColumns+goalFrom+` WHERE g.id=?`, id))
	if err != nil {
		return g, err
	}
	squads, err := r.goalSquads(ctx, q, []int64{g.ID})
	if err != nil {
		return g, err
	}
	applySquads(&g, squads[g.ID])
	return g, nil
}

// GoalFilters narrows ListGoals. Zero values match everything.
type GoalFilters struct {
	Status domain.Status
	Type   domain.Type
}

func (r Repo) ListGoals(ctx context.Context, f GoalFilters) ([]Goal, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != 0 {
		where = append(where, "g.status_id=?")
		args = append(args, int(f.Status))
	}
	if f.Type != 0 {
		where = append(where, "g.type_id=?")
		args = append(args, int(f.Type))
	}
	query := `SELECT ` + goalColumns + goalFrom
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY g.delivery_at DESC, g.id DESC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var (
		res []Goal
		ids []int64
	)
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
		ids = append(ids, g.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	squads, err := r.goalSquads(ctx, r.DB, ids)
	if err != nil {
		return nil, err
	}
	for i := range res {
		applySquads(&res[i], squads[res[i].ID])
	}
	return res, nil
}

// CountGoalsByStatus returns the number of goals per status.
func (r Repo) CountGoalsByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status_id, COUNT(*) FROM goals GROUP BY status_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.Status]int{}
	for rows.Next() {
		var (
			status int
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

func (r Repo) setGoalSquads(ctx context.Context, tx *sql.Tx, goalID int64, squadIDs []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM goal_squads WHERE goal_id=?`, goalID); err != nil {
		return err
	}
	for _, sid := range squadIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO goal_squads(goal_id,squad_id) VALUES (?,?)`, goalID, sid); err != nil {
			return fmt.Errorf("link squad %d: %w", sid, err)
		}
	}
	return nil
}

func (r Repo) goalSquads(ctx context.Context, q queryer, goalIDs []int64) (map[int64][]domain.Squad, error) {
	out := map[int64][]domain.Squad{}
	if len(goalIDs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(goalIDs)), ",")
	args := make([]any, len(goalIDs))
	for i, id := range goalIDs {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, `SELECT gs.goal_id, s.id, s.name FROM goal_squads gs JOIN squads s ON s.id=gs.squad_id
WHERE gs.goal_id IN (`+placeholders+`) ORDER BY s.name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			goalID int64
			s      domain.Squad
		)
		if err := rows.Scan(&goalID, &s.ID, &s.Name); err != nil {
			return nil, err
		}
		out[goalID] = append(out[goalID], s)
	}
	return out, rows.Err()
}

func applySquads(g *Goal, squads []domain.Squad) {
	g.Squads = nil
	g.SquadIDs = nil
	for _, s := range squads {
		g.Squads = append(g.Squads, s.Name)
		g.SquadIDs = append(g.SquadIDs, s.ID)
	}
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
