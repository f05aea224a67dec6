package repo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"observatorio/internal/db"
	"observatorio/internal/domain"
	"observatorio/internal/migrate"
	"observatorio/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Name: db.BackendDB})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, migrate.Backend))
	return repo.Repo{DB: conn}
}

func seedReference(t *testing.T, r repo.Repo) (squadA, squadB, customer int64) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	squadA, err = r.EnsureSquad(ctx, tx, "Plataforma")
	require.NoError(t, err)
	squadB, err = r.EnsureSquad(ctx, tx, "Dados")
	require.NoError(t, err)
	again, err := r.EnsureSquad(ctx, tx, "Plataforma")
	require.NoError(t, err)
	require.Equal(t, squadA, again)
	customer, err = r.EnsureCustomer(ctx, tx, "Financeiro")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return squadA, squadB, customer
}

func TestGoalLifecycle(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	squadA, squadB, customer := seedReference(t, r)

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	id, err := r.InsertGoal(ctx, tx, repo.Goal{
		Delivery: domain.Delivery{
			Title:        "Launch X",
			Description:  "<p>desc</p>",
			Type:         domain.TypeSystems,
			Status:       domain.StatusPending,
			DeliveryDate: domain.NewDate(2025, 6, 1),
			SquadIDs:     []int64{squadA, squadB},
			CustomerID:   customer,
			UserID:       "u1",
		},
		CreatedAt: "2025-06-01T10:00:00Z",
		UpdatedAt: "2025-06-01T10:00:00Z",
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	g, err := r.GetGoal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Launch X", g.Title)
	assert.Equal(t, domain.StatusPending, g.Status)
	assert.Equal(t, domain.NewDate(2025, 6, 1), g.DeliveryDate)
	assert.Equal(t, []string{"Dados", "Plataforma"}, g.Squads)
	assert.Equal(t, "Financeiro", g.Customer)

	tx, err = r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.SetGoalStatus(ctx, tx, id, domain.StatusApproved, "2025-06-02T10:00:00Z"))
	g.Title = "Launch X v2"
	g.SquadIDs = []int64{squadA}
	g.Status = domain.StatusApproved
	g.UpdatedAt = "2025-06-02T11:00:00Z"
	require.NoError(t, r.UpdateGoal(ctx, tx, g))
	require.NoError(t, tx.Commit())

	list, err := r.ListGoals(ctx, repo.GoalFilters{Status: domain.StatusApproved})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Launch X v2", list[0].Title)
	assert.Equal(t, []string{"Plataforma"}, list[0].Squads)

	counts, err := r.CountGoalsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusApproved])

	tx, err = r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.DeleteGoal(ctx, tx, id))
	require.ErrorIs(t, r.DeleteGoal(ctx, tx, id), repo.ErrNotFound)
	require.NoError(t, tx.Commit())

	_, err = r.GetGoal(ctx, id)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUsersAndCodes(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.InsertUser(ctx, tx, repo.User{
		User:         domain.User{ID: "u1", Login: "ana", Email: "Ana@Example.com", Role: domain.RoleApprover},
		PasswordHash: "hash",
		Active:       true,
		CreatedAt:    "2025-01-01T00:00:00Z",
	}))
	require.NoError(t, r.UpsertLoginCode(ctx, tx, repo.LoginCode{Email: "ana@example.com", CodeHash: "h1", ExpiresAt: "x", CreatedAt: "y"}))
	require.NoError(t, r.UpsertLoginCode(ctx, tx, repo.LoginCode{Email: "ana@example.com", CodeHash: "h2", ExpiresAt: "x", CreatedAt: "y"}))
	require.NoError(t, tx.Commit())

	u, err := r.GetUserByEmail(ctx, "ANA@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleApprover, u.Role)
	assert.True(t, u.Active)

	_, err = r.GetUserByLogin(ctx, "nobody")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	code, err := r.GetLoginCode(ctx, "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, "h2", code.CodeHash)
}
