package deliveries

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"observatorio/internal/domain"
	"observatorio/internal/workflow"
)

type fakeGoals struct {
	mu        sync.Mutex
	nextID    int64
	goals     map[int64]domain.Delivery
	calls     []string
	failWrite error
	failList  error
}

func newFakeGoals() *fakeGoals {
	return &fakeGoals{nextID: 1, goals: map[int64]domain.Delivery{}}
}

func (f *fakeGoals) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeGoals) ListGoals(context.Context) ([]domain.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list")
	if f.failList != nil {
		return nil, f.failList
	}
	var out []domain.Delivery
	for _, g := range f.goals {
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeGoals) CreateGoal(_ context.Context, d domain.Draft) (domain.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create")
	if f.failWrite != nil {
		return domain.Delivery{}, f.failWrite
	}
	g := fromDraft(f.nextID, d)
	f.goals[g.ID] = g
	f.nextID++
	return g, nil
}

func (f *fakeGoals) UpdateGoal(_ context.Context, id int64, d domain.Draft) (domain.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update")
	if f.failWrite != nil {
		return domain.Delivery{}, f.failWrite
	}
	g := fromDraft(id, d)
	f.goals[id] = g
	return g, nil
}

func (f *fakeGoals) DeleteGoal(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete")
	if f.failWrite != nil {
		return f.failWrite
	}
	delete(f.goals, id)
	return nil
}

func (f *fakeGoals) setStatus(call string, id int64, s domain.Status) (domain.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(call)
	if f.failWrite != nil {
		return domain.Delivery{}, f.failWrite
	}
	g := f.goals[id]
	g.Status = s
	f.goals[id] = g
	return g, nil
}

func (f *fakeGoals) ApproveGoal(_ context.Context, id int64) (domain.Delivery, error) {
	return f.setStatus("approve", id, domain.StatusApproved)
}

func (f *fakeGoals) RejectGoal(_ context.Context, id int64) (domain.Delivery, error) {
	return f.setStatus("reject", id, domain.StatusRejected)
}

func (f *fakeGoals) Squads(context.Context) ([]domain.Squad, error) {
	return []domain.Squad{{ID: 1, Name: "Plataforma"}, {ID: 2, Name: "Dados"}}, nil
}

func (f *fakeGoals) Customers(context.Context) ([]domain.Customer, error) {
	return []domain.Customer{{ID: 7, Name: "Financeiro"}}, nil
}

func (f *fakeGoals) writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c != "list" {
			out = append(out, c)
		}
	}
	return out
}

func fromDraft(id int64, d domain.Draft) domain.Delivery {
	return domain.Delivery{
		ID:           id,
		Title:        d.Title,
		Description:  d.Description,
		Type:         d.Type,
		Status:       d.Status,
		DeliveryDate: d.DeliveryDate,
		SquadIDs:     d.SquadIDs,
		CustomerID:   d.CustomerID,
	}
}

type fixedRole domain.Role

func (r fixedRole) CurrentRole() (domain.Role, bool) {
	return domain.Role(r), r != ""
}

func launchDraft() domain.Draft {
	return domain.Draft{
		Title:        "Launch X",
		Description:  "desc",
		Type:         domain.TypeSystems,
		Status:       domain.StatusApproved,
		DeliveryDate: domain.NewDate(2025, time.June, 1),
		SquadIDs:     []int64{1},
		CustomerID:   7,
	}
}

func TestContributorCreateStartsPending(t *testing.T) {
	ctx := context.Background()
	api := newFakeGoals()
	r := NewRepository(api, fixedRole(domain.RoleContributor))

	_, err := r.LoadAll(ctx)
	require.NoError(t, err)
	assert.True(t, r.Loaded())
	assert.Empty(t, r.All())

	created, err := r.Create(ctx, launchDraft())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, created.Status, "caller status ignored")

	all := r.All()
	require.Len(t, all, 1)
	assert.Equal(t, "Launch X", all[0].Title)
	assert.Equal(t, domain.StatusPending, all[0].Status)

	found, err := r.FindByID(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	actions, err := r.Actions(created.ID)
	require.NoError(t, err)
	assert.Empty(t, actions.Actions(), "contributors are offered nothing")
}

func TestCreateRequiresRole(t *testing.T) {
	api := newFakeGoals()
	r := NewRepository(api, fixedRole(""))
	_, err := r.Create(context.Background(), launchDraft())
	var fe workflow.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Empty(t, api.writes())
}

func TestMutationsReloadCollection(t *testing.T) {
	ctx := context.Background()
	api := newFakeGoals()
	r := NewRepository(api, fixedRole(domain.RoleApprover))

	a, err := r.Create(ctx, launchDraft())
	require.NoError(t, err)
	b, err := r.Create(ctx, launchDraft())
	require.NoError(t, err)
	require.Len(t, r.All(), 2)

	edit := launchDraft()
	edit.Title = "Launch Y"
	edit.Status = domain.StatusRejected
	updated, err := r.Update(ctx, a.ID, edit)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, updated.Status, "update keeps the status")
	got, err := r.FindByID(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Launch Y", got.Title)

	_, err = r.Reject(ctx, b.ID)
	require.NoError(t, err)
	got, _ = r.FindByID(b.ID)
	assert.Equal(t, domain.StatusRejected, got.Status)

	require.NoError(t, r.Delete(ctx, b.ID))
	_, err = r.FindByID(b.ID)
	assert.True(t, errors.Is(err, errors.NotFound))
	require.Len(t, r.All(), 1, "no stale or duplicate entries")

	_, err = r.Approve(ctx, a.ID)
	require.NoError(t, err)
	got, _ = r.FindByID(a.ID)
	assert.Equal(t, domain.StatusApproved, got.Status)

	assert.Equal(t, []string{"create", "create", "update", "reject", "delete", "approve"}, api.writes())
}

func TestPreconditionsIssueNoCall(t *testing.T) {
	ctx := context.Background()
	api := newFakeGoals()
	api.goals[1] = domain.Delivery{ID: 1, Title: "a", Status: domain.StatusApproved}
	api.goals[2] = domain.Delivery{ID: 2, Title: "b", Status: domain.StatusRejected}
	api.goals[3] = domain.Delivery{ID: 3, Title: "c", Status: domain.StatusPending}

	approver := NewRepository(api, fixedRole(domain.RoleApprover))
	_, err := approver.LoadAll(ctx)
	require.NoError(t, err)

	var pe workflow.PreconditionError
	require.ErrorAs(t, approver.Delete(ctx, 1), &pe, "delete only legal for rejected")
	assert.Equal(t, workflow.ActionDelete, pe.Action)

	_, err = approver.Update(ctx, 2, launchDraft())
	require.ErrorAs(t, err, &pe, "rejected deliveries are frozen")

	var te workflow.TransitionError
	_, err = approver.Approve(ctx, 1)
	require.ErrorAs(t, err, &te)
	_, err = approver.Reject(ctx, 2)
	require.ErrorAs(t, err, &te)

	_, err = approver.Approve(ctx, 99)
	assert.True(t, errors.Is(err, errors.NotFound))

	contributor := NewRepository(api, fixedRole(domain.RoleContributor))
	_, err = contributor.LoadAll(ctx)
	require.NoError(t, err)
	var fe workflow.ForbiddenError
	_, err = contributor.Approve(ctx, 3)
	require.ErrorAs(t, err, &fe)
	_, err = contributor.Update(ctx, 3, launchDraft())
	require.ErrorAs(t, err, &fe)
	require.ErrorAs(t, contributor.Delete(ctx, 2), &fe)

	assert.Empty(t, api.writes())
}

func TestFailedCallLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	api := newFakeGoals()
	api.goals[1] = domain.Delivery{ID: 1, Title: "a", Status: domain.StatusPending}
	r := NewRepository(api, fixedRole(domain.RoleApprover))
	_, err := r.LoadAll(ctx)
	require.NoError(t, err)

	boom := stderrors.New("connection refused")
	api.failWrite = boom
	_, err = r.Approve(ctx, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	got, _ := r.FindByID(1)
	assert.Equal(t, domain.StatusPending, got.Status)

	api.failWrite = nil
	api.failList = boom
	_, err = r.LoadAll(ctx)
	require.Error(t, err)
	assert.Len(t, r.All(), 1, "failed reload keeps the previous collection")
}

func TestAllSortsNewestFirst(t *testing.T) {
	ctx := context.Background()
	api := newFakeGoals()
	api.goals[1] = domain.Delivery{ID: 1, DeliveryDate: domain.NewDate(2024, time.March, 1)}
	api.goals[2] = domain.Delivery{ID: 2, DeliveryDate: domain.NewDate(2025, time.January, 9)}
	api.goals[3] = domain.Delivery{ID: 3, DeliveryDate: domain.NewDate(2024, time.March, 1)}
	r := NewRepository(api, nil)
	all, err := r.LoadAll(ctx)
	require.NoError(t, err)
	var ids []int64
	for _, d := range all {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []int64{2, 3, 1}, ids)
}

func TestFormOptions(t *testing.T) {
	r := NewRepository(newFakeGoals(), fixedRole(domain.RoleContributor))
	opts, err := r.FormOptions(context.Background())
	require.NoError(t, err)
	require.Len(t, opts.Squads, 2)
	require.Len(t, opts.Customers, 1)

	name, ok := opts.SquadName(2)
	assert.True(t, ok)
	assert.Equal(t, "Dados", name)
	_, ok = opts.CustomerName(99)
	assert.False(t, ok)

	ids, err := opts.ResolveSquads([]string{" plataforma ", "2"})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)
	_, err = opts.ResolveSquads([]string{"Mobile"})
	assert.True(t, errors.Is(err, errors.NotFound))

	id, err := opts.ResolveCustomer("financeiro")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
}
