package app

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"observatorio/internal/deliveries"
	"observatorio/internal/domain"
	"observatorio/internal/form"
	"observatorio/internal/views"
	"observatorio/internal/workflow"
)

type stubAPI struct {
	goals   map[int64]domain.Delivery
	nextID  int64
	writes  []string
	failErr error
	during  func()
}

func newStubAPI(goals ...domain.Delivery) *stubAPI {
	s := &stubAPI{goals: map[int64]domain.Delivery{}, nextID: 100}
	for _, g := range goals {
		s.goals[g.ID] = g
	}
	return s
}

func (s *stubAPI) write(name string) error {
	s.writes = append(s.writes, name)
	if s.during != nil {
		s.during()
	}
	return s.failErr
}

func (s *stubAPI) ListGoals(context.Context) ([]domain.Delivery, error) {
	var out []domain.Delivery
	for _, g := range s.goals {
		out = append(out, g)
	}
	return out, nil
}

func (s *stubAPI) CreateGoal(_ context.Context, d domain.Draft) (domain.Delivery, error) {
	if err := s.write("create"); err != nil {
		return domain.Delivery{}, err
	}
	g := domain.Delivery{ID: s.nextID, Title: d.Title, Description: d.Description, Status: d.Status, DeliveryDate: d.DeliveryDate, SquadIDs: d.SquadIDs, CustomerID: d.CustomerID}
	s.goals[g.ID] = g
	s.nextID++
	return g, nil
}

func (s *stubAPI) UpdateGoal(_ context.Context, id int64, d domain.Draft) (domain.Delivery, error) {
	if err := s.write("update"); err != nil {
		return domain.Delivery{}, err
	}
	g := s.goals[id]
	g.Title = d.Title
	s.goals[id] = g
	return g, nil
}

func (s *stubAPI) DeleteGoal(_ context.Context, id int64) error {
	if err := s.write("delete"); err != nil {
		return err
	}
	delete(s.goals, id)
	return nil
}

func (s *stubAPI) status(name string, id int64, st domain.Status) (domain.Delivery, error) {
	if err := s.write(name); err != nil {
		return domain.Delivery{}, err
	}
	g := s.goals[id]
	g.Status = st
	s.goals[id] = g
	return g, nil
}

func (s *stubAPI) ApproveGoal(_ context.Context, id int64) (domain.Delivery, error) {
	return s.status("approve", id, domain.StatusApproved)
}

func (s *stubAPI) RejectGoal(_ context.Context, id int64) (domain.Delivery, error) {
	return s.status("reject", id, domain.StatusRejected)
}

func (s *stubAPI) Squads(context.Context) ([]domain.Squad, error) {
	return []domain.Squad{{ID: 1, Name: "Plataforma"}}, nil
}

func (s *stubAPI) Customers(context.Context) ([]domain.Customer, error) {
	return []domain.Customer{{ID: 7, Name: "Financeiro"}}, nil
}

type stubSession struct {
	role    domain.Role
	expired bool
}

func (s stubSession) CurrentRole() (domain.Role, bool) { return s.role, s.role != "" }
func (s stubSession) Expired() bool                    { return s.expired }

type recordingDialogs struct {
	answer  bool
	prompts []Prompt
	notices []Notice
}

func (d *recordingDialogs) Confirm(_ context.Context, p Prompt) (bool, error) {
	d.prompts = append(d.prompts, p)
	return d.answer, nil
}

func (d *recordingDialogs) Notify(n Notice) { d.notices = append(d.notices, n) }

func (d *recordingDialogs) last() Notice {
	if len(d.notices) == 0 {
		return Notice{}
	}
	return d.notices[len(d.notices)-1]
}

func setup(t *testing.T, role domain.Role, goals ...domain.Delivery) (*App, *stubAPI, *recordingDialogs) {
	t.Helper()
	api := newStubAPI(goals...)
	sess := stubSession{role: role}
	repo := deliveries.NewRepository(api, sess)
	dialogs := &recordingDialogs{}
	a := New(repo, sess, dialogs)
	if role != "" {
		_, err := a.Refresh(context.Background())
		require.NoError(t, err)
	}
	return a, api, dialogs
}

func launchForm() form.DeliveryForm {
	f := form.New()
	f.Title = "Launch X"
	f.Description = "desc"
	f.Date = "2025-06-01"
	f.SquadIDs = []int64{1}
	f.CustomerID = 7
	return f
}

func TestContributorSubmitsPendingDelivery(t *testing.T) {
	a, api, dialogs := setup(t, domain.RoleContributor)
	created, err := a.Submit(context.Background(), launchForm())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, created.Status)
	assert.Equal(t, []string{"create"}, api.writes)
	assert.Equal(t, Notice{Level: LevelSuccess, Message: "Delivery created and sent for approval."}, dialogs.last())

	all, err := a.Deliveries(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Launch X", all[0].Title)
}

func TestSubmitValidatesBeforeCalling(t *testing.T) {
	a, api, dialogs := setup(t, domain.RoleContributor)
	f := launchForm()
	f.Title = ""
	f.SquadIDs = nil
	_, err := a.Submit(context.Background(), f)
	var fe form.FieldErrors
	require.ErrorAs(t, err, &fe)
	assert.Len(t, fe, 2)
	assert.Empty(t, api.writes)
	assert.Equal(t, LevelError, dialogs.last().Level)
}

func TestRejectRequiresConfirmation(t *testing.T) {
	pending := domain.Delivery{ID: 1, Title: "Launch X", Status: domain.StatusPending}
	ctx := context.Background()

	t.Run("declined", func(t *testing.T) {
		a, api, dialogs := setup(t, domain.RoleApprover, pending)
		dialogs.answer = false
		_, err := a.Reject(ctx, 1)
		assert.ErrorIs(t, err, ErrDeclined)
		require.Len(t, dialogs.prompts, 1)
		assert.Equal(t, workflow.ActionReject, dialogs.prompts[0].Action)
		assert.Empty(t, api.writes, "no call issued")
		assert.Empty(t, dialogs.notices, "declining is silent")
		got, _ := a.deliveries.FindByID(1)
		assert.Equal(t, domain.StatusPending, got.Status)
	})

	t.Run("confirmed", func(t *testing.T) {
		a, api, dialogs := setup(t, domain.RoleApprover, pending)
		dialogs.answer = true
		out, err := a.Reject(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRejected, out.Status)
		assert.Equal(t, []string{"reject"}, api.writes)
		got, _ := a.deliveries.FindByID(1)
		assert.Equal(t, domain.StatusRejected, got.Status)
		assert.Equal(t, "Delivery rejected.", dialogs.last().Message)
	})
}

func TestApproveSkipsConfirmation(t *testing.T) {
	a, api, dialogs := setup(t, domain.RoleApprover, domain.Delivery{ID: 3, Status: domain.StatusRejected})
	_, err := a.Approve(context.Background(), 3)
	require.NoError(t, err)
	assert.Empty(t, dialogs.prompts)
	assert.Equal(t, []string{"approve"}, api.writes)
}

func TestUnavailableActionsNeverCallOut(t *testing.T) {
	ctx := context.Background()
	approved := domain.Delivery{ID: 2, Title: "Done", Status: domain.StatusApproved}

	a, api, dialogs := setup(t, domain.RoleApprover, approved)
	dialogs.answer = true
	err := a.Delete(ctx, 2)
	var pe workflow.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Empty(t, dialogs.prompts, "no confirmation for an unavailable action")
	assert.Equal(t, "Deliveries in state approved cannot be deleted.", dialogs.last().Message)

	_, err = a.Approve(ctx, 2)
	var te workflow.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "The delivery is already approved.", dialogs.last().Message)

	c, capi, cdialogs := setup(t, domain.RoleContributor, approved)
	_, err = c.Reject(ctx, 2)
	var fe workflow.ForbiddenError
	require.ErrorAs(t, err, &fe)
	_, err = c.Edit(ctx, 2, launchForm())
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "Only approvers can edit deliveries.", cdialogs.last().Message)

	assert.Empty(t, api.writes)
	assert.Empty(t, capi.writes)
}

func TestEditKeepsStatus(t *testing.T) {
	a, api, dialogs := setup(t, domain.RoleApprover, domain.Delivery{ID: 5, Title: "old", Status: domain.StatusApproved})
	f := launchForm()
	f.Title = "new"
	out, err := a.Edit(context.Background(), 5, f)
	require.NoError(t, err)
	assert.Equal(t, "new", out.Title)
	assert.Equal(t, domain.StatusApproved, out.Status)
	assert.Equal(t, []string{"update"}, api.writes)
	assert.Equal(t, "Delivery updated.", dialogs.last().Message)
}

func TestFailedCallNotifiesAndClearsBusy(t *testing.T) {
	a, api, dialogs := setup(t, domain.RoleApprover, domain.Delivery{ID: 1, Status: domain.StatusPending})
	var busyDuring bool
	var busyID int64
	api.during = func() { busyID, busyDuring = a.Busy() }
	api.failErr = stderrors.New("connection reset")

	_, err := a.Approve(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, busyDuring)
	assert.Equal(t, int64(1), busyID)
	_, busy := a.Busy()
	assert.False(t, busy, "busy cleared after failure")
	assert.Equal(t, Notice{Level: LevelError, Message: "Could not approve the delivery. Try again."}, dialogs.last())

	got, _ := a.deliveries.FindByID(1)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestNotAuthenticated(t *testing.T) {
	ctx := context.Background()
	a, api, _ := setup(t, "")
	_, err := a.Refresh(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = a.Submit(ctx, launchForm())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Empty(t, api.writes)

	repo := deliveries.NewRepository(api, stubSession{role: domain.RoleApprover, expired: true})
	dialogs := &recordingDialogs{}
	expired := New(repo, stubSession{role: domain.RoleApprover, expired: true}, dialogs)
	_, err = expired.Approve(ctx, 1)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, "Your session has expired. Sign in again.", dialogs.last().Message)
}

func TestBoardIsForApprovers(t *testing.T) {
	goals := []domain.Delivery{
		{ID: 1, Status: domain.StatusPending},
		{ID: 2, Status: domain.StatusApproved},
		{ID: 3, Status: domain.StatusRejected},
	}
	a, _, _ := setup(t, domain.RoleApprover, goals...)
	board, err := a.Board(context.Background(), views.BoardFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, board.Pending)
	require.Len(t, board.Deliveries, 1)
	assert.Equal(t, int64(1), board.Deliveries[0].ID)

	c, _, _ := setup(t, domain.RoleContributor, goals...)
	_, err = c.Board(context.Background(), views.BoardFilter{})
	assert.True(t, errors.Is(err, errors.Forbidden))
}
