package workflow_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"observatorio/internal/domain"
	"observatorio/internal/workflow"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name   string
		from   domain.Status
		action workflow.Action
		want   domain.Status
		ok     bool
	}{
		{name: "pending approve", from: domain.StatusPending, action: workflow.ActionApprove, want: domain.StatusApproved, ok: true},
		{name: "pending reject", from: domain.StatusPending, action: workflow.ActionReject, want: domain.StatusRejected, ok: true},
		{name: "approved reject", from: domain.StatusApproved, action: workflow.ActionReject, want: domain.StatusRejected, ok: true},
		{name: "rejected approve", from: domain.StatusRejected, action: workflow.ActionApprove, want: domain.StatusApproved, ok: true},
		{name: "approved approve", from: domain.StatusApproved, action: workflow.ActionApprove, want: domain.StatusApproved},
		{name: "rejected reject", from: domain.StatusRejected, action: workflow.ActionReject, want: domain.StatusRejected},
		{name: "unknown state", from: domain.Status(9), action: workflow.ActionApprove, want: domain.Status(9)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := workflow.Transition(tc.from, tc.action, domain.RoleApprover)
			assert.Equal(t, tc.want, got)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			var te workflow.TransitionError
			require.True(t, errors.As(err, &te), "expected TransitionError, got %v", err)
			assert.Equal(t, tc.from, te.From)
		})
	}
}

func TestTransitionRequiresApprover(t *testing.T) {
	for _, role := range []domain.Role{domain.RoleContributor, ""} {
		_, err := workflow.Transition(domain.StatusPending, workflow.ActionApprove, role)
		var fe workflow.ForbiddenError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, workflow.ActionApprove, fe.Action)
	}
}

func TestTransitionRejectsNonTransitionActions(t *testing.T) {
	_, err := workflow.Transition(domain.StatusPending, workflow.ActionEdit, domain.RoleApprover)
	require.Error(t, err)
}

func TestReachableStatesNeverReturnToPending(t *testing.T) {
	seen := map[domain.Status]bool{domain.StatusPending: true}
	frontier := []domain.Status{domain.StatusPending}
	left := false
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, a := range []workflow.Action{workflow.ActionApprove, workflow.ActionReject} {
			next, err := workflow.Transition(cur, a, domain.RoleApprover)
			if err != nil {
				continue
			}
			assert.True(t, next.Valid())
			assert.NotEqual(t, domain.StatusPending, next)
			assert.NotEqual(t, cur, next, "self transition from %s", cur)
			if cur == domain.StatusPending {
				left = true
			}
			if !seen[next] {
				seen[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	assert.True(t, left)
	assert.Len(t, seen, 3)
}

func TestEditAndDeleteRules(t *testing.T) {
	for _, s := range domain.Statuses {
		assert.Equal(t, s == domain.StatusPending || s == domain.StatusApproved, workflow.CanEdit(s), "edit %s", s)
		assert.Equal(t, s == domain.StatusRejected, workflow.CanDelete(s), "delete %s", s)
	}
	assert.False(t, workflow.CanEdit(domain.Status(0)))
	assert.False(t, workflow.CanDelete(domain.Status(0)))
}

func TestCheckDeleteOnApprovedIsPrecondition(t *testing.T) {
	err := workflow.CheckDelete(domain.RoleApprover, domain.StatusApproved)
	var pe workflow.PreconditionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, workflow.ActionDelete, pe.Action)

	require.NoError(t, workflow.CheckDelete(domain.RoleApprover, domain.StatusRejected))

	err = workflow.CheckDelete(domain.RoleContributor, domain.StatusRejected)
	var fe workflow.ForbiddenError
	require.True(t, errors.As(err, &fe))
}

func TestCheckEdit(t *testing.T) {
	require.NoError(t, workflow.CheckEdit(domain.RoleApprover, domain.StatusPending))
	require.NoError(t, workflow.CheckEdit(domain.RoleApprover, domain.StatusApproved))
	var pe workflow.PreconditionError
	require.True(t, errors.As(workflow.CheckEdit(domain.RoleApprover, domain.StatusRejected), &pe))
	var fe workflow.ForbiddenError
	require.True(t, errors.As(workflow.CheckEdit(domain.RoleContributor, domain.StatusPending), &fe))
}

func TestCheckCreate(t *testing.T) {
	require.NoError(t, workflow.CheckCreate(domain.RoleContributor))
	require.NoError(t, workflow.CheckCreate(domain.RoleApprover))
	require.Error(t, workflow.CheckCreate(""))
	assert.Equal(t, domain.StatusPending, workflow.InitialStatus())
}

func TestAvailable(t *testing.T) {
	cases := []struct {
		status domain.Status
		want   workflow.ActionSet
	}{
		{domain.StatusPending, workflow.ActionSet{Edit: true, Approve: true, Reject: true}},
		{domain.StatusApproved, workflow.ActionSet{Edit: true, Reject: true}},
		{domain.StatusRejected, workflow.ActionSet{Delete: true, Approve: true}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, workflow.Available(domain.RoleApprover, tc.status), tc.status.String())
		assert.Equal(t, workflow.ActionSet{}, workflow.Available(domain.RoleContributor, tc.status))
		assert.Empty(t, workflow.Available("", tc.status).Actions())
	}
	assert.Equal(t,
		[]workflow.Action{workflow.ActionEdit, workflow.ActionApprove, workflow.ActionReject},
		workflow.Available(domain.RoleApprover, domain.StatusPending).Actions())
}

func TestRequiresConfirmation(t *testing.T) {
	assert.True(t, workflow.RequiresConfirmation(workflow.ActionReject))
	assert.True(t, workflow.RequiresConfirmation(workflow.ActionDelete))
	assert.False(t, workflow.RequiresConfirmation(workflow.ActionApprove))
	assert.False(t, workflow.RequiresConfirmation(workflow.ActionEdit))
}

func TestParseAction(t *testing.T) {
	a, err := workflow.ParseAction("reject")
	require.NoError(t, err)
	assert.Equal(t, workflow.ActionReject, a)
	_, err = workflow.ParseAction("reopen")
	require.Error(t, err)
}
