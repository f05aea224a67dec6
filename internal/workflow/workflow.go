// Package workflow holds the approval state machine for deliveries and the
// role and state rules that decide which mutations are offered.
package workflow

import (
	"fmt"

	"observatorio/internal/domain"
)

// Action is an adjudication or mutation that can be applied to a delivery.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionEdit    Action = "edit"
	ActionDelete  Action = "delete"
	ActionCreate  Action = "create"
)

// TransitionError reports an approve or reject that the table does not allow
// from the current state.
type TransitionError struct {
	From   domain.Status
	Action Action
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a delivery in state %s", e.Action, e.From)
}

// ForbiddenError indicates the acting role lacks the right for an action.
type ForbiddenError struct {
	Action Action
	Role   domain.Role
}

func (e ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("%s requires an authenticated session", e.Action)
	}
	return fmt.Sprintf("role %s may not %s deliveries", e.Role.Label(), e.Action)
}

// PreconditionError reports a mutation whose state condition does not hold.
type PreconditionError struct {
	Action Action
	Status domain.Status
}

func (e PreconditionError) Error() string {
	return fmt.Sprintf("%s is not allowed while the delivery is %s", e.Action, e.Status)
}

// transitions is keyed by the current state. Pending never appears as a target.
var transitions = map[domain.Status]map[Action]domain.Status{
	domain.StatusPending: {
		ActionApprove: domain.StatusApproved,
		ActionReject:  domain.StatusRejected,
	},
	domain.StatusApproved: {
		ActionReject: domain.StatusRejected,
	},
	domain.StatusRejected: {
		ActionApprove: domain.StatusApproved,
	},
}

// CanTransition reports whether action is defined from the given state,
// ignoring the actor.
func CanTransition(from domain.Status, action Action) bool {
	_, ok := transitions[from][action]
	return ok
}

// Transition returns the state reached by applying action from the given
// state on behalf of role.
func Transition(from domain.Status, action Action, role domain.Role) (domain.Status, error) {
	if action != ActionApprove && action != ActionReject {
		return from, fmt.Errorf("unknown transition %q", action)
	}
	if role != domain.RoleApprover {
		return from, ForbiddenError{Action: action, Role: role}
	}
	to, ok := transitions[from][action]
	if !ok {
		return from, TransitionError{From: from, Action: action}
	}
	return to, nil
}

// CanEdit reports whether a delivery in the given state may be edited.
func CanEdit(status domain.Status) bool {
	return status == domain.StatusPending || status == domain.StatusApproved
}

// CanDelete reports whether a delivery in the given state may be removed.
func CanDelete(status domain.Status) bool {
	return status == domain.StatusRejected
}

// CanCreate reports whether role may submit new deliveries.
func CanCreate(role domain.Role) bool {
	return role.Valid()
}

// InitialStatus is the state of every newly created delivery.
func InitialStatus() domain.Status {
	return domain.StatusPending
}

// CheckCreate fails for sessions without a known role.
func CheckCreate(role domain.Role) error {
	if !CanCreate(role) {
		return ForbiddenError{Action: ActionCreate, Role: role}
	}
	return nil
}

// CheckEdit applies the role gate and the state rule for edits.
func CheckEdit(role domain.Role, status domain.Status) error {
	if role != domain.RoleApprover {
		return ForbiddenError{Action: ActionEdit, Role: role}
	}
	if !CanEdit(status) {
		return PreconditionError{Action: ActionEdit, Status: status}
	}
	return nil
}

// CheckDelete applies the role gate and the state rule for deletes.
func CheckDelete(role domain.Role, status domain.Status) error {
	if role != domain.RoleApprover {
		return ForbiddenError{Action: ActionDelete, Role: role}
	}
	if !CanDelete(status) {
		return PreconditionError{Action: ActionDelete, Status: status}
	}
	return nil
}

// CheckTransition is Transition without the resulting state.
func CheckTransition(role domain.Role, status domain.Status, action Action) error {
	_, err := Transition(status, action, role)
	return err
}

// ActionSet lists what a session may do with one delivery.
type ActionSet struct {
	Edit    bool `json:"edit"`
	Delete  bool `json:"delete"`
	Approve bool `json:"approve"`
	Reject  bool `json:"reject"`
}

// Allows reports whether a is part of the set.
func (s ActionSet) Allows(a Action) bool {
	switch a {
	case ActionEdit:
		return s.Edit
	case ActionDelete:
		return s.Delete
	case ActionApprove:
		return s.Approve
	case ActionReject:
		return s.Reject
	}
	return false
}

// Actions returns the allowed actions in display order.
func (s ActionSet) Actions() []Action {
	var out []Action
	for _, a := range []Action{ActionEdit, ActionApprove, ActionReject, ActionDelete} {
		if s.Allows(a) {
			out = append(out, a)
		}
	}
	return out
}

// Available computes the actions offered to role for a delivery in status.
// Contributors are never offered anything.
func Available(role domain.Role, status domain.Status) ActionSet {
	if role != domain.RoleApprover {
		return ActionSet{}
	}
	return ActionSet{
		Edit:    CanEdit(status),
		Delete:  CanDelete(status),
		Approve: CanTransition(status, ActionApprove),
		Reject:  CanTransition(status, ActionReject),
	}
}

// RequiresConfirmation reports whether the action must be confirmed by the
// user before any call is issued.
func RequiresConfirmation(a Action) bool {
	return a == ActionReject || a == ActionDelete
}

// ParseAction reads an action name.
func ParseAction(v string) (Action, error) {
	switch a := Action(v); a {
	case ActionApprove, ActionReject, ActionEdit, ActionDelete, ActionCreate:
		return a, nil
	}
	return "", fmt.Errorf("invalid action %q", v)
}
