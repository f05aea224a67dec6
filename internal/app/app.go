// Package app wires the session, the delivery repository and the dialogs
// into the operations a user interface triggers.
package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"observatorio/internal/deliveries"
	"observatorio/internal/domain"
	"observatorio/internal/form"
	"observatorio/internal/views"
	"observatorio/internal/workflow"
)

var logger = loggo.GetLogger("observatorio.app")

const (
	// ErrNotAuthenticated means the caller must sign in first.
	ErrNotAuthenticated = errors.ConstError("not authenticated")
	// ErrDeclined means the user refused a confirmation; nothing was sent.
	ErrDeclined = errors.ConstError("action declined")
)

// Level is the severity of a notice.
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelSuccess:
		return "success"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Notice is a transient message reporting the outcome of an operation.
type Notice struct {
	Level   Level
	Message string
}

// Prompt asks the user to confirm a destructive action.
type Prompt struct {
	Action     workflow.Action
	DeliveryID int64
	Title      string
	Message    string
}

// Confirmer blocks until the user accepts or declines a prompt.
type Confirmer interface {
	Confirm(ctx context.Context, p Prompt) (bool, error)
}

// Notifier shows notices.
type Notifier interface {
	Notify(n Notice)
}

// Dialogs is the handle given to anything that must confirm or notify.
type Dialogs interface {
	Confirmer
	Notifier
}

// SessionState reports the identity of the running process.
type SessionState interface {
	CurrentRole() (domain.Role, bool)
	Expired() bool
}

// Deliveries is the repository the application drives.
type Deliveries interface {
	LoadAll(ctx context.Context) ([]domain.Delivery, error)
	Loaded() bool
	All() []domain.Delivery
	FindByID(id int64) (domain.Delivery, error)
	Create(ctx context.Context, d domain.Draft) (domain.Delivery, error)
	Update(ctx context.Context, id int64, d domain.Draft) (domain.Delivery, error)
	Delete(ctx context.Context, id int64) error
	Approve(ctx context.Context, id int64) (domain.Delivery, error)
	Reject(ctx context.Context, id int64) (domain.Delivery, error)
	Actions(id int64) (workflow.ActionSet, error)
	FormOptions(ctx context.Context) (deliveries.FormOptions, error)
}

// App runs user operations. Every completed or failed call produces one
// notice; a declined confirmation is silent.
type App struct {
	deliveries Deliveries
	session    SessionState
	dialogs    Dialogs

	mu     sync.Mutex
	busy   bool
	busyID int64
}

func New(d Deliveries, s SessionState, dialogs Dialogs) *App {
	return &App{deliveries: d, session: s, dialogs: dialogs}
}

// Busy reports the delivery an operation is running for. Creating a delivery
// reports id 0.
func (a *App) Busy() (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busyID, a.busy
}

func (a *App) begin(id int64) func() {
	a.mu.Lock()
	a.busy, a.busyID = true, id
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		a.busy, a.busyID = false, 0
		a.mu.Unlock()
	}
}

func (a *App) notify(level Level, format string, args ...any) {
	if a.dialogs == nil {
		return
	}
	a.dialogs.Notify(Notice{Level: level, Message: fmt.Sprintf(format, args...)})
}

// role returns the role of a live session.
func (a *App) role() (domain.Role, error) {
	if a.session == nil {
		return "", ErrNotAuthenticated
	}
	role, ok := a.session.CurrentRole()
	if !ok || !role.Valid() {
		return "", ErrNotAuthenticated
	}
	if a.session.Expired() {
		a.notify(LevelError, "Your session has expired. Sign in again.")
		return "", ErrNotAuthenticated
	}
	return role, nil
}

// Role is the role of the current session.
func (a *App) Role() (domain.Role, error) {
	return a.role()
}

// Refresh reloads the collection.
func (a *App) Refresh(ctx context.Context) ([]domain.Delivery, error) {
	if _, err := a.role(); err != nil {
		return nil, err
	}
	done := a.begin(0)
	defer done()
	out, err := a.deliveries.LoadAll(ctx)
	if err != nil {
		logger.Errorf("refresh: %v", err)
		a.notify(LevelError, "Could not load the deliveries. Try again.")
		return nil, err
	}
	return out, nil
}

// Deliveries returns the collection, loading it on first use.
func (a *App) Deliveries(ctx context.Context) ([]domain.Delivery, error) {
	if a.deliveries.Loaded() {
		return a.deliveries.All(), nil
	}
	return a.Refresh(ctx)
}

// FormOptions returns the squads and customers offered by the form.
func (a *App) FormOptions(ctx context.Context) (deliveries.FormOptions, error) {
	if _, err := a.role(); err != nil {
		return deliveries.FormOptions{}, err
	}
	opts, err := a.deliveries.FormOptions(ctx)
	if err != nil {
		a.notify(LevelError, "Could not load squads and business areas. Try again.")
		return deliveries.FormOptions{}, err
	}
	return opts, nil
}

// Submit validates f and creates a pending delivery.
func (a *App) Submit(ctx context.Context, f form.DeliveryForm) (domain.Delivery, error) {
	if _, err := a.role(); err != nil {
		return domain.Delivery{}, err
	}
	draft, err := f.Draft()
	if err != nil {
		a.notify(LevelError, "Fill in the required fields.")
		return domain.Delivery{}, err
	}
	done := a.begin(0)
	defer done()
	created, err := a.deliveries.Create(ctx, draft)
	if err != nil {
		a.failed(workflow.ActionCreate, err)
		return domain.Delivery{}, err
	}
	a.notify(LevelSuccess, "Delivery created and sent for approval.")
	return created, nil
}

// Edit validates f and rewrites delivery id.
func (a *App) Edit(ctx context.Context, id int64, f form.DeliveryForm) (domain.Delivery, error) {
	if _, err := a.available(id, workflow.ActionEdit); err != nil {
		return domain.Delivery{}, err
	}
	draft, err := f.Draft()
	if err != nil {
		a.notify(LevelError, "Fill in the required fields.")
		return domain.Delivery{}, err
	}
	done := a.begin(id)
	defer done()
	updated, err := a.deliveries.Update(ctx, id, draft)
	if err != nil {
		a.failed(workflow.ActionEdit, err)
		return domain.Delivery{}, err
	}
	a.notify(LevelSuccess, "Delivery updated.")
	return updated, nil
}

// Approve adjudicates a delivery without confirmation.
func (a *App) Approve(ctx context.Context, id int64) (domain.Delivery, error) {
	return a.transition(ctx, id, workflow.ActionApprove)
}

// Reject asks for confirmation and then rejects a delivery.
func (a *App) Reject(ctx context.Context, id int64) (domain.Delivery, error) {
	return a.transition(ctx, id, workflow.ActionReject)
}

func (a *App) transition(ctx context.Context, id int64, action workflow.Action) (domain.Delivery, error) {
	d, err := a.available(id, action)
	if err != nil {
		return domain.Delivery{}, err
	}
	if err := a.confirm(ctx, action, d); err != nil {
		return domain.Delivery{}, err
	}
	done := a.begin(id)
	defer done()
	call := a.deliveries.Approve
	if action == workflow.ActionReject {
		call = a.deliveries.Reject
	}
	out, err := call(ctx, id)
	if err != nil {
		a.failed(action, err)
		return domain.Delivery{}, err
	}
	if action == workflow.ActionApprove {
		a.notify(LevelSuccess, "Delivery approved.")
	} else {
		a.notify(LevelSuccess, "Delivery rejected.")
	}
	return out, nil
}

// Delete asks for confirmation and then removes a rejected delivery.
func (a *App) Delete(ctx context.Context, id int64) error {
	d, err := a.available(id, workflow.ActionDelete)
	if err != nil {
		return err
	}
	if err := a.confirm(ctx, workflow.ActionDelete, d); err != nil {
		return err
	}
	done := a.begin(id)
	defer done()
	if err := a.deliveries.Delete(ctx, id); err != nil {
		a.failed(workflow.ActionDelete, err)
		return err
	}
	a.notify(LevelSuccess, "Delivery deleted.")
	return nil
}

// Board returns the approval board. Only approvers may see it.
func (a *App) Board(ctx context.Context, f views.BoardFilter) (views.BoardView, error) {
	role, err := a.role()
	if err != nil {
		return views.BoardView{}, err
	}
	if role != domain.RoleApprover {
		a.notify(LevelError, "Only approvers can review deliveries.")
		return views.BoardView{}, errors.Forbiddenf("approval board for role %s", role.Label())
	}
	records, err := a.Deliveries(ctx)
	if err != nil {
		return views.BoardView{}, err
	}
	return views.Board(records, f), nil
}

// available resolves the delivery and checks that action is offered for it.
// Actions that are not offered never reach the network.
func (a *App) available(id int64, action workflow.Action) (domain.Delivery, error) {
	role, err := a.role()
	if err != nil {
		return domain.Delivery{}, err
	}
	d, err := a.deliveries.FindByID(id)
	if err != nil {
		a.notify(LevelError, "Delivery %d was not found. Refresh and try again.", id)
		return domain.Delivery{}, err
	}
	set, err := a.deliveries.Actions(id)
	if err != nil {
		return domain.Delivery{}, err
	}
	if set.Allows(action) {
		return d, nil
	}
	var denied error
	if role != domain.RoleApprover {
		denied = workflow.ForbiddenError{Action: action, Role: role}
	} else if action == workflow.ActionEdit || action == workflow.ActionDelete {
		denied = workflow.PreconditionError{Action: action, Status: d.Status}
	} else {
		denied = workflow.TransitionError{From: d.Status, Action: action}
	}
	a.failed(action, denied)
	return domain.Delivery{}, denied
}

func (a *App) confirm(ctx context.Context, action workflow.Action, d domain.Delivery) error {
	if !workflow.RequiresConfirmation(action) {
		return nil
	}
	if a.dialogs == nil {
		return ErrDeclined
	}
	ok, err := a.dialogs.Confirm(ctx, confirmPrompt(action, d))
	if err != nil {
		return errors.Annotate(err, "confirm")
	}
	if !ok {
		logger.Debugf("%s of delivery %d declined", action, d.ID)
		return ErrDeclined
	}
	return nil
}

func confirmPrompt(action workflow.Action, d domain.Delivery) Prompt {
	p := Prompt{Action: action, DeliveryID: d.ID}
	switch action {
	case workflow.ActionReject:
		p.Title = "Reject delivery"
		p.Message = fmt.Sprintf("Reject %q?", d.Title)
	case workflow.ActionDelete:
		p.Title = "Delete delivery"
		p.Message = fmt.Sprintf("Delete %q permanently? This cannot be undone.", d.Title)
	}
	return p
}

// failed reports err with a short message.
func (a *App) failed(action workflow.Action, err error) {
	logger.Debugf("%s failed: %v", action, err)
	var (
		forbidden    workflow.ForbiddenError
		precondition workflow.PreconditionError
		transition   workflow.TransitionError
	)
	switch {
	case stderrors.As(err, &forbidden):
		a.notify(LevelError, "Only approvers can %s deliveries.", action)
	case stderrors.As(err, &precondition):
		a.notify(LevelError, "Deliveries in state %s cannot be %s.", precondition.Status, pastTense(action))
	case stderrors.As(err, &transition):
		a.notify(LevelError, "The delivery is already %s.", transition.From)
	default:
		a.notify(LevelError, "Could not %s the delivery. Try again.", action)
	}
}

func pastTense(a workflow.Action) string {
	switch a {
	case workflow.ActionEdit:
		return "edited"
	case workflow.ActionDelete:
		return "deleted"
	case workflow.ActionApprove:
		return "approved"
	case workflow.ActionReject:
		return "rejected"
	}
	return string(a) + "d"
}
