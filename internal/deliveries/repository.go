// Package deliveries keeps the in-memory collection of deliveries visible to
// the current session in sync with the remote API.
package deliveries

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"golang.org/x/sync/errgroup"

	"observatorio/internal/domain"
	"observatorio/internal/workflow"
)

var logger = loggo.GetLogger("observatorio.deliveries")

// GoalAPI is the remote collaborator owning the deliveries.
type GoalAPI interface {
	ListGoals(ctx context.Context) ([]domain.Delivery, error)
	CreateGoal(ctx context.Context, d domain.Draft) (domain.Delivery, error)
	UpdateGoal(ctx context.Context, id int64, d domain.Draft) (domain.Delivery, error)
	DeleteGoal(ctx context.Context, id int64) error
	ApproveGoal(ctx context.Context, id int64) (domain.Delivery, error)
	RejectGoal(ctx context.Context, id int64) (domain.Delivery, error)
	Squads(ctx context.Context) ([]domain.Squad, error)
	Customers(ctx context.Context) ([]domain.Customer, error)
}

// RoleSource reports the role of the current session.
type RoleSource interface {
	CurrentRole() (domain.Role, bool)
}

// Repository is the single source of truth for the local collection. Every
// successful mutation is followed by a full reload; a failed call leaves the
// collection untouched.
type Repository struct {
	api   GoalAPI
	roles RoleSource

	mu     sync.RWMutex
	items  []domain.Delivery
	loaded bool
}

func NewRepository(api GoalAPI, roles RoleSource) *Repository {
	return &Repository{api: api, roles: roles}
}

// LoadAll replaces the local collection with the remote one.
func (r *Repository) LoadAll(ctx context.Context) ([]domain.Delivery, error) {
	items, err := r.api.ListGoals(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "load deliveries")
	}
	items = append([]domain.Delivery(nil), items...)
	r.mu.Lock()
	r.items = items
	r.loaded = true
	r.mu.Unlock()
	logger.Debugf("loaded %d deliveries", len(items))
	return r.All(), nil
}

// Loaded reports whether LoadAll has succeeded at least once.
func (r *Repository) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// All returns a copy of the collection, newest delivery first.
func (r *Repository) All() []domain.Delivery {
	r.mu.RLock()
	out := make([]domain.Delivery, len(r.items))
	copy(out, r.items)
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DeliveryDate != out[j].DeliveryDate {
			return out[j].DeliveryDate.Before(out[i].DeliveryDate)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// FindByID looks a delivery up in the local collection only.
func (r *Repository) FindByID(id int64) (domain.Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.items {
		if d.ID == id {
			return d, nil
		}
	}
	return domain.Delivery{}, errors.NotFoundf("delivery %d", id)
}

func (r *Repository) role() domain.Role {
	if r.roles == nil {
		return ""
	}
	role, _ := r.roles.CurrentRole()
	return role
}

// Create submits a new delivery. The stored status is always Pending.
func (r *Repository) Create(ctx context.Context, d domain.Draft) (domain.Delivery, error) {
	if err := workflow.CheckCreate(r.role()); err != nil {
		return domain.Delivery{}, err
	}
	d.Status = workflow.InitialStatus()
	created, err := r.api.CreateGoal(ctx, d)
	if err != nil {
		return domain.Delivery{}, errors.Annotate(err, "create delivery")
	}
	if _, err := r.LoadAll(ctx); err != nil {
		return created, err
	}
	return created, nil
}

// Update rewrites a delivery. Its status is kept; only approve and reject
// change it.
func (r *Repository) Update(ctx context.Context, id int64, d domain.Draft) (domain.Delivery, error) {
	current, err := r.FindByID(id)
	if err != nil {
		return domain.Delivery{}, err
	}
	if err := workflow.CheckEdit(r.role(), current.Status); err != nil {
		return domain.Delivery{}, err
	}
	d.Status = current.Status
	updated, err := r.api.UpdateGoal(ctx, id, d)
	if err != nil {
		return domain.Delivery{}, errors.Annotatef(err, "update delivery %d", id)
	}
	if _, err := r.LoadAll(ctx); err != nil {
		return updated, err
	}
	return updated, nil
}

// Delete removes a rejected delivery.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	current, err := r.FindByID(id)
	if err != nil {
		return err
	}
	if err := workflow.CheckDelete(r.role(), current.Status); err != nil {
		return err
	}
	if err := r.api.DeleteGoal(ctx, id); err != nil {
		return errors.Annotatef(err, "delete delivery %d", id)
	}
	_, err = r.LoadAll(ctx)
	return err
}

// Approve moves a delivery to Approved.
func (r *Repository) Approve(ctx context.Context, id int64) (domain.Delivery, error) {
	return r.transition(ctx, id, workflow.ActionApprove)
}

// Reject moves a delivery to Rejected.
func (r *Repository) Reject(ctx context.Context, id int64) (domain.Delivery, error) {
	return r.transition(ctx, id, workflow.ActionReject)
}

func (r *Repository) transition(ctx context.Context, id int64, action workflow.Action) (domain.Delivery, error) {
	current, err := r.FindByID(id)
	if err != nil {
		return domain.Delivery{}, err
	}
	if err := workflow.CheckTransition(r.role(), current.Status, action); err != nil {
		return domain.Delivery{}, err
	}
	call := r.api.ApproveGoal
	if action == workflow.ActionReject {
		call = r.api.RejectGoal
	}
	out, err := call(ctx, id)
	if err != nil {
		return domain.Delivery{}, errors.Annotatef(err, "%s delivery %d", action, id)
	}
	if _, err := r.LoadAll(ctx); err != nil {
		return out, err
	}
	return out, nil
}

// Actions returns what the current session may do with a delivery.
func (r *Repository) Actions(id int64) (workflow.ActionSet, error) {
	d, err := r.FindByID(id)
	if err != nil {
		return workflow.ActionSet{}, err
	}
	return workflow.Available(r.role(), d.Status), nil
}

// Squads lists the squads known to the API.
func (r *Repository) Squads(ctx context.Context) ([]domain.Squad, error) {
	squads, err := r.api.Squads(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "load squads")
	}
	return squads, nil
}

// Customers lists the business areas known to the API.
func (r *Repository) Customers(ctx context.Context) ([]domain.Customer, error) {
	customers, err := r.api.Customers(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "load customers")
	}
	return customers, nil
}

// FormOptions holds the reference data a delivery form offers.
type FormOptions struct {
	Squads    []domain.Squad
	Customers []domain.Customer
}

// SquadName returns the name of a squad id.
func (o FormOptions) SquadName(id int64) (string, bool) {
	for _, s := range o.Squads {
		if s.ID == id {
			return s.Name, true
		}
	}
	return "", false
}

// CustomerName returns the name of a customer id.
func (o FormOptions) CustomerName(id int64) (string, bool) {
	for _, c := range o.Customers {
		if c.ID == id {
			return c.Name, true
		}
	}
	return "", false
}

// FormOptions fetches squads and customers concurrently.
func (r *Repository) FormOptions(ctx context.Context) (FormOptions, error) {
	var opts FormOptions
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		squads, err := r.Squads(gctx)
		opts.Squads = squads
		return err
	})
	g.Go(func() error {
		customers, err := r.Customers(gctx)
		opts.Customers = customers
		return err
	})
	if err := g.Wait(); err != nil {
		return FormOptions{}, err
	}
	return opts, nil
}

// ResolveSquads maps squad names or ids typed by a user to ids.
func (o FormOptions) ResolveSquads(values []string) ([]int64, error) {
	var ids []int64
	for _, v := range values {
		id, ok := o.lookupSquad(v)
		if !ok {
			return nil, errors.NotFoundf("squad %q", v)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ResolveCustomer maps a customer name or id typed by a user to an id.
func (o FormOptions) ResolveCustomer(v string) (int64, error) {
	for _, c := range o.Customers {
		if equalFold(c.Name, v) || fmt.Sprint(c.ID) == v {
			return c.ID, nil
		}
	}
	return 0, errors.NotFoundf("customer %q", v)
}

func (o FormOptions) lookupSquad(v string) (int64, bool) {
	for _, s := range o.Squads {
		if equalFold(s.Name, v) || fmt.Sprint(s.ID) == v {
			return s.ID, true
		}
	}
	return 0, false
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
