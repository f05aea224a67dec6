package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/loggo"

	"observatorio/internal/domain"
	"observatorio/internal/engine/auth"
	"observatorio/internal/events"
	"observatorio/internal/repo"
	"observatorio/internal/workflow"
)

var logger = loggo.GetLogger("observatorio.engine")

const defaultCodeTTL = 10 * time.Minute

// CodeSender delivers one-time login codes to their recipient.
type CodeSender interface {
	SendCode(ctx context.Context, email, code string) error
}

// LogCodeSender writes codes to the engine log. It is meant for local use only.
type LogCodeSender struct{}

func (LogCodeSender) SendCode(_ context.Context, email, code string) error {
	logger.Infof("login code for %s: %s", email, code)
	return nil
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Service
	Codes   CodeSender
	CodeTTL time.Duration
	Now     func() time.Time
}

func New(db *sql.DB) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{DB: db},
		Auth:    auth.Service{Repo: r},
		Codes:   LogCodeSender{},
		CodeTTL: defaultCodeTTL,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Actor is the authenticated caller of a mutation.
type Actor struct {
	ID   string
	Role domain.Role
}

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// UserCreateOptions are parameters for registering a user.
type UserCreateOptions struct {
	Login    string
	Name     string
	Email    string
	Password string
	Role     domain.Role
}

// CreateUser registers an identity with a hashed password.
func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions, actorID string) (repo.User, error) {
	opts.Login = strings.TrimSpace(opts.Login)
	opts.Email = strings.ToLower(strings.TrimSpace(opts.Email))
	if opts.Login == "" {
		return repo.User{}, ValidationError{Field: "login", Message: "required"}
	}
	if !strings.Contains(opts.Email, "@") {
		return repo.User{}, ValidationError{Field: "email", Message: "must be an email address"}
	}
	if !opts.Role.Valid() {
		return repo.User{}, ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", opts.Role)}
	}
	hash, err := auth.HashSecret(opts.Password)
	if err != nil {
		return repo.User{}, ValidationError{Field: "password", Message: "required"}
	}
	u := repo.User{
		User: domain.User{
			ID:    uuid.NewString(),
			Login: opts.Login,
			Name:  strings.TrimSpace(opts.Name),
			Email: opts.Email,
			Role:  opts.Role,
		},
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return repo.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return repo.User{}, fmt.Errorf("insert user: %w", err)
	}
	if actorID == "" {
		actorID = u.ID
	}
	if err := e.Events.Append(ctx, tx, events.UserCreated, "user", u.ID, actorID, events.EventPayload{"login": u.Login, "role": string(u.Role)}); err != nil {
		return repo.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return repo.User{}, err
	}
	logger.Infof("user %s registered as %s", u.Login, u.Role.Label())
	return u, nil
}

// Authenticate checks a login and password pair.
func (e Engine) Authenticate(ctx context.Context, login, password string) (repo.User, error) {
	u, err := e.Repo.GetUserByLogin(ctx, login)
	if errors.Is(err, repo.ErrNotFound) {
		return repo.User{}, auth.ErrInvalidCredentials
	}
	if err != nil {
		return repo.User{}, err
	}
	if !auth.CompareSecret(u.PasswordHash, password) {
		return repo.User{}, auth.ErrInvalidCredentials
	}
	if err := e.appendStandalone(ctx, events.LoginSuccess, "user", u.ID, u.ID, events.EventPayload{"protocol": "password"}); err != nil {
		return repo.User{}, err
	}
	return u, nil
}

// IssueCode creates a one-time code for the user owning email and hands it
// to the configured sender. Only a bcrypt digest of the code is stored.
func (e Engine) IssueCode(ctx context.Context, email string) error {
	u, err := e.Repo.GetUserByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return auth.ErrInvalidCredentials
	}
	if err != nil {
		return err
	}
	code, err := auth.GenerateCode()
	if err != nil {
		return err
	}
	hash, err := auth.HashSecret(code)
	if err != nil {
		return err
	}
	ttl := e.CodeTTL
	if ttl <= 0 {
		ttl = defaultCodeTTL
	}
	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertLoginCode(ctx, tx, repo.LoginCode{
		Email:     u.Email,
		CodeHash:  hash,
		ExpiresAt: now.Add(ttl).Format(time.RFC3339),
		CreatedAt: now.Format(time.RFC3339),
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.CodeIssued, "user", u.ID, u.ID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	sender := e.Codes
	if sender == nil {
		sender = LogCodeSender{}
	}
	return sender.SendCode(ctx, u.Email, code)
}

// ValidateCode consumes the pending code for email.
func (e Engine) ValidateCode(ctx context.Context, email, code string) (repo.User, error) {
	pending, err := e.Repo.GetLoginCode(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return repo.User{}, auth.ErrInvalidCredentials
	}
	if err != nil {
		return repo.User{}, err
	}
	expires, err := time.Parse(time.RFC3339, pending.ExpiresAt)
	if err != nil || !e.now().Before(expires) {
		return repo.User{}, auth.ErrInvalidCredentials
	}
	if !auth.CompareSecret(pending.CodeHash, strings.TrimSpace(code)) {
		return repo.User{}, auth.ErrInvalidCredentials
	}
	u, err := e.Repo.GetUserByEmail(ctx, email)
	if err != nil {
		return repo.User{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return repo.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteLoginCode(ctx, tx, email); err != nil {
		return repo.User{}, err
	}
	if err := e.Events.Append(ctx, tx, events.LoginSuccess, "user", u.ID, u.ID, events.EventPayload{"protocol": "email-code"}); err != nil {
		return repo.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return repo.User{}, err
	}
	return u, nil
}

// GoalInput carries the caller-supplied fields of a goal. Status is not part
// of it: creation always starts Pending and updates keep the stored state.
type GoalInput struct {
	Title                    string
	Description              string
	Highlights               string
	Type                     domain.Type
	DeliveryDate             domain.Date
	Applicant                string
	SquadIDs                 []int64
	CustomerID               int64
	Highlighted              bool
	DescriptionGeneratedByAI bool
}

func (e Engine) validateGoal(ctx context.Context, tx *sql.Tx, in GoalInput) error {
	if strings.TrimSpace(in.Title) == "" {
		return ValidationError{Field: "title", Message: "required"}
	}
	if strings.TrimSpace(in.Description) == "" {
		return ValidationError{Field: "description", Message: "required"}
	}
	if in.DeliveryDate.IsZero() {
		return ValidationError{Field: "deliveryAt", Message: "required"}
	}
	if !in.Type.Valid() {
		return ValidationError{Field: "typeId", Message: fmt.Sprintf("unknown type %d", in.Type)}
	}
	if len(in.SquadIDs) == 0 {
		return ValidationError{Field: "squadIds", Message: "at least one squad is required"}
	}
	ok, err := e.Repo.SquadsExist(ctx, tx, in.SquadIDs)
	if err != nil {
		return err
	}
	if !ok {
		return ValidationError{Field: "squadIds", Message: "unknown squad"}
	}
	if in.CustomerID == 0 {
		return ValidationError{Field: "customerId", Message: "required"}
	}
	ok, err = e.Repo.CustomerExists(ctx, tx, in.CustomerID)
	if err != nil {
		return err
	}
	if !ok {
		return ValidationError{Field: "customerId", Message: "unknown customer"}
	}
	return nil
}

// CreateGoal stores a new goal in the Pending state.
func (e Engine) CreateGoal(ctx context.Context, in GoalInput, actor Actor) (repo.Goal, error) {
	if err := workflow.CheckCreate(actor.Role); err != nil {
		return repo.Goal{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return repo.Goal{}, err
	}
	defer tx.Rollback()
	if err := e.validateGoal(ctx, tx, in); err != nil {
		return repo.Goal{}, err
	}
	now := e.stamp()
	g := repo.Goal{CreatedAt: now, UpdatedAt: now}
	applyInput(&g, in)
	g.Status = workflow.InitialStatus()
	g.UserID = actor.ID
	id, err := e.Repo.InsertGoal(ctx, tx, g)
	if err != nil {
		return repo.Goal{}, fmt.Errorf("insert goal: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.GoalCreated, "goal", goalKey(id), actor.ID, events.EventPayload{"title": g.Title, "status": g.Status.String()}); err != nil {
		return repo.Goal{}, err
	}
	created, err := e.Repo.GetGoalTx(ctx, tx, id)
	if err != nil {
		return repo.Goal{}, err
	}
	if err := tx.Commit(); err != nil {
		return repo.Goal{}, err
	}
	return created, nil
}

// UpdateGoal rewrites the mutable fields of a goal without touching its state.
func (e Engine) UpdateGoal(ctx context.Context, id int64, in GoalInput, actor Actor) (repo.Goal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return repo.Goal{}, err
	}
	defer tx.Rollback()
	g, err := e.Repo.GetGoalTx(ctx, tx, id)
	if err != nil {
		return repo.Goal{}, err
	}
	if err := workflow.CheckEdit(actor.Role, g.Status); err != nil {
		return repo.Goal{}, err
	}
	if err := e.validateGoal(ctx, tx, in); err != nil {
		return repo.Goal{}, err
	}
	applyInput(&g, in)
	g.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateGoal(ctx, tx, g); err != nil {
		return repo.Goal{}, err
	}
	if err := e.Events.Append(ctx, tx, events.GoalUpdated, "goal", goalKey(id), actor.ID, events.EventPayload{"title": g.Title}); err != nil {
		return repo.Goal{}, err
	}
	updated, err := e.Repo.GetGoalTx(ctx, tx, id)
	if err != nil {
		return repo.Goal{}, err
	}
	if err := tx.Commit(); err != nil {
		return repo.Goal{}, err
	}
	return updated, nil
}

// DeleteGoal removes a rejected goal.
func (e Engine) DeleteGoal(ctx context.Context, id int64, actor Actor) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	g, err := e.Repo.GetGoalTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := workflow.CheckDelete(actor.Role, g.Status); err != nil {
		return err
	}
	if err := e.Repo.DeleteGoal(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.GoalDeleted, "goal", goalKey(id), actor.ID, events.EventPayload{"title": g.Title}); err != nil {
		return err
	}
	return tx.Commit()
}

// TransitionGoal applies approve or reject to a goal.
func (e Engine) TransitionGoal(ctx context.Context, id int64, action workflow.Action, actor Actor) (repo.Goal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return repo.Goal{}, err
	}
	defer tx.Rollback()
	g, err := e.Repo.GetGoalTx(ctx, tx, id)
	if err != nil {
		return repo.Goal{}, err
	}
	from := g.Status
	to, err := workflow.Transition(from, action, actor.Role)
	if err != nil {
		return repo.Goal{}, err
	}
	if err := e.Repo.SetGoalStatus(ctx, tx, id, to, e.stamp()); err != nil {
		return repo.Goal{}, err
	}
	evtType := events.GoalApproved
	if to == domain.StatusRejected {
		evtType = events.GoalRejected
	}
	if err := e.Events.Append(ctx, tx, evtType, "goal", goalKey(id), actor.ID, events.EventPayload{"from": from.String(), "to": to.String()}); err != nil {
		return repo.Goal{}, err
	}
	updated, err := e.Repo.GetGoalTx(ctx, tx, id)
	if err != nil {
		return repo.Goal{}, err
	}
	if err := tx.Commit(); err != nil {
		return repo.Goal{}, err
	}
	logger.Debugf("goal %d moved %s -> %s by %s", id, from, to, actor.ID)
	return updated, nil
}

// SeedReference makes sure the named squads and customers exist.
func (e Engine) SeedReference(ctx context.Context, squads, customers []string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, name := range squads {
		if strings.TrimSpace(name) == "" {
			continue
		}
		if _, err := e.Repo.EnsureSquad(ctx, tx, name); err != nil {
			return fmt.Errorf("seed squad %s: %w", name, err)
		}
	}
	for _, name := range customers {
		if strings.TrimSpace(name) == "" {
			continue
		}
		if _, err := e.Repo.EnsureCustomer(ctx, tx, name); err != nil {
			return fmt.Errorf("seed customer %s: %w", name, err)
		}
	}
	return tx.Commit()
}

func (e Engine) appendStandalone(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func applyInput(g *repo.Goal, in GoalInput) {
	g.Title = strings.TrimSpace(in.Title)
	g.Description = in.Description
	g.Highlights = in.Highlights
	g.Type = in.Type
	g.DeliveryDate = in.DeliveryDate
	g.Applicant = strings.TrimSpace(in.Applicant)
	g.SquadIDs = append([]int64(nil), in.SquadIDs...)
	g.CustomerID = in.CustomerID
	g.Highlighted = in.Highlighted
	g.DescriptionGeneratedByAI = in.DescriptionGeneratedByAI
}

func goalKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
