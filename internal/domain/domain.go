package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is the workflow state of a delivery.
type Status int

const (
	StatusPending  Status = 1
	StatusApproved Status = 2
	StatusRejected Status = 3
)

// Statuses lists the defined workflow states in display order.
var Statuses = []Status{StatusPending, StatusApproved, StatusRejected}

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusApproved || s == StatusRejected
}

// String renders the status label; values outside the closed set render "unknown".
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ParseStatus accepts either the label or the numeric id.
func ParseStatus(v string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "pending", "1":
		return StatusPending, nil
	case "approved", "2":
		return StatusApproved, nil
	case "rejected", "3":
		return StatusRejected, nil
	}
	return 0, fmt.Errorf("invalid status %q", v)
}

// Type is the delivery category. It only drives labels and icons.
type Type int

const (
	TypeSystems        Type = 1
	TypeInfrastructure Type = 2
	TypeDevSecOps      Type = 3
)

var Types = []Type{TypeSystems, TypeInfrastructure, TypeDevSecOps}

func (t Type) Valid() bool {
	return t == TypeSystems || t == TypeInfrastructure || t == TypeDevSecOps
}

func (t Type) String() string {
	switch t {
	case TypeSystems:
		return "systems"
	case TypeInfrastructure:
		return "infrastructure"
	case TypeDevSecOps:
		return "devsecops"
	default:
		return "unknown"
	}
}

func (t Type) Icon() string {
	switch t {
	case TypeSystems:
		return "🖥️"
	case TypeInfrastructure:
		return "⚙️"
	case TypeDevSecOps:
		return "🔒"
	default:
		return "📌"
	}
}

func ParseType(v string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "systems", "sistemas", "1":
		return TypeSystems, nil
	case "infrastructure", "infra", "2":
		return TypeInfrastructure, nil
	case "devsecops", "3":
		return TypeDevSecOps, nil
	}
	return 0, fmt.Errorf("invalid type %q", v)
}

// Role is the single role attached to an authenticated user.
// The values are the ones issued by the identity API.
type Role string

const (
	RoleContributor Role = "Contribuidor"
	RoleApprover    Role = "Aprovador"
)

func (r Role) Valid() bool {
	return r == RoleContributor || r == RoleApprover
}

// Label is the English display name of the role.
func (r Role) Label() string {
	switch r {
	case RoleContributor:
		return "contributor"
	case RoleApprover:
		return "approver"
	default:
		return "none"
	}
}

const dateLayout = "2006-01-02"

// Date is a calendar date without a time component.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func NewDate(year int, month time.Month, day int) Date {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// ParseDate reads a YYYY-MM-DD value.
func ParseDate(v string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(v))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", v)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

func DateOf(t time.Time) Date {
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) Before(o Date) bool { return d.Time().Before(o.Time()) }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time().Format(dateLayout)
}

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Delivery is a milestone submitted for visibility and approval.
type Delivery struct {
	ID                       int64    `json:"id"`
	Title                    string   `json:"title"`
	Description              string   `json:"description"`
	Highlights               string   `json:"highlights,omitempty"`
	Type                     Type     `json:"type_id"`
	Status                   Status   `json:"status_id"`
	DeliveryDate             Date     `json:"delivery_date"`
	Applicant                string   `json:"applicant,omitempty"`
	Squads                   []string `json:"squads,omitempty"`
	SquadIDs                 []int64  `json:"squad_ids,omitempty"`
	Customer                 string   `json:"customer,omitempty"`
	CustomerID               int64    `json:"customer_id,omitempty"`
	Highlighted              bool     `json:"highlighted"`
	DescriptionGeneratedByAI bool     `json:"description_generated_ai"`
	UserID                   string   `json:"user_id,omitempty"`
}

// Draft carries the mutable fields of a delivery for create and update calls.
type Draft struct {
	Title        string
	Description  string
	Highlights   string
	Type         Type
	Status       Status
	DeliveryDate Date
	Applicant    string
	SquadIDs     []int64
	CustomerID   int64
	Highlighted  bool
	UserID       string
}

// DraftOf copies the mutable fields of d.
func DraftOf(d Delivery) Draft {
	return Draft{
		Title:        d.Title,
		Description:  d.Description,
		Highlights:   d.Highlights,
		Type:         d.Type,
		Status:       d.Status,
		DeliveryDate: d.DeliveryDate,
		Applicant:    d.Applicant,
		SquadIDs:     append([]int64(nil), d.SquadIDs...),
		CustomerID:   d.CustomerID,
		Highlighted:  d.Highlighted,
		UserID:       d.UserID,
	}
}

type Squad struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Customer struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// User is the identity returned by the identity API.
type User struct {
	ID    string `json:"id"`
	Login string `json:"login,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role_id"`
}

// DisplayName prefers the name, then the email, then the login.
func (u User) DisplayName() string {
	switch {
	case u.Name != "":
		return u.Name
	case u.Email != "":
		return u.Email
	default:
		return u.Login
	}
}

// Session is the authenticated identity of the running process.
type Session struct {
	User           User       `json:"user"`
	Token          string     `json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

func (s Session) Role() Role { return s.User.Role }

// Event is an audit entry written by the development backend.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
