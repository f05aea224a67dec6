// Package form holds the delivery form and its validation rules. Validation
// runs before any network call is made.
package form

import (
	"strings"

	"github.com/juju/errors"

	"observatorio/internal/domain"
)

// Field names, in the order errors are reported.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldDate        = "date"
	FieldSquads      = "squads"
	FieldCustomer    = "customer"
	FieldType        = "type"
	FieldApplicant   = "applicant"
)

// FieldError is a single inline validation message.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors is the ordered result of Validate. It is nil when the form is
// valid.
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	parts := make([]string, 0, len(fe))
	for _, e := range fe {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return strings.Join(parts, "; ")
}

// Is classifies validation failures as errors.NotValid.
func (fe FieldErrors) Is(target error) bool {
	return target == errors.NotValid
}

// Get returns the message for field, if any.
func (fe FieldErrors) Get(field string) (string, bool) {
	for _, e := range fe {
		if e.Field == field {
			return e.Message, true
		}
	}
	return "", false
}

// DeliveryForm is the user-editable shape of a delivery. Date is kept as
// typed so that a malformed value can be reported inline.
type DeliveryForm struct {
	Title       string
	Description string
	Highlights  string
	Date        string
	Type        domain.Type
	SquadIDs    []int64
	CustomerID  int64
	Applicant   string
	Highlighted bool
}

// New returns an empty form with the default type.
func New() DeliveryForm {
	return DeliveryForm{Type: domain.TypeSystems}
}

// FromDelivery pre-fills the form for editing d.
func FromDelivery(d domain.Delivery) DeliveryForm {
	return DeliveryForm{
		Title:       d.Title,
		Description: d.Description,
		Highlights:  d.Highlights,
		Date:        d.DeliveryDate.String(),
		Type:        d.Type,
		SquadIDs:    append([]int64(nil), d.SquadIDs...),
		CustomerID:  d.CustomerID,
		Applicant:   d.Applicant,
		Highlighted: d.Highlighted,
	}
}

// Validate checks every field and reports all failures at once.
func (f DeliveryForm) Validate() FieldErrors {
	var errs FieldErrors
	add := func(field, msg string) {
		errs = append(errs, FieldError{Field: field, Message: msg})
	}
	if strings.TrimSpace(f.Title) == "" {
		add(FieldTitle, "Title is required.")
	}
	if strings.TrimSpace(f.Description) == "" {
		add(FieldDescription, "Description is required.")
	}
	if strings.TrimSpace(f.Date) == "" {
		add(FieldDate, "Delivery date is required.")
	} else if _, err := domain.ParseDate(f.Date); err != nil {
		add(FieldDate, "Use the YYYY-MM-DD format.")
	}
	if len(f.SquadIDs) == 0 {
		add(FieldSquads, "Select at least one squad.")
	}
	if f.CustomerID == 0 {
		add(FieldCustomer, "Select the business area.")
	}
	if !f.Type.Valid() {
		add(FieldType, "Select a delivery type.")
	} else if f.Type == domain.TypeInfrastructure && strings.TrimSpace(f.Applicant) == "" {
		add(FieldApplicant, "Name the system that received the change.")
	}
	return errs
}

// Draft converts a form to the repository draft. It validates first.
func (f DeliveryForm) Draft() (domain.Draft, error) {
	if errs := f.Validate(); errs != nil {
		return domain.Draft{}, errs
	}
	date, _ := domain.ParseDate(f.Date)
	return domain.Draft{
		Title:        strings.TrimSpace(f.Title),
		Description:  strings.TrimSpace(f.Description),
		Highlights:   strings.TrimSpace(f.Highlights),
		Type:         f.Type,
		DeliveryDate: date,
		Applicant:    strings.TrimSpace(f.Applicant),
		SquadIDs:     append([]int64(nil), f.SquadIDs...),
		CustomerID:   f.CustomerID,
		Highlighted:  f.Highlighted,
	}, nil
}
