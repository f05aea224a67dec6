package form

import (
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"observatorio/internal/domain"
)

func validForm() DeliveryForm {
	f := New()
	f.Title = "Launch X"
	f.Description = "desc"
	f.Date = "2025-06-01"
	f.SquadIDs = []int64{1}
	f.CustomerID = 7
	return f
}

func TestValidateReportsFieldsInOrder(t *testing.T) {
	errs := DeliveryForm{Title: "  ", Type: 9}.Validate()
	var fields []string
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	assert.Equal(t, []string{FieldTitle, FieldDescription, FieldDate, FieldSquads, FieldCustomer, FieldType}, fields)
	assert.True(t, errors.Is(errs, errors.NotValid))
}

func TestValidateRules(t *testing.T) {
	cases := []struct {
		name  string
		edit  func(*DeliveryForm)
		field string
	}{
		{"bad date", func(f *DeliveryForm) { f.Date = "01/06/2025" }, FieldDate},
		{"no squads", func(f *DeliveryForm) { f.SquadIDs = nil }, FieldSquads},
		{"no customer", func(f *DeliveryForm) { f.CustomerID = 0 }, FieldCustomer},
		{"infrastructure without system", func(f *DeliveryForm) { f.Type = domain.TypeInfrastructure }, FieldApplicant},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := validForm()
			tc.edit(&f)
			errs := f.Validate()
			require.Len(t, errs, 1)
			_, ok := errs.Get(tc.field)
			assert.True(t, ok, "got %v", errs)
		})
	}
	assert.Nil(t, validForm().Validate())
}

func TestDraftConversion(t *testing.T) {
	f := validForm()
	f.Title = " Launch X "
	f.Type = domain.TypeInfrastructure
	f.Applicant = "ERP"
	d, err := f.Draft()
	require.NoError(t, err)
	assert.Equal(t, "Launch X", d.Title)
	assert.Equal(t, domain.NewDate(2025, time.June, 1), d.DeliveryDate)
	assert.Equal(t, "ERP", d.Applicant)
	assert.Zero(t, d.Status, "status is decided by the workflow")

	_, err = DeliveryForm{}.Draft()
	var fe FieldErrors
	require.ErrorAs(t, err, &fe)
}

func TestFromDeliveryRoundTrip(t *testing.T) {
	d := domain.Delivery{
		ID:           4,
		Title:        "t",
		Description:  "d",
		Type:         domain.TypeDevSecOps,
		Status:       domain.StatusApproved,
		DeliveryDate: domain.NewDate(2024, time.December, 31),
		SquadIDs:     []int64{2, 3},
		CustomerID:   1,
		Highlighted:  true,
	}
	f := FromDelivery(d)
	assert.Equal(t, "2024-12-31", f.Date)
	draft, err := f.Draft()
	require.NoError(t, err)
	assert.Equal(t, d.SquadIDs, draft.SquadIDs)
	assert.True(t, draft.Highlighted)
}
