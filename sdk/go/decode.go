package observatoriosdk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juju/loggo"

	"observatorio/internal/domain"
)

var logger = loggo.GetLogger("observatorio.sdk")

// DecodeError reports a response that does not satisfy the expected schema.
type DecodeError struct {
	Field  string
	Index  int
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Index > 0 {
		return fmt.Sprintf("decode %s (item %d): %s", e.Field, e.Index, e.Reason)
	}
	return fmt.Sprintf("decode %s: %s", e.Field, e.Reason)
}

// looseString accepts a JSON string or number.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = looseString(n.String())
	return nil
}

type goalWire struct {
	ID                     *int64      `json:"id"`
	Title                  *string     `json:"title"`
	Description            string      `json:"description"`
	Highlights             string      `json:"highlights"`
	TypeID                 int         `json:"typeId"`
	StatusID               int         `json:"statusId"`
	DeliveryAt             string      `json:"deliveryAt"`
	CreatedAt              string      `json:"createdAt"`
	Applicant              string      `json:"applicant"`
	Squad                  string      `json:"squad"`
	Squads                 string      `json:"squads"`
	SquadIDs               []int64     `json:"squadIds"`
	Customer               string      `json:"customer"`
	CustomerID             int64       `json:"customerId"`
	Highlighted            bool        `json:"highlighted"`
	DescriptionGeneratedIA bool        `json:"descriptionGeneratedIA"`
	UserID                 looseString `json:"userId"`
}

type goalWriteWire struct {
	ID                     *int64  `json:"id,omitempty"`
	Title                  string  `json:"title"`
	Description            string  `json:"description"`
	Highlights             string  `json:"highlights"`
	TypeID                 int     `json:"typeId"`
	StatusID               int     `json:"statusId"`
	DeliveryAt             string  `json:"deliveryAt"`
	Applicant              string  `json:"applicant"`
	SquadIDs               []int64 `json:"squadIds"`
	CustomerID             int64   `json:"customerId"`
	Highlighted            bool    `json:"highlighted"`
	DescriptionGeneratedIA bool    `json:"descriptionGeneratedIA"`
	UserID                 string  `json:"userId,omitempty"`
}

type loginWire struct {
	JWT       string `json:"JWT"`
	ExpiresAt string `json:"ExpiresAt"`
	User      *struct {
		IdUsuario looseString `json:"IdUsuario"`
		Login     string      `json:"Login"`
		Nome      string      `json:"Nome"`
		Email     string      `json:"Email"`
	} `json:"User"`
	Perfis []string `json:"Perfis"`
}

type namedWire struct {
	ID   *int64 `json:"id"`
	Name string `json:"name"`
}

func (n namedWire) decode(kind string, idx int) (int64, string, error) {
	if n.ID == nil {
		return 0, "", &DecodeError{Field: kind + ".id", Index: idx + 1, Reason: "missing"}
	}
	name := strings.TrimSpace(n.Name)
	if name == "" {
		return 0, "", &DecodeError{Field: kind + ".name", Index: idx + 1, Reason: "missing"}
	}
	return *n.ID, name, nil
}

// decodeGoals keeps every record that decodes. A malformed record is logged
// and skipped so one bad row does not hide the rest of the list.
func decodeGoals(raw []goalWire) []domain.Delivery {
	out := make([]domain.Delivery, 0, len(raw))
	for i, g := range raw {
		d, err := decodeGoal(g)
		if err != nil {
			if de, ok := err.(*DecodeError); ok {
				de.Index = i + 1
			}
			logger.Warningf("skipping goal: %v", err)
			continue
		}
		out = append(out, d)
	}
	return out
}

// decodeGoal produces a fully defaulted delivery or a DecodeError. Unknown
// status and type values are kept so they render as unknown.
func decodeGoal(g goalWire) (domain.Delivery, error) {
	if g.ID == nil || *g.ID <= 0 {
		return domain.Delivery{}, &DecodeError{Field: "id", Reason: "missing or not positive"}
	}
	if g.Title == nil || strings.TrimSpace(*g.Title) == "" {
		return domain.Delivery{}, &DecodeError{Field: "title", Reason: "missing"}
	}
	date, err := wireDate(g.DeliveryAt)
	if err != nil {
		return domain.Delivery{}, &DecodeError{Field: "deliveryAt", Reason: err.Error()}
	}
	if date.IsZero() {
		if date, err = wireDate(g.CreatedAt); err != nil || date.IsZero() {
			return domain.Delivery{}, &DecodeError{Field: "deliveryAt", Reason: "missing and no createdAt fallback"}
		}
	}
	squads := g.Squad
	if strings.TrimSpace(squads) == "" {
		squads = g.Squads
	}
	return domain.Delivery{
		ID:                       *g.ID,
		Title:                    strings.TrimSpace(*g.Title),
		Description:              g.Description,
		Highlights:               g.Highlights,
		Type:                     domain.Type(g.TypeID),
		Status:                   domain.Status(g.StatusID),
		DeliveryDate:             date,
		Applicant:                strings.TrimSpace(g.Applicant),
		Squads:                   splitList(squads),
		SquadIDs:                 append([]int64(nil), g.SquadIDs...),
		Customer:                 strings.TrimSpace(g.Customer),
		CustomerID:               g.CustomerID,
		Highlighted:              g.Highlighted,
		DescriptionGeneratedByAI: g.DescriptionGeneratedIA,
		UserID:                   string(g.UserID),
	}, nil
}

func decodeLogin(raw loginWire) (LoginResult, error) {
	if strings.TrimSpace(raw.JWT) == "" {
		return LoginResult{}, &DecodeError{Field: "JWT", Reason: "missing"}
	}
	if raw.User == nil || strings.TrimSpace(string(raw.User.IdUsuario)) == "" {
		return LoginResult{}, &DecodeError{Field: "User.IdUsuario", Reason: "missing"}
	}
	res := LoginResult{
		Token: raw.JWT,
		User: domain.User{
			ID:    string(raw.User.IdUsuario),
			Login: raw.User.Login,
			Name:  raw.User.Nome,
			Email: raw.User.Email,
		},
		Profiles: raw.Perfis,
	}
	if raw.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, raw.ExpiresAt); err == nil {
			res.ExpiresAt = &t
		}
	}
	return res, nil
}

func encodeDraft(id *int64, d domain.Draft) goalWriteWire {
	deliveryAt := ""
	if !d.DeliveryDate.IsZero() {
		deliveryAt = d.DeliveryDate.String() + "T00:00:00"
	}
	return goalWriteWire{
		ID:          id,
		Title:       d.Title,
		Description: d.Description,
		Highlights:  d.Highlights,
		TypeID:      int(d.Type),
		StatusID:    int(d.Status),
		DeliveryAt:  deliveryAt,
		Applicant:   d.Applicant,
		SquadIDs:    d.SquadIDs,
		CustomerID:  d.CustomerID,
		Highlighted: d.Highlighted,
		UserID:      d.UserID,
	}
}

// wireDate reads the date part of a timestamp. An empty value is not an error.
func wireDate(v string) (domain.Date, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return domain.Date{}, nil
	}
	datePart, _, _ := strings.Cut(v, "T")
	datePart, _, _ = strings.Cut(datePart, " ")
	return domain.ParseDate(datePart)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseID reads a delivery id from user input.
func ParseID(v string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid delivery id %q", v)
	}
	return id, nil
}
