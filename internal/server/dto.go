package server

import (
	"strings"
	"time"

	"observatorio/internal/domain"
	"observatorio/internal/engine"
	"observatorio/internal/repo"
)

// Request payloads

type PasswordLoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type SendCodeRequest struct {
	Email string `json:"email"`
}

type ValidateCodeRequest struct {
	Email    string `json:"email"`
	CodeHash string `json:"codeHash" doc:"one-time code received by email"`
}

// GoalRequest is accepted by create and update. Status is ignored.
type GoalRequest struct {
	ID                     *int64  `json:"id,omitempty"`
	Title                  string  `json:"title,omitempty"`
	Description            string  `json:"description,omitempty"`
	Highlights             string  `json:"highlights,omitempty"`
	TypeID                 int     `json:"typeId,omitempty"`
	StatusID               *int    `json:"statusId,omitempty"`
	DeliveryAt             string  `json:"deliveryAt,omitempty" example:"2025-06-01"`
	Applicant              string  `json:"applicant,omitempty"`
	SquadIDs               []int64 `json:"squadIds,omitempty"`
	CustomerID             int64   `json:"customerId,omitempty"`
	Highlighted            bool    `json:"highlighted,omitempty"`
	DescriptionGeneratedIA bool    `json:"descriptionGeneratedIA,omitempty"`
	UserID                 string  `json:"userId,omitempty"`
}

// Response payloads

type UserResponse struct {
	IdUsuario string `json:"IdUsuario"`
	Login     string `json:"Login"`
	Nome      string `json:"Nome"`
	Email     string `json:"Email"`
}

type LoginResponse struct {
	JWT       string       `json:"JWT"`
	ExpiresAt string       `json:"ExpiresAt" format:"date-time"`
	User      UserResponse `json:"User"`
	Perfis    []string     `json:"Perfis,omitempty"`
}

type AccessResponse struct {
	Perfis []string `json:"Perfis"`
}

type GoalResponse struct {
	ID                     int64   `json:"id"`
	Title                  string  `json:"title"`
	Description            string  `json:"description"`
	Highlights             string  `json:"highlights"`
	TypeID                 int     `json:"typeId"`
	StatusID               int     `json:"statusId"`
	DeliveryAt             string  `json:"deliveryAt"`
	CreatedAt              string  `json:"createdAt"`
	UpdatedAt              string  `json:"updatedAt"`
	Applicant              string  `json:"applicant"`
	Squad                  string  `json:"squad" doc:"comma separated squad names"`
	SquadIDs               []int64 `json:"squadIds"`
	Customer               string  `json:"customer"`
	CustomerID             int64   `json:"customerId"`
	Highlighted            bool    `json:"highlighted"`
	DescriptionGeneratedIA bool    `json:"descriptionGeneratedIA"`
	UserID                 string  `json:"userId"`
}

type NamedResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

func userResponse(u repo.User) UserResponse {
	return UserResponse{IdUsuario: u.ID, Login: u.Login, Nome: u.Name, Email: u.Email}
}

func goalResponse(g repo.Goal) GoalResponse {
	return GoalResponse{
		ID:                     g.ID,
		Title:                  g.Title,
		Description:            g.Description,
		Highlights:             g.Highlights,
		TypeID:                 int(g.Type),
		StatusID:               int(g.Status),
		DeliveryAt:             g.DeliveryDate.String() + "T00:00:00",
		CreatedAt:              g.CreatedAt,
		UpdatedAt:              g.UpdatedAt,
		Applicant:              g.Applicant,
		Squad:                  strings.Join(g.Squads, ", "),
		SquadIDs:               nonNilSlice(g.SquadIDs),
		Customer:               g.Customer,
		CustomerID:             g.CustomerID,
		Highlighted:            g.Highlighted,
		DescriptionGeneratedIA: g.DescriptionGeneratedByAI,
		UserID:                 g.UserID,
	}
}

func mapGoals(items []repo.Goal) []GoalResponse {
	out := make([]GoalResponse, 0, len(items))
	for _, g := range items {
		out = append(out, goalResponse(g))
	}
	return out
}

func rolesResponse(roles []domain.Role) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, string(r))
	}
	return out
}

// goalInput converts the wire request. The date accepts a plain date or a
// timestamp whose date part is used.
func goalInput(req GoalRequest) (engine.GoalInput, error) {
	in := engine.GoalInput{
		Title:                    req.Title,
		Description:              req.Description,
		Highlights:               req.Highlights,
		Type:                     domain.Type(req.TypeID),
		Applicant:                req.Applicant,
		SquadIDs:                 req.SquadIDs,
		CustomerID:               req.CustomerID,
		Highlighted:              req.Highlighted,
		DescriptionGeneratedByAI: req.DescriptionGeneratedIA,
	}
	if raw := strings.TrimSpace(req.DeliveryAt); raw != "" {
		datePart, _, _ := strings.Cut(raw, "T")
		d, err := domain.ParseDate(datePart)
		if err != nil {
			return in, engine.ValidationError{Field: "deliveryAt", Message: "expected YYYY-MM-DD"}
		}
		in.DeliveryDate = d
	}
	return in, nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func formatExpiry(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
