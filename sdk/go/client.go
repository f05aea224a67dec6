package observatoriosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"observatorio/internal/domain"
)

const tracerName = "observatorio/sdk"

// Client is an HTTP client for the delivery API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration

	mu     sync.RWMutex
	token  string
	tracer trace.Tracer
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.Timeout = d }
}

// WithCookieJar keeps cookies set by the API across requests.
func WithCookieJar(jar http.CookieJar) Option {
	return func(c *Client) {
		if c.HTTPClient == nil {
			c.HTTPClient = &http.Client{Timeout: c.Timeout}
		}
		c.HTTPClient.Jar = jar
	}
}

// WithToken starts the client with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a client with sane defaults.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c
}

// SetToken replaces the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Is classifies the response status with the juju/errors kinds.
func (e *APIError) Is(target error) bool {
	switch target {
	case errors.NotFound:
		return e.StatusCode == http.StatusNotFound
	case errors.Unauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case errors.Forbidden:
		return e.StatusCode == http.StatusForbidden
	case errors.NotValid:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	case errors.AlreadyExists:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// TransportError reports a request that never produced an HTTP response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// LoginResult is the decoded answer of a successful authentication call.
type LoginResult struct {
	Token     string
	ExpiresAt *time.Time
	User      domain.User
	// Profiles is only filled by the one-time code protocol.
	Profiles []string
}

// PasswordLogin exchanges a login and password for a token.
func (c *Client) PasswordLogin(ctx context.Context, login, password string) (LoginResult, error) {
	var raw loginWire
	if err := c.do(ctx, http.MethodPost, "Auth/login", map[string]string{"login": login, "password": password}, &raw); err != nil {
		return LoginResult{}, err
	}
	return decodeLogin(raw)
}

// VerifyAccess returns the profiles granted to userID.
func (c *Client) VerifyAccess(ctx context.Context, userID string) ([]string, error) {
	var raw struct {
		Perfis []string `json:"Perfis"`
	}
	if err := c.do(ctx, http.MethodGet, "Auth/verify-access/"+url.PathEscape(userID), nil, &raw); err != nil {
		return nil, err
	}
	return raw.Perfis, nil
}

// SendCode asks the API to email a one-time login code.
func (c *Client) SendCode(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "Login/email", map[string]string{"email": email}, nil)
}

// ValidateCode exchanges a one-time code for a token.
func (c *Client) ValidateCode(ctx context.Context, email, code string) (LoginResult, error) {
	var raw loginWire
	if err := c.do(ctx, http.MethodPost, "Login/validate", map[string]string{"email": email, "codeHash": code}, &raw); err != nil {
		return LoginResult{}, err
	}
	return decodeLogin(raw)
}

// ListGoals fetches every delivery visible to the caller.
func (c *Client) ListGoals(ctx context.Context) ([]domain.Delivery, error) {
	var raw []goalWire
	if err := c.do(ctx, http.MethodGet, "Goal", nil, &raw); err != nil {
		return nil, err
	}
	return decodeGoals(raw), nil
}

// GetGoal fetches one delivery.
func (c *Client) GetGoal(ctx context.Context, id int64) (domain.Delivery, error) {
	var raw goalWire
	if err := c.do(ctx, http.MethodGet, goalPath(id), nil, &raw); err != nil {
		return domain.Delivery{}, err
	}
	return decodeGoal(raw)
}

// CreateGoal registers a delivery.
func (c *Client) CreateGoal(ctx context.Context, d domain.Draft) (domain.Delivery, error) {
	var raw goalWire
	if err := c.do(ctx, http.MethodPost, "Goal", encodeDraft(nil, d), &raw); err != nil {
		return domain.Delivery{}, err
	}
	return decodeGoal(raw)
}

// UpdateGoal replaces the mutable fields of a delivery.
func (c *Client) UpdateGoal(ctx context.Context, id int64, d domain.Draft) (domain.Delivery, error) {
	var raw goalWire
	if err := c.do(ctx, http.MethodPut, goalPath(id), encodeDraft(&id, d), &raw); err != nil {
		return domain.Delivery{}, err
	}
	return decodeGoal(raw)
}

// DeleteGoal removes a delivery.
func (c *Client) DeleteGoal(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, goalPath(id), nil, nil)
}

// ApproveGoal moves a delivery to Approved.
func (c *Client) ApproveGoal(ctx context.Context, id int64) (domain.Delivery, error) {
	return c.transition(ctx, id, "approve")
}

// RejectGoal moves a delivery to Rejected.
func (c *Client) RejectGoal(ctx context.Context, id int64) (domain.Delivery, error) {
	return c.transition(ctx, id, "reject")
}

func (c *Client) transition(ctx context.Context, id int64, action string) (domain.Delivery, error) {
	var raw goalWire
	if err := c.do(ctx, http.MethodPut, goalPath(id)+"/"+action, nil, &raw); err != nil {
		return domain.Delivery{}, err
	}
	return decodeGoal(raw)
}

// Squads lists the squads a delivery can be attributed to.
func (c *Client) Squads(ctx context.Context) ([]domain.Squad, error) {
	var raw []namedWire
	if err := c.do(ctx, http.MethodGet, "squad", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]domain.Squad, 0, len(raw))
	for i, n := range raw {
		id, name, err := n.decode("squad", i)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Squad{ID: id, Name: name})
	}
	return out, nil
}

// Customers lists the business areas a delivery can serve.
func (c *Client) Customers(ctx context.Context) ([]domain.Customer, error) {
	var raw []namedWire
	if err := c.do(ctx, http.MethodGet, "customer", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]domain.Customer, 0, len(raw))
	for i, n := range raw {
		id, name, err := n.decode("customer", i)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Customer{ID: id, Name: name})
	}
	return out, nil
}

// EventQuery narrows an audit log listing.
type EventQuery struct {
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
	Cursor     string
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []domain.Event
	NextCursor string
}

// Events returns a page of audit events, newest first.
func (c *Client) Events(ctx context.Context, q EventQuery) (PaginatedEvents, error) {
	params := url.Values{}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	if q.EntityKind != "" {
		params.Set("entity_kind", q.EntityKind)
	}
	if q.EntityID != "" {
		params.Set("entity_id", q.EntityID)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	endpoint := "events"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var raw struct {
		Items []struct {
			ID         int64           `json:"id"`
			TS         string          `json:"ts"`
			Type       string          `json:"type"`
			EntityKind string          `json:"entity_kind"`
			EntityID   string          `json:"entity_id"`
			ActorID    string          `json:"actor_id"`
			Payload    json.RawMessage `json:"payload"`
		} `json:"items"`
		NextCursor string `json:"next_cursor"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return PaginatedEvents{}, err
	}
	page := PaginatedEvents{NextCursor: raw.NextCursor, Items: make([]domain.Event, 0, len(raw.Items))}
	for _, it := range raw.Items {
		page.Items = append(page.Items, domain.Event{
			ID:         it.ID,
			TS:         it.TS,
			Type:       it.Type,
			EntityKind: it.EntityKind,
			EntityID:   it.EntityID,
			ActorID:    it.ActorID,
			Payload:    string(it.Payload),
		})
	}
	return page, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, method+" "+spanRoute(endpoint), trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.url", target))
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &TransportError{Op: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return newAPIError(resp.StatusCode, b)
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: method + " " + endpoint, Err: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &DecodeError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: strings.TrimSpace(string(body))}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

func spanRoute(endpoint string) string {
	route, _, _ := strings.Cut(endpoint, "?")
	parts := strings.Split(route, "/")
	for i, p := range parts {
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = "{id}"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func goalPath(id int64) string {
	return "Goal/" + strconv.FormatInt(id, 10)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
