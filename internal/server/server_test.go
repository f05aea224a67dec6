package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"observatorio/internal/config"
	"observatorio/internal/db"
	"observatorio/internal/domain"
	"observatorio/internal/engine"
	"observatorio/internal/migrate"
)

const testSecret = "test-secret"

type codeCapture struct {
	mu    sync.Mutex
	codes map[string]string
}

func (c *codeCapture) SendCode(_ context.Context, email, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[email] = code
	return nil
}

func (c *codeCapture) get(email string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codes[email]
}

type testServer struct {
	URL      string
	Engine   engine.Engine
	Codes    *codeCapture
	Squads   []int64
	Customer int64
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Name: db.BackendDB})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, migrate.Backend); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	e := engine.New(conn)
	codes := &codeCapture{codes: map[string]string{}}
	e.Codes = codes
	if err := e.SeedReference(ctx, []string{"Plataforma", "Dados"}, []string{"Financeiro"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	users := []engine.UserCreateOptions{
		{Login: "ana", Name: "Ana", Email: "ana@example.com", Password: "s3cret", Role: domain.RoleApprover},
		{Login: "bia", Name: "Bia", Email: "bia@example.com", Password: "s3cret", Role: domain.RoleContributor},
	}
	for _, u := range users {
		if _, err := e.CreateUser(ctx, u, ""); err != nil {
			t.Fatalf("create user %s: %v", u.Login, err)
		}
	}
	squads, err := e.Repo.ListSquads(ctx)
	if err != nil {
		t.Fatalf("list squads: %v", err)
	}
	customers, err := e.Repo.ListCustomers(ctx)
	if err != nil {
		t.Fatalf("list customers: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/api", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		Engine:   e,
		Codes:    codes,
		Customer: customers[0].ID,
		client:   &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	for _, s := range squads {
		testSrv.Squads = append(testSrv.Squads, s.ID)
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func login(t *testing.T, srv *testServer, user, password string) LoginResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/Auth/login", map[string]string{
		"login":    user,
		"password": password,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login %s status %d: %s", user, res.StatusCode, string(data))
	}
	var out LoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if out.JWT == "" || out.User.IdUsuario == "" {
		t.Fatalf("incomplete login response: %s", string(data))
	}
	return out
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestPasswordLoginAndVerifyAccess(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/Auth/login", map[string]string{"login": "bia", "password": "nope"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on wrong password, got %d: %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "invalid_credentials" {
		t.Fatalf("unexpected error code %q", code)
	}

	bia := login(t, srv, "bia", "s3cret")
	if bia.User.Login != "bia" || bia.User.Email != "bia@example.com" || bia.User.Nome != "Bia" {
		t.Fatalf("unexpected user payload: %+v", bia.User)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/Auth/verify-access/"+bia.User.IdUsuario, nil, bearer(bia.JWT))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify access status %d: %s", res.StatusCode, string(data))
	}
	var access AccessResponse
	if err := json.Unmarshal(data, &access); err != nil {
		t.Fatalf("unmarshal access: %v", err)
	}
	if len(access.Perfis) != 1 || access.Perfis[0] != string(domain.RoleContributor) {
		t.Fatalf("unexpected profiles: %+v", access.Perfis)
	}

	ana := login(t, srv, "ana", "s3cret")
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/Auth/verify-access/"+ana.User.IdUsuario, nil, bearer(bia.JWT))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign user id, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/Auth/verify-access/"+bia.User.IdUsuario, nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/Goal", nil, bearer("not-a-jwt"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", res.StatusCode)
	}
}

func TestEmailCodeLogin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/Login/email", map[string]string{"email": "ana@example.com"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("send code status %d: %s", res.StatusCode, string(data))
	}
	code := srv.Codes.get("ana@example.com")
	if code == "" {
		t.Fatalf("no code captured")
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/api/Login/validate", map[string]string{"email": "ana@example.com", "codeHash": "abcdef"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong code, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/Login/validate", map[string]string{"email": "ana@example.com", "codeHash": code}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(data))
	}
	var out LoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.JWT == "" || len(out.Perfis) != 1 || out.Perfis[0] != string(domain.RoleApprover) {
		t.Fatalf("unexpected validate response: %s", string(data))
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/api/Login/email", map[string]string{"email": "ghost@example.com"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown email, got %d", res.StatusCode)
	}
}

func TestGoalWorkflow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	bia := bearer(login(t, srv, "bia", "s3cret").JWT)
	ana := bearer(login(t, srv, "ana", "s3cret").JWT)

	payload := map[string]any{
		"title":       "Portal do cliente",
		"description": "<p>Nova versão</p>",
		"typeId":      int(domain.TypeSystems),
		"statusId":    int(domain.StatusApproved),
		"deliveryAt":  "2025-03-10T00:00:00",
		"squadIds":    srv.Squads,
		"customerId":  srv.Customer,
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/Goal", payload, bia)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created GoalResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal goal: %v", err)
	}
	if created.StatusID != int(domain.StatusPending) {
		t.Fatalf("new goal must be pending, got %d", created.StatusID)
	}
	if created.DeliveryAt != "2025-03-10T00:00:00" || created.Squad != "Dados, Plataforma" || created.Customer != "Financeiro" {
		t.Fatalf("unexpected goal payload: %s", string(data))
	}
	goalURL := srv.URL + "/api/Goal/" + jsonID(created.ID)

	res, data = doJSON(t, client, http.MethodPut, goalURL+"/approve", nil, bia)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("contributor approve: expected 403, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodDelete, goalURL, nil, ana)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("delete pending: expected 409, got %d", res.StatusCode)
	}

	payload["id"] = created.ID
	payload["title"] = "Portal do cliente v2"
	res, data = doJSON(t, client, http.MethodPut, goalURL, payload, bia)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("contributor edit pending: expected 403, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, goalURL, payload, ana)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("edit pending status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, goalURL+"/approve", nil, ana)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved GoalResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal goal: %v", err)
	}
	if approved.StatusID != int(domain.StatusApproved) || approved.Title != "Portal do cliente v2" {
		t.Fatalf("unexpected approved goal: %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, goalURL+"/approve", nil, ana)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Code != "invalid_transition" {
		t.Fatalf("approve twice: expected 409 invalid_transition, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodPut, goalURL, payload, bia)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("contributor edit approved: expected 403, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPut, goalURL+"/reject", nil, ana)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, goalURL, nil, ana)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete rejected status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, goalURL, nil, ana)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/events?entity_kind=goal&limit=2", nil, ana)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].Type != "goal.deleted" || page.NextCursor == "" {
		t.Fatalf("unexpected events page: %s", string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/events", nil, bia)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("contributor events: expected 403, got %d", res.StatusCode)
	}
}

func TestGoalValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	bia := bearer(login(t, srv, "bia", "s3cret").JWT)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/Goal", map[string]any{
		"title":      "Sem descrição",
		"typeId":     1,
		"deliveryAt": "2025-03-10",
		"squadIds":   srv.Squads,
		"customerId": srv.Customer,
	}, bia)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if field := decodeError(t, data).Details["field"]; field != "description" {
		t.Fatalf("expected description field error, got %v", field)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/Goal", map[string]any{
		"title":       "Data ruim",
		"description": "x",
		"typeId":      1,
		"deliveryAt":  "10/03/2025",
		"squadIds":    srv.Squads,
		"customerId":  srv.Customer,
	}, bia)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/Goal?statusId=9", nil, bia)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status filter, got %d", res.StatusCode)
	}
}

func TestReferenceDataAndMetrics(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	bia := bearer(login(t, srv, "bia", "s3cret").JWT)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/squad", nil, bia)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("squads status %d: %s", res.StatusCode, string(data))
	}
	var squads []NamedResponse
	if err := json.Unmarshal(data, &squads); err != nil {
		t.Fatalf("unmarshal squads: %v", err)
	}
	if len(squads) != 2 || squads[0].Name != "Dados" {
		t.Fatalf("unexpected squads: %+v", squads)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/customer", nil, bia)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "Financeiro") {
		t.Fatalf("customers status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "observatorio_api_requests_total") {
		t.Fatalf("metrics output missing request counter:\n%s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/api/Goal/{id}/approve") {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
}

func TestWebhookDispatch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	received := make(chan webhookEvent, 8)
	var secret string
	hookLn, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	hookSrv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		secret = r.Header.Get("X-Observatorio-Secret")
		received <- evt
	})}
	go hookSrv.Serve(hookLn)
	defer hookSrv.Shutdown(context.Background())

	clk := testclock.NewClock(time.Now())
	hooks := []config.WebhookConfig{{
		URL:    "http://" + hookLn.Addr().String(),
		Events: []string{"goal.approved"},
		Secret: "shh",
	}}
	d := NewWebhookDispatcher(srv.Engine.Repo, hooks, clk)
	if d == nil {
		t.Fatalf("expected dispatcher for enabled webhook")
	}
	ctx := context.Background()
	// Establish the cursor before any goal event exists.
	d.DispatchAll(ctx)

	ana := bearer(login(t, srv, "ana", "s3cret").JWT)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/Goal", map[string]any{
		"title":       "Webhook",
		"description": "x",
		"typeId":      2,
		"deliveryAt":  "2025-01-02",
		"squadIds":    srv.Squads[:1],
		"customerId":  srv.Customer,
	}, ana)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created GoalResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal goal: %v", err)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/api/Goal/"+jsonID(created.ID)+"/approve", nil, ana)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d", res.StatusCode)
	}

	d.DispatchAll(ctx)
	select {
	case evt := <-received:
		if evt.Type != "goal.approved" || evt.EntityID != jsonID(created.ID) {
			t.Fatalf("unexpected webhook event: %+v", evt)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("webhook not delivered")
	}
	if secret != "shh" {
		t.Fatalf("expected secret header, got %q", secret)
	}
	select {
	case evt := <-received:
		t.Fatalf("filtered event delivered: %+v", evt)
	default:
	}

	disabled := false
	if NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{URL: "http://x", Enabled: &disabled}}, clk) != nil {
		t.Fatalf("expected nil dispatcher when every webhook is disabled")
	}
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
