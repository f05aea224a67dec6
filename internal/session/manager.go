// Package session establishes, persists and restores the authenticated
// identity of the running process.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/loggo"

	"observatorio/internal/domain"
	observatoriosdk "observatorio/sdk/go"
)

var logger = loggo.GetLogger("observatorio.session")

// IdentityAPI is the part of the API client used to authenticate.
type IdentityAPI interface {
	PasswordLogin(ctx context.Context, login, password string) (observatoriosdk.LoginResult, error)
	VerifyAccess(ctx context.Context, userID string) ([]string, error)
	SendCode(ctx context.Context, email string) error
	ValidateCode(ctx context.Context, email, code string) (observatoriosdk.LoginResult, error)
	SetToken(token string)
}

// CookieJar is a cookie store that can be flushed and persisted.
type CookieJar interface {
	RemoveAll()
	Save() error
}

// PasswordCredentials are exchanged by the password protocol.
type PasswordCredentials struct {
	Login    string
	Password string
}

type pendingUser struct {
	Email string    `json:"email"`
	Sent  time.Time `json:"sent_at"`
}

// Manager owns the process-wide current session.
type Manager struct {
	api   IdentityAPI
	store Store
	jar   CookieJar
	now   func() time.Time

	mu      sync.RWMutex
	current *domain.Session
}

// Option customises a Manager.
type Option func(*Manager)

// WithCookieJar flushes jar on logout and saves it after login.
func WithCookieJar(jar CookieJar) Option {
	return func(m *Manager) { m.jar = jar }
}

// WithNow overrides the clock used for token expiry checks.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(api IdentityAPI, store Store, opts ...Option) *Manager {
	m := &Manager{api: api, store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Login authenticates with the password protocol and persists the session.
func (m *Manager) Login(ctx context.Context, creds PasswordCredentials) (domain.Session, error) {
	login := strings.TrimSpace(creds.Login)
	if login == "" || creds.Password == "" {
		return domain.Session{}, &AuthError{Reason: ReasonInvalidInput, Detail: "Login and password are required."}
	}
	res, err := m.api.PasswordLogin(ctx, login, creds.Password)
	if err != nil {
		logger.Debugf("password login for %s failed: %v", login, err)
		return domain.Session{}, credentialError(err)
	}
	previous := m.token()
	role, err := m.verifyAccess(ctx, res)
	if err != nil {
		return domain.Session{}, err
	}
	return m.establish(ctx, res, role, previous)
}

// SendCode starts the one-time code protocol for email. The address is kept
// in the pending slot until the code is validated.
func (m *Manager) SendCode(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return &AuthError{Reason: ReasonInvalidInput, Detail: "Enter a valid email address."}
	}
	if err := m.api.SendCode(ctx, email); err != nil {
		logger.Debugf("send code to %s failed: %v", email, err)
		return credentialError(err)
	}
	raw, err := json.Marshal(pendingUser{Email: email, Sent: m.now().UTC()})
	if err != nil {
		return err
	}
	return m.store.Set(ctx, KeyPendingUser, string(raw))
}

// PendingEmail returns the address awaiting code validation.
func (m *Manager) PendingEmail(ctx context.Context) (string, bool) {
	raw, ok, err := m.store.Get(ctx, KeyPendingUser)
	if err != nil || !ok {
		return "", false
	}
	var p pendingUser
	if err := json.Unmarshal([]byte(raw), &p); err != nil || p.Email == "" {
		return "", false
	}
	return p.Email, true
}

// ValidateCode completes the one-time code protocol.
func (m *Manager) ValidateCode(ctx context.Context, code string) (domain.Session, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Session{}, &AuthError{Reason: ReasonInvalidInput, Detail: "Enter the code you received."}
	}
	email, ok := m.PendingEmail(ctx)
	if !ok {
		return domain.Session{}, &AuthError{Reason: ReasonInvalidInput, Detail: "Request a code first."}
	}
	res, err := m.api.ValidateCode(ctx, email, code)
	if err != nil {
		logger.Debugf("code validation for %s failed: %v", email, err)
		return domain.Session{}, credentialError(err)
	}
	previous := m.token()
	var role domain.Role
	if len(res.Profiles) > 0 {
		role = domain.Role(res.Profiles[0])
		if !role.Valid() {
			return domain.Session{}, &AuthError{Reason: ReasonNoAccess, Err: fmt.Errorf("unknown profile %q", res.Profiles[0])}
		}
	} else if role, err = m.verifyAccess(ctx, res); err != nil {
		return domain.Session{}, err
	}
	s, err := m.establish(ctx, res, role, previous)
	if err != nil {
		return domain.Session{}, err
	}
	if err := m.store.Delete(ctx, KeyPendingUser); err != nil {
		logger.Warningf("clear pending user: %v", err)
	}
	return s, nil
}

// verifyAccess mints the role with the token from res. The token is only
// kept on the client when access is granted.
func (m *Manager) verifyAccess(ctx context.Context, res observatoriosdk.LoginResult) (domain.Role, error) {
	previous := m.token()
	m.api.SetToken(res.Token)
	profiles, err := m.api.VerifyAccess(ctx, res.User.ID)
	if err != nil {
		m.api.SetToken(previous)
		logger.Debugf("access verification for %s failed: %v", res.User.ID, err)
		return "", accessError(err)
	}
	if len(profiles) == 0 {
		m.api.SetToken(previous)
		return "", &AuthError{Reason: ReasonNoAccess, Err: fmt.Errorf("no profile granted to %s", res.User.ID)}
	}
	role := domain.Role(profiles[0])
	if !role.Valid() {
		m.api.SetToken(previous)
		return "", &AuthError{Reason: ReasonNoAccess, Err: fmt.Errorf("unknown profile %q", profiles[0])}
	}
	return role, nil
}

// establish persists the session and makes it current. On failure the store,
// the client token and the current session are left as they were before the
// login started; previous is the token to put back on the client.
func (m *Manager) establish(ctx context.Context, res observatoriosdk.LoginResult, role domain.Role, previous string) (domain.Session, error) {
	fail := func(err error) (domain.Session, error) {
		m.api.SetToken(previous)
		return domain.Session{}, err
	}
	user := res.User
	user.Role = role
	s := domain.Session{User: user, Token: res.Token, TokenExpiresAt: res.ExpiresAt}
	if s.TokenExpiresAt == nil {
		s.TokenExpiresAt = tokenExpiry(res.Token)
	}
	raw, err := json.Marshal(user)
	if err != nil {
		return fail(err)
	}
	prevUser, hadUser, err := m.store.Get(ctx, KeyUser)
	if err != nil {
		return fail(fmt.Errorf("persist session: %w", err))
	}
	if err := m.store.Set(ctx, KeyUser, string(raw)); err != nil {
		return fail(fmt.Errorf("persist session: %w", err))
	}
	if err := m.store.Set(ctx, KeyToken, res.Token); err != nil {
		var rollback error
		if hadUser {
			rollback = m.store.Set(ctx, KeyUser, prevUser)
		} else {
			rollback = m.store.Delete(ctx, KeyUser)
		}
		if rollback != nil {
			logger.Errorf("roll back stored user after failed login: %v", rollback)
		}
		return fail(fmt.Errorf("persist session: %w", err))
	}
	m.api.SetToken(res.Token)
	if m.jar != nil {
		if err := m.jar.Save(); err != nil {
			logger.Warningf("save cookie jar: %v", err)
		}
	}
	m.mu.Lock()
	m.current = &s
	m.mu.Unlock()
	logger.Infof("signed in as %s (%s)", user.DisplayName(), role.Label())
	return s, nil
}

// Logout clears the persisted session, the token and any cookies.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	m.api.SetToken("")
	if m.jar != nil {
		m.jar.RemoveAll()
		if err := m.jar.Save(); err != nil {
			logger.Warningf("save cookie jar: %v", err)
		}
	}
	return m.store.Delete(ctx, KeyUser, KeyToken, KeyPendingUser)
}

// Restore makes the persisted session current without any network call. A
// missing or unreadable session yields false, never an error. An expired
// token is still restored; callers check Expired.
func (m *Manager) Restore(ctx context.Context) (domain.Session, bool) {
	rawUser, ok, err := m.store.Get(ctx, KeyUser)
	if err != nil || !ok {
		if err != nil {
			logger.Debugf("restore session: %v", err)
		}
		return domain.Session{}, false
	}
	var user domain.User
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil || user.ID == "" || !user.Role.Valid() {
		logger.Debugf("ignoring unreadable stored session")
		return domain.Session{}, false
	}
	token, _, err := m.store.Get(ctx, KeyToken)
	if err != nil {
		logger.Debugf("restore token: %v", err)
		return domain.Session{}, false
	}
	s := domain.Session{User: user, Token: token, TokenExpiresAt: tokenExpiry(token)}
	m.api.SetToken(token)
	m.mu.Lock()
	m.current = &s
	m.mu.Unlock()
	return s, true
}

// Current returns the active session.
func (m *Manager) Current() (domain.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return domain.Session{}, false
	}
	return *m.current, true
}

// CurrentRole returns the role of the active session.
func (m *Manager) CurrentRole() (domain.Role, bool) {
	s, ok := m.Current()
	if !ok {
		return "", false
	}
	return s.Role(), true
}

// Expired reports whether the active session's token is past its expiry.
func (m *Manager) Expired() bool {
	s, ok := m.Current()
	if !ok || s.TokenExpiresAt == nil {
		return false
	}
	return !m.now().Before(*s.TokenExpiresAt)
}

func (m *Manager) token() string {
	s, ok := m.Current()
	if !ok {
		return ""
	}
	return s.Token
}

// tokenExpiry reads the exp claim without verifying the signature; the
// client never holds the signing key.
func tokenExpiry(token string) *time.Time {
	if token == "" {
		return nil
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt == nil {
		return nil
	}
	t := claims.ExpiresAt.Time
	return &t
}
