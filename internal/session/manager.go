package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/al-bashkir/schoolfront/internal/backend"
	"github.com/al-bashkir/schoolfront/internal/logsanitize"
	"github.com/al-bashkir/schoolfront/internal/metrics"
	"github.com/al-bashkir/schoolfront/internal/tokenstore"
)

const (
	// DefaultTimeout bounds every backend call made by the manager.
	DefaultTimeout = 15 * time.Second

	defaultRetryAttempts = 3
	defaultRetryDelay    = 200 * time.Millisecond
)

// Manager owns one session: it is created at application start (a page
// request for the web frontend, a process for the CLI), hydrated once, and
// mutated only by Login, AdoptTokens, Logout and hydration.
// It is thread-safe.
type Manager struct {
	auth      backend.Authenticator
	store     tokenstore.Store
	requester backend.Requester
	cache     *ProfileCache
	metrics   *metrics.Metrics

	timeout       time.Duration
	retryAttempts uint
	retryDelay    time.Duration
	now           func() time.Time

	hydrateOnce sync.Once

	mu      sync.Mutex
	state   State
	subs    map[int]func(State)
	nextSub int
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout bounds each backend call. A hung call resolves to the failure path.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithProfileCache shares a profile cache between managers.
func WithProfileCache(c *ProfileCache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithMetrics records login, hydration and logout outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithRequester sets the client used by Do for resource requests.
func WithRequester(r backend.Requester) Option {
	return func(m *Manager) { m.requester = r }
}

// WithRetry sets how often Do retries idempotent requests on connectivity errors.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(m *Manager) {
		if attempts > 0 {
			m.retryAttempts = attempts
		}
		m.retryDelay = delay
	}
}

// WithClock replaces time.Now, used for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager in the initializing state.
func NewManager(auth backend.Authenticator, store tokenstore.Store, opts ...Option) *Manager {
	m := &Manager{
		auth:          auth,
		store:         store,
		timeout:       DefaultTimeout,
		retryAttempts: defaultRetryAttempts,
		retryDelay:    defaultRetryDelay,
		now:           time.Now,
		state:         State{Initializing: true},
		subs:          make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.requester == nil {
		if r, ok := auth.(backend.Requester); ok {
			m.requester = r
		}
	}
	return m
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() State {
	s := m.state
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// Subscribe registers fn to be called with every new state. Calls happen
// synchronously, before the mutating operation returns. The returned
// function cancels the subscription.
func (m *Manager) Subscribe(fn func(State)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// update applies fn to the state under the lock and notifies subscribers.
func (m *Manager) update(fn func(*State)) {
	m.updateIf(func(s *State) bool {
		fn(s)
		return true
	})
}

// updateIf is update for changes that may be refused; fn reports whether
// it changed anything.
func (m *Manager) updateIf(fn func(*State) bool) bool {
	m.mu.Lock()
	if !fn(&m.state) {
		m.mu.Unlock()
		return false
	}
	s := m.snapshotLocked()
	subs := make([]func(State), 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub(s)
	}
	return true
}

// Hydrate turns a persisted access token into a user profile. It runs at
// most once per manager; later calls return immediately. Failures are
// silent: the stored credential is treated as expired and discarded, and
// LastError is left alone.
func (m *Manager) Hydrate(ctx context.Context) {
	m.hydrateOnce.Do(func() {
		m.hydrate(ctx)
	})
}

func (m *Manager) hydrate(ctx context.Context) {
	access, ok := m.store.Get(tokenstore.KeyAccessToken)
	if !ok || access == "" {
		m.metrics.Hydration("no_token")
		m.update(func(s *State) { s.Initializing = false })
		return
	}
	refresh, _ := m.store.Get(tokenstore.KeyRefreshToken)

	if exp, ok := backend.TokenExpiry(access); ok && !m.now().Before(exp) {
		slog.Debug("stored access token expired", "expired_at", exp)
		m.metrics.Hydration("expired")
		m.discard(access)
		return
	}

	if profile, ok := m.cache.Get(access); ok {
		m.metrics.Hydration("cached")
		m.update(func(s *State) {
			s.AccessToken = access
			s.RefreshToken = refresh
			s.User = profile
			s.Initializing = false
		})
		return
	}

	profile, err := m.fetchProfile(ctx, access)
	if err != nil {
		slog.Debug("stored access token rejected",
			"token", logsanitize.MaskToken(access),
			"status", backend.StatusCode(err),
			"error", err,
		)
		m.metrics.Hydration("invalid")
		m.discard(access)
		return
	}

	m.cache.Put(access, profile)
	m.metrics.Hydration("success")
	m.update(func(s *State) {
		s.AccessToken = access
		s.RefreshToken = refresh
		s.User = profile
		s.Initializing = false
	})
}

// discard is the implicit logout of a failed hydration.
func (m *Manager) discard(access string) {
	m.removeTokens()
	m.cache.Evict(access)
	m.update(func(s *State) {
		s.AccessToken = ""
		s.RefreshToken = ""
		s.User = nil
		s.Initializing = false
	})
}

// Login exchanges credentials for tokens, persists them and hydrates the
// profile. Failures are recorded in State.LastError and returned wrapped in
// ErrLoginFailed. Empty credentials and concurrent logins leave the state
// untouched.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return ErrMissingCredentials
	}

	return m.withPending(func() error {
		callCtx, cancel := context.WithTimeout(ctx, m.timeout)
		tokens, err := m.auth.Authenticate(callCtx, username, password)
		cancel()
		if err != nil {
			msg, result := loginFailure(err)
			slog.Info("login rejected",
				"username", logsanitize.Sanitize(username),
				"status", backend.StatusCode(err),
				"error", err,
			)
			m.metrics.Login(result)
			m.update(func(s *State) { s.LastError = msg })
			return fmt.Errorf("%w: %w", ErrLoginFailed, err)
		}

		if err := m.establish(ctx, tokens); err != nil {
			return err
		}
		slog.Info("login succeeded", "username", logsanitize.Sanitize(username))
		return nil
	})
}

// AdoptTokens signs in with tokens acquired elsewhere, such as the single
// sign-on callback. It follows the same persist, hydrate and roll back
// sequence as Login.
func (m *Manager) AdoptTokens(ctx context.Context, tokens *backend.Tokens) error {
	if tokens == nil || tokens.Access == "" {
		return ErrMissingCredentials
	}
	return m.withPending(func() error {
		return m.establish(ctx, tokens)
	})
}

// withPending enforces one login in flight and clears Pending on every exit path.
func (m *Manager) withPending(fn func() error) error {
	started := m.updateIf(func(s *State) bool {
		if s.Pending {
			return false
		}
		s.Pending = true
		s.LastError = ""
		return true
	})
	if !started {
		m.metrics.Login("busy")
		return ErrLoginInProgress
	}
	defer m.update(func(s *State) { s.Pending = false })

	return fn()
}

// establish persists tokens before fetching the profile. When the profile
// cannot be loaded the previously stored tokens are restored, so a profile
// never exists without its credential and a credential never survives
// without its profile.
func (m *Manager) establish(ctx context.Context, tokens *backend.Tokens) error {
	// Settles startup if login happens before hydration ran. A hydration
	// already in flight finishes first, so its discard cannot remove the
	// tokens persisted below.
	m.hydrateOnce.Do(func() {})

	prevAccess, hadAccess := m.store.Get(tokenstore.KeyAccessToken)
	prevRefresh, hadRefresh := m.store.Get(tokenstore.KeyRefreshToken)

	if err := m.persist(tokens); err != nil {
		slog.Error("failed to persist tokens", "error", err)
		m.restore(prevAccess, hadAccess, prevRefresh, hadRefresh)
		m.metrics.Login("persist_failed")
		m.update(func(s *State) { s.LastError = MsgStorageUnavailable })
		return fmt.Errorf("%w: failed to persist tokens: %w", ErrLoginFailed, err)
	}

	profile, err := m.fetchProfile(ctx, tokens.Access)
	if err != nil {
		slog.Warn("profile fetch after login failed, rolling back tokens",
			"status", backend.StatusCode(err),
			"error", err,
		)
		m.restore(prevAccess, hadAccess, prevRefresh, hadRefresh)
		m.metrics.Login("profile_failed")
		m.update(func(s *State) { s.LastError = MsgProfileUnavailable })
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	m.cache.Put(tokens.Access, profile)
	m.metrics.Login("success")

	m.update(func(s *State) {
		s.AccessToken = tokens.Access
		s.RefreshToken = tokens.Refresh
		s.User = profile
		s.Initializing = false
		s.LastError = ""
	})
	return nil
}

func (m *Manager) persist(tokens *backend.Tokens) error {
	if err := m.store.Set(tokenstore.KeyAccessToken, tokens.Access); err != nil {
		return err
	}
	if tokens.Refresh == "" {
		return m.store.Remove(tokenstore.KeyRefreshToken)
	}
	return m.store.Set(tokenstore.KeyRefreshToken, tokens.Refresh)
}

// restore puts storage back the way it was before a failed sign-in.
func (m *Manager) restore(access string, hadAccess bool, refresh string, hadRefresh bool) {
	restoreKey := func(key, value string, had bool) {
		var err error
		if had {
			err = m.store.Set(key, value)
		} else {
			err = m.store.Remove(key)
		}
		if err != nil {
			slog.Error("failed to restore token storage", "key", key, "error", err)
		}
	}
	restoreKey(tokenstore.KeyAccessToken, access, hadAccess)
	restoreKey(tokenstore.KeyRefreshToken, refresh, hadRefresh)
}

// Logout clears the session and removes both persisted tokens. It cannot
// fail; storage errors are logged.
func (m *Manager) Logout() {
	m.mu.Lock()
	access := m.state.AccessToken
	m.mu.Unlock()

	m.removeTokens()
	m.cache.Evict(access)
	m.metrics.Logout()

	m.update(func(s *State) {
		s.AccessToken = ""
		s.RefreshToken = ""
		s.User = nil
	})
}

func (m *Manager) removeTokens() {
	if err := m.store.Remove(tokenstore.KeyAccessToken, tokenstore.KeyRefreshToken); err != nil {
		slog.Error("failed to remove stored tokens", "error", err)
	}
}

func (m *Manager) fetchProfile(ctx context.Context, access string) (*backend.UserProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.auth.CurrentUser(ctx, access)
}

// Do is the single path for authenticated resource requests. It attaches the
// access token, retries idempotent requests on connectivity errors, and logs
// the session out when the backend answers 401.
func (m *Manager) Do(ctx context.Context, req *backend.Request, out any) error {
	if m.requester == nil {
		return fmt.Errorf("no requester configured")
	}

	access := m.Snapshot().AccessToken
	if access == "" {
		return ErrNotAuthenticated
	}

	call := *req
	call.Token = access

	attempts := uint(1)
	if idempotent(call.Method) {
		attempts = m.retryAttempts
	}

	err := retry.Do(func() error {
		callCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		return m.requester.Do(callCtx, &call, out)
	},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(m.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(backend.IsConnectivity),
		retry.OnRetry(func(n uint, err error) {
			slog.Debug("retrying backend request",
				"method", call.Method,
				"path", logsanitize.Sanitize(call.Path),
				"attempt", n+1,
				"error", err,
			)
		}),
	)

	if backend.IsUnauthorized(err) {
		slog.Info("backend rejected access token, logging out", "path", logsanitize.Sanitize(call.Path))
		m.Logout()
		return fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
	}
	return err
}

func idempotent(method string) bool {
	switch method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// loginFailure maps a credential exchange error to the user-facing message
// and a metrics label.
func loginFailure(err error) (msg, result string) {
	if backend.IsConnectivity(err) {
		return MsgLoginUnreachable, "unreachable"
	}
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail, "rejected"
	}
	return MsgLoginRejected, "rejected"
}
