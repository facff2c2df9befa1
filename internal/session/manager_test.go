package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/al-bashkir/schoolfront/internal/backend"
	"github.com/al-bashkir/schoolfront/internal/config"
	"github.com/al-bashkir/schoolfront/internal/metrics"
	"github.com/al-bashkir/schoolfront/internal/tokenstore"
)

// fakeBackend serves the token and current-user endpoints of the REST variant.
type fakeBackend struct {
	tokenCalls   atomic.Int32
	profileCalls atomic.Int32
	profileCode  int
	tokenBody    string
	tokenCode    int
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/api/users/token/":
		f.tokenCalls.Add(1)
		if f.tokenCode != 0 {
			w.WriteHeader(f.tokenCode)
			_, _ = w.Write([]byte(f.tokenBody))
			return
		}
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "alice" || creds["password"] != "correct" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"detail":"Invalid credentials"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access":"acc-alice","refresh":"ref-alice"}`))
	case "/api/users/me/":
		f.profileCalls.Add(1)
		if f.profileCode != 0 {
			w.WriteHeader(f.profileCode)
			_, _ = w.Write([]byte(`{"detail":"Given token not valid for any token type"}`))
			return
		}
		if r.Header.Get("Authorization") != "Bearer acc-alice" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Authentication credentials were not provided."}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":1,"username":"alice","email":"alice@school.example","role":"admin"}`))
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, h http.Handler) *backend.RESTClient {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	cfg := config.DefaultConfig().Backend
	cfg.BaseURL = ts.URL
	return backend.NewRESTClient(&cfg)
}

// stubAuth is an Authenticator driven by functions.
type stubAuth struct {
	authenticate func(ctx context.Context, username, password string) (*backend.Tokens, error)
	currentUser  func(ctx context.Context, access string) (*backend.UserProfile, error)
	calls        atomic.Int32
}

func (s *stubAuth) Authenticate(ctx context.Context, username, password string) (*backend.Tokens, error) {
	s.calls.Add(1)
	return s.authenticate(ctx, username, password)
}

func (s *stubAuth) CurrentUser(ctx context.Context, access string) (*backend.UserProfile, error) {
	s.calls.Add(1)
	return s.currentUser(ctx, access)
}

func jwtWithExpiry(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func storeWith(access, refresh string) *tokenstore.Memory {
	s := tokenstore.NewMemory()
	if access != "" {
		_ = s.Set(tokenstore.KeyAccessToken, access)
	}
	if refresh != "" {
		_ = s.Set(tokenstore.KeyRefreshToken, refresh)
	}
	return s
}

func TestHydrateWithoutTokenMakesNoNetworkCall(t *testing.T) {
	fb := &fakeBackend{}
	m := NewManager(newTestClient(t, fb), tokenstore.NewMemory())

	if !m.Snapshot().Initializing {
		t.Fatal("expected manager to start initializing")
	}

	m.Hydrate(context.Background())

	s := m.Snapshot()
	if s.Initializing {
		t.Error("expected initializing to be false after hydration")
	}
	if s.User != nil {
		t.Errorf("expected no user, got %+v", s.User)
	}
	if n := fb.profileCalls.Load() + fb.tokenCalls.Load(); n != 0 {
		t.Errorf("expected no backend calls, got %d", n)
	}
}

func TestHydrateWithValidToken(t *testing.T) {
	fb := &fakeBackend{}
	store := storeWith("acc-alice", "ref-alice")
	m := NewManager(newTestClient(t, fb), store)

	m.Hydrate(context.Background())

	s := m.Snapshot()
	if s.Initializing {
		t.Error("expected initializing to be false")
	}
	if s.User == nil || s.User.Username != "alice" || s.User.Role != "admin" {
		t.Fatalf("user = %+v, want alice/admin", s.User)
	}
	if s.AccessToken != "acc-alice" || s.RefreshToken != "ref-alice" {
		t.Errorf("tokens = %q/%q", s.AccessToken, s.RefreshToken)
	}
	if Guard(s) != DecisionAllow {
		t.Errorf("Guard = %s, want allow", Guard(s))
	}
}

func TestHydrateUnauthorizedClearsTokensSilently(t *testing.T) {
	fb := &fakeBackend{profileCode: http.StatusUnauthorized}
	store := storeWith("acc-stale", "ref-stale")
	m := NewManager(newTestClient(t, fb), store)

	m.Hydrate(context.Background())

	s := m.Snapshot()
	if s.User != nil {
		t.Errorf("expected no user, got %+v", s.User)
	}
	if s.Initializing {
		t.Error("expected initializing to be false")
	}
	if s.LastError != "" {
		t.Errorf("hydration failure must be silent, got LastError %q", s.LastError)
	}
	if store.Len() != 0 {
		t.Errorf("expected empty storage, got %d keys", store.Len())
	}
	if Guard(s) != DecisionRedirect {
		t.Errorf("Guard = %s, want redirect", Guard(s))
	}
}

func TestHydrateNetworkErrorClearsTokens(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	cfg := config.DefaultConfig().Backend
	cfg.BaseURL = ts.URL
	ts.Close()

	store := storeWith("acc-alice", "ref-alice")
	m := NewManager(backend.NewRESTClient(&cfg), store)
	m.Hydrate(context.Background())

	s := m.Snapshot()
	if s.User != nil || s.Initializing || s.LastError != "" {
		t.Errorf("unexpected state %+v", s)
	}
	if store.Len() != 0 {
		t.Errorf("expected empty storage, got %d keys", store.Len())
	}
}

func TestHydrateTimeoutResolvesToFailure(t *testing.T) {
	auth := &stubAuth{
		currentUser: func(ctx context.Context, _ string) (*backend.UserProfile, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	store := storeWith("acc-alice", "")
	m := NewManager(auth, store, WithTimeout(20*time.Millisecond))

	m.Hydrate(context.Background())

	s := m.Snapshot()
	if s.Initializing || s.User != nil {
		t.Errorf("unexpected state %+v", s)
	}
	if store.Len() != 0 {
		t.Errorf("expected empty storage, got %d keys", store.Len())
	}
}

func TestHydrateExpiredTokenSkipsNetwork(t *testing.T) {
	auth := &stubAuth{
		currentUser: func(context.Context, string) (*backend.UserProfile, error) {
			return &backend.UserProfile{ID: "1", Username: "alice"}, nil
		},
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := storeWith(jwtWithExpiry(t, now.Add(-time.Minute)), "ref")
	m := NewManager(auth, store, WithClock(func() time.Time { return now }))

	m.Hydrate(context.Background())

	if auth.calls.Load() != 0 {
		t.Errorf("expected no backend calls for an expired token, got %d", auth.calls.Load())
	}
	s := m.Snapshot()
	if s.User != nil || s.Initializing {
		t.Errorf("unexpected state %+v", s)
	}
	if store.Len() != 0 {
		t.Errorf("expected empty storage, got %d keys", store.Len())
	}
}

func TestHydrateUnexpiredTokenIsFetched(t *testing.T) {
	auth := &stubAuth{
		currentUser: func(context.Context, string) (*backend.UserProfile, error) {
			return &backend.UserProfile{ID: "1", Username: "alice"}, nil
		},
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := storeWith(jwtWithExpiry(t, now.Add(time.Hour)), "")
	m := NewManager(auth, store, WithClock(func() time.Time { return now }))

	m.Hydrate(context.Background())

	if !m.Snapshot().Authenticated() {
		t.Error("expected authenticated session")
	}
	if auth.calls.Load() != 1 {
		t.Errorf("expected one profile fetch, got %d", auth.calls.Load())
	}
}

func TestHydrateUsesProfileCache(t *testing.T) {
	auth := &stubAuth{
		currentUser: func(context.Context, string) (*backend.UserProfile, error) {
			return &backend.UserProfile{ID: "1", Username: "alice"}, nil
		},
	}
	cache := NewProfileCache(time.Minute, nil)
	defer cache.Stop()

	first := NewManager(auth, storeWith("acc-alice", ""), WithProfileCache(cache))
	first.Hydrate(context.Background())

	second := NewManager(auth, storeWith("acc-alice", ""), WithProfileCache(cache))
	second.Hydrate(context.Background())

	if auth.calls.Load() != 1 {
		t.Errorf("expected one profile fetch, got %d", auth.calls.Load())
	}
	if s := second.Snapshot(); s.User == nil || s.User.Username != "alice" {
		t.Errorf("cached user = %+v", s.User)
	}
}

func TestHydrateRunsOnce(t *testing.T) {
	auth := &stubAuth{
		currentUser: func(context.Context, string) (*backend.UserProfile, error) {
			return &backend.UserProfile{ID: "1", Username: "alice"}, nil
		},
	}
	m := NewManager(auth, storeWith("acc-alice", ""))

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Hydrate(context.Background())
		}()
	}
	wg.Wait()

	if auth.calls.Load() != 1 {
		t.Errorf("expected a single hydration, got %d calls", auth.calls.Load())
	}

	m.Logout()
	m.Hydrate(context.Background())
	if m.Snapshot().Initializing {
		t.Error("initializing must never become true again")
	}
}

func TestLoginSucceeds(t *testing.T) {
	fb := &fakeBackend{}
	store := tokenstore.NewMemory()
	m := NewManager(newTestClient(t, fb), store)
	m.Hydrate(context.Background())

	var seen []State
	cancel := m.Subscribe(func(s State) { seen = append(seen, s) })
	defer cancel()

	if err := m.Login(context.Background(), "alice", "correct"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	s := m.Snapshot()
	if s.User == nil || s.User.Username != "alice" {
		t.Fatalf("user = %+v, want alice", s.User)
	}
	if s.Pending {
		t.Error("pending must be false after login settles")
	}
	if s.LastError != "" {
		t.Errorf("LastError = %q, want empty", s.LastError)
	}
	if v, _ := store.Get(tokenstore.KeyAccessToken); v != "acc-alice" {
		t.Errorf("stored access token = %q", v)
	}
	if v, _ := store.Get(tokenstore.KeyRefreshToken); v != "ref-alice" {
		t.Errorf("stored refresh token = %q", v)
	}

	// Subscribers see the authenticated state before Login returns
	authenticated := false
	for _, st := range seen {
		if st.Authenticated() {
			authenticated = true
		}
		if st.User != nil && st.AccessToken == "" {
			t.Error("observed a user without an access token")
		}
	}
	if !authenticated {
		t.Error("subscriber never observed the authenticated state")
	}
}

func TestLoginRejectedUsesBackendDetail(t *testing.T) {
	fb := &fakeBackend{}
	store := tokenstore.NewMemory()
	m := NewManager(newTestClient(t, fb), store)
	m.Hydrate(context.Background())

	err := m.Login(context.Background(), "bob", "wrong")
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed, got %v", err)
	}

	s := m.Snapshot()
	if s.LastError != "Invalid credentials" {
		t.Errorf("LastError = %q, want %q", s.LastError, "Invalid credentials")
	}
	if s.User != nil {
		t.Errorf("expected no user, got %+v", s.User)
	}
	if store.Len() != 0 {
		t.Errorf("storage must stay unchanged, got %d keys", store.Len())
	}
	if s.Pending {
		t.Error("pending must be false after login settles")
	}
	if fb.profileCalls.Load() != 0 {
		t.Error("profile must not be fetched after a rejected login")
	}
}

func TestLoginFailureMessages(t *testing.T) {
	tests := []struct {
		name      string
		tokenCode int
		tokenBody string
		want      string
	}{
		{
			name:      "unparsable body",
			tokenCode: http.StatusBadRequest,
			tokenBody: `<html>Bad Request</html>`,
			want:      MsgLoginRejected,
		},
		{
			name:      "field errors",
			tokenCode: http.StatusBadRequest,
			tokenBody: `{"password":["This field may not be blank."]}`,
			want:      MsgLoginRejected,
		},
		{
			name:      "non field errors",
			tokenCode: http.StatusBadRequest,
			tokenBody: `{"non_field_errors":["Unable to log in with provided credentials."]}`,
			want:      "Unable to log in with provided credentials.",
		},
		{
			name:      "unauthorized detail",
			tokenCode: http.StatusUnauthorized,
			tokenBody: `{"detail":"No active account found with the given credentials"}`,
			want:      "No active account found with the given credentials",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBackend{tokenCode: tt.tokenCode, tokenBody: tt.tokenBody}
			m := NewManager(newTestClient(t, fb), tokenstore.NewMemory())

			if err := m.Login(context.Background(), "bob", "wrong"); err == nil {
				t.Fatal("expected login to fail")
			}
			if got := m.Snapshot().LastError; got != tt.want {
				t.Errorf("LastError = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoginNetworkFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	cfg := config.DefaultConfig().Backend
	cfg.BaseURL = ts.URL
	ts.Close()

	store := tokenstore.NewMemory()
	m := NewManager(backend.NewRESTClient(&cfg), store)

	if err := m.Login(context.Background(), "alice", "correct"); err == nil {
		t.Fatal("expected login to fail")
	}
	s := m.Snapshot()
	if s.LastError != MsgLoginUnreachable {
		t.Errorf("LastError = %q, want %q", s.LastError, MsgLoginUnreachable)
	}
	if s.Pending || store.Len() != 0 {
		t.Errorf("unexpected state %+v with %d stored keys", s, store.Len())
	}
}

func TestLoginTimeout(t *testing.T) {
	auth := &stubAuth{
		authenticate: func(ctx context.Context, _, _ string) (*backend.Tokens, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	m := NewManager(auth, tokenstore.NewMemory(), WithTimeout(20*time.Millisecond))

	if err := m.Login(context.Background(), "alice", "correct"); err == nil {
		t.Fatal("expected login to time out")
	}
	s := m.Snapshot()
	if s.Pending {
		t.Error("pending stuck after timeout")
	}
	if s.LastError != MsgLoginUnreachable {
		t.Errorf("LastError = %q, want %q", s.LastError, MsgLoginUnreachable)
	}
}

func TestLoginProfileFailureRollsBack(t *testing.T) {
	fb := &fakeBackend{profileCode: http.StatusInternalServerError}
	store := tokenstore.NewMemory()
	m := NewManager(newTestClient(t, fb), store)
	m.Hydrate(context.Background())

	if err := m.Login(context.Background(), "alice", "correct"); !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed, got %v", err)
	}

	s := m.Snapshot()
	if s.User != nil || s.AccessToken != "" {
		t.Errorf("expected unauthenticated state, got %+v", s)
	}
	if s.LastError != MsgProfileUnavailable {
		t.Errorf("LastError = %q, want %q", s.LastError, MsgProfileUnavailable)
	}
	if store.Len() != 0 {
		t.Errorf("tokens were not rolled back, %d keys stored", store.Len())
	}
}

func TestLoginRollbackRestoresPreviousTokens(t *testing.T) {
	auth := &stubAuth{
		authenticate: func(context.Context, string, string) (*backend.Tokens, error) {
			return &backend.Tokens{Access: "new-acc", Refresh: "new-ref"}, nil
		},
		currentUser: func(context.Context, string) (*backend.UserProfile, error) {
			return nil, &backend.APIError{StatusCode: http.StatusBadGateway}
		},
	}
	store := storeWith("old-acc", "old-ref")
	m := NewManager(auth, store)

	_ = m.Login(context.Background(), "alice", "correct")

	if v, _ := store.Get(tokenstore.KeyAccessToken); v != "old-acc" {
		t.Errorf("access token = %q, want old-acc", v)
	}
	if v, _ := store.Get(tokenstore.KeyRefreshToken); v != "old-ref" {
		t.Errorf("refresh token = %q, want old-ref", v)
	}
}

// failingStore refuses every write.
type failingStore struct {
	*tokenstore.Memory
}

func (failingStore) Set(string, string) error {
	return errors.New("disk full")
}

func TestLoginPersistFailure(t *testing.T) {
	auth := &stubAuth{
		authenticate: func(context.Context, string, string) (*backend.Tokens, error) {
			return &backend.Tokens{Access: "new-acc", Refresh: "new-ref"}, nil
		},
		currentUser: func(context.Context, string) (*backend.UserProfile, error) {
			t.Error("profile must not be fetched when tokens were not saved")
			return &backend.UserProfile{Username: "alice"}, nil
		},
	}
	mt := metrics.New(prometheus.NewRegistry())
	m := NewManager(auth, failingStore{tokenstore.NewMemory()}, WithMetrics(mt))
	m.Hydrate(context.Background())

	if err := m.Login(context.Background(), "alice", "correct"); !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed, got %v", err)
	}

	s := m.Snapshot()
	if s.User != nil || s.AccessToken != "" {
		t.Errorf("expected unauthenticated state, got %+v", s)
	}
	if s.LastError != MsgStorageUnavailable {
		t.Errorf("LastError = %q, want %q", s.LastError, MsgStorageUnavailable)
	}
	if got := testutil.ToFloat64(mt.LoginAttempts.WithLabelValues("persist_failed")); got != 1 {
		t.Errorf("persist_failed logins = %v, want 1", got)
	}
	if got := testutil.ToFloat64(mt.LoginAttempts.WithLabelValues("profile_failed")); got != 0 {
		t.Errorf("profile_failed logins = %v, want 0", got)
	}
}

func TestLoginDuringHydrationKeepsNewTokens(t *testing.T) {
	hydrating := make(chan struct{})
	release := make(chan struct{})
	authenticated := make(chan struct{})

	auth := &stubAuth{
		authenticate: func(context.Context, string, string) (*backend.Tokens, error) {
			close(authenticated)
			return &backend.Tokens{Access: "new", Refresh: "new-ref"}, nil
		},
		currentUser: func(_ context.Context, access string) (*backend.UserProfile, error) {
			if access == "stale" {
				close(hydrating)
				<-release
				return nil, &backend.APIError{StatusCode: http.StatusUnauthorized}
			}
			return &backend.UserProfile{ID: "1", Username: "alice"}, nil
		},
	}
	store := storeWith("stale", "stale-ref")
	m := NewManager(auth, store)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.Hydrate(context.Background())
	}()
	<-hydrating

	var loginErr error
	go func() {
		defer wg.Done()
		loginErr = m.Login(context.Background(), "alice", "correct")
	}()
	<-authenticated

	// Let login reach storage before the stale token is rejected
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if loginErr != nil {
		t.Fatalf("Login failed: %v", loginErr)
	}
	s := m.Snapshot()
	if s.User == nil || s.AccessToken != "new" {
		t.Fatalf("expected authenticated state with the new token, got %+v", s)
	}
	if v, ok := store.Get(tokenstore.KeyAccessToken); !ok || v != "new" {
		t.Errorf("stored access token = %q (present=%v), want new", v, ok)
	}
	if v, ok := store.Get(tokenstore.KeyRefreshToken); !ok || v != "new-ref" {
		t.Errorf("stored refresh token = %q (present=%v), want new-ref", v, ok)
	}
}

func TestLoginMissingCredentials(t *testing.T) {
	auth := &stubAuth{}
	m := NewManager(auth, tokenstore.NewMemory())
	before := m.Snapshot()

	for _, c := range [][2]string{{"", "pw"}, {"alice", ""}, {"", ""}} {
		if err := m.Login(context.Background(), c[0], c[1]); !errors.Is(err, ErrMissingCredentials) {
			t.Errorf("Login(%q, %q) = %v, want ErrMissingCredentials", c[0], c[1], err)
		}
	}

	if auth.calls.Load() != 0 {
		t.Error("backend must not be called without credentials")
	}
	if after := m.Snapshot(); after != before {
		t.Errorf("state changed: %+v -> %+v", before, after)
	}
}

func TestLoginAtMostOneInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	auth := &stubAuth{
		authenticate: func(context.Context, string, string) (*backend.Tokens, error) {
			close(entered)
			<-release
			return &backend.Tokens{Access: "acc", Refresh: "ref"}, nil
		},
		currentUser: func(context.Context, string) (*backend.UserProfile, error) {
			return &backend.UserProfile{ID: "1", Username: "alice"}, nil
		},
	}
	m := NewManager(auth, tokenstore.NewMemory())

	if m.Snapshot().Pending {
		t.Fatal("pending must be false before the first login")
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Login(context.Background(), "alice", "correct")
	}()
	<-entered

	if !m.Snapshot().Pending {
		t.Error("expected pending while login is in flight")
	}
	if err := m.Login(context.Background(), "alice", "correct"); !errors.Is(err, ErrLoginInProgress) {
		t.Errorf("second login = %v, want ErrLoginInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first login failed: %v", err)
	}
	if m.Snapshot().Pending {
		t.Error("pending must be false after login settles")
	}
}

func TestAdoptTokens(t *testing.T) {
	fb := &fakeBackend{}
	store := tokenstore.NewMemory()
	m := NewManager(newTestClient(t, fb), store)

	if err := m.AdoptTokens(context.Background(), &backend.Tokens{Access: "acc-alice", Refresh: "ref-alice"}); err != nil {
		t.Fatalf("AdoptTokens failed: %v", err)
	}
	s := m.Snapshot()
	if !s.Authenticated() || s.Initializing {
		t.Errorf("unexpected state %+v", s)
	}
	if v, _ := store.Get(tokenstore.KeyAccessToken); v != "acc-alice" {
		t.Errorf("stored access token = %q", v)
	}

	if err := m.AdoptTokens(context.Background(), &backend.Tokens{}); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("expected ErrMissingCredentials, got %v", err)
	}
}

// failingRemoveStore refuses every removal.
type failingRemoveStore struct{ *tokenstore.Memory }

func (f *failingRemoveStore) Remove(...string) error { return errors.New("disk full") }

func TestLogoutAlwaysClears(t *testing.T) {
	auth := &stubAuth{
		currentUser: func(context.Context, string) (*backend.UserProfile, error) {
			return &backend.UserProfile{ID: "1", Username: "alice"}, nil
		},
	}

	t.Run("never logged in", func(t *testing.T) {
		store := tokenstore.NewMemory()
		m := NewManager(auth, store)
		m.Logout()
		if s := m.Snapshot(); s.User != nil || s.AccessToken != "" || store.Len() != 0 {
			t.Errorf("unexpected state %+v", s)
		}
	})

	t.Run("logged in", func(t *testing.T) {
		cache := NewProfileCache(time.Minute, nil)
		defer cache.Stop()

		store := storeWith("acc-alice", "ref-alice")
		m := NewManager(auth, store, WithProfileCache(cache))
		m.Hydrate(context.Background())
		if !m.Snapshot().Authenticated() {
			t.Fatal("expected authenticated session")
		}

		m.Logout()
		s := m.Snapshot()
		if s.User != nil || s.AccessToken != "" || s.RefreshToken != "" {
			t.Errorf("unexpected state %+v", s)
		}
		if store.Len() != 0 {
			t.Errorf("expected empty storage, got %d keys", store.Len())
		}
		if cache.Count() != 0 {
			t.Errorf("expected profile to be evicted, got %d entries", cache.Count())
		}
	})

	t.Run("storage error", func(t *testing.T) {
		m := NewManager(auth, &failingRemoveStore{Memory: tokenstore.NewMemory()})
		m.Logout()
		if s := m.Snapshot(); s.User != nil {
			t.Errorf("unexpected state %+v", s)
		}
	})
}

// requesterFunc adapts a function to backend.Requester.
type requesterFunc func(ctx context.Context, req *backend.Request, out any) error

func (f requesterFunc) Do(ctx context.Context, req *backend.Request, out any) error {
	return f(ctx, req, out)
}

func authenticatedManager(t *testing.T, r backend.Requester) *Manager {
	t.Helper()
	auth := &stubAuth{
		currentUser: func(context.Context, string) (*backend.UserProfile, error) {
			return &backend.UserProfile{ID: "1", Username: "alice"}, nil
		},
	}
	m := NewManager(auth, storeWith("acc-alice", "ref-alice"),
		WithRequester(r),
		WithRetry(3, time.Millisecond),
	)
	m.Hydrate(context.Background())
	if !m.Snapshot().Authenticated() {
		t.Fatal("expected authenticated session")
	}
	return m
}

func TestDoAttachesToken(t *testing.T) {
	var gotToken string
	m := authenticatedManager(t, requesterFunc(func(_ context.Context, req *backend.Request, _ any) error {
		gotToken = req.Token
		return nil
	}))

	req := &backend.Request{Method: http.MethodGet, Path: "/api/students/"}
	if err := m.Do(context.Background(), req, nil); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if gotToken != "acc-alice" {
		t.Errorf("token = %q, want acc-alice", gotToken)
	}
	if req.Token != "" {
		t.Error("Do must not modify the caller's request")
	}
}

func TestDoWithoutSession(t *testing.T) {
	m := NewManager(&stubAuth{}, tokenstore.NewMemory(), WithRequester(requesterFunc(func(context.Context, *backend.Request, any) error {
		t.Error("requester must not be called without a session")
		return nil
	})))

	err := m.Do(context.Background(), &backend.Request{Method: http.MethodGet, Path: "/x"}, nil)
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestDoLogsOutOnUnauthorized(t *testing.T) {
	m := authenticatedManager(t, requesterFunc(func(context.Context, *backend.Request, any) error {
		return &backend.APIError{StatusCode: http.StatusUnauthorized, Detail: "Token is invalid or expired"}
	}))

	err := m.Do(context.Background(), &backend.Request{Method: http.MethodGet, Path: "/api/students/"}, nil)
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
	if !backend.IsUnauthorized(err) {
		t.Error("expected the backend error to stay in the chain")
	}
	s := m.Snapshot()
	if s.Authenticated() || s.AccessToken != "" {
		t.Errorf("expected logout, got %+v", s)
	}
	if Guard(s) != DecisionRedirect {
		t.Errorf("Guard = %s, want redirect", Guard(s))
	}
}

func TestDoRetriesIdempotentRequests(t *testing.T) {
	tests := []struct {
		method    string
		wantCalls int32
	}{
		{http.MethodGet, 3},
		{http.MethodPost, 1},
		{http.MethodDelete, 1},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			var calls atomic.Int32
			m := authenticatedManager(t, requesterFunc(func(context.Context, *backend.Request, any) error {
				calls.Add(1)
				return backend.ErrConnectivity
			}))

			err := m.Do(context.Background(), &backend.Request{Method: tt.method, Path: "/api/students/"}, nil)
			if !backend.IsConnectivity(err) {
				t.Errorf("expected connectivity error, got %v", err)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
			if !m.Snapshot().Authenticated() {
				t.Error("connectivity errors must not log out")
			}
		})
	}
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	m := authenticatedManager(t, requesterFunc(func(context.Context, *backend.Request, any) error {
		calls.Add(1)
		return &backend.APIError{StatusCode: http.StatusNotFound}
	}))

	err := m.Do(context.Background(), &backend.Request{Method: http.MethodGet, Path: "/api/students/99/"}, nil)
	if backend.StatusCode(err) != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestGuard(t *testing.T) {
	user := &backend.UserProfile{ID: "1", Username: "alice"}
	tests := []struct {
		name  string
		state State
		want  Decision
	}{
		{"initializing", State{Initializing: true}, DecisionWait},
		{"initializing with user", State{Initializing: true, AccessToken: "a", User: user}, DecisionWait},
		{"unauthenticated", State{}, DecisionRedirect},
		{"token without user", State{AccessToken: "a"}, DecisionRedirect},
		{"authenticated", State{AccessToken: "a", User: user}, DecisionAllow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Guard(tt.state); got != tt.want {
				t.Errorf("Guard = %s, want %s", got, tt.want)
			}
		})
	}
}
