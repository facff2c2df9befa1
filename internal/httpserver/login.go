package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/al-bashkir/schoolfront/internal/backend"
	"github.com/al-bashkir/schoolfront/internal/session"
)

const msgMissingCredentials = "Please enter your username and password."

// loginForm bounds what the login page forwards to the backend.
type loginForm struct {
	Username string `validate:"required,max=150"`
	Password string `validate:"required,max=128"`
}

var loginValidator = validator.New(validator.WithRequiredStructEnabled())

// safeNext keeps post-login redirects on this site.
func safeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	return next
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	m := sessionFrom(r)
	next := safeNext(r.URL.Query().Get("next"))

	if m.Snapshot().Authenticated() {
		http.Redirect(w, r, next, http.StatusSeeOther)
		return
	}

	s.render(w, http.StatusOK, "login.html", loginPage{
		layoutData: layoutData{Title: "Sign in", Version: s.deps.Version},
		Next:       next,
		SSO:        s.ssoEnabled(),
	})
}

func (s *Server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	m := sessionFrom(r)

	if err := r.ParseForm(); err != nil {
		s.renderError(w, http.StatusBadRequest, "Invalid form submission.")
		return
	}

	form := loginForm{
		Username: strings.TrimSpace(r.PostForm.Get("username")),
		Password: r.PostForm.Get("password"),
	}
	next := safeNext(r.PostForm.Get("next"))

	page := loginPage{
		layoutData: layoutData{Title: "Sign in", Version: s.deps.Version},
		Username:   form.Username,
		Next:       next,
		SSO:        s.ssoEnabled(),
	}

	if err := loginValidator.Struct(form); err != nil {
		page.Error = msgMissingCredentials
		s.render(w, http.StatusBadRequest, "login.html", page)
		return
	}

	err := m.Login(r.Context(), form.Username, form.Password)
	switch {
	case err == nil:
		http.Redirect(w, r, next, http.StatusSeeOther)
	case errors.Is(err, session.ErrMissingCredentials):
		page.Error = msgMissingCredentials
		s.render(w, http.StatusBadRequest, "login.html", page)
	case errors.Is(err, session.ErrLoginInProgress):
		page.Error = "A sign-in is already in progress."
		s.render(w, http.StatusConflict, "login.html", page)
	default:
		slog.Debug("login page rejected credentials", "request_id", requestID(r), "error", err)
		page.Error = m.Snapshot().LastError
		status := http.StatusUnauthorized
		if backend.IsConnectivity(err) {
			status = http.StatusBadGateway
		}
		s.render(w, status, "login.html", page)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sessionFrom(r).Logout()
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// SessionInfo is the JSON view of the session. Tokens are never exposed.
type SessionInfo struct {
	Authenticated bool                 `json:"authenticated"`
	Initializing  bool                 `json:"initializing"`
	User          *backend.UserProfile `json:"user,omitempty"`
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	st := sessionFrom(r).Snapshot()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(SessionInfo{
		Authenticated: st.Authenticated(),
		Initializing:  st.Initializing,
		User:          st.User,
	}); err != nil {
		slog.Error("failed to encode session response", "error", err)
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	user := sessionFrom(r).Snapshot().User

	s.render(w, http.StatusOK, "dashboard.html", dashboardPage{
		layoutData: layoutData{Title: "Dashboard", User: user, Version: s.deps.Version},
		Actions:    quickActions(user, s.cfg.Backend.BaseURL),
	})
}
