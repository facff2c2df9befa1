package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"
)

// handleSSOStart begins a browser sign-on. The PKCE verifier stays
// server-side in the flow store, keyed by the state parameter.
func (s *Server) handleSSOStart(w http.ResponseWriter, r *http.Request) {
	if !s.ssoEnabled() {
		s.renderError(w, http.StatusNotFound, "Single sign-on is not enabled.")
		return
	}

	flow, err := s.deps.SSO.StartAuthFlow()
	if err != nil {
		slog.Error("failed to start auth flow", "request_id", requestID(r), "error", err)
		s.renderError(w, http.StatusInternalServerError, "Single sign-on is unavailable. Please try again.")
		return
	}

	next := safeNext(r.URL.Query().Get("next"))
	f, err := s.deps.Flows.Create(flow.State, flow.CodeVerifier, next, extractIP(r))
	if err != nil {
		slog.Error("failed to store auth flow", "request_id", requestID(r), "error", err)
		s.renderError(w, http.StatusInternalServerError, "Single sign-on is unavailable. Please try again.")
		return
	}

	slog.Debug("auth flow started", // #nosec G706 -- values sanitized via sanitizeLog
		"flow_id", f.ID,
		"ip", sanitizeLog(f.ClientIP),
	)

	http.Redirect(w, r, flow.AuthURL, http.StatusFound)
}

// handleCallback completes the authorization code flow:
// 1. Extract code and state from query parameters
// 2. Look up the flow by state
// 3. Exchange code for tokens (with PKCE)
// 4. Sign the session in with the tokens
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !s.ssoEnabled() {
		s.renderError(w, http.StatusNotFound, "Single sign-on is not enabled.")
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	errorParam := r.URL.Query().Get("error")
	errorDesc := r.URL.Query().Get("error_description")

	slog.Info("callback received", // #nosec G706 -- only boolean values logged, no injection risk
		"code_present", code != "",
		"state_present", state != "",
		"error_present", errorParam != "",
	)

	// Handle OIDC error responses
	if errorParam != "" {
		slog.Error("OIDC error in callback", // #nosec G706 -- values sanitized via sanitizeLog
			"error", sanitizeLog(errorParam),
			"description", sanitizeLog(errorDesc),
		)
		if state != "" {
			s.deps.Flows.Delete(state)
		}
		msg := fmt.Sprintf("Authentication failed: %s", errorDesc)
		if errorDesc == "" {
			msg = fmt.Sprintf("Authentication failed: %s", errorParam)
		}
		s.renderError(w, http.StatusUnauthorized, msg)
		return
	}

	if code == "" || state == "" {
		slog.Error("invalid callback parameters", // #nosec G706 -- only boolean values logged, no injection risk
			"code_present", code != "",
			"state_present", state != "",
		)
		s.renderError(w, http.StatusBadRequest, "Invalid callback parameters")
		return
	}

	flow, err := s.deps.Flows.Take(state)
	if err != nil {
		slog.Error("auth flow not found", // #nosec G706 -- values sanitized via sanitizeLog
			"state", sanitizeLog(state),
			"error", err,
		)
		s.renderError(w, http.StatusBadRequest, "Sign-in expired or was already used. Please try again.")
		return
	}

	tokens, err := s.deps.SSO.ExchangeCode(r.Context(), code, flow.CodeVerifier)
	if err != nil {
		slog.Error("token exchange failed", // #nosec G706 -- flow.ID is a uuid; err is from OIDC library
			"flow_id", flow.ID,
			"error", err,
		)
		s.renderError(w, http.StatusUnauthorized, "Authentication failed. Please try again.")
		return
	}

	m := sessionFrom(r)
	if err := m.AdoptTokens(r.Context(), tokens); err != nil {
		slog.Error("failed to establish session after sign-on",
			"flow_id", flow.ID,
			"error", err,
		)
		msg := m.Snapshot().LastError
		if msg == "" {
			msg = "Authentication failed. Please try again."
		}
		s.renderError(w, http.StatusBadGateway, msg)
		return
	}

	slog.Info("user authenticated via single sign-on", // #nosec G706 -- values sanitized via sanitizeLog
		"flow_id", flow.ID,
		"username", sanitizeLog(m.Snapshot().User.Username),
		"ip", sanitizeLog(flow.ClientIP),
	)

	http.Redirect(w, r, safeNext(flow.ReturnTo), http.StatusSeeOther)
}
