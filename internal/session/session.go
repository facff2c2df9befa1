// Package session owns the client-side authentication lifecycle: token
// acquisition, persistence, profile hydration, expiry handling and route guarding.
package session

import (
	"errors"

	"github.com/al-bashkir/schoolfront/internal/backend"
)

var (
	// ErrMissingCredentials is returned by Login when username or password is empty.
	ErrMissingCredentials = errors.New("username and password are required")

	// ErrLoginInProgress is returned when a login is already in flight.
	ErrLoginInProgress = errors.New("login already in progress")

	// ErrNotAuthenticated is returned by Do without a session, and after a 401.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrLoginFailed wraps every login failure that was recorded in State.LastError.
	ErrLoginFailed = errors.New("login failed")
)

// Messages surfaced through State.LastError.
const (
	MsgLoginRejected      = "Login failed, please check your username and password."
	MsgLoginUnreachable   = "Login request failed, please check your network connection."
	MsgProfileUnavailable = "Signed in, but the user profile could not be loaded."
	MsgStorageUnavailable = "Signed in, but the session could not be saved."
)

// State is a snapshot of the session.
type State struct {
	// AccessToken is the bearer credential; empty means unauthenticated
	AccessToken string

	// RefreshToken is persisted with the access token but never exchanged
	RefreshToken string

	// User is set once hydration succeeds
	User *backend.UserProfile

	// Initializing is true until the first hydration attempt resolves
	Initializing bool

	// Pending is true while a login is in flight
	Pending bool

	// LastError is the message of the most recent failed login
	LastError string
}

// Authenticated reports whether a profile has been hydrated.
func (s State) Authenticated() bool {
	return s.User != nil
}

// Decision is the outcome of the route guard.
type Decision int

const (
	// DecisionWait means render a neutral loading view.
	DecisionWait Decision = iota
	// DecisionRedirect means send the user to the login view.
	DecisionRedirect
	// DecisionAllow means render the protected view.
	DecisionAllow
)

func (d Decision) String() string {
	switch d {
	case DecisionWait:
		return "wait"
	case DecisionRedirect:
		return "redirect"
	case DecisionAllow:
		return "allow"
	default:
		return "unknown"
	}
}

// Guard applies the protected-view policy to a snapshot.
// Initializing is checked first so that nothing protected flashes and no
// premature redirect happens.
func Guard(s State) Decision {
	if s.Initializing {
		return DecisionWait
	}
	if !s.Authenticated() {
		return DecisionRedirect
	}
	return DecisionAllow
}
