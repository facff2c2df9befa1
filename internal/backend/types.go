// Package backend is the client side of the remote school-management API:
// credential exchange, current-user lookup and authenticated resource requests.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Tokens is the credential pair returned by a successful credential exchange.
type Tokens struct {
	// Access is the short-lived bearer credential
	Access string `json:"access"`

	// Refresh is stored alongside the access token but never exchanged
	Refresh string `json:"refresh"`

	// IDToken is only set by the OIDC variant
	IDToken string `json:"-"`
}

// AccessExpiry returns the exp claim of the access token when it is a JWT.
// The signature is not verified; the backend remains the authority on validity.
// ok is false for opaque tokens and JWTs without exp.
func (t Tokens) AccessExpiry() (exp time.Time, ok bool) {
	return TokenExpiry(t.Access)
}

// TokenExpiry reads the exp claim from an unverified JWT.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Role is one entry of the list-of-roles profile variant.
type Role struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name"`
	Code string `json:"code"`
}

// UserProfile is the read-only snapshot returned by the current-user endpoint.
// Depending on the backend, authorization is carried either by Role or by Roles.
type UserProfile struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Role         string `json:"role,omitempty"`
	Roles        []Role `json:"roles,omitempty"`
	ManagedGrade string `json:"managed_grade,omitempty"`
}

// DisplayName is the first name when known, the username otherwise.
func (u *UserProfile) DisplayName() string {
	if u.FirstName != "" {
		return u.FirstName
	}
	return u.Username
}

// HasRole reports whether the profile carries the given role code in either variant.
func (u *UserProfile) HasRole(code string) bool {
	if u.Role == code {
		return true
	}
	for _, r := range u.Roles {
		if r.Code == code {
			return true
		}
	}
	return false
}

// Authenticator performs the two calls the session lifecycle depends on.
type Authenticator interface {
	// Authenticate exchanges credentials for tokens.
	Authenticate(ctx context.Context, username, password string) (*Tokens, error)

	// CurrentUser fetches the profile that belongs to the access token.
	CurrentUser(ctx context.Context, accessToken string) (*UserProfile, error)
}

// String keeps tokens out of %v output.
func (t Tokens) String() string {
	return fmt.Sprintf("Tokens{access:%t refresh:%t}", t.Access != "", t.Refresh != "")
}
