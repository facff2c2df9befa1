package backend

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/al-bashkir/schoolfront/internal/config"
)

// OIDCClient is the identity-provider variant of the backend contract.
// Credentials are exchanged with the resource owner password grant, the
// profile comes from the userinfo endpoint, and browser single sign-on uses
// the authorization code flow with PKCE.
type OIDCClient struct {
	provider     *oidc.Provider
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	httpClient   *http.Client
	roleClaim    string
	observe      ObserveFunc
}

// AuthFlow contains the data needed to start a browser sign-on.
type AuthFlow struct {
	// State is the OAuth2 state parameter for CSRF protection
	State string

	// CodeVerifier is the PKCE code verifier (must be stored for token exchange)
	CodeVerifier string

	// AuthURL is the complete authorization URL to redirect the user to
	AuthURL string
}

// NewOIDCClient performs OIDC discovery via /.well-known/openid-configuration
// and sets up the OAuth2 configuration and ID token verifier.
func NewOIDCClient(ctx context.Context, cfg *config.OIDCConfig, httpClient *http.Client) (*OIDCClient, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint:     provider.Endpoint(),
		Scopes:       cfg.Scopes,
	}

	// Verifies signature, issuer, audience and expiry
	verifier := provider.Verifier(&oidc.Config{
		ClientID: cfg.ClientID,
	})

	return &OIDCClient{
		provider:     provider,
		oauth2Config: oauth2Config,
		verifier:     verifier,
		httpClient:   httpClient,
		roleClaim:    cfg.RoleClaim,
	}, nil
}

// SetObserver registers a per-call observer, used for metrics.
func (c *OIDCClient) SetObserver(fn ObserveFunc) {
	c.observe = fn
}

func (c *OIDCClient) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// Authenticate exchanges credentials using the password grant.
func (c *OIDCClient) Authenticate(ctx context.Context, username, password string) (*Tokens, error) {
	token, err := c.oauth2Config.PasswordCredentialsToken(c.oauthContext(ctx), username, password)
	if err != nil {
		return nil, translateOAuthError(err)
	}
	return tokensFrom(token), nil
}

// CurrentUser reads the userinfo endpoint. Roles missing from userinfo are
// taken from the access token's role claim when the token is a JWT.
func (c *OIDCClient) CurrentUser(ctx context.Context, accessToken string) (*UserProfile, error) {
	endpoint := c.provider.UserInfoEndpoint()
	if endpoint == "" {
		return nil, fmt.Errorf("identity provider does not advertise a userinfo endpoint")
	}

	body, err := doJSON(ctx, c.httpClient, endpoint, &Request{
		Method: http.MethodGet,
		Path:   "userinfo",
		Token:  accessToken,
	}, c.observe)
	if err != nil {
		return nil, err
	}

	profile, err := ParseProfile(body, c.roleClaim)
	if err != nil {
		return nil, err
	}

	if len(profile.Roles) == 0 && c.roleClaim != "" {
		profile.Roles = accessTokenRoles(accessToken, c.roleClaim)
	}
	return profile, nil
}

// StartAuthFlow generates state and PKCE verifier and builds the authorization URL.
func (c *OIDCClient) StartAuthFlow() (*AuthFlow, error) {
	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	verifier := oauth2.GenerateVerifier()

	return &AuthFlow{
		State:        state,
		CodeVerifier: verifier,
		AuthURL:      c.oauth2Config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
	}, nil
}

// ExchangeCode completes the authorization code flow and verifies the ID token.
func (c *OIDCClient) ExchangeCode(ctx context.Context, code, codeVerifier string) (*Tokens, error) {
	ctx = c.oauthContext(ctx)

	token, err := c.oauth2Config.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, translateOAuthError(err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("no id_token in token response")
	}

	if _, err := c.verifier.Verify(ctx, rawIDToken); err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	tokens := tokensFrom(token)
	tokens.IDToken = rawIDToken
	return tokens, nil
}

func tokensFrom(token *oauth2.Token) *Tokens {
	return &Tokens{
		Access:  token.AccessToken,
		Refresh: token.RefreshToken,
	}
}

// translateOAuthError maps oauth2 failures onto the package's error taxonomy.
func translateOAuthError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		apiErr := newAPIError(re.Response.StatusCode, re.Body)
		if apiErr.Detail == "" {
			apiErr.Detail = re.ErrorDescription
		}
		if apiErr.Detail == "" {
			apiErr.Detail = re.ErrorCode
		}
		return apiErr
	}
	return fmt.Errorf("%w: %w", ErrConnectivity, err)
}

// accessTokenRoles decodes the access token payload without verifying it.
// The identity provider has already vouched for the token; this only reads
// role claims that some providers place in the access token but not in userinfo.
func accessTokenRoles(accessToken, roleClaim string) []Role {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		slog.Debug("could not decode access token as JWT (may be opaque)", "error", err)
		return nil
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return nil
	}
	return rolesAt(gjson.ParseBytes(payload), roleClaim)
}

// generateState creates a random state parameter for CSRF protection.
// The state is 16 random bytes encoded as hex (32 characters).
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
