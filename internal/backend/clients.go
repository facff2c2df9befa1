package backend

import (
	"context"
	"fmt"

	"github.com/al-bashkir/schoolfront/internal/config"
)

// Clients are the backend clients selected by configuration.
type Clients struct {
	Auth      Authenticator
	Requester Requester

	// OIDC is set for the identity-provider variant
	OIDC *OIDCClient
}

// SSO returns the OIDC client when browser sign-on is configured, nil otherwise.
func (c *Clients) SSO(cfg *config.Config) *OIDCClient {
	if !cfg.SSOEnabled() {
		return nil
	}
	return c.OIDC
}

// NewClients builds the clients for cfg.Backend.Kind. Resource requests
// always go to the REST API; with the OIDC variant it accepts the identity
// provider's access tokens.
func NewClients(ctx context.Context, cfg *config.Config, observe ObserveFunc) (*Clients, error) {
	rest := NewRESTClient(&cfg.Backend, WithObserver(observe))

	switch cfg.Backend.Kind {
	case config.BackendREST:
		return &Clients{Auth: rest, Requester: rest}, nil
	case config.BackendOIDC:
		oc, err := NewOIDCClient(ctx, &cfg.OIDC, nil)
		if err != nil {
			return nil, err
		}
		oc.SetObserver(observe)
		return &Clients{Auth: oc, Requester: rest, OIDC: oc}, nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}
