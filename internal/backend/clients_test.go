package backend

import (
	"context"
	"testing"

	"github.com/al-bashkir/schoolfront/internal/config"
)

func TestNewClients(t *testing.T) {
	t.Run("rest", func(t *testing.T) {
		cfg := config.DefaultConfig()

		c, err := NewClients(context.Background(), cfg, nil)
		if err != nil {
			t.Fatalf("NewClients failed: %v", err)
		}
		rest, ok := c.Auth.(*RESTClient)
		if !ok {
			t.Fatalf("expected REST authenticator, got %T", c.Auth)
		}
		if r, _ := c.Requester.(*RESTClient); r != rest {
			t.Error("expected the REST client to serve resource requests too")
		}
		if c.SSO(cfg) != nil {
			t.Error("expected no SSO for the REST variant")
		}
	})

	t.Run("oidc", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Backend.Kind = config.BackendOIDC
		cfg.OIDC.Issuer = newTestIssuer(t, "opaque")
		cfg.OIDC.ClientID = "schoolfront"
		cfg.OIDC.RedirectURI = "http://localhost:8080/callback"

		c, err := NewClients(context.Background(), cfg, nil)
		if err != nil {
			t.Fatalf("NewClients failed: %v", err)
		}
		if c.Auth != Authenticator(c.OIDC) {
			t.Errorf("expected OIDC authenticator, got %T", c.Auth)
		}
		if _, ok := c.Requester.(*RESTClient); !ok {
			t.Errorf("expected REST requester, got %T", c.Requester)
		}
		if c.SSO(cfg) == nil {
			t.Error("expected SSO with a redirect URI")
		}

		cfg.OIDC.RedirectURI = ""
		if c.SSO(cfg) != nil {
			t.Error("expected no SSO without a redirect URI")
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Backend.Kind = "soap"

		if _, err := NewClients(context.Background(), cfg, nil); err == nil {
			t.Error("expected error for unknown kind")
		}
	})
}
