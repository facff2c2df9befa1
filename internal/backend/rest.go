package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/al-bashkir/schoolfront/internal/config"
)

// maxResponseBytes caps how much of a backend response is read.
const maxResponseBytes = 4 << 20

// Request describes one call against the backend API.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body is JSON-encoded when non-nil
	Body any
	// Token is attached as a bearer credential when non-empty
	Token string
}

// Requester executes resource requests. out, when non-nil, receives the
// decoded JSON response body.
type Requester interface {
	Do(ctx context.Context, req *Request, out any) error
}

// ObserveFunc is called once per backend call. status is 0 when no response arrived.
type ObserveFunc func(method, path string, status int, elapsed time.Duration)

// RESTClient talks to the Django REST backend (simplejwt token endpoint,
// users/me profile endpoint, DRF resource endpoints).
type RESTClient struct {
	baseURL         string
	tokenPath       string
	currentUserPath string
	httpClient      *http.Client
	observe         ObserveFunc
}

// RESTOption configures a RESTClient.
type RESTOption func(*RESTClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) RESTOption {
	return func(r *RESTClient) { r.httpClient = c }
}

// WithObserver registers a per-call observer, used for metrics.
func WithObserver(fn ObserveFunc) RESTOption {
	return func(r *RESTClient) { r.observe = fn }
}

// NewRESTClient creates a client for the configured backend.
func NewRESTClient(cfg *config.BackendConfig, opts ...RESTOption) *RESTClient {
	c := &RESTClient{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		tokenPath:       cfg.TokenPath,
		currentUserPath: cfg.CurrentUserPath,
		httpClient: &http.Client{
			Timeout: cfg.Timeout(),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Authenticate posts credentials to the token endpoint.
func (c *RESTClient) Authenticate(ctx context.Context, username, password string) (*Tokens, error) {
	var tokens Tokens
	err := c.Do(ctx, &Request{
		Method: http.MethodPost,
		Path:   c.tokenPath,
		Body:   credentials{Username: username, Password: password},
	}, &tokens)
	if err != nil {
		return nil, err
	}
	if tokens.Access == "" {
		return nil, fmt.Errorf("token response has no access token")
	}
	return &tokens, nil
}

// CurrentUser fetches the profile for accessToken.
func (c *RESTClient) CurrentUser(ctx context.Context, accessToken string) (*UserProfile, error) {
	body, err := c.raw(ctx, &Request{
		Method: http.MethodGet,
		Path:   c.currentUserPath,
		Token:  accessToken,
	})
	if err != nil {
		return nil, err
	}
	return ParseProfile(body, "")
}

// Do executes req and decodes the response into out.
func (c *RESTClient) Do(ctx context.Context, req *Request, out any) error {
	body, err := c.raw(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", req.Method, req.Path, err)
	}
	return nil
}

// raw executes req and returns the body of a 2xx response.
func (c *RESTClient) raw(ctx context.Context, req *Request) ([]byte, error) {
	return doJSON(ctx, c.httpClient, c.resolve(req.Path), req, c.observe)
}

// resolve joins base URL and path without dropping the trailing slash DRF expects.
func (c *RESTClient) resolve(p string) string {
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	return c.baseURL + "/" + strings.TrimLeft(p, "/")
}

// doJSON is the single place where backend HTTP requests are built and sent.
func doJSON(ctx context.Context, client *http.Client, target string, req *Request, observe ObserveFunc) ([]byte, error) {
	if req.Query != nil {
		target += "?" + req.Query.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if bodyReader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		if observe != nil {
			observe(req.Method, req.Path, 0, time.Since(start))
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectivity, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if observe != nil {
		observe(req.Method, req.Path, resp.StatusCode, time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %w", ErrConnectivity, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, body)
	}
	return body, nil
}
