package httpserver

import (
	"context"
	"crypto/tls"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/al-bashkir/schoolfront/internal/backend"
	"github.com/al-bashkir/schoolfront/internal/config"
	"github.com/al-bashkir/schoolfront/internal/metrics"
	"github.com/al-bashkir/schoolfront/internal/session"
	"github.com/al-bashkir/schoolfront/internal/students"
)

//go:embed templates/*.html
var templatesFS embed.FS

// SSOProvider starts and completes browser single sign-on.
// *backend.OIDCClient implements it.
type SSOProvider interface {
	StartAuthFlow() (*backend.AuthFlow, error)
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*backend.Tokens, error)
}

// Deps are the collaborators of the web frontend.
type Deps struct {
	// Auth is required
	Auth backend.Authenticator

	// Requester serves resource requests; defaults to Auth when it implements backend.Requester
	Requester backend.Requester

	// SSO enables /auth/sso and /callback when set together with Flows
	SSO   SSOProvider
	Flows *session.FlowStore

	Profiles *session.ProfileCache
	Metrics  *metrics.Metrics

	// Registry is exposed on /metrics when set
	Registry *prometheus.Registry

	Version string
}

// Server is the HTTP server for the web frontend
type Server struct {
	cfg        *config.Config
	deps       Deps
	httpServer *http.Server
	router     chi.Router
	templates  *template.Template
	limiter    *IPRateLimiter
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	// Parse templates
	templates, err := template.New("").Funcs(templateFuncs).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	if deps.Version == "" {
		deps.Version = "dev"
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		templates: templates,
		limiter:   newIPRateLimiter(10, 50, deps.Metrics),
	}

	s.router = s.routes()

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:         cfg.Listen.HTTP,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Backend.Timeout() + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Configure TLS if enabled
	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}
		s.httpServer.TLSConfig = tlsConfig
	}

	return s, nil
}

// routes builds the router. Middleware order: request id, logging,
// recovery, rate limit, security headers.
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(recoveryMiddleware)
	r.Use(s.rateLimitMiddleware)
	r.Use(securityHeadersMiddleware)

	r.Get("/health", s.handleHealth)
	if s.deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{
			Registry: s.deps.Registry,
		}))
	}

	// Everything below runs with a hydrated per-request session
	r.Group(func(r chi.Router) {
		r.Use(s.sessionMiddleware)

		r.Get("/login", s.handleLoginPage)
		r.Post("/login", s.handleLoginSubmit)
		r.Get("/auth/sso", s.handleSSOStart)
		r.Get("/callback", s.handleCallback)

		r.With(s.corsMiddleware()).Get("/api/session", s.handleSessionInfo)
		r.With(s.corsMiddleware()).Options("/api/session", func(w http.ResponseWriter, r *http.Request) {})

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)

			r.Get("/", s.handleDashboard)
			r.Get("/logout", s.handleLogout)
			r.Post("/logout", s.handleLogout)

			r.Route("/students", func(r chi.Router) {
				r.Get("/", s.handleStudentList)
				r.Get("/add", s.handleStudentAddPage)
				r.Post("/add", s.handleStudentAddSubmit)
				r.Get("/{id}/edit", s.handleStudentEditPage)
				r.Post("/{id}/edit", s.handleStudentEditSubmit)
				r.Post("/{id}/delete", s.handleStudentDelete)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.renderError(w, http.StatusNotFound, "Page not found.")
	})

	return r
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	})
}

// newSession builds the session for one request over its cookies.
func (s *Server) newSession(w http.ResponseWriter, r *http.Request) *session.Manager {
	store := newCookieStore(w, r, &s.cfg.Cookie)

	opts := []session.Option{
		session.WithTimeout(s.cfg.Backend.Timeout()),
		session.WithProfileCache(s.deps.Profiles),
		session.WithMetrics(s.deps.Metrics),
		session.WithRetry(uint(s.cfg.Backend.RetryAttempts), 200*time.Millisecond),
	}
	if s.deps.Requester != nil {
		opts = append(opts, session.WithRequester(s.deps.Requester))
	}
	return session.NewManager(s.deps.Auth, store, opts...)
}

func (s *Server) studentService(m *session.Manager) *students.Service {
	return students.NewService(m, s.cfg.Backend.StudentsPath)
}

// Handler returns the root handler, used by tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting HTTP server",
		"addr", s.cfg.Listen.HTTP,
		"tls", s.cfg.TLS.Enabled,
		"sso", s.ssoEnabled(),
	)

	if s.cfg.TLS.Enabled {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	defer s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) ssoEnabled() bool {
	return s.deps.SSO != nil && s.deps.Flows != nil
}
