package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/al-bashkir/schoolfront/internal/auth"
	"github.com/al-bashkir/schoolfront/internal/backend"
	"github.com/al-bashkir/schoolfront/internal/config"
	"github.com/al-bashkir/schoolfront/internal/daemon"
	"github.com/al-bashkir/schoolfront/internal/session"
	"github.com/al-bashkir/schoolfront/internal/students"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Exit codes
const (
	ExitSuccess = auth.ExitSuccess
	ExitError   = auth.ExitFailure
	ExitConfig  = auth.ExitConfigError
)

var rootCmd = &cobra.Command{
	Use:   "schoolfront",
	Short: "School management web frontend",
	Long: `Web frontend and command line client for the school management backend.

This binary operates in two modes:
  - serve: Run the web frontend (login, dashboard, student records)
  - login, logout, whoami, students: Use the backend from a terminal

Both keep the same session lifecycle: sign in with username and password,
persist the tokens, load the user profile and discard tokens the backend
no longer accepts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the web frontend",
	Long: `Start the HTTP server for the web frontend.

The server:
  - Serves the login page, dashboard and student pages
  - Keeps browser tokens in HttpOnly cookies
  - Offers single sign-on when the OIDC backend has a redirect URI
  - Exposes /health and /metrics

This mode is typically run as a systemd service.`,
	RunE: runServe,
}

// overrideExitCode is set by subcommands so main() can call os.Exit() after
// cobra finishes.  This avoids calling os.Exit() inside RunE which would
// bypass deferred functions.  -1 means "use default".
var overrideExitCode = -1

var (
	loginUsername   string
	loginPassword   string
	credentialsFile string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the session",
	Long: `Sign in to the backend and store the tokens in the token file.

Credentials come from --credentials-file, a file with two lines:
  Line 1: Username
  Line 2: Password
or from --username and --password.

Exit codes:
  0 = Signed in
  1 = Sign-in failed
  3 = Configuration error`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored session",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	Long: `Load the profile for the stored session.

A token the backend rejects is removed, as on a page load in the browser.`,
	Args: cobra.NoArgs,
	RunE: runWhoami,
}

var studentsCmd = &cobra.Command{
	Use:   "students",
	Short: "Work with student records",
}

var studentFilter students.Filter

var studentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List students",
	Args:  cobra.NoArgs,
	RunE:  runStudentsList,
}

var studentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a student",
	Args:  cobra.ExactArgs(1),
	RunE:  runStudentsDelete,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration file without starting the server.

Checks for:
  - Valid YAML syntax
  - Required fields present
  - Valid URLs and paths
  - Logical consistency

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	// Global flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/schoolfront/config.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "Username")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password")
	loginCmd.Flags().StringVar(&credentialsFile, "credentials-file", "", "File with username and password on two lines")

	studentsListCmd.Flags().StringVar(&studentFilter.Search, "search", "", "Match name or student ID")
	studentsListCmd.Flags().StringVar(&studentFilter.GradeLevel, "grade", "", "Grade level, e.g. 高一")
	studentsListCmd.Flags().StringVar(&studentFilter.ClassName, "class", "", "Class name, e.g. 1班")
	studentsListCmd.Flags().StringVar(&studentFilter.Status, "status", "", "Enrollment status, e.g. 在读")

	studentsCmd.AddCommand(studentsListCmd)
	studentsCmd.AddCommand(studentsDeleteCmd)

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(studentsCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	// If a subcommand set a specific exit code, use it.
	// This is done outside RunE so deferred functions run properly.
	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// loadConfig loads the configuration and applies the log flags.
// defaultLevel replaces the configured level when --log-level is not set.
func loadConfig(defaultLevel string) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	if defaultLevel != "" {
		cfg.Log.Level = defaultLevel
	}
	// Override log settings from flags if provided
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	// Initialize structured logging based on config
	config.SetupLogging(&cfg.Log)
	return cfg, nil
}

// runServe starts the daemon
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig("")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	slog.Info("starting schoolfront",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)

	// Create and run daemon
	d, err := daemon.New(cfg, version)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run()
}

// newHandler builds the CLI handler. It reports false after recording the
// exit code when the configuration or backend cannot be set up.
func newHandler(cmd *cobra.Command) (*auth.Handler, bool) {
	// Terminal output stays readable unless --log-level asks for more
	cfg, err := loadConfig("warn")
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		overrideExitCode = ExitConfig
		return nil, false
	}

	clients, err := backend.NewClients(commandContext(cmd), cfg, nil)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		overrideExitCode = ExitError
		return nil, false
	}

	return auth.NewHandler(cfg, clients.Auth, cmd.OutOrStdout(), cmd.ErrOrStderr(),
		session.WithRequester(clients.Requester)), true
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runLogin(cmd *cobra.Command, args []string) error {
	h, ok := newHandler(cmd)
	if !ok {
		return nil
	}
	overrideExitCode = h.Login(commandContext(cmd), credentialsFile, loginUsername, loginPassword)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	h, ok := newHandler(cmd)
	if !ok {
		return nil
	}
	overrideExitCode = h.Logout(commandContext(cmd))
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	h, ok := newHandler(cmd)
	if !ok {
		return nil
	}
	overrideExitCode = h.Whoami(commandContext(cmd))
	return nil
}

func runStudentsList(cmd *cobra.Command, args []string) error {
	h, ok := newHandler(cmd)
	if !ok {
		return nil
	}
	overrideExitCode = h.StudentsList(commandContext(cmd), studentFilter)
	return nil
}

func runStudentsDelete(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid student id %q", args[0])
	}

	h, ok := newHandler(cmd)
	if !ok {
		return nil
	}
	overrideExitCode = h.StudentsDelete(commandContext(cmd), id)
	return nil
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("schoolfront version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", getGoVersion())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	fmt.Printf("Checking configuration: %s\n\n", configFile)

	// Load configuration
	loaded, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}
	cfg := loaded.Redact()

	// Print configuration summary (with secrets redacted)
	fmt.Println("✅ Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  Backend:           %s (%s)\n", cfg.Backend.Kind, cfg.Backend.BaseURL)
	fmt.Printf("  Request Timeout:   %d seconds\n", cfg.Backend.RequestTimeout)
	fmt.Printf("  Retry Attempts:    %d\n", cfg.Backend.RetryAttempts)
	if cfg.Backend.Kind == config.BackendOIDC {
		fmt.Printf("  OIDC Issuer:       %s\n", cfg.OIDC.Issuer)
		fmt.Printf("  Client ID:         %s\n", cfg.OIDC.ClientID)
		fmt.Printf("  Client Secret:     %s\n", orNotSet(cfg.OIDC.ClientSecret))
		fmt.Printf("  Redirect URI:      %s\n", orNotSet(cfg.OIDC.RedirectURI))
		fmt.Printf("  Scopes:            %v\n", cfg.OIDC.Scopes)
	}
	fmt.Printf("  Single Sign-On:    %v\n", cfg.SSOEnabled())
	fmt.Printf("  HTTP Listen:       %s\n", cfg.Listen.HTTP)
	fmt.Printf("  Profile Cache TTL: %d seconds\n", cfg.Auth.ProfileCacheTTL)
	fmt.Printf("  Token File:        %s\n", cfg.Auth.TokenFile)
	fmt.Printf("  Log Level:         %s\n", cfg.Log.Level)
	fmt.Printf("  Log Format:        %s\n", cfg.Log.Format)
	fmt.Printf("  TLS Enabled:       %v\n", cfg.TLS.Enabled)

	fmt.Println("\n✅ Ready to start")

	return nil
}

func orNotSet(s string) string {
	if s == "" {
		return "[NOT SET]"
	}
	return s
}

// getGoVersion returns the Go version used to build the binary
func getGoVersion() string {
	return runtime.Version()
}
