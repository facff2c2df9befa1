// Package auth implements the session commands of the schoolfront CLI.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/al-bashkir/schoolfront/internal/backend"
	"github.com/al-bashkir/schoolfront/internal/config"
	"github.com/al-bashkir/schoolfront/internal/session"
	"github.com/al-bashkir/schoolfront/internal/students"
	"github.com/al-bashkir/schoolfront/internal/tokenstore"
)

// Exit codes for the CLI commands
const (
	ExitSuccess     = 0 // Command succeeded
	ExitFailure     = 1 // Command failed, or no session
	ExitConfigError = 3 // Configuration could not be loaded
)

// Handler runs CLI commands against a session persisted in the token file
type Handler struct {
	manager      *session.Manager
	store        *tokenstore.File
	studentsPath string
	out          io.Writer
	errOut       io.Writer
}

// NewHandler creates a handler whose session lives in cfg.Auth.TokenFile
func NewHandler(cfg *config.Config, auth backend.Authenticator, out, errOut io.Writer, opts ...session.Option) *Handler {
	store := tokenstore.NewFile(cfg.Auth.TokenFile)

	opts = append([]session.Option{
		session.WithTimeout(cfg.Backend.Timeout()),
		session.WithRetry(uint(cfg.Backend.RetryAttempts), 200*time.Millisecond),
	}, opts...)

	return &Handler{
		manager:      session.NewManager(auth, store, opts...),
		store:        store,
		studentsPath: cfg.Backend.StudentsPath,
		out:          out,
		errOut:       errOut,
	}
}

// Manager exposes the session, mainly for tests
func (h *Handler) Manager() *session.Manager {
	return h.manager
}

// Login signs in. Credentials come from credentialsFile when given,
// otherwise from username and password.
func (h *Handler) Login(ctx context.Context, credentialsFile, username, password string) int {
	if credentialsFile != "" {
		u, p, err := readCredentialsFile(credentialsFile)
		if err != nil {
			slog.Error("failed to read credentials file", "error", err, "file", credentialsFile)
			fmt.Fprintf(h.errOut, "Error reading credentials: %v\n", err)
			return ExitFailure
		}
		username = u
		if p != "" {
			password = p
		}
	}

	err := h.manager.Login(ctx, username, password)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrMissingCredentials):
		fmt.Fprintf(h.errOut, "Error: username and password are required\n")
		return ExitFailure
	default:
		slog.Debug("login failed", "error", err)
		msg := h.manager.Snapshot().LastError
		if msg == "" {
			msg = err.Error()
		}
		fmt.Fprintf(h.errOut, "Error: %s\n", msg)
		return ExitFailure
	}

	user := h.manager.Snapshot().User
	fmt.Fprintf(h.out, "Logged in as %s\n", user.Username)
	slog.Debug("tokens stored", "file", h.store.Path())
	return ExitSuccess
}

// Logout removes the stored tokens. It succeeds without a session.
func (h *Handler) Logout(ctx context.Context) int {
	h.manager.Hydrate(ctx)
	h.manager.Logout()
	fmt.Fprintln(h.out, "Logged out")
	return ExitSuccess
}

// Whoami prints the profile of the stored session
func (h *Handler) Whoami(ctx context.Context) int {
	user, ok := h.requireSession(ctx)
	if !ok {
		return ExitFailure
	}

	fmt.Fprintf(h.out, "Username: %s\n", user.Username)
	if name := strings.TrimSpace(user.FirstName + " " + user.LastName); name != "" {
		fmt.Fprintf(h.out, "Name:     %s\n", name)
	}
	if user.Email != "" {
		fmt.Fprintf(h.out, "Email:    %s\n", user.Email)
	}
	if roles := roleCodes(user); len(roles) > 0 {
		fmt.Fprintf(h.out, "Roles:    %s\n", strings.Join(roles, ", "))
	}
	if user.ManagedGrade != "" {
		fmt.Fprintf(h.out, "Grade:    %s\n", user.ManagedGrade)
	}
	return ExitSuccess
}

// StudentsList prints the students matching f as a table
func (h *Handler) StudentsList(ctx context.Context, f students.Filter) int {
	if _, ok := h.requireSession(ctx); !ok {
		return ExitFailure
	}

	list, err := students.NewService(h.manager, h.studentsPath).List(ctx, f)
	if err != nil {
		return h.fail(err)
	}

	tw := tabwriter.NewWriter(h.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTUDENT ID\tNAME\tGRADE\tCLASS\tSTATUS")
	for _, s := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.StudentID, s.Name, s.Grade(), s.ClassName(), s.Status)
	}
	if err := tw.Flush(); err != nil {
		return h.fail(err)
	}

	st := students.ComputeStats(list)
	fmt.Fprintf(h.out, "\n%d students (%d active, %d suspended, %d graduated)\n", st.Total, st.Active, st.Suspended, st.Graduated)
	return ExitSuccess
}

// StudentsDelete deletes one student
func (h *Handler) StudentsDelete(ctx context.Context, id int64) int {
	if _, ok := h.requireSession(ctx); !ok {
		return ExitFailure
	}

	if err := students.NewService(h.manager, h.studentsPath).Delete(ctx, id); err != nil {
		return h.fail(err)
	}
	fmt.Fprintf(h.out, "Deleted student %d\n", id)
	return ExitSuccess
}

// requireSession hydrates the stored session; the CLI equivalent of the route guard.
func (h *Handler) requireSession(ctx context.Context) (*backend.UserProfile, bool) {
	h.manager.Hydrate(ctx)

	st := h.manager.Snapshot()
	if session.Guard(st) != session.DecisionAllow {
		fmt.Fprintln(h.errOut, "Error: not logged in, run 'schoolfront login' first")
		return nil, false
	}
	return st.User, true
}

func (h *Handler) fail(err error) int {
	slog.Debug("command failed", "error", err)
	if errors.Is(err, session.ErrNotAuthenticated) {
		fmt.Fprintln(h.errOut, "Error: session expired, run 'schoolfront login' again")
		return ExitFailure
	}
	fmt.Fprintf(h.errOut, "Error: %s\n", students.UserMessage(err))
	return ExitFailure
}

func roleCodes(u *backend.UserProfile) []string {
	var codes []string
	if u.Role != "" {
		codes = append(codes, u.Role)
	}
	for _, r := range u.Roles {
		codes = append(codes, r.Code)
	}
	return codes
}

// readCredentialsFile reads username and password from a two-line file:
//
//	Line 1: username
//	Line 2: password (may be empty when given by flag)
func readCredentialsFile(path string) (username, password string, err error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 -- path supplied by the operator
	if err != nil {
		return "", "", fmt.Errorf("failed to read file: %w", err)
	}

	lines := strings.Split(string(data), "\n")

	username = strings.TrimSpace(lines[0])
	if len(lines) >= 2 {
		password = strings.TrimSpace(lines[1])
	}

	if username == "" {
		return "", "", fmt.Errorf("username is empty in credentials file")
	}

	return username, password, nil
}
