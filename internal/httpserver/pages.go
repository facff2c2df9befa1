package httpserver

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/al-bashkir/schoolfront/internal/backend"
	"github.com/al-bashkir/schoolfront/internal/students"
)

var templateFuncs = template.FuncMap{
	"roleLabel":   roleLabel,
	"primaryRole": primaryRole,
	"isSelected":  func(a, b string) bool { return a == b },
}

// layoutData is shared by every page.
type layoutData struct {
	Title   string
	User    *backend.UserProfile
	Flash   string
	Error   string
	Version string
}

type loginPage struct {
	layoutData
	Username string
	Next     string
	SSO      bool
}

type quickAction struct {
	Title       string
	Description string
	Href        string
}

type dashboardPage struct {
	layoutData
	Actions []quickAction
}

type studentListPage struct {
	layoutData
	Students    []students.Student
	Stats       students.Stats
	Filter      students.Filter
	GradeLevels []string
	Statuses    []string
	ClassNames  []string
}

type studentFormPage struct {
	layoutData
	Form        *students.Form
	Fields      map[string]string
	Action      string
	Editing     bool
	GradeLevels []string
	Statuses    []string
	ClassNames  []string
	Genders     []string
}

func newStudentFormPage(title, action string, f *students.Form) studentFormPage {
	return studentFormPage{
		layoutData:  layoutData{Title: title},
		Form:        f,
		Fields:      map[string]string{},
		Action:      action,
		GradeLevels: students.GradeLevels,
		Statuses:    students.Statuses,
		ClassNames:  students.ClassNames,
		Genders:     students.Genders,
	}
}

// roleLabel is the display name of a role code.
func roleLabel(code string) string {
	switch code {
	case "admin":
		return "Administrator"
	case "grade_manager":
		return "Grade manager"
	case "subject_teacher":
		return "Subject teacher"
	default:
		return "Staff"
	}
}

// primaryRole picks the role shown next to the user name.
func primaryRole(u *backend.UserProfile) string {
	if u == nil {
		return ""
	}
	if u.Role != "" {
		return u.Role
	}
	for _, code := range []string{"admin", "grade_manager", "subject_teacher"} {
		if u.HasRole(code) {
			return code
		}
	}
	if len(u.Roles) > 0 {
		return u.Roles[0].Code
	}
	return ""
}

// quickActions lists the dashboard shortcuts a user may follow. Exam and
// score pages are served by the backend itself.
func quickActions(u *backend.UserProfile, backendURL string) []quickAction {
	base := strings.TrimRight(backendURL, "/")
	actions := []quickAction{
		{Title: "Students", Description: "Browse and edit student records", Href: "/students"},
	}

	if u.HasRole("admin") || u.HasRole("grade_manager") {
		actions = append(actions,
			quickAction{Title: "Exams", Description: "Manage exams", Href: base + "/exams/"},
			quickAction{Title: "Scores", Description: "Enter and review scores", Href: base + "/scores/"},
			quickAction{Title: "Score query", Description: "Search scores and rankings", Href: base + "/scores/query/"},
		)
	}

	if u.HasRole("admin") {
		actions = append(actions, quickAction{Title: "Administration", Description: "Backend administration", Href: base + "/admin/"})
	}

	return actions
}

// render executes a template into a buffer first so that a template error
// still produces a clean 500.
func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("failed to render template", "template", name, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// renderError renders the error page
func (s *Server) renderError(w http.ResponseWriter, status int, errMsg string) {
	s.render(w, status, "error.html", layoutData{
		Title:   "Error",
		Error:   errMsg,
		Version: s.deps.Version,
	})
}
