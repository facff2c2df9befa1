package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/al-bashkir/schoolfront/internal/backend"
	"github.com/al-bashkir/schoolfront/internal/session"
	"github.com/al-bashkir/schoolfront/internal/students"
)

var notices = map[string]string{
	"created": "Student added.",
	"updated": "Student updated.",
	"deleted": "Student deleted.",
}

// failStudents handles a failed backend call. A lost session goes back to
// the login page; everything else is shown on the error page.
func (s *Server) failStudents(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, session.ErrNotAuthenticated) {
		redirectToLogin(w, r)
		return
	}

	slog.Warn("student request failed", "request_id", requestID(r), "error", err)
	s.renderError(w, studentErrorStatus(err), students.UserMessage(err))
}

func studentErrorStatus(err error) int {
	switch backend.StatusCode(err) {
	case http.StatusNotFound:
		return http.StatusNotFound
	case http.StatusForbidden:
		return http.StatusForbidden
	}
	return http.StatusBadGateway
}

func studentID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleStudentList(w http.ResponseWriter, r *http.Request) {
	m := sessionFrom(r)
	filter := students.FilterFromQuery(r.URL.Query())

	list, err := s.studentService(m).List(r.Context(), filter)
	if err != nil {
		s.failStudents(w, r, err)
		return
	}

	s.render(w, http.StatusOK, "students.html", studentListPage{
		layoutData: layoutData{
			Title:   "Students",
			User:    m.Snapshot().User,
			Flash:   notices[r.URL.Query().Get("notice")],
			Version: s.deps.Version,
		},
		Students:    list,
		Stats:       students.ComputeStats(list),
		Filter:      filter,
		GradeLevels: students.GradeLevels,
		Statuses:    students.Statuses,
		ClassNames:  students.ClassNames,
	})
}

func (s *Server) handleStudentAddPage(w http.ResponseWriter, r *http.Request) {
	page := newStudentFormPage("Add student", "/students/add", students.NewForm())
	page.User = sessionFrom(r).Snapshot().User
	page.Version = s.deps.Version
	s.render(w, http.StatusOK, "student_form.html", page)
}

func (s *Server) handleStudentAddSubmit(w http.ResponseWriter, r *http.Request) {
	m := sessionFrom(r)

	if err := r.ParseForm(); err != nil {
		s.renderError(w, http.StatusBadRequest, "Invalid form submission.")
		return
	}

	form := students.FormFromValues(r.PostForm)
	created, err := s.studentService(m).Create(r.Context(), form)
	if err != nil {
		s.formFailure(w, r, newStudentFormPage("Add student", "/students/add", form), err)
		return
	}

	slog.Info("student created", "request_id", requestID(r), "id", created.ID)
	http.Redirect(w, r, "/students?notice=created", http.StatusSeeOther)
}

func (s *Server) handleStudentEditPage(w http.ResponseWriter, r *http.Request) {
	m := sessionFrom(r)

	id, ok := studentID(r)
	if !ok {
		s.renderError(w, http.StatusNotFound, "Student not found.")
		return
	}

	st, err := s.studentService(m).Get(r.Context(), id)
	if err != nil {
		s.failStudents(w, r, err)
		return
	}

	page := newStudentFormPage("Edit student", fmt.Sprintf("/students/%d/edit", id), students.FormFromStudent(st))
	page.Editing = true
	page.User = m.Snapshot().User
	page.Version = s.deps.Version
	s.render(w, http.StatusOK, "student_form.html", page)
}

func (s *Server) handleStudentEditSubmit(w http.ResponseWriter, r *http.Request) {
	m := sessionFrom(r)

	id, ok := studentID(r)
	if !ok {
		s.renderError(w, http.StatusNotFound, "Student not found.")
		return
	}

	if err := r.ParseForm(); err != nil {
		s.renderError(w, http.StatusBadRequest, "Invalid form submission.")
		return
	}

	form := students.FormFromValues(r.PostForm)
	if _, err := s.studentService(m).Update(r.Context(), id, form); err != nil {
		page := newStudentFormPage("Edit student", fmt.Sprintf("/students/%d/edit", id), form)
		page.Editing = true
		s.formFailure(w, r, page, err)
		return
	}

	slog.Info("student updated", "request_id", requestID(r), "id", id)
	http.Redirect(w, r, "/students?notice=updated", http.StatusSeeOther)
}

// formFailure re-renders a form with its errors, or falls back to failStudents
// when the failure is not about the submitted values.
func (s *Server) formFailure(w http.ResponseWriter, r *http.Request, page studentFormPage, err error) {
	fe, ok := students.AsFormError(err)
	if !ok {
		s.failStudents(w, r, err)
		return
	}

	page.User = sessionFrom(r).Snapshot().User
	page.Version = s.deps.Version
	page.Error = fe.Message
	if fe.Fields != nil {
		page.Fields = fe.Fields
	}
	s.render(w, http.StatusBadRequest, "student_form.html", page)
}

func (s *Server) handleStudentDelete(w http.ResponseWriter, r *http.Request) {
	m := sessionFrom(r)

	id, ok := studentID(r)
	if !ok {
		s.renderError(w, http.StatusNotFound, "Student not found.")
		return
	}

	if err := s.studentService(m).Delete(r.Context(), id); err != nil {
		s.failStudents(w, r, err)
		return
	}

	slog.Info("student deleted", "request_id", requestID(r), "id", id)
	http.Redirect(w, r, "/students?notice=deleted", http.StatusSeeOther)
}
