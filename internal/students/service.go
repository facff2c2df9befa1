package students

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/al-bashkir/schoolfront/internal/backend"
)

// DefaultPath is the student collection endpoint.
const DefaultPath = "/api/students/"

// Doer executes authenticated backend requests. *session.Manager implements it.
type Doer interface {
	Do(ctx context.Context, req *backend.Request, out any) error
}

// Service performs student CRUD against the backend.
type Service struct {
	doer Doer
	path string
}

// NewService creates a service for the collection at path.
func NewService(doer Doer, path string) *Service {
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return &Service{doer: doer, path: path}
}

func (s *Service) itemPath(id int64) string {
	return s.path + strconv.FormatInt(id, 10) + "/"
}

// List returns the students matching f. Both plain arrays and paginated
// {"results": [...]} bodies are accepted.
func (s *Service) List(ctx context.Context, f Filter) ([]Student, error) {
	var raw json.RawMessage
	err := s.doer.Do(ctx, &backend.Request{
		Method: http.MethodGet,
		Path:   s.path,
		Query:  f.Query(),
	}, &raw)
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}

	items := gjson.ParseBytes(raw)
	if !items.IsArray() {
		items = items.Get("results")
	}
	if !items.IsArray() {
		return nil, fmt.Errorf("unexpected student list response")
	}

	var list []Student
	if err := json.Unmarshal([]byte(items.Raw), &list); err != nil {
		return nil, fmt.Errorf("failed to decode student list: %w", err)
	}
	return list, nil
}

// Get returns one student.
func (s *Service) Get(ctx context.Context, id int64) (*Student, error) {
	var st Student
	if err := s.doer.Do(ctx, &backend.Request{Method: http.MethodGet, Path: s.itemPath(id)}, &st); err != nil {
		return nil, fmt.Errorf("failed to load student %d: %w", id, err)
	}
	return &st, nil
}

// Create validates f and creates a student. Validation problems, local or
// reported by the backend, are returned as *FormError.
func (s *Service) Create(ctx context.Context, f *Form) (*Student, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	var st Student
	err := s.doer.Do(ctx, &backend.Request{Method: http.MethodPost, Path: s.path, Body: f.payload()}, &st)
	if err != nil {
		return nil, formErrorFrom(err, "failed to create student")
	}
	return &st, nil
}

// Update validates f and replaces student id.
func (s *Service) Update(ctx context.Context, id int64, f *Form) (*Student, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	var st Student
	err := s.doer.Do(ctx, &backend.Request{Method: http.MethodPut, Path: s.itemPath(id), Body: f.payload()}, &st)
	if err != nil {
		return nil, formErrorFrom(err, fmt.Sprintf("failed to update student %d", id))
	}
	return &st, nil
}

// Delete removes student id. The backend answers 204 on success.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.doer.Do(ctx, &backend.Request{Method: http.MethodDelete, Path: s.itemPath(id)}, nil); err != nil {
		return fmt.Errorf("failed to delete student %d: %w", id, err)
	}
	return nil
}

// formErrorFrom turns a backend 400 with field messages into a *FormError.
func formErrorFrom(err error, op string) error {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest && len(apiErr.Fields) > 0 {
		return &FormError{Message: MsgFormInvalid, Fields: apiErr.Fields}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// UserMessage is the text shown to users for a failed student operation.
func UserMessage(err error) string {
	var apiErr *backend.APIError
	switch {
	case err == nil:
		return ""
	case errors.As(err, new(*FormError)):
		fe, _ := AsFormError(err)
		return fe.Message
	case backend.IsConnectivity(err):
		return "Network error, the server could not be reached."
	case errors.As(err, &apiErr) && apiErr.Detail != "":
		return apiErr.Detail
	case backend.StatusCode(err) == http.StatusNotFound:
		return "Student not found."
	default:
		return "The request failed, please try again."
	}
}
