package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrConnectivity marks requests that never produced an HTTP response.
var ErrConnectivity = errors.New("backend unreachable")

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	// Detail is the human-readable message from the body, if any
	Detail string
	// Fields holds per-field validation messages from a 400 response
	Fields map[string]string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("backend returned %d", e.StatusCode)
}

// newAPIError builds an APIError from a response body. DRF bodies carry
// either {"detail": "..."} or {"field": ["msg", ...], ...}; OAuth2 bodies
// carry error/error_description.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if !gjson.ValidBytes(body) {
		return apiErr
	}

	parsed := gjson.ParseBytes(body)
	if d := parsed.Get("detail"); d.Type == gjson.String {
		apiErr.Detail = d.String()
		return apiErr
	}
	if d := parsed.Get("error_description"); d.Exists() {
		apiErr.Detail = d.String()
		return apiErr
	}
	if d := parsed.Get("error"); d.Type == gjson.String {
		apiErr.Detail = d.String()
		return apiErr
	}

	if parsed.IsObject() && status == http.StatusBadRequest {
		apiErr.Fields = make(map[string]string)
		parsed.ForEach(func(key, value gjson.Result) bool {
			apiErr.Fields[key.String()] = flattenMessages(value)
			return true
		})
		if msg, ok := apiErr.Fields["non_field_errors"]; ok {
			apiErr.Detail = msg
		}
	}
	return apiErr
}

// flattenMessages turns ["a", "b"] or {"x": ["c"]} into "a; b" / "x: c".
func flattenMessages(v gjson.Result) string {
	switch {
	case v.IsArray():
		var parts []string
		for _, item := range v.Array() {
			parts = append(parts, flattenMessages(item))
		}
		return strings.Join(parts, "; ")
	case v.IsObject():
		var parts []string
		v.ForEach(func(key, value gjson.Result) bool {
			parts = append(parts, key.String()+": "+flattenMessages(value))
			return true
		})
		sort.Strings(parts)
		return strings.Join(parts, "; ")
	default:
		return v.String()
	}
}

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// IsConnectivity reports whether err means the backend could not be reached in time.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity) || errors.Is(err, context.DeadlineExceeded)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
