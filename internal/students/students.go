// Package students is the student-records client: listing with filters,
// per-status statistics and create/update/delete through the authenticated
// session.
package students

import (
	"fmt"
	"net/url"
)

// Status values used by the backend.
const (
	StatusActive      = "在读"
	StatusTransferred = "转学"
	StatusSuspended   = "休学"
	StatusResumed     = "复学"
	StatusGraduated   = "毕业"
)

var (
	// GradeLevels are the grade levels the backend accepts.
	GradeLevels = []string{"高一", "高二", "高三", "初一", "初二", "初三"}

	// Statuses are the enrollment states the backend accepts.
	Statuses = []string{StatusActive, StatusTransferred, StatusSuspended, StatusResumed, StatusGraduated}

	// Genders are the gender values the backend accepts.
	Genders = []string{"男", "女"}

	// ClassNames are the class names 1班 through 20班.
	ClassNames = classNames(20)
)

func classNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%d班", i+1)
	}
	return names
}

// ClassInfo identifies a class within a grade.
type ClassInfo struct {
	ID         int64  `json:"id,omitempty"`
	GradeLevel string `json:"grade_level"`
	ClassName  string `json:"class_name"`
}

// Student is one student record as returned by the backend.
type Student struct {
	ID                      int64      `json:"id"`
	StudentID               string     `json:"student_id"`
	Name                    string     `json:"name"`
	Gender                  string     `json:"gender"`
	DateOfBirth             string     `json:"date_of_birth"`
	CurrentClass            *ClassInfo `json:"current_class"`
	Status                  string     `json:"status"`
	GradeLevel              string     `json:"grade_level"`
	IDCardNumber            string     `json:"id_card_number"`
	StudentEnrollmentNumber string     `json:"student_enrollment_number"`
	HomeAddress             string     `json:"home_address"`
	GuardianName            string     `json:"guardian_name"`
	GuardianContactPhone    string     `json:"guardian_contact_phone"`
	EntryDate               string     `json:"entry_date"`
}

// Grade returns the class's grade level, falling back to the student's own.
func (s Student) Grade() string {
	if s.CurrentClass != nil && s.CurrentClass.GradeLevel != "" {
		return s.CurrentClass.GradeLevel
	}
	return s.GradeLevel
}

// ClassName returns the class name or "" when the student has no class.
func (s Student) ClassName() string {
	if s.CurrentClass == nil {
		return ""
	}
	return s.CurrentClass.ClassName
}

// Filter narrows a student listing. Empty fields are ignored.
type Filter struct {
	Search     string
	GradeLevel string
	Status     string
	ClassName  string
}

// FilterFromQuery reads a filter from listing page query parameters.
func FilterFromQuery(q url.Values) Filter {
	return Filter{
		Search:     q.Get("search"),
		GradeLevel: q.Get("grade_level"),
		Status:     q.Get("status"),
		ClassName:  q.Get("class_name"),
	}
}

// Query encodes the filter in the backend's query parameter names.
func (f Filter) Query() url.Values {
	q := url.Values{}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	if f.GradeLevel != "" {
		q.Set("grade_level", f.GradeLevel)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.ClassName != "" {
		q.Set("current_class__class_name", f.ClassName)
	}
	return q
}

// Empty reports whether no filter field is set.
func (f Filter) Empty() bool {
	return f == Filter{}
}

// Stats summarizes a listing by enrollment status.
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Graduated int `json:"graduated"`
	Suspended int `json:"suspended"`
}

// ComputeStats counts students per status.
func ComputeStats(list []Student) Stats {
	st := Stats{Total: len(list)}
	for _, s := range list {
		switch s.Status {
		case StatusActive:
			st.Active++
		case StatusGraduated:
			st.Graduated++
		case StatusSuspended:
			st.Suspended++
		}
	}
	return st
}
