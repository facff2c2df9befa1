package students

import (
	"errors"
	"net/url"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// MsgFormInvalid is the summary shown above a form with field errors.
const MsgFormInvalid = "Please correct the errors in the form."

// Form is the editable subset of a student record.
type Form struct {
	StudentID               string `json:"student_id" validate:"required,max=20"`
	Name                    string `json:"name" validate:"required,max=50"`
	Gender                  string `json:"gender" validate:"required,gender"`
	DateOfBirth             string `json:"date_of_birth" validate:"omitempty,datetime=2006-01-02"`
	GradeLevel              string `json:"grade_level" validate:"required,grade_level"`
	ClassName               string `json:"class_name" validate:"required,class_name"`
	Status                  string `json:"status" validate:"required,student_status"`
	IDCardNumber            string `json:"id_card_number" validate:"omitempty,alphanum,len=18"`
	StudentEnrollmentNumber string `json:"student_enrollment_number" validate:"omitempty,max=50"`
	HomeAddress             string `json:"home_address" validate:"omitempty,max=200"`
	GuardianName            string `json:"guardian_name" validate:"omitempty,max=50"`
	GuardianContactPhone    string `json:"guardian_contact_phone" validate:"omitempty,numeric,max=20"`
	EntryDate               string `json:"entry_date" validate:"omitempty,datetime=2006-01-02"`
}

// FormError carries per-field messages, keyed by JSON field name.
type FormError struct {
	Message string
	Fields  map[string]string
}

func (e *FormError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return e.Message + " (" + strings.Join(keys, ", ") + ")"
}

// AsFormError unwraps a *FormError from err.
func AsFormError(err error) (*FormError, bool) {
	var fe *FormError
	ok := errors.As(err, &fe)
	return fe, ok
}

// NewForm returns a form with the defaults of the add page.
func NewForm() *Form {
	return &Form{Gender: Genders[0], Status: StatusActive}
}

// FormFromValues reads a submitted HTML form.
func FormFromValues(v url.Values) *Form {
	get := func(k string) string { return strings.TrimSpace(v.Get(k)) }
	return &Form{
		StudentID:               get("student_id"),
		Name:                    get("name"),
		Gender:                  get("gender"),
		DateOfBirth:             get("date_of_birth"),
		GradeLevel:              get("grade_level"),
		ClassName:               get("class_name"),
		Status:                  get("status"),
		IDCardNumber:            get("id_card_number"),
		StudentEnrollmentNumber: get("student_enrollment_number"),
		HomeAddress:             get("home_address"),
		GuardianName:            get("guardian_name"),
		GuardianContactPhone:    get("guardian_contact_phone"),
		EntryDate:               get("entry_date"),
	}
}

// FormFromStudent prefills the edit page.
func FormFromStudent(s *Student) *Form {
	return &Form{
		StudentID:               s.StudentID,
		Name:                    s.Name,
		Gender:                  s.Gender,
		DateOfBirth:             s.DateOfBirth,
		GradeLevel:              s.Grade(),
		ClassName:               s.ClassName(),
		Status:                  s.Status,
		IDCardNumber:            s.IDCardNumber,
		StudentEnrollmentNumber: s.StudentEnrollmentNumber,
		HomeAddress:             s.HomeAddress,
		GuardianName:            s.GuardianName,
		GuardianContactPhone:    s.GuardianContactPhone,
		EntryDate:               s.EntryDate,
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func formValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("grade_level", oneOf(GradeLevels))
		_ = v.RegisterValidation("class_name", oneOf(ClassNames))
		_ = v.RegisterValidation("student_status", oneOf(Statuses))
		_ = v.RegisterValidation("gender", oneOf(Genders))
		validate = v
	})
	return validate
}

func oneOf(allowed []string) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return slices.Contains(allowed, fl.Field().String())
	}
}

// Validate checks the form locally. It returns a *FormError or nil.
func (f *Form) Validate() error {
	err := formValidator().Struct(f)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fieldMessage(fe)
	}
	return &FormError{Message: MsgFormInvalid, Fields: fields}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required."
	case "max":
		return "Ensure this field has no more than " + fe.Param() + " characters."
	case "len":
		return "Ensure this field has exactly " + fe.Param() + " characters."
	case "datetime":
		return "Enter a valid date (YYYY-MM-DD)."
	case "numeric":
		return "Enter digits only."
	case "alphanum":
		return "Enter letters and digits only."
	default:
		return "Select a valid choice."
	}
}

// payload is the request body accepted by the backend.
type payload struct {
	StudentID               string    `json:"student_id"`
	Name                    string    `json:"name"`
	Gender                  string    `json:"gender"`
	DateOfBirth             *string   `json:"date_of_birth"`
	GradeLevel              string    `json:"grade_level"`
	CurrentClass            ClassInfo `json:"current_class"`
	Status                  string    `json:"status"`
	IDCardNumber            string    `json:"id_card_number"`
	StudentEnrollmentNumber string    `json:"student_enrollment_number"`
	HomeAddress             string    `json:"home_address"`
	GuardianName            string    `json:"guardian_name"`
	GuardianContactPhone    string    `json:"guardian_contact_phone"`
	EntryDate               *string   `json:"entry_date"`
}

// payload converts the form to the backend representation. Empty dates are
// sent as null because the backend rejects "".
func (f *Form) payload() payload {
	return payload{
		StudentID:   f.StudentID,
		Name:        f.Name,
		Gender:      f.Gender,
		DateOfBirth: nullable(f.DateOfBirth),
		GradeLevel:  f.GradeLevel,
		CurrentClass: ClassInfo{
			GradeLevel: f.GradeLevel,
			ClassName:  f.ClassName,
		},
		Status:                  f.Status,
		IDCardNumber:            f.IDCardNumber,
		StudentEnrollmentNumber: f.StudentEnrollmentNumber,
		HomeAddress:             f.HomeAddress,
		GuardianName:            f.GuardianName,
		GuardianContactPhone:    f.GuardianContactPhone,
		EntryDate:               nullable(f.EntryDate),
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
