// Package validation checks control API requests before they reach the
// calls manager.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	apperrors "github.com/jkindrix/callcore/internal/errors"
	"github.com/jkindrix/callcore/internal/phoneaccount"
)

// Limits on request fields.
const (
	MaxAddressLength = 256
	// MaxMessageLength matches a single SMS segment, the channel reject
	// messages are sent over.
	MaxMessageLength = 160
	MaxHandleLength  = 128
)

// Schemes lists the address schemes the core dials.
var Schemes = []string{"tel", "sip", "voicemail"}

// ValidationError represents a validation failure with field context.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Error codes for validation failures.
const (
	CodeRequired      = "required"
	CodeInvalidFormat = "invalid_format"
	CodeTooLong       = "too_long"
	CodeUnsupported   = "unsupported_scheme"
)

// Validator accumulates failures across several checks.
type Validator struct {
	errors ValidationErrors
}

// New creates a new Validator.
func New() *Validator {
	return &Validator{}
}

// Errors returns all accumulated validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

// IsValid returns true if no validation errors occurred.
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// AddError adds a validation error.
func (v *Validator) AddError(field, message, code string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message, Code: code})
}

// Err converts the accumulated failures into an application error. A single
// missing field keeps the MISSING_FIELD code.
func (v *Validator) Err() error {
	switch {
	case len(v.errors) == 0:
		return nil
	case len(v.errors) == 1 && v.errors[0].Code == CodeRequired:
		return apperrors.MissingField(v.errors[0].Field)
	default:
		return apperrors.InvalidInput(v.errors.Error())
	}
}

// Required validates that a string field is not empty.
func (v *Validator) Required(field, value string) bool {
	if strings.TrimSpace(value) == "" {
		v.AddError(field, "is required", CodeRequired)
		return false
	}
	return true
}

// MaxLength validates string length doesn't exceed maximum.
func (v *Validator) MaxLength(field, value string, maxLen int) bool {
	if utf8.RuneCountInString(value) > maxLen {
		v.AddError(field, fmt.Sprintf("must be at most %d characters", maxLen), CodeTooLong)
		return false
	}
	return true
}

// SafeString rejects control characters, which have no place in a
// display string or a log line.
func (v *Validator) SafeString(field, value string) bool {
	for _, r := range value {
		if unicode.IsControl(r) {
			v.AddError(field, "contains control characters", CodeInvalidFormat)
			return false
		}
	}
	return true
}

// telRegex matches a dial string: digits with pause, wait and
// supplementary service characters.
var telRegex = regexp.MustCompile(`^\+?[0-9*#][0-9*#,;pPwW\-. ()]*$`)

// sipRegex matches user@host with an optional port and parameters.
var sipRegex = regexp.MustCompile(`^[^\s@]+@[A-Za-z0-9.\-\[\]:]+(;[^\s]*)?$`)

// Address validates a dialable URI. The scheme must be known and the
// scheme-specific part must suit it. Empty values pass; combine with
// Required when the field is mandatory.
func (v *Validator) Address(field, value string) bool {
	if value == "" {
		return true
	}
	if !v.MaxLength(field, value, MaxAddressLength) {
		return false
	}
	scheme := phoneaccount.Scheme(value)
	part := phoneaccount.SchemeSpecificPart(value)
	switch scheme {
	case "tel", "voicemail":
		if !telRegex.MatchString(part) {
			v.AddError(field, "must be a dial string", CodeInvalidFormat)
			return false
		}
	case "sip":
		if !sipRegex.MatchString(part) {
			v.AddError(field, "must be user@host", CodeInvalidFormat)
			return false
		}
	case "":
		v.AddError(field, "must carry a scheme such as tel:", CodeInvalidFormat)
		return false
	default:
		v.AddError(field, fmt.Sprintf("scheme %q not supported (valid: %s)", scheme, strings.Join(Schemes, ", ")), CodeUnsupported)
		return false
	}
	return true
}

// Handle validates a phone account handle. The id is required; the
// package and service may be left for the registrar to resolve.
func (v *Validator) Handle(field string, h phoneaccount.Handle) bool {
	ok := v.Required(field+".id", h.ID)
	for _, p := range []struct{ name, value string }{
		{"package", h.Package},
		{"service", h.Service},
		{"id", h.ID},
	} {
		name := field + "." + p.name
		if !v.MaxLength(name, p.value, MaxHandleLength) || !v.SafeString(name, p.value) {
			ok = false
		}
	}
	return ok
}

// Message validates an optional free text message sent to a caller.
func (v *Validator) Message(field, value string) bool {
	return v.MaxLength(field, value, MaxMessageLength) && v.SafeString(field, value)
}
