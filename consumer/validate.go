package consumer

import "github.com/go-playground/validator/v10"

// Validator runs struct tag validation on a decoded payload. A validation
// failure is a permanent fault: it is never retried.
type Validator struct {
	v *validator.Validate
}

// NewValidator returns a Validator using the default struct-tag validation
// rules from go-playground/validator.
func NewValidator() *Validator {
	return &Validator{v: validator.New(validator.WithRequiredStructEnabled())}
}

// Struct validates payload's exported fields against their `validate` tags.
func (vd *Validator) Struct(payload any) error {
	if err := vd.v.Struct(payload); err != nil {
		return &ValidationError{Cause: err}
	}
	return nil
}

// ValidationError wraps a validator.ValidationErrors (or any Struct failure)
// so the pipeline can recognize it as permanent rather than transient.
type ValidationError struct {
	Cause error
}

func (e *ValidationError) Error() string { return "validation: " + e.Cause.Error() }
func (e *ValidationError) Unwrap() error { return e.Cause }
