package transform

import (
	"errors"
	"fmt"

	"github.com/cdmparser/cdm/internal/domain/person"
	"github.com/cdmparser/cdm/pkg/valueparse"
)

// ParsingError reports a row or variable that cannot be transformed. It skips
// the unit of work it was raised for and never aborts the run.
type ParsingError struct {
	Variable string
	Reason   string
	Err      error
}

func (e *ParsingError) Error() string {
	msg := e.Reason
	if e.Variable != "" {
		msg = fmt.Sprintf("variable %s: %s", e.Variable, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParsingError) Unwrap() error { return e.Err }

func parsingErrorf(variable string, err error, format string, args ...interface{}) *ParsingError {
	return &ParsingError{Variable: variable, Reason: fmt.Sprintf(format, args...), Err: err}
}

// UnmappedValueError reports a categorical value with no code and no default.
type UnmappedValueError struct {
	Variable string
	Value    string
}

func (e *UnmappedValueError) Error() string {
	return fmt.Sprintf("variable %s: value %q is not mapped", e.Variable, e.Value)
}

// IsDomainError reports whether err only invalidates the current row or
// variable. Any other error is an infrastructure failure and ends the run.
func IsDomainError(err error) bool {
	var (
		pe *ParsingError
		ue *UnmappedValueError
		de *valueparse.DateParseError
		ce *person.IdentityConflictError
	)
	return errors.As(err, &pe) || errors.As(err, &ue) || errors.As(err, &de) || errors.As(err, &ce)
}
