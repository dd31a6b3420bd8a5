package status

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

const (
	// UpdatesDisabled indicates that the operation is unavailable because updates are disabled
	UpdatesDisabled Type = 1

	// PreconditionFailed indicates that some pre-condition for the operation hasn't been fulfilled
	PreconditionFailed Type = 2

	// NotFound indicates that the update or asset wasn't found in the store
	NotFound Type = 3

	// Internal indicates some generic internal error
	Internal Type = 4

	// InvalidArgument indicates some generic invalid argument error
	InvalidArgument Type = 5

	// Remote indicates that the update server could not be reached or returned an unusable response
	Remote Type = 6

	// Storage indicates a failure reading or writing the update store or updates directory
	Storage Type = 7

	// NotStarted indicates that the controller has not been started yet
	NotStarted Type = 8

	// InvalidConfig indicates that the configuration could not be validated
	InvalidConfig Type = 9
)

// Type is a type of the Error
type Type int32

func (t Type) String() string {
	switch t {
	case UpdatesDisabled:
		return "UpdatesDisabled"
	case PreconditionFailed:
		return "PreconditionFailed"
	case NotFound:
		return "NotFound"
	case Internal:
		return "Internal"
	case InvalidArgument:
		return "InvalidArgument"
	case Remote:
		return "Remote"
	case Storage:
		return "Storage"
	case NotStarted:
		return "NotStarted"
	case InvalidConfig:
		return "InvalidConfig"
	default:
		return fmt.Sprintf("Type(%d)", int32(t))
	}
}

// Error is an internal error
type Error struct {
	ErrorType Type
	Message   string
	cause     error
}

// Type returns the Type of the error
func (e *Error) Type() Type {
	return e.ErrorType
}

// Error is an error string
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the wrapped cause, if any
func (e *Error) Unwrap() error {
	return e.cause
}

// Errorf returns Error(ErrorType, fmt.Sprintf(format, a...)).
// A %w verb in format is kept as the cause of the returned error.
func Errorf(errorType Type, format string, a ...interface{}) error {
	wrapped := fmt.Errorf(format, a...)
	return &Error{
		ErrorType: errorType,
		Message:   wrapped.Error(),
		cause:     errors.Unwrap(wrapped),
	}
}

// FromError returns Error, true if the provided error is of type of Error. nil, false otherwise
func FromError(err error) (s *Error, ok bool) {
	if err == nil {
		return nil, true
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsType reports whether err carries an Error of the given type
func IsType(err error, t Type) bool {
	e, ok := FromError(err)
	return ok && e != nil && e.ErrorType == t
}

// NewUpdatesDisabledError creates a new Error with UpdatesDisabled type for the named operation
func NewUpdatesDisabledError(operation string) error {
	return Errorf(UpdatesDisabled, "%s: updates are disabled, the embedded update is used", operation)
}

// NewUpdateNotFoundError creates a new Error with NotFound type for a missing update
func NewUpdateNotFoundError(updateID string) error {
	return Errorf(NotFound, "update not found: %s", updateID)
}

// NewNotStartedError creates a new Error with NotStarted type
func NewNotStartedError(operation string) error {
	return Errorf(NotStarted, "%s: updates controller has not been started", operation)
}

func formatError(es []error) string {
	if len(es) == 1 {
		return fmt.Sprintf("1 error occurred:\n\t* %s", es[0])
	}

	points := make([]string, len(es))
	for i, err := range es {
		points[i] = fmt.Sprintf("* %s", err)
	}

	return fmt.Sprintf(
		"%d errors occurred:\n\t%s",
		len(es), strings.Join(points, "\n\t"))
}

// FormatErrorOrNil sets a compact format on the multierror and returns nil if it carries no errors
func FormatErrorOrNil(err *multierror.Error) error {
	if err != nil {
		err.ErrorFormat = formatError
	}
	return err.ErrorOrNil()
}
