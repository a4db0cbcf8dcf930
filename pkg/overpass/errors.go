package overpass

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the rule a query construction violated.
type ErrorCode string

const (
	ErrMissingKey      ErrorCode = "MISSING_KEY"
	ErrMissingOSMType  ErrorCode = "MISSING_OSM_TYPE"
	ErrInvalidOSMType  ErrorCode = "INVALID_OSM_TYPE"
	ErrMissingDistance ErrorCode = "MISSING_DISTANCE"
	ErrMissingPlace    ErrorCode = "MISSING_PLACE"
	ErrExtentAndPlace  ErrorCode = "EXTENT_AND_PLACE"
	ErrMissingExtent   ErrorCode = "MISSING_EXTENT"
	ErrInvalidInput    ErrorCode = "INVALID_INPUT"
)

// ErrNotReady is returned when the final query is requested before Prepare
// succeeded.
var ErrNotReady = errors.New("query is not prepared")

// ConstructionError reports a query that cannot be built or prepared.
type ConstructionError struct {
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
	Guidance string    `json:"guidance,omitempty"`
}

// Error implements the error interface
func (e *ConstructionError) Error() string {
	if e.Guidance != "" {
		return fmt.Sprintf("%s: %s. %s", e.Code, e.Message, e.Guidance)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewConstructionError creates a ConstructionError with the given code and message
func NewConstructionError(code ErrorCode, message string) *ConstructionError {
	return &ConstructionError{
		Code:    code,
		Message: message,
	}
}

// WithGuidance adds guidance information to the error
func (e *ConstructionError) WithGuidance(guidance string) *ConstructionError {
	e.Guidance = guidance
	return e
}

// UnsupportedQueryError reports an Overpass Turbo shortcut this package
// cannot expand.
type UnsupportedQueryError struct {
	Token string `json:"token"`
}

func (e *UnsupportedQueryError) Error() string {
	return fmt.Sprintf("query not supported: %s", e.Token)
}

// IsConstructionError reports whether err is a ConstructionError with the given code.
func IsConstructionError(err error, code ErrorCode) bool {
	var ce *ConstructionError
	return errors.As(err, &ce) && ce.Code == code
}
