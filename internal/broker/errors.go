package broker

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable machine-readable form of a broker error. The codes
// appear verbatim on the wire and must not change between releases.
type ErrorCode string

const (
	// Entity errors
	ErrCodeEntityNotFound      ErrorCode = "EntityNotFound"
	ErrCodeEntityAlreadyExists ErrorCode = "EntityAlreadyExists"
	ErrCodeInvalidName         ErrorCode = "InvalidName"
	ErrCodeQuotaExceeded       ErrorCode = "QuotaExceeded"

	// Message errors
	ErrCodeMessageNotFound ErrorCode = "MessageNotFound"
	ErrCodeMessageLockLost ErrorCode = "MessageLockLost"
	ErrCodeMessageTooLarge ErrorCode = "MessageTooLarge"
	ErrCodeSessionLockLost ErrorCode = "SessionLockLost"

	// Rule errors
	ErrCodeRuleNotFound      ErrorCode = "RuleNotFound"
	ErrCodeRuleAlreadyExists ErrorCode = "RuleAlreadyExists"

	// Request errors
	ErrCodeInvalidArgument ErrorCode = "InvalidArgument"

	// Internal signals a detected invariant violation. The operation fails
	// but the broker keeps serving other entities.
	ErrCodeInternal ErrorCode = "Internal"
)

// Error is the single error type the broker returns. Every error carries a
// stable code plus a human-readable message; callers match with errors.Is
// against a code-only template or use AsError.
type Error struct {
	// Code is the stable error code.
	Code ErrorCode `json:"code"`
	// Message is the human-readable error message.
	Message string `json:"message"`
	// Cause is the underlying error.
	Cause error `json:"-"`
	// EntityType is the kind of entity involved (if applicable).
	EntityType string `json:"entity_type,omitempty"`
	// EntityName is the entity involved (if applicable).
	EntityName string `json:"entity_name,omitempty"`
	// MessageID is the message involved (if applicable).
	MessageID string `json:"message_id,omitempty"`
}

// NewError creates a broker error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a broker error with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches broker errors by code so callers can compare against a template
// such as NewError(ErrCodeEntityNotFound, "").
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return errors.Is(e.Cause, target)
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithEntity attaches the entity the error refers to.
func (e *Error) WithEntity(entityType, entityName string) *Error {
	e.EntityType = entityType
	e.EntityName = entityName
	return e
}

// WithMessageID attaches the message ID the error refers to.
func (e *Error) WithMessageID(id string) *Error {
	e.MessageID = id
	return e
}

// AsError extracts a broker *Error from an error chain, or nil.
func AsError(err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return nil
}

// CodeOf returns the broker error code of err, or ErrCodeInternal when err is
// not a broker error.
func CodeOf(err error) ErrorCode {
	if be := AsError(err); be != nil {
		return be.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given broker error code.
func IsCode(err error, code ErrorCode) bool {
	if be := AsError(err); be != nil {
		return be.Code == code
	}
	return false
}

// entityNotFound builds the canonical not-found error for an entity.
func entityNotFound(entityType, name string) *Error {
	return Errorf(ErrCodeEntityNotFound, "%s %q does not exist", entityType, name).
		WithEntity(entityType, name)
}

// entityAlreadyExists builds the canonical create-collision error.
func entityAlreadyExists(entityType, name string) *Error {
	return Errorf(ErrCodeEntityAlreadyExists, "%s %q already exists", entityType, name).
		WithEntity(entityType, name)
}

// lockLost builds the canonical lost-lock error for a token.
func lockLost(token string) *Error {
	return Errorf(ErrCodeMessageLockLost, "lock token %q is unknown or its lease has expired", token)
}
