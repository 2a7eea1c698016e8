package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies hammer failures by the layer that produced them.
type ErrorCode string

const (
	ErrCodeSetup        ErrorCode = "SETUP"
	ErrCodeTransport    ErrorCode = "TRANSPORT"
	ErrCodeProtocol     ErrorCode = "PROTOCOL"
	ErrCodeNegotiation  ErrorCode = "NEGOTIATION"
	ErrCodeConnectivity ErrorCode = "CONNECTIVITY"
	ErrCodeReplay       ErrorCode = "REPLAY"
)

// HammerError is an error with a code and optional context
type HammerError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements error interface
func (e *HammerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *HammerError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *HammerError) WithContext(key string, value interface{}) *HammerError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsFatal reports whether the error must abort the whole fleet. Only setup
// errors are; everything else stays local to one session.
func (e *HammerError) IsFatal() bool {
	return e.Code == ErrCodeSetup
}

// New creates a new hammer error
func New(code ErrorCode, message string) *HammerError {
	return &HammerError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with a hammer error code
func Wrap(err error, code ErrorCode, message string) *HammerError {
	return &HammerError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

func Setup(err error, message string) *HammerError {
	return Wrap(err, ErrCodeSetup, message)
}

func Transport(err error, message string) *HammerError {
	return Wrap(err, ErrCodeTransport, message)
}

func Protocol(err error, message string) *HammerError {
	return Wrap(err, ErrCodeProtocol, message)
}

func Negotiation(err error, message string) *HammerError {
	return Wrap(err, ErrCodeNegotiation, message)
}

func Connectivity(err error, message string) *HammerError {
	return Wrap(err, ErrCodeConnectivity, message)
}

func Replay(err error, message string) *HammerError {
	return Wrap(err, ErrCodeReplay, message)
}

// Get extracts a HammerError from the error chain
func Get(err error) *HammerError {
	var he *HammerError
	if errors.As(err, &he) {
		return he
	}
	return nil
}

// CodeOf returns the code of the first HammerError in the chain, or "".
func CodeOf(err error) ErrorCode {
	if he := Get(err); he != nil {
		return he.Code
	}
	return ""
}

// IsFatal reports whether err carries a fatal (setup) classification.
func IsFatal(err error) bool {
	he := Get(err)
	return he != nil && he.IsFatal()
}
