package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Kind classifies engine errors so callers can branch on failure class
// without string matching.
type Kind string

const (
	KindConfiguration    Kind = "configuration_error"
	KindToolNotFound     Kind = "tool_not_found"
	KindToolExecution    Kind = "tool_execution_error"
	KindProviderAuth     Kind = "provider_auth_error"
	KindRateLimit        Kind = "rate_limit_error"
	KindLoopLimit        Kind = "loop_limit_exceeded"
	KindSchemaValidation Kind = "schema_validation_error"
)

// ExecutionClass subdivides tool execution failures. Validation errors
// are the caller's fault and never retried; transient and network
// errors may be retried by the request policy.
type ExecutionClass string

const (
	ClassValidation ExecutionClass = "validation"
	ClassTransient  ExecutionClass = "transient"
	ClassNetwork    ExecutionClass = "network"
)

// EngineError is the structured error surfaced on the event stream.
type EngineError struct {
	Kind    Kind
	Message string
	// Hint points the user at the settings area that needs fixing.
	// Set for configuration errors only.
	Hint string
	// Class is set for tool execution errors.
	Class ExecutionClass
	// RetryAfter is set for rate limit errors when the upstream told us.
	RetryAfter time.Duration
	Err        error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Configuration reports a misconfigured agent, tool or integration.
// hint names the settings area where the fix lives.
func Configuration(hint, format string, a ...any) error {
	return &EngineError{Kind: KindConfiguration, Hint: hint, Message: fmt.Sprintf(format, a...)}
}

// ToolNotFound reports a model request for a tool the registry does not hold.
func ToolNotFound(name string) error {
	return &EngineError{Kind: KindToolNotFound, Message: fmt.Sprintf("tool %q is not registered for this execution", name)}
}

// ToolExecution reports a tool failure of the given class.
func ToolExecution(class ExecutionClass, err error, format string, a ...any) error {
	return &EngineError{Kind: KindToolExecution, Class: class, Message: fmt.Sprintf(format, a...), Err: err}
}

// ProviderAuth reports a rejected provider API key.
func ProviderAuth(provider string, err error) error {
	return &EngineError{Kind: KindProviderAuth, Message: fmt.Sprintf("provider %s rejected the API key", provider), Err: err}
}

// RateLimited reports an exhausted rate limit, upstream or local.
func RateLimited(retryAfter time.Duration, format string, a ...any) error {
	return &EngineError{Kind: KindRateLimit, RetryAfter: retryAfter, Message: fmt.Sprintf(format, a...)}
}

// LoopLimit reports that an execution hit its iteration ceiling.
func LoopLimit(limit int) error {
	return &EngineError{Kind: KindLoopLimit, Message: fmt.Sprintf("execution reached the %d tool call limit", limit)}
}

// SchemaValidation reports output that could not be coerced to the
// requested schema.
func SchemaValidation(err error, format string, a ...any) error {
	return &EngineError{Kind: KindSchemaValidation, Message: fmt.Sprintf(format, a...), Err: err}
}

// KindOf returns the Kind of err, unwrapping as needed. Errors outside
// the taxonomy report an empty Kind.
func KindOf(err error) Kind {
	var ee *EngineError
	if stderrors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// ClassOf returns the execution class of a tool execution error.
func ClassOf(err error) ExecutionClass {
	var ee *EngineError
	if stderrors.As(err, &ee) {
		return ee.Class
	}
	return ""
}

// As is a convenience re-export so callers don't need both packages.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Is re-exports the stdlib matcher.
func Is(err, target error) bool { return stderrors.Is(err, target) }
