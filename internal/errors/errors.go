// Package errors provides centralized error handling for the capture kernel.
//
// Errors are built with a fluent builder that attaches the originating
// component, a category and free-form context. Categories map onto the
// kernel's error taxonomy (capacity, protocol, transient, fatal) so that
// callers can decide whether to retry, fix their code, or give up.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"runtime/debug"
	"sync"
	"time"
)

// ErrorCategory represents the type of error for better categorization
type ErrorCategory string

// CategorizedError is an interface for errors that can specify their own category
type CategorizedError interface {
	error
	ErrorCategory() ErrorCategory
}

const (
	// Capacity errors: pool exhaustion, queue full, resource limit exceeded.
	CategoryCapacity ErrorCategory = "capacity"
	CategoryLimit    ErrorCategory = "limit"
	CategoryResource ErrorCategory = "resource"

	// Protocol errors: misuse of the kernel API by the caller.
	CategoryProtocol   ErrorCategory = "protocol"
	CategoryState      ErrorCategory = "state"
	CategoryValidation ErrorCategory = "validation"
	CategoryConflict   ErrorCategory = "conflict"
	CategoryNotFound   ErrorCategory = "not-found"

	// Transient errors: the caller may retry with backoff.
	CategoryTimeout      ErrorCategory = "timeout"
	CategoryCancellation ErrorCategory = "cancellation"
	CategoryRetry        ErrorCategory = "retry"

	// Fatal errors force the recovery state machine into Failed.
	CategoryFatal ErrorCategory = "fatal"

	CategoryConfiguration ErrorCategory = "configuration"
	CategorySystem        ErrorCategory = "system-resource"
	CategoryProcessing    ErrorCategory = "processing"
	CategoryBuffer        ErrorCategory = "audio-buffer"
	CategoryGeneric       ErrorCategory = "generic"
)

// Kind is the coarse error taxonomy used at public API boundaries.
type Kind int

const (
	KindOther Kind = iota
	KindCapacity
	KindProtocol
	KindTransient
	KindFatal
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindCapacity:
		return "capacity"
	case KindProtocol:
		return "protocol"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "other"
	}
}

// Priority constants for error prioritization
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// ComponentUnknown is used when the component was not supplied.
const ComponentUnknown = "unknown"

// EnhancedError wraps an error with additional context and metadata
type EnhancedError struct {
	Err       error          // Original error
	Component string         // Component where error occurred
	Category  ErrorCategory  // Error category for better grouping
	Priority  string         // Explicit priority override (optional)
	Context   map[string]any // Additional context data
	Stack     string         // Stack trace, captured on request
	Timestamp time.Time      // When the error occurred
	mu        sync.RWMutex
}

// Error implements the error interface
func (ee *EnhancedError) Error() string {
	if ee.Err == nil {
		return fmt.Sprintf("%s: %s", ee.Component, ee.Category)
	}
	return ee.Err.Error()
}

// Unwrap implements the error unwrapping interface
func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is reports a match when target is an EnhancedError of the same category,
// or when the wrapped error matches target.
func (ee *EnhancedError) Is(target error) bool {
	if ee2, ok := target.(*EnhancedError); ok {
		return ee.Category == ee2.Category
	}
	return Is(ee.Err, target)
}

// ErrorCategory implements CategorizedError
func (ee *EnhancedError) ErrorCategory() ErrorCategory {
	return ee.Category
}

// GetComponent returns the component name
func (ee *EnhancedError) GetComponent() string {
	return ee.Component
}

// GetCategory returns the error category
func (ee *EnhancedError) GetCategory() string {
	return string(ee.Category)
}

// GetContext returns a copy of the error context
func (ee *EnhancedError) GetContext() map[string]any {
	ee.mu.RLock()
	defer ee.mu.RUnlock()

	if ee.Context == nil {
		return nil
	}
	contextCopy := make(map[string]any, len(ee.Context))
	maps.Copy(contextCopy, ee.Context)
	return contextCopy
}

// GetMessage returns the error message
func (ee *EnhancedError) GetMessage() string {
	if ee.Err != nil {
		return ee.Err.Error()
	}
	return ""
}

// Kind returns the taxonomy kind of this error
func (ee *EnhancedError) Kind() Kind {
	return categoryKind(ee.Category)
}

// ErrorBuilder provides a fluent interface for creating enhanced errors
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	priority  string
	context   map[string]any
	stack     bool
}

// New creates a new error with enhanced context
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf creates a new formatted error with enhanced context
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Wrap wraps an existing error with enhanced context
func Wrap(err error) *ErrorBuilder {
	return New(err)
}

// Component sets the component name
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category sets the error category for better grouping
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Priority sets the explicit priority override for the error
func (eb *ErrorBuilder) Priority(priority string) *ErrorBuilder {
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		eb.priority = priority
	default:
		if priority != "" {
			eb.priority = PriorityMedium
		}
	}
	return eb
}

// Context adds context data to the error
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// Timing adds performance timing context
func (eb *ErrorBuilder) Timing(operation string, duration time.Duration) *ErrorBuilder {
	eb.Context("operation", operation)
	return eb.Context("duration_ms", duration.Milliseconds())
}

// WithStack captures the current goroutine stack into the error
func (eb *ErrorBuilder) WithStack() *ErrorBuilder {
	eb.stack = true
	return eb
}

// Build creates the EnhancedError
func (eb *ErrorBuilder) Build() *EnhancedError {
	ee := &EnhancedError{
		Err:       eb.err,
		Component: eb.component,
		Category:  eb.category,
		Priority:  eb.priority,
		Context:   eb.context,
		Timestamp: time.Now(),
	}
	if ee.Component == "" {
		ee.Component = ComponentUnknown
	}
	if ee.Category == "" {
		ee.Category = detectCategory(eb.err)
	}
	if eb.stack {
		ee.Stack = string(debug.Stack())
	}
	return ee
}

// detectCategory inherits the category of a wrapped categorized error
func detectCategory(err error) ErrorCategory {
	if err == nil {
		return CategoryGeneric
	}
	var catErr CategorizedError
	if stderrors.As(err, &catErr) && catErr.ErrorCategory() != "" {
		return catErr.ErrorCategory()
	}
	return CategoryGeneric
}

// categoryKind maps a category onto the taxonomy
func categoryKind(category ErrorCategory) Kind {
	switch category {
	case CategoryCapacity, CategoryLimit, CategoryResource:
		return KindCapacity
	case CategoryProtocol, CategoryState, CategoryValidation, CategoryConflict, CategoryNotFound:
		return KindProtocol
	case CategoryTimeout, CategoryCancellation, CategoryRetry:
		return KindTransient
	case CategoryFatal:
		return KindFatal
	default:
		return KindOther
	}
}

// KindOf returns the taxonomy kind of err, walking the wrap chain
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}
	var catErr CategorizedError
	if As(err, &catErr) {
		return categoryKind(catErr.ErrorCategory())
	}
	return KindOther
}

// IsCapacity reports whether err is a capacity error
func IsCapacity(err error) bool { return KindOf(err) == KindCapacity }

// IsProtocol reports whether err is a protocol (programmer) error
func IsProtocol(err error) bool { return KindOf(err) == KindProtocol }

// IsTransient reports whether err may succeed when retried
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsFatal reports whether err is fatal
func IsFatal(err error) bool { return KindOf(err) == KindFatal }

// IsCategory checks if an error is an EnhancedError with the specified category.
func IsCategory(err error, category ErrorCategory) bool {
	var enhancedErr *EnhancedError
	return As(err, &enhancedErr) && enhancedErr.Category == category
}

// IsNotFound checks if an error is an EnhancedError with CategoryNotFound.
func IsNotFound(err error) bool {
	return IsCategory(err, CategoryNotFound)
}

// Standard library passthrough functions

// NewStd creates a new standard error (passthrough to standard library)
func NewStd(text string) error {
	return stderrors.New(text)
}

// Is reports whether any error in err's tree matches target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

// Join returns an error that wraps the given errors
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}
