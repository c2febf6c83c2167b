// Package notification delivers kernel alerts to subscribers. Alerts carry a
// title, message and severity; repeats inside the dedup window are suppressed
// and bursts are rate limited before publication on an ordered event bus.
package notification

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/audiokernel/internal/errors"
)

// Severity represents the urgency of an alert
type Severity string

const (
	// SeverityInfo is informational
	SeverityInfo Severity = "info"
	// SeverityWarning indicates degraded operation
	SeverityWarning Severity = "warning"
	// SeverityError indicates a failed operation
	SeverityError Severity = "error"
	// SeverityCritical indicates the kernel is failing; never rate limited
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	default:
		return false
	}
}

// Publication results recorded as metrics
const (
	ResultSent        = "sent"
	ResultDuplicate   = "duplicate"
	ResultRateLimited = "rate_limited"
	ResultDropped     = "dropped"
)

// Sentinel errors for alert publication
var (
	ErrDuplicate   = errors.NewStd("duplicate alert suppressed")
	ErrRateLimited = errors.NewStd("alert rate limit exceeded")
	ErrDropped     = errors.NewStd("alert queue full")
	ErrClosed      = errors.NewStd("notifier closed")
)

// Alert is a single notification emitted by the kernel
type Alert struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Component string    `json:"component,omitempty"`
	Time      time.Time `json:"timestamp"`
}

// NewAlert creates an alert with a fresh ID and timestamp
func NewAlert(severity Severity, component, title, message string) Alert {
	return Alert{
		ID:        uuid.New(),
		Title:     title,
		Message:   message,
		Severity:  severity,
		Component: component,
		Time:      time.Now(),
	}
}

// key identifies repeats of the same alert
func (a *Alert) key() string {
	return fmt.Sprintf("%s|%s|%s|%s", a.Severity, a.Component, a.Title, a.Message)
}

func (a Alert) String() string {
	if a.Component == "" {
		return fmt.Sprintf("[%s] %s: %s", a.Severity, a.Title, a.Message)
	}
	return fmt.Sprintf("[%s] %s (%s): %s", a.Severity, a.Title, a.Component, a.Message)
}
