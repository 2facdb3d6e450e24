package auth

import (
	"encoding/json"
	"log/slog"
	"time"
)

// NIST SP 800-92 event type for handshake audit records.
const EventAuthentication = "authentication"

// Authentication event subtypes.
const (
	SubtypeAuthAttempt = "attempt"
	SubtypeAuthSuccess = "success"
	SubtypeAuthFailure = "failure"
)

// Security event outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
	OutcomeAttempt = "attempt"
)

// Security event severities
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// SecurityEvent is a structured audit record compliant with NIST SP 800-92.
type SecurityEvent struct {
	Timestamp string `json:"timestamp"` // ISO 8601 UTC
	EventType string `json:"event_type"`
	Subtype   string `json:"subtype"`
	Severity  string `json:"severity"`

	User          string `json:"user,omitempty"`
	Source        string `json:"source"`
	Target        string `json:"target,omitempty"` // remote peer, when known
	CorrelationID string `json:"correlation_id"`  // ServerContext ID

	Action  string         `json:"action"`
	Outcome string         `json:"outcome"`
	Details map[string]any `json:"details,omitempty"`
}

// String returns the JSON representation of the event.
func (e *SecurityEvent) String() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// SecurityLogger writes handshake audit events. A nil *SecurityLogger, or one
// with a nil logger, discards events.
type SecurityLogger struct {
	logger *slog.Logger
	source string
	now    func() time.Time
}

// NewSecurityLogger returns an audit logger tagging events with source.
func NewSecurityLogger(logger *slog.Logger, source string) *SecurityLogger {
	if source == "" {
		source = "go-negotiate"
	}
	return &SecurityLogger{logger: logger, source: source, now: time.Now}
}

// LogAuthentication logs one authentication event for the handshake
// identified by correlationID.
func (l *SecurityLogger) LogAuthentication(correlationID, subtype, outcome, severity, user, target string, details map[string]any) {
	if l == nil || l.logger == nil {
		return
	}
	if details == nil {
		details = make(map[string]any)
	}

	event := &SecurityEvent{
		Timestamp:     l.now().UTC().Format(time.RFC3339),
		EventType:     EventAuthentication,
		Subtype:       subtype,
		Severity:      severity,
		User:          user,
		Source:        l.source,
		Target:        target,
		CorrelationID: correlationID,
		Action:        "AcceptSecurityContext",
		Outcome:       outcome,
		Details:       details,
	}

	switch severity {
	case SeverityWarning:
		l.logger.Warn("SecurityEvent", "event", event)
	case SeverityError, SeverityCritical:
		l.logger.Error("SecurityEvent", "event", event)
	default:
		l.logger.Info("SecurityEvent", "event", event)
	}
}
