package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. Emails and
// user IDs are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool

	// onEvent, when set, observes each emitted event type. Used to feed
	// audit event counters without coupling this package to the metrics
	// layer.
	onEvent func(eventType string)
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// SetEventHook installs an observer called with each emitted event type.
func (a *Auditor) SetEventHook(fn func(eventType string)) {
	a.onEvent = fn
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	Email     string
	Provider  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	if a.onEvent != nil {
		a.onEvent(event.Type)
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"email_hash", hashForLogging(event.Email),
		"provider", event.Provider,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs issuance of a passwordless login token
func (a *Auditor) LogTokenIssued(userID, email, ipAddress string) {
	a.LogEvent(Event{
		Type:      "login_token_issued",
		UserID:    userID,
		Email:     email,
		IPAddress: ipAddress,
	})
}

// LogTokenValidated logs successful redemption of a login token
func (a *Auditor) LogTokenValidated(userID, ipAddress string, siblingsDisabled int) {
	a.LogEvent(Event{
		Type:      "login_token_validated",
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"siblings_disabled": siblingsDisabled,
		},
	})
}

// LogTokenRejected logs a failed validate attempt
func (a *Auditor) LogTokenRejected(ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "login_token_rejected",
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a blocked issuance attempt
func (a *Auditor) LogRateLimitExceeded(email, ipAddress string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		Email:     email,
		IPAddress: ipAddress,
	})
}

// LogLinkStarted logs the begin step of a platform link
func (a *Auditor) LogLinkStarted(userID, provider, ipAddress string) {
	a.LogEvent(Event{
		Type:      "account_link_started",
		UserID:    userID,
		Provider:  provider,
		IPAddress: ipAddress,
	})
}

// LogLinkCompleted logs the completion of a platform link
func (a *Auditor) LogLinkCompleted(userID, provider, ipAddress string) {
	a.LogEvent(Event{
		Type:      "account_link_completed",
		UserID:    userID,
		Provider:  provider,
		IPAddress: ipAddress,
	})
}

// LogLinkRejected logs a failed link callback (bad nonce, bad state,
// upstream failure)
func (a *Auditor) LogLinkRejected(userID, provider, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "account_link_rejected",
		UserID:    userID,
		Provider:  provider,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// hashForLogging returns a short SHA-256 prefix so events can be correlated
// without exposing the underlying identifier.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}
