package job

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"
)

// ErrorType labels a job failure for the retry decision and for the failed
// record on disk.
type ErrorType string

const (
	ErrSignatureInvalid       ErrorType = "SignatureInvalid"
	ErrPayloadMalformed       ErrorType = "PayloadMalformed"
	ErrQueueUnavailable       ErrorType = "QueueUnavailable"
	ErrWorktreeCreationFailed ErrorType = "WorktreeCreationFailed"
	ErrAgentStartError        ErrorType = "AgentStartError"
	ErrAgentTimeout           ErrorType = "AgentTimeout"
	ErrAgentCrash             ErrorType = "AgentCrash"
	ErrAgentResultInvalid     ErrorType = "AgentResultInvalid"
	ErrPushRejected           ErrorType = "PushRejected"
	ErrPRCreationFailed       ErrorType = "PRCreationFailed"
	ErrShutdown               ErrorType = "Shutdown"
	ErrInternal               ErrorType = "Internal"
)

// ErrorInfo is the structured failure attached to a terminal job record and
// carried in JobFailed event payloads.
type ErrorInfo struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StderrTail string    `json:"stderr_tail,omitempty"`
	Retryable  bool      `json:"retryable"`
}

func (e *ErrorInfo) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Fault builds an ErrorInfo with retryability resolved from the type.
func Fault(t ErrorType, msg string) *ErrorInfo {
	return &ErrorInfo{Type: t, Message: msg, Retryable: typeRetryable(t)}
}

// Faultf is Fault with formatting.
func Faultf(t ErrorType, format string, args ...any) *ErrorInfo {
	return Fault(t, fmt.Sprintf(format, args...))
}

func typeRetryable(t ErrorType) bool {
	switch t {
	case ErrQueueUnavailable, ErrAgentStartError, ErrAgentTimeout:
		return true
	case ErrSignatureInvalid, ErrPayloadMalformed, ErrAgentResultInvalid, ErrShutdown:
		return false
	}
	// WorktreeCreationFailed, AgentCrash, PushRejected, PRCreationFailed and
	// Internal depend on the underlying cause; callers classify those with
	// Classify and override Retryable.
	return false
}

// transient substrings observed in git and HTTP failure output. Matches are
// case-insensitive.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"could not resolve host",
	"early eof",
	"timed out",
	"timeout",
	"temporarily unavailable",
	"unable to access",
	"index.lock",
	"cannot lock ref",
	"try again",
	"503",
	"502",
	"500",
	"429",
	"408",
}

// terminal substrings that override a transient-looking match: authorization
// class failures never retry.
var terminalMarkers = []string{
	"403",
	"401",
	"404",
	"permission denied",
	"authentication failed",
	"invalid credentials",
}

// Transient reports whether err looks like a passing condition worth a
// retry: network errors, deadline expiry, retryable HTTP classes, or git
// output carrying a known transient marker.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		// The binary could not be started at all; treated like an agent or
		// git start error, which the policy retries.
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range terminalMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Classify wraps an error into an ErrorInfo of the given type with
// retryability derived from the cause.
func Classify(t ErrorType, err error) *ErrorInfo {
	info := &ErrorInfo{Type: t, Message: err.Error()}
	switch t {
	case ErrAgentTimeout, ErrQueueUnavailable, ErrAgentStartError:
		info.Retryable = true
	case ErrSignatureInvalid, ErrPayloadMalformed, ErrAgentResultInvalid, ErrShutdown:
		info.Retryable = false
	default:
		info.Retryable = Transient(err)
	}
	return info
}

// RetryBackoff returns the delay before re-enqueueing after the given failed
// attempt (0-based). The ladder is 60s, 300s, 900s; attempts beyond the
// ladder reuse the last rung.
func RetryBackoff(attempt int) time.Duration {
	ladder := []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(ladder) {
		return ladder[len(ladder)-1]
	}
	return ladder[attempt]
}
