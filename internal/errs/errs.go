// Package errs defines the error taxonomy shared by the cache, limiter, queue
// and fetch layers, and the mapping from those errors to user-facing text.
package errs

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Kinds. Match with errors.Is.
var (
	// ErrInvalidRequest marks a malformed endpoint or a request the upstream refused as invalid.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrRateLimited marks a genuinely exhausted quota.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrDecoding marks a response body that did not match the expected schema.
	ErrDecoding = errors.New("decoding failed")
	// ErrTransport marks timeouts, connection failures and upstream 5xx responses.
	ErrTransport = errors.New("transport failure")
	// ErrStorage marks a local persistence failure.
	ErrStorage = errors.New("storage error")
	// ErrCooldown marks a user-initiated action rejected by a minimum-interval policy.
	ErrCooldown = errors.New("cooldown active")
)

// Error carries the kind of failure plus the context callers need to act on it.
type Error struct {
	Kind     error
	Op       string
	Provider string
	// RetryAfter is the estimated wait before the operation can succeed.
	// Set for ErrRateLimited and ErrCooldown.
	RetryAfter time.Duration
	// Status is the upstream HTTP status, when there was one.
	Status int
	// Payload is the raw response body for decoding failures. It is meant for
	// logs and never reaches end users.
	Payload []byte
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("error")
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " (retry after %s)", e.RetryAfter.Round(time.Second))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Temporary reports whether retrying may succeed. Only transport failures are
// retried; everything else is surfaced immediately.
func (e *Error) Temporary() bool {
	return e.Kind == ErrTransport
}

// New builds an *Error of the given kind.
func New(kind error, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// RateLimited builds an ErrRateLimited error with a retry estimate.
func RateLimited(op, provider string, retryAfter time.Duration) *Error {
	return &Error{Kind: ErrRateLimited, Op: op, Provider: provider, RetryAfter: retryAfter}
}

// Cooldown builds an ErrCooldown error with the remaining wait.
func Cooldown(op, provider string, remaining time.Duration) *Error {
	return &Error{Kind: ErrCooldown, Op: op, Provider: provider, RetryAfter: remaining}
}

// RetryAfter extracts the retry estimate from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// UserMessage maps err to text that is safe to show an end user. Quota and
// cooldown errors say how long to wait; everything else asks to try again.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrCooldown):
		if d, ok := RetryAfter(err); ok {
			return fmt.Sprintf("Please wait %s before searching again.", humanWait(d))
		}
		return "Please wait a moment before searching again."
	case errors.Is(err, ErrRateLimited):
		if d, ok := RetryAfter(err); ok {
			return fmt.Sprintf("Data limit reached. Try again in %s.", humanWait(d))
		}
		return "Data limit reached. Try again later."
	case errors.Is(err, ErrInvalidRequest):
		return "That request could not be completed."
	default:
		return "Something went wrong loading market data. Please try again."
	}
}

func humanWait(d time.Duration) string {
	switch {
	case d < time.Minute:
		s := int(math.Ceil(d.Seconds()))
		if s <= 1 {
			return "1 second"
		}
		return fmt.Sprintf("%d seconds", s)
	case d < time.Hour:
		m := int(math.Ceil(d.Minutes()))
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	default:
		h := int(math.Ceil(d.Hours()))
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	}
}
