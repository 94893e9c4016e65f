package tyler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrLLM reports a failure from an LLM provider: a malformed response,
// a refused request, or a transport error the adapter could not classify.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP reports a non-2xx HTTP response from a provider endpoint.
// RetryAfter is parsed from the Retry-After header when present.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses an HTTP Retry-After header value. Both forms are
// accepted: delta-seconds ("120") and HTTP-date. Returns 0 for an empty or
// unparseable value, or when the date is in the past.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ErrNoStore is returned when an operation needs a thread store but the
// agent was constructed without one (for example Go called with a thread id).
var ErrNoStore = errors.New("tyler: no thread store configured")

// ErrAgentNotFound is returned by AgentRunner.RunAgent for an unregistered name.
var ErrAgentNotFound = errors.New("tyler: agent not found")
