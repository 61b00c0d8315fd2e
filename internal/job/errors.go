package job

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// maxBodyExcerpt caps how much of a response body is kept in an error.
const maxBodyExcerpt = 200

// ConfigurationError no reachable backend among the candidates. Fatal to the run.
type ConfigurationError struct {
	Candidates []string
	Reasons    []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Candidates) == 0 {
		return "no backend candidates configured"
	}
	var b strings.Builder
	b.WriteString("no reachable backend among candidates")
	for i, c := range e.Candidates {
		b.WriteString("; ")
		b.WriteString(c)
		if i < len(e.Reasons) && e.Reasons[i] != "" {
			b.WriteString(": ")
			b.WriteString(e.Reasons[i])
		}
	}
	return b.String()
}

// TransportError a single HTTP/WS call failed
type TransportError struct {
	Op         string
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

// NewStatusError builds a TransportError for a non-2xx response.
func NewStatusError(op, endpoint string, statusCode int, body []byte) *TransportError {
	return &TransportError{Op: op, Endpoint: endpoint, StatusCode: statusCode, Body: Excerpt(body)}
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Op, e.Endpoint)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// JobFailedError the backend reported the generation as failed
type JobFailedError struct {
	JobID  string
	Detail string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Detail)
}

// TimeoutError the deadline elapsed while waiting for completion
type TimeoutError struct {
	JobID    string
	Endpoint string
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s on %s did not finish within %s", e.JobID, e.Endpoint, e.Deadline)
}

// PersistenceError a local write failed for one artifact
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsRetryable reports whether a caller may retry with a fresh submission.
func IsRetryable(err error) bool {
	var transportErr *TransportError
	var timeoutErr *TimeoutError
	return errors.As(err, &transportErr) || errors.As(err, &timeoutErr)
}

// Excerpt trims a response body for inclusion in an error message.
func Excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxBodyExcerpt {
		return s[:maxBodyExcerpt] + "..."
	}
	return s
}
