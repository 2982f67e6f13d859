package bridge

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// ErrMissingCredentials is matched by every *ConfigError.
var ErrMissingCredentials = errors.New("bridge: missing credentials")

// ConfigError reports absent configuration. It is returned before any
// network call is attempted.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return "bridge: missing " + strings.Join(e.Missing, ", ")
}

func (e *ConfigError) Is(target error) bool { return target == ErrMissingCredentials }

// Diagnostic is an opaque payload returned by a remote service.
//
// Its shape is owned by the remote side; it is carried verbatim so callers
// can tell quota, capability and authentication problems apart.
type Diagnostic struct {
	StatusCode int
	Body       []byte
}

// JSON returns the body unchanged when it is valid JSON, and the body as a
// JSON string otherwise.
func (d Diagnostic) JSON() json.RawMessage {
	if len(d.Body) > 0 && json.Valid(d.Body) {
		return json.RawMessage(d.Body)
	}
	s, _ := json.Marshal(string(d.Body))
	return s
}

// RemoteError is a reply from the bridge that does not carry the expected result.
type RemoteError struct {
	Task       string
	Reason     string
	Diagnostic Diagnostic
}

func (e *RemoteError) Error() string {
	if e.Diagnostic.StatusCode != 0 && e.Diagnostic.StatusCode != http.StatusOK {
		return fmt.Sprintf("bridge: %s: %s (HTTP %d)", e.Task, e.Reason, e.Diagnostic.StatusCode)
	}
	return fmt.Sprintf("bridge: %s: %s", e.Task, e.Reason)
}

// Retryable reports whether repeating the same request may succeed.
func (e *RemoteError) Retryable() bool {
	code := e.Diagnostic.StatusCode
	return code >= 500 || code == http.StatusTooManyRequests
}
