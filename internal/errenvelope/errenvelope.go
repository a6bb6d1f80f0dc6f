// Package errenvelope builds the structured ErrorEnvelope returned to
// callers of the execution core, maps error codes to HTTP statuses, and
// redacts sensitive detail keys before an envelope leaves the process.
package errenvelope

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ocx/execcore/pkg/execapi"
)

// statusByCode mirrors the code -> HTTP status table from the design.
var statusByCode = map[execapi.ErrorCode]int{
	execapi.ErrPermissionDenied:  http.StatusForbidden,
	execapi.ErrCapabilityMissing: http.StatusForbidden,
	execapi.ErrPathTraversal:     http.StatusForbidden,
	execapi.ErrInvalidURI:        http.StatusBadRequest,
	execapi.ErrConflict:          http.StatusConflict,
	execapi.ErrNotFound:          http.StatusNotFound,
	execapi.ErrHandlerNotFound:   http.StatusInternalServerError,
	execapi.ErrSchemaValidation:  http.StatusUnprocessableEntity,
	execapi.ErrTimeout:           http.StatusGatewayTimeout,
	execapi.ErrCancelled:         499,
	execapi.ErrQuotaExceeded:     http.StatusTooManyRequests,
	execapi.ErrPayloadTooLarge:   http.StatusRequestEntityTooLarge,
	execapi.ErrListenerLimit:     http.StatusTooManyRequests,
	execapi.ErrRateLimited:       http.StatusTooManyRequests,
	execapi.ErrDuplicateDropped:  http.StatusOK,
	execapi.ErrWorkerCrashed:     http.StatusBadGateway,
	execapi.ErrNotImplemented:    http.StatusNotImplemented,
	execapi.ErrNotAvailable:      http.StatusServiceUnavailable,
	execapi.ErrUnknownMode:       http.StatusBadRequest,
	execapi.ErrInternal:          http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for code, defaulting to 500.
func StatusFor(code execapi.ErrorCode) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// sensitiveDetailSubstrings are matched case-insensitively against each
// Details key; a match redacts the value before an envelope is serialised
// for a caller outside the process boundary.
var sensitiveDetailSubstrings = []string{
	"password", "secret", "token", "key", "apikey", "auth",
}

func isSensitiveDetailKey(k string) bool {
	lower := strings.ToLower(k)
	for _, s := range sensitiveDetailSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Builder accumulates the fields of an ErrorEnvelope.
type Builder struct {
	env   execapi.ErrorEnvelope
	debug bool
}

// New starts a Builder for code with message. debug enables root-cause
// population; it should be wired to the host's debug/verbose flag, never
// left on by default for production traffic.
func New(code execapi.ErrorCode, message string, debug bool) *Builder {
	return &Builder{
		env: execapi.ErrorEnvelope{
			Code:       code,
			HTTPStatus: StatusFor(code),
			Message:    message,
		},
		debug: debug,
	}
}

func (b *Builder) WithDetails(details map[string]any) *Builder {
	if len(details) == 0 {
		return b
	}
	clean := make(map[string]any, len(details))
	for k, v := range details {
		if isSensitiveDetailKey(k) {
			clean[k] = "[REDACTED]"
			continue
		}
		clean[k] = v
	}
	b.env.Details = clean
	return b
}

func (b *Builder) WithMeta(meta execapi.ErrorMeta) *Builder {
	b.env.Meta = meta
	return b
}

func (b *Builder) WithSuggestions(s ...string) *Builder {
	b.env.Suggestions = append(b.env.Suggestions, s...)
	return b
}

func (b *Builder) WithDocumentation(url string) *Builder {
	b.env.Documentation = url
	return b
}

// WithCause attaches a bounded root-cause analysis, but only when the
// builder was created in debug mode; otherwise it is a no-op so internal
// error chains never leak to non-debug callers.
func (b *Builder) WithCause(err error) *Builder {
	if !b.debug || err == nil {
		return b
	}
	b.env.Trace = err.Error()
	b.env.RootCause = classify(err)
	return b
}

func (b *Builder) Build() *execapi.ErrorEnvelope {
	env := b.env
	return &env
}

// classify does a shallow, bounded inspection of err to produce a
// best-effort root cause category. It never recurses more than a few
// levels of errors.Unwrap.
func classify(err error) *execapi.RootCause {
	const maxDepth = 5
	cur := err
	for i := 0; i < maxDepth && cur != nil; i++ {
		switch {
		case strings.Contains(cur.Error(), "no such file or directory"):
			return &execapi.RootCause{Type: "missing-file", Suggestions: []string{"check the path exists relative to pluginRoot"}}
		case strings.Contains(cur.Error(), "permission denied"):
			return &execapi.RootCause{Type: "os-permission-denied", Suggestions: []string{"check filesystem permissions outside the plugin sandbox"}}
		case strings.Contains(cur.Error(), "connection refused"):
			return &execapi.RootCause{Type: "connection-refused", Suggestions: []string{"verify the target host is reachable"}}
		case strings.Contains(cur.Error(), "context deadline exceeded"):
			return &execapi.RootCause{Type: "deadline-exceeded", Suggestions: []string{"increase quotas.timeMs or optimise the handler"}}
		}
		cur = errors.Unwrap(cur)
	}
	return &execapi.RootCause{Type: "unknown"}
}

// FromError wraps a generic error as an Internal envelope, preserving an
// existing *execapi.ErrorEnvelope unchanged.
func FromError(err error, debug bool) *execapi.ErrorEnvelope {
	if err == nil {
		return nil
	}
	var env *execapi.ErrorEnvelope
	if errors.As(err, &env) {
		return env
	}
	return New(execapi.ErrInternal, err.Error(), debug).WithCause(err).Build()
}
