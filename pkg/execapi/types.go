// Package execapi defines the public data model for the plugin execution
// core: execution requests, permissions, envelopes, and the identifiers
// that flow between the dispatcher, the worker pool, and a worker process.
package execapi

import "time"

// HostContextKind tags which surface originated an execution request.
type HostContextKind string

const (
	HostContextCLI      HostContextKind = "cli"
	HostContextREST     HostContextKind = "rest"
	HostContextWorkflow HostContextKind = "workflow"
)

// HostContext is a tagged union over the host surfaces that can submit a
// request. Exactly one of the payload fields is populated, matching
// HostContextKind.
type HostContext struct {
	Kind     HostContextKind `json:"kind"`
	CLI      *CLIContext     `json:"cli,omitempty"`
	REST     *RESTContext    `json:"rest,omitempty"`
	Workflow *WorkflowContext `json:"workflow,omitempty"`
}

type CLIContext struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

type RESTContext struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

type WorkflowContext struct {
	WorkflowID string `json:"workflowId"`
	StepID     string `json:"stepId"`
}

// HandlerRef identifies a plugin-exported function to execute.
type HandlerRef struct {
	File   string `json:"file"`
	Export string `json:"export"`
}

// ChainLimits bounds the transitive set of plugin invocations rooted at a
// single external request.
type ChainLimits struct {
	MaxDepth      int           `json:"maxDepth"`
	MaxFanOut     int           `json:"maxFanOut"`
	MaxChainTime  time.Duration `json:"maxChainTime"`
}

// ChainState is the live counters tracked while a chain executes.
type ChainState struct {
	Depth     int
	FanOut    int
	Visited   map[string]bool
	StartedAt time.Time
}

// Quotas bounds a single execution's resource consumption.
type Quotas struct {
	TimeMs          int64 `json:"timeMs"`
	MemoryMB        int64 `json:"memoryMb"`
	CPUMs           int64 `json:"cpuMs"`
	EventsPerMinute int   `json:"eventsPerMinute"`
}

// ExecutionRequest is immutable once admitted to a backend.
type ExecutionRequest struct {
	ExecutionID     string          `json:"executionId"`
	PluginID        string          `json:"pluginId"`
	PluginVersion   string          `json:"pluginVersion"`
	Handler         HandlerRef      `json:"handler"`
	PluginRoot      string          `json:"pluginRoot"`
	Input           any             `json:"input"`
	Permissions     Permissions     `json:"permissions"`
	Quotas          Quotas          `json:"quotas"`
	Host            HostContext     `json:"host"`
	TenantID        string          `json:"tenantId,omitempty"`
	RequestID       string          `json:"requestId"`
	TraceID         string          `json:"traceId"`
	SpanID          string          `json:"spanId"`
	ParentSpanID    string          `json:"parentSpanId,omitempty"`
	ChainLimits     ChainLimits     `json:"chainLimits"`
	Chain           ChainState      `json:"chain"`
	DryRun          bool            `json:"dryRun,omitempty"`
	DeadlineUnixMs  int64           `json:"deadlineUnixMs"`
}

// FSMode enumerates the filesystem access levels a plugin may be granted.
type FSMode string

const (
	FSModeNone      FSMode = "none"
	FSModeRead      FSMode = "read"
	FSModeReadWrite FSMode = "readWrite"
)

// FSPermissions gates the runtime facade's filesystem shim.
type FSPermissions struct {
	Mode  FSMode   `json:"mode"`
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// NetPermissions gates the runtime facade's HTTP client.
type NetPermissions struct {
	None        bool     `json:"none,omitempty"`
	AllowHosts  []string `json:"allowHosts,omitempty"`
	DenyHosts   []string `json:"denyHosts,omitempty"`
	AllowCIDRs  []string `json:"allowCidrs,omitempty"`
}

// ExternalStateGrant grants access to another plugin's state namespace.
type ExternalStateGrant struct {
	Namespace string `json:"namespace"`
	Read      bool   `json:"read"`
	Write     bool   `json:"write"`
	Delete    bool   `json:"delete"`
	Reason    string `json:"reason,omitempty"`
}

// StatePermissions gates the key/value state broker.
type StatePermissions struct {
	OwnRead     bool                 `json:"ownRead"`
	OwnWrite    bool                 `json:"ownWrite"`
	OwnDelete   bool                 `json:"ownDelete"`
	External    []ExternalStateGrant `json:"external,omitempty"`
}

// ArtifactReadGrant allows reading artifacts owned by another plugin (or
// 'self') under the given logical path globs.
type ArtifactReadGrant struct {
	From         string   `json:"from"` // pluginId or "self"
	Paths        []string `json:"paths"`
	AllowedTypes []string `json:"allowedTypes,omitempty"`
}

// ArtifactWriteGrant allows writing artifacts to a target plugin namespace.
type ArtifactWriteGrant struct {
	To    string   `json:"to"` // pluginId or "self"
	Paths []string `json:"paths"`
}

// EventScope is a boundary within the event bus.
type EventScope string

const (
	EventScopeLocal  EventScope = "local"
	EventScopePlugin EventScope = "plugin"
)

// EventPermissions gates pub/sub access on the event bus.
type EventPermissions struct {
	Produce []string     `json:"produce,omitempty"`
	Consume []string     `json:"consume,omitempty"`
	Scopes  []EventScope `json:"scopes,omitempty"`
}

// Permissions is the full structured grant set for one execution.
type Permissions struct {
	FS          FSPermissions        `json:"fs"`
	Net         NetPermissions       `json:"net"`
	EnvAllow    []string             `json:"envAllow,omitempty"`
	State       StatePermissions     `json:"state"`
	ArtifactsR  []ArtifactReadGrant  `json:"artifactsRead,omitempty"`
	ArtifactsW  []ArtifactWriteGrant `json:"artifactsWrite,omitempty"`
	Events      EventPermissions     `json:"events"`
	Capabilities []string            `json:"capabilities,omitempty"`
	Quotas      Quotas               `json:"quotas"`
}

// Envelope is the result wrapper returned by the dispatcher for every
// execution, success or failure.
type Envelope struct {
	OK      bool           `json:"ok"`
	Data    any            `json:"data,omitempty"`
	Error   *ErrorEnvelope `json:"error,omitempty"`
	Metrics Metrics        `json:"metrics"`
	Logs    []string       `json:"logs,omitempty"`
	Profile map[string]any `json:"profile,omitempty"`
}

// Metrics carries the timing/resource summary attached to every envelope.
type Metrics struct {
	TimeMs int64 `json:"timeMs"`
	CPUMs  int64 `json:"cpuMs,omitempty"`
	MemMB  int64 `json:"memMb,omitempty"`
}

// ErrorCode enumerates the taxonomy from the error envelope design.
type ErrorCode string

const (
	ErrPermissionDenied     ErrorCode = "PermissionDenied"
	ErrCapabilityMissing    ErrorCode = "CapabilityMissing"
	ErrPathTraversal        ErrorCode = "PathTraversal"
	ErrInvalidURI           ErrorCode = "InvalidUri"
	ErrConflict             ErrorCode = "Conflict"
	ErrNotFound             ErrorCode = "NotFound"
	ErrHandlerNotFound      ErrorCode = "HandlerNotFound"
	ErrSchemaValidation     ErrorCode = "SchemaValidationFailed"
	ErrTimeout              ErrorCode = "Timeout"
	ErrCancelled            ErrorCode = "Cancelled"
	ErrQuotaExceeded        ErrorCode = "QuotaExceeded"
	ErrPayloadTooLarge      ErrorCode = "PayloadTooLarge"
	ErrListenerLimit        ErrorCode = "ListenerLimit"
	ErrRateLimited          ErrorCode = "RateLimited"
	ErrDuplicateDropped     ErrorCode = "DuplicateDropped"
	ErrWorkerCrashed        ErrorCode = "WorkerCrashed"
	ErrNotImplemented       ErrorCode = "NotImplemented"
	ErrNotAvailable         ErrorCode = "NotAvailable"
	ErrUnknownMode          ErrorCode = "UnknownMode"
	ErrInternal             ErrorCode = "Internal"
)

// ErrorEnvelope is the structured failure record returned to callers.
type ErrorEnvelope struct {
	Code          ErrorCode      `json:"code"`
	HTTPStatus    int            `json:"httpStatus"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	Trace         string         `json:"trace,omitempty"`
	RootCause     *RootCause     `json:"rootCause,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	Suggestions   []string       `json:"suggestions,omitempty"`
	Fixes         []string       `json:"fixes,omitempty"`
	Documentation string         `json:"documentation,omitempty"`
	Meta          ErrorMeta      `json:"meta"`
}

// ErrorMeta carries the correlation fields attached to every error.
type ErrorMeta struct {
	RequestID      string  `json:"requestId,omitempty"`
	PluginID       string  `json:"pluginId,omitempty"`
	PluginVersion  string  `json:"pluginVersion,omitempty"`
	RouteOrCommand string  `json:"routeOrCommand,omitempty"`
	TimeMs         int64   `json:"timeMs,omitempty"`
	CPUMs          *int64  `json:"cpuMs,omitempty"`
	MemMB          *int64  `json:"memMb,omitempty"`
	Perms          *Permissions `json:"perms,omitempty"`
}

// RootCause is a bounded, debug-only inspection of an error's likely cause.
type RootCause struct {
	Type          string   `json:"type"`
	Suggestions   []string `json:"suggestions,omitempty"`
	Documentation string   `json:"documentation,omitempty"`
}

func (e *ErrorEnvelope) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Code) + ": " + e.Message
}
