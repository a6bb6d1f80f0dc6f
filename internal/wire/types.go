// Package wire implements the parent<->worker message protocol: JSON
// objects, one per line, exchanged over a worker subprocess's stdin and
// stdout. Parent-to-worker messages are execute, abort, shutdown, and
// health; worker-to-parent messages are ready, result, error, and
// healthOk.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/ocx/execcore/pkg/execapi"
)

// MessageType discriminates a Frame's payload.
type MessageType string

const (
	TypeExecute  MessageType = "execute"
	TypeAbort    MessageType = "abort"
	TypeShutdown MessageType = "shutdown"
	TypeHealth   MessageType = "health"

	TypeReady    MessageType = "ready"
	TypeResult   MessageType = "result"
	TypeError    MessageType = "error"
	TypeHealthOk MessageType = "healthOk"
)

var parentToWorker = map[MessageType]bool{
	TypeExecute: true, TypeAbort: true, TypeShutdown: true, TypeHealth: true,
}

var workerToParent = map[MessageType]bool{
	TypeReady: true, TypeResult: true, TypeError: true, TypeHealthOk: true,
}

func IsParentToWorker(t MessageType) bool { return parentToWorker[t] }
func IsWorkerToParent(t MessageType) bool { return workerToParent[t] }

// Frame is the wire envelope. Exactly one of the payload pointers is
// populated, selected by Type.
type Frame struct {
	Type MessageType `json:"type"`

	Execute  *ExecutePayload  `json:"execute,omitempty"`
	Abort    *AbortPayload    `json:"abort,omitempty"`
	Shutdown *ShutdownPayload `json:"shutdown,omitempty"`
	Health   *HealthPayload   `json:"health,omitempty"`

	Ready    *ReadyPayload    `json:"ready,omitempty"`
	Result   *ResultPayload   `json:"resultMsg,omitempty"`
	Error    *ErrorPayload    `json:"errorMsg,omitempty"`
	HealthOk *HealthOkPayload `json:"healthOk,omitempty"`
}

// ExecutePayload dispatches one handler invocation to the worker.
type ExecutePayload struct {
	RequestID string                    `json:"requestId"`
	Request   execapi.ExecutionRequest  `json:"request"`
	TimeoutMs int64                     `json:"timeoutMs"`
}

// AbortPayload requests cancellation of an in-flight execution.
type AbortPayload struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// ShutdownPayload asks the worker to finish its current execution, if
// any, then exit cleanly.
type ShutdownPayload struct {
	GraceMs int64 `json:"graceMs,omitempty"`
}

// HealthPayload is an empty ping; its presence alone requests a healthOk.
type HealthPayload struct{}

// ReadyPayload is sent once, immediately after the worker starts.
type ReadyPayload struct {
	WorkerID string `json:"workerId,omitempty"`
	PID      int    `json:"pid"`
}

// Result is the handler's success payload.
type Result struct {
	OK              bool `json:"ok"`
	Data            any  `json:"data,omitempty"`
	ExecutionTimeMs int64 `json:"executionTimeMs"`
}

// ResultPayload reports a successful handler invocation.
type ResultPayload struct {
	RequestID string `json:"requestId"`
	Result    Result `json:"result"`
}

// HandlerError is the handler-reported failure shape.
type HandlerError struct {
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Stack   string         `json:"stack,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorPayload reports a failed handler invocation.
type ErrorPayload struct {
	RequestID string       `json:"requestId"`
	Error     HandlerError `json:"error"`
}

// HealthOkPayload answers a health ping.
type HealthOkPayload struct {
	PID          int   `json:"pid"`
	UptimeMs     int64 `json:"uptimeMs"`
	HeapUsed     int64 `json:"heapUsed"`
	HeapTotal    int64 `json:"heapTotal"`
	MemoryRSS    int64 `json:"memoryRssBytes"`
	RequestCount int64 `json:"requestCount"`
}

// Validate checks that Type is known and that the payload matching it is
// populated (shutdown and health payloads are optional). Other payload
// fields are not checked.
func (f Frame) Validate() error {
	switch f.Type {
	case TypeExecute:
		if f.Execute == nil {
			return fmt.Errorf("wire: execute frame missing payload")
		}
	case TypeAbort:
		if f.Abort == nil {
			return fmt.Errorf("wire: abort frame missing payload")
		}
	case TypeShutdown:
		// payload optional
	case TypeHealth:
		// payload optional
	case TypeReady:
		if f.Ready == nil {
			return fmt.Errorf("wire: ready frame missing payload")
		}
	case TypeResult:
		if f.Result == nil {
			return fmt.Errorf("wire: result frame missing payload")
		}
	case TypeError:
		if f.Error == nil {
			return fmt.Errorf("wire: error frame missing payload")
		}
	case TypeHealthOk:
		if f.HealthOk == nil {
			return fmt.Errorf("wire: healthOk frame missing payload")
		}
	default:
		return fmt.Errorf("wire: unknown message type %q", f.Type)
	}
	return nil
}

// Marshal encodes f as a single JSON line (no trailing newline).
func (f Frame) Marshal() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Unmarshal decodes one JSON line into a validated Frame.
func Unmarshal(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, fmt.Errorf("wire: decode frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
