package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ocx/execcore/internal/artifact"
	"github.com/ocx/execcore/internal/errenvelope"
	"github.com/ocx/execcore/pkg/execapi"
)

// Dispatcher owns one backend per mode and runs the full
// capability-check -> validate -> execute -> validate -> publish pipeline
// around every request.
type Dispatcher struct {
	Backends       map[Mode]Backend
	Broker         *artifact.Broker
	Debug          bool
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

func New(backends map[Mode]Backend, broker *artifact.Broker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{Backends: backends, Broker: broker, DefaultTimeout: 30 * time.Second, Logger: logger}
}

// Execute runs req's handler under mode against manifest's declared
// contract and always returns a well-formed envelope: callers branch on
// Envelope.OK rather than a Go error.
func (d *Dispatcher) Execute(ctx context.Context, req execapi.ExecutionRequest, manifest HandlerManifest, mode Mode) execapi.Envelope {
	start := time.Now()
	envelope := func(data any, err error) execapi.Envelope {
		metrics := execapi.Metrics{TimeMs: time.Since(start).Milliseconds()}
		if err != nil {
			ee := errenvelope.FromError(err, d.Debug)
			ee.Meta.RequestID = req.RequestID
			ee.Meta.PluginID = req.PluginID
			ee.Meta.PluginVersion = req.PluginVersion
			ee.Meta.TimeMs = metrics.TimeMs
			return execapi.Envelope{OK: false, Error: ee, Metrics: metrics}
		}
		return execapi.Envelope{OK: true, Data: data, Metrics: metrics}
	}

	if !capabilitiesSatisfied(req.Permissions.Capabilities, manifest.RequiredCapabilities) {
		return envelope(nil, &execapi.ErrorEnvelope{
			Code:    execapi.ErrCapabilityMissing,
			Message: "required capability not granted",
			Details: map[string]any{"required": manifest.RequiredCapabilities, "granted": req.Permissions.Capabilities},
		})
	}

	if len(manifest.InputSchema) > 0 {
		if err := validateSchema(manifest.InputSchema, req.Input); err != nil {
			return envelope(nil, &execapi.ErrorEnvelope{Code: execapi.ErrSchemaValidation, Message: "input: " + err.Error()})
		}
	}

	chainState, err := checkChainLimits(req)
	if err != nil {
		return envelope(nil, err)
	}
	req.Chain = chainState

	backend, ok := d.Backends[mode]
	if !ok {
		return envelope(nil, &execapi.ErrorEnvelope{Code: execapi.ErrUnknownMode, Message: "no backend registered for mode " + string(mode)})
	}

	timeout := d.DefaultTimeout
	if req.DeadlineUnixMs > 0 {
		if remaining := time.Until(time.UnixMilli(req.DeadlineUnixMs)); remaining > 0 {
			timeout = remaining
		}
	}

	data, err := backend.Execute(ctx, req, timeout)
	if err != nil {
		return envelope(nil, err)
	}

	if len(manifest.OutputSchema) > 0 {
		if err := validateSchema(manifest.OutputSchema, data); err != nil {
			return envelope(nil, &execapi.ErrorEnvelope{Code: execapi.ErrSchemaValidation, Message: "output: " + err.Error()})
		}
	}

	d.publishDeclaredArtifacts(req, manifest, data)

	return envelope(data, nil)
}

func validateSchema(schema map[string]any, value any) error {
	schemaLoader := gojsonschema.NewGoLoader(schema)
	docLoader := gojsonschema.NewGoLoader(value)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return &schemaError{msgs: msgs}
}

type schemaError struct{ msgs []string }

func (e *schemaError) Error() string { return strings.Join(e.msgs, "; ") }

// publishDeclaredArtifacts writes whichever declared artifact ids are
// present as keys in data (a map), matched by exact id, camelCase, or
// kebab-case. Denied or malformed writes are logged and skipped rather
// than failing an otherwise successful execution.
func (d *Dispatcher) publishDeclaredArtifacts(req execapi.ExecutionRequest, manifest HandlerManifest, data any) {
	if d.Broker == nil || len(manifest.DeclaredArtifacts) == 0 {
		return
	}
	fields, ok := data.(map[string]any)
	if !ok {
		return
	}

	for _, id := range manifest.DeclaredArtifacts {
		value, key := lookupArtifactField(fields, id)
		if key == "" {
			continue
		}

		uri := artifact.URI{PluginID: req.PluginID, Logical: id}
		if err := artifact.CheckWrite(req.Permissions, uri); err != nil {
			d.Logger.Warn("dispatch: declared artifact write denied", "artifactId", id, "error", err)
			continue
		}

		payload, err := json.Marshal(value)
		if err != nil {
			d.Logger.Warn("dispatch: declared artifact not serialisable", "artifactId", id, "error", err)
			continue
		}

		if _, err := d.Broker.Write(uri, payload, "application/json", req.PluginID, nil, artifact.ModeOverwrite); err != nil {
			d.Logger.Warn("dispatch: declared artifact write failed", "artifactId", id, "error", err)
		}
	}
}

func lookupArtifactField(fields map[string]any, id string) (any, string) {
	candidates := []string{id, toCamelCase(id), toKebabCase(id)}
	for _, c := range candidates {
		if v, ok := fields[c]; ok {
			return v, c
		}
	}
	return nil, ""
}

func toCamelCase(id string) string {
	parts := strings.FieldsFunc(id, func(r rune) bool { return r == '-' || r == '_' })
	if len(parts) == 0 {
		return id
	}
	out := strings.ToLower(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		r := []rune(strings.ToLower(p))
		r[0] = unicode.ToUpper(r[0])
		out += string(r)
	}
	return out
}

func toKebabCase(id string) string {
	var b strings.Builder
	for i, r := range id {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if r == '_' {
			b.WriteByte('-')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
