// Package eventbus implements the plugin execution core's scoped in-memory
// event bus: local (per execution chain) and plugin (ref-counted, shared)
// scopes, with produce/consume permission gates, payload/rate/listener
// quotas, drop-on-saturation back-pressure, and idempotency
// deduplication.
package eventbus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/execcore/pkg/execapi"
)

// DropPolicy selects which event is discarded when a listener's queue
// saturates.
type DropPolicy string

const (
	DropOldest DropPolicy = "drop-oldest"
	DropNew    DropPolicy = "drop-new"
)

// AnalyticsEmitter reports best-effort observational events, mirroring the
// runtime facade's emitter shape.
type AnalyticsEmitter interface {
	Emit(event string, fields map[string]any)
}

// Config bounds one Bus instance's resource usage.
type Config struct {
	MaxPayloadBytes      int
	EventsPerMinute      int
	MaxListenersPerTopic int
	MaxQueueSize         int
	DropPolicy           DropPolicy
	ConcurrentHandlers   int
	DuplicateTTL         time.Duration
	DedupCacheSize       int
	ShutdownTimeout      time.Duration
	RedactKeys           []string
	Analytics            AnalyticsEmitter
}

func (c *Config) applyDefaults() {
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = 1 << 20
	}
	if c.MaxListenersPerTopic == 0 {
		c.MaxListenersPerTopic = 64
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = 256
	}
	if c.DropPolicy == "" {
		c.DropPolicy = DropOldest
	}
	if c.ConcurrentHandlers == 0 {
		c.ConcurrentHandlers = 8
	}
	if c.DuplicateTTL == 0 {
		c.DuplicateTTL = 60 * time.Second
	}
	if c.DedupCacheSize == 0 {
		c.DedupCacheSize = 1024
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if len(c.RedactKeys) == 0 {
		c.RedactKeys = []string{"authorization", "apiKey", "token", "password", "secret"}
	}
}

// Envelope is the delivered form of one emitted event.
type Envelope struct {
	ID             string         `json:"id"`
	Topic          string         `json:"topic"`
	Scope          execapi.EventScope `json:"scope"`
	Payload        any            `json:"payload"`
	Meta           map[string]any `json:"meta,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	TraceID        string         `json:"traceId,omitempty"`
	EmittedAt      time.Time      `json:"emittedAt"`
}

// EmitOptions configures a single Emit call.
type EmitOptions struct {
	Scope          execapi.EventScope
	IdempotencyKey string
	Meta           map[string]any
	TraceID        string
}

// SubscribeOptions configures On/Once.
type SubscribeOptions struct {
	Scope          execapi.EventScope
	MaxInvocations int
}

type listener struct {
	id             string
	topic          string
	scope          execapi.EventScope
	handler        func(Envelope)
	maxInvocations int
	invocations    int64
	queue          chan Envelope
	closed         chan struct{}
	once           bool
}

// Bus is a single event bus instance. A "local" Bus is created fresh per
// execution chain; a "plugin" Bus is obtained via a ref-counted Registry
// and shared across executions of the same plugin.
type Bus struct {
	cfg   Config
	perms execapi.EventPermissions

	mu        sync.Mutex
	listeners map[string][]*listener // keyed by scope+":"+topic
	rate      map[execapi.EventScope]*slidingWindow
	sem       map[execapi.EventScope]chan struct{}
	dedup     *dedupCache
	closed    bool

	seq int64
	wg  sync.WaitGroup
}

func New(cfg Config, perms execapi.EventPermissions) *Bus {
	cfg.applyDefaults()
	return &Bus{
		cfg:       cfg,
		perms:     perms,
		listeners: make(map[string][]*listener),
		rate:      make(map[execapi.EventScope]*slidingWindow),
		sem:       make(map[execapi.EventScope]chan struct{}),
		dedup:     newDedupCache(cfg.DedupCacheSize, cfg.DuplicateTTL),
	}
}

func (b *Bus) emitAnalytics(event string, fields map[string]any) {
	if b.cfg.Analytics != nil {
		b.cfg.Analytics.Emit(event, fields)
	}
}

func key(scope execapi.EventScope, topic string) string {
	return string(scope) + ":" + topic
}

// eventPatternMatches implements the bus's own matching rule: a trailing
// "*" is a prefix match, otherwise the pattern must match exactly.
func eventPatternMatches(pattern, topic string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == topic
}

func matchesAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if eventPatternMatches(p, topic) {
			return true
		}
	}
	return false
}

func (b *Bus) checkScope(scope execapi.EventScope) error {
	for _, s := range b.perms.Scopes {
		if s == scope {
			return nil
		}
	}
	return &execapi.ErrorEnvelope{Code: execapi.ErrPermissionDenied, Message: fmt.Sprintf("event scope %q not granted", scope)}
}

func (b *Bus) checkProduce(scope execapi.EventScope, topic string) error {
	if err := b.checkScope(scope); err != nil {
		return err
	}
	if !matchesAny(b.perms.Produce, topic) {
		return &execapi.ErrorEnvelope{Code: execapi.ErrPermissionDenied, Message: "topic '" + topic + "' not in events.produce"}
	}
	return nil
}

func (b *Bus) checkConsume(scope execapi.EventScope, topic string) error {
	if err := b.checkScope(scope); err != nil {
		return err
	}
	if !matchesAny(b.perms.Consume, topic) {
		return &execapi.ErrorEnvelope{Code: execapi.ErrPermissionDenied, Message: "topic '" + topic + "' not in events.consume"}
	}
	return nil
}

func (b *Bus) rateLimiter(scope execapi.EventScope) *slidingWindow {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.rate[scope]
	if !ok {
		w = newSlidingWindow(b.cfg.EventsPerMinute)
		b.rate[scope] = w
	}
	return w
}

func (b *Bus) semaphore(scope execapi.EventScope) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sem[scope]
	if !ok {
		s = make(chan struct{}, b.cfg.ConcurrentHandlers)
		b.sem[scope] = s
	}
	return s
}

func dedupKey(topic string, scope execapi.EventScope, payload any, traceID, idemKey string) string {
	if idemKey != "" {
		return idemKey
	}
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256([]byte(string(scope) + "|" + topic + "|" + string(data) + "|" + traceID))
	return hex.EncodeToString(sum[:])
}

// Emit publishes payload on topic. It returns nil, nil when the event was
// silently dropped as a duplicate.
func (b *Bus) Emit(payload any, topic string, opts EmitOptions) (*Envelope, error) {
	scope := opts.Scope
	if scope == "" {
		scope = execapi.EventScopeLocal
	}

	if err := b.checkProduce(scope, topic); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &execapi.ErrorEnvelope{Code: execapi.ErrInternal, Message: "payload not serialisable: " + err.Error()}
	}
	if b.cfg.MaxPayloadBytes > 0 && len(raw) > b.cfg.MaxPayloadBytes {
		return nil, &execapi.ErrorEnvelope{Code: execapi.ErrPayloadTooLarge, Message: fmt.Sprintf("payload %d bytes exceeds maxPayloadBytes %d", len(raw), b.cfg.MaxPayloadBytes)}
	}

	if !b.rateLimiter(scope).Allow() {
		return nil, &execapi.ErrorEnvelope{Code: execapi.ErrQuotaExceeded, Message: "eventsPerMinute exceeded for scope " + string(scope)}
	}

	dk := dedupKey(topic, scope, payload, opts.TraceID, opts.IdempotencyKey)
	if b.dedup.SeenRecently(dk) {
		b.emitAnalytics("plugin.events.duplicate", map[string]any{"topic": topic, "scope": scope})
		return nil, nil
	}

	env := Envelope{
		ID:             fmt.Sprintf("evt-%d", atomic.AddInt64(&b.seq, 1)),
		Topic:          topic,
		Scope:          scope,
		Payload:        payload,
		Meta:           b.redactMeta(opts.Meta),
		IdempotencyKey: opts.IdempotencyKey,
		TraceID:        opts.TraceID,
		EmittedAt:      time.Now(),
	}

	b.deliver(env)
	return &env, nil
}

func (b *Bus) redactMeta(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	redact := make(map[string]bool, len(b.cfg.RedactKeys))
	for _, k := range b.cfg.RedactKeys {
		redact[strings.ToLower(k)] = true
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if redact[strings.ToLower(k)] {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

// deliver fans env out to every listener subscribed on its scope+topic, in
// emit order. Listener invocation happens outside the bus lock.
func (b *Bus) deliver(env Envelope) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := append([]*listener(nil), b.listeners[key(env.Scope, env.Topic)]...)
	b.mu.Unlock()

	for _, l := range subs {
		b.enqueue(l, env)
	}
}

func (b *Bus) enqueue(l *listener, env Envelope) {
	select {
	case l.queue <- env:
		return
	default:
	}

	switch b.cfg.DropPolicy {
	case DropNew:
		b.emitAnalytics("plugin.events.dropped", map[string]any{"topic": l.topic, "scope": l.scope, "reason": "queue_saturated"})
		return
	default: // drop-oldest
		select {
		case <-l.queue:
		default:
		}
		select {
		case l.queue <- env:
		default:
		}
		b.emitAnalytics("plugin.events.dropped", map[string]any{"topic": l.topic, "scope": l.scope, "reason": "queue_saturated"})
	}
}

func (b *Bus) runListener(l *listener) {
	defer b.wg.Done()
	sem := b.semaphore(l.scope)
	for {
		select {
		case env, ok := <-l.queue:
			if !ok {
				return
			}
			sem <- struct{}{}
			l.handler(env)
			<-sem
			if l.maxInvocations > 0 && atomic.AddInt64(&l.invocations, 1) >= int64(l.maxInvocations) {
				b.removeListener(l)
				return
			}
			if l.once {
				b.removeListener(l)
				return
			}
		case <-l.closed:
			return
		}
	}
}

func (b *Bus) removeListener(l *listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key(l.scope, l.topic)
	subs := b.listeners[k]
	for i, s := range subs {
		if s == l {
			b.listeners[k] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
}

// Dispose unsubscribes a listener.
type Dispose func()

func (b *Bus) subscribe(topic string, handler func(Envelope), opts SubscribeOptions, once bool) (Dispose, error) {
	scope := opts.Scope
	if scope == "" {
		scope = execapi.EventScopeLocal
	}
	if err := b.checkConsume(scope, topic); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, &execapi.ErrorEnvelope{Code: execapi.ErrNotAvailable, Message: "event bus is shut down"}
	}
	k := key(scope, topic)
	if len(b.listeners[k]) >= b.cfg.MaxListenersPerTopic {
		b.mu.Unlock()
		return nil, &execapi.ErrorEnvelope{Code: execapi.ErrListenerLimit, Message: "maxListenersPerTopic reached for " + topic}
	}
	l := &listener{
		id:             fmt.Sprintf("lis-%d", atomic.AddInt64(&b.seq, 1)),
		topic:          topic,
		scope:          scope,
		handler:        handler,
		maxInvocations: opts.MaxInvocations,
		queue:          make(chan Envelope, b.cfg.MaxQueueSize),
		closed:         make(chan struct{}),
		once:           once,
	}
	b.listeners[k] = append(b.listeners[k], l)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.runListener(l)

	return func() { b.removeListener(l) }, nil
}

func (b *Bus) On(topic string, handler func(Envelope), opts SubscribeOptions) (Dispose, error) {
	return b.subscribe(topic, handler, opts, false)
}

func (b *Bus) Once(topic string, handler func(Envelope), opts SubscribeOptions) (Dispose, error) {
	return b.subscribe(topic, handler, opts, true)
}

// Off removes all listeners for topic in scope (the local scope when scope
// is empty).
func (b *Bus) Off(topic string, scope execapi.EventScope) {
	if scope == "" {
		scope = execapi.EventScopeLocal
	}
	b.mu.Lock()
	subs := append([]*listener(nil), b.listeners[key(scope, topic)]...)
	b.mu.Unlock()
	for _, l := range subs {
		b.removeListener(l)
	}
}

// WaitFor blocks until an event matching predicate arrives on topic, ctx
// is cancelled, or timeout elapses.
func (b *Bus) WaitFor(ctx context.Context, topic string, predicate func(Envelope) bool, opts SubscribeOptions, timeout time.Duration) (*Envelope, error) {
	result := make(chan Envelope, 1)
	dispose, err := b.On(topic, func(e Envelope) {
		if predicate == nil || predicate(e) {
			select {
			case result <- e:
			default:
			}
		}
	}, opts)
	if err != nil {
		return nil, err
	}
	defer dispose()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-result:
		return &env, nil
	case <-timer.C:
		return nil, &execapi.ErrorEnvelope{Code: execapi.ErrTimeout, Message: "waitFor timed out on topic " + topic}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown closes every listener and waits up to the configured
// shutdownTimeout for in-flight handlers to drain.
func (b *Bus) Shutdown(timeout time.Duration) error {
	if timeout == 0 {
		timeout = b.cfg.ShutdownTimeout
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*listener
	for _, subs := range b.listeners {
		all = append(all, subs...)
	}
	b.mu.Unlock()

	for _, l := range all {
		close(l.queue)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return &execapi.ErrorEnvelope{Code: execapi.ErrTimeout, Message: "event bus shutdown did not drain within shutdownTimeoutMs"}
	}
}
