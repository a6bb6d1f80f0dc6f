package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/execcore/pkg/execapi"
)

func fullPerms() execapi.EventPermissions {
	return execapi.EventPermissions{
		Produce: []string{"kb.*"},
		Consume: []string{"kb.*"},
		Scopes:  []execapi.EventScope{execapi.EventScopeLocal, execapi.EventScopePlugin},
	}
}

func TestBus_EmitDeliversInOrder(t *testing.T) {
	b := New(Config{}, fullPerms())
	var mu sync.Mutex
	var seen []int

	dispose, err := b.On("kb.event.tick", func(e Envelope) {
		mu.Lock()
		seen = append(seen, int(e.Payload.(float64)))
		mu.Unlock()
	}, SubscribeOptions{})
	require.NoError(t, err)
	defer dispose()

	for i := 0; i < 5; i++ {
		_, err := b.Emit(float64(i), "kb.event.tick", EmitOptions{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestBus_ProduceDenied(t *testing.T) {
	b := New(Config{}, execapi.EventPermissions{Scopes: []execapi.EventScope{execapi.EventScopeLocal}})
	_, err := b.Emit("x", "kb.event.tick", EmitOptions{})
	require.Error(t, err)
}

func TestBus_PayloadTooLarge(t *testing.T) {
	b := New(Config{MaxPayloadBytes: 16}, fullPerms())
	_, err := b.Emit(string(make([]byte, 32)), "kb.event.big", EmitOptions{})
	require.Error(t, err)
	var env *execapi.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	require.Equal(t, execapi.ErrPayloadTooLarge, env.Code)
}

func TestBus_ListenerLimit(t *testing.T) {
	b := New(Config{MaxListenersPerTopic: 1}, fullPerms())
	_, err := b.On("kb.event.tick", func(Envelope) {}, SubscribeOptions{})
	require.NoError(t, err)

	_, err = b.On("kb.event.tick", func(Envelope) {}, SubscribeOptions{})
	require.Error(t, err)
	var env *execapi.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	require.Equal(t, execapi.ErrListenerLimit, env.Code)
}

func TestBus_Deduplication(t *testing.T) {
	b := New(Config{}, fullPerms())
	env, err := b.Emit("x", "kb.event.tick", EmitOptions{IdempotencyKey: "abc"})
	require.NoError(t, err)
	require.NotNil(t, env)

	dup, err := b.Emit("x", "kb.event.tick", EmitOptions{IdempotencyKey: "abc"})
	require.NoError(t, err)
	require.Nil(t, dup)
}

func TestBus_RateLimit(t *testing.T) {
	b := New(Config{EventsPerMinute: 1}, fullPerms())
	_, err := b.Emit("x", "kb.event.tick", EmitOptions{})
	require.NoError(t, err)

	_, err = b.Emit("y", "kb.event.tick", EmitOptions{})
	require.Error(t, err)
	var env *execapi.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	require.Equal(t, execapi.ErrQuotaExceeded, env.Code)
}

func TestBus_DropOldestOnSaturation(t *testing.T) {
	var dropped []map[string]any
	var mu sync.Mutex
	analytics := analyticsFunc(func(event string, fields map[string]any) {
		if event == "plugin.events.dropped" {
			mu.Lock()
			dropped = append(dropped, fields)
			mu.Unlock()
		}
	})

	b := New(Config{MaxQueueSize: 1, ConcurrentHandlers: 1, Analytics: analytics}, fullPerms())
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	_, err := b.On("kb.event.slow", func(e Envelope) {
		started <- struct{}{}
		<-block
	}, SubscribeOptions{})
	require.NoError(t, err)

	_, err = b.Emit(1, "kb.event.slow", EmitOptions{})
	require.NoError(t, err)
	<-started // first event now running inside the handler, holding the semaphore

	_, err = b.Emit(2, "kb.event.slow", EmitOptions{})
	require.NoError(t, err)
	_, err = b.Emit(3, "kb.event.slow", EmitOptions{})
	require.NoError(t, err)

	close(block)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dropped) >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestBus_WaitFor(t *testing.T) {
	b := New(Config{}, fullPerms())
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = b.Emit("ready", "kb.event.state", EmitOptions{})
	}()

	env, err := b.WaitFor(context.Background(), "kb.event.state", nil, SubscribeOptions{}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "ready", env.Payload)
}

func TestBus_WaitFor_Timeout(t *testing.T) {
	b := New(Config{}, fullPerms())
	_, err := b.WaitFor(context.Background(), "kb.event.never", nil, SubscribeOptions{}, 50*time.Millisecond)
	require.Error(t, err)
	var env *execapi.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	require.Equal(t, execapi.ErrTimeout, env.Code)
}

func TestBus_Shutdown(t *testing.T) {
	b := New(Config{}, fullPerms())
	_, err := b.On("kb.event.tick", func(Envelope) {}, SubscribeOptions{})
	require.NoError(t, err)

	require.NoError(t, b.Shutdown(time.Second))

	_, err = b.On("kb.event.tick", func(Envelope) {}, SubscribeOptions{})
	require.Error(t, err)
}

func TestRegistry_RefCounting(t *testing.T) {
	reg := NewRegistry(Config{})
	b1 := reg.Acquire("mind", fullPerms())
	b2 := reg.Acquire("mind", fullPerms())
	require.Same(t, b1, b2)
	require.Equal(t, 2, reg.RefCount("mind"))

	reg.Release("mind")
	require.Equal(t, 1, reg.RefCount("mind"))
	reg.Release("mind")
	require.Equal(t, 0, reg.RefCount("mind"))
}

type analyticsFunc func(event string, fields map[string]any)

func (f analyticsFunc) Emit(event string, fields map[string]any) { f(event, fields) }
