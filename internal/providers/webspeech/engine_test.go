package webspeech

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"astrovoice/internal/domain"
	"astrovoice/internal/ports"
)

func TestFactoryUnsupportedUntilReported(t *testing.T) {
	t.Parallel()

	factory := NewFactory(newFakeBridge())
	if _, err := factory.NewEngine(ports.RecognitionConfig{}); !errors.Is(err, domain.ErrUnsupportedPlatform) {
		t.Fatalf("expected ErrUnsupportedPlatform, got %v", err)
	}

	factory.SetSupported(true)
	engine, err := factory.NewEngine(ports.RecognitionConfig{Language: "es-ES"})
	if err != nil {
		t.Fatalf("expected engine, got %v", err)
	}
	_ = engine.Close()
}

func TestEngineStartStopEmitRequests(t *testing.T) {
	t.Parallel()

	bridge := newFakeBridge()
	engine := newEngine(bridge, ports.RecognitionConfig{Language: "es-ES", Continuous: true})
	defer engine.Close()

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := engine.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	emitted := bridge.snapshotEmitted()
	if len(emitted) != 2 || emitted[0].name != EventStart || emitted[1].name != EventStop {
		t.Fatalf("unexpected emitted events: %+v", emitted)
	}
	payload, ok := emitted[0].data[0].(startPayload)
	if !ok {
		t.Fatalf("unexpected start payload type: %T", emitted[0].data[0])
	}
	if payload != (startPayload{Lang: "es-ES", Continuous: true, InterimResults: false}) {
		t.Fatalf("unexpected start payload: %+v", payload)
	}
}

func TestEngineDecodesFrontendEvents(t *testing.T) {
	t.Parallel()

	bridge := newFakeBridge()
	engine := newEngine(bridge, ports.RecognitionConfig{})
	defer engine.Close()

	bridge.fire(EventResult, map[string]interface{}{
		"segments": []interface{}{
			map[string]interface{}{"transcript": "ir a", "isFinal": true},
			map[string]interface{}{"transcript": "planetas", "isFinal": false},
		},
	})
	bridge.fire(EventError, `{"error":"not-allowed","message":"denied"}`)
	bridge.fire(EventEnd)

	result := next(t, engine)
	if result.Kind != domain.RecognitionEventResult || len(result.Segments) != 2 {
		t.Fatalf("unexpected result event: %+v", result)
	}
	if !result.Segments[0].Final || result.Segments[1].Final || result.Segments[0].Transcript != "ir a" {
		t.Fatalf("unexpected segments: %+v", result.Segments)
	}

	errEvent := next(t, engine)
	if errEvent.Kind != domain.RecognitionEventError || errEvent.ErrorKind != domain.RecognitionErrorNotAllowed || errEvent.Message != "denied" {
		t.Fatalf("unexpected error event: %+v", errEvent)
	}

	if end := next(t, engine); end.Kind != domain.RecognitionEventEnd {
		t.Fatalf("unexpected end event: %+v", end)
	}
}

func TestEngineDropsMalformedResult(t *testing.T) {
	t.Parallel()

	bridge := newFakeBridge()
	engine := newEngine(bridge, ports.RecognitionConfig{})
	defer engine.Close()

	bridge.fire(EventResult)
	bridge.fire(EventResult, "{not json")
	bridge.fire(EventEnd)

	if event := next(t, engine); event.Kind != domain.RecognitionEventEnd {
		t.Fatalf("expected malformed results to be dropped, got %+v", event)
	}
}

func TestEngineCloseUnsubscribesAndClosesEvents(t *testing.T) {
	t.Parallel()

	bridge := newFakeBridge()
	engine := newEngine(bridge, ports.RecognitionConfig{})

	if err := engine.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if bridge.handlerCount() != 0 {
		t.Fatalf("expected handlers to be removed, got %d", bridge.handlerCount())
	}
	if _, ok := <-engine.Events(); ok {
		t.Fatalf("expected events channel to be closed")
	}
	if err := engine.Start(context.Background()); err == nil {
		t.Fatalf("expected start on closed engine to fail")
	}
}

func next(t *testing.T, engine *Engine) domain.RecognitionEvent {
	t.Helper()
	select {
	case event := <-engine.Events():
		return event
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for recognition event")
	}
	return domain.RecognitionEvent{}
}

type emittedEvent struct {
	name string
	data []interface{}
}

type fakeBridge struct {
	mu       sync.Mutex
	emitted  []emittedEvent
	handlers map[string]map[int]func(...interface{})
	nextID   int
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{handlers: map[string]map[int]func(...interface{}){}}
}

func (f *fakeBridge) Emit(name string, data ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, emittedEvent{name: name, data: data})
}

func (f *fakeBridge) On(name string, callback func(data ...interface{})) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[name] == nil {
		f.handlers[name] = map[int]func(...interface{}){}
	}
	id := f.nextID
	f.nextID++
	f.handlers[name][id] = callback
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[name], id)
	}
}

func (f *fakeBridge) fire(name string, data ...interface{}) {
	f.mu.Lock()
	callbacks := make([]func(...interface{}), 0, len(f.handlers[name]))
	for _, callback := range f.handlers[name] {
		callbacks = append(callbacks, callback)
	}
	f.mu.Unlock()
	for _, callback := range callbacks {
		callback(data...)
	}
}

func (f *fakeBridge) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, handlers := range f.handlers {
		count += len(handlers)
	}
	return count
}

func (f *fakeBridge) snapshotEmitted() []emittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]emittedEvent, len(f.emitted))
	copy(out, f.emitted)
	return out
}
