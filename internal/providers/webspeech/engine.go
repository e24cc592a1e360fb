package webspeech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"astrovoice/internal/domain"
	"astrovoice/internal/logging"
	"astrovoice/internal/ports"
)

// Event names shared with the webview bridge script.
const (
	EventStart  = "astrovoice:recognition:start"
	EventStop   = "astrovoice:recognition:stop"
	EventResult = "astrovoice:recognition:result"
	EventError  = "astrovoice:recognition:error"
	EventEnd    = "astrovoice:recognition:end"
)

// Factory builds engines backed by the webview's SpeechRecognition. Support
// is unknown until the frontend reports it.
type Factory struct {
	bridge    ports.EventBridge
	supported atomic.Bool
}

func NewFactory(bridge ports.EventBridge) *Factory {
	return &Factory{bridge: bridge}
}

// SetSupported records whether the webview exposes speech recognition.
func (f *Factory) SetSupported(supported bool) {
	f.supported.Store(supported)
}

func (f *Factory) Supported() bool {
	return f.supported.Load()
}

func (f *Factory) NewEngine(cfg ports.RecognitionConfig) (ports.RecognitionEngine, error) {
	if f.bridge == nil || !f.supported.Load() {
		return nil, domain.NewVoiceError(domain.ErrorKindUnsupported, "speech recognition is not available in this webview", nil)
	}
	return newEngine(f.bridge, cfg), nil
}

// Engine relays start/stop requests to the webview and turns its callbacks
// into recognition events.
type Engine struct {
	bridge ports.EventBridge
	cfg    ports.RecognitionConfig

	events  chan domain.RecognitionEvent
	done    chan struct{}
	pending sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	unsubscribe []func()
}

func newEngine(bridge ports.EventBridge, cfg ports.RecognitionConfig) *Engine {
	e := &Engine{
		bridge: bridge,
		cfg:    cfg,
		events: make(chan domain.RecognitionEvent, 32),
		done:   make(chan struct{}),
	}
	e.unsubscribe = []func(){
		bridge.On(EventResult, e.onResult),
		bridge.On(EventError, e.onError),
		bridge.On(EventEnd, e.onEnd),
	}
	return e
}

type startPayload struct {
	Lang           string `json:"lang"`
	Continuous     bool   `json:"continuous"`
	InterimResults bool   `json:"interimResults"`
}

func (e *Engine) Start(_ context.Context) error {
	if e.isClosed() {
		return errors.New("recognition engine is closed")
	}
	e.bridge.Emit(EventStart, startPayload{
		Lang:           e.cfg.Language,
		Continuous:     e.cfg.Continuous,
		InterimResults: e.cfg.InterimResults,
	})
	return nil
}

func (e *Engine) Stop() error {
	if e.isClosed() {
		return nil
	}
	e.bridge.Emit(EventStop)
	return nil
}

func (e *Engine) Events() <-chan domain.RecognitionEvent {
	return e.events
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	for _, off := range unsubscribe {
		if off != nil {
			off()
		}
	}
	close(e.done)
	e.pending.Wait()
	close(e.events)
	return nil
}

type resultPayload struct {
	Segments []domain.RecognitionSegment `json:"segments"`
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e *Engine) onResult(data ...interface{}) {
	var payload resultPayload
	if err := decodePayload(data, &payload); err != nil {
		logging.Warnw("dropping malformed recognition result", "err", err)
		return
	}
	e.push(domain.RecognitionEvent{Kind: domain.RecognitionEventResult, Segments: payload.Segments})
}

func (e *Engine) onError(data ...interface{}) {
	var payload errorPayload
	if err := decodePayload(data, &payload); err != nil {
		logging.Warnw("malformed recognition error payload", "err", err)
	}
	e.push(domain.RecognitionEvent{
		Kind:      domain.RecognitionEventError,
		ErrorKind: domain.RecognitionErrorKind(payload.Error),
		Message:   payload.Message,
	})
}

func (e *Engine) onEnd(_ ...interface{}) {
	e.push(domain.RecognitionEvent{Kind: domain.RecognitionEventEnd})
}

func (e *Engine) push(event domain.RecognitionEvent) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.pending.Add(1)
	e.mu.Unlock()
	defer e.pending.Done()

	select {
	case e.events <- event:
	case <-e.done:
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// decodePayload accepts either the object the frontend emitted or its JSON text.
func decodePayload(data []interface{}, out interface{}) error {
	if len(data) == 0 || data[0] == nil {
		return errors.New("empty payload")
	}
	var raw []byte
	switch v := data[0].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		raw = encoded
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
