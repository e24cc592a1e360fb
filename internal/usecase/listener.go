package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"astrovoice/internal/domain"
	"astrovoice/internal/logging"
	"astrovoice/internal/ports"
)

// CommandTable maps trigger phrases to callbacks. Phrases match
// case-insensitively as substrings of the recognized text.
type CommandTable map[string]func()

type command struct {
	phrase   string
	callback func()
}

// CommandListener keeps a continuous recognition stream alive and fires every
// command whose phrase appears in a final result.
type CommandListener struct {
	factory  ports.RecognitionEngineFactory
	cfg      ports.RecognitionConfig
	events   ports.ListenerEvents
	commands []command

	mu          sync.Mutex
	ctx         context.Context
	engine      ports.RecognitionEngine
	active      bool
	unsupported bool
	dispatched  chan struct{}
}

func NewCommandListener(
	factory ports.RecognitionEngineFactory,
	events ports.ListenerEvents,
	cfg ports.RecognitionConfig,
	table CommandTable,
) *CommandListener {
	commands := make([]command, 0, len(table))
	for phrase, callback := range table {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase == "" || callback == nil {
			continue
		}
		commands = append(commands, command{phrase: phrase, callback: callback})
	}
	sort.Slice(commands, func(i, j int) bool { return commands[i].phrase < commands[j].phrase })

	return &CommandListener{
		factory:  factory,
		cfg:      cfg,
		events:   events,
		commands: commands,
	}
}

// StartListening builds the engine on first use, marks the listener active and
// starts the stream. Without platform support it is a no-op that leaves the
// listener permanently inactive.
func (l *CommandListener) StartListening(ctx context.Context) error {
	l.mu.Lock()
	if l.unsupported || l.active {
		l.mu.Unlock()
		return nil
	}

	if l.engine == nil {
		engine, err := l.factory.NewEngine(l.cfg)
		if err != nil {
			if errors.Is(err, domain.ErrUnsupportedPlatform) {
				l.unsupported = true
				l.mu.Unlock()
				logging.Warnw("speech recognition unavailable, voice commands disabled", "err", err)
				l.events.ListenerStateChanged(domain.ListenerStateInactive, domain.ListenerReasonUnsupported)
				return nil
			}
			l.mu.Unlock()
			return fmt.Errorf("create recognition engine: %w", err)
		}
		l.engine = engine
		l.dispatched = make(chan struct{})
		go l.dispatch(engine, l.dispatched)
	}

	l.ctx = ctx
	l.active = true
	engine := l.engine
	l.mu.Unlock()

	if err := engine.Start(ctx); err != nil {
		l.mu.Lock()
		l.active = false
		l.mu.Unlock()
		return fmt.Errorf("start recognition: %w", err)
	}

	logging.Infow("command listener started", "language", l.cfg.Language, "commands", len(l.commands))
	l.events.ListenerStateChanged(domain.ListenerStateActive, domain.ListenerReasonStarted)
	return nil
}

// StopListening marks the listener inactive, then stops the stream.
func (l *CommandListener) StopListening() {
	l.mu.Lock()
	wasActive := l.active
	l.active = false
	engine := l.engine
	l.mu.Unlock()

	if engine != nil {
		if err := engine.Stop(); err != nil {
			logging.Warnw("failed to stop recognition", "err", err)
		}
	}
	if wasActive {
		logging.Infow("command listener stopped")
		l.events.ListenerStateChanged(domain.ListenerStateInactive, domain.ListenerReasonStopped)
	}
}

// Active reports whether the listener is currently listening.
func (l *CommandListener) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Close stops listening and releases the engine. It must not be called from a command callback.
func (l *CommandListener) Close() error {
	l.StopListening()

	l.mu.Lock()
	engine := l.engine
	dispatched := l.dispatched
	l.engine = nil
	l.dispatched = nil
	l.mu.Unlock()

	if engine == nil {
		return nil
	}
	err := engine.Close()
	<-dispatched
	return err
}

func (l *CommandListener) dispatch(engine ports.RecognitionEngine, done chan struct{}) {
	defer close(done)

	for event := range engine.Events() {
		switch event.Kind {
		case domain.RecognitionEventResult:
			l.handleResult(event)
		case domain.RecognitionEventEnd:
			l.handleEnd(engine)
		case domain.RecognitionEventError:
			l.handleError(engine, event)
		}
	}
}

func (l *CommandListener) handleResult(event domain.RecognitionEvent) {
	if !l.Active() {
		return
	}
	transcript := joinFinalSegments(event.Segments)
	if transcript == "" {
		return
	}

	logging.Debugw("recognized speech", "transcript", transcript)
	for _, cmd := range l.commands {
		if !strings.Contains(transcript, cmd.phrase) {
			continue
		}
		l.events.CommandTriggered(cmd.phrase, transcript)
		invokeCommand(cmd)
	}
}

// handleEnd restarts the stream while the listener is active. A failed restart
// leaves the listener inactive instead of retrying.
func (l *CommandListener) handleEnd(engine ports.RecognitionEngine) {
	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		return
	}
	ctx := l.ctx
	l.mu.Unlock()

	if err := engine.Start(ctx); err != nil {
		l.mu.Lock()
		l.active = false
		l.mu.Unlock()
		logging.Warnw("recognition restart failed", "err", err)
		l.events.RecognitionError(domain.RecognitionErrorAborted, err.Error())
		l.events.ListenerStateChanged(domain.ListenerStateInactive, domain.ListenerReasonRestartFailed)
		return
	}

	l.mu.Lock()
	stillActive := l.active
	l.mu.Unlock()
	if !stillActive {
		_ = engine.Stop()
		return
	}
	logging.Debugw("recognition restarted")
	l.events.ListenerStateChanged(domain.ListenerStateActive, domain.ListenerReasonRestarted)
}

func (l *CommandListener) handleError(engine ports.RecognitionEngine, event domain.RecognitionEvent) {
	logging.Warnw("recognition error", "kind", event.ErrorKind, "message", event.Message)
	l.events.RecognitionError(event.ErrorKind, event.Message)

	if !event.ErrorKind.PermissionDenied() {
		return
	}

	l.mu.Lock()
	wasActive := l.active
	l.active = false
	l.mu.Unlock()

	if err := engine.Stop(); err != nil {
		logging.Warnw("failed to stop recognition", "err", err)
	}
	if wasActive {
		l.events.ListenerStateChanged(domain.ListenerStateInactive, domain.ListenerReasonPermissionDenied)
	}
}

func invokeCommand(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorw("voice command panicked", "phrase", cmd.phrase, "panic", r)
		}
	}()
	cmd.callback()
}
