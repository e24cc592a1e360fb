package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"astrovoice/internal/bootstrap"
	"astrovoice/internal/config"
	"astrovoice/internal/domain"
	"astrovoice/internal/logging"
	"astrovoice/internal/ports"
	"astrovoice/internal/usecase"
)

const (
	eventDictation = "astrovoice:dictation"
	eventListener  = "astrovoice:listener"
	eventCommand   = "astrovoice:command"
	eventError     = "astrovoice:error"
)

type dictationService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() domain.DictationStatus
}

type listenerService interface {
	StartListening(ctx context.Context) error
	StopListening()
	Active() bool
}

type libraryStore interface {
	AddReadLater(ctx context.Context, item domain.ReadLaterItem) (bool, error)
	RemoveReadLater(ctx context.Context, link string) error
	ClearReadLater(ctx context.Context) error
	ListReadLater(ctx context.Context) ([]domain.ReadLaterItem, error)
	RecentTranscripts(ctx context.Context, limit int) ([]domain.TranscriptRecord, error)
}

type speechSupport interface {
	SetSupported(supported bool)
}

// App is the Wails application root.
type App struct {
	ctx    context.Context
	bridge ports.EventBridge

	services  bootstrap.Services
	dictation dictationService
	listener  listenerService
	library   libraryStore
	speech    speechSupport
	cfg       config.Config
	bootErr   error
}

func NewApp() *App {
	return &App{}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	a.bridge = wailsBridge{ctx: ctx}

	services, err := bootstrap.Build(ctx, a.bridge, a, a)
	if err != nil {
		a.bootErr = err
		a.emitError(domain.ErrorCodeStartup, err)
		return
	}

	a.services = services
	a.cfg = services.Config
	a.dictation = services.Dictation
	a.listener = services.Listener
	a.library = services.Store
	if services.Speech != nil {
		a.speech = services.Speech
	}
	a.DictationChanged(a.dictation.Status())

	// The webview backend waits for the frontend to report speech support.
	if a.speech == nil {
		if err := a.StartListening(); err != nil {
			logging.Warnw("command listener did not start", "err", err)
		}
	}
}

func (a *App) shutdown(ctx context.Context) {
	if a.bootErr != nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.services.Close(shutdownCtx); err != nil {
		logging.Warnw("shutdown incomplete", "err", err)
	}
}

// StartRecording opens the microphone for a new dictation.
func (a *App) StartRecording() (domain.DictationStatus, error) {
	if err := a.requireReady(); err != nil {
		return domain.DictationStatus{}, err
	}
	if err := a.dictation.Start(a.ctx); err != nil {
		a.emitError(domain.ErrorCodeDictation, err)
		return a.dictation.Status(), err
	}
	return a.dictation.Status(), nil
}

// StopRecording ends the dictation; the transcript arrives through dictation events.
func (a *App) StopRecording() (domain.DictationStatus, error) {
	if err := a.requireReady(); err != nil {
		return domain.DictationStatus{}, err
	}
	if err := a.dictation.Stop(a.ctx); err != nil && !errors.Is(err, usecase.ErrNoActiveSession) {
		a.emitError(domain.ErrorCodeDictation, err)
		return a.dictation.Status(), err
	}
	return a.dictation.Status(), nil
}

// GetDictationStatus returns the current dictation snapshot.
func (a *App) GetDictationStatus() domain.DictationStatus {
	if a.dictation == nil {
		if a.bootErr != nil {
			return domain.DictationStatus{State: domain.DictationStateError, Error: a.bootErr.Error()}
		}
		return domain.DictationStatus{State: domain.DictationStateIdle}
	}
	return a.dictation.Status()
}

// StartListening enables voice commands.
func (a *App) StartListening() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if err := a.listener.StartListening(a.ctx); err != nil {
		a.emitError(domain.ErrorCodeRecognition, err)
		return err
	}
	return nil
}

// StopListening disables voice commands.
func (a *App) StopListening() {
	if a.listener == nil {
		return
	}
	a.listener.StopListening()
}

// SetSpeechSupport records whether the webview offers speech recognition and
// starts the command listener accordingly.
func (a *App) SetSpeechSupport(supported bool) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if a.speech == nil {
		return nil
	}
	a.speech.SetSupported(supported)
	logging.Infow("webview speech support reported", "supported", supported)
	return a.StartListening()
}

// AddToReadLater bookmarks a news card. It reports false for duplicates.
func (a *App) AddToReadLater(item domain.ReadLaterItem) (bool, error) {
	if err := a.requireReady(); err != nil {
		return false, err
	}
	added, err := a.library.AddReadLater(a.ctx, item)
	if err != nil {
		a.emitError(domain.ErrorCodeReadLater, err)
		return false, err
	}
	return added, nil
}

// RemoveFromReadLater deletes a bookmark by its NASA link.
func (a *App) RemoveFromReadLater(link string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if err := a.library.RemoveReadLater(a.ctx, link); err != nil {
		a.emitError(domain.ErrorCodeReadLater, err)
		return err
	}
	return nil
}

// ClearReadLater removes every bookmark.
func (a *App) ClearReadLater() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if err := a.library.ClearReadLater(a.ctx); err != nil {
		a.emitError(domain.ErrorCodeReadLater, err)
		return err
	}
	return nil
}

// GetReadLater lists bookmarks in the order they were added.
func (a *App) GetReadLater() ([]domain.ReadLaterItem, error) {
	if err := a.requireReady(); err != nil {
		return nil, err
	}
	return a.library.ListReadLater(a.ctx)
}

// RecentTranscripts returns completed dictations, newest first.
func (a *App) RecentTranscripts(limit int) ([]domain.TranscriptRecord, error) {
	if err := a.requireReady(); err != nil {
		return nil, err
	}
	return a.library.RecentTranscripts(a.ctx, limit)
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	listening := false
	if a.listener != nil {
		listening = a.listener.Active()
	}
	return map[string]string{
		"version":             bootstrap.Version,
		"transcription":       "AssemblyAI",
		"language":            a.cfg.AssemblyAI.LanguageCode,
		"recognitionBackend":  a.cfg.Recognition.Backend,
		"recognitionLanguage": a.cfg.Recognition.Language,
		"listening":           strconv.FormatBool(listening),
		"commands":            strconv.Itoa(len(a.cfg.Commands)),
		"rulesFile":           a.cfg.Rules.Path,
		"audioInput":          a.cfg.Audio.InputDevice,
		"audioInputFormat":    a.cfg.Audio.InputFormat,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.dictation == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// DictationChanged emits dictation snapshots to the frontend.
func (a *App) DictationChanged(status domain.DictationStatus) {
	a.emit(eventDictation, status)
}

// ListenerStateChanged emits command listener transitions.
func (a *App) ListenerStateChanged(state domain.ListenerState, reason domain.ListenerStateReason) {
	a.emit(eventListener, map[string]string{
		"state":   string(state),
		"reason":  string(reason),
		"message": listenerReasonMessage(reason),
	})
}

func (a *App) CommandTriggered(phrase string, transcript string) {
	logging.Infow("voice command recognized", "phrase", phrase, "transcript", transcript)
}

// RecognitionError forwards speech engine errors to the UI.
func (a *App) RecognitionError(kind domain.RecognitionErrorKind, detail string) {
	if kind == domain.RecognitionErrorNoSpeech {
		return
	}
	a.emit(eventError, map[string]string{
		"code":    string(domain.ErrorCodeRecognition),
		"message": recognitionErrorMessage(kind),
		"detail":  detail,
	})
}

// HandleCommand runs the action bound to a recognized phrase. Frontend
// actions are forwarded as command events; dictation actions run in the
// background so recognition keeps flowing.
func (a *App) HandleCommand(command config.CommandConfig) {
	switch command.Action {
	case config.ActionNavigate, config.ActionEmit:
		a.emit(eventCommand, map[string]string{
			"phrase": command.Phrase,
			"action": command.Action,
			"target": command.Target,
		})
	case config.ActionDictationStart:
		go func() {
			if _, err := a.StartRecording(); err != nil {
				logging.Warnw("voice command could not start dictation", "err", err)
			}
		}()
	case config.ActionDictationStop:
		go func() {
			if _, err := a.StopRecording(); err != nil {
				logging.Warnw("voice command could not stop dictation", "err", err)
			}
		}()
	case config.ActionListenerStop:
		a.StopListening()
	default:
		a.emitError(domain.ErrorCodeCommand, fmt.Errorf("unsupported voice command action %q for %q", command.Action, command.Phrase))
	}
}

func (a *App) emitError(code domain.ErrorCode, err error) {
	logging.Errorw("backend error", "code", code, "err", err)
	a.emit(eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, domain.UserMessage(err)),
		"detail":  err.Error(),
	})
}

func (a *App) emit(name string, data interface{}) {
	if a.bridge == nil {
		return
	}
	a.bridge.Emit(name, data)
}

func listenerReasonMessage(reason domain.ListenerStateReason) string {
	switch reason {
	case domain.ListenerReasonStarted:
		return "Listening for voice commands"
	case domain.ListenerReasonStopped:
		return "Voice commands off"
	case domain.ListenerReasonRestarted:
		return "Listening for voice commands"
	case domain.ListenerReasonPermissionDenied:
		return "Microphone permission denied"
	case domain.ListenerReasonRestartFailed:
		return "Voice commands stopped unexpectedly"
	case domain.ListenerReasonUnsupported:
		return "Speech recognition is not supported here"
	default:
		return ""
	}
}

func recognitionErrorMessage(kind domain.RecognitionErrorKind) string {
	switch kind {
	case domain.RecognitionErrorNotAllowed, domain.RecognitionErrorServiceNotAllowed:
		return "Microphone permission denied"
	case domain.RecognitionErrorAudioCapture:
		return "Microphone unavailable"
	case domain.RecognitionErrorNetwork:
		return "Speech service unreachable"
	case domain.RecognitionErrorAborted:
		return "Speech recognition interrupted"
	default:
		return "Speech recognition error"
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeRecognition:
		return "Voice commands unavailable"
	case domain.ErrorCodeReadLater:
		return "Read later list error"
	case domain.ErrorCodeCommand:
		return "Voice command failed"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

type wailsBridge struct {
	ctx context.Context
}

func (b wailsBridge) Emit(name string, data ...interface{}) {
	runtime.EventsEmit(b.ctx, name, data...)
}

func (b wailsBridge) On(name string, callback func(data ...interface{})) func() {
	return runtime.EventsOn(b.ctx, name, callback)
}
