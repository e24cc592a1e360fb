package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"astrovoice/internal/domain"
	"astrovoice/internal/logging"
	"astrovoice/internal/ports"
)

var ErrNoActiveSession = errors.New("no active recording session")

const instrumentationName = "astrovoice/internal/usecase"

// DictationConfig controls push-to-talk recording and transcription.
type DictationConfig struct {
	Audio        ports.AudioConfig
	ChunkSize    int
	LanguageCode string
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// DictationController orchestrates recording, upload and transcript polling.
type DictationController struct {
	audio     ports.AudioCapture
	encoder   ports.AudioEncoder
	service   ports.TranscriptionService
	events    ports.DictationEvents
	finalizer transcriptFinalizer
	cfg       DictationConfig

	tracer   trace.Tracer
	sessions metric.Int64Counter
	latency  metric.Float64Histogram

	lifetime   context.Context
	shutdown   context.CancelFunc
	processing sync.WaitGroup

	// startMu serializes Start so only one caller opens the microphone at a time.
	startMu sync.Mutex

	mu      sync.Mutex
	current *dictationSession
}

func NewDictationController(
	audio ports.AudioCapture,
	encoder ports.AudioEncoder,
	service ports.TranscriptionService,
	rules ports.RulesEngine,
	history ports.TranscriptLog,
	events ports.DictationEvents,
	cfg DictationConfig,
) *DictationController {
	if cfg.ChunkSize < 256 {
		cfg.ChunkSize = 4096
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "es"
	}

	meter := otel.Meter(instrumentationName)
	sessions, err := meter.Int64Counter("astrovoice.dictation.sessions",
		metric.WithDescription("Dictation sessions by outcome"))
	if err != nil {
		logging.Warnw("failed to create dictation counter", "err", err)
	}
	latency, err := meter.Float64Histogram("astrovoice.dictation.processing",
		metric.WithDescription("Time from stop to transcript"), metric.WithUnit("s"))
	if err != nil {
		logging.Warnw("failed to create dictation histogram", "err", err)
	}

	lifetime, shutdown := context.WithCancel(context.Background())
	return &DictationController{
		audio:     audio,
		encoder:   encoder,
		service:   service,
		events:    events,
		finalizer: newTranscriptFinalizer(rules, history, cfg.LanguageCode),
		cfg:       cfg,
		tracer:    otel.Tracer(instrumentationName),
		sessions:  sessions,
		latency:   latency,
		lifetime:  lifetime,
		shutdown:  shutdown,
	}
}

// Start opens the microphone for a new session, tearing down any capture still running.
// When the microphone cannot be opened the new session ends in the error state.
func (c *DictationController) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	var previous *dictationSession

	c.mu.Lock()
	if c.current != nil && c.current.state == domain.DictationStateListening {
		previous = c.current
		c.current = nil
	}
	c.mu.Unlock()

	if previous != nil {
		c.teardown(previous)
		logging.Infow("previous recording discarded", logging.SessionFields(previous.id, string(domain.DictationStateListening))...)
	}

	session := newDictationSession(uuid.NewString())
	captureCtx, cancel := context.WithCancel(ctx)
	audioSession, err := c.audio.Start(captureCtx, c.cfg.Audio)
	if err != nil {
		cancel()
		session.state = domain.DictationStateError
		session.errMessage = "microphone unavailable"
		close(session.audioDone)
		c.replace(session)
		c.record(ctx, "permission_denied")
		logging.Warnw("microphone unavailable", append(logging.SessionFields(session.id, string(session.state)), "err", err)...)
		return domain.NewVoiceError(domain.ErrorKindPermission, "microphone unavailable", err)
	}

	session.cancel = cancel
	session.audio = audioSession
	session.state = domain.DictationStateListening
	go collectAudioChunks(audioSession, c.cfg.ChunkSize, session)

	if err := c.lifetime.Err(); err != nil {
		c.teardown(session)
		return fmt.Errorf("dictation controller closed: %w", err)
	}

	c.replace(session)
	logging.Infow("recording started", logging.SessionFields(session.id, string(session.state))...)
	return nil
}

// Stop releases the microphone, merges the captured audio and starts
// transcription in the background. It returns ErrNoActiveSession, leaving the
// state untouched, unless a session is listening.
func (c *DictationController) Stop(ctx context.Context) error {
	c.mu.Lock()
	active := c.current
	if active == nil || active.state != domain.DictationStateListening {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	active.state = domain.DictationStateProcessing
	c.mu.Unlock()

	if err := active.audio.Stop(); err != nil {
		logging.Warnw("failed to stop audio capture cleanly", append(logging.SessionFields(active.id, string(domain.DictationStateProcessing)), "err", err)...)
	}
	<-active.audioDone
	active.cancel()

	payload := mergeChunks(active.chunks)
	active.chunks = nil
	c.publish(active)

	logging.Infow("recording stopped", append(logging.SessionFields(active.id, string(domain.DictationStateProcessing)), "bytes", len(payload))...)

	c.processing.Add(1)
	go c.process(active, payload)
	return nil
}

// Status returns a snapshot of the current session; idle before the first recording.
func (c *DictationController) Status() domain.DictationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return domain.DictationStatus{State: domain.DictationStateIdle}
	}
	return c.current.snapshot()
}

// Wait blocks until every in-flight transcription has reached a terminal state.
func (c *DictationController) Wait() {
	c.processing.Wait()
}

// Close releases an active capture and cancels in-flight transcriptions.
func (c *DictationController) Close() {
	c.mu.Lock()
	var active *dictationSession
	if c.current != nil && c.current.state == domain.DictationStateListening {
		active = c.current
		active.state = domain.DictationStateIdle
	}
	c.mu.Unlock()

	if active != nil {
		c.teardown(active)
	}
	c.shutdown()
	c.processing.Wait()
}

func (c *DictationController) process(active *dictationSession, payload []byte) {
	defer c.processing.Done()

	started := time.Now()
	ctx, span := c.tracer.Start(c.lifetime, "dictation.process",
		trace.WithAttributes(attribute.String("session.id", active.id), attribute.Int("audio.bytes", len(payload))))
	defer span.End()

	text, err := c.transcribe(ctx, active.id, payload)
	if err == nil {
		text, err = c.finalizer.Finalize(ctx, active.id, text)
	}
	if c.latency != nil {
		c.latency.Record(ctx, time.Since(started).Seconds())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.Errorw("dictation failed", append(logging.SessionFields(active.id, string(domain.DictationStateError)), "err", err)...)
		c.record(ctx, "error")
		c.finish(active, domain.DictationStateError, "", domain.UserMessage(err))
		return
	}

	logging.Infow("dictation completed", append(logging.SessionFields(active.id, string(domain.DictationStateDone)), "chars", len(text))...)
	c.record(ctx, "done")
	c.finish(active, domain.DictationStateDone, text, "")
}

// transcribe runs upload, submit and poll as one linear sequence.
func (c *DictationController) transcribe(ctx context.Context, sessionID string, payload []byte) (string, error) {
	encoded, err := c.encoder.Encode(sessionID, payload)
	if err != nil {
		return "", domain.NewVoiceError(domain.ErrorKindUpload, "could not prepare audio", err)
	}

	audioURL, err := c.service.Upload(ctx, bytes.NewReader(encoded))
	if err != nil {
		return "", domain.NewVoiceError(domain.ErrorKindUpload, "audio upload failed", err)
	}

	jobID, err := c.service.Submit(ctx, audioURL, c.cfg.LanguageCode)
	if err != nil {
		return "", domain.NewVoiceError(domain.ErrorKindSubmit, "transcription request failed", err)
	}
	logging.Debugw("transcription submitted", "session.id", sessionID, "job.id", jobID)

	return waitForTranscript(ctx, c.service, jobID, c.cfg.PollInterval, c.cfg.PollTimeout)
}

func (c *DictationController) teardown(active *dictationSession) {
	active.cancel()
	if active.audio != nil {
		_ = active.audio.Stop()
	}
	<-active.audioDone
}

func (c *DictationController) replace(session *dictationSession) {
	c.mu.Lock()
	c.current = session
	status := session.snapshot()
	c.mu.Unlock()
	c.events.DictationChanged(status)
}

func (c *DictationController) publish(session *dictationSession) {
	c.mu.Lock()
	if c.current != session {
		c.mu.Unlock()
		return
	}
	status := session.snapshot()
	c.mu.Unlock()
	c.events.DictationChanged(status)
}

// finish moves a session to its terminal state. A session already replaced by
// a newer recording is updated silently.
func (c *DictationController) finish(active *dictationSession, state domain.DictationState, transcript string, message string) {
	c.mu.Lock()
	active.state = state
	active.transcript = transcript
	active.errMessage = message
	current := c.current == active
	status := active.snapshot()
	c.mu.Unlock()

	if current {
		c.events.DictationChanged(status)
	}
}

func (c *DictationController) record(ctx context.Context, outcome string) {
	if c.sessions == nil {
		return
	}
	c.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
