package ports

import (
	"context"
	"io"

	"astrovoice/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session holding the microphone.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// AudioEncoder turns merged PCM into the payload uploaded for transcription.
type AudioEncoder interface {
	Encode(sessionID string, pcm []byte) ([]byte, error)
}

// TranscriptionService is the remote upload/submit/poll transcription API.
type TranscriptionService interface {
	Upload(ctx context.Context, audio io.Reader) (string, error)
	Submit(ctx context.Context, audioURL string, languageCode string) (string, error)
	Poll(ctx context.Context, jobID string) (domain.TranscriptJob, error)
}

// RecognitionConfig configures a continuous speech recognition stream.
type RecognitionConfig struct {
	Language       string
	Continuous     bool
	InterimResults bool
}

// RecognitionEngine is one continuous recognition stream owned by a single listener.
// Events stays open across Start/Stop cycles and is closed by Close.
type RecognitionEngine interface {
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan domain.RecognitionEvent
	Close() error
}

// RecognitionEngineFactory builds engines. It returns domain.ErrUnsupportedPlatform
// when no speech recognition capability exists.
type RecognitionEngineFactory interface {
	NewEngine(cfg RecognitionConfig) (RecognitionEngine, error)
}

// RulesEngine transforms transcripts using deterministic rules.
type RulesEngine interface {
	Apply(text string) (string, error)
}

// TranscriptLog keeps completed dictations.
type TranscriptLog interface {
	AppendTranscript(ctx context.Context, record domain.TranscriptRecord) error
}

// DictationEvents receives dictation status changes.
type DictationEvents interface {
	DictationChanged(status domain.DictationStatus)
}

// ListenerEvents receives command listener notifications.
type ListenerEvents interface {
	ListenerStateChanged(state domain.ListenerState, reason domain.ListenerStateReason)
	CommandTriggered(phrase string, transcript string)
	RecognitionError(kind domain.RecognitionErrorKind, detail string)
}

// EventBridge is the two-way event channel to the webview frontend.
type EventBridge interface {
	Emit(name string, data ...interface{})
	On(name string, callback func(data ...interface{})) func()
}
