package domain

import "time"

// DictationState models the push-to-talk dictation lifecycle.
type DictationState string

const (
	DictationStateIdle       DictationState = "idle"
	DictationStateListening  DictationState = "listening"
	DictationStateProcessing DictationState = "processing"
	DictationStateDone       DictationState = "done"
	DictationStateError      DictationState = "error"
)

// DictationStatus is the caller-facing snapshot of the current dictation session.
type DictationStatus struct {
	SessionID   string         `json:"sessionId,omitempty"`
	State       DictationState `json:"state"`
	IsRecording bool           `json:"isRecording"`
	Transcript  string         `json:"transcript"`
	Error       string         `json:"error,omitempty"`
}

// ListenerState models the continuous command listener.
type ListenerState string

const (
	ListenerStateInactive ListenerState = "inactive"
	ListenerStateActive   ListenerState = "active"
)

// ListenerStateReason explains a listener transition.
type ListenerStateReason string

const (
	ListenerReasonStarted          ListenerStateReason = "started"
	ListenerReasonStopped          ListenerStateReason = "stopped"
	ListenerReasonRestarted        ListenerStateReason = "restarted"
	ListenerReasonPermissionDenied ListenerStateReason = "permission_denied"
	ListenerReasonRestartFailed    ListenerStateReason = "restart_failed"
	ListenerReasonUnsupported      ListenerStateReason = "unsupported"
)

// RecognitionEventKind identifies recognition engine lifecycle events.
type RecognitionEventKind string

const (
	RecognitionEventResult RecognitionEventKind = "result"
	RecognitionEventError  RecognitionEventKind = "error"
	RecognitionEventEnd    RecognitionEventKind = "end"
)

// RecognitionErrorKind mirrors the error kinds reported by speech engines.
type RecognitionErrorKind string

const (
	RecognitionErrorNotAllowed        RecognitionErrorKind = "not-allowed"
	RecognitionErrorServiceNotAllowed RecognitionErrorKind = "service-not-allowed"
	RecognitionErrorNoSpeech          RecognitionErrorKind = "no-speech"
	RecognitionErrorAudioCapture      RecognitionErrorKind = "audio-capture"
	RecognitionErrorNetwork           RecognitionErrorKind = "network"
	RecognitionErrorAborted           RecognitionErrorKind = "aborted"
)

// PermissionDenied reports whether the engine lost access for good.
func (k RecognitionErrorKind) PermissionDenied() bool {
	return k == RecognitionErrorNotAllowed || k == RecognitionErrorServiceNotAllowed
}

// RecognitionSegment is one recognized alternative for a speech segment.
type RecognitionSegment struct {
	Transcript string `json:"transcript"`
	Final      bool   `json:"isFinal"`
}

// RecognitionEvent is delivered by a recognition engine in stream order.
type RecognitionEvent struct {
	Kind      RecognitionEventKind `json:"kind"`
	Segments  []RecognitionSegment `json:"segments,omitempty"`
	ErrorKind RecognitionErrorKind `json:"error,omitempty"`
	Message   string               `json:"message,omitempty"`
}

// TranscriptJobStatus is the remote transcription job status.
type TranscriptJobStatus string

const (
	TranscriptJobQueued     TranscriptJobStatus = "queued"
	TranscriptJobProcessing TranscriptJobStatus = "processing"
	TranscriptJobCompleted  TranscriptJobStatus = "completed"
	TranscriptJobError      TranscriptJobStatus = "error"
)

// Terminal reports whether polling must stop.
func (s TranscriptJobStatus) Terminal() bool {
	return s == TranscriptJobCompleted || s == TranscriptJobError
}

// TranscriptJob is one poll response from the transcription service.
type TranscriptJob struct {
	ID     string              `json:"id"`
	Status TranscriptJobStatus `json:"status"`
	Text   string              `json:"text"`
	Error  string              `json:"error"`
}

// ReadLaterItem is a news card bookmarked for later reading.
type ReadLaterItem struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ImageURL    string `json:"imageUrl"`
	NASALink    string `json:"nasaLink"`
}

// TranscriptRecord is a completed dictation kept in history.
type TranscriptRecord struct {
	SessionID string    `json:"sessionId"`
	Text      string    `json:"text"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"createdAt"`
}

// ErrorCode identifies errors surfaced to the UI.
type ErrorCode string

const (
	ErrorCodeStartup     ErrorCode = "startup"
	ErrorCodeDictation   ErrorCode = "dictation"
	ErrorCodeRecognition ErrorCode = "recognition"
	ErrorCodeReadLater   ErrorCode = "read_later"
	ErrorCodeCommand     ErrorCode = "command"
)
