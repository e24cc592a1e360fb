package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies voice pipeline failures.
type ErrorKind string

const (
	ErrorKindPermission    ErrorKind = "permission"
	ErrorKindUpload        ErrorKind = "upload"
	ErrorKindSubmit        ErrorKind = "submit"
	ErrorKindTranscription ErrorKind = "transcription"
	ErrorKindPollTimeout   ErrorKind = "poll_timeout"
	ErrorKindUnsupported   ErrorKind = "unsupported"
	ErrorKindRules         ErrorKind = "rules"
)

// Sentinels for errors.Is matching against a VoiceError kind.
var (
	ErrPermission          = &VoiceError{Kind: ErrorKindPermission}
	ErrUpload              = &VoiceError{Kind: ErrorKindUpload}
	ErrSubmit              = &VoiceError{Kind: ErrorKindSubmit}
	ErrTranscription       = &VoiceError{Kind: ErrorKindTranscription}
	ErrPollTimeout         = &VoiceError{Kind: ErrorKindPollTimeout}
	ErrUnsupportedPlatform = &VoiceError{Kind: ErrorKindUnsupported}
	ErrRules               = &VoiceError{Kind: ErrorKindRules}
)

// ErrMicrophoneUnavailable is returned by capture adapters when the input device cannot be opened.
var ErrMicrophoneUnavailable = errors.New("microphone unavailable")

// VoiceError is a kind-aware failure of one voice operation.
type VoiceError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewVoiceError builds a VoiceError wrapping err.
func NewVoiceError(kind ErrorKind, message string, err error) *VoiceError {
	return &VoiceError{Kind: kind, Message: message, Err: err}
}

func (e *VoiceError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return e.Message
	case e.Message == "":
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
}

func (e *VoiceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any VoiceError of the same kind.
func (e *VoiceError) Is(target error) bool {
	other, ok := target.(*VoiceError)
	if !ok || e == nil || other == nil {
		return false
	}
	return e.Kind == other.Kind
}

// UserMessage returns the text shown to the user for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var voiceErr *VoiceError
	if errors.As(err, &voiceErr) && voiceErr.Message != "" {
		return voiceErr.Message
	}
	return err.Error()
}
