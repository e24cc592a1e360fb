package usecase

import (
	"astrovoice/internal/domain"
	"astrovoice/internal/ports"
)

// dictationSession is one push-to-talk recording. Its fields are guarded by
// the owning controller's mutex, except chunks, which belong to the capture
// goroutine until audioDone is closed.
type dictationSession struct {
	id     string
	cancel func()
	audio  ports.AudioSession

	state      domain.DictationState
	transcript string
	errMessage string

	chunks    [][]byte
	audioDone chan struct{}
}

func newDictationSession(id string) *dictationSession {
	return &dictationSession{
		id:        id,
		cancel:    func() {},
		state:     domain.DictationStateIdle,
		audioDone: make(chan struct{}),
	}
}

func (s *dictationSession) snapshot() domain.DictationStatus {
	return domain.DictationStatus{
		SessionID:   s.id,
		State:       s.state,
		IsRecording: s.state == domain.DictationStateListening,
		Transcript:  s.transcript,
		Error:       s.errMessage,
	}
}
