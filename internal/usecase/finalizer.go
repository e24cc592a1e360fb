package usecase

import (
	"context"
	"time"

	"astrovoice/internal/domain"
	"astrovoice/internal/logging"
	"astrovoice/internal/ports"
)

type transcriptFinalizer struct {
	rules    ports.RulesEngine
	history  ports.TranscriptLog
	language string
	now      func() time.Time
}

func newTranscriptFinalizer(rules ports.RulesEngine, history ports.TranscriptLog, language string) transcriptFinalizer {
	return transcriptFinalizer{rules: rules, history: history, language: language, now: time.Now}
}

// Finalize applies substitution rules to a completed transcript and records it.
// History is best-effort: a failed append is logged and the transcript is still returned.
func (f transcriptFinalizer) Finalize(ctx context.Context, sessionID string, raw string) (string, error) {
	text := raw
	if f.rules != nil {
		transformed, err := f.rules.Apply(raw)
		if err != nil {
			return "", domain.NewVoiceError(domain.ErrorKindRules, "transcript rules failed", err)
		}
		text = transformed
	}

	if f.history != nil {
		record := domain.TranscriptRecord{
			SessionID: sessionID,
			Text:      text,
			Language:  f.language,
			CreatedAt: f.now().UTC(),
		}
		if err := f.history.AppendTranscript(ctx, record); err != nil {
			logging.Warnw("failed to record transcript", "session.id", sessionID, "err", err)
		}
	}
	return text, nil
}
