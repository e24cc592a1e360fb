package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"astrovoice/internal/domain"
	"astrovoice/internal/logging"
	"astrovoice/internal/ports"
)

// waitForTranscript polls the job every interval until it reaches a terminal
// status. Polls are strictly sequential; a failed poll request is logged and
// the loop continues with the next tick. A zero timeout polls without a deadline.
func waitForTranscript(
	ctx context.Context,
	service ports.TranscriptionService,
	jobID string,
	interval time.Duration,
	timeout time.Duration,
) (string, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			if timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", domain.NewVoiceError(domain.ErrorKindPollTimeout, "transcription timed out", ctx.Err())
			}
			return "", fmt.Errorf("poll transcript %s: %w", jobID, ctx.Err())
		case <-timer.C:
		}

		job, err := service.Poll(ctx, jobID)
		if err != nil {
			logging.Warnw("transcript poll failed", "job.id", jobID, "attempt", attempt, "err", err)
			timer.Reset(interval)
			continue
		}

		if !job.Status.Terminal() {
			logging.Debugw("transcript not ready", "job.id", jobID, "attempt", attempt, "status", job.Status)
			timer.Reset(interval)
			continue
		}

		if job.Status == domain.TranscriptJobError {
			detail := strings.TrimSpace(job.Error)
			if detail == "" {
				detail = "transcription failed"
			}
			return "", domain.NewVoiceError(domain.ErrorKindTranscription, detail, nil)
		}
		return job.Text, nil
	}
}
