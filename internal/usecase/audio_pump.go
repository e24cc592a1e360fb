package usecase

import (
	"errors"
	"io"
	"os"

	"astrovoice/internal/logging"
	"astrovoice/internal/ports"
)

// collectAudioChunks reads the capture session until it ends, appending every
// fragment to the session in read order.
func collectAudioChunks(audio ports.AudioSession, chunkSize int, session *dictationSession) {
	defer close(session.audioDone)

	if chunkSize < 256 {
		chunkSize = 4096
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := audio.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			session.chunks = append(session.chunks, chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				logging.Warnw("audio capture read failed", append(logging.SessionFields(session.id, "listening"), "err", err)...)
			}
			return
		}
	}
}

// mergeChunks concatenates fragments in order into one payload.
func mergeChunks(chunks [][]byte) []byte {
	size := 0
	for _, chunk := range chunks {
		size += len(chunk)
	}
	merged := make([]byte, 0, size)
	for _, chunk := range chunks {
		merged = append(merged, chunk...)
	}
	return merged
}
