package usecase

import (
	"strings"

	"astrovoice/internal/domain"
)

// joinFinalSegments concatenates the final segments of one result event into
// the lowercase string that trigger phrases are matched against. Interim
// segments are ignored.
func joinFinalSegments(segments []domain.RecognitionSegment) string {
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		if !segment.Final {
			continue
		}
		text := strings.TrimSpace(segment.Transcript)
		if text == "" {
			continue
		}
		parts = append(parts, text)
	}
	return strings.ToLower(strings.Join(parts, " "))
}
