package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"

	"astrovoice/internal/logging"
)

const (
	bitDepth      = 16
	wavFormatPCM  = 1
	spoolFileMode = 0o644
)

// Spooler wraps merged s16le PCM into a WAV container for upload.
// Recordings are written through an afero filesystem: in memory by default,
// or kept on disk when a save directory is configured.
type Spooler struct {
	fs         afero.Fs
	dir        string
	keep       bool
	sampleRate int
	channels   int
}

// NewSpooler returns an in-memory spooler, or a disk-backed one keeping every
// recording when saveDir is set.
func NewSpooler(saveDir string, sampleRate int, channels int) *Spooler {
	if saveDir != "" {
		return newSpooler(afero.NewOsFs(), saveDir, true, sampleRate, channels)
	}
	return newSpooler(afero.NewMemMapFs(), "/spool", false, sampleRate, channels)
}

func newSpooler(fs afero.Fs, dir string, keep bool, sampleRate int, channels int) *Spooler {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	return &Spooler{fs: fs, dir: dir, keep: keep, sampleRate: sampleRate, channels: channels}
}

// Encode returns the WAV payload for one dictation session.
func (s *Spooler) Encode(sessionID string, pcm []byte) ([]byte, error) {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	name := filepath.Join(s.dir, "dictation-"+sessionID+".wav")

	file, err := s.fs.OpenFile(name, os.O_CREATE|os.O_RDWR|os.O_TRUNC, spoolFileMode)
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}

	samples, dropped := pcmToSamples(pcm)
	if dropped > 0 {
		logging.Warnw("dropping partial trailing sample", "session.id", sessionID, "bytes", len(pcm), "dropped", dropped)
	}

	encoder := wav.NewEncoder(file, s.sampleRate, bitDepth, s.channels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: s.channels, SampleRate: s.sampleRate},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
	if err := encoder.Write(buf); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	if err := encoder.Close(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("finalize wav: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("close spool file: %w", err)
	}

	payload, err := afero.ReadFile(s.fs, name)
	if err != nil {
		return nil, fmt.Errorf("read spool file: %w", err)
	}

	if s.keep {
		logging.Debugw("recording saved", "path", name, "bytes", len(payload))
	} else if err := s.fs.Remove(name); err != nil {
		logging.Warnw("failed to remove spooled recording", "path", name, "err", err)
	}
	return payload, nil
}

// pcmToSamples decodes little-endian 16-bit samples. The merged capture is
// byte-exact; only WAV framing cannot carry a partial sample, so a trailing
// odd byte is reported as dropped.
func pcmToSamples(pcm []byte) ([]int, int) {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return samples, len(pcm) % 2
}
