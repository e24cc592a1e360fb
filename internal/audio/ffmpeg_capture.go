package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"astrovoice/internal/domain"
	"astrovoice/internal/logging"
	"astrovoice/internal/ports"
)

const (
	defaultProbeWindow = 250 * time.Millisecond
	defaultStopGrace   = 1200 * time.Millisecond
)

// FFMPEGCapture records raw s16le PCM from the microphone through an ffmpeg subprocess.
type FFMPEGCapture struct {
	command     string
	probeWindow time.Duration
	stopGrace   time.Duration
}

func NewFFMPEGCapture(command string) *FFMPEGCapture {
	if strings.TrimSpace(command) == "" {
		command = "ffmpeg"
	}
	return &FFMPEGCapture{
		command:     command,
		probeWindow: defaultProbeWindow,
		stopGrace:   defaultStopGrace,
	}
}

// Start opens the input device. Any failure to open it is reported as
// domain.ErrMicrophoneUnavailable so callers can surface a permission error.
func (c *FFMPEGCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cmd := exec.CommandContext(ctx, c.command, captureArgs(cfg)...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", domain.ErrMicrophoneUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMicrophoneUnavailable, err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
		close(exited)
	}()

	// ffmpeg exits almost immediately when the device is busy or access is denied.
	select {
	case err := <-exited:
		detail := strings.TrimSpace(stderr.String())
		if err == nil {
			err = errors.New("recorder exited before capture started")
		}
		logging.Warnw("microphone capture failed to start", "command", c.command, "err", err, "stderr", detail)
		return nil, fmt.Errorf("%w: %v: %s", domain.ErrMicrophoneUnavailable, err, detail)
	case <-time.After(c.probeWindow):
	}

	logging.Debugw("microphone capture started", "command", c.command, "device", cfg.InputDevice, "pid", cmd.Process.Pid)
	return &captureSession{
		stdout:    stdout,
		stderr:    stderr,
		process:   cmd.Process,
		exited:    exited,
		stopGrace: c.stopGrace,
	}, nil
}

func captureArgs(cfg ports.AudioConfig) []string {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}

type captureSession struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process   *os.Process
	exited    <-chan error
	stopGrace time.Duration

	stopOnce sync.Once
	stopErr  error
}

func (s *captureSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *captureSession) Close() error {
	return s.Stop()
}

// Stop interrupts the recorder, killing it after the grace period, and releases the device.
func (s *captureSession) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		var waitErr error
		select {
		case err, ok := <-s.exited:
			if ok {
				waitErr = err
			}
		case <-time.After(s.stopGrace):
			if s.process != nil {
				_ = s.process.Kill()
			}
			if err, ok := <-s.exited; ok {
				waitErr = err
			}
		}
		s.stopErr = ignoreExitStatus(waitErr)

		if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = err
		}
		if s.stopErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, strings.TrimSpace(s.stderr.String()))
		}
	})
	return s.stopErr
}

// ignoreExitStatus drops the non-zero exit produced by interrupting ffmpeg.
func ignoreExitStatus(err error) error {
	var exitErr *exec.ExitError
	if err == nil || errors.As(err, &exitErr) {
		return nil
	}
	return err
}
