package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"astrovoice/internal/domain"
	"astrovoice/internal/logging"
	"astrovoice/internal/ports"
)

const defaultCloseGrace = 3 * time.Second

// Config controls Deepgram websocket settings.
type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	SmartFormat bool
	Audio       ports.AudioConfig
	ChunkSize   int
}

// Factory builds live recognizers that stream the microphone to Deepgram.
type Factory struct {
	cfg     Config
	capture ports.AudioCapture
	dialer  *websocket.Dialer
}

func NewFactory(cfg Config, capture ports.AudioCapture) *Factory {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.ChunkSize < 256 {
		cfg.ChunkSize = 4096
	}
	return &Factory{cfg: cfg, capture: capture, dialer: websocket.DefaultDialer}
}

// NewEngine reports ErrUnsupportedPlatform when no API key is configured.
func (f *Factory) NewEngine(rc ports.RecognitionConfig) (ports.RecognitionEngine, error) {
	if strings.TrimSpace(f.cfg.APIKey) == "" {
		return nil, domain.NewVoiceError(domain.ErrorKindUnsupported, "DEEPGRAM_API_KEY is not configured", nil)
	}
	return &Recognizer{
		cfg:        f.cfg,
		rc:         rc,
		capture:    f.capture,
		dialer:     f.dialer,
		closeGrace: defaultCloseGrace,
		events:     make(chan domain.RecognitionEvent, 64),
		closing:    make(chan struct{}),
	}, nil
}

// Recognizer is one continuous recognition engine. Each Start opens a
// microphone capture and a websocket; the stream ends with an end event when
// Deepgram closes the socket.
type Recognizer struct {
	cfg        Config
	rc         ports.RecognitionConfig
	capture    ports.AudioCapture
	dialer     *websocket.Dialer
	closeGrace time.Duration

	events  chan domain.RecognitionEvent
	closing chan struct{}
	streams sync.WaitGroup

	mu     sync.Mutex
	stream *liveStream
	closed bool
}

type liveStream struct {
	conn   *websocket.Conn
	audio  ports.AudioSession
	cancel context.CancelFunc

	stopOnce sync.Once
}

func (r *Recognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("recognizer is closed")
	}
	if r.stream != nil {
		return nil
	}

	wsURL, err := buildListenURL(r.cfg, r.rc)
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.cfg.APIKey)

	conn, resp, err := r.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			logging.Warnw("deepgram rejected credentials", "status", resp.StatusCode)
			r.streams.Add(1)
			go func() {
				defer r.streams.Done()
				r.push(domain.RecognitionEvent{
					Kind:      domain.RecognitionEventError,
					ErrorKind: domain.RecognitionErrorServiceNotAllowed,
					Message:   fmt.Sprintf("deepgram rejected credentials (status %d)", resp.StatusCode),
				})
				r.push(domain.RecognitionEvent{Kind: domain.RecognitionEventEnd})
			}()
			return nil
		}
		return fmt.Errorf("failed to connect to Deepgram websocket: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	audio, err := r.capture.Start(streamCtx, r.cfg.Audio)
	if err != nil {
		cancel()
		_ = conn.Close()
		return fmt.Errorf("start microphone capture: %w", err)
	}

	stream := &liveStream{conn: conn, audio: audio, cancel: cancel}
	r.stream = stream
	r.streams.Add(1)
	go r.run(stream)
	return nil
}

// Stop ends the microphone capture; Deepgram flushes pending results and
// closes the socket, which produces the end event.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	stream := r.stream
	r.mu.Unlock()
	if stream == nil {
		return nil
	}

	stream.stopOnce.Do(func() {
		if err := stream.audio.Stop(); err != nil {
			logging.Debugw("deepgram capture stop", "err", err)
		}
		time.AfterFunc(r.closeGrace, func() { _ = stream.conn.Close() })
	})
	return nil
}

func (r *Recognizer) Events() <-chan domain.RecognitionEvent {
	return r.events
}

func (r *Recognizer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	stream := r.stream
	r.mu.Unlock()

	close(r.closing)
	if stream != nil {
		stream.cancel()
		_ = stream.audio.Stop()
		_ = stream.conn.Close()
	}
	r.streams.Wait()
	close(r.events)
	return nil
}

func (r *Recognizer) run(stream *liveStream) {
	defer r.streams.Done()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		r.writeLoop(stream)
	}()

	readErr := r.readLoop(stream)
	stream.cancel()
	_ = stream.audio.Stop()
	_ = stream.conn.Close()
	<-writeDone

	r.mu.Lock()
	if r.stream == stream {
		r.stream = nil
	}
	r.mu.Unlock()

	if readErr != nil {
		logging.Debugw("deepgram stream ended", "err", readErr)
	}
	r.push(domain.RecognitionEvent{Kind: domain.RecognitionEventEnd})
}

func (r *Recognizer) writeLoop(stream *liveStream) {
	buf := make([]byte, r.cfg.ChunkSize)
	for {
		n, err := stream.audio.Read(buf)
		if n > 0 {
			if writeErr := stream.conn.WriteMessage(websocket.BinaryMessage, buf[:n]); writeErr != nil {
				logging.Debugw("deepgram audio write failed", "err", writeErr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				r.push(domain.RecognitionEvent{
					Kind:      domain.RecognitionEventError,
					ErrorKind: domain.RecognitionErrorAudioCapture,
					Message:   err.Error(),
				})
			}
			break
		}
	}

	if err := stream.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		logging.Debugw("deepgram close stream failed", "err", err)
	}
}

// readLoop forwards final transcripts until the socket closes.
func (r *Recognizer) readLoop(stream *liveStream) error {
	for {
		_, payload, err := stream.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		}

		var response deepgramResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			continue
		}

		if strings.EqualFold(response.Type, "Error") {
			message := strings.TrimSpace(response.Message)
			if message == "" {
				message = "deepgram returned an unknown error"
			}
			r.push(domain.RecognitionEvent{
				Kind:      domain.RecognitionEventError,
				ErrorKind: domain.RecognitionErrorNetwork,
				Message:   message,
			})
			return errors.New(message)
		}

		if !response.IsFinal && !response.SpeechFinal {
			continue
		}
		transcript := extractTranscript(response)
		if transcript == "" {
			continue
		}
		r.push(domain.RecognitionEvent{
			Kind:     domain.RecognitionEventResult,
			Segments: []domain.RecognitionSegment{{Transcript: transcript, Final: true}},
		})
	}
}

func (r *Recognizer) push(event domain.RecognitionEvent) {
	select {
	case r.events <- event:
	case <-r.closing:
	}
}

type deepgramResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`

	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func extractTranscript(response deepgramResponse) string {
	if len(response.Channel.Alternatives) > 0 {
		if text := strings.TrimSpace(response.Channel.Alternatives[0].Transcript); text != "" {
			return text
		}
	}
	if len(response.Results.Channels) > 0 && len(response.Results.Channels[0].Alternatives) > 0 {
		return strings.TrimSpace(response.Results.Channels[0].Alternatives[0].Transcript)
	}
	return ""
}

func buildListenURL(cfg Config, rc ports.RecognitionConfig) (string, error) {
	base := strings.TrimSpace(cfg.APIBaseURL)
	if base == "" {
		base = "https://api.deepgram.com/v1"
	}

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	sampleRate := cfg.Audio.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	channels := cfg.Audio.Channels
	if channels <= 0 {
		channels = 1
	}

	query := listenURL.Query()
	query.Set("model", cfg.Model)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	query.Set("channels", fmt.Sprintf("%d", channels))
	query.Set("interim_results", fmt.Sprintf("%t", rc.InterimResults))
	query.Set("smart_format", fmt.Sprintf("%t", cfg.SmartFormat))
	if rc.Language != "" {
		query.Set("language", rc.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
