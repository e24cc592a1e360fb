package usecase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"astrovoice/internal/domain"
	"astrovoice/internal/ports"
)

func TestDictationControllerEndToEnd(t *testing.T) {
	t.Parallel()

	audioSession := &fakeAudioSession{chunks: [][]byte{[]byte("pcm")}}
	service := &fakeTranscriptionService{
		audioURL: "abc",
		jobID:    "job1",
		polls: []pollResult{
			{job: domain.TranscriptJob{ID: "job1", Status: domain.TranscriptJobProcessing}},
			{job: domain.TranscriptJob{ID: "job1", Status: domain.TranscriptJobCompleted, Text: "marte"}},
		},
	}
	history := &fakeHistory{}
	events := &fakeDictationEvents{}
	controller := newTestController(&fakeAudioCapture{starts: []fakeStart{{session: audioSession}}}, service, &fakeRules{}, history, events)

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if status := controller.Status(); status.State != domain.DictationStateListening || !status.IsRecording {
		t.Fatalf("unexpected status after start: %+v", status)
	}

	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	controller.Wait()

	status := controller.Status()
	if status.State != domain.DictationStateDone || status.Transcript != "marte" || status.Error != "" {
		t.Fatalf("unexpected final status: %+v", status)
	}
	if status.IsRecording {
		t.Fatalf("expected isRecording=false after stop")
	}
	if audioSession.stopCount() == 0 {
		t.Fatalf("expected microphone to be released")
	}
	if service.submittedURL != "abc" || service.submittedLanguage != "es" {
		t.Fatalf("unexpected submit: url=%q lang=%q", service.submittedURL, service.submittedLanguage)
	}
	if got := service.pollCount(); got != 2 {
		t.Fatalf("expected 2 polls, got %d", got)
	}
	if len(history.records) != 1 || history.records[0].Text != "marte" || history.records[0].SessionID != status.SessionID {
		t.Fatalf("unexpected history: %+v", history.records)
	}

	states := events.snapshotStates()
	want := []domain.DictationState{
		domain.DictationStateListening,
		domain.DictationStateProcessing,
		domain.DictationStateDone,
	}
	if len(states) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transition %d: got %s want %s", i, states[i], want[i])
		}
	}
}

func TestDictationControllerMergesChunksInOrder(t *testing.T) {
	t.Parallel()

	audioSession := &fakeAudioSession{chunks: [][]byte{[]byte("ab"), []byte("c"), {}, []byte("def")}}
	service := completedService("ok")
	controller := newTestController(&fakeAudioCapture{starts: []fakeStart{{session: audioSession}}}, service, &fakeRules{}, nil, &fakeDictationEvents{})

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	controller.Wait()

	if !bytes.Equal(service.uploaded, []byte("abcdef")) {
		t.Fatalf("unexpected uploaded payload: %q", service.uploaded)
	}
}

func TestDictationControllerStopWhenNotListeningIsNoop(t *testing.T) {
	t.Parallel()

	audioSession := &fakeAudioSession{chunks: [][]byte{[]byte("abc")}}
	events := &fakeDictationEvents{}
	controller := newTestController(&fakeAudioCapture{starts: []fakeStart{{session: audioSession}}}, completedService("hola"), &fakeRules{}, nil, events)

	if err := controller.Stop(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if status := controller.Status(); status.State != domain.DictationStateIdle {
		t.Fatalf("expected idle, got %+v", status)
	}

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	controller.Wait()

	before := controller.Status()
	transitions := len(events.snapshotStates())
	if err := controller.Stop(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession after done, got %v", err)
	}
	if after := controller.Status(); after != before {
		t.Fatalf("status changed: before=%+v after=%+v", before, after)
	}
	if len(events.snapshotStates()) != transitions {
		t.Fatalf("expected no transitions from a no-op stop")
	}
}

func TestDictationControllerPermissionDeniedThenRetry(t *testing.T) {
	t.Parallel()

	audioSession := &fakeAudioSession{chunks: [][]byte{[]byte("abc")}}
	capture := &fakeAudioCapture{starts: []fakeStart{
		{err: domain.ErrMicrophoneUnavailable},
		{session: audioSession},
	}}
	controller := newTestController(capture, completedService("x"), &fakeRules{}, nil, &fakeDictationEvents{})

	err := controller.Start(context.Background())
	if !errors.Is(err, domain.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	status := controller.Status()
	if status.State != domain.DictationStateError || status.Error != "microphone unavailable" {
		t.Fatalf("unexpected status after denial: %+v", status)
	}

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	status = controller.Status()
	if status.State != domain.DictationStateListening || status.Error != "" || status.Transcript != "" {
		t.Fatalf("unexpected status after retry: %+v", status)
	}
}

func TestDictationControllerTranscriptionServiceError(t *testing.T) {
	t.Parallel()

	service := &fakeTranscriptionService{
		audioURL: "abc",
		jobID:    "job1",
		polls: []pollResult{
			{job: domain.TranscriptJob{Status: domain.TranscriptJobQueued}},
			{job: domain.TranscriptJob{Status: domain.TranscriptJobError, Error: "audio too short"}},
			{job: domain.TranscriptJob{Status: domain.TranscriptJobCompleted, Text: "never"}},
		},
	}
	audioSession := &fakeAudioSession{chunks: [][]byte{[]byte("abc")}}
	controller := newTestController(&fakeAudioCapture{starts: []fakeStart{{session: audioSession}}}, service, &fakeRules{}, nil, &fakeDictationEvents{})

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	controller.Wait()

	status := controller.Status()
	if status.State != domain.DictationStateError || status.Error != "audio too short" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.Transcript != "" {
		t.Fatalf("expected empty transcript, got %q", status.Transcript)
	}
	if got := service.pollCount(); got != 2 {
		t.Fatalf("expected polling to stop at terminal status, got %d polls", got)
	}
}

func TestDictationControllerUploadFailure(t *testing.T) {
	t.Parallel()

	service := &fakeTranscriptionService{uploadErr: errors.New("401 unauthorized")}
	audioSession := &fakeAudioSession{chunks: [][]byte{[]byte("abc")}}
	controller := newTestController(&fakeAudioCapture{starts: []fakeStart{{session: audioSession}}}, service, &fakeRules{}, nil, &fakeDictationEvents{})

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	controller.Wait()

	status := controller.Status()
	if status.State != domain.DictationStateError || status.Error != "audio upload failed" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if service.submitCalls != 0 {
		t.Fatalf("expected no submit after upload failure")
	}
	if audioSession.stopCount() == 0 {
		t.Fatalf("expected microphone released even though upload failed")
	}
	if _, err := controller.transcribe(context.Background(), "s1", []byte("abc")); !errors.Is(err, domain.ErrUpload) {
		t.Fatalf("expected upload error kind, got %v", err)
	}
}

func TestDictationControllerSubmitFailure(t *testing.T) {
	t.Parallel()

	service := &fakeTranscriptionService{audioURL: "abc", submitErr: errors.New("bad request")}
	audioSession := &fakeAudioSession{chunks: [][]byte{[]byte("abc")}}
	controller := newTestController(&fakeAudioCapture{starts: []fakeStart{{session: audioSession}}}, service, &fakeRules{}, nil, &fakeDictationEvents{})

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	controller.Wait()

	status := controller.Status()
	if status.State != domain.DictationStateError || status.Error != "transcription request failed" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if service.pollCount() != 0 {
		t.Fatalf("expected no polling after submit failure")
	}
	if _, err := controller.transcribe(context.Background(), "s1", []byte("abc")); !errors.Is(err, domain.ErrSubmit) {
		t.Fatalf("expected submit error kind, got %v", err)
	}
}

func TestDictationControllerRulesFailure(t *testing.T) {
	t.Parallel()

	audioSession := &fakeAudioSession{chunks: [][]byte{[]byte("abc")}}
	controller := newTestController(
		&fakeAudioCapture{starts: []fakeStart{{session: audioSession}}},
		completedService("marte"),
		&fakeRules{err: errors.New("bad rules")},
		nil,
		&fakeDictationEvents{},
	)

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	controller.Wait()

	status := controller.Status()
	if status.State != domain.DictationStateError || status.Error != "transcript rules failed" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestDictationControllerAppliesRules(t *testing.T) {
	t.Parallel()

	audioSession := &fakeAudioSession{chunks: [][]byte{[]byte("abc")}}
	controller := newTestController(
		&fakeAudioCapture{starts: []fakeStart{{session: audioSession}}},
		completedService("marte"),
		&fakeRules{transform: "Marte"},
		nil,
		&fakeDictationEvents{},
	)

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	controller.Wait()

	if status := controller.Status(); status.Transcript != "Marte" {
		t.Fatalf("expected transformed transcript, got %+v", status)
	}
}

func TestDictationControllerRestartTearsDownPreviousCapture(t *testing.T) {
	t.Parallel()

	firstAudio := &fakeAudioSession{chunks: [][]byte{[]byte("a")}}
	secondAudio := &fakeAudioSession{chunks: [][]byte{[]byte("b")}}
	service := completedService("b")
	controller := newTestController(
		&fakeAudioCapture{starts: []fakeStart{{session: firstAudio}, {session: secondAudio}}},
		service,
		&fakeRules{},
		nil,
		&fakeDictationEvents{},
	)

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	first := controller.Status().SessionID
	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("second start failed: %v", err)
	}

	if firstAudio.stopCount() == 0 {
		t.Fatalf("expected first capture to be stopped on restart")
	}
	status := controller.Status()
	if status.SessionID == first || status.State != domain.DictationStateListening {
		t.Fatalf("expected a fresh listening session, got %+v", status)
	}

	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	controller.Wait()
	if !bytes.Equal(service.uploaded, []byte("b")) {
		t.Fatalf("expected only the second recording to be uploaded, got %q", service.uploaded)
	}
}

func TestDictationControllerConcurrentStartsReleaseEveryCapture(t *testing.T) {
	t.Parallel()

	capture := &slowAudioCapture{delay: 50 * time.Millisecond}
	controller := newTestController(capture, completedService("marte"), &fakeRules{}, nil, &fakeDictationEvents{})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := controller.Start(context.Background()); err != nil {
				t.Errorf("start failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	controller.Wait()

	sessions := capture.opened()
	if len(sessions) != 2 {
		t.Fatalf("expected 2 captures opened, got %d", len(sessions))
	}
	for i, session := range sessions {
		if session.stopCount() == 0 {
			t.Fatalf("capture %d still open after stop", i)
		}
	}
}

func TestDictationControllerStartAfterCloseReleasesCapture(t *testing.T) {
	t.Parallel()

	audioSession := &fakeAudioSession{chunks: [][]byte{[]byte("abc")}}
	controller := newTestController(&fakeAudioCapture{starts: []fakeStart{{session: audioSession}}}, completedService("marte"), &fakeRules{}, nil, &fakeDictationEvents{})
	controller.Close()

	if err := controller.Start(context.Background()); err == nil {
		t.Fatalf("expected start on a closed controller to fail")
	}
	if audioSession.stopCount() == 0 {
		t.Fatalf("expected capture released after close")
	}
}

func TestDictationControllerStaleResultDoesNotOverwriteNewSession(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	service := completedService("old")
	service.uploadGate = gate

	controller := newTestController(
		&fakeAudioCapture{starts: []fakeStart{
			{session: &fakeAudioSession{chunks: [][]byte{[]byte("a")}}},
			{session: &fakeAudioSession{chunks: [][]byte{[]byte("b")}}},
		}},
		service,
		&fakeRules{},
		nil,
		&fakeDictationEvents{},
	)

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	second := controller.Status().SessionID

	close(gate)
	controller.Wait()

	status := controller.Status()
	if status.SessionID != second || status.State != domain.DictationStateListening || status.Transcript != "" {
		t.Fatalf("expected the new session to be untouched, got %+v", status)
	}
}

func TestDictationControllerCloseCancelsPolling(t *testing.T) {
	t.Parallel()

	service := &fakeTranscriptionService{
		audioURL: "abc",
		jobID:    "job1",
		polls:    []pollResult{{job: domain.TranscriptJob{Status: domain.TranscriptJobProcessing}}},
	}
	audioSession := &fakeAudioSession{chunks: [][]byte{[]byte("abc")}}
	controller := newTestController(&fakeAudioCapture{starts: []fakeStart{{session: audioSession}}}, service, &fakeRules{}, nil, &fakeDictationEvents{})

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for service.pollCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		controller.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not stop polling")
	}

	if status := controller.Status(); status.State != domain.DictationStateError {
		t.Fatalf("expected cancelled session to end in error, got %+v", status)
	}
}

func newTestController(
	capture ports.AudioCapture,
	service ports.TranscriptionService,
	rules ports.RulesEngine,
	history ports.TranscriptLog,
	events ports.DictationEvents,
) *DictationController {
	return NewDictationController(capture, fakeEncoder{}, service, rules, history, events, DictationConfig{
		ChunkSize:    512,
		LanguageCode: "es",
		PollInterval: time.Millisecond,
	})
}

func completedService(text string) *fakeTranscriptionService {
	return &fakeTranscriptionService{
		audioURL: "abc",
		jobID:    "job1",
		polls:    []pollResult{{job: domain.TranscriptJob{Status: domain.TranscriptJobCompleted, Text: text}}},
	}
}

type fakeStart struct {
	session ports.AudioSession
	err     error
}

type fakeAudioCapture struct {
	mu     sync.Mutex
	starts []fakeStart
	calls  int
}

func (f *fakeAudioCapture) Start(_ context.Context, _ ports.AudioConfig) (ports.AudioSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.starts) {
		return nil, errors.New("no audio session configured")
	}
	start := f.starts[f.calls]
	f.calls++
	return start.session, start.err
}

// slowAudioCapture opens a fresh session after a delay on every call.
type slowAudioCapture struct {
	delay time.Duration

	mu       sync.Mutex
	sessions []*fakeAudioSession
}

func (f *slowAudioCapture) Start(ctx context.Context, _ ports.AudioConfig) (ports.AudioSession, error) {
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	session := &fakeAudioSession{chunks: [][]byte{[]byte("pcm")}}
	f.mu.Lock()
	f.sessions = append(f.sessions, session)
	f.mu.Unlock()
	return session, nil
}

func (f *slowAudioCapture) opened() []*fakeAudioSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeAudioSession(nil), f.sessions...)
}

type fakeAudioSession struct {
	mu        sync.Mutex
	chunks    [][]byte
	index     int
	stopCalls int
	stopErr   error
}

func (f *fakeAudioSession) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index >= len(f.chunks) {
		return 0, io.EOF
	}
	n := copy(p, f.chunks[f.index])
	f.index++
	return n, nil
}

func (f *fakeAudioSession) Close() error { return nil }

func (f *fakeAudioSession) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return f.stopErr
}

func (f *fakeAudioSession) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

type fakeEncoder struct{}

func (fakeEncoder) Encode(_ string, pcm []byte) ([]byte, error) { return pcm, nil }

type pollResult struct {
	job domain.TranscriptJob
	err error
}

type fakeTranscriptionService struct {
	audioURL   string
	uploadErr  error
	uploadGate chan struct{}
	uploaded   []byte

	jobID             string
	submitErr         error
	submitCalls       int
	submittedURL      string
	submittedLanguage string

	mu          sync.Mutex
	polls       []pollResult
	pollCalls   int
	inFlight    int32
	maxInFlight int32
}

func (f *fakeTranscriptionService) Upload(ctx context.Context, audio io.Reader) (string, error) {
	if f.uploadGate != nil {
		select {
		case <-f.uploadGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	data, err := io.ReadAll(audio)
	if err != nil {
		return "", err
	}
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploaded = data
	return f.audioURL, nil
}

func (f *fakeTranscriptionService) Submit(_ context.Context, audioURL string, languageCode string) (string, error) {
	f.submitCalls++
	f.submittedURL = audioURL
	f.submittedLanguage = languageCode
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.jobID, nil
}

func (f *fakeTranscriptionService) Poll(_ context.Context, _ string) (domain.TranscriptJob, error) {
	current := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxInFlight)
		if current <= seen || atomic.CompareAndSwapInt32(&f.maxInFlight, seen, current) {
			break
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	index := f.pollCalls
	f.pollCalls++
	if len(f.polls) == 0 {
		return domain.TranscriptJob{Status: domain.TranscriptJobProcessing}, nil
	}
	if index >= len(f.polls) {
		index = len(f.polls) - 1
	}
	result := f.polls[index]
	return result.job, result.err
}

func (f *fakeTranscriptionService) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCalls
}

type fakeRules struct {
	transform string
	err       error
}

func (f *fakeRules) Apply(text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.transform != "" {
		return f.transform, nil
	}
	return text, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	records []domain.TranscriptRecord
	err     error
}

func (f *fakeHistory) AppendTranscript(_ context.Context, record domain.TranscriptRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, record)
	return nil
}

type fakeDictationEvents struct {
	mu       sync.Mutex
	statuses []domain.DictationStatus
}

func (f *fakeDictationEvents) DictationChanged(status domain.DictationStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
}

func (f *fakeDictationEvents) snapshotStates() []domain.DictationState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.DictationState, 0, len(f.statuses))
	for _, status := range f.statuses {
		out = append(out, status.State)
	}
	return out
}
