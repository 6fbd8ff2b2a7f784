package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/CamScoglio/voicepal/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeMic struct {
	mu       sync.Mutex
	acquires int
	releases int
	err      error
}

func (m *fakeMic) Acquire(context.Context) (Input, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquires++
	if m.err != nil {
		return Input{}, m.err
	}
	return Input{Device: "Built-in Microphone"}, nil
}

func (m *fakeMic) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	return nil
}

type fakeRecognizer struct {
	mu       sync.Mutex
	handlers []RecognitionHandler
	streams  []*fakeStream
	starts   int
	stops    int
	startErr error
	// failAfter makes every start after the first n fail.
	failAfter int
	// block, when set, holds every start after the first until it is
	// closed. blockCtx makes the held start give up with its context.
	block    chan struct{}
	blockCtx bool
	// endOnStart makes the n-th stream end before Start returns.
	endOnStart int
}

func (r *fakeRecognizer) Start(ctx context.Context, _ Input, h RecognitionHandler) (RecognitionStream, error) {
	r.mu.Lock()
	r.starts++
	n, block, blockCtx := r.starts, r.block, r.blockCtx
	r.mu.Unlock()

	if block != nil && n > 1 {
		if blockCtx {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-block
		}
	}

	r.mu.Lock()
	if r.startErr != nil {
		r.mu.Unlock()
		return nil, r.startErr
	}
	if r.failAfter > 0 && n > r.failAfter {
		r.mu.Unlock()
		return nil, errors.New("service unavailable")
	}
	st := &fakeStream{r: r}
	r.handlers = append(r.handlers, h)
	r.streams = append(r.streams, st)
	endNow := n == r.endOnStart
	r.mu.Unlock()

	if endNow {
		h.OnEnd()
	}
	return st, nil
}

func (r *fakeRecognizer) current() RecognitionHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[len(r.handlers)-1]
}

func (r *fakeRecognizer) stream(i int) *fakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[i]
}

func (r *fakeRecognizer) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func (r *fakeRecognizer) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

type fakeStream struct {
	r *fakeRecognizer
	// gate, when set, holds Stop until it is closed.
	gate    chan struct{}
	stopped bool
}

func (s *fakeStream) Stop() error {
	s.r.mu.Lock()
	gate := s.gate
	s.r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		s.r.stops++
	}
	return nil
}

func (s *fakeStream) isStopped() bool {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	return s.stopped
}

type fakeAudio struct {
	mu       sync.Mutex
	onChunk  func([]byte)
	streams  []*fakeAudioStream
	tail     []byte
	startErr error
	finalErr error
	finals   int
	// duringFinalize runs inside Finalize before the tail is returned.
	duringFinalize func()
}

func (a *fakeAudio) Start(_ context.Context, _ Input, onChunk func([]byte)) (AudioStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return nil, a.startErr
	}
	a.onChunk = onChunk
	st := &fakeAudioStream{a: a}
	a.streams = append(a.streams, st)
	return st, nil
}

func (a *fakeAudio) finalCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finals
}

func (a *fakeAudio) stream(i int) *fakeAudioStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streams[i]
}

type fakeAudioStream struct {
	a         *fakeAudio
	finalized bool
}

func (s *fakeAudioStream) Finalize(context.Context) ([]byte, error) {
	s.a.mu.Lock()
	hook := s.a.duringFinalize
	s.a.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.a.mu.Lock()
	defer s.a.mu.Unlock()
	s.finalized = true
	s.a.finals++
	return s.a.tail, s.a.finalErr
}

func (s *fakeAudioStream) isFinalized() bool {
	s.a.mu.Lock()
	defer s.a.mu.Unlock()
	return s.finalized
}

type fakeLibrary struct {
	saved [][][]byte
	err   error
}

func (l *fakeLibrary) Save(_ context.Context, chunks [][]byte) (string, int64, error) {
	if l.err != nil {
		return "", 0, l.err
	}
	l.saved = append(l.saved, chunks)
	var n int64
	for _, c := range chunks {
		n += int64(len(c))
	}
	return fmt.Sprintf("/audio/%d.wav", len(l.saved)), n, nil
}

type harness struct {
	ctrl  *Controller
	mic   *fakeMic
	rec   *fakeRecognizer
	audio *fakeAudio
	lib   *fakeLibrary
	store *history.Store

	mu      sync.Mutex
	updates []Update
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		mic:   &fakeMic{},
		rec:   &fakeRecognizer{},
		audio: &fakeAudio{},
		lib:   &fakeLibrary{},
		store: history.NewStore(nil),
	}
	cfg := Config{
		Mic:        NewMicCache(h.mic),
		Recognizer: h.rec,
		Audio:      h.audio,
		Library:    h.lib,
		Sink:       h.store,
		Logger:     zaptest.NewLogger(t).Sugar(),
		Notify: func(u Update) {
			h.mu.Lock()
			h.updates = append(h.updates, u)
			h.mu.Unlock()
		},
		Now: func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	ctrl, err := New(cfg)
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func (h *harness) lastWarning() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.updates) - 1; i >= 0; i-- {
		if h.updates[i].Warning != "" {
			return h.updates[i].Warning
		}
	}
	return ""
}

func (h *harness) lastErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.updates) - 1; i >= 0; i-- {
		if h.updates[i].Err != nil {
			return h.updates[i].Err
		}
	}
	return nil
}

func final(s string) Result   { return Result{Text: s, Final: true} }
func interim(s string) Result { return Result{Text: s} }

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestStartStopStoresRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Start(ctx))
	assert.Equal(t, Recording, h.ctrl.State())

	h.audio.onChunk([]byte{1, 2})
	h.rec.current().OnResults([]Result{final("hello ")})
	h.audio.onChunk([]byte{3, 4})
	h.rec.current().OnResults([]Result{final("world")})

	rec, err := h.ctrl.Stop(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, Idle, h.ctrl.State())
	require.Equal(t, 1, h.store.Len())
	stored := h.store.Records()[0]
	assert.Equal(t, "hello world ", stored.Text)
	assert.Equal(t, "/audio/1.wav", stored.AudioRef)
	assert.Equal(t, int64(4), stored.AudioSize)
	assert.Equal(t, 1, h.rec.stopCount())
	assert.Equal(t, 1, h.audio.finalCount())
	assert.Empty(t, h.lastWarning())
}

func TestFinalResultsConcatenateIgnoringInterim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	hd := h.rec.current()
	hd.OnResults([]Result{interim("the"), interim("the quick")})
	hd.OnResults([]Result{final("the quick"), interim("brown")})
	assert.Equal(t, "brown", h.ctrl.Snapshot().Interim)
	hd.OnResults([]Result{interim("brown fox"), final("brown fox"), final("jumps")})

	snap := h.ctrl.Snapshot()
	assert.Equal(t, "the quick brown fox jumps ", snap.Live)
	assert.Equal(t, "", snap.Interim)

	rec, err := h.ctrl.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "the quick brown fox jumps ", rec.Text)
}

func TestStopWithoutResultsStoresNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))
	h.audio.onChunk([]byte{9})

	rec, err := h.ctrl.Stop(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 0, h.store.Len())
	assert.Empty(t, h.lib.saved, "silent sessions must not leave audio behind")
	assert.Equal(t, Idle, h.ctrl.State())
}

func TestStopWithWhitespaceOnlyStoresNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))
	h.rec.current().OnResults([]Result{final("  "), final("\t")})

	rec, err := h.ctrl.Stop(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 0, h.store.Len())
}

func TestEventsAfterStopAreDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))
	hd := h.rec.current()
	hd.OnResults([]Result{final("kept")})
	onChunk := h.audio.onChunk

	_, err := h.ctrl.Stop(ctx)
	require.NoError(t, err)

	hd.OnResults([]Result{final("late")})
	onChunk([]byte{1})
	assert.Equal(t, "", h.ctrl.Snapshot().Live)
	assert.Equal(t, "kept ", h.store.Records()[0].Text)

	// a stale stream must not leak into the next session either
	require.NoError(t, h.ctrl.Start(ctx))
	hd.OnResults([]Result{final("ghost")})
	assert.Equal(t, "", h.ctrl.Snapshot().Live)
}

func TestStartWhileRecordingIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	err := h.ctrl.Start(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRecording)
	assert.Equal(t, Recording, h.ctrl.State())
	assert.Equal(t, 1, h.rec.startCount())
}

func TestStopWhenIdle(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestMicrophoneIsAcquiredOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, h.ctrl.Start(ctx))
		_, err := h.ctrl.Stop(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.mic.acquires)

	require.NoError(t, h.ctrl.Close())
	assert.Equal(t, 1, h.mic.releases)
	assert.ErrorIs(t, h.ctrl.Start(ctx), ErrClosed)
}

func TestPermissionDeniedIsRecoverable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mic.err = fmt.Errorf("user refused: %w", ErrPermissionDenied)

	err := h.ctrl.Start(ctx)
	var perr *PermissionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, Idle, h.ctrl.State())
	assert.ErrorAs(t, h.lastErr(), &perr)
	assert.Contains(t, h.ctrl.Snapshot().Status, "Error:")

	// retry after the user grants access
	h.mic.err = nil
	require.NoError(t, h.ctrl.Start(ctx))
	assert.Equal(t, Recording, h.ctrl.State())
	assert.Equal(t, 2, h.mic.acquires)
}

func TestMissingDeviceIsCaptureSetupError(t *testing.T) {
	h := newHarness(t)
	h.mic.err = errors.New("no input device")

	err := h.ctrl.Start(context.Background())
	var serr *CaptureSetupError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, Idle, h.ctrl.State())
}

func TestRecognitionStartFailure(t *testing.T) {
	h := newHarness(t)
	h.rec.startErr = errors.New("model not loaded")

	err := h.ctrl.Start(context.Background())
	var rerr *RecognitionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, Idle, h.ctrl.State())
}

func TestRecognitionPermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.rec.startErr = fmt.Errorf("speech: %w", ErrPermissionDenied)

	err := h.ctrl.Start(context.Background())
	var perr *PermissionError
	require.ErrorAs(t, err, &perr)
}

func TestUnilateralEndRestartsTransparently(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))
	h.rec.current().OnResults([]Result{final("before")})

	h.rec.current().OnEnd()
	require.Eventually(t, func() bool { return h.rec.startCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Recording, h.ctrl.State())

	h.rec.current().OnResults([]Result{final("after")})
	rec, err := h.ctrl.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "before after ", rec.Text)
}

func TestFailedRestartAbandonsSession(t *testing.T) {
	h := newHarness(t)
	h.rec.failAfter = 1
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))
	h.rec.current().OnResults([]Result{final("partial words")})

	h.rec.current().OnEnd()
	require.Eventually(t, func() bool { return h.lastErr() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Idle, h.ctrl.State())

	var rerr *RecognitionError
	assert.ErrorAs(t, h.lastErr(), &rerr)
	assert.Equal(t, 0, h.store.Len(), "partial text is not persisted on error")
	require.Eventually(t, func() bool { return h.audio.finalCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err := h.ctrl.Stop(ctx)
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestRestartLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RestartLimit = 1 })
	require.NoError(t, h.ctrl.Start(context.Background()))

	h.rec.current().OnEnd()
	require.Eventually(t, func() bool { return h.rec.startCount() == 2 }, time.Second, 5*time.Millisecond)
	h.rec.current().OnEnd()
	require.Eventually(t, func() bool { return h.lastErr() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Idle, h.ctrl.State())
	assert.ErrorIs(t, h.lastErr(), ErrRestartLimit)
}

func TestRecognitionErrorAbandonsSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.rec.current().OnResults([]Result{final("something")})

	h.rec.current().OnError(errors.New("network"))

	assert.Equal(t, Idle, h.ctrl.State())
	assert.Equal(t, 0, h.store.Len())
	var rerr *RecognitionError
	assert.ErrorAs(t, h.lastErr(), &rerr)
}

func TestAudioStartFailureKeepsTranscribing(t *testing.T) {
	h := newHarness(t)
	h.audio.startErr = errors.New("device busy")
	ctx := context.Background()

	require.NoError(t, h.ctrl.Start(ctx))
	h.rec.current().OnResults([]Result{final("text only")})
	rec, err := h.ctrl.Stop(ctx)
	require.NoError(t, err)
	assert.False(t, rec.HasAudio())
	assert.Equal(t, 0, h.audio.finalCount())
	assert.Contains(t, h.lastWarning(), "device busy")
}

func TestFinalizeFailureStillReachesIdle(t *testing.T) {
	h := newHarness(t)
	h.audio.finalErr = errors.New("encoder crashed")
	ctx := context.Background()

	require.NoError(t, h.ctrl.Start(ctx))
	h.audio.onChunk([]byte{1})
	h.rec.current().OnResults([]Result{final("hi")})
	rec, err := h.ctrl.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, Idle, h.ctrl.State())
	assert.True(t, rec.HasAudio(), "chunks collected before the failure are kept")
	assert.Contains(t, h.lastWarning(), "encoder crashed")
}

func TestTrailingAudioIsIncluded(t *testing.T) {
	h := newHarness(t)
	h.audio.tail = []byte{7, 7, 7}
	ctx := context.Background()

	require.NoError(t, h.ctrl.Start(ctx))
	h.rec.current().OnResults([]Result{final("hi")})
	_, err := h.ctrl.Stop(ctx)
	require.NoError(t, err)

	require.Len(t, h.lib.saved, 1)
	assert.Equal(t, [][]byte{{7, 7, 7}}, h.lib.saved[0])
}

func TestLibraryFailureKeepsRecordWithoutAudio(t *testing.T) {
	h := newHarness(t)
	h.lib.err = errors.New("disk full")
	ctx := context.Background()

	require.NoError(t, h.ctrl.Start(ctx))
	h.audio.onChunk([]byte{1})
	h.rec.current().OnResults([]Result{final("hi")})
	rec, err := h.ctrl.Stop(ctx)
	require.NoError(t, err)
	assert.False(t, rec.HasAudio())
	assert.Equal(t, 1, h.store.Len())
	assert.Contains(t, h.lastWarning(), "disk full")
}

func TestStreamEndingDuringRestartIsReopened(t *testing.T) {
	h := newHarness(t)
	h.rec.endOnStart = 2
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	h.rec.current().OnEnd()
	require.Eventually(t, func() bool { return h.rec.startCount() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Recording, h.ctrl.State())

	h.rec.current().OnResults([]Result{final("still listening")})
	rec, err := h.ctrl.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "still listening ", rec.Text)
}

func TestStopPreemptsHungRestart(t *testing.T) {
	h := newHarness(t)
	h.rec.block = make(chan struct{})
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))
	h.rec.current().OnResults([]Result{final("kept")})

	h.rec.current().OnEnd()
	require.Eventually(t, func() bool { return h.rec.startCount() == 2 }, time.Second, 5*time.Millisecond)

	stopped := make(chan *history.Record, 1)
	go func() {
		sctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		rec, _ := h.ctrl.Stop(sctx)
		stopped <- rec
	}()

	select {
	case rec := <-stopped:
		require.NotNil(t, rec)
		assert.Equal(t, "kept ", rec.Text)
	case <-time.After(time.Second):
		t.Fatalf("Stop blocked behind a pending restart; state=%v", h.ctrl.State())
	}
	assert.Equal(t, Idle, h.ctrl.State())

	// the stream opened for the finished session is closed again
	close(h.rec.block)
	require.Eventually(t, func() bool { return h.rec.stopCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.rec.stream(1).isStopped())
	assert.Equal(t, Idle, h.ctrl.State())
	assert.Nil(t, h.lastErr())
}

func TestStopCancelsPendingRestart(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	h.rec.block = block
	h.rec.blockCtx = true
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	h.rec.current().OnEnd()
	require.Eventually(t, func() bool { return h.rec.startCount() == 2 }, time.Second, 5*time.Millisecond)

	_, err := h.ctrl.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, Idle, h.ctrl.State())

	// the cancelled restart must not surface as a failed session
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, h.lastErr())
	assert.Equal(t, 2, h.rec.startCount())

	h.rec.mu.Lock()
	h.rec.block = nil
	h.rec.mu.Unlock()
	require.NoError(t, h.ctrl.Start(ctx))
	assert.Equal(t, Recording, h.ctrl.State())
}

func TestAbandonLeavesNextSessionStreams(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	gate := make(chan struct{})
	first := h.rec.stream(0)
	h.rec.mu.Lock()
	first.gate = gate
	h.rec.mu.Unlock()

	abandoned := make(chan struct{})
	oldHandler := h.rec.current()
	go func() {
		oldHandler.OnError(errors.New("network"))
		close(abandoned)
	}()
	require.Eventually(t, func() bool { return h.ctrl.State() == Idle }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.ctrl.Start(ctx))
	close(gate)
	<-abandoned

	assert.True(t, first.isStopped())
	assert.True(t, h.audio.stream(0).isFinalized())
	assert.False(t, h.rec.stream(1).isStopped(), "old teardown stopped the new recognition stream")
	assert.False(t, h.audio.stream(1).isFinalized(), "old teardown finalized the new audio stream")

	h.rec.current().OnResults([]Result{final("second")})
	h.audio.onChunk([]byte{4})
	rec, err := h.ctrl.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second ", rec.Text)
	assert.True(t, rec.HasAudio())
}

func TestAudioDuringFinalizeIsKept(t *testing.T) {
	h := newHarness(t)
	h.audio.tail = []byte{9}
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))
	onChunk := h.audio.onChunk
	h.audio.duringFinalize = func() { onChunk([]byte{5}) }

	onChunk([]byte{1})
	h.rec.current().OnResults([]Result{final("hi")})
	_, err := h.ctrl.Stop(ctx)
	require.NoError(t, err)

	require.Len(t, h.lib.saved, 1)
	assert.Equal(t, [][]byte{{1}, {5}, {9}}, h.lib.saved[0])

	// once finalized the session takes no more audio
	onChunk([]byte{6})
	require.NoError(t, h.ctrl.Start(ctx))
	h.rec.current().OnResults([]Result{final("next")})
	h.audio.duringFinalize = nil
	h.audio.tail = nil
	_, err = h.ctrl.Stop(ctx)
	require.NoError(t, err)
	assert.Len(t, h.lib.saved, 1, "the stale chunk must not become a recording")
}

func TestAppendFinal(t *testing.T) {
	cases := []struct {
		live, text, want string
	}{
		{"", "hello", "hello "},
		{"", "hello ", "hello "},
		{"hello ", "world", "hello world "},
		{"a ", "", "a "},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, appendFinal(tc.live, tc.text), "appendFinal(%q, %q)", tc.live, tc.text)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "recording", Recording.String())
	assert.Equal(t, "stopping", Stopping.String())
}
