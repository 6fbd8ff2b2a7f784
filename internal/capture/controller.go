// Package capture runs a single recording session: live speech recognition
// and synchronized audio capture, finished into a transcript record.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/CamScoglio/voicepal/internal/history"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Separator is appended after every final recognition result.
const Separator = " "

const (
	// restartTimeout bounds reopening a recognition stream that ended.
	restartTimeout = 10 * time.Second
	// discardTimeout bounds finalizing audio that will not be kept.
	discardTimeout = 5 * time.Second
)

// Status strings shown next to the record control.
const (
	StatusReady     = "Ready to listen"
	StatusRecording = "Recording..."
	StatusStopping  = "Saving..."
)

// ErrRestartLimit is wrapped in a RecognitionError when the recognition
// stream ended more often than the configured limit allows.
var ErrRestartLimit = errors.New("recognition restart limit reached")

// State is the controller's position in the session lifecycle.
type State int

const (
	Idle State = iota
	Recording
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Result is one recognition hypothesis.
type Result struct {
	Text  string
	Final bool
}

// RecognitionHandler receives events from a recognition stream.
type RecognitionHandler interface {
	OnResults([]Result)
	// OnEnd is called when the stream terminates on its own.
	OnEnd()
	OnError(error)
}

// Recognizer opens live speech-to-text streams.
type Recognizer interface {
	Start(ctx context.Context, in Input, h RecognitionHandler) (RecognitionStream, error)
}

// RecognitionStream is one open recognition stream.
type RecognitionStream interface {
	// Stop ends the stream. It must be safe to call more than once and
	// must not wait for handler callbacks to return.
	Stop() error
}

// AudioCapture records raw audio chunks from the microphone.
type AudioCapture interface {
	Start(ctx context.Context, in Input, onChunk func([]byte)) (AudioStream, error)
}

// AudioStream is one running audio capture.
type AudioStream interface {
	// Finalize stops capture and returns bytes not yet delivered as chunks.
	// Chunks may still arrive until it returns.
	Finalize(ctx context.Context) ([]byte, error)
}

// AudioLibrary turns ordered chunks into one playable resource.
type AudioLibrary interface {
	Save(ctx context.Context, chunks [][]byte) (ref string, size int64, err error)
}

// RecordSink receives finished records.
type RecordSink interface {
	Append(history.Record) error
}

// Update describes the controller after a change. Warning reports a
// degraded session that kept going, e.g. one recorded without audio.
type Update struct {
	State   State
	Live    string
	Interim string
	Status  string
	Err     error
	Warning string
}

// Config wires a Controller to its collaborators. Audio and Library are
// optional; without them records carry no audio.
type Config struct {
	Mic        *MicCache
	Recognizer Recognizer
	Audio      AudioCapture
	Library    AudioLibrary
	Sink       RecordSink

	Logger *zap.SugaredLogger
	Notify func(Update)

	// RestartLimit caps transparent restarts per session. Zero is unlimited.
	RestartLimit int

	Now   func() time.Time
	NewID func() string
}

// Controller owns the lifecycle of one recording session at a time.
//
// Each session is identified by a generation number. Provider callbacks
// carry the generation they were started with and are dropped once it is
// no longer current. Stream handles belong to the session that opened
// them, so tearing down an old session never touches a newer one.
type Controller struct {
	cfg    Config
	logger *zap.SugaredLogger

	// opMu serializes Start, Stop and Close. Restarts never take it.
	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	gen      uint64
	input    Input
	live     string
	interim  string
	chunks   [][]byte
	recog    RecognitionStream
	audio    AudioStream
	restarts int
	// cancelRestart aborts a pending stream reopen. endedEarly records that
	// the reopened stream ended before the reopen finished.
	cancelRestart context.CancelFunc
	endedEarly    bool
	// draining is the generation whose audio is still accepted while Stop
	// waits for Finalize.
	draining uint64
	status   string
	closed   bool
}

// New creates an idle Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Mic == nil {
		return nil, fmt.Errorf("capture: microphone is required")
	}
	if cfg.Recognizer == nil {
		return nil, fmt.Errorf("capture: recognizer is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("capture: record sink is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Controller{cfg: cfg, logger: cfg.Logger, status: StatusReady}, nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the current state and transcript text.
func (c *Controller) Snapshot() Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(nil)
}

func (c *Controller) snapshotLocked(err error) Update {
	return Update{
		State:   c.state,
		Live:    c.live,
		Interim: c.interim,
		Status:  c.status,
		Err:     err,
	}
}

// Start begins a new session. Permission and device failures leave the
// controller Idle and are returned as *PermissionError, *CaptureSetupError
// or *RecognitionError. When audio capture cannot start the session runs
// without audio and the update carries a Warning.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Idle {
		c.mu.Unlock()
		return ErrAlreadyRecording
	}
	c.mu.Unlock()

	in, err := c.cfg.Mic.Get(ctx)
	if err != nil {
		err = classifySetup(err)
		c.logger.Warnw("acquire microphone", "error", err)
		c.report(err)
		return err
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.input = in
	c.live = ""
	c.interim = ""
	c.chunks = nil
	c.recog = nil
	c.audio = nil
	c.restarts = 0
	c.state = Recording
	c.status = StatusRecording
	c.mu.Unlock()

	stream, err := c.cfg.Recognizer.Start(ctx, in, &session{c: c, gen: gen})
	if err != nil {
		err = classifyRecognition(err)
		c.logger.Warnw("start recognition", "error", err)
		c.mu.Lock()
		if c.gen == gen {
			c.resetLocked()
		}
		c.mu.Unlock()
		c.report(err)
		return err
	}
	c.mu.Lock()
	if c.gen != gen || c.state != Recording {
		// the stream failed while starting and the session was abandoned
		c.mu.Unlock()
		stream.Stop()
		return &RecognitionError{Err: errors.New("stream closed during start")}
	}
	c.recog = stream
	c.mu.Unlock()

	var warning string
	if c.cfg.Audio != nil {
		onChunk := func(b []byte) { c.onAudioChunk(gen, b) }
		as, err := c.cfg.Audio.Start(ctx, in, onChunk)
		if err != nil {
			c.logger.Warnw("start audio capture", "device", in.Device, "error", err)
			warning = "Recording without audio: " + err.Error()
		} else {
			c.mu.Lock()
			if c.gen == gen && c.state == Recording {
				c.audio = as
				as = nil
			}
			c.mu.Unlock()
			if as != nil {
				c.discardAudio(as)
			}
		}
	}

	c.logger.Infow("recording started", "device", in.Device)
	c.mu.Lock()
	up := c.snapshotLocked(nil)
	c.mu.Unlock()
	up.Warning = warning
	c.notify(up)
	return nil
}

// Stop ends the session. The transcript is the finalized text at the moment
// Stop is called; later recognition events are discarded. Audio keeps
// flowing until the capture is finalized. A record is appended only when
// the text is not blank. The controller is Idle when Stop returns, whatever
// happened during finalization; a pending stream restart is cancelled. The
// returned record is nil when nothing was stored.
func (c *Controller) Stop(ctx context.Context) (*history.Record, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != Recording {
		c.mu.Unlock()
		return nil, ErrNotRecording
	}
	c.state = Stopping
	c.status = StatusStopping
	c.draining = c.gen
	c.gen++
	text := c.live
	recog, audio := c.recog, c.audio
	c.recog, c.audio = nil, nil
	cancel := c.cancelRestart
	c.cancelRestart = nil
	c.endedEarly = false
	c.interim = ""
	up := c.snapshotLocked(nil)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.notify(up)

	rec, warnings, err := c.finish(ctx, text, recog, audio)

	c.mu.Lock()
	c.state = Idle
	c.live = ""
	c.chunks = nil
	c.draining = 0
	if err != nil {
		c.status = "Error: " + err.Error()
	} else {
		c.status = StatusReady
	}
	up = c.snapshotLocked(err)
	c.mu.Unlock()
	up.Warning = strings.Join(warnings, "; ")
	c.notify(up)

	return rec, err
}

func (c *Controller) finish(ctx context.Context, text string, recog RecognitionStream, audio AudioStream) (*history.Record, []string, error) {
	var warnings []string
	if recog != nil {
		if err := recog.Stop(); err != nil {
			c.logger.Warnw("stop recognition", "error", err)
		}
	}

	var tail []byte
	if audio != nil {
		var err error
		tail, err = audio.Finalize(ctx)
		if err != nil {
			c.logger.Warnw("finalize audio", "error", err)
			warnings = append(warnings, "Audio may be incomplete: "+err.Error())
		}
	}

	c.mu.Lock()
	chunks := c.chunks
	c.chunks = nil
	c.draining = 0
	c.mu.Unlock()
	if len(tail) > 0 {
		chunks = append(chunks, tail)
	}

	if strings.TrimSpace(text) == "" {
		c.logger.Infow("discarding silent session", "chunks", len(chunks))
		return nil, warnings, nil
	}

	rec := history.Record{
		ID:        c.cfg.NewID(),
		Text:      text,
		Timestamp: c.cfg.Now(),
	}

	if len(chunks) > 0 && c.cfg.Library != nil {
		ref, size, err := c.cfg.Library.Save(ctx, chunks)
		if err != nil {
			c.logger.Warnw("save audio", "id", rec.ID, "error", err)
			warnings = append(warnings, "Saved without audio: "+err.Error())
		} else {
			rec.AudioRef = ref
			rec.AudioSize = size
		}
	}

	if err := c.cfg.Sink.Append(rec); err != nil {
		return &rec, warnings, fmt.Errorf("append record: %w", err)
	}
	c.logger.Infow("recording saved", "id", rec.ID, "chars", len(rec.Text), "audio", rec.HasAudio())
	return &rec, warnings, nil
}

// Close abandons any active session and releases the microphone.
func (c *Controller) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	recog, audio, cancel := c.recog, c.audio, c.cancelRestart
	c.resetLocked()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.teardown(recog, audio)
	return c.cfg.Mic.Close()
}

// resetLocked returns to Idle and invalidates the running session. The
// caller owns the streams it detached beforehand.
func (c *Controller) resetLocked() {
	c.gen++
	c.state = Idle
	c.live = ""
	c.interim = ""
	c.chunks = nil
	c.recog = nil
	c.audio = nil
	c.cancelRestart = nil
	c.endedEarly = false
	c.draining = 0
	c.status = StatusReady
}

func (c *Controller) teardown(recog RecognitionStream, audio AudioStream) {
	if recog != nil {
		if err := recog.Stop(); err != nil {
			c.logger.Warnw("stop recognition", "error", err)
		}
	}
	if audio != nil {
		c.discardAudio(audio)
	}
}

func (c *Controller) discardAudio(audio AudioStream) {
	ctx, cancel := context.WithTimeout(context.Background(), discardTimeout)
	defer cancel()
	if _, err := audio.Finalize(ctx); err != nil {
		c.logger.Warnw("discard audio", "error", err)
	}
}

// abandon ends session gen without storing anything. Only the streams of
// that session are torn down.
func (c *Controller) abandon(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state != Recording {
		c.mu.Unlock()
		return
	}
	recog, audio, cancel := c.recog, c.audio, c.cancelRestart
	c.resetLocked()
	c.status = "Error: " + err.Error()
	up := c.snapshotLocked(err)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.logger.Errorw("recording abandoned", "error", err)
	c.notify(up)
	c.teardown(recog, audio)
}

func (c *Controller) onResults(gen uint64, results []Result) {
	c.mu.Lock()
	if c.gen != gen || c.state != Recording {
		c.mu.Unlock()
		return
	}
	for _, r := range results {
		if r.Final {
			c.live = appendFinal(c.live, r.Text)
			c.interim = ""
		} else {
			c.interim = r.Text
		}
	}
	up := c.snapshotLocked(nil)
	c.mu.Unlock()
	c.notify(up)
}

func (c *Controller) onEnd(gen uint64) {
	c.mu.Lock()
	live := c.gen == gen && c.state == Recording
	c.mu.Unlock()
	if live {
		go c.restart(gen)
	}
}

// restart reopens the recognition stream of session gen after the provider
// ended it on its own. It runs without opMu so Stop and Close can pre-empt
// it; a stream opened for a session that is gone is stopped again.
func (c *Controller) restart(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != Recording {
		c.mu.Unlock()
		return
	}
	if c.cancelRestart != nil {
		c.endedEarly = true
		c.mu.Unlock()
		return
	}
	if c.cfg.RestartLimit > 0 && c.restarts >= c.cfg.RestartLimit {
		c.mu.Unlock()
		c.abandon(gen, &RecognitionError{Err: ErrRestartLimit})
		return
	}
	c.restarts++
	in := c.input
	c.interim = ""
	ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
	c.cancelRestart = cancel
	c.mu.Unlock()
	defer cancel()

	c.logger.Debugw("recognition ended, restarting", "device", in.Device)
	stream, err := c.cfg.Recognizer.Start(ctx, in, &session{c: c, gen: gen})

	c.mu.Lock()
	if c.gen != gen || c.state != Recording {
		c.mu.Unlock()
		if err == nil {
			stream.Stop()
		}
		return
	}
	c.cancelRestart = nil
	if err != nil {
		c.endedEarly = false
		c.mu.Unlock()
		c.abandon(gen, &RecognitionError{Err: fmt.Errorf("restart: %w", err)})
		return
	}
	old := c.recog
	c.recog = stream
	again := c.endedEarly
	c.endedEarly = false
	c.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	if again {
		go c.restart(gen)
	}
}

func (c *Controller) onAudioChunk(gen uint64, b []byte) {
	if len(b) == 0 {
		return
	}
	buf := make([]byte, len(b))
	copy(buf, b)

	c.mu.Lock()
	defer c.mu.Unlock()
	recording := c.state == Recording && c.gen == gen
	draining := c.state == Stopping && c.draining == gen
	if !recording && !draining {
		return
	}
	c.chunks = append(c.chunks, buf)
}

func (c *Controller) report(err error) {
	c.mu.Lock()
	c.status = "Error: " + err.Error()
	up := c.snapshotLocked(err)
	c.mu.Unlock()
	c.notify(up)
}

func (c *Controller) notify(up Update) {
	if c.cfg.Notify != nil {
		c.cfg.Notify(up)
	}
}

// appendFinal adds a final result followed by Separator. A result that
// already ends in whitespace gets no second separator, so "hello " then
// "world" reads "hello world " rather than "hello  world ". This narrows
// the plain "each result plus a separator" rule for that one case.
func appendFinal(live, text string) string {
	if text == "" {
		return live
	}
	live += text
	if r, _ := utf8.DecodeLastRuneInString(text); !unicode.IsSpace(r) {
		live += Separator
	}
	return live
}

// session binds recognition events to the session that started the stream.
type session struct {
	c   *Controller
	gen uint64
}

func (s *session) OnResults(r []Result) { s.c.onResults(s.gen, r) }
func (s *session) OnEnd()               { s.c.onEnd(s.gen) }
func (s *session) OnError(err error) {
	s.c.abandon(s.gen, &RecognitionError{Err: err})
}
