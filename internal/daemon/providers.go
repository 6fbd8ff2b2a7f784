package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/CamScoglio/voicepal/internal/capture"
	"go.uber.org/zap"
)

// responseError converts a failed response into an error. Permission
// denials wrap capture.ErrPermissionDenied.
func responseError(op string, resp Response) error {
	msg := resp.Error
	if msg == "" {
		msg = "request rejected"
	}
	if resp.Code == CodePermissionDenied {
		return fmt.Errorf("%s: %s: %w", op, msg, capture.ErrPermissionDenied)
	}
	return fmt.Errorf("%s: %s", op, msg)
}

// Microphone acquires the daemon's input device. The daemon keeps the
// device open for as long as the acquiring connection lives.
type Microphone struct {
	socketPath string
	device     string

	mu     sync.Mutex
	client *Client
}

// NewMicrophone returns a Microphone for device ("" selects the default).
func NewMicrophone(socketPath, device string) *Microphone {
	return &Microphone{socketPath: socketPath, device: device}
}

// Acquire implements capture.Microphone.
func (m *Microphone) Acquire(ctx context.Context) (capture.Input, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, err := ConnectContext(ctx, m.socketPath)
	if err != nil {
		return capture.Input{}, err
	}
	resp, err := client.SendCommandContext(ctx, Command{Cmd: CmdMic, Device: m.device})
	if err != nil {
		client.Close()
		return capture.Input{}, fmt.Errorf("acquire microphone: %w", err)
	}
	if !resp.OK {
		client.Close()
		return capture.Input{}, responseError("acquire microphone", resp)
	}

	if m.client != nil {
		m.client.Close()
	}
	m.client = client
	return capture.Input{Device: resp.Device}, nil
}

// Release implements capture.Microphone.
func (m *Microphone) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil
	}
	client := m.client
	m.client = nil
	defer client.Close()

	resp, err := client.SendCommand(Command{Cmd: CmdRelease})
	if err != nil {
		return fmt.Errorf("release microphone: %w", err)
	}
	if !resp.OK {
		return responseError("release microphone", resp)
	}
	return nil
}

// Recognizer streams live transcription from the daemon. Each Start opens a
// fresh connection owned by the returned stream.
type Recognizer struct {
	socketPath string
	locale     string
	logger     *zap.SugaredLogger
}

// NewRecognizer returns a Recognizer for locale (e.g. "en-US").
func NewRecognizer(socketPath, locale string, logger *zap.SugaredLogger) *Recognizer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Recognizer{socketPath: socketPath, locale: locale, logger: logger}
}

// Start implements capture.Recognizer.
func (r *Recognizer) Start(ctx context.Context, in capture.Input, h capture.RecognitionHandler) (capture.RecognitionStream, error) {
	client, err := ConnectContext(ctx, r.socketPath)
	if err != nil {
		return nil, err
	}
	resp, err := client.SendCommandContext(ctx, Command{Cmd: CmdRecognize, Device: in.Device, Locale: r.locale})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("start recognition: %w", err)
	}
	if !resp.OK {
		client.Close()
		return nil, responseError("start recognition", resp)
	}

	st := &recognitionStream{client: client, logger: r.logger}
	go st.read(h)
	return st, nil
}

type recognitionStream struct {
	client  *Client
	logger  *zap.SugaredLogger
	stopped atomic.Bool
}

// Stop closes the stream's connection. Only the first call has an effect.
func (s *recognitionStream) Stop() error {
	if s.stopped.Swap(true) {
		return nil
	}
	return s.client.Close()
}

// read forwards events until the stream ends. Nothing is delivered once
// the stream has been stopped.
func (s *recognitionStream) read(h capture.RecognitionHandler) {
	for {
		ev, err := s.client.ReadEvent()
		if s.stopped.Load() {
			return
		}
		if err != nil {
			if errors.Is(err, ErrClosed) {
				// the daemon hung up, which ends the stream
				h.OnEnd()
				return
			}
			h.OnError(err)
			return
		}

		switch ev.Event {
		case EventPartial:
			h.OnResults([]capture.Result{{Text: ev.Text}})
		case EventSegment:
			h.OnResults([]capture.Result{{Text: ev.Text, Final: true}})
		case EventEnd:
			h.OnEnd()
			return
		case EventError:
			h.OnError(eventError(ev))
			return
		default:
			s.logger.Debugw("ignoring recognition event", "event", ev.Event)
		}
	}
}

func eventError(ev Event) error {
	msg := ev.Message
	if msg == "" {
		msg = "recognition error"
	}
	if ev.Code == CodePermissionDenied {
		return fmt.Errorf("%s: %w", msg, capture.ErrPermissionDenied)
	}
	return errors.New(msg)
}

// AudioCapture streams raw microphone audio from the daemon.
type AudioCapture struct {
	socketPath string
	logger     *zap.SugaredLogger
}

// NewAudioCapture returns an AudioCapture talking to socketPath.
func NewAudioCapture(socketPath string, logger *zap.SugaredLogger) *AudioCapture {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &AudioCapture{socketPath: socketPath, logger: logger}
}

// Start implements capture.AudioCapture.
func (a *AudioCapture) Start(ctx context.Context, in capture.Input, onChunk func([]byte)) (capture.AudioStream, error) {
	client, err := ConnectContext(ctx, a.socketPath)
	if err != nil {
		return nil, err
	}
	resp, err := client.SendCommandContext(ctx, Command{Cmd: CmdCapture, Device: in.Device})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("start capture: %w", err)
	}
	if !resp.OK {
		client.Close()
		return nil, responseError("start capture", resp)
	}

	st := &audioStream{client: client, logger: a.logger, result: make(chan audioResult, 1)}
	go st.read(onChunk)
	return st, nil
}

type audioResult struct {
	tail []byte
	err  error
}

type audioStream struct {
	client    *Client
	logger    *zap.SugaredLogger
	result    chan audioResult
	finalized atomic.Bool
}

func (st *audioStream) read(onChunk func([]byte)) {
	for {
		ev, err := st.client.ReadEvent()
		if err != nil {
			st.result <- audioResult{err: err}
			return
		}
		switch ev.Event {
		case EventAudio:
			if len(ev.Audio) > 0 {
				onChunk(ev.Audio)
			}
		case EventAudioEnd:
			st.result <- audioResult{tail: ev.Audio}
			return
		case EventError:
			st.result <- audioResult{err: eventError(ev)}
			return
		}
	}
}

// Finalize asks the daemon to flush and waits for the trailing audio or
// ctx. Chunks streamed before the trailer are still delivered to onChunk
// while it waits. Later calls return nothing.
func (st *audioStream) Finalize(ctx context.Context) ([]byte, error) {
	if st.finalized.Swap(true) {
		return nil, nil
	}
	defer st.client.Close()

	if err := st.client.Send(Command{Cmd: CmdFinalize}); err != nil {
		st.logger.Debugw("send finalize", "error", err)
	}

	select {
	case res := <-st.result:
		if res.err != nil {
			return nil, fmt.Errorf("finalize audio: %w", res.err)
		}
		return res.tail, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("finalize audio: %w", ctx.Err())
	}
}
