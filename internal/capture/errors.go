package capture

import "errors"

var (
	// ErrAlreadyRecording is returned by Start while a session is active.
	ErrAlreadyRecording = errors.New("already recording")

	// ErrNotRecording is returned by Stop when there is nothing to stop.
	ErrNotRecording = errors.New("not recording")

	// ErrPermissionDenied is wrapped by providers when the user refused
	// microphone or recognition access.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("controller closed")
)

// PermissionError reports denied microphone or recognition access. The
// caller may retry Start.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return "microphone access denied: " + e.Err.Error()
}

func (e *PermissionError) Unwrap() error { return e.Err }

// RecognitionError reports a recognition stream failure. The session that
// hit it was abandoned.
type RecognitionError struct {
	Err error
}

func (e *RecognitionError) Error() string {
	return "speech recognition failed: " + e.Err.Error()
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// CaptureSetupError reports an unavailable audio input device.
type CaptureSetupError struct {
	Err error
}

func (e *CaptureSetupError) Error() string {
	return "audio capture unavailable: " + e.Err.Error()
}

func (e *CaptureSetupError) Unwrap() error { return e.Err }

// classifySetup wraps a microphone acquisition failure.
func classifySetup(err error) error {
	if errors.Is(err, ErrPermissionDenied) {
		return &PermissionError{Err: err}
	}
	return &CaptureSetupError{Err: err}
}

// classifyRecognition wraps a recognition start failure.
func classifyRecognition(err error) error {
	if errors.Is(err, ErrPermissionDenied) {
		return &PermissionError{Err: err}
	}
	return &RecognitionError{Err: err}
}
