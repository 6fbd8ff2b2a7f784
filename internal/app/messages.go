package app

import (
	"github.com/CamScoglio/voicepal/internal/capture"
	"github.com/CamScoglio/voicepal/internal/daemon"
	"github.com/CamScoglio/voicepal/internal/history"
)

// CaptureUpdateMsg carries a controller state change.
type CaptureUpdateMsg struct {
	Update capture.Update
}

// HistoryChangedMsg is sent when a record was added or a playback control
// changed its affordance.
type HistoryChangedMsg struct{}

// StartResultMsg carries the outcome of starting a recording.
type StartResultMsg struct {
	Err error
}

// StopResultMsg carries the outcome of stopping a recording. Record is nil
// when nothing was said.
type StopResultMsg struct {
	Record *history.Record
	Err    error
}

// PlaybackErrorMsg is sent when a playback request fails.
type PlaybackErrorMsg struct {
	Err error
}

// DaemonStatusMsg carries the response to a status request.
type DaemonStatusMsg struct {
	Response daemon.Response
}

// DaemonStatusErrorMsg is sent when the daemon can't be reached.
type DaemonStatusErrorMsg struct {
	Err error
}

// ClearTransientErrorMsg clears a transient error after a timeout.
type ClearTransientErrorMsg struct {
	seq int
}

// ClearWarningMsg clears a session warning after a timeout.
type ClearWarningMsg struct {
	seq int
}

// ReconnectTickMsg triggers a reconnection attempt.
type ReconnectTickMsg struct{}

// HealthTickMsg triggers a periodic status check while connected.
type HealthTickMsg struct{}
