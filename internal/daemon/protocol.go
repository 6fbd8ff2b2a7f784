// Package daemon provides the client and protocol types for talking to the
// local speech daemon over a Unix socket using NDJSON.
//
// The daemon owns the microphone. A client acquires it with "mic", then
// opens one connection per stream: "recognize" streams partial/segment
// events, "capture" streams raw PCM16 audio events until "finalize".
package daemon

// Commands understood by the daemon.
const (
	CmdMic       = "mic"
	CmdRelease   = "release"
	CmdRecognize = "recognize"
	CmdCapture   = "capture"
	CmdFinalize  = "finalize"
	CmdStatus    = "status"
)

// Event names streamed by the daemon.
const (
	EventPartial  = "partial"
	EventSegment  = "segment"
	EventEnd      = "end"
	EventError    = "error"
	EventAudio    = "audio"
	EventAudioEnd = "audio_end"
)

// Error codes carried in Response.Code.
const (
	CodePermissionDenied = "permission_denied"
	CodeUnavailable      = "unavailable"
)

// Command is sent from a client to the daemon.
type Command struct {
	Cmd    string `json:"cmd"`
	Locale string `json:"locale,omitempty"`
	Device string `json:"device,omitempty"`
}

// Response is returned by the daemon after processing a command.
type Response struct {
	OK      bool     `json:"ok"`
	Device  string   `json:"device,omitempty"`
	Devices []string `json:"devices,omitempty"`
	Status  string   `json:"status,omitempty"`
	Error   string   `json:"error,omitempty"`
	Code    string   `json:"code,omitempty"`
}

// Event is streamed from the daemon on a recognize or capture connection.
// Audio is base64 in the JSON encoding.
type Event struct {
	Event   string `json:"event"`
	Text    string `json:"text,omitempty"`
	Audio   []byte `json:"audio,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}
