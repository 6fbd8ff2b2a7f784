// Package history keeps the ordered list of finished transcript records and
// arbitrates audio playback between them.
package history

import (
	"time"

	"github.com/dustin/go-humanize"
)

// EmptyMessage is rendered in place of the list when no records exist.
const EmptyMessage = "No recordings yet. Press Space to start."

// Record is a finalized transcript. Records are never mutated after creation.
type Record struct {
	ID        string
	Text      string
	Timestamp time.Time
	AudioRef  string // empty when no audio was captured
	AudioSize int64
}

// HasAudio reports whether the record can be played back.
func (r Record) HasAudio() bool {
	return r.AudioRef != ""
}

// TimeLabel returns the creation time in human-readable form.
func (r Record) TimeLabel() string {
	return r.Timestamp.Format("Jan 2 15:04:05")
}

// Age returns a relative description such as "3 minutes ago".
func (r Record) Age(now time.Time) string {
	return humanize.RelTime(r.Timestamp, now, "ago", "from now")
}

// SizeLabel returns the audio size, or "" when there is no audio.
func (r Record) SizeLabel() string {
	if !r.HasAudio() || r.AudioSize <= 0 {
		return ""
	}
	return humanize.Bytes(uint64(r.AudioSize))
}

// Row is one rendered history entry. Record is nil for the empty-state row.
type Row struct {
	Index       int
	Record      *Record
	Placeholder string
}
