// Package db provides SQLite persistence for finished transcripts.
package db

import (
	"time"

	"github.com/CamScoglio/voicepal/internal/history"
)

// Transcript is one archived recording.
type Transcript struct {
	ID        string
	Text      string
	CreatedAt time.Time
	AudioPath *string
	AudioSize int64
}

// Record converts the row into a history record.
func (t Transcript) Record() history.Record {
	r := history.Record{
		ID:        t.ID,
		Text:      t.Text,
		Timestamp: t.CreatedAt,
		AudioSize: t.AudioSize,
	}
	if t.AudioPath != nil {
		r.AudioRef = *t.AudioPath
	}
	return r
}

func fromRecord(r history.Record) Transcript {
	t := Transcript{
		ID:        r.ID,
		Text:      r.Text,
		CreatedAt: r.Timestamp,
		AudioSize: r.AudioSize,
	}
	if r.AudioRef != "" {
		ref := r.AudioRef
		t.AudioPath = &ref
	}
	return t
}
