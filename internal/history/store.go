package history

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrNoAudio is returned when playback is requested for a record without audio.
var ErrNoAudio = errors.New("record has no audio")

// Player starts audio playback of a reference. done is called when playback
// ends on its own or is stopped.
type Player interface {
	Play(ref string, done func()) (Playback, error)
}

// Playback is a running playback.
type Playback interface {
	Stop() error
}

// Archive persists records beyond the lifetime of the process.
type Archive interface {
	SaveRecord(Record) error
}

// Option configures a Store.
type Option func(*Store)

// WithArchive persists every appended record.
func WithArchive(a Archive) Option {
	return func(s *Store) { s.archive = a }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) { s.logger = l }
}

// WithOnChange registers a hook fired after every Append so the view can
// re-render.
func WithOnChange(fn func()) Option {
	return func(s *Store) { s.onChange = fn }
}

// Store is the append-only record history with exclusive playback.
type Store struct {
	mu      sync.Mutex
	records []Record
	playing *playback

	// reqMu serializes playback arbitration.
	reqMu sync.Mutex

	player   Player
	archive  Archive
	logger   *zap.SugaredLogger
	onChange func()
}

type playback struct {
	recordID string
	control  Control
	handle   Playback
	once     sync.Once
}

func (p *playback) reset() {
	p.once.Do(func() { p.control.SetAffordance(AffordancePlay) })
}

// NewStore creates an empty Store that plays audio through player.
func NewStore(player Player, opts ...Option) *Store {
	s := &Store{
		player: player,
		logger: zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load seeds the history with previously archived records, oldest first.
// Loaded records are not archived again.
func (s *Store) Load(records []Record) {
	s.mu.Lock()
	s.records = append(s.records, records...)
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange()
	}
}

// Append adds rec at the end of the history. An archive failure is logged and
// returned, but the record stays in the in-memory history.
func (s *Store) Append(rec Record) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()

	var err error
	if s.archive != nil {
		if err = s.archive.SaveRecord(rec); err != nil {
			s.logger.Warnw("archive record", "id", rec.ID, "error", err)
			err = fmt.Errorf("archive record: %w", err)
		}
	}

	if s.onChange != nil {
		s.onChange()
	}
	return err
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Records returns a copy of the history in insertion order.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Render returns a one-shot iteration over the current records, newest
// first. Ranging over it a second time yields nothing. An empty history
// yields a single placeholder row.
func (s *Store) Render() iter.Seq[Row] {
	snapshot := s.Records()
	var used atomic.Bool

	return func(yield func(Row) bool) {
		if used.Swap(true) {
			return
		}
		if len(snapshot) == 0 {
			yield(Row{Index: -1, Placeholder: EmptyMessage})
			return
		}
		for i := len(snapshot) - 1; i >= 0; i-- {
			rec := snapshot[i]
			if !yield(Row{Index: i, Record: &rec}) {
				return
			}
		}
	}
}

// RequestPlayback plays rec and drives control's affordance. Whatever is
// playing is stopped first. Requesting playback on the control that is
// already playing stops it without restarting.
func (s *Store) RequestPlayback(rec Record, control Control) error {
	if control == nil {
		return fmt.Errorf("request playback: nil control")
	}

	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	s.mu.Lock()
	cur := s.playing
	s.playing = nil
	s.mu.Unlock()

	if cur != nil {
		s.halt(cur)
		if cur.control == control {
			return nil
		}
	}

	if !rec.HasAudio() {
		return ErrNoAudio
	}
	if s.player == nil {
		return fmt.Errorf("request playback: no player configured")
	}

	p := &playback{recordID: rec.ID, control: control}
	s.mu.Lock()
	s.playing = p
	s.mu.Unlock()
	control.SetAffordance(AffordancePlaying)

	handle, err := s.player.Play(rec.AudioRef, func() { s.finished(p) })
	if err != nil {
		s.finished(p)
		return fmt.Errorf("play %s: %w", rec.ID, err)
	}

	s.mu.Lock()
	p.handle = handle
	s.mu.Unlock()
	return nil
}

// StopPlayback stops the active playback, if any.
func (s *Store) StopPlayback() {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	s.mu.Lock()
	cur := s.playing
	s.playing = nil
	s.mu.Unlock()

	if cur != nil {
		s.halt(cur)
	}
}

// Playing returns the ID of the record currently playing.
func (s *Store) Playing() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing == nil {
		return "", false
	}
	return s.playing.recordID, true
}

// Close stops playback.
func (s *Store) Close() {
	s.StopPlayback()
}

func (s *Store) halt(p *playback) {
	s.mu.Lock()
	h := p.handle
	s.mu.Unlock()

	if h != nil {
		if err := h.Stop(); err != nil {
			s.logger.Warnw("stop playback", "id", p.recordID, "error", err)
		}
	}
	p.reset()
}

// finished runs when a playback completes or is paused by the player.
func (s *Store) finished(p *playback) {
	s.mu.Lock()
	if s.playing == p {
		s.playing = nil
	}
	s.mu.Unlock()
	p.reset()
}
