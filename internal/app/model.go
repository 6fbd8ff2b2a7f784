package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/CamScoglio/voicepal/internal/capture"
	"github.com/CamScoglio/voicepal/internal/daemon"
	"github.com/CamScoglio/voicepal/internal/history"
	"github.com/CamScoglio/voicepal/internal/ui"

	tea "github.com/charmbracelet/bubbletea"
)

const (
	statusTimeout   = 2 * time.Second
	stopTimeout     = 10 * time.Second
	healthInterval  = 15 * time.Second
	transientWindow = 5 * time.Second
)

// Recorder drives recording sessions. *capture.Controller implements it.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (*history.Record, error)
	Snapshot() capture.Update
}

// StatusFunc queries the speech daemon at socketPath.
type StatusFunc func(ctx context.Context, socketPath string) (daemon.Response, error)

// Options configures a Model.
type Options struct {
	Recorder   Recorder
	History    *history.Store
	SocketPath string

	// Status defaults to daemon.Status.
	Status StatusFunc

	// Send delivers messages produced outside the update loop, typically
	// (*tea.Program).Send. It is never called from within Update. Nil drops
	// them.
	Send func(tea.Msg)

	Logger *zap.SugaredLogger
	Now    func() time.Time
}

// Model is the root bubbletea model for the voicepal TUI.
type Model struct {
	recorder   Recorder
	history    *history.Store
	controls   map[string]*history.Toggle
	socketPath string
	statusFn   StatusFunc
	send       func(tea.Msg)
	logger     *zap.SugaredLogger
	now        func() time.Time

	// Connection state
	connected        bool
	connError        string
	reconnecting     bool
	reconnectAttempt int
	deviceName       string

	// Recording state
	state      capture.State
	live       string
	interim    string
	statusText string

	// UI state
	selected int
	width    int
	height   int

	// Errors
	errorMessage   string
	errorTransient bool
	errorSeq       int

	warningMessage string
	warningSeq     int
}

// New creates a Model from opts.
func New(opts Options) Model {
	m := Model{
		recorder:   opts.Recorder,
		history:    opts.History,
		controls:   make(map[string]*history.Toggle),
		socketPath: opts.SocketPath,
		statusFn:   opts.Status,
		send:       opts.Send,
		logger:     opts.Logger,
		now:        opts.Now,
		statusText: capture.StatusReady,
	}
	if m.statusFn == nil {
		m.statusFn = daemon.Status
	}
	if m.send == nil {
		m.send = func(tea.Msg) {}
	}
	if m.logger == nil {
		m.logger = zap.NewNop().Sugar()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.history == nil {
		m.history = history.NewStore(nil)
	}
	if m.recorder != nil {
		m.applyUpdate(m.recorder.Snapshot())
	}
	return m
}

// Init queries the daemon status.
func (m Model) Init() tea.Cmd {
	return statusCmd(m.statusFn, m.socketPath)
}

// statusCmd asks the daemon for its status.
func statusCmd(status StatusFunc, socketPath string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
		defer cancel()
		resp, err := status(ctx, socketPath)
		if err != nil {
			return DaemonStatusErrorMsg{Err: err}
		}
		return DaemonStatusMsg{Response: resp}
	}
}

// startCmd silences playback and begins a recording session.
func startCmd(r Recorder, h *history.Store) tea.Cmd {
	return func() tea.Msg {
		h.StopPlayback()
		return StartResultMsg{Err: r.Start(context.Background())}
	}
}

// stopCmd ends the recording session and waits for the trailing audio.
func stopCmd(r Recorder) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		rec, err := r.Stop(ctx)
		return StopResultMsg{Record: rec, Err: err}
	}
}

// playCmd toggles playback of rec on control.
func playCmd(h *history.Store, rec history.Record, control history.Control) tea.Cmd {
	return func() tea.Msg {
		if err := h.RequestPlayback(rec, control); err != nil {
			return PlaybackErrorMsg{Err: err}
		}
		return nil
	}
}

// stopPlaybackCmd stops playback off the update loop, since the controls
// notify the program when they change.
func stopPlaybackCmd(h *history.Store) tea.Cmd {
	return func() tea.Msg {
		h.StopPlayback()
		return nil
	}
}

// clearTransientErrorCmd fires after a delay to clear transient errors.
func clearTransientErrorCmd(seq int) tea.Cmd {
	return tea.Tick(transientWindow, func(time.Time) tea.Msg {
		return ClearTransientErrorMsg{seq: seq}
	})
}

// reconnectCmd schedules a reconnection attempt with exponential backoff.
func reconnectCmd(attempt int) tea.Cmd {
	delay := time.Duration(1<<min(attempt, 4)) * time.Second // 1s, 2s, 4s, 8s, 16s cap
	return tea.Tick(delay, func(time.Time) tea.Msg {
		return ReconnectTickMsg{}
	})
}

func healthCmd() tea.Cmd {
	return tea.Tick(healthInterval, func(time.Time) tea.Msg {
		return HealthTickMsg{}
	})
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case CaptureUpdateMsg:
		m.applyUpdate(msg.Update)
		var cmds []tea.Cmd
		if msg.Update.Warning != "" {
			m.logger.Infow("recording degraded", "warning", msg.Update.Warning)
			cmds = append(cmds, m.setWarning(msg.Update.Warning))
		}
		if msg.Update.Err != nil {
			cmds = append(cmds, m.setError(msg.Update.Err))
		}
		return m, tea.Batch(cmds...)

	case StartResultMsg:
		m.refresh()
		if msg.Err != nil {
			m.logger.Warnw("start recording", "error", msg.Err)
			return m, m.setError(msg.Err)
		}
		m.clearError()
		return m, nil

	case StopResultMsg:
		m.refresh()
		if msg.Record != nil {
			m.logger.Infow("recording saved", "id", msg.Record.ID, "audio", msg.Record.HasAudio())
			m.selected = 0
		}
		if msg.Err != nil {
			m.logger.Warnw("stop recording", "error", msg.Err)
			return m, m.setError(msg.Err)
		}
		return m, nil

	case HistoryChangedMsg:
		m.clampSelection()
		return m, nil

	case PlaybackErrorMsg:
		if errors.Is(msg.Err, history.ErrNoAudio) {
			return m, m.setTransient("No audio for this recording")
		}
		m.logger.Warnw("playback", "error", msg.Err)
		return m, m.setTransient(msg.Err.Error())

	case DaemonStatusMsg:
		r := msg.Response
		if !r.OK {
			return m.disconnected(fmt.Errorf("daemon status: %s", r.Error))
		}
		m.connected = true
		m.connError = ""
		m.reconnecting = false
		m.reconnectAttempt = 0
		if r.Device != "" {
			m.deviceName = r.Device
		}
		return m, healthCmd()

	case DaemonStatusErrorMsg:
		return m.disconnected(msg.Err)

	case ReconnectTickMsg:
		m.reconnectAttempt++
		return m, statusCmd(m.statusFn, m.socketPath)

	case HealthTickMsg:
		return m, statusCmd(m.statusFn, m.socketPath)

	case ClearTransientErrorMsg:
		if m.errorTransient && msg.seq == m.errorSeq {
			m.clearError()
		}
		return m, nil

	case ClearWarningMsg:
		if msg.seq == m.warningSeq {
			m.warningMessage = ""
		}
		return m, nil
	}

	return m, nil
}

func (m Model) disconnected(err error) (Model, tea.Cmd) {
	if m.connected {
		m.logger.Warnw("speech daemon unreachable", "error", err)
	}
	m.connected = false
	m.connError = err.Error()
	m.reconnecting = true
	return m, reconnectCmd(m.reconnectAttempt)
}

func (m *Model) applyUpdate(u capture.Update) {
	m.state = u.State
	m.live = u.Live
	m.interim = u.Interim
	if u.Status != "" {
		m.statusText = u.Status
	}
}

// refresh pulls the controller's state when an operation returns, in case
// its notifications have not arrived yet.
func (m *Model) refresh() {
	if m.recorder != nil {
		m.applyUpdate(m.recorder.Snapshot())
	}
}

// setError shows err. Permission errors stay until the next successful
// start; everything else clears after a few seconds.
func (m *Model) setError(err error) tea.Cmd {
	var perm *capture.PermissionError
	if errors.As(err, &perm) {
		m.errorSeq++
		m.errorMessage = err.Error()
		m.errorTransient = false
		return nil
	}
	return m.setTransient(err.Error())
}

func (m *Model) setTransient(msg string) tea.Cmd {
	m.errorSeq++
	m.errorMessage = msg
	m.errorTransient = true
	return clearTransientErrorCmd(m.errorSeq)
}

// setWarning shows a degraded-session notice that clears on its own.
func (m *Model) setWarning(msg string) tea.Cmd {
	m.warningSeq++
	m.warningMessage = msg
	seq := m.warningSeq
	return tea.Tick(transientWindow, func(time.Time) tea.Msg {
		return ClearWarningMsg{seq: seq}
	})
}

func (m *Model) clearError() {
	m.errorMessage = ""
	m.errorTransient = false
}

// control returns the playback control for a record, creating it on first
// use.
func (m Model) control(id string) *history.Toggle {
	if t, ok := m.controls[id]; ok {
		return t
	}
	send := m.send
	t := history.NewToggle(func(history.Affordance) { send(HistoryChangedMsg{}) })
	m.controls[id] = t
	return t
}

// selectedRecord returns the highlighted record. Selection counts from the
// newest record.
func (m Model) selectedRecord() (history.Record, bool) {
	records := m.history.Records()
	idx := len(records) - 1 - m.selected
	if idx < 0 || idx >= len(records) {
		return history.Record{}, false
	}
	return records[idx], true
}

func (m *Model) clampSelection() {
	n := m.history.Len()
	if m.selected >= n {
		m.selected = max(0, n-1)
	}
	if m.selected < 0 {
		m.selected = 0
	}
}

// handleKey processes key presses.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case KeyQuit, KeyQuitUpper, KeyCtrlC:
		if m.recorder != nil && m.state == capture.Recording {
			return m, tea.Sequence(stopPlaybackCmd(m.history), stopCmd(m.recorder), tea.Quit)
		}
		return m, tea.Sequence(stopPlaybackCmd(m.history), tea.Quit)

	case KeySpace:
		if m.recorder == nil {
			return m, nil
		}
		switch m.state {
		case capture.Recording:
			m.state = capture.Stopping
			m.statusText = capture.StatusStopping
			return m, stopCmd(m.recorder)
		case capture.Idle:
			if !m.connected {
				return m, m.setTransient("Speech daemon not running")
			}
			return m, startCmd(m.recorder, m.history)
		}
		return m, nil

	case KeyJ, KeyDown:
		if m.selected < m.history.Len()-1 {
			m.selected++
		}
		return m, nil

	case KeyK, KeyUp:
		if m.selected > 0 {
			m.selected--
		}
		return m, nil

	case KeyEnter, KeyPlay:
		rec, ok := m.selectedRecord()
		if !ok {
			return m, nil
		}
		return m, playCmd(m.history, rec, m.control(rec.ID))

	case KeyStopPlay, KeyEsc:
		return m, stopPlaybackCmd(m.history)
	}

	return m, nil
}

func (m Model) historyVisibleLines() int {
	if m.height == 0 {
		return 12
	}
	// header(1) + status(1) + 3 dividers + live title(1) + live(2) + history title(1) + error(1) + warning(1) + footer(1)
	reserved := 12
	return max(4, m.height-reserved)
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	divider := ui.DividerStyle.Render(strings.Repeat("─", m.width))

	var sections []string
	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderStatusBar())
	sections = append(sections, divider)
	sections = append(sections, m.renderLivePanel())
	sections = append(sections, divider)
	sections = append(sections, m.renderHistoryPanel(m.historyVisibleLines()))
	sections = append(sections, divider)

	if m.errorMessage != "" {
		sections = append(sections, m.renderErrorBar())
	}
	if m.warningMessage != "" {
		sections = append(sections, ui.WarningStyle.Render("! ")+ui.WarningTextStyle.Render(m.warningMessage))
	}

	sections = append(sections, m.renderFooter())

	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	title := ui.TitleStyle.Render("VOICEPAL")

	var deviceInfo string
	if m.deviceName != "" {
		deviceInfo = ui.DimStyle.Render(" · " + m.deviceName)
	}

	var conn string
	switch {
	case m.connected:
		conn = "  " + ui.ConnectedBadgeStyle.Render("daemon ok")
	case m.reconnecting:
		conn = "  " + ui.ErrorTextStyle.Render("daemon unreachable, retrying...")
	default:
		conn = "  " + ui.DimStyle.Render("connecting...")
	}

	return title + deviceInfo + conn
}

func (m Model) renderStatusBar() string {
	var dot string
	switch m.state {
	case capture.Recording:
		dot = ui.RecordingDotStyle.Render("● REC")
	case capture.Stopping:
		dot = ui.StoppingDotStyle.Render("◐ SAVING")
	default:
		dot = ui.IdleDotStyle.Render("○ IDLE")
	}
	return dot + "  " + ui.StatusStyle.Render(m.statusText)
}

func (m Model) renderLivePanel() string {
	lines := []string{ui.PanelTitleStyle.Render("LIVE")}

	textWidth := max(10, m.width-4)
	if m.live == "" && m.interim == "" {
		switch {
		case m.state == capture.Recording:
			lines = append(lines, ui.DimStyle.Render("  Listening..."))
		case m.reconnecting:
			lines = append(lines, ui.ErrorTextStyle.Render("  Speech daemon unreachable: "+m.connError))
			lines = append(lines, ui.DimStyle.Render("  Waiting for "+m.socketPath))
			return strings.Join(lines, "\n")
		default:
			lines = append(lines, ui.DimStyle.Render("  Press Space to start recording"))
		}
		lines = append(lines, "")
		return strings.Join(lines, "\n")
	}

	var body []string
	for _, l := range wrapText(m.live, textWidth) {
		if l != "" {
			body = append(body, ui.LiveTextStyle.Render(l))
		}
	}
	if m.interim != "" {
		for _, l := range wrapText(m.interim+"▌", textWidth) {
			body = append(body, ui.InterimTextStyle.Render(l))
		}
	}
	// keep the tail of long dictations in view
	if len(body) > 2 {
		body = body[len(body)-2:]
	}
	for len(body) < 2 {
		body = append(body, "")
	}
	for _, l := range body {
		lines = append(lines, "  "+l)
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderHistoryPanel(height int) string {
	header := ui.PanelTitleStyle.Render(fmt.Sprintf("HISTORY (%d)", m.history.Len()))

	now := m.now()
	textWidth := max(10, m.width-6)

	var body []string
	selStart, selEnd := 0, 0
	pos := 0
	for row := range m.history.Render() {
		if row.Record == nil {
			body = append(body, ui.DimStyle.Render("  "+row.Placeholder))
			continue
		}
		rec := row.Record
		isSelected := pos == m.selected

		marker := "  "
		if isSelected {
			marker = ui.SelectedStyle.Render("> ")
		}

		meta := ui.TimestampStyle.Render(rec.TimeLabel()) + " " + ui.DimStyle.Render(rec.Age(now))
		if size := rec.SizeLabel(); size != "" {
			meta += " " + ui.DimStyle.Render(size)
		}

		if isSelected {
			selStart = len(body)
		}
		body = append(body, marker+m.renderAffordance(*rec)+" "+meta)
		for _, wl := range wrapText(strings.TrimSpace(rec.Text), textWidth) {
			if isSelected {
				body = append(body, "    "+ui.SelectedStyle.Render(wl))
			} else {
				body = append(body, "    "+wl)
			}
		}
		if isSelected {
			selEnd = len(body)
		}
		pos++
	}

	// scroll so the selected record is visible
	contentHeight := height - 1
	start := 0
	if selEnd > contentHeight {
		start = min(selStart, selEnd-contentHeight)
	}
	end := min(len(body), start+contentHeight)

	lines := []string{header}
	lines = append(lines, body[start:end]...)
	for len(lines) < height {
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderAffordance(rec history.Record) string {
	if !rec.HasAudio() {
		return ui.DimStyle.Render("  ·   ")
	}
	t, ok := m.controls[rec.ID]
	if ok && t.Affordance() == history.AffordancePlaying {
		return ui.PlayingStyle.Render("■ " + history.AffordancePlaying.String())
	}
	return ui.PlayStyle.Render("▶ " + history.AffordancePlay.String() + "   ")
}

func (m Model) renderErrorBar() string {
	msg := strings.TrimPrefix(m.errorMessage, "Error: ")
	return ui.ErrorStyle.Render("Error: ") + ui.ErrorTextStyle.Render(msg)
}

func (m Model) renderFooter() string {
	var parts []string

	switch m.state {
	case capture.Recording:
		parts = append(parts, ui.FooterKeyStyle.Render("Space")+ui.FooterDescStyle.Render(" Stop"))
	case capture.Idle:
		parts = append(parts, ui.FooterKeyStyle.Render("Space")+ui.FooterDescStyle.Render(" Record"))
	}
	if m.history.Len() > 0 {
		parts = append(parts, ui.FooterKeyStyle.Render("j/k")+ui.FooterDescStyle.Render(" Select"))
		parts = append(parts, ui.FooterKeyStyle.Render("p")+ui.FooterDescStyle.Render(" Play"))
		parts = append(parts, ui.FooterKeyStyle.Render("s")+ui.FooterDescStyle.Render(" Stop playback"))
	}
	parts = append(parts, ui.FooterKeyStyle.Render("q")+ui.FooterDescStyle.Render(" Quit"))

	return strings.Join(parts, "  ")
}

// Helpers

func wrapText(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}

	var lines []string
	for _, paragraph := range strings.Split(text, "\n") {
		var current string
		for _, word := range strings.Fields(paragraph) {
			if current == "" {
				current = word
			} else if len(current)+1+len(word) <= width {
				current += " " + word
			} else {
				lines = append(lines, current)
				current = word
			}
		}
		if current != "" {
			lines = append(lines, current)
		} else {
			lines = append(lines, "")
		}
	}
	if len(lines) == 0 {
		return []string{""}
	}
	return lines
}
