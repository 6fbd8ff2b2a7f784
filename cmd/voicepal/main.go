// Command voicepal is a terminal dictation pad. Speech is transcribed live by
// the speech daemon, and every finished recording is kept with its audio in
// a local archive.
//
// Usage:
//
//	voicepal [-config path] [tui]        run the recorder
//	voicepal [-config path] mcp          serve the archive over MCP stdio
//	voicepal [-config path] list [-n N]  print recent transcripts
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/CamScoglio/voicepal/internal/app"
	"github.com/CamScoglio/voicepal/internal/audio"
	"github.com/CamScoglio/voicepal/internal/capture"
	"github.com/CamScoglio/voicepal/internal/config"
	"github.com/CamScoglio/voicepal/internal/daemon"
	"github.com/CamScoglio/voicepal/internal/db"
	"github.com/CamScoglio/voicepal/internal/history"
	"github.com/CamScoglio/voicepal/internal/logging"
	"github.com/CamScoglio/voicepal/internal/mcpserver"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "voicepal:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("voicepal", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to voicepal.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	switch cmd := fs.Arg(0); cmd {
	case "", "tui":
		return runTUI(cfg, logger)
	case "mcp":
		return runMCP(cfg, logger)
	case "list":
		return runList(cfg, fs.Args()[1:], stdout)
	default:
		return fmt.Errorf("unknown command %q (want tui, mcp or list)", cmd)
	}
}

func runTUI(cfg *config.Config, logger *zap.SugaredLogger) error {
	logger.Infow("starting voicepal", "version", version, "socket", cfg.SocketPath)

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	library, err := audio.NewLibrary(cfg.AudioDir, audio.DefaultFormat, logger)
	if err != nil {
		return err
	}

	// prog is set before Run, and nothing sends until the program is running
	var prog *tea.Program
	send := func(msg tea.Msg) {
		if prog != nil {
			prog.Send(msg)
		}
	}

	hist := history.NewStore(
		audio.NewCommandPlayer(cfg.PlayerCommand, logger),
		history.WithArchive(store),
		history.WithLogger(logger),
		history.WithOnChange(func() { send(app.HistoryChangedMsg{}) }),
	)
	defer hist.Close()

	records, err := store.Records()
	if err != nil {
		return err
	}
	hist.Load(records)
	logger.Infow("history loaded", "records", len(records))

	ctrl, err := capture.New(capture.Config{
		Mic:          capture.NewMicCache(daemon.NewMicrophone(cfg.SocketPath, cfg.Device)),
		Recognizer:   daemon.NewRecognizer(cfg.SocketPath, cfg.Locale, logger),
		Audio:        daemon.NewAudioCapture(cfg.SocketPath, logger),
		Library:      library,
		Sink:         hist,
		Logger:       logger,
		RestartLimit: cfg.RestartLimit,
		Notify:       func(u capture.Update) { send(app.CaptureUpdateMsg{Update: u}) },
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logger.Warnw("close controller", "error", err)
		}
	}()

	model := app.New(app.Options{
		Recorder:   ctrl,
		History:    hist,
		SocketPath: cfg.SocketPath,
		Send:       send,
		Logger:     logger,
	})
	prog = tea.NewProgram(model, tea.WithAltScreen())
	if _, err := prog.Run(); err != nil {
		return fmt.Errorf("run tui: %w", err)
	}
	return nil
}

func runMCP(cfg *config.Config, logger *zap.SugaredLogger) error {
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	logger.Infow("serving mcp", "db", cfg.DBPath)
	return mcpserver.New(store, version, logger).ServeStdio()
}

func runList(cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	limit := fs.Int("n", 20, "number of transcripts to print")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(cfg.DBPath); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(out, "No transcripts yet.")
		return nil
	}
	store, err := db.OpenReadOnly(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ts, err := store.Recent(*limit)
	if err != nil {
		return err
	}
	if len(ts) == 0 {
		fmt.Fprintln(out, "No transcripts yet.")
		return nil
	}

	now := time.Now()
	for _, t := range ts {
		line := fmt.Sprintf("%s  %-16s  %s", t.CreatedAt.Format("2006-01-02 15:04"), humanize.RelTime(t.CreatedAt, now, "ago", "from now"), strings.TrimSpace(t.Text))
		if t.AudioPath != nil {
			line += fmt.Sprintf("  [%s]", humanize.Bytes(uint64(t.AudioSize)))
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
