// Package mcpserver exposes the transcript archive to MCP clients over stdio.
package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/CamScoglio/voicepal/internal/db"
)

const (
	defaultLimit = 20
	maxLimit     = 200
)

// Archive is the read side of the transcript store.
type Archive interface {
	Recent(limit int) ([]db.Transcript, error)
	Search(query string, limit int) ([]db.Transcript, error)
	Transcript(id string) (*db.Transcript, error)
}

// Server wires the archive tools onto an MCP server.
type Server struct {
	archive Archive
	logger  *zap.SugaredLogger
	now     func() time.Time
	mcp     *server.MCPServer
}

// New returns a Server exposing list_transcripts, get_transcript and
// search_transcripts.
func New(archive Archive, version string, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		archive: archive,
		logger:  logger,
		now:     time.Now,
		mcp:     server.NewMCPServer("voicepal", version, server.WithToolCapabilities(false)),
	}
	s.registerList()
	s.registerGet()
	s.registerSearch()
	return s
}

// ServeStdio blocks serving requests on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerList() {
	tool := mcp.NewTool("list_transcripts",
		mcp.WithDescription("List recent voice recordings, newest first. Each line shows the transcript ID, when it was recorded, and its text."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of transcripts to return (default 20)")),
	)
	s.mcp.AddTool(tool, s.handleList)
}

func (s *Server) registerGet() {
	tool := mcp.NewTool("get_transcript",
		mcp.WithDescription("Get the full text and audio details of one transcript by ID."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Transcript ID as shown by list_transcripts")),
	)
	s.mcp.AddTool(tool, s.handleGet)
}

func (s *Server) registerSearch() {
	tool := mcp.NewTool("search_transcripts",
		mcp.WithDescription("Search transcripts for text (case-insensitive substring match), newest first."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Text to look for")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of transcripts to return (default 20)")),
	)
	s.mcp.AddTool(tool, s.handleSearch)
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := clampLimit(req.GetInt("limit", defaultLimit))
	ts, err := s.archive.Recent(limit)
	if err != nil {
		s.logger.Errorw("list transcripts", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("list transcripts: %v", err)), nil
	}
	if len(ts) == 0 {
		return mcp.NewToolResultText("No transcripts recorded yet."), nil
	}
	return mcp.NewToolResultText(s.formatList(ts)), nil
}

func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t, err := s.archive.Transcript(id)
	if err != nil {
		s.logger.Errorw("get transcript", "id", id, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("get transcript: %v", err)), nil
	}
	if t == nil {
		return mcp.NewToolResultError(fmt.Sprintf("no transcript with id %q", id)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ID: %s\n", t.ID)
	fmt.Fprintf(&b, "Recorded: %s (%s)\n", t.CreatedAt.Format("2006-01-02 15:04:05"), humanize.RelTime(t.CreatedAt, s.now(), "ago", "from now"))
	if t.AudioPath != nil {
		fmt.Fprintf(&b, "Audio: %s (%s)\n", *t.AudioPath, humanize.Bytes(uint64(t.AudioSize)))
	} else {
		b.WriteString("Audio: none\n")
	}
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(t.Text))
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if strings.TrimSpace(query) == "" {
		return mcp.NewToolResultError("query must not be empty"), nil
	}
	limit := clampLimit(req.GetInt("limit", defaultLimit))
	ts, err := s.archive.Search(query, limit)
	if err != nil {
		s.logger.Errorw("search transcripts", "query", query, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("search transcripts: %v", err)), nil
	}
	if len(ts) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No transcripts match %q.", query)), nil
	}
	return mcp.NewToolResultText(s.formatList(ts)), nil
}

func (s *Server) formatList(ts []db.Transcript) string {
	now := s.now()
	var b strings.Builder
	for _, t := range ts {
		audio := ""
		if t.AudioPath != nil {
			audio = fmt.Sprintf(" [audio %s]", humanize.Bytes(uint64(t.AudioSize)))
		}
		fmt.Fprintf(&b, "%s  %s (%s)%s\n  %s\n",
			t.ID,
			t.CreatedAt.Format("2006-01-02 15:04"),
			humanize.RelTime(t.CreatedAt, now, "ago", "from now"),
			audio,
			strings.TrimSpace(t.Text))
	}
	return strings.TrimRight(b.String(), "\n")
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}
