package mcp

import (
	"context"
	"errors"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gamzabox/transcript-formatter/internal/logging"
	"github.com/gamzabox/transcript-formatter/internal/tokenizer"
)

const (
	FormatToolName = "format_text"
	SplitToolName  = "split_text"
)

// Pipeline is the part of the formatter the tools need.
type Pipeline interface {
	Format(ctx context.Context, raw string) (string, error)
	Stats(raw string) tokenizer.Stats
}

// TextInput is the argument of both tools.
type TextInput struct {
	Text string `json:"text" jsonschema:"raw transcript text"`
}

// FormatOutput carries the formatted transcript.
type FormatOutput struct {
	Text string `json:"text"`
}

// ChunkInfo describes one chunk returned by split_text.
type ChunkInfo struct {
	Index  int    `json:"index"`
	Tokens int    `json:"tokens"`
	Text   string `json:"text"`
}

// SplitOutput is the dry-run result of split_text.
type SplitOutput struct {
	Sentences int         `json:"sentences"`
	Tokens    int         `json:"tokens"`
	Chunks    []ChunkInfo `json:"chunks"`
}

// Server serves the pipeline tools.
type Server struct {
	pipeline Pipeline
	logger   *logging.Logger
	server   *sdk.Server
}

// NewServer registers the tools on a fresh MCP server.
func NewServer(pipeline Pipeline, version string, logger *logging.Logger) (*Server, error) {
	if pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if version == "" {
		version = "dev"
	}

	s := &Server{
		pipeline: pipeline,
		logger:   logger,
		server:   sdk.NewServer(&sdk.Implementation{Name: "textfmt", Version: version}, nil),
	}
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        FormatToolName,
		Description: "Restore punctuation and paragraphs of a raw speech transcript without changing its words.",
	}, s.formatText)
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        SplitToolName,
		Description: "Show how a transcript is split into token-bounded chunks. No model is called.",
	}, s.splitText)
	return s, nil
}

// Run serves requests over stdin/stdout until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Infof("MCP server listening on stdio")
	return s.server.Run(ctx, &sdk.StdioTransport{})
}

// Connect attaches the server to an arbitrary transport.
func (s *Server) Connect(ctx context.Context, transport sdk.Transport) (*sdk.ServerSession, error) {
	return s.server.Connect(ctx, transport, nil)
}

func (s *Server) formatText(ctx context.Context, _ *sdk.CallToolRequest, in TextInput) (*sdk.CallToolResult, FormatOutput, error) {
	s.logger.Debugf("MCP %s: %d bytes", FormatToolName, len(in.Text))
	formatted, err := s.pipeline.Format(ctx, in.Text)
	if err != nil {
		s.logger.Errorf("MCP %s failed: %v", FormatToolName, err)
		return nil, FormatOutput{}, err
	}
	return &sdk.CallToolResult{
		Content: []sdk.Content{&sdk.TextContent{Text: formatted}},
	}, FormatOutput{Text: formatted}, nil
}

func (s *Server) splitText(_ context.Context, _ *sdk.CallToolRequest, in TextInput) (*sdk.CallToolResult, SplitOutput, error) {
	stats := s.pipeline.Stats(in.Text)
	out := SplitOutput{
		Sentences: stats.Sentences,
		Tokens:    stats.Tokens,
		Chunks:    make([]ChunkInfo, 0, len(stats.Chunks)),
	}
	for i, c := range stats.Chunks {
		out.Chunks = append(out.Chunks, ChunkInfo{Index: i + 1, Tokens: c.Tokens, Text: c.Text})
	}
	s.logger.Debugf("MCP %s: %d chunks", SplitToolName, len(out.Chunks))
	return nil, out, nil
}
