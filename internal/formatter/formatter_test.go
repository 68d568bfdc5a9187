package formatter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gamzabox/transcript-formatter/internal/config"
	"github.com/gamzabox/transcript-formatter/internal/llm"
	"github.com/gamzabox/transcript-formatter/internal/tokenizer"
)

type providerFunc func(context.Context, llm.ChatRequest) (llm.ChatResponse, error)

func (fn providerFunc) Complete(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	return fn(ctx, req)
}

func echoProvider() providerFunc {
	return func(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
		return llm.ChatResponse{Content: req.Messages[len(req.Messages)-1].Content}, nil
	}
}

func newTestAssembler(t *testing.T, limit int) *tokenizer.Assembler {
	t.Helper()
	tok, err := tokenizer.NewTiktoken(tokenizer.DefaultEncoding)
	if err != nil {
		t.Fatalf("NewTiktoken() error = %v", err)
	}
	assembler, err := tokenizer.NewAssembler(tok, limit)
	if err != nil {
		t.Fatalf("NewAssembler() error = %v", err)
	}
	return assembler
}

func newTestFormatter(t *testing.T, opts Options) *Formatter {
	t.Helper()
	if opts.Model == "" {
		opts.Model = "mistral"
	}
	if opts.Instruction == "" {
		opts.Instruction = config.DefaultInstruction
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}

// threeChunkFixture returns text and a limit so every sentence is one chunk.
func threeChunkFixture(t *testing.T) (string, int) {
	t.Helper()
	sentences := []string{
		"Heute sprechen wir über die Geschichte der Stadt.",
		"Danach folgt ein kurzer Überblick über die Architektur.",
		"Zum Schluss beantworten wir Fragen aus dem Publikum.",
	}
	tok, err := tokenizer.NewTiktoken(tokenizer.DefaultEncoding)
	if err != nil {
		t.Fatalf("NewTiktoken() error = %v", err)
	}
	limit := 0
	for _, s := range sentences {
		if n := tok.Count(s); n > limit {
			limit = n
		}
	}
	return strings.Join(sentences, " "), limit
}

// newChatServer serves OpenAI-style completions; fail decides per 1-based
// request number whether to answer with a 500.
func newChatServer(t *testing.T, fail func(n int64) bool) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var count atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := count.Add(1)
		var body struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if fail != nil && fail(n) {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":{"message":"llama server crashed"}}`)
			return
		}
		content := body.Messages[len(body.Messages)-1].Content
		resp := map[string]any{
			"choices": []map[string]any{{
				"index":   0,
				"message": map[string]string{"role": "assistant", "content": content},
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server, &count
}

func newHTTPProvider(t *testing.T, server *httptest.Server) llm.ChatProvider {
	t.Helper()
	provider, err := llm.NewFactory(server.Client()).Create(config.Model{Name: "mistral", BaseURL: server.URL + "/v1"})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	return provider
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	assembler := newTestAssembler(t, 300)
	cases := []Options{
		{Provider: echoProvider(), Model: "m", Instruction: "i"},
		{Assembler: assembler, Model: "m", Instruction: "i"},
		{Assembler: assembler, Provider: echoProvider(), Instruction: "i"},
		{Assembler: assembler, Provider: echoProvider(), Model: "m"},
	}
	for i, opts := range cases {
		if _, err := New(opts); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestFormatEndToEndEcho(t *testing.T) {
	t.Parallel()

	server, count := newChatServer(t, nil)
	f := newTestFormatter(t, Options{
		Assembler: newTestAssembler(t, 300),
		Provider:  newHTTPProvider(t, server),
	})

	input := "Hallo Welt. Wie geht es dir?"
	got, err := f.Format(context.Background(), input)
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	if got != input {
		t.Fatalf("Format() = %q, want %q", got, input)
	}
	if n := count.Load(); n != 1 {
		t.Fatalf("expected a single round-trip, got %d", n)
	}
}

func TestFormatStopsAtFirstEndpointError(t *testing.T) {
	t.Parallel()

	text, limit := threeChunkFixture(t)
	server, count := newChatServer(t, func(n int64) bool { return n == 2 })
	f := newTestFormatter(t, Options{
		Assembler: newTestAssembler(t, limit),
		Provider:  newHTTPProvider(t, server),
	})
	if chunks := f.Chunks(text); len(chunks) != 3 {
		t.Fatalf("fixture should yield 3 chunks, got %d", len(chunks))
	}

	dir := t.TempDir()
	input := filepath.Join(dir, "talk.txt")
	if err := os.WriteFile(input, []byte(text), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	output := OutputPath(input, "_formatted")

	err := f.FormatFile(context.Background(), input, output)
	if err == nil {
		t.Fatalf("expected error")
	}

	var chunkErr *ChunkError
	if !errors.As(err, &chunkErr) || chunkErr.Index != 1 || chunkErr.Total != 3 {
		t.Fatalf("expected ChunkError for chunk 2/3, got %v", err)
	}
	var endpointErr *llm.EndpointError
	if !errors.As(err, &endpointErr) || endpointErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected EndpointError with status 500, got %v", err)
	}
	if !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "llama server crashed") {
		t.Fatalf("error should carry status and message: %v", err)
	}
	if n := count.Load(); n != 2 {
		t.Fatalf("expected the third chunk not to be sent, got %d requests", n)
	}
	if _, statErr := os.Stat(output); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("output file must not exist, stat error = %v", statErr)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected only the input file in %s, got %d entries", dir, len(entries))
	}
}

func TestFormatFileWritesJoinedOutput(t *testing.T) {
	t.Parallel()

	text, limit := threeChunkFixture(t)
	var (
		mu       sync.Mutex
		progress []Progress
	)
	f := newTestFormatter(t, Options{
		Assembler: newTestAssembler(t, limit),
		Provider: providerFunc(func(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
			return llm.ChatResponse{Content: strings.ToUpper(req.Messages[0].Content)}, nil
		}),
		Progress: func(p Progress) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		},
	})

	dir := t.TempDir()
	input := filepath.Join(dir, "talk.txt")
	if err := os.WriteFile(input, []byte(text), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	output := OutputPath(input, "_formatted")
	if err := f.FormatFile(context.Background(), input, output); err != nil {
		t.Fatalf("FormatFile() error = %v", err)
	}

	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	parts := strings.Split(string(data), "\n\n")
	if len(parts) != 3 {
		t.Fatalf("expected 3 paragraphs, got %d: %q", len(parts), data)
	}
	if !strings.HasPrefix(parts[0], "HEUTE") || !strings.HasPrefix(parts[2], "ZUM SCHLUSS") {
		t.Fatalf("paragraphs out of order: %q", data)
	}

	if len(progress) != 3 {
		t.Fatalf("expected 3 progress events, got %d", len(progress))
	}
	for i, p := range progress {
		if p.Index != i+1 || p.Total != 3 {
			t.Fatalf("unexpected progress event %d: %+v", i, p)
		}
	}
}

func TestFormatFileReportsMissingInput(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	f := newTestFormatter(t, Options{
		Assembler: newTestAssembler(t, 300),
		Provider: providerFunc(func(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
			calls.Add(1)
			return llm.ChatResponse{}, nil
		}),
	})

	dir := t.TempDir()
	err := f.FormatFile(context.Background(), filepath.Join(dir, "missing.txt"), filepath.Join(dir, "out.txt"))
	if !errors.Is(err, ErrInputMissing) {
		t.Fatalf("expected ErrInputMissing, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("no request should be made for a missing input")
	}
}

func TestFormatEmptyInputMakesNoRequests(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	f := newTestFormatter(t, Options{
		Assembler: newTestAssembler(t, 300),
		Provider: providerFunc(func(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
			calls.Add(1)
			return llm.ChatResponse{}, nil
		}),
	})

	got, err := f.Format(context.Background(), "  \n ")
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	if got != "" || calls.Load() != 0 {
		t.Fatalf("expected empty output without requests, got %q after %d calls", got, calls.Load())
	}
}

func TestFormatSendsInstructionAndSamplingParameters(t *testing.T) {
	t.Parallel()

	var captured llm.ChatRequest
	f := newTestFormatter(t, Options{
		Assembler:      newTestAssembler(t, 300),
		Model:          "leolm-german",
		Instruction:    "Nur Satzzeichen setzen.",
		Temperature:    0.2,
		ResponseTokens: 1024,
		Provider: providerFunc(func(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
			captured = req
			return llm.ChatResponse{Content: "ok"}, nil
		}),
	})

	if _, err := f.Format(context.Background(), "hallo welt"); err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	if captured.Model != "leolm-german" || captured.SystemPrompt != "Nur Satzzeichen setzen." {
		t.Fatalf("unexpected request: %+v", captured)
	}
	if captured.Temperature != 0.2 || captured.MaxTokens != 1024 {
		t.Fatalf("unexpected sampling parameters: %+v", captured)
	}
	if len(captured.Messages) != 1 || captured.Messages[0].Role != "user" || captured.Messages[0].Content != "hallo welt" {
		t.Fatalf("unexpected messages: %+v", captured.Messages)
	}
}

func TestFormatParallelKeepsChunkOrder(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("Erster Teil. Zweiter Teil. Dritter Teil. Vierter Teil. ", 3)
	assembler := newTestAssembler(t, 4)
	chunks := assembler.Split(text)
	if len(chunks) < 4 {
		t.Fatalf("fixture should yield several chunks, got %d", len(chunks))
	}

	var inFlight, peak atomic.Int64
	f := newTestFormatter(t, Options{
		Assembler:   assembler,
		Concurrency: 3,
		Provider: providerFunc(func(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
			cur := inFlight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			// Earlier chunks finish later.
			time.Sleep(time.Duration(len(req.Messages[0].Content)%5) * time.Millisecond)
			inFlight.Add(-1)
			return llm.ChatResponse{Content: "<" + req.Messages[0].Content + ">"}, nil
		}),
	})

	got, err := f.Format(context.Background(), text)
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}

	want := make([]string, len(chunks))
	for i, c := range chunks {
		want[i] = "<" + c + ">"
	}
	if got != Join(want) {
		t.Fatalf("parallel output out of order:\n got: %q\nwant: %q", got, Join(want))
	}
	if peak.Load() > 3 {
		t.Fatalf("concurrency limit exceeded: %d", peak.Load())
	}
}

func TestFormatParallelAbortsOnFailure(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("Erster Teil. Zweiter Teil. Dritter Teil. Vierter Teil. ", 5)
	assembler := newTestAssembler(t, 4)
	total := len(assembler.Split(text))

	var calls atomic.Int64
	f := newTestFormatter(t, Options{
		Assembler:   assembler,
		Concurrency: 2,
		Provider: providerFunc(func(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
			if calls.Add(1) == 1 {
				return llm.ChatResponse{}, &llm.EndpointError{Provider: "openai", StatusCode: http.StatusServiceUnavailable, Message: "busy"}
			}
			select {
			case <-ctx.Done():
				return llm.ChatResponse{}, ctx.Err()
			case <-time.After(20 * time.Millisecond):
			}
			return llm.ChatResponse{Content: "ok"}, nil
		}),
	})

	got, err := f.Format(context.Background(), text)
	if err == nil {
		t.Fatalf("expected error")
	}
	if got != "" {
		t.Fatalf("no partial output expected, got %q", got)
	}
	var endpointErr *llm.EndpointError
	if !errors.As(err, &endpointErr) || endpointErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected the endpoint error to surface, got %v", err)
	}
	if n := calls.Load(); n >= int64(total) {
		t.Fatalf("expected the run to stop early, got %d of %d requests", n, total)
	}
}

func TestJoinAndOutputPath(t *testing.T) {
	t.Parallel()

	if got := Join([]string{"Eins.", "Zwei."}); got != "Eins.\n\nZwei." {
		t.Fatalf("Join() = %q", got)
	}
	if got := Join([]string{"Nur einer."}); got != "Nur einer." {
		t.Fatalf("Join() single = %q", got)
	}

	tests := map[string]string{
		"output.txt":           "output_formatted.txt",
		"/tmp/talk.de.txt":     "/tmp/talk.de_formatted.txt",
		"notes":                "notes_formatted",
		"dir.v1/transcript.md": "dir.v1/transcript_formatted.md",
	}
	for in, want := range tests {
		if got := OutputPath(in, "_formatted"); got != want {
			t.Fatalf("OutputPath(%q) = %q, want %q", in, got, want)
		}
	}
}
