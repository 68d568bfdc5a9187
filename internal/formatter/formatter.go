package formatter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/gamzabox/transcript-formatter/internal/llm"
	"github.com/gamzabox/transcript-formatter/internal/logging"
	"github.com/gamzabox/transcript-formatter/internal/tokenizer"
)

// Separator joins formatted chunks.
const Separator = "\n\n"

// Progress is reported before each chunk request.
type Progress struct {
	Index int // 1-based
	Total int
	Chunk string
}

// Options configures a Formatter.
type Options struct {
	Assembler      *tokenizer.Assembler
	Provider       llm.ChatProvider
	Model          string
	Instruction    string
	Temperature    float64
	ResponseTokens int
	// Concurrency above one sends chunks in parallel; results keep chunk order.
	Concurrency int
	Logger      *logging.Logger
	// Progress may be called from several goroutines when Concurrency > 1.
	Progress func(Progress)
}

// Formatter turns raw transcripts into formatted text.
type Formatter struct {
	assembler      *tokenizer.Assembler
	provider       llm.ChatProvider
	model          string
	instruction    string
	temperature    float64
	responseTokens int
	concurrency    int
	logger         *logging.Logger
	progress       func(Progress)
}

// ChunkError identifies the chunk whose completion aborted the run.
type ChunkError struct {
	Index int // 0-based
	Total int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("format chunk %d/%d: %v", e.Index+1, e.Total, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// New validates options and constructs a Formatter.
func New(opts Options) (*Formatter, error) {
	if opts.Assembler == nil {
		return nil, errors.New("assembler is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("model is required")
	}
	if strings.TrimSpace(opts.Instruction) == "" {
		return nil, errors.New("instruction is required")
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Formatter{
		assembler:      opts.Assembler,
		provider:       opts.Provider,
		model:          opts.Model,
		instruction:    opts.Instruction,
		temperature:    opts.Temperature,
		responseTokens: opts.ResponseTokens,
		concurrency:    concurrency,
		logger:         logger,
		progress:       opts.Progress,
	}, nil
}

// Chunks exposes the chunking step on its own.
func (f *Formatter) Chunks(raw string) []string {
	return f.assembler.Split(raw)
}

// Stats reports how raw would be chunked without sending anything.
func (f *Formatter) Stats(raw string) tokenizer.Stats {
	return f.assembler.Stats(raw)
}

// Format splits raw into chunks, formats each one and joins the results.
// The first failing chunk aborts the run and no text is returned.
func (f *Formatter) Format(ctx context.Context, raw string) (string, error) {
	chunks := f.assembler.Split(raw)
	f.logger.Infof("text split into %d chunks (limit %d tokens)", len(chunks), f.assembler.Limit())
	if len(chunks) == 0 {
		return "", nil
	}

	var (
		formatted []string
		err       error
	)
	if f.concurrency == 1 || len(chunks) == 1 {
		formatted, err = f.formatSequential(ctx, chunks)
	} else {
		formatted, err = f.formatParallel(ctx, chunks)
	}
	if err != nil {
		f.logger.Errorf("formatting aborted: %v", err)
		return "", err
	}
	return Join(formatted), nil
}

func (f *Formatter) formatSequential(ctx context.Context, chunks []string) ([]string, error) {
	formatted := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		out, err := f.formatChunk(ctx, i, len(chunks), chunk)
		if err != nil {
			return nil, err
		}
		formatted = append(formatted, out)
	}
	return formatted, nil
}

func (f *Formatter) formatParallel(ctx context.Context, chunks []string) ([]string, error) {
	formatted := make([]string, len(chunks))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(f.concurrency)

	for i, chunk := range chunks {
		if groupCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			if groupCtx.Err() != nil {
				return nil
			}
			out, err := f.formatChunk(groupCtx, i, len(chunks), chunk)
			if err != nil {
				return err
			}
			formatted[i] = out
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return formatted, nil
}

func (f *Formatter) formatChunk(ctx context.Context, index, total int, chunk string) (string, error) {
	if f.progress != nil {
		f.progress(Progress{Index: index + 1, Total: total, Chunk: chunk})
	}
	if f.logger.LevelEnabled("debug") {
		f.logger.Debugf("formatting chunk %d/%d (%d tokens)", index+1, total, f.assembler.Tokenizer().Count(chunk))
	}

	resp, err := f.provider.Complete(ctx, llm.ChatRequest{
		Model:        f.model,
		SystemPrompt: f.instruction,
		Messages:     []llm.Message{{Role: "user", Content: chunk}},
		Temperature:  f.temperature,
		MaxTokens:    f.responseTokens,
	})
	if err != nil {
		return "", &ChunkError{Index: index, Total: total, Err: err}
	}
	f.logger.Debugf("chunk %d/%d done (prompt %d, completion %d tokens)", index+1, total, resp.PromptTokens, resp.CompletionTokens)
	return resp.Content, nil
}

// Join concatenates formatted chunks in order, separated by a blank line.
func Join(parts []string) string {
	return strings.Join(parts, Separator)
}
