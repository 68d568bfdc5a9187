package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gamzabox/transcript-formatter/internal/config"
	"github.com/gamzabox/transcript-formatter/internal/formatter"
	"github.com/gamzabox/transcript-formatter/internal/llm"
	"github.com/gamzabox/transcript-formatter/internal/logging"
	mcpkg "github.com/gamzabox/transcript-formatter/internal/mcp"
	"github.com/gamzabox/transcript-formatter/internal/tokenizer"
)

// ProviderFactory resolves model configurations to completion providers.
type ProviderFactory interface {
	Create(config.Model) (llm.ChatProvider, error)
}

// timeoutFactory is implemented by factories that can rebuild their HTTP
// client with a request timeout.
type timeoutFactory interface {
	Timeout(time.Duration) *llm.Factory
}

// Options configures App creation.
type Options struct {
	Store       config.Store
	Factory     ProviderFactory
	Input       io.Reader
	Output      io.Writer
	ErrorOutput io.Writer
	HomeDir     string
	Version     string
	// Interactive forces prompting for a missing input path even when Input
	// is not a terminal.
	Interactive bool
}

// App coordinates CLI behaviour.
type App struct {
	store       config.Store
	factory     ProviderFactory
	reader      lineReader
	output      io.Writer
	errOutput   io.Writer
	homeDir     string
	version     string
	interactive bool
}

type commonFlags struct {
	model       string
	envFile     string
	maxTokens   int
	concurrency int
}

type formatFlags struct {
	output string
	stdout bool
}

// run carries what a single command invocation resolved.
type run struct {
	cfg    config.Config
	logger *logging.Logger
}

// New constructs an App from options.
func New(opts Options) (*App, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("factory is required")
	}
	if opts.Input == nil {
		return nil, errors.New("input is required")
	}
	if opts.Output == nil {
		return nil, errors.New("output is required")
	}

	errOutput := opts.ErrorOutput
	if errOutput == nil {
		errOutput = opts.Output
	}

	home := opts.HomeDir
	if home == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determine home dir: %w", err)
		}
		home = dir
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}

	return &App{
		store:       opts.Store,
		factory:     opts.Factory,
		reader:      newCanonicalLineReader(opts.Input, errOutput),
		output:      opts.Output,
		errOutput:   errOutput,
		homeDir:     home,
		version:     version,
		interactive: opts.Interactive || isTerminal(opts.Input),
	}, nil
}

// Run executes the command line given by args.
func (a *App) Run(ctx context.Context, args []string) error {
	root := a.Command()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// Command builds the cobra command tree.
func (a *App) Command() *cobra.Command {
	var common commonFlags

	root := &cobra.Command{
		Use:           "textfmt",
		Short:         "Restore punctuation and paragraphs in raw speech transcripts",
		Version:       a.version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.output)
	root.SetErr(a.errOutput)

	flags := root.PersistentFlags()
	flags.StringVar(&common.model, "model", "", "model name (defaults to the active model)")
	flags.StringVar(&common.envFile, "env", "", "dotenv file selecting the model endpoint, e.g. .env.mistral")
	flags.IntVar(&common.maxTokens, "max-tokens", 0, "maximum tokens per chunk")
	flags.IntVar(&common.concurrency, "concurrency", 0, "number of chunks formatted in parallel")

	root.AddCommand(a.formatCommand(&common), a.chunksCommand(&common), a.modelCommand(&common), a.mcpCommand(&common))
	return root
}

func (a *App) formatCommand(common *commonFlags) *cobra.Command {
	var opts formatFlags
	cmd := &cobra.Command{
		Use:   "format [input]",
		Short: "Format a transcript file through the configured model",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runFormat(cmd.Context(), common, opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "output file (defaults to <input>_formatted.<ext>)")
	cmd.Flags().BoolVar(&opts.stdout, "stdout", false, "print the formatted text instead of writing a file")
	return cmd
}

func (a *App) chunksCommand(common *commonFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chunks [input]",
		Short: "Show how a transcript would be chunked without calling the model",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runChunks(common, args)
		},
	}
}

func (a *App) mcpCommand(common *commonFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve format_text and split_text as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runMCP(cmd.Context(), common)
		},
	}
}

func (a *App) modelCommand(common *commonFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "model [name]",
		Short: "List configured models, or make one active and save the configuration",
		Long: "Without arguments the configured models are listed. A name switches the active model. " +
			"With --env the model selected by the env file is saved as the active model.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runModel(common, args)
		},
	}
}

func (a *App) runModel(common *commonFlags, args []string) error {
	cfg, err := a.store.Load()
	if err != nil {
		if !errors.Is(err, config.ErrNotFound) {
			return err
		}
		cfg = config.Config{}
	}

	changed := false
	if common.envFile != "" {
		vars, err := config.LoadEnvFile(common.envFile)
		if err != nil {
			return err
		}
		if cfg, err = config.ApplyEnv(cfg, vars); err != nil {
			return err
		}
		changed = true
	}
	if len(args) > 0 {
		name := strings.TrimSpace(args[0])
		model, ok := cfg.FindModel(name)
		if !ok {
			return fmt.Errorf("unknown model %q", name)
		}
		cfg.Models = append([]config.Model(nil), cfg.Models...)
		cfg.SetActive(model)
		changed = true
	}

	if !changed {
		if len(cfg.Models) == 0 {
			fmt.Fprintln(a.output, "No models configured.")
			return nil
		}
		active := cfg.ActiveModelName()
		for _, m := range cfg.Models {
			marker := " "
			if m.Name == active {
				marker = "*"
			}
			fmt.Fprintf(a.output, "%s %s\n", marker, m.Name)
		}
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := a.store.Save(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	logger, err := logging.NewLogger(a.homeDir, cfg.LogLevel)
	if err == nil {
		logger.Infof("active model changed to %s", cfg.ActiveModelName())
		_ = logger.Sync()
	}
	fmt.Fprintf(a.output, "Active model: %s\n", cfg.ActiveModelName())
	return nil
}

func (a *App) runFormat(ctx context.Context, common *commonFlags, opts formatFlags, args []string) error {
	input, err := a.inputPath(args)
	if err != nil {
		return err
	}
	if _, err := os.Stat(input); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", formatter.ErrInputMissing, input)
		}
		return fmt.Errorf("stat input: %w", err)
	}

	r, err := a.prepare(common)
	if err != nil {
		return err
	}
	defer r.logger.Sync()

	progress := newProgressPrinter(a.errOutput, terminalWidth(a.errOutput))
	f, err := a.newFormatter(r, common.model, progress.Report)
	if err != nil {
		r.logger.Errorf("setup failed: %v", err)
		return err
	}

	if opts.stdout {
		raw, err := formatter.ReadInput(input)
		if err != nil {
			return err
		}
		text, err := f.Format(ctx, raw)
		if err != nil {
			fmt.Fprintf(a.errOutput, "Details were logged to %s\n", r.logger.Dir())
			return err
		}
		_, err = fmt.Fprintln(a.output, text)
		return err
	}

	output := opts.output
	if output == "" {
		output = formatter.OutputPath(input, r.cfg.Formatting.OutputSuffix)
	}
	if _, err := os.Stat(output); err == nil {
		r.logger.Warnf("output %s exists and will be replaced", output)
	}
	if err := f.FormatFile(ctx, input, output); err != nil {
		fmt.Fprintf(a.errOutput, "Details were logged to %s\n", r.logger.Dir())
		return err
	}
	r.logger.Infof("formatted text written to %s", output)
	fmt.Fprintf(a.output, "Formatted text written to %s\n", output)
	return nil
}

func (a *App) runChunks(common *commonFlags, args []string) error {
	input, err := a.inputPath(args)
	if err != nil {
		return err
	}
	raw, err := formatter.ReadInput(input)
	if err != nil {
		return err
	}

	r, err := a.prepare(common)
	if err != nil {
		return err
	}
	defer r.logger.Sync()

	assembler, err := newAssembler(r.cfg.Formatting)
	if err != nil {
		return err
	}
	stats := assembler.Stats(raw)
	r.logger.Infof("dry run for %s: %d chunks", input, len(stats.Chunks))

	fmt.Fprintf(a.output, "Sentences: %d  Tokens: %d  Chunks: %d (limit %d tokens)\n",
		stats.Sentences, stats.Tokens, len(stats.Chunks), assembler.Limit())
	width := terminalWidth(a.output)
	for i, c := range stats.Chunks {
		prefix := fmt.Sprintf("%4d  %4d tokens  ", i+1, c.Tokens)
		fmt.Fprintln(a.output, prefix+preview(c.Text, width-len(prefix)))
	}
	return nil
}

func (a *App) runMCP(ctx context.Context, common *commonFlags) error {
	r, err := a.prepare(common)
	if err != nil {
		return err
	}
	defer r.logger.Sync()

	f, err := a.newFormatter(r, common.model, nil)
	if err != nil {
		r.logger.Errorf("setup failed: %v", err)
		return err
	}
	server, err := mcpkg.NewServer(f, a.version, r.logger)
	if err != nil {
		return err
	}
	return server.Run(ctx)
}

// prepare loads configuration, applies the env file and flags, and opens the
// run logger.
func (a *App) prepare(common *commonFlags) (run, error) {
	cfg, err := a.store.Load()
	if err != nil {
		if !errors.Is(err, config.ErrNotFound) {
			return run{}, err
		}
		cfg = config.Config{}
	}

	if common.envFile != "" {
		vars, err := config.LoadEnvFile(common.envFile)
		if err != nil {
			return run{}, err
		}
		if cfg, err = config.ApplyEnv(cfg, vars); err != nil {
			return run{}, err
		}
	}
	if common.maxTokens < 0 || common.concurrency < 0 {
		return run{}, errors.New("--max-tokens and --concurrency must not be negative")
	}
	if common.maxTokens > 0 {
		cfg.Formatting.MaxTokens = common.maxTokens
	}
	if common.concurrency > 0 {
		cfg.Formatting.Concurrency = common.concurrency
	}
	if err := cfg.Validate(); err != nil {
		return run{}, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.Formatting = cfg.Formatting.WithDefaults()

	instruction, err := ensureInstruction(a.homeDir, cfg.Formatting.Instruction)
	if err != nil {
		return run{}, err
	}
	cfg.Formatting.Instruction = instruction

	logger, err := logging.NewLogger(a.homeDir, cfg.LogLevel)
	if err != nil {
		return run{}, fmt.Errorf("initialize logger: %w", err)
	}
	return run{cfg: cfg, logger: logger.With("run", uuid.NewString())}, nil
}

func (a *App) newFormatter(r run, modelName string, progress func(formatter.Progress)) (*formatter.Formatter, error) {
	model, err := r.cfg.ResolveModel(modelName)
	if err != nil {
		return nil, fmt.Errorf("%w: set an active model in %s or pass --model/--env", err, filepath.Join(a.homeDir, config.DirName))
	}

	factory := a.factory
	if secs := r.cfg.Formatting.TimeoutSeconds; secs > 0 {
		if tf, ok := factory.(timeoutFactory); ok {
			factory = tf.Timeout(time.Duration(secs) * time.Second)
		}
	}
	provider, err := factory.Create(model)
	if err != nil {
		return nil, fmt.Errorf("create provider for %s: %w", model.Name, err)
	}

	assembler, err := newAssembler(r.cfg.Formatting)
	if err != nil {
		return nil, err
	}
	fmtCfg := r.cfg.Formatting
	r.logger.Debugf("model=%s provider=%s maxTokens=%d concurrency=%d", model.Name, model.Provider, fmtCfg.MaxTokens, fmtCfg.Concurrency)
	return formatter.New(formatter.Options{
		Assembler:      assembler,
		Provider:       provider,
		Model:          model.Name,
		Instruction:    fmtCfg.Instruction,
		Temperature:    *fmtCfg.Temperature,
		ResponseTokens: fmtCfg.ResponseTokens,
		Concurrency:    fmtCfg.Concurrency,
		Logger:         r.logger,
		Progress:       progress,
	})
}

func newAssembler(f config.Formatting) (*tokenizer.Assembler, error) {
	tok, err := tokenizer.NewTiktoken(f.Encoding)
	if err != nil {
		return nil, fmt.Errorf("initialize tokenizer: %w", err)
	}
	return tokenizer.NewAssembler(tok, f.MaxTokens)
}

// inputPath returns the positional argument or asks for one on a terminal.
func (a *App) inputPath(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return args[0], nil
	}
	if !a.interactive {
		return "", errors.New("input file is required")
	}
	line, err := a.reader.ReadLine("Path to the transcript file: ")
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read input path: %w", err)
	}
	path := strings.Trim(strings.TrimSpace(line), `"'`)
	if path == "" {
		return "", errors.New("input file is required")
	}
	return path, nil
}

// ensureInstruction returns the configured instruction, or the one stored in
// ~/.textfmt/instruction.txt, writing the default there on first use.
func ensureInstruction(home, configured string) (string, error) {
	if configured != "" && configured != config.DefaultInstruction {
		return configured, nil
	}
	path := filepath.Join(home, config.DirName, "instruction.txt")
	data, err := os.ReadFile(path)
	if err == nil {
		if text := strings.TrimSpace(string(data)); text != "" {
			return text, nil
		}
		return config.DefaultInstruction, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read instruction: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create instruction dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(config.DefaultInstruction+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write default instruction: %w", err)
	}
	return config.DefaultInstruction, nil
}
