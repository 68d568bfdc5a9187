package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound indicates that the configuration file does not exist.
var ErrNotFound = errors.New("config not found")

// ErrModelMissing indicates that no model is active or selected.
var ErrModelMissing = errors.New("no model configured")

const (
	// DirName is the per-user directory holding config and logs.
	DirName = ".textfmt"

	DefaultMaxTokens      = 300
	DefaultEncoding       = "cl100k_base"
	DefaultTemperature    = 0.1
	DefaultResponseTokens = 2048
	DefaultConcurrency    = 1
	DefaultOutputSuffix   = "_formatted"
)

// DefaultInstruction restricts the model to punctuation and paragraph edits.
const DefaultInstruction = "You are a careful editor of speech transcripts. " +
	"Only add or correct punctuation, capitalization and paragraph breaks. " +
	"Do not paraphrase, translate, summarize, add words or remove words. " +
	"Reply with the edited text only."

// Model represents a configured LLM model entry.
type Model struct {
	Name     string `json:"name" yaml:"name"`
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	APIKey   string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	BaseURL  string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	Active   bool   `json:"active,omitempty" yaml:"active,omitempty"`
}

// Formatting holds the chunking and completion parameters.
type Formatting struct {
	MaxTokens      int      `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	Encoding       string   `json:"encoding,omitempty" yaml:"encoding,omitempty"`
	Instruction    string   `json:"instruction,omitempty" yaml:"instruction,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	ResponseTokens int      `json:"responseTokens,omitempty" yaml:"responseTokens,omitempty"`
	Concurrency    int      `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	OutputSuffix   string   `json:"outputSuffix,omitempty" yaml:"outputSuffix,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
}

// Config captures CLI configuration.
type Config struct {
	LogLevel   string     `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	Models     []Model    `json:"models,omitempty" yaml:"models,omitempty"`
	Formatting Formatting `json:"formatting,omitempty" yaml:"formatting,omitempty"`
}

// FindModel locates a model by name.
func (c Config) FindModel(name string) (Model, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return Model{}, false
}

// ActiveModel returns the active model configuration if present.
func (c Config) ActiveModel() (Model, bool) {
	for _, m := range c.Models {
		if m.Active {
			return m, true
		}
	}
	return Model{}, false
}

// ActiveModelName returns the name of the active model, or empty string.
func (c Config) ActiveModelName() string {
	if m, ok := c.ActiveModel(); ok {
		return m.Name
	}
	return ""
}

// ResolveModel picks the named model, or the active one when name is empty.
// A name that is not configured is used as-is with the active model's
// endpoint settings.
func (c Config) ResolveModel(name string) (Model, error) {
	name = strings.TrimSpace(name)
	if name != "" {
		if m, ok := c.FindModel(name); ok {
			return m, nil
		}
		m, _ := c.ActiveModel()
		m.Name = name
		return m, nil
	}
	m, ok := c.ActiveModel()
	if !ok || strings.TrimSpace(m.Name) == "" {
		return Model{}, ErrModelMissing
	}
	return m, nil
}

// SetActive marks the named model active, adding it when absent.
func (c *Config) SetActive(model Model) {
	found := false
	for i := range c.Models {
		c.Models[i].Active = c.Models[i].Name == model.Name
		if c.Models[i].Name == model.Name {
			if model.Provider != "" {
				c.Models[i].Provider = model.Provider
			}
			if model.BaseURL != "" {
				c.Models[i].BaseURL = model.BaseURL
			}
			if model.APIKey != "" {
				c.Models[i].APIKey = model.APIKey
			}
			found = true
		}
	}
	if !found {
		model.Active = true
		c.Models = append(c.Models, model)
	}
}

// Validate ensures configuration integrity.
func (c Config) Validate() error {
	activeCount := 0
	for _, m := range c.Models {
		if m.Active {
			activeCount++
		}
		if strings.TrimSpace(m.Name) == "" {
			return errors.New("model entry without name")
		}
	}
	if activeCount > 1 {
		return errors.New("multiple models marked as active")
	}
	if strings.TrimSpace(c.LogLevel) != "" {
		if _, ok := validLogLevels[strings.ToLower(strings.TrimSpace(c.LogLevel))]; !ok {
			return fmt.Errorf("invalid logLevel %q", c.LogLevel)
		}
	}

	f := c.Formatting
	if f.MaxTokens < 0 {
		return fmt.Errorf("invalid maxTokens %d", f.MaxTokens)
	}
	if f.ResponseTokens < 0 {
		return fmt.Errorf("invalid responseTokens %d", f.ResponseTokens)
	}
	if f.Concurrency < 0 {
		return fmt.Errorf("invalid concurrency %d", f.Concurrency)
	}
	if f.TimeoutSeconds < 0 {
		return fmt.Errorf("invalid timeoutSeconds %d", f.TimeoutSeconds)
	}
	if f.Temperature != nil && (*f.Temperature < 0 || *f.Temperature > 2) {
		return fmt.Errorf("invalid temperature %v", *f.Temperature)
	}
	return nil
}

// WithDefaults returns a copy with unset formatting values filled in.
func (f Formatting) WithDefaults() Formatting {
	if f.MaxTokens == 0 {
		f.MaxTokens = DefaultMaxTokens
	}
	if strings.TrimSpace(f.Encoding) == "" {
		f.Encoding = DefaultEncoding
	}
	if strings.TrimSpace(f.Instruction) == "" {
		f.Instruction = DefaultInstruction
	}
	if f.Temperature == nil {
		t := DefaultTemperature
		f.Temperature = &t
	}
	if f.ResponseTokens == 0 {
		f.ResponseTokens = DefaultResponseTokens
	}
	if f.Concurrency == 0 {
		f.Concurrency = DefaultConcurrency
	}
	if f.OutputSuffix == "" {
		f.OutputSuffix = DefaultOutputSuffix
	}
	return f
}

// Store abstracts configuration persistence.
type Store interface {
	Load() (Config, error)
	Save(Config) error
}

// FileStore implements Store backed by the user's home directory.
type FileStore struct {
	home string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore rooted at home.
func NewFileStore(home string) *FileStore {
	return &FileStore{home: home}
}

func (f *FileStore) jsonPath() string {
	return filepath.Join(f.home, DirName, "config.json")
}

func (f *FileStore) yamlPath() string {
	return filepath.Join(f.home, DirName, "config.yaml")
}

// Path returns the file Load reads: config.yaml when present, else config.json.
func (f *FileStore) Path() string {
	if _, err := os.Stat(f.yamlPath()); err == nil {
		return f.yamlPath()
	}
	return f.jsonPath()
}

// Load reads configuration from disk.
func (f *FileStore) Load() (Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.Path()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, ErrNotFound
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if filepath.Ext(path) == ".yaml" {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes configuration to disk in the format it was loaded from.
func (f *FileStore) Save(cfg Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		return err
	}

	path := f.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if filepath.Ext(path) == ".yaml" {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)

var validLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}
