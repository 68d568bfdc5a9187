package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/gamzabox/transcript-formatter/internal/config"
)

const (
	// DefaultOpenAIBaseURL points at a local OpenAI-compatible server.
	DefaultOpenAIBaseURL = "http://localhost:11434/v1"
	// DefaultOllamaBaseURL points at a local Ollama daemon.
	DefaultOllamaBaseURL = "http://localhost:11434"
)

// HTTPClient abstracts http.Client for testability.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Factory wires config models to providers.
type Factory struct {
	client HTTPClient
}

// NewFactory builds a Factory with optional custom HTTP client.
func NewFactory(client HTTPClient) *Factory {
	if client == nil {
		client = &http.Client{Timeout: 0}
	}
	return &Factory{client: client}
}

// Create instantiates a provider for a model.
func (f *Factory) Create(model config.Model) (ChatProvider, error) {
	switch strings.ToLower(strings.TrimSpace(model.Provider)) {
	case "", "openai":
		base := trimEndpoint(model.BaseURL, "/chat/completions")
		if base == "" {
			base = DefaultOpenAIBaseURL
		}
		cfg := openai.DefaultConfig(model.APIKey)
		cfg.BaseURL = base
		cfg.HTTPClient = f.client
		return &openAIProvider{client: openai.NewClientWithConfig(cfg)}, nil
	case "ollama":
		base := trimEndpoint(model.BaseURL, "/api/chat")
		if base == "" {
			base = DefaultOllamaBaseURL
		}
		return &ollamaProvider{
			client:  f.client,
			baseURL: base,
		}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", model.Provider)
	}
}

// Timeout returns a copy of the factory whose *http.Client carries timeout d.
// Other HTTPClient implementations manage their own deadlines and are kept
// as they are.
func (f *Factory) Timeout(d time.Duration) *Factory {
	hc, ok := f.client.(*http.Client)
	if !ok {
		return NewFactory(f.client)
	}
	clone := *hc
	clone.Timeout = d
	return NewFactory(&clone)
}

// trimEndpoint accepts either a base URL or a full endpoint URL.
func trimEndpoint(url, endpoint string) string {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	return strings.TrimRight(strings.TrimSuffix(url, endpoint), "/")
}

var _ ChatProvider = (*openAIProvider)(nil)
var _ ChatProvider = (*ollamaProvider)(nil)

type openAIProvider struct {
	client *openai.Client
}

func (p *openAIProvider) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    buildOpenAIMessages(req),
		Temperature: openAITemperature(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return ChatResponse{}, openAIError(err)
	}
	if len(resp.Choices) == 0 {
		return ChatResponse{}, &EndpointError{
			Provider:   "openai",
			StatusCode: http.StatusOK,
			Message:    "response contained no choices",
		}
	}
	return ChatResponse{
		Content:          strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// openAITemperature keeps an explicit zero on the wire; go-openai omits a
// zero temperature and the server would fall back to its own default.
func openAITemperature(t float64) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &EndpointError{
			Provider:   "openai",
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		message := errorMessage(reqErr.Body)
		if message == "" && reqErr.Err != nil {
			message = reqErr.Err.Error()
		}
		return &EndpointError{
			Provider:   "openai",
			StatusCode: reqErr.HTTPStatusCode,
			Message:    message,
		}
	}
	return &TransportError{Provider: "openai", Err: err}
}

func buildOpenAIMessages(req ChatRequest) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	return messages
}

type ollamaProvider struct {
	client  HTTPClient
	baseURL string
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaRequestPayload struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []ollamaMessage `json:"messages"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaResponse struct {
	Model   string `json:"model"`
	Done    bool   `json:"done"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (p *ollamaProvider) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	payload, err := buildOllamaRequest(req)
	if err != nil {
		return ChatResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return ChatResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return ChatResponse{}, &TransportError{Provider: "ollama", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return ChatResponse{}, &EndpointError{
			Provider:   "ollama",
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body),
		}
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ChatResponse{}, &TransportError{Provider: "ollama", Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Error != "" {
		return ChatResponse{}, &EndpointError{
			Provider:   "ollama",
			StatusCode: resp.StatusCode,
			Message:    out.Error,
		}
	}
	return ChatResponse{
		Content:          strings.TrimSpace(out.Message.Content),
		Model:            out.Model,
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
	}, nil
}

func buildOllamaRequest(req ChatRequest) ([]byte, error) {
	messages := make([]ollamaMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, ollamaMessage{
			Role:    "system",
			Content: req.SystemPrompt,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, ollamaMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	payload := ollamaRequestPayload{
		Model:    req.Model,
		Stream:   false,
		Messages: messages,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	return json.Marshal(payload)
}
