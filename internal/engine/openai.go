package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIEngine talks to any OpenAI-compatible endpoint through langchaingo.
// Model pulls are not supported; the provider serves what it serves.
type OpenAIEngine struct {
	baseURL    string
	token      string
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*openai.LLM
}

// NewOpenAIEngine creates an engine for baseURL. An empty token is sent as
// "none", which local OpenAI-compatible servers accept.
func NewOpenAIEngine(baseURL, token string, timeout time.Duration) *OpenAIEngine {
	if token == "" {
		token = "none"
	}
	return &OpenAIEngine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		clients:    make(map[string]*openai.LLM),
	}
}

// client returns a langchaingo client bound to model. langchaingo fixes the
// embedding model at construction, so clients are cached per model.
func (e *OpenAIEngine) client(model string) (*openai.LLM, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[model]; ok {
		return c, nil
	}
	opts := []openai.Option{
		openai.WithToken(e.token),
		openai.WithModel(model),
		openai.WithEmbeddingModel(model),
		openai.WithHTTPClient(e.httpClient),
	}
	if e.baseURL != "" {
		opts = append(opts, openai.WithBaseURL(e.baseURL))
	}
	c, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	e.clients[model] = c
	return c, nil
}

func (e *OpenAIEngine) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	c, err := e.client(req.Model)
	if err != nil {
		return ChatResponse{}, err
	}

	content := make([]llms.MessageContent, 0, len(req.Messages)+1)
	if req.Schema != nil {
		schema, err := json.Marshal(req.Schema)
		if err != nil {
			return ChatResponse{}, fmt.Errorf("encoding schema: %w", err)
		}
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem,
			"Respond only with JSON matching this schema: "+string(schema)))
	}
	for _, m := range req.Messages {
		content = append(content, llms.TextParts(messageType(m.Role), m.Content))
	}

	opts := []llms.CallOption{
		llms.WithModel(req.Model),
		llms.WithTemperature(req.Temperature),
	}
	if req.Schema != nil {
		opts = append(opts, llms.WithJSONMode())
	}

	resp, err := c.GenerateContent(ctx, content, opts...)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ChatResponse{}, fmt.Errorf("chat completion: no choices returned")
	}

	choice := resp.Choices[0]
	return ChatResponse{
		Content:          choice.Content,
		Model:            req.Model,
		PromptTokens:     intInfo(choice.GenerationInfo, "PromptTokens"),
		CompletionTokens: intInfo(choice.GenerationInfo, "CompletionTokens"),
	}, nil
}

func messageType(role string) llms.ChatMessageType {
	switch role {
	case "system":
		return llms.ChatMessageTypeSystem
	case "assistant":
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (e *OpenAIEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	c, err := e.client(model)
	if err != nil {
		return nil, err
	}
	vecs, err := c.CreateEmbedding(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("creating embedding: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("creating embedding: empty response")
	}
	return vecs[0], nil
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (e *OpenAIEngine) modelsURL() string {
	if e.baseURL == "" {
		return "https://api.openai.com/v1/models"
	}
	return e.baseURL + "/models"
}

func (e *OpenAIEngine) IsRunning(ctx context.Context) bool {
	_, err := e.ListModels(ctx)
	return err == nil
}

func (e *OpenAIEngine) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.modelsURL(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.token)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing models: unexpected status %d", resp.StatusCode)
	}

	var ml modelList
	if err := json.NewDecoder(resp.Body).Decode(&ml); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}
	names := make([]string, len(ml.Data))
	for i, m := range ml.Data {
		names[i] = m.ID
	}
	return names, nil
}

func (e *OpenAIEngine) HasModel(ctx context.Context, name string) bool {
	models, err := e.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name {
			return true
		}
	}
	return false
}

func (e *OpenAIEngine) PullModel(context.Context, string, func(PullProgress)) error {
	return ErrPullUnsupported
}
