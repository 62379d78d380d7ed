// Package openai wraps chat completions on any OpenAI-compatible endpoint.
package openai

import (
	"context"
	"errors"
	"math"
	"net/http"

	"github.com/rotisserie/eris"
	goopenai "github.com/sashabaranov/go-openai"
)

// Client defines the chat completion call used by the classifier.
type Client interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatRequest is a single-turn completion request.
type ChatRequest struct {
	Model       string
	System      string
	User        string
	MaxTokens   int
	Temperature float32
}

// ChatResponse holds the first choice and usage counters.
type ChatResponse struct {
	ID               string
	Model            string
	Content          string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Options configure a client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
}

type sdkClient struct {
	client *goopenai.Client
}

// NewClient creates a client for apiKey. An empty BaseURL uses api.openai.com.
func NewClient(apiKey string, opts Options) Client {
	cfg := goopenai.DefaultConfig(apiKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}
	return &sdkClient{client: goopenai.NewClientWithConfig(cfg)}
}

func (c *sdkClient) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msgs := make([]goopenai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: req.User})

	temp := req.Temperature
	if temp == 0 {
		// omitempty drops an exact zero
		temp = math.SmallestNonzeroFloat32
	}

	resp, err := c.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: temp,
	})
	if err != nil {
		return nil, eris.Wrap(err, "openai: create chat completion")
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("openai: response has no choices")
	}

	return &ChatResponse{
		ID:               resp.ID,
		Model:            resp.Model,
		Content:          resp.Choices[0].Message.Content,
		FinishReason:     string(resp.Choices[0].FinishReason),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// ErrorCode returns the API error code string (for example "model_not_found"),
// or "" when err carries none.
func ErrorCode(err error) string {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		if s, ok := apiErr.Code.(string); ok {
			return s
		}
	}
	return ""
}
