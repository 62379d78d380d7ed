package classify

import (
	"context"
	"net/http"

	"github.com/overhage/taxis/pkg/anthropic"
	"github.com/overhage/taxis/pkg/openai"
)

// unavailable reports whether a status or error code means the model itself
// is not served, as opposed to a service failure.
func unavailable(status int, code string) bool {
	return status == http.StatusNotFound || status == http.StatusForbidden || code == "model_not_found"
}

// OpenAIProvider classifies through any OpenAI-compatible chat endpoint.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider wraps client.
func NewOpenAIProvider(client openai.Client) *OpenAIProvider {
	return &OpenAIProvider{client: client}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, model string, pr Prompt, maxTokens int) (Reply, error) {
	resp, err := p.client.Complete(ctx, openai.ChatRequest{
		Model:     model,
		System:    pr.System,
		User:      pr.User,
		MaxTokens: maxTokens,
	})
	if err != nil {
		if unavailable(openai.StatusCode(err), openai.ErrorCode(err)) {
			return Reply{}, &UnavailableError{Model: model, Err: err}
		}
		return Reply{}, err
	}
	return Reply{
		Text:  resp.Content,
		Model: resp.Model,
		Usage: Usage{PromptTokens: resp.PromptTokens, CompletionTokens: resp.CompletionTokens},
	}, nil
}

// AnthropicProvider classifies through the Anthropic messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider wraps client.
func NewAnthropicProvider(client anthropic.Client) *AnthropicProvider {
	return &AnthropicProvider{client: client}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, model string, pr Prompt, maxTokens int) (Reply, error) {
	temp := 0.0
	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       model,
		MaxTokens:   int64(maxTokens),
		System:      pr.System,
		Messages:    []anthropic.Message{{Role: "user", Content: pr.User}},
		Temperature: &temp,
	})
	if err != nil {
		if unavailable(anthropic.StatusCode(err), "") {
			return Reply{}, &UnavailableError{Model: model, Err: err}
		}
		return Reply{}, err
	}
	return Reply{
		Text:  resp.Text(),
		Model: resp.Model,
		Usage: Usage{PromptTokens: int(resp.Usage.InputTokens), CompletionTokens: int(resp.Usage.OutputTokens)},
	}, nil
}
