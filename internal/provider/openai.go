package provider

import (
	"context"
	"errors"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

var errNoCredential = errors.New("provider: no credential configured")

// OpenAIProvider is the fallback provider, wrapping go-openai.
type OpenAIProvider struct {
	*BaseProvider
	client *openai.Client
}

// NewOpenAIProvider constructs the fallback provider at priority 1.
func NewOpenAIProvider(apiKey, model string, failureThreshold int, resetAfter time.Duration) *OpenAIProvider {
	var client *openai.Client
	if apiKey != "" {
		client = openai.NewClient(apiKey)
	}
	p := &OpenAIProvider{client: client}
	gen := Generator(p)
	p.BaseProvider = newBaseProvider("secondary", 1, model, apiKey, gen, failureThreshold, resetAfter)
	return p
}

func (p *OpenAIProvider) Generate(ctx context.Context, prompt string) (string, Usage, error) {
	if p.client == nil {
		return "", Usage{}, errNoCredential
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", Usage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, errors.New("provider: empty choice list from openai")
	}

	usage := Usage{TokensUsed: resp.Usage.TotalTokens}
	return resp.Choices[0].Message.Content, usage, nil
}
