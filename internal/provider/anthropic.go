package provider

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultFailureThreshold = 3
const defaultCircuitReset = 60 * time.Second

// AnthropicProvider is the primary provider, wrapping the official
// Anthropic SDK client behind the Generator seam.
type AnthropicProvider struct {
	*BaseProvider
	client *anthropic.Client
}

// NewAnthropicProvider constructs the primary provider. An empty
// apiKey leaves the provider permanently unavailable rather than
// failing construction; the server still starts and answers
// non-analysis tools.
func NewAnthropicProvider(apiKey, model string, failureThreshold int, resetAfter time.Duration) *AnthropicProvider {
	var client *anthropic.Client
	if apiKey != "" {
		c := anthropic.NewClient(option.WithAPIKey(apiKey))
		client = &c
	}
	p := &AnthropicProvider{client: client}
	gen := Generator(p)
	p.BaseProvider = newBaseProvider("primary", 0, model, apiKey, gen, failureThreshold, resetAfter)
	return p
}

// Generate sends prompt to the configured model and returns the raw
// text response plus usage metadata.
func (p *AnthropicProvider) Generate(ctx context.Context, prompt string) (string, Usage, error) {
	if p.client == nil {
		return "", Usage{}, errNoCredential
	}

	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", Usage{}, err
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	usage := Usage{
		TokensUsed: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return text, usage, nil
}
