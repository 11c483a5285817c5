package llm

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	errs "openevolve/pkg/errors"
	"openevolve/pkg/logging"
)

// AnthropicClient implements Client against the Anthropic Messages API.
type AnthropicClient struct {
	client *anthropic.Client
	model  anthropic.Model
	name   string
}

// NewAnthropicClient constructs a Client for model using apiKey, which must
// be non-empty (an empty key is an InvalidInput error). An optional
// non-empty baseURL overrides the default endpoint.
func NewAnthropicClient(apiKey, model, baseURL string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errs.New(errs.InvalidInput, "anthropic API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicClient{
		client: &client,
		model:  anthropic.Model(model),
		name:   model,
	}, nil
}

// Name returns the configured model identifier.
func (a *AnthropicClient) Name() string { return a.name }

// Generate implements Client.
func (a *AnthropicClient) Generate(ctx context.Context, systemMessage string, messages []Message, opts GenerateOptions) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   int64(opts.MaxTokens),
		Temperature: anthropic.Float(opts.Temperature),
	}
	if systemMessage != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemMessage}}
	}
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		fields := errs.Fields{"model": a.name}
		if errors.As(err, &apiErr) {
			fields["status_code"] = apiErr.StatusCode
		}
		return "", errs.WithFields(errs.Wrap(err, errs.LLMGenerationFailed, "anthropic generate failed"), fields)
	}
	if message == nil || len(message.Content) == 0 {
		return "", errs.WithFields(errs.New(errs.LLMGenerationFailed, "empty response from anthropic"), errs.Fields{"model": a.name})
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	logging.GetLogger().Debug(ctx, "anthropic response received: model=%s input_tokens=%d output_tokens=%d",
		a.name, message.Usage.InputTokens, message.Usage.OutputTokens)
	return text, nil
}
