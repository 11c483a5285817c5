// Package llm wires the evolution loop to language models: a thin Client
// interface, a weighted Ensemble over several configured models, and an
// Anthropic-backed implementation of Client.
package llm

import "context"

// Message is one turn of a chat-style completion request.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// GenerateOptions controls a single Generate call.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// Client generates text completions from a single backing model.
type Client interface {
	// Generate sends systemMessage plus the message history and returns the
	// model's text response.
	Generate(ctx context.Context, systemMessage string, messages []Message, opts GenerateOptions) (string, error)
	// Name identifies the underlying model, for logging and weighted sampling.
	Name() string
}
