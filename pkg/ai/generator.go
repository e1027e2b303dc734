package ai

import "context"

// GenerationConfig tunes the text-generation collaborator.
type GenerationConfig struct {
	Temperature     float64
	TopK            int
	TopP            float64
	MaxOutputTokens int
}

// DefaultGenerationConfig returns the companion's standard settings.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Temperature:     0.7,
		TopK:            1,
		TopP:            1.0,
		MaxOutputTokens: 2048,
	}
}

// StreamGenerator produces a reply as an incremental sequence of text
// chunks. onChunk is invoked once per chunk in arrival order; a nil return
// from StreamText is the end-of-stream signal, any other return is the
// error signal. Cancelling ctx aborts the stream.
type StreamGenerator interface {
	StreamText(ctx context.Context, systemPrompt, userPrompt string, onChunk func(text string) error) error
}

// TextGenerator generates a complete reply in one call.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
