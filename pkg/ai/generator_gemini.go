package ai

import "context"

// GeminiGenerator wraps GeminiClient with a fixed model and generation
// config. It implements both StreamGenerator and TextGenerator.
type GeminiGenerator struct {
	client *GeminiClient
	model  string
	config GenerationConfig
}

// NewGeminiGenerator builds a Gemini-backed generator.
func NewGeminiGenerator(client *GeminiClient, model string, config GenerationConfig) *GeminiGenerator {
	return &GeminiGenerator{client: client, model: model, config: config}
}

// StreamText implements StreamGenerator using Gemini SSE streaming.
func (g *GeminiGenerator) StreamText(ctx context.Context, systemPrompt, userPrompt string, onChunk func(string) error) error {
	return g.client.StreamGenerateText(ctx, g.model, systemPrompt, userPrompt, g.config, onChunk)
}

// GenerateText implements TextGenerator using Gemini.
func (g *GeminiGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return g.client.GenerateText(ctx, g.model, systemPrompt, userPrompt, g.config)
}
