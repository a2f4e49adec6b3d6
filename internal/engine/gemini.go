package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiEngine uses the Google Gemini API for generation and embeddings.
type GeminiEngine struct {
	client     *genai.Client
	model      string
	embedModel string
}

func NewGeminiEngine(ctx context.Context, apiKey, model, embedModel string) (*GeminiEngine, error) {
	if apiKey == "" {
		return nil, errors.New("missing Gemini API key (gemini.api_key)")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini init: %w", err)
	}
	return &GeminiEngine{client: client, model: model, embedModel: embedModel}, nil
}

func (g *GeminiEngine) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.GenerativeModel(g.model).GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini: empty response")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("gemini: response has no text")
	}
	return sb.String(), nil
}

func (g *GeminiEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := g.client.EmbeddingModel(g.embedModel).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, errors.New("gemini embed: empty embedding")
	}
	return resp.Embedding.Values, nil
}

func (g *GeminiEngine) Close() error {
	return g.client.Close()
}
