package engine

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEngine uses the OpenAI API, or any server speaking it, for
// generation and embeddings.
type OpenAIEngine struct {
	client     *openai.Client
	model      string
	embedModel string
}

// NewOpenAIEngine creates an engine. An empty baseURL uses the public API.
func NewOpenAIEngine(apiKey, baseURL, model, embedModel string) (*OpenAIEngine, error) {
	if apiKey == "" {
		return nil, errors.New("missing OpenAI API key (openai.api_key)")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEngine{client: openai.NewClientWithConfig(cfg), model: model, embedModel: embedModel}, nil
}

func (o *OpenAIEngine) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		}},
	})
	if err != nil {
		return "", fmt.Errorf("openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(o.embedModel),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("openai embed: empty embedding")
	}
	return resp.Data[0].Embedding, nil
}
