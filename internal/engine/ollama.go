package engine

import (
	"context"
	"io"

	"github.com/kalambet/autowa/internal/ollama"
)

// OllamaEngine serves generation and embeddings from a local Ollama server.
type OllamaEngine struct {
	client     *ollama.Client
	chatModel  string
	embedModel string
}

func NewOllamaEngine(baseURL, chatModel, embedModel string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL), chatModel: chatModel, embedModel: embedModel}
}

func (e *OllamaEngine) Generate(ctx context.Context, prompt string) (string, error) {
	return e.client.Chat(ctx, e.chatModel, []ollama.Message{{Role: "user", Content: prompt}})
}

func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.client.Embed(ctx, e.embedModel, text)
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

// EnsureReady pulls whichever of the configured models this engine serves.
// Pass false for a role another provider covers.
func (e *OllamaEngine) EnsureReady(ctx context.Context, generation, embedding bool, w io.Writer) error {
	var chat, embed string
	if generation {
		chat = e.chatModel
	}
	if embedding {
		embed = e.embedModel
	}
	return ollama.EnsureReady(ctx, e.client, chat, embed, w)
}
