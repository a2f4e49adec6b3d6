package engine

import (
	"context"
	"fmt"
)

// DetectConfig selects providers and carries their settings.
type DetectConfig struct {
	Generation string // gemini, openai or ollama
	Embedding  string

	GeminiAPIKey     string
	GeminiModel      string
	GeminiEmbedModel string

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	OpenAIEmbedModel string

	OllamaBaseURL    string
	OllamaModel      string
	OllamaEmbedModel string
}

// Providers holds the resolved generator and embedder. Ollama is set when
// either role runs on the local server so callers can check readiness.
type Providers struct {
	Generator Generator
	Embedder  Embedder
	Ollama    *OllamaEngine

	closers []func() error
}

// Close releases provider clients.
func (p *Providers) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Detect builds the providers named in cfg. One client is shared when the
// same provider serves both roles.
func Detect(ctx context.Context, cfg DetectConfig) (*Providers, error) {
	p := &Providers{}
	built := make(map[string]any)

	build := func(name string) (any, error) {
		if e, ok := built[name]; ok {
			return e, nil
		}
		var (
			e   any
			err error
		)
		switch name {
		case ProviderGemini:
			var g *GeminiEngine
			if g, err = NewGeminiEngine(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiEmbedModel); err == nil {
				p.closers = append(p.closers, g.Close)
				e = g
			}
		case ProviderOpenAI:
			e, err = NewOpenAIEngine(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.OpenAIEmbedModel)
		case ProviderOllama:
			o := NewOllamaEngine(cfg.OllamaBaseURL, cfg.OllamaModel, cfg.OllamaEmbedModel)
			p.Ollama = o
			e = o
		default:
			err = fmt.Errorf("unknown provider %q (want %s, %s or %s)", name, ProviderGemini, ProviderOpenAI, ProviderOllama)
		}
		if err != nil {
			return nil, err
		}
		built[name] = e
		return e, nil
	}

	gen, err := build(cfg.Generation)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("generation provider: %w", err)
	}
	emb, err := build(cfg.Embedding)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	p.Generator = gen.(Generator)
	p.Embedder = emb.(Embedder)
	return p, nil
}
