// Package llm defines the capability interfaces the memory engine consumes
// (embedding, tag extraction, token counting) and the built-in provider
// implementations selected at configuration load.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentstack/htm/pkg/config"
)

// ErrUnknownProvider is returned when configuration names a provider the
// module does not ship. Supply a Func implementation instead.
var ErrUnknownProvider = errors.New("unknown provider")

// Embedder converts text into a fixed-length dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// TagExtractor derives hierarchical tags for a piece of content. The
// existing sample biases the extractor towards reusing the store's
// established vocabulary.
type TagExtractor interface {
	ExtractTags(ctx context.Context, text string, existing []string) ([]string, error)
}

// TokenCounter counts tokens in text. Implementations must not fail; a
// word-count approximation is acceptable.
type TokenCounter interface {
	CountTokens(text string) int
}

// EmbedderFunc adapts a plain function to the Embedder interface — the
// escape hatch for user-supplied callables.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

// Embed implements Embedder.
func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// TagExtractorFunc adapts a plain function to the TagExtractor interface.
type TagExtractorFunc func(ctx context.Context, text string, existing []string) ([]string, error)

// ExtractTags implements TagExtractor.
func (f TagExtractorFunc) ExtractTags(ctx context.Context, text string, existing []string) ([]string, error) {
	return f(ctx, text, existing)
}

// TokenCounterFunc adapts a plain function to the TokenCounter interface.
type TokenCounterFunc func(text string) int

// CountTokens implements TokenCounter.
func (f TokenCounterFunc) CountTokens(text string) int {
	return f(text)
}

// WordCounter approximates token counts from whitespace-separated words.
// It is the fallback counter and never fails.
type WordCounter struct{}

// CountTokens returns a token estimate of roughly 4/3 tokens per word,
// never negative, and zero only for empty text.
func (WordCounter) CountTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return (words*4 + 2) / 3
}

// NewEmbedder builds the configured embedding provider.
func NewEmbedder(cfg config.EmbeddingConfig) (Embedder, error) {
	switch cfg.Provider {
	case "openai", "ollama":
		return newOpenAIEmbedder(cfg), nil
	default:
		return nil, fmt.Errorf("embedding: %w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// NewTagExtractor builds the configured tag extraction provider.
func NewTagExtractor(cfg config.TagConfig) (TagExtractor, error) {
	switch cfg.Provider {
	case "openai", "ollama":
		return newOpenAITagger(cfg), nil
	default:
		return nil, fmt.Errorf("tags: %w: %q", ErrUnknownProvider, cfg.Provider)
	}
}
