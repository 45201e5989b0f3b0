package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentstack/htm/pkg/config"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openAIEmbedder calls an OpenAI-compatible /embeddings endpoint. Ollama
// and most self-hosted inference servers speak the same dialect, so the
// "ollama" provider shares this client with a different base URL.
type openAIEmbedder struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	client     *http.Client
}

func newOpenAIEmbedder(cfg config.EmbeddingConfig) *openAIEmbedder {
	base := cfg.BaseURL
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &openAIEmbedder{
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		client:     &http.Client{Timeout: timeout},
	}
}

// Embed implements Embedder.
func (e *openAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := map[string]any{
		"model": e.model,
		"input": []string{text},
	}
	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := e.post(ctx, "/embeddings", reqBody, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embeddings response contained no vectors")
	}
	vec := resp.Data[0].Embedding
	if e.dimensions > 0 && len(vec) > e.dimensions {
		return nil, fmt.Errorf("embedding has %d dimensions, configured maximum is %d", len(vec), e.dimensions)
	}
	return vec, nil
}

func (e *openAIEmbedder) post(ctx context.Context, path string, body, out any) error {
	return postJSON(ctx, e.client, e.baseURL+path, e.apiKey, body, out)
}

// openAITagger asks an OpenAI-compatible /chat/completions endpoint for
// comma-separated hierarchical tags. Parsing and validation happen in the
// tags package; this client only returns the raw list.
type openAITagger struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func newOpenAITagger(cfg config.TagConfig) *openAITagger {
	base := cfg.BaseURL
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &openAITagger{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
	}
}

const tagSystemPrompt = `You label content for a hierarchical memory store.
Return 1-5 tags, comma separated, nothing else. Tags are lowercase
alphanumerics with at most four colon-delimited levels, for example
database:postgresql:performance. Prefer tags from the existing vocabulary
when they fit.`

// ExtractTags implements TagExtractor.
func (t *openAITagger) ExtractTags(ctx context.Context, text string, existing []string) ([]string, error) {
	user := "Content:\n" + text
	if len(existing) > 0 {
		user += "\n\nExisting vocabulary: " + strings.Join(existing, ", ")
	}
	reqBody := map[string]any{
		"model": t.model,
		"messages": []map[string]string{
			{"role": "system", "content": tagSystemPrompt},
			{"role": "user", "content": user},
		},
		"temperature": 0,
	}
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := postJSON(ctx, t.client, t.baseURL+"/chat/completions", t.apiKey, reqBody, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	if raw == "" {
		return nil, nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '\n' })
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags, nil
}

func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("POST %s: status %d: %s", url, resp.StatusCode, string(snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
