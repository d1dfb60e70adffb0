// Package google implements the embedding provider on the Gemini
// embedContent API.
package google

import (
	"context"
	"errors"

	"google.golang.org/genai"

	"github.com/trellishq/trellis/runtime/retrieval/embedding"
)

// DefaultModel is the embedding model used when none is configured. It
// supports a configurable output dimensionality, which the vector store
// relies on.
const DefaultModel = "gemini-embedding-001"

// Documents and queries embed into the same space but with different task
// pooling.
const (
	taskDocument = "RETRIEVAL_DOCUMENT"
	taskQuery    = "RETRIEVAL_QUERY"
)

// embedder is the slice of the genai client the provider depends on.
type embedder interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// Options configures the provider.
type Options struct {
	// APIKey authenticates against the Gemini API. Required unless Client
	// is injected.
	APIKey string

	// Model overrides the embedding model.
	Model string

	// Dimensions requests a specific output dimensionality. Zero keeps the
	// model default.
	Dimensions int

	// Client overrides the genai-backed embedder, for tests.
	Client embedder
}

// Provider implements embedding.Provider against the Gemini API.
type Provider struct {
	client     embedder
	model      string
	dimensions int
}

var _ embedding.Provider = (*Provider)(nil)

// New builds the provider, creating a Gemini API client unless one is
// injected.
func New(ctx context.Context, opts Options) (*Provider, error) {
	client := opts.Client
	if client == nil {
		if opts.APIKey == "" {
			return nil, errors.New("trellis: gemini api key is required")
		}
		genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  opts.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, err
		}
		client = genaiClient.Models
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	return &Provider{client: client, model: model, dimensions: opts.Dimensions}, nil
}

// EmbedDocuments embeds a batch of chunk texts. The result keeps input
// order; a missing embedding in the response yields an empty vector at that
// position.
func (p *Provider) EmbedDocuments(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return p.embed(ctx, texts, taskDocument)
}

// EmbedQuery embeds a single query string.
func (p *Provider) EmbedQuery(ctx context.Context, text string) ([]float64, error) {
	vectors, err := p.embed(ctx, []string{text}, taskQuery)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, errors.New("trellis: embedding response was empty")
	}
	return vectors[0], nil
}

func (p *Provider) embed(ctx context.Context, texts []string, task string) ([][]float64, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = &genai.Content{Parts: []*genai.Part{{Text: text}}}
	}
	config := &genai.EmbedContentConfig{TaskType: task}
	if p.dimensions > 0 {
		config.OutputDimensionality = genai.Ptr(int32(p.dimensions))
	}

	resp, err := p.client.EmbedContent(ctx, p.model, contents, config)
	if err != nil {
		return nil, err
	}

	vectors := make([][]float64, 0, len(resp.Embeddings))
	for _, emb := range resp.Embeddings {
		if emb == nil {
			vectors = append(vectors, nil)
			continue
		}
		vector := make([]float64, len(emb.Values))
		for i, v := range emb.Values {
			vector[i] = float64(v)
		}
		vectors = append(vectors, vector)
	}
	return vectors, nil
}
