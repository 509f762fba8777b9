// Package recall stores completed responses and serves them back for
// semantically equivalent prompts, sparing backend calls. Lookups are
// best-effort by contract: the mesh treats any error here as a miss.
package recall

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultSimilarityThreshold is the minimum cosine similarity for a semantic
// recall hit. High on purpose: serving a stale answer for a merely related
// prompt is worse than a backend call.
const DefaultSimilarityThreshold = 0.95

// Embedder converts a prompt into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder produces embeddings through the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder creates an embedder with the given API key. An empty
// model selects text-embedding-3-small.
func NewOpenAIEmbedder(apiKey string, model openai.EmbeddingModel) *OpenAIEmbedder {
	if model == "" {
		model = openai.SmallEmbedding3
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("Embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("Embed: empty response")
	}
	return resp.Data[0].Embedding, nil
}
