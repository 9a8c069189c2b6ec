// Package embedding generates embedding vectors for text and ingests data
// units into the vector store.
package embedding

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/skeedo-sys/platform/internal/cost"
)

// Result is one embedding with the credit cost of producing it.
type Result struct {
	Vector []float64
	Cost   float64
}

// Service turns text into embedding vectors.
type Service interface {
	// Embed generates the embedding for one text.
	Embed(ctx context.Context, text string) (*Result, error)

	// Model returns the embedding model key.
	Model() string
}

// OpenAIService implements Service on the OpenAI embeddings endpoint.
type OpenAIService struct {
	client *openai.Client
	model  string
	calc   *cost.Calculator
}

// NewOpenAIService creates an embedding service for the given model.
func NewOpenAIService(apiKey, model string, calc *cost.Calculator) *OpenAIService {
	return &OpenAIService{
		client: openai.NewClient(apiKey),
		model:  model,
		calc:   calc,
	}
}

// Model returns the embedding model key.
func (s *OpenAIService) Model() string {
	return s.model
}

// Embed generates the embedding for one text and prices the tokens used.
func (s *OpenAIService) Embed(ctx context.Context, text string) (*Result, error) {
	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(s.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}

	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}

	raw := resp.Data[0].Embedding
	vector := make([]float64, len(raw))
	for i, v := range raw {
		vector[i] = float64(v)
	}

	return &Result{
		Vector: vector,
		Cost:   s.calc.Calculate(float64(resp.Usage.PromptTokens), s.model, cost.Input),
	}, nil
}
