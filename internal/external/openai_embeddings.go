package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	openAIEmbeddingsURL   = "https://api.openai.com/v1/embeddings"
	openAIEmbeddingsModel = "text-embedding-3-small"
)

// NewOpenAIEmbeddingFunc builds an EmbeddingFunc backed by OpenAI's
// embeddings endpoint, the one already-configured LLM credential (C4's
// LLMKeyConfig.OpenAI) capable of producing vectors — the embedding model
// itself is an out-of-scope external collaborator, but the vector store
// still needs something real behind the seam to run.
func NewOpenAIEmbeddingFunc(apiKey string) EmbeddingFunc {
	client := &http.Client{Timeout: 15 * time.Second}

	return func(ctx context.Context, text string) ([]float32, error) {
		body, err := json.Marshal(map[string]string{
			"model": openAIEmbeddingsModel,
			"input": text,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal embedding request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIEmbeddingsURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build embedding request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("embedding request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("embedding endpoint returned status %d", resp.StatusCode)
		}

		var parsed struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("parse embedding response: %w", err)
		}
		if len(parsed.Data) == 0 {
			return nil, fmt.Errorf("embedding endpoint returned no vectors")
		}
		return parsed.Data[0].Embedding, nil
	}
}
