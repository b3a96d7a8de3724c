package gemini

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"

	"onboarding/apps/backend/internal/llm"
)

// maxBatch is the request limit of batchEmbedContents.
const maxBatch = 100

// Embed returns one vector per text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string, mode llm.Mode) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	client, s, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	em := client.EmbeddingModel(s.EmbeddingModel)
	em.TaskType = genai.TaskTypeRetrievalDocument
	if mode == llm.ModeQuery {
		em.TaskType = genai.TaskTypeRetrievalQuery
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatch {
		end := min(start+maxBatch, len(texts))
		part := texts[start:end]

		var res *genai.BatchEmbedContentsResponse
		err := c.withRetry(ctx, "embed", func() error {
			b := em.NewBatch()
			for _, t := range part {
				b.AddContent(genai.Text(t))
			}
			var callErr error
			res, callErr = em.BatchEmbedContents(ctx, b)
			return callErr
		})
		if err != nil {
			slog.ErrorContext(ctx, "embedding failed", "model", s.EmbeddingModel, "mode", mode.String(), "count", len(part), "error", err)
			return nil, err
		}
		if len(res.Embeddings) != len(part) {
			return nil, fmt.Errorf("%w: expected %d embeddings, got %d", llm.ErrEmptyResponse, len(part), len(res.Embeddings))
		}
		for _, e := range res.Embeddings {
			if e == nil || len(e.Values) == 0 {
				return nil, fmt.Errorf("%w: empty embedding", llm.ErrEmptyResponse)
			}
			out = append(out, e.Values)
		}
	}
	slog.DebugContext(ctx, "embedded texts", "model", s.EmbeddingModel, "mode", mode.String(), "count", len(texts))
	return out, nil
}
