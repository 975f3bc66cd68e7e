package llm

import (
	"context"
	"fmt"
	"hash/fnv"
)

// StaticLLM returns canned responses. It backs tests and development without
// a provider key.
type StaticLLM struct {
	Response string
	Err      error
	Calls    []CompletionRequest
}

func (s *StaticLLM) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	s.Calls = append(s.Calls, req)
	if s.Err != nil {
		return CompletionResponse{}, s.Err
	}
	content := s.Response
	if content == "" {
		content = "ok"
	}
	return CompletionResponse{
		Content: content,
		Model:   req.Model,
		Usage:   Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

// HashEmbedder produces deterministic pseudo-embeddings from the text
// content, sized to the requested dimensions. Identical texts embed
// identically, which is enough for pipeline and search tests.
type HashEmbedder struct {
	Err error
}

func (h *HashEmbedder) EmbedBatch(ctx context.Context, req EmbedRequest) ([][]float32, error) {
	if h.Err != nil {
		return nil, h.Err
	}
	dims := req.Dimensions
	if dims <= 0 {
		dims = 8
	}
	out := make([][]float32, len(req.Texts))
	for i, text := range req.Texts {
		vec := make([]float32, dims)
		for d := 0; d < dims; d++ {
			hash := fnv.New32a()
			fmt.Fprintf(hash, "%s:%d", text, d)
			vec[d] = float32(hash.Sum32()%1000)/1000 - 0.5
		}
		out[i] = vec
	}
	return out, nil
}
