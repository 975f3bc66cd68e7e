package llm

import (
	"context"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	apperrors "github.com/nooble8/nooble8/internal/common/errors"
	"github.com/nooble8/nooble8/internal/common/logger"
)

// Provider retry policy: base 1s, doubled, capped at 10s, 3 attempts.
const providerAttempts = 3

func providerBackoff(attempt int) time.Duration {
	d := time.Second << attempt
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// OpenAIClient implements LLM and Embedder on the OpenAI API.
type OpenAIClient struct {
	client *openai.Client
	logger *logger.Logger
}

// NewOpenAIClient creates the provider facade. baseURL may be empty; a
// non-empty value points the client at a compatible gateway.
func NewOpenAIClient(apiKey, baseURL string, log *logger.Logger) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		logger: log.WithFields(zap.String("component", "openai")),
	}
}

// Complete runs one chat completion with provider-level retries.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	request := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}

	var resp openai.ChatCompletionResponse
	err := c.withRetry(ctx, "chat completion", func() error {
		var err error
		resp, err = c.client.CreateChatCompletion(ctx, request)
		return err
	})
	if err != nil {
		return CompletionResponse{}, apperrors.ServiceUnavailable("llm", err)
	}
	if len(resp.Choices) == 0 {
		return CompletionResponse{}, apperrors.Internal("llm returned no choices", nil)
	}
	return CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// EmbedBatch embeds the texts in one provider call.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, req EmbedRequest) ([][]float32, error) {
	if len(req.Texts) == 0 {
		return nil, apperrors.Validation("texts are required")
	}
	request := openai.EmbeddingRequest{
		Input:          req.Texts,
		Model:          openai.EmbeddingModel(req.Model),
		Dimensions:     req.Dimensions,
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
	}

	var resp openai.EmbeddingResponse
	err := c.withRetry(ctx, "embeddings", func() error {
		var err error
		resp, err = c.client.CreateEmbeddings(ctx, request)
		return err
	})
	if err != nil {
		return nil, apperrors.ServiceUnavailable("embedder", err)
	}
	if len(resp.Data) != len(req.Texts) {
		return nil, apperrors.Internal("embedder returned a partial batch", nil)
	}

	embeddings := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		embeddings[i] = d.Embedding
	}
	return embeddings, nil
}

func (c *OpenAIClient) withRetry(ctx context.Context, operation string, call func() error) error {
	var lastErr error
	for attempt := 0; attempt < providerAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(providerBackoff(attempt - 1)):
			}
		}
		if lastErr = call(); lastErr == nil {
			return nil
		}
		c.logger.Warn("Provider call failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return lastErr
}
