// Package provider implements the LLM-facing capabilities: a client for
// OpenAI-compatible chat and embedding APIs, and a Redis read-through cache
// that makes repeated embeddings cheap.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/liliang-cn/livingmemory/pkg/config"
	"github.com/liliang-cn/livingmemory/pkg/core"
)

// Client talks to an OpenAI-compatible API and provides both the chat and
// the embedding capability. A custom BaseURL points it at compatible servers
// (Ollama, vLLM, LM Studio and the like).
type Client struct {
	api            *openai.Client
	chatModel      string
	embeddingModel string
	logger         core.Logger

	dimMu sync.Mutex
	dim   int
}

// NewClient builds a Client from the provider settings.
func NewClient(cfg config.ProviderConfig, logger core.Logger) *Client {
	if logger == nil {
		logger = core.NopLogger()
	}
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return &Client{
		api:            openai.NewClientWithConfig(apiCfg),
		chatModel:      cfg.ChatModel,
		embeddingModel: cfg.EmbeddingModel,
		logger:         logger,
	}
}

// Chat sends one system+user exchange and returns the assistant's text. With
// jsonMode set the request asks for a JSON object response; servers that
// ignore the flag still work because callers strip Markdown fences before
// decoding.
func (c *Client) Chat(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", core.WrapError("provider.chat", fmt.Errorf("%w: %v", core.ErrExternalFailure, err))
	}
	if len(resp.Choices) == 0 {
		return "", core.WrapError("provider.chat", fmt.Errorf("%w: no choices returned", core.ErrExternalFailure))
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed returns the embedding vector for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.embeddingModel),
		Input: []string{text},
	})
	if err != nil {
		return nil, core.WrapError("provider.embed", fmt.Errorf("%w: %v", core.ErrExternalFailure, err))
	}
	if len(resp.Data) == 0 {
		return nil, core.WrapError("provider.embed", fmt.Errorf("%w: empty embedding response", core.ErrExternalFailure))
	}
	return resp.Data[0].Embedding, nil
}

// Dimension reports the embedding width by probing the model once and
// caching the answer. A failed probe is not cached so startup retries work.
func (c *Client) Dimension(ctx context.Context) (int, error) {
	c.dimMu.Lock()
	defer c.dimMu.Unlock()
	if c.dim > 0 {
		return c.dim, nil
	}
	vec, err := c.Embed(ctx, "dimension probe")
	if err != nil {
		return 0, err
	}
	c.dim = len(vec)
	c.logger.Debug("probed embedding dimension", "model", c.embeddingModel, "dim", c.dim)
	return c.dim, nil
}
