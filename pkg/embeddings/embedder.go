// Package embeddings wraps an OpenAI-compatible embedding API behind a
// narrow interface the maintenance pipeline and matcher share.
package embeddings

import (
	"context"
	"regexp"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/sells-group/po-intake/internal/resilience"
)

// Embedder produces vector embeddings for entity text.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Config holds the connection parameters for the embedding service.
type Config struct {
	BaseURL    string
	Key        string
	Model      string
	Dimensions int
}

// Client implements Embedder against any OpenAI-compatible embedding
// endpoint via langchaingo.
type Client struct {
	embedder   embeddings.Embedder
	dimensions int
}

// NewClient builds an embedding client. An empty key is replaced with a
// placeholder so local services that skip auth still work.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		return nil, eris.New("embeddings: model is required")
	}
	key := cfg.Key
	if key == "" {
		key = "none"
	}

	opts := []openai.Option{
		openai.WithToken(key),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, eris.Wrap(err, "embeddings: create client")
	}

	embedder, err := embeddings.NewEmbedder(llm, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, eris.Wrap(err, "embeddings: wrap embedder")
	}

	return &Client{embedder: embedder, dimensions: cfg.Dimensions}, nil
}

// EmbedText embeds a single text.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, eris.New("embeddings: empty response")
	}
	return vecs[0], nil
}

// EmbedTexts embeds a batch of texts in one API call.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := c.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, eris.Wrap(classifyProviderError(err), "embeddings: embed documents")
	}
	for i, v := range vecs {
		if c.dimensions > 0 && len(v) != c.dimensions {
			zap.L().Warn("embedding dimensions differ from configured size",
				zap.Int("index", i),
				zap.Int("got", len(v)),
				zap.Int("want", c.dimensions))
			break
		}
	}
	return vecs, nil
}

// langchaingo folds the provider's HTTP status into the error text rather
// than a typed field.
var providerStatusRe = regexp.MustCompile(`status code:? (\d{3})`)

// classifyProviderError marks retryable provider failures with the
// transient error kind the retry and dead-letter layers key on. A status
// code found in the error text decides; without one the request never got
// a response, which is a transport failure and also retryable.
func classifyProviderError(err error) error {
	if m := providerStatusRe.FindStringSubmatch(err.Error()); m != nil {
		code, convErr := strconv.Atoi(m[1])
		if convErr == nil {
			if resilience.IsTransientHTTPStatus(code) {
				return resilience.NewTransientError(err, code)
			}
			return err
		}
	}
	return resilience.NewTransientError(err, 0)
}
