package embedding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hyperjump/kioku/pkg/utils"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	// DefaultModel is the embedding model used when none is configured.
	DefaultModel = string(openai.SmallEmbedding3)
	// DefaultBatchSize is the number of texts sent per provider request.
	DefaultBatchSize = 64
)

// OpenAIConfig configures the remote embedder.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	BatchSize  int
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	batchSize  int
	logger     *zap.Logger
}

// NewOpenAIEmbedder creates a remote embedder. Dimensions must be set so that responses
// can be checked; the value is also sent to models that support shortened outputs.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding API key is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      openai.EmbeddingModel(cfg.Model),
		dimensions: cfg.Dimensions,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		batchSize:  cfg.BatchSize,
		logger:     cfg.Logger,
	}, nil
}

// Embed embeds a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.request(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch splits texts into provider-sized requests. A failed request marks every text
// in that request with the same error; other requests are unaffected.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) []Result {
	results := make([]Result, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		vecs, err := e.request(ctx, texts[start:end])
		for i := start; i < end; i++ {
			if err != nil {
				results[i].Err = err
				continue
			}
			results[i].Vector = vecs[i-start]
		}
	}
	return results
}

// Dimensions returns the configured embedding dimension.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op; the HTTP client holds no resources that need releasing.
func (e *OpenAIEmbedder) Close() error {
	return nil
}

// request sends one batch, retrying transient failures with exponential backoff.
func (e *OpenAIEmbedder) request(ctx context.Context, input []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			delay := utils.CalculateBackoff(e.retryDelay, attempt)
			e.logger.Warn("retrying embedding request",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, &TransientError{Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		vecs, err := e.call(ctx, input)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if IsPermanent(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (e *OpenAIEmbedder) call(ctx context.Context, input []string) ([][]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.CreateEmbeddings(callCtx, openai.EmbeddingRequestStrings{
		Input:      input,
		Model:      e.model,
		Dimensions: e.requestDimensions(),
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) != len(input) {
		return nil, &PermanentError{Err: fmt.Errorf("expected %d embeddings, got %d", len(input), len(resp.Data))}
	}

	vecs := make([][]float32, len(input))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(input) || vecs[d.Index] != nil {
			return nil, &PermanentError{Err: fmt.Errorf("invalid embedding index %d", d.Index)}
		}
		if len(d.Embedding) != e.dimensions {
			return nil, &PermanentError{Err: fmt.Errorf("dimension mismatch: expected %d, got %d", e.dimensions, len(d.Embedding))}
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// requestDimensions only asks for shortened vectors on models that accept the parameter.
func (e *OpenAIEmbedder) requestDimensions() int {
	switch e.model {
	case openai.SmallEmbedding3, openai.LargeEmbedding3:
		return e.dimensions
	}
	return 0
}

// classify maps a provider error onto the transient/permanent taxonomy.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Err: err}
	}
	// Anything else came from decoding the response body.
	return &PermanentError{Err: err}
}

func classifyStatus(code int, err error) error {
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		return &TransientError{StatusCode: code, Err: err}
	}
	return &PermanentError{StatusCode: code, Err: err}
}
