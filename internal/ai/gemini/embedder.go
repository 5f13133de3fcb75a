// Package gemini implements the embedding provider on top of the Google GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spigell/job-responder/internal/ai"
	"github.com/spigell/job-responder/internal/logger"
	"github.com/spigell/job-responder/internal/utils"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	defaultModel      = "gemini-embedding-001"
	defaultMaxRetries = 3
	// quota waits longer than this are surfaced instead of slept through
	maxQuotaWait = 10 * time.Second
)

var pause = utils.WaitFor

// contentEmbedder is the slice of genai.Models used here; tests swap it out.
type contentEmbedder interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

type Embedder struct {
	models     contentEmbedder
	model      string
	dims       int32
	maxRetries int
	logger     *zap.Logger
}

type Options struct {
	APIKey     string
	Model      string
	Dimensions int32
	MaxRetries int
}

// NewEmbedder creates an Embedder configured for the Gemini API backend.
func NewEmbedder(ctx context.Context, opts Options, log *zap.Logger) (*Embedder, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}

	return &Embedder{
		models:     client.Models,
		model:      model,
		dims:       opts.Dimensions,
		maxRetries: retries,
		logger:     logger.WithCommonFields(log, "gemini", model),
	}, nil
}

var _ ai.Embedder = (*Embedder)(nil)

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e == nil || e.models == nil {
		return nil, errors.New("gemini embedder is not initialized")
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ai.ErrEmptyText
	}

	cfg := &genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"}
	if e.dims > 0 {
		dims := e.dims
		cfg.OutputDimensionality = &dims
	}

	attempts := e.maxRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := e.models.EmbedContent(ctx, e.model, genai.Text(text), cfg)
		if err == nil {
			return firstEmbedding(resp)
		}
		lastErr = err

		wait, retry := retryDelay(err, attempt)
		if !retry || attempt == attempts {
			break
		}

		e.logger.Warn("gemini embed request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		if err := pause(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("embed content: %w", lastErr)
}

func (e *Embedder) Model() string {
	if e == nil {
		return ""
	}
	return e.model
}

func firstEmbedding(resp *genai.EmbedContentResponse) ([]float32, error) {
	if resp == nil {
		return nil, errors.New("gemini api returned empty response")
	}
	for _, emb := range resp.Embeddings {
		if emb != nil && len(emb.Values) > 0 {
			return emb.Values, nil
		}
	}
	return nil, errors.New("gemini api returned no embedding values")
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry (?:after|in) ([0-9.]+) ?s`)

// retryDelay decides whether err is worth another attempt and how long to wait.
func retryDelay(err error, attempt int) (time.Duration, bool) {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var apiErrPtr *genai.APIError
		if !errors.As(err, &apiErrPtr) || apiErrPtr == nil {
			return 0, false
		}
		apiErr = *apiErrPtr
	}

	switch apiErr.Code {
	case http.StatusTooManyRequests:
		wait := time.Duration(attempt) * time.Second
		if m := retryAfterPattern.FindStringSubmatch(apiErr.Message); m != nil {
			if secs, perr := strconv.ParseFloat(m[1], 64); perr == nil {
				wait = time.Duration(secs * float64(time.Second))
			}
		}
		if wait > maxQuotaWait {
			return 0, false
		}
		return wait, true
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return time.Duration(attempt) * time.Second, true
	default:
		return 0, false
	}
}
