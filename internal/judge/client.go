// Package judge asks the Gemini generateContent endpoint whether a page
// matches a task's interest prompt. The response is treated as opaque.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

var (
	// ErrTransientFailure is returned once retries for 429/5xx or network
	// errors are used up.
	ErrTransientFailure = errors.New("judge call failed after retries")
	// ErrRejected is returned for non-retryable responses.
	ErrRejected = errors.New("judge rejected the request")
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-2.0-flash"
)

// ClientProvider hands out an authenticated HTTP client for an owner.
type ClientProvider interface {
	Client(ctx context.Context, owner string) (*http.Client, error)
}

type Config struct {
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

type Client struct {
	creds ClientProvider
	cfg   Config
	log   zerolog.Logger
}

func NewClient(creds ClientProvider, cfg Config, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Client{
		creds: creds,
		cfg:   cfg,
		log:   logger.With().Str("component", "judge").Logger(),
	}
}

type generateRequest struct {
	Contents          []*genai.Content `json:"contents"`
	SystemInstruction *genai.Content   `json:"systemInstruction,omitempty"`
	Tools             []*genai.Tool    `json:"tools,omitempty"`
}

const instruction = `You monitor a web page for a user. Read the page at the given URL and decide whether it currently matches the user's interest. Reply with a short verdict (MATCH or NO MATCH) followed by one or two sentences of evidence.`

func buildRequest(url, prompt string) generateRequest {
	return generateRequest{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: instruction}}},
		Contents: []*genai.Content{{
			Role:  "user",
			Parts: []*genai.Part{{Text: fmt.Sprintf("URL: %s\nInterest: %s", url, prompt)}},
		}},
		Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	}
}

// Judge returns the raw response body of a generateContent call made with
// owner's credential.
func (c *Client) Judge(ctx context.Context, owner, url, prompt string) (string, error) {
	hc, err := c.creds.Client(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("getting credential for judge call: %w", err)
	}
	if c.cfg.Timeout > 0 {
		hc.Timeout = c.cfg.Timeout
	}

	body, err := json.Marshal(buildRequest(url, prompt))
	if err != nil {
		return "", fmt.Errorf("encoding judge request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.Model)
	logger := c.log.With().Str("url", url).Str("model", c.cfg.Model).Logger()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for attempt := 0; ; attempt++ {
		payload, transient, err := c.call(ctx, hc, endpoint, body)
		if err == nil {
			logger.Debug().Int("attempt", attempt+1).Msg("judge call succeeded")
			return payload, nil
		}
		if !transient {
			return "", err
		}
		if attempt >= c.cfg.MaxRetries {
			logger.Warn().Err(err).Int("attempts", attempt+1).Msg("judge retries exhausted")
			return "", fmt.Errorf("%w: %v", ErrTransientFailure, err)
		}

		// delay = base * 2^attempt * (0.5 + rand(0, 0.5))
		backoff := float64(c.cfg.RetryDelay) * math.Pow(2, float64(attempt))
		delay := time.Duration(backoff * (0.5 + rng.Float64()*0.5))
		logger.Info().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying judge call")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrTransientFailure, ctx.Err())
		}
	}
}

func (c *Client) call(ctx context.Context, hc *http.Client, endpoint string, body []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("creating judge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, fmt.Errorf("judge request: %w", ctx.Err())
		}
		return "", true, fmt.Errorf("judge request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("reading judge response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", true, fmt.Errorf("judge HTTP %d: %s", resp.StatusCode, truncate(respBody))
	case resp.StatusCode >= 400:
		return "", false, fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, truncate(respBody))
	}
	return string(respBody), false, nil
}

func truncate(b []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
