// Package tokens provides pluggable token counters for prompt budgeting.
package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Encoder counts the tokens a model would see for text. Implementations may
// block on I/O and must honor ctx.
type Encoder interface {
	Count(ctx context.Context, text string) (int, error)
}

// --- Character ratio estimator ---

// CharEstimator approximates tokens as ceil(len(text) / CharsPerToken).
// Good enough for budgeting, not for billing.
type CharEstimator struct {
	CharsPerToken int // defaults to 4 if zero
}

func (e CharEstimator) Count(ctx context.Context, text string) (int, error) {
	ratio := e.CharsPerToken
	if ratio <= 0 {
		ratio = 4
	}
	if text == "" {
		return 0, nil
	}
	return (len(text) + ratio - 1) / ratio, nil
}

// --- llama.cpp server tokenizer ---

// LlamaCppEncoder counts tokens with the /tokenize endpoint of a llama.cpp
// server, giving exact counts for the loaded model.
type LlamaCppEncoder struct {
	baseURL string
	client  *http.Client
}

type tokenizeRequest struct {
	Content string `json:"content"`
}

type tokenizeResponse struct {
	Tokens []json.RawMessage `json:"tokens"`
}

// NewLlamaCppEncoder creates an encoder for the server at baseURL.
func NewLlamaCppEncoder(baseURL string, timeout time.Duration) *LlamaCppEncoder {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LlamaCppEncoder{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *LlamaCppEncoder) Count(ctx context.Context, text string) (int, error) {
	body, _ := json.Marshal(tokenizeRequest{Content: text})
	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/tokenize", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("tokenize request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("tokenize error %d: %s", resp.StatusCode, string(b))
	}

	var result tokenizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode tokenize response: %w", err)
	}
	return len(result.Tokens), nil
}

// --- Factory ---

// New creates an encoder by provider name: "chars" (or "") or "llamacpp".
func New(provider, baseURL string, charsPerToken int, timeout time.Duration) (Encoder, error) {
	switch strings.ToLower(provider) {
	case "", "chars":
		return CharEstimator{CharsPerToken: charsPerToken}, nil
	case "llamacpp", "llama.cpp":
		return NewLlamaCppEncoder(baseURL, timeout), nil
	default:
		return nil, fmt.Errorf("unknown encoder provider %q (valid: chars, llamacpp)", provider)
	}
}
