package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Embedding is a single embedding vector returned by the inference service.
type Embedding []float64

type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client POSTs combined input lists to the inference service's /embed
// endpoint. It is safe for concurrent use; connection pooling lives inside
// the underlying http.Client.
type Client struct {
	embedEndpoint string
	apiKey        string
	timeout       time.Duration
	httpClient    *http.Client
}

func NewClient(config ClientConfig) (*Client, error) {
	base := strings.TrimSpace(config.BaseURL)
	if base == "" {
		return nil, errors.New("inference service URL is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse inference service URL: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return nil, fmt.Errorf("inference service URL %q is not absolute", base)
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}

	return &Client{
		embedEndpoint: parsed.JoinPath("embed").String(),
		apiKey:        strings.TrimSpace(config.APIKey),
		timeout:       config.Timeout,
		httpClient:    config.HTTPClient,
	}, nil
}

type embedPayload struct {
	Inputs []string `json:"inputs"`
}

// Embed sends one combined input list and returns the decoded embedding
// vectors. The HTTP status code is not inspected: the body either decodes as
// an embedding array or the call fails with a DecodeError.
func (c *Client) Embed(ctx context.Context, inputs []string) ([]Embedding, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if inputs == nil {
		inputs = []string{}
	}

	encoded, err := json.Marshal(embedPayload{Inputs: inputs})
	if err != nil {
		return nil, fmt.Errorf("marshal embed payload: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(
		timeoutCtx,
		http.MethodPost,
		c.embedEndpoint,
		bytes.NewReader(encoded),
	)
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	var embeddings []Embedding
	if err := json.Unmarshal(body, &embeddings); err != nil {
		return nil, &DecodeError{Reason: "body is not an embedding array", Err: err}
	}
	return embeddings, nil
}
