package captiongen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// HTTPCaptionClient talks to an Ollama-compatible vision-language model
// HTTP endpoint and implements domain.CaptionClient.
type HTTPCaptionClient struct {
	baseURL    string
	httpClient *http.Client
	cleaner    *ResponseCleaner
}

// NewHTTPCaptionClient builds a client targeting baseURL (e.g.
// http://localhost:11434/api/generate).
func NewHTTPCaptionClient(baseURL string, timeout time.Duration) *HTTPCaptionClient {
	return &HTTPCaptionClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cleaner: NewResponseCleaner(),
	}
}

type generateRequest struct {
	Model   string            `json:"model"`
	Prompt  string            `json:"prompt"`
	Images  []string          `json:"images"`
	Stream  bool              `json:"stream"`
	Options generateReqOptions `json:"options,omitempty"`
}

type generateReqOptions struct {
	NumPredict int `json:"num_predict,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// GenerateCaption implements domain.CaptionClient.
func (c *HTTPCaptionClient) GenerateCaption(ctx context.Context, imagePath, prompt, model string, maxLength int) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("op=captiongen.GenerateCaption: read image: %w", err)
	}

	reqBody := generateRequest{
		Model:   model,
		Prompt:  prompt,
		Images:  []string{base64.StdEncoding.EncodeToString(data)},
		Stream:  false,
		Options: generateReqOptions{NumPredict: maxLength},
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("op=captiongen.GenerateCaption: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("op=captiongen.GenerateCaption: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=captiongen.GenerateCaption: %w: %w", domain.ErrUpstreamTimeout, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("op=captiongen.GenerateCaption: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("op=captiongen.GenerateCaption: %w", domain.ErrUpstreamRateLimit)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("op=captiongen.GenerateCaption: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("op=captiongen.GenerateCaption: decode: %w", err)
	}

	return c.cleaner.CleanCaptionText(out.Response), nil
}
