package encode

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// clipClient implements Encoder against the OpenAI /v1/embeddings API format.
// Text inputs are sent verbatim; image inputs are sent as base64 data URIs,
// which CLIP-serving backends (vLLM, ONNX Runtime Server, RunPod workers)
// accept alongside plain text.
type clipClient struct {
	endpoint string
	model    string
	dim      int
	device   string
	client   *http.Client
	cfg      Config
	mu       sync.Mutex // protects dim on auto-detect
}

func newClient(cfg Config) *clipClient {
	device := "auto"
	if cfg.CPUOnly {
		device = "cpu"
	}
	return &clipClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		dim:      cfg.Dimension,
		device:   device,
		client:   &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
	}
}

// embedRequest is the JSON body sent to /v1/embeddings.
type embedRequest struct {
	Model  string   `json:"model"`
	Input  []string `json:"input"`
	Device string   `json:"device,omitempty"`
}

// embedResponse is the JSON response from /v1/embeddings (OpenAI format).
type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

func (c *clipClient) EncodeText(ctx context.Context, text string) ([]float32, error) {
	return c.encode(ctx, text)
}

func (c *clipClient) EncodeImage(ctx context.Context, path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mt == "" {
		mt = "application/octet-stream"
	}
	uri := "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(data)
	return c.encode(ctx, uri)
}

func (c *clipClient) encode(ctx context.Context, input string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{
		Model:  c.model,
		Input:  []string{input},
		Device: c.device,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.endpoint + "/v1/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, url, string(respBody))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned from %s", url)
	}

	vec := result.Data[0].Embedding
	if err := c.checkDimension(vec, result.Model); err != nil {
		return nil, err
	}
	return Normalize(vec), nil
}

func (c *clipClient) checkDimension(vec []float32, model string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dim == 0 && len(vec) > 0 {
		c.dim = len(vec)
		c.cfg.Logger.Info("auto-detected embedding dimension", "dimension", c.dim, "model", model)
	}
	if len(vec) != c.dim {
		return fmt.Errorf("embedding dimension %d, want %d", len(vec), c.dim)
	}
	return nil
}

func (c *clipClient) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dim
}

func (c *clipClient) Model() string { return c.model }
