// Package encode converts images and short text queries to unit-norm float32
// vectors via any OpenAI-compatible embedding server (CLIP behind vLLM, ONNX
// Runtime Server, RunPod, or a local sidecar).
//
// It decouples vector generation from storage and search so the rest of imago
// never knows which backend produced a vector. Without an endpoint configured
// it falls back to a deterministic stub, which keeps the full pipeline
// runnable in tests and on developer machines with no inference server.
//
// Usage:
//
//	enc := encode.New(encode.Config{
//	    Endpoint: "http://localhost:8003",
//	    Model:    "clip-vit-b-32",
//	})
//	vec, err := enc.EncodeText(ctx, "a dog on a beach")
//	// vec is []float32 of dimension 512, L2 norm 1
package encode

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultDimension is the vector dimension produced by the CLIP family of
// models this service is tuned for.
const DefaultDimension = 512

// Encoder converts images and text to unit-norm vectors. Implementations are
// safe for concurrent use after construction.
type Encoder interface {
	// EncodeImage returns the embedding of the image file at path.
	EncodeImage(ctx context.Context, path string) ([]float32, error)

	// EncodeText returns the embedding of a short text query.
	EncodeText(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the vector dimension (512 for CLIP ViT-B/32).
	Dimension() int

	// Model returns the model name.
	Model() string
}

// Config configures the encoder.
type Config struct {
	// Endpoint is the base URL of the embedding server. If empty, a
	// deterministic stub encoder is returned.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Model is the model name sent in every request.
	Model string `json:"model" yaml:"model"`

	// Dimension is the expected vector dimension. Responses of a different
	// dimension are rejected. Default: 512.
	Dimension int `json:"dimension" yaml:"dimension"`

	// CPUOnly forwards a device hint to the inference server.
	CPUOnly bool `json:"cpu_only" yaml:"cpu_only"`

	// Timeout per HTTP request. Default: 60s (image payloads are large).
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Logger for debug/error messages. Defaults to slog.Default().
	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.Dimension <= 0 {
		c.Dimension = DefaultDimension
	}
	if c.Model == "" {
		c.Model = "clip-vit-b-32"
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New creates an Encoder from config. With an empty Endpoint it returns the
// deterministic stub.
func New(cfg Config) Encoder {
	cfg.defaults()
	if cfg.Endpoint == "" {
		return newStub(cfg)
	}
	return newClient(cfg)
}

var (
	defaultMu  sync.Mutex
	defaultEnc atomic.Value // Encoder
)

// Default returns the process-wide encoder, constructing it on first call.
// Initialization is double-checked: the fast path is a single atomic load,
// the slow path holds a mutex so the handle is built exactly once. After
// initialization the handle is immutable and callable from any goroutine;
// cfg is ignored on subsequent calls.
func Default(cfg Config) Encoder {
	if e, ok := defaultEnc.Load().(Encoder); ok {
		return e
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if e, ok := defaultEnc.Load().(Encoder); ok {
		return e
	}
	e := New(cfg)
	defaultEnc.Store(e)
	return e
}
