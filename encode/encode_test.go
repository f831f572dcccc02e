package encode

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestStubDeterministic(t *testing.T) {
	enc := New(Config{})
	ctx := context.Background()

	a, err := enc.EncodeText(ctx, "a dog on a beach")
	if err != nil {
		t.Fatal(err)
	}
	b, err := enc.EncodeText(ctx, "a dog on a beach")
	if err != nil {
		t.Fatal(err)
	}
	c, err := enc.EncodeText(ctx, "a cat indoors")
	if err != nil {
		t.Fatal(err)
	}

	if len(a) != DefaultDimension {
		t.Fatalf("dimension = %d, want %d", len(a), DefaultDimension)
	}
	if n := Norm(a); math.Abs(n-1) > 1e-5 {
		t.Fatalf("norm = %g, want 1", n)
	}
	if d := CosineDistance(a, b); d > 1e-6 {
		t.Fatalf("same input drifted: distance %g", d)
	}
	// High-dimensional random unit vectors are near-orthogonal.
	if d := CosineDistance(a, c); d < 0.5 {
		t.Fatalf("distinct inputs too close: distance %g", d)
	}
}

func TestStubEncodeImage(t *testing.T) {
	enc := New(Config{Dimension: 64})
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "img.bin")
	if err := os.WriteFile(path, []byte("pixel data"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := enc.EncodeImage(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 {
		t.Fatalf("dimension = %d, want 64", len(a))
	}
	b, err := enc.EncodeImage(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if d := CosineDistance(a, b); d > 1e-6 {
		t.Fatalf("same file drifted: distance %g", d)
	}

	if _, err := enc.EncodeImage(ctx, filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestStubModelName(t *testing.T) {
	enc := New(Config{})
	if enc.Model() != "clip-vit-b-32-stub" {
		t.Fatalf("model = %q", enc.Model())
	}
	if enc.Dimension() != DefaultDimension {
		t.Fatalf("dimension = %d", enc.Dimension())
	}
}

func TestClientEncodeText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Model != "clip-test" {
			t.Errorf("model = %q", req.Model)
		}
		if len(req.Input) != 1 || req.Input[0] != "hello" {
			t.Errorf("input = %v", req.Input)
		}

		// Non-unit response: the client must normalize on receipt.
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float64{3, 0, 4, 0}},
			},
		})
	}))
	defer srv.Close()

	enc := New(Config{Endpoint: srv.URL, Model: "clip-test", Dimension: 4})
	vec, err := enc.EncodeText(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 4 {
		t.Fatalf("dimension = %d, want 4", len(vec))
	}
	if n := Norm(vec); math.Abs(n-1) > 1e-6 {
		t.Fatalf("norm = %g, want 1", n)
	}
}

func TestClientDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float64{1, 0}},
			},
		})
	}))
	defer srv.Close()

	enc := New(Config{Endpoint: srv.URL, Dimension: 4})
	if _, err := enc.EncodeText(context.Background(), "hello"); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	enc := New(Config{Endpoint: srv.URL})
	if _, err := enc.EncodeText(context.Background(), "hello"); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestDefaultSingleton(t *testing.T) {
	a := Default(Config{})
	b := Default(Config{Endpoint: "http://ignored:1"})
	if a != b {
		t.Fatal("Default must return the same encoder")
	}
}
