// Package gallery is the imago service layer: upload ingestion, catalog
// CRUD, and semantic search over stored embeddings, exposed over HTTP (chi)
// and MCP.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/hazyhaar/imago/auth"
	"github.com/hazyhaar/imago/encode"
	"github.com/hazyhaar/imago/serviceq"
	"github.com/hazyhaar/imago/store"
)

// allowedTypes is the upload content-type whitelist.
var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/tiff": true,
	"image/heic": true,
}

// Service wires the store, queue, and encoder behind the public surface.
type Service struct {
	store  *store.Store
	q      *serviceq.Q
	enc    encode.Encoder
	cfg    *Config
	logger *slog.Logger
}

// New creates the service. logger may be nil.
func New(st *store.Store, enc encode.Encoder, cfg *Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, q: st.Queue(), enc: enc, cfg: cfg, logger: logger}
}

// Upload stores the file body under a fresh UUIDv7 name, then inserts the
// image row and its THUMB job in one transaction. On any failure after the
// file hit the disk, the file is removed before the error is returned.
func (s *Service) Upload(ctx context.Context, filename, contentType string, body io.Reader, principal *auth.Claims) (*store.Image, error) {
	if !allowedTypes[contentType] {
		return nil, fmt.Errorf("%w: Invalid file type '%s'. Only image files are accepted", ErrInvalidInput, contentType)
	}

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare upload dir: %w", err)
	}

	// Extension is kept only when purely alphabetic, lowercased; anything
	// else ("" included) is dropped rather than trusted.
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if !alphaExt(ext) {
		ext = ""
	}
	u := uuid.Must(uuid.NewV7())
	unique := strings.ReplaceAll(u.String(), "-", "") + ext
	path := filepath.Join(s.cfg.UploadDir, unique)

	dst, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(dst, body); err != nil {
		dst.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close %s: %w", path, err)
	}

	img := &store.Image{Name: filename, Path: path}
	if img.Name == "" {
		img.Name = unique
	}
	if principal != nil {
		if err := s.store.UpsertUser(ctx, principal.UserID, principal.Username, principal.Role); err != nil {
			os.Remove(path)
			return nil, err
		}
		img.UploadedBy = principal.UserID
	}

	jobID, err := s.store.CreateImage(ctx, img)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("record upload: %w", err)
	}

	s.logger.Info("image uploaded",
		"image_id", img.ID, "name", img.Name, "path", path, "thumb_job", jobID)
	return img, nil
}

func alphaExt(ext string) bool {
	if len(ext) < 2 || ext[0] != '.' {
		return false
	}
	for _, r := range ext[1:] {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// List returns one catalog page. page must be >= 1 and pageSize in [1, 100].
func (s *Service) List(ctx context.Context, page, pageSize int) (*ListResponse, error) {
	if page < 1 {
		return nil, fmt.Errorf("%w: page must be >= 1", ErrInvalidInput)
	}
	if pageSize < 1 || pageSize > 100 {
		return nil, fmt.Errorf("%w: page_size must be between 1 and 100", ErrInvalidInput)
	}

	images, total, err := s.store.ListImages(ctx, page, pageSize)
	if err != nil {
		return nil, err
	}
	items := make([]ImageMeta, len(images))
	for i, img := range images {
		items[i] = meta(img)
	}
	return &ListResponse{Page: page, PageSize: pageSize, Count: total, Items: items}, nil
}

// Get returns an image by id.
func (s *Service) Get(ctx context.Context, id string) (*store.Image, error) {
	img, err := s.store.GetImage(ctx, id)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	return img, nil
}

// Update applies a partial metadata update.
func (s *Service) Update(ctx context.Context, id string, req *UpdateRequest) (*store.Image, error) {
	var tags []string
	if req.Tags != nil {
		tags = *req.Tags
		if tags == nil {
			tags = []string{}
		}
	}
	img, err := s.store.UpdateImage(ctx, id, req.Name, tags)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	return img, nil
}

// Delete removes the on-disk artifacts (missing files tolerated) and the
// row; queue rows go with it via the cascade.
func (s *Service) Delete(ctx context.Context, id string) error {
	img, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := os.Remove(img.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", img.Path, err)
	}
	if img.Thumb != "" {
		if err := os.Remove(img.Thumb); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", img.Thumb, err)
		}
	}

	if _, err := s.store.DeleteImage(ctx, id); err != nil {
		return err
	}
	s.logger.Info("image deleted", "image_id", id)
	return nil
}

// SearchText embeds the query and ranks images by ascending cosine distance,
// keeping those below the text similarity threshold.
func (s *Service) SearchText(ctx context.Context, query string, page, pageSize int) (*SimilarityListResponse, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query must not be empty", ErrInvalidInput)
	}
	vec, err := s.enc.EncodeText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	return s.search(ctx, vec, s.cfg.TextSimilarityThreshold, page, pageSize)
}

// Similar ranks images by distance to the stored embedding of the given
// image. The image itself may appear in the results at distance 0.
func (s *Service) Similar(ctx context.Context, id string, page, pageSize int) (*SimilarityListResponse, error) {
	img, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if img.Embedding == nil {
		return nil, fmt.Errorf("image %s: %w", id, ErrNotEmbedded)
	}
	return s.search(ctx, img.Embedding, s.cfg.SimilarityThreshold, page, pageSize)
}

func (s *Service) search(ctx context.Context, vec []float32, threshold float64, page, pageSize int) (*SimilarityListResponse, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}

	results, total, err := s.store.SearchByEmbedding(ctx, vec, threshold, page, pageSize)
	if err != nil {
		return nil, err
	}
	items := make([]SimilarityItem, len(results))
	for i, res := range results {
		items[i] = SimilarityItem{
			ImageMeta:  meta(res.Image),
			Similarity: round4(1 - res.Distance),
		}
	}
	return &SimilarityListResponse{Page: page, PageSize: pageSize, Count: total, Items: items}, nil
}

func round4(x float64) float64 { return math.Round(x*1e4) / 1e4 }

// Stats reports catalog size and queue depth by status.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	images, err := s.store.CountImages(ctx)
	if err != nil {
		return nil, err
	}
	depth, err := s.q.Depth(ctx)
	if err != nil {
		return nil, err
	}
	queue := make(map[string]int, len(depth))
	for st, n := range depth {
		queue[string(st)] = n
	}
	return &Stats{Images: images, Queue: queue}, nil
}
