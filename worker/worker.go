// Package worker implements the per-service-type job handlers behind the
// serviceq dispatcher: THUMB renders the 448x448 thumbnail, VECTOR embeds it,
// DETECTOR is reserved for object-detection metadata.
//
// Handlers follow one discipline: do the external work first (file I/O, model
// inference), then commit every row mutation — image update, chain-enqueue,
// job completion — in a single store transaction. An error before that
// transaction leaves the image row untouched, so a retried run sees exactly
// the prerequisites the first run saw.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/hazyhaar/imago/encode"
	"github.com/hazyhaar/imago/serviceq"
	"github.com/hazyhaar/imago/store"
	"github.com/hazyhaar/imago/thumbnail"
)

// Thumbnailer renders a thumbnail of srcPath into dir and returns the
// written path. Injectable for failure testing; the default is
// thumbnail.Generate.
type Thumbnailer func(srcPath, dir string) (string, error)

// Worker dispatches claimed jobs to their stage handler.
type Worker struct {
	store  *store.Store
	q      *serviceq.Q
	enc    encode.Encoder
	thumbs string // directory for generated thumbnails
	render Thumbnailer
	logger *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithThumbnailer overrides the thumbnail renderer.
func WithThumbnailer(fn Thumbnailer) Option { return func(w *Worker) { w.render = fn } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }

// New creates a Worker writing thumbnails under {uploadDir}/thumbs.
func New(s *store.Store, enc encode.Encoder, uploadDir string, opts ...Option) *Worker {
	w := &Worker{
		store:  s,
		q:      s.Queue(),
		enc:    enc,
		thumbs: filepath.Join(uploadDir, "thumbs"),
		render: thumbnail.Generate,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Handle is the serviceq.Handler for all stages. A nil return means the job
// row was transitioned inside the handler's own transaction; a non-nil
// return lets the dispatcher route the job through the conditional Fail.
func (w *Worker) Handle(ctx context.Context, job *serviceq.Job) error {
	switch job.Type {
	case serviceq.TypeThumb:
		return w.handleThumb(ctx, job)
	case serviceq.TypeVector:
		return w.handleVector(ctx, job)
	case serviceq.TypeDetector:
		return w.handleDetector(ctx, job)
	default:
		return fmt.Errorf("unknown service_type %q", job.Type)
	}
}

func (w *Worker) handleThumb(ctx context.Context, job *serviceq.Job) error {
	img, err := w.store.GetImage(ctx, job.ImageID)
	if err != nil {
		return fmt.Errorf("thumb: load image %s: %w", job.ImageID, err)
	}
	if img == nil {
		return fmt.Errorf("thumb: image %s not found", job.ImageID)
	}

	// Rendering happens outside any transaction. Existing thumbnails are
	// overwritten, so retries and re-runs are idempotent.
	path, err := w.render(img.Path, w.thumbs)
	if err != nil {
		return fmt.Errorf("thumb: render %s: %w", img.Path, err)
	}

	if err := w.store.CompleteThumb(ctx, job.ID, img.ID, path); err != nil {
		return fmt.Errorf("thumb: complete %s: %w", job.ID, err)
	}
	w.logger.Info("thumbnail generated", "image_id", img.ID, "thumb", path, "job_id", job.ID)
	return nil
}

func (w *Worker) handleVector(ctx context.Context, job *serviceq.Job) error {
	img, err := w.store.GetImage(ctx, job.ImageID)
	if err != nil {
		return fmt.Errorf("vector: load image %s: %w", job.ImageID, err)
	}
	if img == nil {
		return fmt.Errorf("vector: image %s not found", job.ImageID)
	}
	// The THUMB stage enqueues this job only after its thumb committed, so
	// a missing thumb means corrupted chaining; bail without touching state.
	if img.Thumb == "" {
		return fmt.Errorf("vector: image %s has no thumbnail yet", img.ID)
	}

	vec, err := w.enc.EncodeImage(ctx, img.Thumb)
	if err != nil {
		return fmt.Errorf("vector: encode %s: %w", img.Thumb, err)
	}
	if dim := w.enc.Dimension(); dim > 0 && len(vec) != dim {
		return fmt.Errorf("vector: got %d components, want %d", len(vec), dim)
	}

	if err := w.store.CompleteVector(ctx, job.ID, img.ID, vec); err != nil {
		return fmt.Errorf("vector: complete %s: %w", job.ID, err)
	}
	w.logger.Info("embedding stored", "image_id", img.ID, "dimension", len(vec), "job_id", job.ID)
	return nil
}

// handleDetector is a placeholder for object-detection metadata extraction.
func (w *Worker) handleDetector(ctx context.Context, job *serviceq.Job) error {
	w.logger.Info("detector stage is not implemented, completing", "image_id", job.ImageID, "job_id", job.ID)
	return w.q.Complete(ctx, job.ID)
}
