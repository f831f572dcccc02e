package worker_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/imago/encode"
	"github.com/hazyhaar/imago/serviceq"
	"github.com/hazyhaar/imago/store"
	"github.com/hazyhaar/imago/worker"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

// uploadPNG writes a PNG into uploadDir and registers it, returning the image
// and its PENDING THUMB job id.
func uploadPNG(t *testing.T, s *store.Store, uploadDir, name string) (*store.Image, string) {
	t.Helper()
	path := filepath.Join(uploadDir, name)
	writePNG(t, path, 800, 400)
	img := &store.Image{Name: name, Path: path}
	jobID, err := s.CreateImage(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}
	return img, jobID
}

func newWorker(t *testing.T, s *store.Store, uploadDir string, opts ...worker.Option) *worker.Worker {
	t.Helper()
	enc := encode.New(encode.Config{Dimension: 32})
	return worker.New(s, enc, uploadDir, opts...)
}

func TestHandleThumb(t *testing.T) {
	s := store.OpenMemory(t)
	dir := t.TempDir()
	w := newWorker(t, s, dir)
	ctx := context.Background()

	img, _ := uploadPNG(t, s, dir, "cat.png")
	job, err := s.Queue().Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Handle(ctx, job); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetImage(ctx, img.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Thumb == "" {
		t.Fatal("thumb not recorded")
	}
	if _, err := os.Stat(got.Thumb); err != nil {
		t.Fatalf("thumb file: %v", err)
	}
	if filepath.Dir(got.Thumb) != filepath.Join(dir, "thumbs") {
		t.Fatalf("thumb dir = %q", filepath.Dir(got.Thumb))
	}

	// The VECTOR stage was chained atomically with the completion.
	jobs, err := s.Queue().ForImage(ctx, img.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	if jobs[0].Status != serviceq.StatusCompleted {
		t.Errorf("THUMB status = %q", jobs[0].Status)
	}
	if jobs[1].Type != serviceq.TypeVector || jobs[1].Status != serviceq.StatusPending {
		t.Errorf("chained job = %q/%q", jobs[1].Type, jobs[1].Status)
	}
}

func TestHandleVector(t *testing.T) {
	s := store.OpenMemory(t)
	dir := t.TempDir()
	w := newWorker(t, s, dir)
	ctx := context.Background()

	img, _ := uploadPNG(t, s, dir, "cat.png")

	// THUMB first, then the chained VECTOR.
	for i := 0; i < 2; i++ {
		job, err := s.Queue().Claim(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			t.Fatalf("claim %d: no job", i)
		}
		if err := w.Handle(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetImage(ctx, img.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Embedding) != 32 {
		t.Fatalf("embedding len = %d, want 32", len(got.Embedding))
	}
	if n := encode.Norm(got.Embedding); n < 0.999 || n > 1.001 {
		t.Fatalf("embedding norm = %g, want 1", n)
	}
}

func TestHandleVectorWithoutThumb(t *testing.T) {
	s := store.OpenMemory(t)
	dir := t.TempDir()
	w := newWorker(t, s, dir)
	ctx := context.Background()

	img, _ := uploadPNG(t, s, dir, "cat.png")

	// A VECTOR job enqueued out of order must fail without touching state.
	if _, err := s.Queue().Enqueue(ctx, img.ID, serviceq.TypeVector); err != nil {
		t.Fatal(err)
	}
	// Skip past the THUMB job.
	thumbJob, _ := s.Queue().Claim(ctx)
	if err := s.Queue().Complete(ctx, thumbJob.ID); err != nil {
		t.Fatal(err)
	}

	vectorJob, err := s.Queue().Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Handle(ctx, vectorJob); err == nil {
		t.Fatal("expected error for missing thumbnail")
	}

	got, _ := s.GetImage(ctx, img.ID)
	if got.Embedding != nil {
		t.Fatal("embedding must not be written")
	}
}

func TestHandleDetectorCompletes(t *testing.T) {
	s := store.OpenMemory(t)
	dir := t.TempDir()
	w := newWorker(t, s, dir)
	ctx := context.Background()

	img, _ := uploadPNG(t, s, dir, "cat.png")
	id, err := s.Queue().Enqueue(ctx, img.ID, serviceq.TypeDetector)
	if err != nil {
		t.Fatal(err)
	}

	// Drain the THUMB job so the DETECTOR claim is deterministic.
	thumbJob, _ := s.Queue().Claim(ctx)
	if err := s.Queue().Complete(ctx, thumbJob.ID); err != nil {
		t.Fatal(err)
	}

	job, err := s.Queue().Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job.Type != serviceq.TypeDetector {
		t.Fatalf("claimed %q, want DETECTOR", job.Type)
	}
	if err := w.Handle(ctx, job); err != nil {
		t.Fatal(err)
	}

	got, err := s.Queue().Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != serviceq.StatusCompleted {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestHandleThumbRenderFailure(t *testing.T) {
	s := store.OpenMemory(t)
	dir := t.TempDir()
	boom := errors.New("decoder exploded")
	w := newWorker(t, s, dir, worker.WithThumbnailer(func(src, dst string) (string, error) {
		return "", boom
	}))
	ctx := context.Background()

	img, _ := uploadPNG(t, s, dir, "cat.png")
	job, _ := s.Queue().Claim(ctx)

	err := w.Handle(ctx, job)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped render error", err)
	}

	// No state was touched: the dispatcher owns the Fail transition.
	got, _ := s.GetImage(ctx, img.ID)
	if got.Thumb != "" {
		t.Fatal("thumb must not be set")
	}
	j, _ := s.Queue().Get(ctx, job.ID)
	if j.Status != serviceq.StatusRunning {
		t.Fatalf("status = %q, want RUNNING", j.Status)
	}
}

// A persistently failing renderer exhausts the attempt budget: the job ends
// FAILED, no VECTOR job is chained, and the image keeps no thumb.
func TestPipelineRetryExhaustion(t *testing.T) {
	s := store.OpenMemory(t)
	dir := t.TempDir()
	w := newWorker(t, s, dir, worker.WithThumbnailer(func(src, dst string) (string, error) {
		return "", errors.New("corrupt image")
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	img, jobID := uploadPNG(t, s, dir, "broken.png")

	d := serviceq.NewDispatcher(s.Queue(), w.Handle, serviceq.DispatcherOptions{
		MaxConcurrent: 1,
		PollInterval:  5 * time.Millisecond,
	})
	go d.Run(ctx)

	deadline := time.Now().Add(10 * time.Second)
	var job *serviceq.Job
	for {
		var err error
		job, err = s.Queue().Get(context.Background(), jobID)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status == serviceq.StatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never failed: status=%q attempts=%d", job.Status, job.Attempts)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	if job.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", job.Attempts)
	}
	jobs, err := s.Queue().ForImage(context.Background(), img.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want only the failed THUMB", len(jobs))
	}
	got, _ := s.GetImage(context.Background(), img.ID)
	if got.Thumb != "" {
		t.Errorf("thumb = %q, want empty", got.Thumb)
	}
}

// Full pipeline: upload, run the dispatcher, wait until both stages commit.
func TestPipelineEndToEnd(t *testing.T) {
	s := store.OpenMemory(t)
	dir := t.TempDir()
	w := newWorker(t, s, dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	img, _ := uploadPNG(t, s, dir, "beach.png")

	d := serviceq.NewDispatcher(s.Queue(), w.Handle, serviceq.DispatcherOptions{
		MaxConcurrent: 2,
		PollInterval:  10 * time.Millisecond,
	})
	finished := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(finished)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := s.GetImage(context.Background(), img.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Thumb != "" && got.Embedding != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pipeline did not finish: thumb=%q embedded=%v", got.Thumb, got.Embedding != nil)
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-finished

	jobs, err := s.Queue().ForImage(context.Background(), img.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	for _, j := range jobs {
		if j.Status != serviceq.StatusCompleted {
			t.Errorf("%s job status = %q, want COMPLETED", j.Type, j.Status)
		}
	}
}
