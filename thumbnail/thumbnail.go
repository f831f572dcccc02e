// Package thumbnail produces down-scaled copies of uploaded images, fitted
// into a 448x448 bounding box with the aspect ratio preserved.
package thumbnail

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// MaxSize is the bounding box edge for generated thumbnails. 448 matches the
// input resolution of the CLIP preprocessing pipeline, so the VECTOR stage
// can encode the thumbnail directly instead of re-reading the original.
const MaxSize = 448

// Generate writes a thumbnail of the image at srcPath into dir, keeping the
// source basename, and returns the written path. The longest side of the
// result is at most MaxSize; smaller images are copied at their original
// size. An existing thumbnail at the target path is overwritten.
func Generate(srcPath, dir string) (string, error) {
	img, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("open %s: %w", srcPath, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	dst := filepath.Join(dir, filepath.Base(srcPath))

	// Fit scales down only, so images already inside the box pass through.
	thumb := imaging.Fit(img, MaxSize, MaxSize, imaging.Lanczos)
	if err := imaging.Save(thumb, dst); err != nil {
		return "", fmt.Errorf("save %s: %w", dst, err)
	}
	return dst, nil
}
