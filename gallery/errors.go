package gallery

import "errors"

// ErrInvalidInput is returned when a request fails validation (content type,
// page range). Mapped to 400.
var ErrInvalidInput = errors.New("gallery: invalid input")

// ErrNotFound is returned when the referenced image does not exist. Mapped
// to 404.
var ErrNotFound = errors.New("gallery: image not found")

// ErrNotEmbedded is returned when similarity is requested for an image whose
// VECTOR stage has not completed yet. Mapped to 422.
var ErrNotEmbedded = errors.New("gallery: image has not been embedded yet")
