package gallery

import "github.com/hazyhaar/imago/store"

// ImageMeta is the public view of an image row. Embeddings and uploader
// identity never leave the service.
type ImageMeta struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Path      string   `json:"path"`
	Thumb     string   `json:"thumb,omitempty"`
	Tags      []string `json:"tags"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

func meta(img *store.Image) ImageMeta {
	return ImageMeta{
		ID:        img.ID,
		Name:      img.Name,
		Path:      img.Path,
		Thumb:     img.Thumb,
		Tags:      img.Tags,
		CreatedAt: img.CreatedAt,
		UpdatedAt: img.UpdatedAt,
	}
}

// UploadResponse acknowledges a stored upload.
type UploadResponse struct {
	ImageID string `json:"image_id"`
	Path    string `json:"path"`
}

// ListResponse is one page of the catalog.
type ListResponse struct {
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Count    int         `json:"count"`
	Items    []ImageMeta `json:"items"`
}

// SimilarityItem is a search hit with its rounded similarity score.
type SimilarityItem struct {
	ImageMeta
	Similarity float64 `json:"similarity"`
}

// SimilarityListResponse is one page of ranked search hits.
type SimilarityListResponse struct {
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Count    int              `json:"count"`
	Items    []SimilarityItem `json:"items"`
}

// UpdateRequest is the PATCH body. Nil fields are left unchanged; a non-nil
// Tags replaces the whole tag list.
type UpdateRequest struct {
	Name *string   `json:"name"`
	Tags *[]string `json:"tags"`
}

// DeleteResponse acknowledges a deletion.
type DeleteResponse struct {
	Message string `json:"message"`
}

// Stats summarises the catalog and queue state.
type Stats struct {
	Images int            `json:"images"`
	Queue  map[string]int `json:"queue"`
}
