package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/hazyhaar/imago/encode"
)

// SearchResult pairs an image with its cosine distance to the query vector.
type SearchResult struct {
	Image    *Image
	Distance float64
}

// SearchByEmbedding returns images whose cosine distance to query is
// strictly below maxDistance, ordered by ascending distance with id as
// tiebreak, plus the total match count for pagination.
//
// The scan is exact: every stored embedding is compared against the query.
// SQLite has no native vector distance operator, and at catalog scale (tens
// of thousands of 512-dim vectors) a linear scan answers in milliseconds
// while preserving the exact threshold-and-count contract an approximate
// index cannot give.
func (s *Store) SearchByEmbedding(ctx context.Context, query []float32, maxDistance float64, page, pageSize int) ([]SearchResult, int, error) {
	rows, err := s.db.QueryContext(ctx, selectImage+` WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, 0, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var matches []SearchResult
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, 0, err
		}
		d := encode.CosineDistance(query, img.Embedding)
		if d < maxDistance {
			matches = append(matches, SearchResult{Image: img, Distance: d})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].Image.ID < matches[j].Image.ID
	})

	total := len(matches)
	start := (page - 1) * pageSize
	if start >= total {
		return []SearchResult{}, total, nil
	}
	end := min(start+pageSize, total)
	return matches[start:end], total, nil
}
