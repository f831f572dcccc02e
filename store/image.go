package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/imago/encode"
	"github.com/hazyhaar/imago/serviceq"
)

// Image is a row in the images table. Thumb and UploadedBy are empty strings
// while NULL in the database; Embedding is nil until the VECTOR stage
// completes. Timestamps are RFC3339 UTC.
type Image struct {
	ID         string
	Name       string
	Path       string
	Thumb      string
	Tags       []string
	Embedding  []float32
	UploadedBy string
	CreatedAt  string
	UpdatedAt  string
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// UpsertUser records (or refreshes) a user row so image.uploaded_by has a
// valid referent. Principals are minted by the external auth collaborator;
// this table only anchors the foreign key and the display name.
func (s *Store) UpsertUser(ctx context.Context, id, name, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, role, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role`,
		id, name, role, now(),
	)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", id, err)
	}
	return nil
}

// CreateImage inserts the image row and its initial THUMB job in one
// transaction, so an image can never exist without its pipeline kickoff (nor
// a job without its image). Fills ID and timestamps; returns the job id.
func (s *Store) CreateImage(ctx context.Context, img *Image) (string, error) {
	if img.ID == "" {
		img.ID = uuid.Must(uuid.NewV7()).String()
	}
	img.CreatedAt = now()
	img.UpdatedAt = img.CreatedAt
	if img.Tags == nil {
		img.Tags = []string{}
	}
	tags, err := json.Marshal(img.Tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO images (id, name, path, thumb, tags, embedding, uploaded_by, created_at, updated_at)
		VALUES (?, ?, ?, NULL, ?, NULL, ?, ?, ?)`,
		img.ID, img.Name, img.Path, string(tags), nullable(img.UploadedBy), img.CreatedAt, img.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert image: %w", err)
	}

	jobID, err := s.q.EnqueueTx(tx, img.ID, serviceq.TypeThumb)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return jobID, nil
}

// GetImage returns an image by id, or nil, nil if absent.
func (s *Store) GetImage(ctx context.Context, id string) (*Image, error) {
	row := s.db.QueryRowContext(ctx, selectImage+` WHERE id = ?`, id)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return img, err
}

// ListImages returns one page of images ordered by id (insertion order for
// UUIDv7 keys) and the total row count.
func (s *Store) ListImages(ctx context.Context, page, pageSize int) ([]*Image, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count images: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		selectImage+` ORDER BY id LIMIT ? OFFSET ?`,
		pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	images := []*Image{}
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, 0, err
		}
		images = append(images, img)
	}
	return images, total, rows.Err()
}

// UpdateImage applies a partial update: a non-nil name replaces the name, a
// non-nil tags slice replaces the whole tag list. Returns the updated row,
// or nil, nil if the image does not exist.
func (s *Store) UpdateImage(ctx context.Context, id string, name *string, tags []string) (*Image, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(selectImage+` WHERE id = ?`, id)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if name != nil {
		img.Name = *name
	}
	if tags != nil {
		img.Tags = tags
	}
	img.UpdatedAt = now()

	tagsJSON, err := json.Marshal(img.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE images SET name = ?, tags = ?, updated_at = ? WHERE id = ?`,
		img.Name, string(tagsJSON), img.UpdatedAt, id,
	); err != nil {
		return nil, fmt.Errorf("update image %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return img, nil
}

// DeleteImage removes the row; its queue rows go with it via the serviceq
// foreign key cascade. Reports whether a row was deleted. Artifact removal
// is the caller's job — files are not reachable from SQL.
func (s *Store) DeleteImage(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete image %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteThumb commits the THUMB stage in one transaction: set the thumb
// path, chain-enqueue the VECTOR job, and mark the THUMB job completed. If
// the image vanished mid-flight (deleted while RUNNING), nothing is written
// and ErrNotFound is returned.
func (s *Store) CompleteThumb(ctx context.Context, jobID, imageID, thumbPath string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE images SET thumb = ?, updated_at = ? WHERE id = ?`,
		thumbPath, now(), imageID,
	)
	if err != nil {
		return fmt.Errorf("set thumb for %s: %w", imageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("image %s: %w", imageID, ErrNotFound)
	}

	if _, err := s.q.EnqueueTx(tx, imageID, serviceq.TypeVector); err != nil {
		return err
	}
	if err := s.q.CompleteTx(tx, jobID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CompleteVector commits the VECTOR stage in one transaction: store the
// embedding and mark the job completed. DETECTOR chaining is reserved.
func (s *Store) CompleteVector(ctx context.Context, jobID, imageID string, vec []float32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE images SET embedding = ?, updated_at = ? WHERE id = ?`,
		encode.Serialize(vec), now(), imageID,
	)
	if err != nil {
		return fmt.Errorf("set embedding for %s: %w", imageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("image %s: %w", imageID, ErrNotFound)
	}

	if err := s.q.CompleteTx(tx, jobID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CountImages returns the number of image rows.
func (s *Store) CountImages(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&n)
	return n, err
}

const selectImage = `
	SELECT id, name, path, thumb, tags, embedding, uploaded_by, created_at, updated_at
	FROM images`

type scanner interface {
	Scan(dest ...any) error
}

func scanImage(row scanner) (*Image, error) {
	var img Image
	var thumb, uploadedBy sql.NullString
	var tags string
	var blob []byte
	err := row.Scan(&img.ID, &img.Name, &img.Path, &thumb, &tags, &blob, &uploadedBy, &img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return nil, err
	}
	img.Thumb = thumb.String
	img.UploadedBy = uploadedBy.String
	if err := json.Unmarshal([]byte(tags), &img.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for %s: %w", img.ID, err)
	}
	img.Embedding = encode.Deserialize(blob)
	return &img, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
