package repository

import (
	"context"
	"fmt"

	"duo-sync-backend/internal/docstore"
	"duo-sync-backend/internal/models"
)

// PhotoRepository handles document operations for the shared gallery
type PhotoRepository struct {
	db *docstore.Store
}

// NewPhotoRepository creates a new photo repository
func NewPhotoRepository(db *docstore.Store) *PhotoRepository {
	return &PhotoRepository{db: db}
}

// GalleryCollection returns the gallery collection of a pair
func GalleryCollection(code string) string {
	return docstore.Collection(pairsCollection, code, "gallery")
}

func photoPath(code, imageID string) string {
	return docstore.Doc(GalleryCollection(code), imageID)
}

func galleryQuery(code string) docstore.Query {
	return docstore.NewQuery(GalleryCollection(code)).OrderBy("createdAt", docstore.Desc)
}

// Create records a new photo; the image id is the document id
func (r *PhotoRepository) Create(ctx context.Context, code string, photo *models.SharedPhoto) error {
	downloaded := photo.DownloadedBy
	if downloaded == nil {
		downloaded = []string{}
	}
	err := r.db.Create(ctx, photoPath(code, photo.ImageID), map[string]any{
		"imageId":      photo.ImageID,
		"url":          photo.URL,
		"uploadedBy":   photo.UploadedBy,
		"downloadedBy": downloaded,
		"createdAt":    photo.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to create photo: %w", err)
	}
	return nil
}

// Get retrieves a photo by image id
func (r *PhotoRepository) Get(ctx context.Context, code, imageID string) (*models.SharedPhoto, error) {
	snap, err := r.db.Get(ctx, photoPath(code, imageID))
	if err != nil {
		return nil, fmt.Errorf("failed to get photo: %w", err)
	}
	return decodePhoto(snap)
}

// List returns a page of the gallery, newest first, and the total count
func (r *PhotoRepository) List(ctx context.Context, code string, limit, offset int) ([]models.SharedPhoto, int, error) {
	docs, err := r.db.Query(ctx, galleryQuery(code))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list photos: %w", err)
	}
	total := len(docs)
	if offset >= total {
		return []models.SharedPhoto{}, total, nil
	}
	docs = docs[offset:]
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	photos, err := decodePhotos(docs)
	if err != nil {
		return nil, 0, err
	}
	return photos, total, nil
}

// AddDownloadedBy records that userID holds a local copy
func (r *PhotoRepository) AddDownloadedBy(ctx context.Context, code, imageID, userID string) error {
	err := r.db.Update(ctx, photoPath(code, imageID), docstore.Updates{
		"downloadedBy": docstore.ArrayUnion(userID),
	})
	if err != nil {
		return fmt.Errorf("failed to mark photo downloaded: %w", err)
	}
	return nil
}

// Delete removes a photo record
func (r *PhotoRepository) Delete(ctx context.Context, code, imageID string) error {
	if err := r.db.Delete(ctx, photoPath(code, imageID)); err != nil {
		return fmt.Errorf("failed to delete photo: %w", err)
	}
	return nil
}

// Watch streams the gallery, newest first
func (r *PhotoRepository) Watch(ctx context.Context, code string) *docstore.Subscription[[]models.SharedPhoto] {
	return docstore.Map(r.db.WatchQuery(ctx, galleryQuery(code)), decodePhotos)
}

func decodePhoto(snap docstore.DocumentSnapshot) (*models.SharedPhoto, error) {
	if !snap.Exists {
		return nil, fmt.Errorf("photo %s: %w", snap.ID, docstore.ErrNotFound)
	}
	var photo models.SharedPhoto
	if err := snap.DataTo(&photo); err != nil {
		return nil, err
	}
	if photo.ImageID == "" {
		photo.ImageID = snap.ID
	}
	if photo.DownloadedBy == nil {
		photo.DownloadedBy = []string{}
	}
	return &photo, nil
}

func decodePhotos(docs []docstore.DocumentSnapshot) ([]models.SharedPhoto, error) {
	photos := make([]models.SharedPhoto, 0, len(docs))
	for _, d := range docs {
		p, err := decodePhoto(d)
		if err != nil {
			return nil, err
		}
		photos = append(photos, *p)
	}
	return photos, nil
}
