package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"duo-sync-backend/internal/blobstore"
	"duo-sync-backend/internal/docstore"
	"duo-sync-backend/internal/models"
	"duo-sync-backend/internal/notify"
	"duo-sync-backend/internal/repository"

	"github.com/rs/zerolog/log"
)

// PhotoService handles the shared gallery
type PhotoService struct {
	photoRepo   *repository.PhotoRepository
	pairRepo    *repository.PairRepository
	pairService *PairService
	blobs       blobstore.Store
	pusher      *Pusher
	now         func() time.Time
}

// NewPhotoService creates a new photo service
func NewPhotoService(
	photoRepo *repository.PhotoRepository,
	pairRepo *repository.PairRepository,
	pairService *PairService,
	blobs blobstore.Store,
	pusher *Pusher,
) *PhotoService {
	return &PhotoService{
		photoRepo:   photoRepo,
		pairRepo:    pairRepo,
		pairService: pairService,
		blobs:       blobs,
		pusher:      pusher,
		now:         time.Now,
	}
}

// BlobPath returns where the bytes of a gallery photo are stored
func BlobPath(code, imageID string) string {
	return fmt.Sprintf("gallery_pairs/%s/%s.jpg", code, imageID)
}

// Upload stores the photo bytes and records the gallery entry
func (s *PhotoService) Upload(ctx context.Context, code, userID string, body io.Reader, contentType string) (*models.SharedPhoto, error) {
	link, err := s.pairService.RequireMember(ctx, userID, code)
	if err != nil {
		return nil, err
	}
	code = link.Code
	if contentType == "" {
		contentType = "image/jpeg"
	}

	createdAt := s.now().UnixMilli()
	imageID := fmt.Sprintf("%d_%s", createdAt, userID)
	path := BlobPath(code, imageID)

	url, err := s.blobs.Upload(ctx, path, body, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload photo: %w", err)
	}

	photo := &models.SharedPhoto{
		ImageID:      imageID,
		URL:          url,
		UploadedBy:   userID,
		DownloadedBy: []string{},
		CreatedAt:    createdAt,
	}
	if err := s.photoRepo.Create(ctx, code, photo); err != nil {
		if delErr := s.blobs.Delete(context.WithoutCancel(ctx), path); delErr != nil {
			log.Error().Err(delErr).Str("path", path).Msg("Failed to remove orphaned photo blob")
		}
		return nil, err
	}

	log.Info().Str("user_id", userID).Str("code", code).Str("image_id", imageID).Msg("Photo uploaded")
	s.pusher.NotifyUser(ctx, link.PartnerOf(userID), notify.Notification{
		Title: "New photo",
		Body:  "Your partner shared a photo",
		Data:  map[string]string{"type": "photo", "code": code, "image_id": imageID},
	})
	return photo, nil
}

// Subscribe streams the gallery, newest first
func (s *PhotoService) Subscribe(ctx context.Context, code string) *docstore.Subscription[[]models.SharedPhoto] {
	return s.photoRepo.Watch(ctx, NormalizeCode(code))
}

// List returns one page of the gallery for a member
func (s *PhotoService) List(ctx context.Context, userID, code string, limit, offset int) (*models.Page[models.SharedPhoto], error) {
	link, err := s.pairService.RequireMember(ctx, userID, code)
	if err != nil {
		return nil, err
	}
	photos, total, err := s.photoRepo.List(ctx, link.Code, limit, offset)
	if err != nil {
		return nil, err
	}
	return &models.Page[models.SharedPhoto]{Items: photos, Total: total, Limit: limit, Offset: offset}, nil
}

// MarkReplicated records that userID holds a local copy and reclaims the
// blob when every other member has one. Reports whether the blob was removed.
func (s *PhotoService) MarkReplicated(ctx context.Context, code, userID, imageID string) (bool, error) {
	code = NormalizeCode(code)
	if err := s.photoRepo.AddDownloadedBy(ctx, code, imageID, userID); err != nil {
		return false, translate(err)
	}
	photo, err := s.photoRepo.Get(ctx, code, imageID)
	if err != nil {
		return false, translate(err)
	}
	return s.Reclaim(ctx, photo, code)
}

// Reclaim deletes the photo blob once every member other than the uploader
// has replicated it. A blob that is already gone counts as reclaimed.
func (s *PhotoService) Reclaim(ctx context.Context, photo *models.SharedPhoto, code string) (bool, error) {
	if !s.reclaimable(ctx, photo, code) {
		return false, nil
	}

	path := BlobPath(code, photo.ImageID)
	if err := s.blobs.Delete(ctx, path); err != nil && !errors.Is(err, blobstore.ErrObjectNotFound) {
		log.Error().Err(err).Str("code", code).Str("image_id", photo.ImageID).Msg("Failed to reclaim photo blob")
		return false, fmt.Errorf("%w: %w", ErrReclamation, err)
	}

	log.Info().Str("code", code).Str("image_id", photo.ImageID).Msg("Photo blob reclaimed")
	return true, nil
}

func (s *PhotoService) reclaimable(ctx context.Context, photo *models.SharedPhoto, code string) bool {
	link, err := s.pairRepo.GetByCode(ctx, code)
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			log.Error().Err(err).Str("code", code).Msg("Failed to load pair for reclamation")
			return false
		}
		// Without the link, any copy held by someone else is enough.
		for _, u := range photo.DownloadedBy {
			if u != photo.UploadedBy {
				return true
			}
		}
		return false
	}

	others := 0
	for _, u := range link.AuthorizedUsers {
		if u == photo.UploadedBy {
			continue
		}
		others++
		if !photo.HasDownloaded(u) {
			return false
		}
	}
	return others > 0
}
