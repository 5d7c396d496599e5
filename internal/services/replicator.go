package services

import (
	"context"
	"errors"
	"fmt"

	"duo-sync-backend/internal/mediacache"
	"duo-sync-backend/internal/models"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const defaultBrokenSize = 1024

// Replicator mirrors partner photos into the local media cache
type Replicator struct {
	photoService *PhotoService
	cache        *mediacache.Cache
	fetcher      mediacache.Fetcher
	broken       *lru.Cache[string, string]
}

// NewReplicator creates a replicator remembering up to brokenSize failed photos
func NewReplicator(photoService *PhotoService, cache *mediacache.Cache, fetcher mediacache.Fetcher, brokenSize int) (*Replicator, error) {
	if brokenSize <= 0 {
		brokenSize = defaultBrokenSize
	}
	broken, err := lru.New[string, string](brokenSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create broken set: %w", err)
	}
	return &Replicator{
		photoService: photoService,
		cache:        cache,
		fetcher:      fetcher,
		broken:       broken,
	}, nil
}

// EnsureLocalCopy downloads a partner photo unless it is cached, then marks
// it replicated. Photos that failed before are skipped.
func (r *Replicator) EnsureLocalCopy(ctx context.Context, photo models.SharedPhoto, code, userID string) error {
	if photo.UploadedBy == userID || r.broken.Contains(photo.ImageID) {
		return nil
	}

	if !r.cache.Has(photo.ImageID) {
		if err := r.download(ctx, photo); err != nil {
			r.broken.Add(photo.ImageID, err.Error())
			log.Warn().Err(err).Str("code", code).Str("image_id", photo.ImageID).Msg("Photo marked broken")
			return fmt.Errorf("%w: %w", ErrReplication, err)
		}
		log.Info().Str("code", code).Str("image_id", photo.ImageID).Msg("Photo replicated")
	}

	if photo.HasDownloaded(userID) {
		return nil
	}
	if _, err := r.photoService.MarkReplicated(ctx, code, userID, photo.ImageID); err != nil {
		return fmt.Errorf("failed to mark photo replicated: %w", err)
	}
	return nil
}

func (r *Replicator) download(ctx context.Context, photo models.SharedPhoto) error {
	if photo.URL == "" {
		return errors.New("photo has no url")
	}
	body, err := r.fetcher.Fetch(ctx, photo.URL)
	if err != nil {
		return err
	}
	defer body.Close()
	return r.cache.Put(photo.ImageID, body)
}

// Broken reports whether the photo failed to download
func (r *Replicator) Broken(imageID string) bool {
	return r.broken.Contains(imageID)
}

// Run replicates every gallery snapshot until ctx ends
func (r *Replicator) Run(ctx context.Context, code, userID string) error {
	code = NormalizeCode(code)
	sub := r.photoService.Subscribe(ctx, code)
	defer sub.Close()

	log.Info().Str("code", code).Str("user_id", userID).Msg("Gallery replication started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case photos, ok := <-sub.Snapshots():
			if !ok {
				return sub.Err()
			}
			for _, p := range photos {
				if err := r.EnsureLocalCopy(ctx, p, code, userID); err != nil {
					log.Error().Err(err).Str("code", code).Str("image_id", p.ImageID).Msg("Failed to replicate photo")
				}
			}
		}
	}
}
