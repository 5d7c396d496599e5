package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"duo-sync-backend/internal/docstore"
	"duo-sync-backend/internal/models"
	"duo-sync-backend/internal/notify"
	"duo-sync-backend/internal/repository"

	"github.com/rs/zerolog/log"
)

const (
	codeLength         = 6
	codeChars          = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789@#$%"
	maxCodesPerCreator = 2
	conflictAttempts   = 3
)

// PairService handles pair-link business logic
type PairService struct {
	db       *docstore.Store
	pairRepo *repository.PairRepository
	userRepo *repository.UserRepository
	pusher   *Pusher
	newCode  func() (string, error)
	now      func() time.Time
}

// NewPairService creates a new pair service
func NewPairService(db *docstore.Store, pairRepo *repository.PairRepository, userRepo *repository.UserRepository, pusher *Pusher) *PairService {
	return &PairService{
		db:       db,
		pairRepo: pairRepo,
		userRepo: userRepo,
		pusher:   pusher,
		newCode:  generateCode,
		now:      time.Now,
	}
}

// generateCode generates a random 6-character pair code
func generateCode() (string, error) {
	code := make([]byte, codeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		if err != nil {
			return "", fmt.Errorf("failed to read random: %w", err)
		}
		code[i] = codeChars[n.Int64()]
	}
	return string(code), nil
}

// NormalizeCode trims and uppercases user-entered codes
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GenerateCode creates a new link owned by userID and points the profile at it
func (s *PairService) GenerateCode(ctx context.Context, userID string) (*models.PairLink, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required: %w", ErrInvalidInput)
	}

	count, err := s.pairRepo.CountByCreator(ctx, userID)
	if err != nil {
		return nil, err
	}
	if count >= maxCodesPerCreator {
		return nil, ErrCodeLimitExceeded
	}

	code, err := s.newCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	link := &models.PairLink{
		Code:            code,
		Creator:         userID,
		AuthorizedUsers: []string{userID},
		ConnectionState: map[string]bool{userID: true},
		CreatedAt:       s.now().UnixMilli(),
	}
	err = s.db.Commit(ctx, s.pairRepo.CreateWrite(link), s.userRepo.SetPairCodeWrite(userID, code))
	if err != nil {
		if errors.Is(err, docstore.ErrAlreadyExists) {
			return nil, fmt.Errorf("generated code %s is already taken: %w", code, err)
		}
		return nil, fmt.Errorf("failed to create pair: %w", err)
	}

	log.Info().Str("user_id", userID).Str("code", code).Msg("Pair code generated")
	return link, nil
}

// Join adds userID to the link identified by code
func (s *PairService) Join(ctx context.Context, userID, code string) (*models.PairLink, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, fmt.Errorf("code is required: %w", ErrInvalidInput)
	}
	if userID == "" {
		return nil, fmt.Errorf("user id is required: %w", ErrInvalidInput)
	}

	var (
		link      *models.PairLink
		newMember bool
	)
	err := retryOnConflict(func() error {
		var err error
		link, err = s.pairRepo.GetByCode(ctx, code)
		if err != nil {
			return translate(err)
		}
		if link.HasPendingDelete() {
			return ErrAlreadyPending
		}

		updates := docstore.Updates{"connectionState." + userID: true}
		newMember = !link.IsAuthorized(userID)
		if newMember {
			if len(link.AuthorizedUsers) >= models.MaxPairMembers {
				return fmt.Errorf("pair %s is full: %w", code, ErrUnauthorized)
			}
			updates["authorizedUsers"] = docstore.ArrayUnion(userID)
		}

		return s.db.Commit(ctx,
			s.pairRepo.UpdateWrite(code, updates,
				docstore.FieldEquals("authorizedUsers", link.AuthorizedUsers),
				docstore.FieldEquals("deleteRequest.status", pendingGuard(link)),
			),
			s.userRepo.SetPairCodeWrite(userID, code),
		)
	})
	if err != nil {
		return nil, translate(err)
	}

	if newMember {
		link.AuthorizedUsers = append(link.AuthorizedUsers, userID)
		log.Info().Str("user_id", userID).Str("code", code).Msg("User joined pair")
		s.pusher.NotifyUser(ctx, link.PartnerOf(userID), notify.Notification{
			Title: "Paired",
			Body:  "Your partner joined your pair",
			Data:  map[string]string{"type": "partner_joined", "code": code},
		})
	}
	link.ConnectionState[userID] = true
	return link, nil
}

// Disconnect removes userID from their current link without destroying it
func (s *PairService) Disconnect(ctx context.Context, userID string) error {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return translate(err)
	}
	if user.PairCode == nil || *user.PairCode == "" {
		return ErrNotPaired
	}
	code := *user.PairCode

	err = retryOnConflict(func() error {
		link, err := s.pairRepo.GetByCode(ctx, code)
		if errors.Is(err, docstore.ErrNotFound) {
			// The link is gone already; only the stale profile pointer remains.
			return s.db.Commit(ctx, s.userRepo.ClearPairCodeWrite(userID, code))
		}
		if err != nil {
			return err
		}
		if link.HasPendingDelete() {
			return ErrAlreadyPending
		}
		return s.db.Commit(ctx,
			s.pairRepo.UpdateWrite(code, docstore.Updates{
				"authorizedUsers":            docstore.ArrayRemove(userID),
				"connectionState." + userID: docstore.DeleteField,
			}, docstore.FieldEquals("deleteRequest.status", pendingGuard(link))),
			s.userRepo.ClearPairCodeWrite(userID, code),
		)
	})
	if err != nil {
		return fmt.Errorf("failed to disconnect: %w", translate(err))
	}

	log.Info().Str("user_id", userID).Str("code", code).Msg("User disconnected from pair")
	return nil
}

// Regenerate issues a fresh code for userID and abandons the previous link
func (s *PairService) Regenerate(ctx context.Context, userID string) (*models.PairLink, error) {
	link, err := s.GenerateCode(ctx, userID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("user_id", userID).Str("code", link.Code).Msg("Pair code regenerated")
	return link, nil
}

// DeleteCode removes a link nobody else has joined
func (s *PairService) DeleteCode(ctx context.Context, userID, code string) error {
	code = NormalizeCode(code)
	err := retryOnConflict(func() error {
		link, err := s.pairRepo.GetByCode(ctx, code)
		if err != nil {
			return translate(err)
		}
		if link.Creator != userID {
			return fmt.Errorf("only the creator can delete code %s: %w", code, ErrUnauthorized)
		}
		if link.PartnerOf(userID) != "" {
			return ErrPartnerJoined
		}

		writes := []docstore.Write{
			s.pairRepo.DeleteWrite(code, docstore.FieldEquals("authorizedUsers", link.AuthorizedUsers)),
		}
		clears, err := s.clearProfileWrites(ctx, code, userID)
		if err != nil {
			return err
		}
		return s.db.Commit(ctx, append(writes, clears...)...)
	})
	if err != nil {
		return translate(err)
	}

	log.Info().Str("user_id", userID).Str("code", code).Msg("Pair code deleted")
	return nil
}

// Current resolves the caller's active link via the profile pointer
func (s *PairService) Current(ctx context.Context, userID string) (*models.PairLink, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrNotPaired
		}
		return nil, err
	}
	if user.PairCode == nil || *user.PairCode == "" {
		return nil, ErrNotPaired
	}
	link, err := s.pairRepo.GetByCode(ctx, *user.PairCode)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrNotPaired
		}
		return nil, err
	}
	return link, nil
}

// RequireMember returns the link if userID is authorized on it
func (s *PairService) RequireMember(ctx context.Context, userID, code string) (*models.PairLink, error) {
	link, err := s.pairRepo.GetByCode(ctx, NormalizeCode(code))
	if err != nil {
		return nil, translate(err)
	}
	if !link.IsAuthorized(userID) {
		return nil, fmt.Errorf("user is not a member of pair %s: %w", link.Code, ErrUnauthorized)
	}
	return link, nil
}

// Watch streams the link; nil means it was deleted
func (s *PairService) Watch(ctx context.Context, code string) *docstore.Subscription[*models.PairLink] {
	return s.pairRepo.Watch(ctx, code)
}

// WatchPairCode streams the code the user's profile points at; "" when
// the user is not paired
func (s *PairService) WatchPairCode(ctx context.Context, userID string) *docstore.Subscription[string] {
	return docstore.Map(s.userRepo.Watch(ctx, userID), func(user *models.UserProfile) (string, error) {
		if user == nil || user.PairCode == nil {
			return "", nil
		}
		return *user.PairCode, nil
	})
}

// clearProfileWrites clears pairCode of the given users whose profile still points at code
func (s *PairService) clearProfileWrites(ctx context.Context, code string, userIDs ...string) ([]docstore.Write, error) {
	writes := make([]docstore.Write, 0, len(userIDs))
	for _, uid := range userIDs {
		user, err := s.userRepo.GetByID(ctx, uid)
		if errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if user.PairCode != nil && *user.PairCode == code {
			writes = append(writes, s.userRepo.ClearPairCodeWrite(uid, code))
		}
	}
	return writes, nil
}

// pendingGuard is the deleteRequest.status value observed on link, used to
// reject writes that race with a new delete request
func pendingGuard(link *models.PairLink) any {
	if link.DeleteRequest == nil {
		return nil
	}
	return link.DeleteRequest.Status
}

// retryOnConflict reruns fn while its preconditions lose a race
func retryOnConflict(fn func() error) error {
	var err error
	for i := 0; i < conflictAttempts; i++ {
		err = fn()
		if !errors.Is(err, docstore.ErrPreconditionFailed) {
			return err
		}
	}
	return fmt.Errorf("%w: gave up after %d conflicting attempts: %w", docstore.ErrUnavailable, conflictAttempts, err)
}
