package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"duo-sync-backend/internal/docstore"
	"duo-sync-backend/internal/models"
	"duo-sync-backend/internal/notify"
	"duo-sync-backend/internal/repository"

	"github.com/rs/zerolog/log"
)

// Decision is a member's answer to a pending delete request
type Decision int

const (
	DecisionCancel Decision = iota
	DecisionApproveOnce
	DecisionForceDelete
)

var decisionNames = map[Decision]string{
	DecisionCancel:      "cancel",
	DecisionApproveOnce: "approve",
	DecisionForceDelete: "force_delete",
}

func (d Decision) String() string {
	if name, ok := decisionNames[d]; ok {
		return name
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// ParseDecision parses the wire name of a decision
func ParseDecision(s string) (Decision, error) {
	for d, name := range decisionNames {
		if name == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown decision %q: %w", s, ErrInvalidInput)
}

// UnlinkService coordinates the dual-approval deletion of a pair link
type UnlinkService struct {
	db          *docstore.Store
	pairRepo    *repository.PairRepository
	pairService *PairService
	pusher      *Pusher
	now         func() time.Time
}

// NewUnlinkService creates a new unlink service
func NewUnlinkService(db *docstore.Store, pairRepo *repository.PairRepository, pairService *PairService, pusher *Pusher) *UnlinkService {
	return &UnlinkService{
		db:          db,
		pairRepo:    pairRepo,
		pairService: pairService,
		pusher:      pusher,
		now:         time.Now,
	}
}

// RequestDelete opens a delete request with the caller's approval. A lone
// creator's request completes at once; any other lone member must
// disconnect instead. Returns the resulting status.
func (s *UnlinkService) RequestDelete(ctx context.Context, userID, code string) (string, error) {
	code = NormalizeCode(code)
	var link *models.PairLink
	status := models.DeleteStatusPending

	err := retryOnConflict(func() error {
		var err error
		link, err = s.pairRepo.GetByCode(ctx, code)
		if err != nil {
			return translate(err)
		}
		if !link.IsAuthorized(userID) {
			return fmt.Errorf("user is not a member of pair %s: %w", code, ErrUnauthorized)
		}
		if link.HasPendingDelete() {
			return ErrAlreadyPending
		}

		if len(link.AuthorizedUsers) == 1 {
			if link.Creator != userID {
				return fmt.Errorf("only the creator can delete pair %s alone: %w", code, ErrUnauthorized)
			}
			status = models.DeleteStatusCompleted
			return s.complete(ctx, link, pendingGuard(link))
		}

		req := models.DeleteRequest{
			RequestedBy:   userID,
			ApprovalState: map[string]bool{userID: true},
			Status:        models.DeleteStatusPending,
			RequestedAt:   s.now().UnixMilli(),
		}
		return s.pairRepo.Update(ctx, code, docstore.Updates{"deleteRequest": req},
			docstore.FieldEquals("deleteRequest.status", pendingGuard(link)),
			docstore.FieldEquals("authorizedUsers", link.AuthorizedUsers),
		)
	})
	if err != nil {
		return "", translate(err)
	}

	log.Info().Str("user_id", userID).Str("code", code).Str("status", status).Msg("Delete requested")
	if status == models.DeleteStatusPending {
		s.pusher.NotifyUser(ctx, link.PartnerOf(userID), notify.Notification{
			Title: "Unpair request",
			Body:  "Your partner wants to unpair. Open the app to respond.",
			Data:  map[string]string{"type": "delete_request", "code": code},
		})
	}
	return status, nil
}

// Approve records the caller's approval and deletes the link once every
// member has approved. Returns the resulting status.
func (s *UnlinkService) Approve(ctx context.Context, userID, code string) (string, error) {
	code = NormalizeCode(code)
	status := models.DeleteStatusPending
	var partnerID string

	err := retryOnConflict(func() error {
		link, err := s.pairRepo.GetByCode(ctx, code)
		if errors.Is(err, docstore.ErrNotFound) {
			status = models.DeleteStatusCompleted
			return nil
		}
		if err != nil {
			return err
		}
		if !link.IsAuthorized(userID) {
			return fmt.Errorf("user is not a member of pair %s: %w", code, ErrUnauthorized)
		}
		if !link.HasPendingDelete() {
			return fmt.Errorf("no pending delete request for pair %s: %w", code, ErrNotFound)
		}
		partnerID = link.PartnerOf(userID)

		if !link.DeleteRequest.ApprovalState[userID] {
			err := s.pairRepo.Update(ctx, code,
				docstore.Updates{"deleteRequest.approvalState." + userID: true},
				docstore.FieldEquals("deleteRequest.status", models.DeleteStatusPending),
			)
			if errors.Is(err, docstore.ErrNotFound) {
				status = models.DeleteStatusCompleted
				return nil
			}
			if err != nil {
				return err
			}

			// Re-read so a concurrent approval by the partner is seen.
			link, err = s.pairRepo.GetByCode(ctx, code)
			if errors.Is(err, docstore.ErrNotFound) {
				status = models.DeleteStatusCompleted
				return nil
			}
			if err != nil {
				return err
			}
			if !link.HasPendingDelete() {
				return fmt.Errorf("delete request for pair %s is no longer pending: %w", code, docstore.ErrPreconditionFailed)
			}
		}

		if !unanimous(link) {
			status = models.DeleteStatusPending
			return nil
		}
		status = models.DeleteStatusCompleted
		return s.complete(ctx, link, models.DeleteStatusPending)
	})
	if err != nil {
		return "", translate(err)
	}

	log.Info().Str("user_id", userID).Str("code", code).Str("status", status).Msg("Delete approved")
	if status == models.DeleteStatusCompleted {
		s.pusher.NotifyUser(ctx, partnerID, notify.Notification{
			Title: "Unpaired",
			Body:  "Your pair has been removed",
			Data:  map[string]string{"type": "pair_deleted", "code": code},
		})
	}
	return status, nil
}

// Cancel ends the pending request; the link and profiles are untouched
func (s *UnlinkService) Cancel(ctx context.Context, userID, code string) error {
	code = NormalizeCode(code)
	link, err := s.pairRepo.GetByCode(ctx, code)
	if err != nil {
		return translate(err)
	}
	if !link.IsAuthorized(userID) {
		return fmt.Errorf("user is not a member of pair %s: %w", code, ErrUnauthorized)
	}
	if !link.HasPendingDelete() {
		return fmt.Errorf("no pending delete request for pair %s: %w", code, ErrNotFound)
	}

	err = s.pairRepo.Update(ctx, code,
		docstore.Updates{"deleteRequest.status": models.DeleteStatusCancelled},
		docstore.FieldEquals("deleteRequest.status", models.DeleteStatusPending),
	)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return fmt.Errorf("pair %s was already deleted: %w", code, ErrNotFound)
	case errors.Is(err, docstore.ErrPreconditionFailed):
		return fmt.Errorf("delete request for pair %s is no longer pending: %w", code, ErrNotFound)
	case err != nil:
		return err
	}

	log.Info().Str("user_id", userID).Str("code", code).Msg("Delete request cancelled")
	return nil
}

// Resolve applies a member's decision and returns the resulting status
func (s *UnlinkService) Resolve(ctx context.Context, userID, code string, decision Decision) (string, error) {
	switch decision {
	case DecisionCancel:
		if err := s.Cancel(ctx, userID, code); err != nil {
			return "", err
		}
		return models.DeleteStatusCancelled, nil
	case DecisionApproveOnce:
		return s.Approve(ctx, userID, code)
	case DecisionForceDelete:
		if err := s.pairService.DeleteCode(ctx, userID, code); err != nil {
			return "", err
		}
		return models.DeleteStatusCompleted, nil
	}
	return "", fmt.Errorf("unknown decision %d: %w", int(decision), ErrInvalidInput)
}

// NeedsResolution reports whether userID still has to answer a pending request
func NeedsResolution(link *models.PairLink, userID string) bool {
	if link == nil || !link.HasPendingDelete() || !link.IsAuthorized(userID) {
		return false
	}
	_, answered := link.DeleteRequest.ApprovalState[userID]
	return !answered
}

// complete deletes the link and clears the members' profile pointers in one
// commit. A link that is already gone counts as completed.
func (s *UnlinkService) complete(ctx context.Context, link *models.PairLink, guard any) error {
	writes := []docstore.Write{
		s.pairRepo.DeleteWrite(link.Code, docstore.FieldEquals("deleteRequest.status", guard)),
	}
	clears, err := s.pairService.clearProfileWrites(ctx, link.Code, link.AuthorizedUsers...)
	if err != nil {
		return err
	}

	err = s.db.Commit(ctx, append(writes, clears...)...)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Info().Str("code", link.Code).Strs("members", link.AuthorizedUsers).Msg("Pair deleted")
	return nil
}

func unanimous(link *models.PairLink) bool {
	if link.DeleteRequest == nil || len(link.AuthorizedUsers) == 0 {
		return false
	}
	for _, u := range link.AuthorizedUsers {
		if !link.DeleteRequest.ApprovalState[u] {
			return false
		}
	}
	return true
}
