package repository

import (
	"context"
	"fmt"

	"duo-sync-backend/internal/docstore"
	"duo-sync-backend/internal/models"
)

const pairsCollection = "pairs"

// PairRepository handles document operations for pair links
type PairRepository struct {
	db *docstore.Store
}

// NewPairRepository creates a new pair repository
func NewPairRepository(db *docstore.Store) *PairRepository {
	return &PairRepository{db: db}
}

// PairPath returns the document path of a pair link
func PairPath(code string) string {
	return docstore.Doc(pairsCollection, code)
}

// GetByCode retrieves a pair link by its code
func (r *PairRepository) GetByCode(ctx context.Context, code string) (*models.PairLink, error) {
	snap, err := r.db.Get(ctx, PairPath(code))
	if err != nil {
		return nil, fmt.Errorf("failed to get pair: %w", err)
	}
	return decodePair(snap)
}

// CountByCreator counts the links a user has generated and is still a
// member of. Links the creator has left do not count.
func (r *PairRepository) CountByCreator(ctx context.Context, userID string) (int, error) {
	docs, err := r.db.Query(ctx, docstore.NewQuery(pairsCollection).Where("user1", docstore.OpEqual, userID))
	if err != nil {
		return 0, fmt.Errorf("failed to count pairs by creator: %w", err)
	}
	count := 0
	for _, d := range docs {
		link, err := decodePair(d)
		if err != nil {
			return 0, err
		}
		if link.IsAuthorized(userID) {
			count++
		}
	}
	return count, nil
}

// CreateWrite builds a create-if-absent write for a new link
func (r *PairRepository) CreateWrite(link *models.PairLink) docstore.Write {
	authorized := link.AuthorizedUsers
	if authorized == nil {
		authorized = []string{}
	}
	state := link.ConnectionState
	if state == nil {
		state = map[string]bool{}
	}
	return docstore.CreateWrite(PairPath(link.Code), map[string]any{
		"user1":           link.Creator,
		"authorizedUsers": authorized,
		"connectionState": state,
		"createdAt":       link.CreatedAt,
	})
}

// UpdateWrite builds a field-scoped update of a link
func (r *PairRepository) UpdateWrite(code string, updates docstore.Updates, preconditions ...docstore.Precondition) docstore.Write {
	return docstore.UpdateWrite(PairPath(code), updates).With(preconditions...)
}

// DeleteWrite builds a delete of a link
func (r *PairRepository) DeleteWrite(code string, preconditions ...docstore.Precondition) docstore.Write {
	return docstore.DeleteWrite(PairPath(code)).With(preconditions...)
}

// Update applies field-scoped updates to a link
func (r *PairRepository) Update(ctx context.Context, code string, updates docstore.Updates, preconditions ...docstore.Precondition) error {
	if err := r.db.Update(ctx, PairPath(code), updates, preconditions...); err != nil {
		return fmt.Errorf("failed to update pair: %w", err)
	}
	return nil
}

// Watch streams the link; a nil link means it does not exist
func (r *PairRepository) Watch(ctx context.Context, code string) *docstore.Subscription[*models.PairLink] {
	return docstore.Map(r.db.WatchDocument(ctx, PairPath(code)), func(snap docstore.DocumentSnapshot) (*models.PairLink, error) {
		if !snap.Exists {
			return nil, nil
		}
		return decodePair(snap)
	})
}

func decodePair(snap docstore.DocumentSnapshot) (*models.PairLink, error) {
	if !snap.Exists {
		return nil, fmt.Errorf("pair %s: %w", snap.ID, docstore.ErrNotFound)
	}
	var link models.PairLink
	if err := snap.DataTo(&link); err != nil {
		return nil, err
	}
	link.Code = snap.ID
	if link.AuthorizedUsers == nil {
		link.AuthorizedUsers = []string{}
	}
	if link.ConnectionState == nil {
		link.ConnectionState = map[string]bool{}
	}
	return &link, nil
}
