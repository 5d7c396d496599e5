package repository

import (
	"context"
	"fmt"

	"duo-sync-backend/internal/docstore"
	"duo-sync-backend/internal/models"
)

const usersCollection = "users"

// UserRepository handles document operations for user profiles
type UserRepository struct {
	db *docstore.Store
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *docstore.Store) *UserRepository {
	return &UserRepository{db: db}
}

// UserPath returns the document path of a user profile
func UserPath(userID string) string {
	return docstore.Doc(usersCollection, userID)
}

// Create creates a new user profile
func (r *UserRepository) Create(ctx context.Context, user *models.UserProfile) error {
	err := r.db.Create(ctx, UserPath(user.ID), map[string]any{
		"name":      user.Name,
		"pairCode":  user.PairCode,
		"pushToken": user.PushToken,
		"createdAt": user.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetByID retrieves a user profile by ID
func (r *UserRepository) GetByID(ctx context.Context, userID string) (*models.UserProfile, error) {
	snap, err := r.db.Get(ctx, UserPath(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !snap.Exists {
		return nil, fmt.Errorf("user %s: %w", userID, docstore.ErrNotFound)
	}
	var user models.UserProfile
	if err := snap.DataTo(&user); err != nil {
		return nil, err
	}
	user.ID = userID
	return &user, nil
}

// SetPairCodeWrite points the profile at a pair code, creating the profile if needed
func (r *UserRepository) SetPairCodeWrite(userID, code string) docstore.Write {
	return docstore.SetWrite(UserPath(userID), map[string]any{"pairCode": code}, true)
}

// ClearPairCodeWrite clears the profile's pair code if it still points at code
func (r *UserRepository) ClearPairCodeWrite(userID, code string) docstore.Write {
	return docstore.UpdateWrite(UserPath(userID), docstore.Updates{"pairCode": nil}).
		With(docstore.FieldEquals("pairCode", code))
}

// SetPairCode points the profile at a pair code
func (r *UserRepository) SetPairCode(ctx context.Context, userID, code string) error {
	if err := r.db.Commit(ctx, r.SetPairCodeWrite(userID, code)); err != nil {
		return fmt.Errorf("failed to set pair code: %w", err)
	}
	return nil
}

// UpdateName updates the display name
func (r *UserRepository) UpdateName(ctx context.Context, userID, name string) error {
	if err := r.db.Update(ctx, UserPath(userID), docstore.Updates{"name": name}); err != nil {
		return fmt.Errorf("failed to update name: %w", err)
	}
	return nil
}

// UpdatePushToken updates the push token; nil removes it
func (r *UserRepository) UpdatePushToken(ctx context.Context, userID string, token *string) error {
	if err := r.db.Update(ctx, UserPath(userID), docstore.Updates{"pushToken": token}); err != nil {
		return fmt.Errorf("failed to update push token: %w", err)
	}
	return nil
}

// Watch streams the profile; a nil profile means it does not exist
func (r *UserRepository) Watch(ctx context.Context, userID string) *docstore.Subscription[*models.UserProfile] {
	return docstore.Map(r.db.WatchDocument(ctx, UserPath(userID)), func(snap docstore.DocumentSnapshot) (*models.UserProfile, error) {
		if !snap.Exists {
			return nil, nil
		}
		var user models.UserProfile
		if err := snap.DataTo(&user); err != nil {
			return nil, err
		}
		user.ID = userID
		return &user, nil
	})
}
