package repository

import (
	"context"
	"crypto/rand"
	"fmt"

	"duo-sync-backend/internal/docstore"
	"duo-sync-backend/internal/models"

	"github.com/oklog/ulid/v2"
)

// MessageRepository handles document operations for the chat transcript
type MessageRepository struct {
	db *docstore.Store
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *docstore.Store) *MessageRepository {
	return &MessageRepository{db: db}
}

// MessagesCollection returns the messages collection of a pair
func MessagesCollection(code string) string {
	return docstore.Collection(pairsCollection, code, "messages")
}

func messagePath(code, messageID string) string {
	return docstore.Doc(MessagesCollection(code), messageID)
}

func transcriptQuery(code string) docstore.Query {
	return docstore.NewQuery(MessagesCollection(code)).OrderBy("timestamp", docstore.Asc)
}

// Create stores a new message and assigns its id
func (r *MessageRepository) Create(ctx context.Context, code string, msg *models.Message) error {
	msg.ID = ulid.MustNew(ulid.Now(), rand.Reader).String()
	seenBy := msg.SeenBy
	if seenBy == nil {
		seenBy = []string{}
	}
	deletedFor := msg.DeletedFor
	if deletedFor == nil {
		deletedFor = []string{}
	}
	err := r.db.Create(ctx, messagePath(code, msg.ID), map[string]any{
		"text":       msg.Text,
		"sender":     msg.Sender,
		"timestamp":  msg.Timestamp,
		"seenBy":     seenBy,
		"deleted":    msg.Deleted,
		"deletedFor": deletedFor,
	})
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// Get retrieves a message by id
func (r *MessageRepository) Get(ctx context.Context, code, messageID string) (*models.Message, error) {
	snap, err := r.db.Get(ctx, messagePath(code, messageID))
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return decodeMessage(snap)
}

// List returns the whole transcript, oldest first
func (r *MessageRepository) List(ctx context.Context, code string) ([]models.Message, error) {
	docs, err := r.db.Query(ctx, transcriptQuery(code))
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return decodeMessages(docs)
}

// AddSeenBy records that userID has seen the message
func (r *MessageRepository) AddSeenBy(ctx context.Context, code, messageID, userID string) error {
	err := r.db.Update(ctx, messagePath(code, messageID), docstore.Updates{
		"seenBy": docstore.ArrayUnion(userID),
	})
	if err != nil {
		return fmt.Errorf("failed to mark message seen: %w", err)
	}
	return nil
}

// AddDeletedFor hides the message from userID only
func (r *MessageRepository) AddDeletedFor(ctx context.Context, code, messageID, userID string) error {
	err := r.db.Update(ctx, messagePath(code, messageID), docstore.Updates{
		"deletedFor": docstore.ArrayUnion(userID),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message for user: %w", err)
	}
	return nil
}

// Tombstone clears the text for everyone, provided sender still matches
func (r *MessageRepository) Tombstone(ctx context.Context, code, messageID, sender string) error {
	err := r.db.Update(ctx, messagePath(code, messageID), docstore.Updates{
		"deleted": true,
		"text":    "",
	}, docstore.FieldEquals("sender", sender))
	if err != nil {
		return fmt.Errorf("failed to delete message for everyone: %w", err)
	}
	return nil
}

// Watch streams the transcript, oldest first
func (r *MessageRepository) Watch(ctx context.Context, code string) *docstore.Subscription[[]models.Message] {
	return docstore.Map(r.db.WatchQuery(ctx, transcriptQuery(code)), decodeMessages)
}

func decodeMessage(snap docstore.DocumentSnapshot) (*models.Message, error) {
	if !snap.Exists {
		return nil, fmt.Errorf("message %s: %w", snap.ID, docstore.ErrNotFound)
	}
	var msg models.Message
	if err := snap.DataTo(&msg); err != nil {
		return nil, err
	}
	msg.ID = snap.ID
	if msg.SeenBy == nil {
		msg.SeenBy = []string{}
	}
	if msg.DeletedFor == nil {
		msg.DeletedFor = []string{}
	}
	return &msg, nil
}

func decodeMessages(docs []docstore.DocumentSnapshot) ([]models.Message, error) {
	msgs := make([]models.Message, 0, len(docs))
	for _, d := range docs {
		m, err := decodeMessage(d)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, nil
}
