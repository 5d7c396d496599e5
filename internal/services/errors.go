package services

import (
	"errors"
	"fmt"

	"duo-sync-backend/internal/docstore"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrAlreadyPending    = errors.New("delete request already pending")
	ErrCodeLimitExceeded = errors.New("pair code limit exceeded")
	ErrReplication       = errors.New("replication failed")
	ErrReclamation       = errors.New("reclamation failed")
	ErrInvalidInput      = errors.New("invalid input")

	ErrNotSender     = fmt.Errorf("only the sender can delete a message for everyone: %w", ErrUnauthorized)
	ErrPartnerJoined = fmt.Errorf("a partner has joined, deletion needs both approvals: %w", ErrUnauthorized)
	ErrNotPaired     = fmt.Errorf("user is not paired: %w", ErrNotFound)
)

// translate maps document store sentinels to service sentinels
func translate(err error) error {
	if errors.Is(err, docstore.ErrNotFound) && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
