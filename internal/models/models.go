package models

import "slices"

// Delete request statuses
const (
	DeleteStatusPending   = "pending"
	DeleteStatusCancelled = "cancelled"
	DeleteStatusCompleted = "completed"
)

// MaxPairMembers is the number of users a pair link can hold
const MaxPairMembers = 2

// PairLink is the shared record binding two users under a pair code
type PairLink struct {
	Code            string          `json:"code,omitempty"`
	Creator         string          `json:"user1,omitempty"`
	AuthorizedUsers []string        `json:"authorizedUsers"`
	ConnectionState map[string]bool `json:"connectionState"`
	DeleteRequest   *DeleteRequest  `json:"deleteRequest,omitempty"`
	CreatedAt       int64           `json:"createdAt"`
}

// DeleteRequest tracks a dual-approval unlink cycle
type DeleteRequest struct {
	RequestedBy   string          `json:"requestedBy"`
	ApprovalState map[string]bool `json:"approvalState"`
	Status        string          `json:"status"`
	RequestedAt   int64           `json:"requestedAt"`
}

// IsAuthorized reports whether userID is a member of the link
func (l *PairLink) IsAuthorized(userID string) bool {
	return slices.Contains(l.AuthorizedUsers, userID)
}

// PartnerOf returns the other authorized user, or "" if there is none
func (l *PairLink) PartnerOf(userID string) string {
	for _, u := range l.AuthorizedUsers {
		if u != userID {
			return u
		}
	}
	return ""
}

// HasPendingDelete reports whether an unlink cycle is in progress
func (l *PairLink) HasPendingDelete() bool {
	return l.DeleteRequest != nil && l.DeleteRequest.Status == DeleteStatusPending
}

// UserProfile is the per-user document
type UserProfile struct {
	ID        string  `json:"id,omitempty"`
	Name      string  `json:"name"`
	PairCode  *string `json:"pairCode"`
	PushToken *string `json:"pushToken,omitempty"`
	CreatedAt int64   `json:"createdAt"`
}

// SharedPhoto is a gallery entry
type SharedPhoto struct {
	ImageID      string   `json:"imageId"`
	URL          string   `json:"url"`
	UploadedBy   string   `json:"uploadedBy"`
	DownloadedBy []string `json:"downloadedBy"`
	CreatedAt    int64    `json:"createdAt"`
}

// HasDownloaded reports whether userID has a local copy of the photo
func (p *SharedPhoto) HasDownloaded(userID string) bool {
	return slices.Contains(p.DownloadedBy, userID)
}

// Message is a chat transcript entry
type Message struct {
	ID         string   `json:"id,omitempty"`
	Text       string   `json:"text"`
	Sender     string   `json:"sender"`
	Timestamp  int64    `json:"timestamp"`
	SeenBy     []string `json:"seenBy"`
	Deleted    bool     `json:"deleted"`
	DeletedFor []string `json:"deletedFor"`
}

// SeenByUser reports whether userID has seen the message
func (m *Message) SeenByUser(userID string) bool {
	return slices.Contains(m.SeenBy, userID)
}

// DeletedForUser reports whether userID removed the message from their view
func (m *Message) DeletedForUser(userID string) bool {
	return slices.Contains(m.DeletedFor, userID)
}

// HiddenFor reports whether the message text is hidden from userID
func (m *Message) HiddenFor(userID string) bool {
	return m.Deleted || m.DeletedForUser(userID)
}

// MessageView is a message as one viewer sees it
type MessageView struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	Sender        string `json:"sender"`
	Timestamp     int64  `json:"timestamp"`
	Mine          bool   `json:"mine"`
	Hidden        bool   `json:"hidden"`
	SeenByPartner bool   `json:"seenByPartner"`
	DeletedForAll bool   `json:"deletedForAll"`
	DeletedForMe  bool   `json:"deletedForMe"`
}

// Page is a paginated list response
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

