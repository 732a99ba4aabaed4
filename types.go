package partnermsg

import (
	"strings"
	"time"
)

// ============================================================================
// Domain Types
// ============================================================================

// ConversationStatus is the lifecycle status of a thread.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation is a messaging thread tied to one application.
type Conversation struct {
	ID                 string             `json:"id"`
	ApplicationID      string             `json:"applicationId"`
	Subject            string             `json:"subject"`
	LastMessagePreview string             `json:"lastMessagePreview,omitempty"`
	LastMessageAt      time.Time          `json:"lastMessageAt,omitempty"`
	UnreadCount        int                `json:"unreadCount"`
	Status             ConversationStatus `json:"status"`
}

// SenderClass is the derived class of a message sender.
type SenderClass string

const (
	SenderPartner SenderClass = "partner"
	SenderAdmin   SenderClass = "admin"
)

// MessageStatus tracks an optimistic message through confirmation.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusFailed    MessageStatus = "failed"
)

// tempIDPrefix marks client-assigned ids awaiting server confirmation.
const tempIDPrefix = "tmp-"

// Message is a single message in a thread.
type Message struct {
	ID          string        `json:"id"`
	ClientID    string        `json:"clientId,omitempty"`
	ThreadID    string        `json:"threadId"`
	SenderID    string        `json:"senderId"`
	SenderName  string        `json:"senderName"`
	SenderClass SenderClass   `json:"senderClass"`
	Content     string        `json:"content"`
	Timestamp   time.Time     `json:"timestamp"`
	Read        bool          `json:"read"`
	Starred     bool          `json:"starred"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	ReplyToID   string        `json:"replyToId,omitempty"`
	Status      MessageStatus `json:"status"`
}

// IsTemporary reports whether the message still carries a client-assigned id.
func (m *Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, tempIDPrefix)
}

// Attachment describes a file attached to a message. Immutable once attached.
type Attachment struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	StorageKey  string `json:"storageKey"`
	URL         string `json:"url,omitempty"`
	DocumentID  string `json:"documentId,omitempty"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

// ConnectionState represents the real-time channel state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// Page selects one page of a paginated listing. Numbers start at 1.
type Page struct {
	Number int
	Size   int
}

// CaseSummary is one row of the partner dashboard.
type CaseSummary struct {
	ApplicationID string `json:"applicationId"`
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	PartnerName   string `json:"partnerName,omitempty"`
}

// Dashboard is the partner dashboard projection.
type Dashboard struct {
	OpenCases        int           `json:"openCases"`
	PendingDocuments int           `json:"pendingDocuments"`
	UnreadMessages   int           `json:"unreadMessages"`
	Cases            []CaseSummary `json:"cases"`
}

// ============================================================================
// Wire Types
// ============================================================================

type threadDTO struct {
	ID                 string    `json:"id"`
	ApplicationID      string    `json:"applicationId"`
	Subject            string    `json:"subject"`
	LastMessagePreview string    `json:"lastMessagePreview"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	UnreadCount        int       `json:"unreadCount"`
	Status             string    `json:"status"`
	IsArchived         bool      `json:"isArchived"`
}

type threadPageDTO struct {
	Items      []threadDTO `json:"items"`
	TotalCount int         `json:"totalCount"`
}

type attachmentDTO struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	StorageKey  string `json:"storageKey"`
	URL         string `json:"url,omitempty"`
	DocumentID  string `json:"documentId,omitempty"`
}

type messageDTO struct {
	ID          string          `json:"id"`
	ThreadID    string          `json:"threadId"`
	SenderID    string          `json:"senderId"`
	SenderName  string          `json:"senderName"`
	SenderEmail string          `json:"senderEmail,omitempty"`
	SenderRole  string          `json:"senderRole,omitempty"`
	SenderType  string          `json:"senderType,omitempty"`
	Content     string          `json:"content"`
	SentAt      time.Time       `json:"sentAt"`
	IsRead      bool            `json:"isRead"`
	IsStarred   bool            `json:"isStarred"`
	Attachments []attachmentDTO `json:"attachments,omitempty"`
	ReplyToID   string          `json:"replyToMessageId,omitempty"`
}

type messagePageDTO struct {
	Items      []messageDTO `json:"items"`
	TotalCount int          `json:"totalCount"`
}

type sendRequestDTO struct {
	ApplicationID string          `json:"applicationId"`
	ThreadID      string          `json:"threadId,omitempty"`
	Content       string          `json:"content"`
	ReplyToID     string          `json:"replyToMessageId,omitempty"`
	Attachments   []attachmentDTO `json:"attachments,omitempty"`
}

type sendResponseDTO struct {
	Message  *messageDTO `json:"message"`
	ThreadID string      `json:"threadId"`
}

type unreadDTO struct {
	Count int `json:"count"`
}

type caseDTO struct {
	ApplicationID string `json:"applicationId"`
	Reference     string `json:"reference"`
	Status        string `json:"status"`
}

type uploadResponseDTO struct {
	StorageKey string `json:"storageKey"`
	DocumentID string `json:"documentId"`
	URL        string `json:"url,omitempty"`
}

// ============================================================================
// Mapping
// ============================================================================

func (d threadDTO) toConversation() Conversation {
	status := ConversationActive
	if d.IsArchived || strings.EqualFold(d.Status, string(ConversationArchived)) {
		status = ConversationArchived
	}
	unread := d.UnreadCount
	if unread < 0 {
		unread = 0
	}
	return Conversation{
		ID:                 d.ID,
		ApplicationID:      d.ApplicationID,
		Subject:            d.Subject,
		LastMessagePreview: d.LastMessagePreview,
		LastMessageAt:      d.LastMessageAt,
		UnreadCount:        unread,
		Status:             status,
	}
}

func (d attachmentDTO) toAttachment() Attachment {
	return Attachment{
		FileName:    d.FileName,
		ContentType: d.ContentType,
		Size:        d.Size,
		StorageKey:  d.StorageKey,
		URL:         d.URL,
		DocumentID:  d.DocumentID,
	}
}

func fromAttachment(a Attachment) attachmentDTO {
	return attachmentDTO{
		FileName:    a.FileName,
		ContentType: a.ContentType,
		Size:        a.Size,
		StorageKey:  a.StorageKey,
		URL:         a.URL,
		DocumentID:  a.DocumentID,
	}
}

// toMessage maps a wire message. The sender class is always recomputed.
func (d messageDTO) toMessage(c *Classifier) Message {
	var atts []Attachment
	if len(d.Attachments) > 0 {
		atts = make([]Attachment, 0, len(d.Attachments))
		for _, a := range d.Attachments {
			atts = append(atts, a.toAttachment())
		}
	}
	return Message{
		ID:          d.ID,
		ThreadID:    d.ThreadID,
		SenderID:    d.SenderID,
		SenderName:  d.SenderName,
		SenderClass: c.classify(d),
		Content:     d.Content,
		Timestamp:   d.SentAt,
		Read:        d.IsRead,
		Starred:     d.IsStarred,
		Attachments: atts,
		ReplyToID:   d.ReplyToID,
		Status:      StatusConfirmed,
	}
}
