package domain

import (
	"context"
	"time"
)

// AttachmentKind classifies the media carried by a message.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment is a media payload attached to an inbound message. The bytes are
// not materialized up front; Fetch downloads and decrypts the full content.
type Attachment struct {
	Kind     AttachmentKind
	MimeType string
	Filename string
	Fetch    func(ctx context.Context) ([]byte, error)
}

// Message is one inbound WhatsApp message as seen by the relay pipeline.
type Message struct {
	ID         string
	ChatJID    string
	SenderJID  string
	PushName   string
	FromMe     bool
	Text       string
	Attachment *Attachment
	Timestamp  time.Time
}

// Reply is an outbound text message addressed back into a chat.
type Reply struct {
	ChatJID string
	Text    string
}
