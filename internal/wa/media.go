package wa

import (
	"context"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types/events"

	"wabridge/internal/domain"
)

const defaultImageName = "whatsapp_photo.jpg"

// toDomain flattens a whatsmeow message event into the domain message the
// pipeline consumes. Media is not downloaded here; the attachment carries a
// fetch closure so the pipeline downloads only what it actually relays.
func (s *socket) toDomain(evt *events.Message) domain.Message {
	msg := domain.Message{
		ID:        string(evt.Info.ID),
		ChatJID:   evt.Info.Chat.String(),
		SenderJID: evt.Info.Sender.String(),
		PushName:  evt.Info.PushName,
		FromMe:    evt.Info.IsFromMe,
		Text:      extractText(evt.Message),
		Timestamp: evt.Info.Timestamp,
	}
	msg.Attachment = s.extractAttachment(evt.Message)
	return msg
}

// extractText returns the message's text content: plain conversation text,
// extended text, or a media caption.
func extractText(msg *waProto.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}

func (s *socket) extractAttachment(msg *waProto.Message) *domain.Attachment {
	if msg == nil {
		return nil
	}
	if img := msg.GetImageMessage(); img != nil {
		mime := img.GetMimetype()
		if mime == "" {
			mime = "image/jpeg"
		}
		return &domain.Attachment{
			Kind:     domain.AttachmentImage,
			MimeType: mime,
			Filename: defaultImageName,
			Fetch:    s.downloader(img),
		}
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		name := doc.GetFileName()
		if name == "" {
			name = "document"
		}
		return &domain.Attachment{
			Kind:     domain.AttachmentDocument,
			MimeType: doc.GetMimetype(),
			Filename: name,
			Fetch:    s.downloader(doc),
		}
	}
	return nil
}

func (s *socket) downloader(msg whatsmeow.DownloadableMessage) func(context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		return s.client.Download(ctx, msg)
	}
}
