// Package relay implements the media-forwarding pipeline: qualifying
// attachments from monitored chats are downloaded, submitted to the detection
// API, and summarized back into the chat. Every failure in here is logged and
// swallowed; one bad message must never stall the pipeline.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"wabridge/internal/detect"
	"wabridge/internal/domain"
	"wabridge/internal/history"
	"wabridge/internal/metrics"
)

// locPattern extracts the location marker from message text: "loc=<token>".
var locPattern = regexp.MustCompile(`(?i)loc=(\S+)`)

const lookupPrefix = "!whereis "

// noObjectsLine is the fixed placeholder when the detection list is empty.
const noObjectsLine = "- no objects identified"

// Relay forwards attachments to the detection API and formats replies.
type Relay struct {
	client          *detect.Client
	store           *history.Store // optional relay log
	defaultLocation string
	logger          *slog.Logger
}

type Config struct {
	Client          *detect.Client
	Store           *history.Store
	DefaultLocation string
	Logger          *slog.Logger
}

func New(cfg Config) *Relay {
	if cfg.DefaultLocation == "" {
		cfg.DefaultLocation = "from_whatsapp"
	}
	return &Relay{
		client:          cfg.Client,
		store:           cfg.Store,
		defaultLocation: cfg.DefaultLocation,
		logger:          cfg.Logger,
	}
}

// ExtractLocation scans text for a loc=<token> marker (case-insensitive) and
// returns the token, or fallback when the marker is absent.
func ExtractLocation(text, fallback string) string {
	if text == "" {
		return fallback
	}
	if m := locPattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return fallback
}

// FormatSummary renders a human-readable detection summary, one line per
// detection with the confidence as a percentage with one decimal place.
func FormatSummary(res *detect.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Detected %d object(s):\n", res.ObjectsDetected)
	if len(res.Detections) == 0 {
		sb.WriteString(noObjectsLine)
		return sb.String()
	}
	lines := make([]string, 0, len(res.Detections))
	for _, d := range res.Detections {
		lines = append(lines, fmt.Sprintf("- %s (%.1f%%)", d.Name, d.Confidence*100))
	}
	sb.WriteString(strings.Join(lines, "\n"))
	return sb.String()
}

// Process handles one monitored message. It returns the reply text and true
// when the message produced a reply; anything that goes wrong is logged and
// reported as a skip.
func (r *Relay) Process(ctx context.Context, msg domain.Message) (string, bool) {
	if att := msg.Attachment; att != nil {
		return r.forward(ctx, msg, att)
	}
	if object, ok := parseLookup(msg.Text); ok {
		return r.lookup(ctx, object)
	}
	return "", false
}

func (r *Relay) forward(ctx context.Context, msg domain.Message, att *domain.Attachment) (string, bool) {
	if att.Kind != domain.AttachmentImage && att.Kind != domain.AttachmentDocument {
		return "", false
	}

	data, err := att.Fetch(ctx)
	if err != nil {
		r.logger.Error("media download failed", "chat", msg.ChatJID, "err", err)
		metrics.RelayFailures.Inc()
		return "", false
	}

	location := ExtractLocation(msg.Text, r.defaultLocation)

	res, err := r.client.Detect(ctx, data, att.MimeType, att.Filename, location)
	if err != nil {
		var statusErr *detect.StatusError
		if errors.As(err, &statusErr) {
			r.logger.Error("detection API rejected relay",
				"chat", msg.ChatJID, "status", statusErr.StatusCode, "body", statusErr.Body)
		} else {
			r.logger.Error("detection request failed", "chat", msg.ChatJID, "err", err)
		}
		metrics.RelayFailures.Inc()
		return "", false
	}

	summary := FormatSummary(res)
	metrics.RelaysTotal.Inc()
	r.logger.Info("relay forwarded",
		"chat", msg.ChatJID, "location", location, "objects", res.ObjectsDetected)

	if r.store != nil {
		err := r.store.Record(ctx, history.Entry{
			ChatJID:     msg.ChatJID,
			Location:    location,
			ObjectCount: res.ObjectsDetected,
			Summary:     summary,
		})
		if err != nil {
			r.logger.Warn("history record failed", "err", err)
		}
	}

	return summary, true
}

func (r *Relay) lookup(ctx context.Context, object string) (string, bool) {
	ls, err := r.client.LastSeen(ctx, object)
	if err != nil {
		var statusErr *detect.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == 404 {
			metrics.LookupsTotal.Inc()
			return fmt.Sprintf("%s has not been detected yet", object), true
		}
		r.logger.Error("last-seen lookup failed", "object", object, "err", err)
		return "", false
	}
	metrics.LookupsTotal.Inc()
	return fmt.Sprintf("%s was last seen at %s (%s, %.1f%%)",
		ls.ObjectName, ls.Location, ls.Timestamp, ls.Confidence*100), true
}

// parseLookup recognizes the "!whereis <object>" chat command.
func parseLookup(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < len(lookupPrefix) {
		return "", false
	}
	if !strings.EqualFold(trimmed[:len(lookupPrefix)], lookupPrefix) {
		return "", false
	}
	object := strings.TrimSpace(trimmed[len(lookupPrefix):])
	if object == "" {
		return "", false
	}
	return object, true
}
