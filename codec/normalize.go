// Package codec decodes raw push payloads into canonical messages. Upstream
// payload shapes have drifted over time, so every logical field is resolved
// through an ordered list of candidate source fields.
package codec

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wououoo/weddingAlba-sub000/metrics"
	"github.com/wououoo/weddingAlba-sub000/models"
)

// UnknownSender marks a user-visible message whose sender name could not be
// resolved from any alias. Content is never dropped over a missing name.
const UnknownSender = "unknown"

// Ordered alias lists, first match wins.
var (
	idAliases         = []string{"id", "messageId", "message_id", "msgId"}
	roomAliases       = []string{"roomId", "room_id", "chatRoomId", "conversationId", "conversation_id"}
	senderIDAliases   = []string{"senderId", "sender_id", "userId", "user_id", "from"}
	senderNameAliases = []string{"senderName", "sender_name", "senderNickname", "username", "nickname"}
	contentAliases    = []string{"content", "message", "text", "body"}
	kindAliases       = []string{"messageType", "message_type", "type", "kind"}
	timestampAliases  = []string{"timestamp", "createdAt", "created_at", "sentAt", "sent_at", "time"}
	attachURLAliases  = []string{"fileUrl", "file_url", "attachmentUrl", "url"}
	attachTypeAliases = []string{"fileType", "file_type", "attachmentType", "mimeType"}
	mentionAliases    = []string{"mentionTarget", "mention_target", "targetUserId", "mentionedUserId"}
)

type Normalizer struct {
	log *zap.SugaredLogger
	met *metrics.Metrics

	// now is swappable for tests.
	now func() time.Time
}

func New(log *zap.SugaredLogger, met *metrics.Metrics) *Normalizer {
	return &Normalizer{log: log, met: met, now: time.Now}
}

// Normalize decodes a raw push payload — a single-message envelope or a batch
// — into the flat, order-preserved message sequence it carries. It never
// returns an error: a malformed payload yields an empty slice and a parse
// error report, nothing propagates past this boundary.
func (n *Normalizer) Normalize(raw []byte) []models.Message {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		n.met.IncParseError()
		n.log.Warnw("unparseable push payload", "error", err, "bytes", len(raw))
		return nil
	}
	return n.normalizeEnvelope(payload)
}

func (n *Normalizer) normalizeEnvelope(payload map[string]any) []models.Message {
	if items, ok := batchItems(payload); ok {
		out := make([]models.Message, 0, len(items))
		for _, it := range items {
			entry, ok := it.(map[string]any)
			if !ok {
				n.met.IncParseError()
				n.log.Warnw("non-object entry in batch envelope")
				continue
			}
			out = append(out, n.normalizeOne(entry))
		}
		return out
	}
	return []models.Message{n.normalizeOne(payload)}
}

// batchItems detects the two historical batch shapes: {count, messages} and
// {messageType: "BATCH", messages}.
func batchItems(payload map[string]any) ([]any, bool) {
	items, ok := payload["messages"].([]any)
	if !ok {
		return nil, false
	}
	if _, hasCount := payload["count"]; hasCount {
		return items, true
	}
	if kind, _ := firstString(payload, kindAliases); kind == "BATCH" {
		return items, true
	}
	return nil, false
}

func (n *Normalizer) normalizeOne(entry map[string]any) models.Message {
	msg := models.Message{
		Kind: models.Kind(kindOrDefault(entry)),
	}

	if id, ok := firstString(entry, idAliases); ok {
		msg.ID = id
	} else {
		// Synthesized ids carry a distinct tag so they can never collide
		// with a server-assigned id.
		msg.ID = "gen-" + uuid.New().String()
	}

	msg.RoomID, _ = firstString(entry, roomAliases)
	msg.SenderID, _ = firstString(entry, senderIDAliases)
	msg.Content, _ = firstString(entry, contentAliases)
	msg.MentionTarget, _ = firstString(entry, mentionAliases)

	if name, ok := firstString(entry, senderNameAliases); ok {
		msg.SenderName = name
	} else if msg.Kind.Visible() {
		msg.SenderName = UnknownSender
		n.met.IncParseAnomaly()
		n.log.Warnw("visible message without sender name", "id", msg.ID, "room", msg.RoomID)
	}

	if ts, ok := firstTimestamp(entry, timestampAliases); ok {
		msg.Timestamp = ts
	} else {
		msg.Timestamp = n.now()
	}

	if url, ok := firstString(entry, attachURLAliases); ok {
		att := &models.Attachment{URL: url}
		att.Type, _ = firstString(entry, attachTypeAliases)
		msg.Attachment = att
	}
	return msg
}

func kindOrDefault(entry map[string]any) string {
	if kind, ok := firstString(entry, kindAliases); ok {
		return kind
	}
	return string(models.KindChat)
}

func firstString(entry map[string]any, aliases []string) (string, bool) {
	for _, key := range aliases {
		v, ok := entry[key]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func firstTimestamp(entry map[string]any, aliases []string) (time.Time, bool) {
	for _, key := range aliases {
		v, ok := entry[key]
		if !ok {
			continue
		}
		if ts, ok := parseTimestamp(v); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

// parseTimestamp accepts RFC3339 strings, numeric strings and epoch numbers
// in seconds or milliseconds.
func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
		if epoch, err := strconv.ParseInt(t, 10, 64); err == nil {
			return fromEpoch(epoch), true
		}
	case float64:
		return fromEpoch(int64(t)), true
	case json.Number:
		if epoch, err := t.Int64(); err == nil {
			return fromEpoch(epoch), true
		}
	}
	return time.Time{}, false
}

func fromEpoch(epoch int64) time.Time {
	// Values past the year ~2286 in seconds are milliseconds.
	if epoch > 1e12 {
		return time.UnixMilli(epoch)
	}
	return time.Unix(epoch, 0)
}
