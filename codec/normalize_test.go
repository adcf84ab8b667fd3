package codec

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wououoo/weddingAlba-sub000/logger"
	"github.com/wououoo/weddingAlba-sub000/models"
)

func newTestNormalizer() *Normalizer {
	return New(logger.Nop(), nil)
}

func TestNormalize_SingleMessage(t *testing.T) {
	n := newTestNormalizer()

	msgs := n.Normalize([]byte(`{
		"id": "m1",
		"roomId": "r1",
		"senderId": "u1",
		"senderName": "hana",
		"content": "hello",
		"messageType": "CHAT",
		"timestamp": "2026-08-30T10:00:00Z"
	}`))

	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "r1", msgs[0].RoomID)
	assert.Equal(t, "hana", msgs[0].SenderName)
	assert.Equal(t, models.KindChat, msgs[0].Kind)
	assert.Equal(t, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), msgs[0].Timestamp.UTC())
}

func TestNormalize_BatchEnvelopes(t *testing.T) {
	n := newTestNormalizer()

	tests := []struct {
		name string
		raw  string
		want int
	}{
		{
			name: "count batch",
			raw:  `{"count":2,"messages":[{"id":"a","content":"x"},{"id":"b","content":"y"}]}`,
			want: 2,
		},
		{
			name: "typed batch",
			raw:  `{"messageType":"BATCH","messages":[{"id":"a","content":"x"}]}`,
			want: 1,
		},
		{
			name: "empty batch",
			raw:  `{"count":0,"messages":[]}`,
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := n.Normalize([]byte(tt.raw))
			assert.Len(t, msgs, tt.want)
		})
	}
}

func TestNormalize_BatchPreservesOrder(t *testing.T) {
	n := newTestNormalizer()

	msgs := n.Normalize([]byte(`{"count":3,"messages":[{"id":"1"},{"id":"2"},{"id":"3"}]}`))

	require.Len(t, msgs, 3)
	assert.Equal(t, "1", msgs[0].ID)
	assert.Equal(t, "2", msgs[1].ID)
	assert.Equal(t, "3", msgs[2].ID)
}

func TestNormalize_FieldAliases(t *testing.T) {
	n := newTestNormalizer()

	tests := []struct {
		name string
		raw  string
		get  func(models.Message) string
		want string
	}{
		{"message_id alias", `{"message_id":"m9"}`, func(m models.Message) string { return m.ID }, "m9"},
		{"conversation_id alias", `{"conversation_id":"c3"}`, func(m models.Message) string { return m.RoomID }, "c3"},
		{"from alias", `{"from":"u7"}`, func(m models.Message) string { return m.SenderID }, "u7"},
		{"nickname alias", `{"nickname":"mina"}`, func(m models.Message) string { return m.SenderName }, "mina"},
		{"text alias", `{"text":"hi"}`, func(m models.Message) string { return m.Content }, "hi"},
		{"kind alias", `{"kind":"SYSTEM"}`, func(m models.Message) string { return string(m.Kind) }, "SYSTEM"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := n.Normalize([]byte(tt.raw))
			require.Len(t, msgs, 1)
			assert.Equal(t, tt.want, tt.get(msgs[0]))
		})
	}
}

func TestNormalize_AliasPriorityFirstMatchWins(t *testing.T) {
	n := newTestNormalizer()

	msgs := n.Normalize([]byte(`{"id":"primary","messageId":"secondary","content":"x"}`))

	require.Len(t, msgs, 1)
	assert.Equal(t, "primary", msgs[0].ID)
}

func TestNormalize_MissingID(t *testing.T) {
	n := newTestNormalizer()

	first := n.Normalize([]byte(`{"content":"a","senderName":"s"}`))
	second := n.Normalize([]byte(`{"content":"b","senderName":"s"}`))

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.True(t, strings.HasPrefix(first[0].ID, "gen-"), "synthesized id must be tagged")
	assert.NotEqual(t, first[0].ID, second[0].ID, "synthesized ids must be unique")
}

func TestNormalize_MissingTimestampUsesLocalNow(t *testing.T) {
	n := newTestNormalizer()
	fixed := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	msgs := n.Normalize([]byte(`{"id":"x","content":"a","senderName":"s"}`))

	require.Len(t, msgs, 1)
	assert.Equal(t, fixed, msgs[0].Timestamp)
}

func TestNormalize_TimestampFormats(t *testing.T) {
	n := newTestNormalizer()

	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"rfc3339", `{"id":"x","timestamp":"2026-08-30T10:00:00Z"}`, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)},
		{"epoch seconds", `{"id":"x","timestamp":1767139200}`, time.Unix(1767139200, 0)},
		{"epoch millis", `{"id":"x","timestamp":1767139200000}`, time.UnixMilli(1767139200000)},
		{"numeric string", `{"id":"x","createdAt":"1767139200"}`, time.Unix(1767139200, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := n.Normalize([]byte(tt.raw))
			require.Len(t, msgs, 1)
			assert.True(t, msgs[0].Timestamp.Equal(tt.want))
		})
	}
}

func TestNormalize_MissingSenderNameKeepsContent(t *testing.T) {
	n := newTestNormalizer()

	msgs := n.Normalize([]byte(`{"id":"x","content":"still here","messageType":"CHAT"}`))

	require.Len(t, msgs, 1)
	assert.Equal(t, UnknownSender, msgs[0].SenderName)
	assert.Equal(t, "still here", msgs[0].Content)
}

func TestNormalize_MalformedPayload(t *testing.T) {
	n := newTestNormalizer()

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"json array", `[1,2,3]`},
		{"plain string", `"hello"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.Empty(t, n.Normalize([]byte(tt.raw)))
			})
		})
	}
}

func TestNormalize_Attachment(t *testing.T) {
	n := newTestNormalizer()

	msgs := n.Normalize([]byte(`{
		"id":"f1","senderName":"hana","messageType":"IMAGE",
		"fileUrl":"https://cdn.example.com/a.png","fileType":"image/png"
	}`))

	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Attachment)
	assert.Equal(t, "https://cdn.example.com/a.png", msgs[0].Attachment.URL)
	assert.Equal(t, "image/png", msgs[0].Attachment.Type)
}
