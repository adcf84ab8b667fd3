package models

import "time"

// Kind classifies a chat message. Only a subset of kinds is ever rendered;
// the rest are control signals consumed by the presence/typing tracker.
type Kind string

const (
	KindChat       Kind = "CHAT"
	KindMention    Kind = "MENTION"
	KindFile       Kind = "FILE"
	KindImage      Kind = "IMAGE"
	KindJoin       Kind = "JOIN"
	KindLeave      Kind = "LEAVE"
	KindSystem     Kind = "SYSTEM"
	KindTyping     Kind = "TYPING"
	KindStopTyping Kind = "STOP_TYPING"
)

// Visible reports whether messages of this kind appear in the conversation
// view. Control kinds never do.
func (k Kind) Visible() bool {
	switch k {
	case KindChat, KindMention, KindFile, KindImage:
		return true
	}
	return false
}

// Control reports whether this kind drives presence or typing state.
func (k Kind) Control() bool {
	switch k {
	case KindJoin, KindLeave, KindTyping, KindStopTyping:
		return true
	}
	return false
}

// Attachment is an uploaded file reference carried by FILE/IMAGE messages.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Message is the canonical, normalized chat message. IDs are unique within a
// room; locally originated messages carry a placeholder ID and Optimistic=true
// until a server-confirmed counterpart supersedes them.
type Message struct {
	ID            string      `json:"id"`
	RoomID        string      `json:"room_id"`
	SenderID      string      `json:"sender_id"`
	SenderName    string      `json:"sender_name"`
	Content       string      `json:"content"`
	Kind          Kind        `json:"kind"`
	Timestamp     time.Time   `json:"timestamp"`
	Attachment    *Attachment `json:"attachment,omitempty"`
	MentionTarget string      `json:"mention_target,omitempty"`

	// Optimistic marks a local echo inserted at send time, before any
	// server confirmation has been observed.
	Optimistic bool `json:"optimistic,omitempty"`
}
