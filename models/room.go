package models

import "time"

// RoomType distinguishes one-to-one conversations from group and public rooms.
type RoomType string

const (
	RoomPersonal RoomType = "PERSONAL"
	RoomGroup    RoomType = "GROUP"
	RoomPublic   RoomType = "PUBLIC"
)

// Participant is the per-member metadata a room carries.
type Participant struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// Room is a chat conversation scope between a host and one or more guests.
type Room struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Type         RoomType      `json:"type"`
	Participants []Participant `json:"participants"`
	LastActivity time.Time     `json:"last_activity"`
}

// InitSnapshot is the combined payload the history API returns when a room
// session starts: room metadata, the most recent message page and the online
// user snapshot, fetched in one round trip.
type InitSnapshot struct {
	Room     Room      `json:"room"`
	Messages []Message `json:"messages"`
	Online   []string  `json:"online"`
}

// HistoryPage is one page of older messages. Last is set by the server when
// no further history exists.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	Last     bool      `json:"last"`
}
