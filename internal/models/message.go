package models

import (
	"encoding/json"
	"strings"
	"time"
)

// SignalType represents the type of call-control message carried in a record body
type SignalType string

const (
	SignalTypeOffer        SignalType = "offer"
	SignalTypeAnswer       SignalType = "answer"
	SignalTypeICECandidate SignalType = "ice-candidate"
	SignalTypeEndCall      SignalType = "end-call"
)

// Valid reports whether t is one of the known signal types.
func (t SignalType) Valid() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeICECandidate, SignalTypeEndCall:
		return true
	}
	return false
}

// Record is one entry on a room's record stream. Chat text and serialized
// signal messages share this shape; only the body tells them apart.
type Record struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Body      string    `json:"body"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	// FileID references an attachment held by the file store; FileName is
	// its original name. Both are empty for plain text.
	FileID    string    `json:"fileId,omitempty"`
	FileName  string    `json:"fileName,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SignalMessage is the call-control payload serialized into Record.Body.
type SignalMessage struct {
	Type         SignalType      `json:"type"`
	TargetUserID string          `json:"targetUserId"`
	SenderID     string          `json:"senderId"`
	SenderName   string          `json:"senderName"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// AppendRequest is the body accepted when a client appends a record,
// over HTTP or as a websocket frame.
// An attachment without text is allowed.
type AppendRequest struct {
	Body     string `json:"body" binding:"required_without=FileID"`
	FileID   string `json:"fileId,omitempty"`
	FileName string `json:"fileName,omitempty" binding:"max=255"`
}

// ParseSignal decodes body as a signal message. It reports false for bodies
// that are not a JSON object or whose type is missing or unknown.
func ParseSignal(body string) (*SignalMessage, bool) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var msg SignalMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return nil, false
	}
	if !msg.Type.Valid() {
		return nil, false
	}
	return &msg, true
}

// IsSignalBody reports whether body carries a call-control message.
func IsSignalBody(body string) bool {
	_, ok := ParseSignal(body)
	return ok
}

// VisibleRecords returns the records that belong in a user-visible message
// list, dropping signal traffic. Order is preserved.
func VisibleRecords(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if IsSignalBody(r.Body) {
			continue
		}
		out = append(out, r)
	}
	return out
}
