package signaling

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/quickpair/gateway/internal/ratelimit"
	"github.com/quickpair/gateway/internal/room"
	"github.com/quickpair/gateway/internal/transfer"
)

// clientEvent is the inbound wire frame. ID, when present, correlates the
// response frame; events without an ID get no response on success.
type clientEvent struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// serverFrame is the outbound wire frame. Responses carry ID and no Event;
// broadcasts carry Event and no ID.
type serverFrame struct {
	Event string `json:"event,omitempty"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

var (
	errInvalidMessage = errors.New("invalid message")
	errBadPayload     = errors.New("malformed event payload")
	errUnknownEvent   = errors.New("unknown event")
)

// wireError maps an internal error to the stable string surfaced in {error}
// responses. Anything outside the recoverable taxonomy collapses to a
// generic string so internals never leak to clients.
func wireError(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return "Room not found"
	case errors.Is(err, room.ErrKindMismatch):
		return "Room type mismatch"
	case errors.Is(err, room.ErrNotInRoom):
		return "Not a member of this room"
	case errors.Is(err, room.ErrInsufficientMembers):
		return "Not enough members in room"
	case errors.Is(err, ratelimit.ErrBlocked):
		return "Temporarily blocked due to repeated attempts"
	case errors.Is(err, ratelimit.ErrRateLimited):
		return "Rate limit exceeded, try again later"
	case errors.Is(err, transfer.ErrInvalidFile):
		return "Invalid file"
	case errors.Is(err, transfer.ErrInvalidTransfer):
		return "Invalid transfer"
	case errors.Is(err, errInvalidMessage):
		return "Invalid message"
	case errors.Is(err, errBadPayload):
		return "Malformed event payload"
	case errors.Is(err, errUnknownEvent):
		return "Unknown event"
	}
	return "Internal error"
}

// validateChatText enforces the chat message rules: non-empty after
// trimming, within the character budget, and free of angle-bracket markup.
// Markup is rejected outright rather than escaped; clients render plain
// text.
func validateChatText(text string, maxChars int) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return errInvalidMessage
	}
	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		return errInvalidMessage
	}
	if strings.ContainsAny(text, "<>") {
		return errInvalidMessage
	}
	return nil
}

// Inbound payload shapes, one struct per event family.

type roomCodePayload struct {
	Code string `json:"code"`
	// Typing events historically use roomCode.
	RoomCode string `json:"roomCode"`
}

func (p roomCodePayload) code() string {
	if p.Code != "" {
		return p.Code
	}
	return p.RoomCode
}

type sendMessagePayload struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

type sendFilePayload struct {
	Code string             `json:"code"`
	File transfer.FileOffer `json:"file"`
}

type fileChunkPayload struct {
	TransferID string `json:"transferId"`
	transfer.Chunk
}

type transferIDPayload struct {
	TransferID string `json:"transferId"`
}

type trackUpdatePayload struct {
	Code      string `json:"code"`
	TrackKind string `json:"trackKind"`
	Enabled   bool   `json:"enabled"`
}

type adjustAudioPayload struct {
	Code          string             `json:"code"`
	AudioSettings room.AudioSettings `json:"audioSettings"`
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errBadPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errBadPayload
	}
	return nil
}
