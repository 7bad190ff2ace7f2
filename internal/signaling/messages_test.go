package signaling

import (
	"errors"
	"strings"
	"testing"

	"github.com/quickpair/gateway/internal/ratelimit"
	"github.com/quickpair/gateway/internal/room"
	"github.com/quickpair/gateway/internal/transfer"
)

func TestValidateChatText(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		max     int
		wantErr bool
	}{
		{name: "plain text", text: "hello there", max: 100},
		{name: "empty", text: "", max: 100, wantErr: true},
		{name: "whitespace only", text: "   \t\n", max: 100, wantErr: true},
		{name: "at limit", text: strings.Repeat("a", 100), max: 100},
		{name: "over limit", text: strings.Repeat("a", 101), max: 100, wantErr: true},
		{name: "multibyte counted as runes", text: strings.Repeat("é", 100), max: 100},
		{name: "angle bracket open", text: "a < b", max: 100, wantErr: true},
		{name: "script tag", text: "<script>alert(1)</script>", max: 100, wantErr: true},
		{name: "no limit", text: strings.Repeat("a", 5000), max: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateChatText(tc.text, tc.max)
			if tc.wantErr && !errors.Is(err, errInvalidMessage) {
				t.Fatalf("err = %v, want errInvalidMessage", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestWireErrorMapsTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{room.ErrRoomNotFound, "Room not found"},
		{room.ErrKindMismatch, "Room type mismatch"},
		{room.ErrNotInRoom, "Not a member of this room"},
		{room.ErrInsufficientMembers, "Not enough members in room"},
		{ratelimit.ErrRateLimited, "Rate limit exceeded, try again later"},
		{ratelimit.ErrBlocked, "Temporarily blocked due to repeated attempts"},
		{transfer.ErrInvalidFile, "Invalid file"},
		{transfer.ErrInvalidTransfer, "Invalid transfer"},
		{errInvalidMessage, "Invalid message"},
		{errors.New("database exploded"), "Internal error"},
	}
	for _, tc := range cases {
		if got := wireError(tc.err); got != tc.want {
			t.Errorf("wireError(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestWireErrorUnwrapsWrappedErrors(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), room.ErrRoomNotFound)
	if got := wireError(wrapped); got != "Room not found" {
		t.Fatalf("wireError(wrapped) = %q, want Room not found", got)
	}
}

func TestRoomCodePayloadAliases(t *testing.T) {
	p := roomCodePayload{Code: "123456", RoomCode: "654321"}
	if p.code() != "123456" {
		t.Fatalf("code field should win, got %q", p.code())
	}
	p = roomCodePayload{RoomCode: "654321"}
	if p.code() != "654321" {
		t.Fatalf("roomCode fallback, got %q", p.code())
	}
}
