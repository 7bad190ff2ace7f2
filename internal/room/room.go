// Package room owns the registry of live rooms: code allocation, membership,
// buffered text history, and the broadcasts that accompany membership changes.
//
// All mutation is funneled through Registry methods; no other component
// reaches into the room table directly.
package room

import (
	"errors"
	"time"
)

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrKindMismatch        = errors.New("room kind mismatch")
	ErrNotInRoom           = errors.New("not a member of room")
	ErrInsufficientMembers = errors.New("not enough members in room")
	ErrCodeSpaceExhausted  = errors.New("room code space exhausted")
)

// Kind is the fixed communication mode of a room.
type Kind string

const (
	KindText  Kind = "text"
	KindVideo Kind = "video"
	KindVoice Kind = "voice"
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindVideo, KindVoice:
		return true
	}
	return false
}

// Message is one entry of a text room's bounded history buffer.
type Message struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioSettings is the mutable per-room audio processing state of voice rooms.
type AudioSettings struct {
	EchoCancellation bool `json:"echoCancellation"`
	NoiseSuppression bool `json:"noiseSuppression"`
	AutoGainControl  bool `json:"autoGainControl"`
	SampleRate       int  `json:"sampleRate"`
}

func defaultAudioSettings() AudioSettings {
	return AudioSettings{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       48000,
	}
}

type roomState struct {
	code         string
	creator      string
	members      []string // insertion order = join order
	kind         Kind
	messages     []Message
	audio        AudioSettings
	lastActivity time.Time
}

func (r *roomState) memberIndex(clientID string) int {
	for i, m := range r.members {
		if m == clientID {
			return i
		}
	}
	return -1
}

// Snapshot is the serialized form of a room stored in the shared cluster
// store so a peer process can rehydrate it.
type Snapshot struct {
	Code         string         `json:"code"`
	Creator      string         `json:"creator"`
	Members      []string       `json:"members"`
	Kind         Kind           `json:"kind"`
	Messages     []Message      `json:"messages,omitempty"`
	Audio        *AudioSettings `json:"audio,omitempty"`
	LastActivity time.Time      `json:"lastActivity"`
}

func (r *roomState) snapshot() Snapshot {
	snap := Snapshot{
		Code:         r.code,
		Creator:      r.creator,
		Members:      append([]string(nil), r.members...),
		Kind:         r.kind,
		LastActivity: r.lastActivity,
	}
	if r.kind == KindText {
		snap.Messages = append([]Message(nil), r.messages...)
	}
	if r.kind == KindVoice {
		audio := r.audio
		snap.Audio = &audio
	}
	return snap
}

func roomFromSnapshot(snap Snapshot) *roomState {
	r := &roomState{
		code:         snap.Code,
		creator:      snap.Creator,
		members:      append([]string(nil), snap.Members...),
		kind:         snap.Kind,
		messages:     append([]Message(nil), snap.Messages...),
		lastActivity: snap.LastActivity,
	}
	if snap.Audio != nil {
		r.audio = *snap.Audio
	} else if snap.Kind == KindVoice {
		r.audio = defaultAudioSettings()
	}
	return r
}

// SnapshotStore replicates room state to a shared store for multi-process
// deployments. Store and Delete are best-effort and must not block; Fetch is
// the synchronous read-through consulted before declaring a room missing.
type SnapshotStore interface {
	Store(snap Snapshot)
	Fetch(code string) (Snapshot, bool)
	Delete(code string)
}

// Broadcaster fans an event out to room members. members is a snapshot of the
// membership at emit time; excludeID, when non-empty, names a member that must
// not receive the event.
type Broadcaster interface {
	Broadcast(code string, members []string, event string, payload any, excludeID string)
}

type noopSnapshots struct{}

func (noopSnapshots) Store(Snapshot)                 {}
func (noopSnapshots) Fetch(string) (Snapshot, bool)  { return Snapshot{}, false }
func (noopSnapshots) Delete(string)                  {}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(string, []string, string, any, string) {}
