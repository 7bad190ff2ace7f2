package room

import (
	"sync"
	"time"
)

// Event names emitted by registry mutations. These are wire-level names; the
// signaling layer forwards them untouched.
const (
	EventUserJoined = "userJoined"
	EventUserLeft   = "userLeft"
	EventUserCount  = "userCount"
	EventNewMessage = "newMessage"
	EventRoomClosed = "roomClosed"
)

// Config wires the registry's collaborators. Zero values get safe defaults:
// a no-op broadcaster/snapshot store and the wall clock.
type Config struct {
	// MessageCap bounds the text-room history buffer.
	MessageCap int

	Broadcaster Broadcaster
	Snapshots   SnapshotStore

	Now func() time.Time
}

// Registry is the authoritative in-process room table.
type Registry struct {
	messageCap int
	emit       Broadcaster
	snapshots  SnapshotStore
	now        func() time.Time

	mu    sync.Mutex
	rooms map[string]*roomState
}

func NewRegistry(cfg Config) *Registry {
	if cfg.MessageCap <= 0 {
		cfg.MessageCap = 50
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = noopBroadcaster{}
	}
	if cfg.Snapshots == nil {
		cfg.Snapshots = noopSnapshots{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		messageCap: cfg.MessageCap,
		emit:       cfg.Broadcaster,
		snapshots:  cfg.Snapshots,
		now:        cfg.Now,
		rooms:      make(map[string]*roomState),
	}
}

// Create allocates a fresh unique code and inserts a room with creatorID as
// the sole member.
func (reg *Registry) Create(creatorID string, kind Kind) (string, error) {
	now := reg.now()

	reg.mu.Lock()
	defer reg.mu.Unlock()

	var code string
	for i := 0; ; i++ {
		if i >= codeAttempts {
			return "", ErrCodeSpaceExhausted
		}
		code = randomCode()
		if _, taken := reg.rooms[code]; !taken {
			break
		}
	}

	r := &roomState{
		code:         code,
		creator:      creatorID,
		members:      []string{creatorID},
		kind:         kind,
		lastActivity: now,
	}
	if kind == KindVoice {
		r.audio = defaultAudioSettings()
	}
	reg.rooms[code] = r
	reg.snapshots.Store(r.snapshot())
	return code, nil
}

// JoinResult is the membership snapshot returned to a successful joiner.
type JoinResult struct {
	Kind       Kind
	TotalUsers int
	Messages   []Message
	Audio      *AudioSettings
}

// Join appends clientID to the room's membership.
//
// Re-joining an existing member is a no-op on the member list but still
// refreshes activity and re-emits the join notification. expectedKind, when
// non-empty, must match the room's kind. A local miss falls through to the
// cluster snapshot store before reporting ErrRoomNotFound.
func (reg *Registry) Join(code, clientID string, expectedKind Kind) (JoinResult, error) {
	now := reg.now()

	reg.mu.Lock()
	r, ok := reg.rooms[code]
	if !ok {
		reg.mu.Unlock()
		snap, found := reg.snapshots.Fetch(code)
		if !found {
			return JoinResult{}, ErrRoomNotFound
		}
		reg.mu.Lock()
		// Another event may have rehydrated the room while the lock was
		// released.
		if r, ok = reg.rooms[code]; !ok {
			r = roomFromSnapshot(snap)
			reg.rooms[code] = r
		}
	}
	defer reg.mu.Unlock()

	if expectedKind != "" && expectedKind != r.kind {
		return JoinResult{}, ErrKindMismatch
	}

	if r.memberIndex(clientID) < 0 {
		r.members = append(r.members, clientID)
	}
	r.lastActivity = now

	members := append([]string(nil), r.members...)
	reg.emit.Broadcast(code, members, EventUserJoined, map[string]any{
		"userId":     clientID,
		"totalUsers": len(members),
	}, clientID)
	if r.kind == KindVoice {
		reg.emit.Broadcast(code, members, EventUserCount, map[string]any{
			"count": len(members),
		}, "")
	}

	res := JoinResult{
		Kind:       r.kind,
		TotalUsers: len(members),
	}
	if r.kind == KindText {
		res.Messages = append([]Message(nil), r.messages...)
	}
	if r.kind == KindVoice {
		audio := r.audio
		res.Audio = &audio
	}
	reg.snapshots.Store(r.snapshot())
	return res, nil
}

// Leave removes clientID from the room. Removing the last member destroys the
// room synchronously. Leaving a room one is not a member of is a silent
// no-op.
func (reg *Registry) Leave(code, clientID string) {
	now := reg.now()

	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[code]
	if !ok {
		return
	}
	idx := r.memberIndex(clientID)
	if idx < 0 {
		return
	}
	r.members = append(r.members[:idx], r.members[idx+1:]...)
	r.lastActivity = now

	if len(r.members) == 0 {
		reg.destroyLocked(r)
		return
	}

	members := append([]string(nil), r.members...)
	reg.emit.Broadcast(code, members, EventUserLeft, map[string]any{
		"userId":     clientID,
		"totalUsers": len(members),
	}, "")
	if r.kind == KindVoice {
		reg.emit.Broadcast(code, members, EventUserCount, map[string]any{
			"count": len(members),
		}, "")
	}
	reg.snapshots.Store(r.snapshot())
}

// LeaveAll removes clientID from every room it is a member of and returns the
// affected codes. Used on disconnect.
func (reg *Registry) LeaveAll(clientID string) []string {
	reg.mu.Lock()
	var codes []string
	for code, r := range reg.rooms {
		if r.memberIndex(clientID) >= 0 {
			codes = append(codes, code)
		}
	}
	reg.mu.Unlock()

	for _, code := range codes {
		reg.Leave(code, clientID)
	}
	return codes
}

// Destroy deletes the room unconditionally, emitting a close broadcast to any
// remaining members. Destroying an unknown code is a no-op.
func (reg *Registry) Destroy(code string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.rooms[code]; ok {
		reg.destroyLocked(r)
	}
}

func (reg *Registry) destroyLocked(r *roomState) {
	if len(r.members) > 0 {
		members := append([]string(nil), r.members...)
		reg.emit.Broadcast(r.code, members, EventRoomClosed, map[string]any{
			"code": r.code,
		}, "")
	}
	delete(reg.rooms, r.code)
	reg.snapshots.Delete(r.code)
}

// Touch refreshes the room's activity timestamp.
func (reg *Registry) Touch(code string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.rooms[code]; ok {
		r.lastActivity = reg.now()
	}
}

// AddMessage appends a chat message to a text room's history and broadcasts
// it to every member, sender included.
func (reg *Registry) AddMessage(code, senderID, text string) (Message, error) {
	now := reg.now()

	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[code]
	if !ok {
		return Message{}, ErrRoomNotFound
	}
	if r.memberIndex(senderID) < 0 {
		return Message{}, ErrNotInRoom
	}
	if len(r.members) < 2 {
		return Message{}, ErrInsufficientMembers
	}

	msg := Message{Sender: senderID, Text: text, Timestamp: now}
	if r.kind == KindText {
		r.messages = append(r.messages, msg)
		if overflow := len(r.messages) - reg.messageCap; overflow > 0 {
			r.messages = append(r.messages[:0], r.messages[overflow:]...)
		}
	}
	r.lastActivity = now

	members := append([]string(nil), r.members...)
	reg.emit.Broadcast(code, members, EventNewMessage, msg, "")
	reg.snapshots.Store(r.snapshot())
	return msg, nil
}

// SetAudio replaces a voice room's audio settings.
func (reg *Registry) SetAudio(code, clientID string, audio AudioSettings) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[code]
	if !ok {
		return ErrRoomNotFound
	}
	if r.memberIndex(clientID) < 0 {
		return ErrNotInRoom
	}
	if r.kind != KindVoice {
		return ErrKindMismatch
	}
	r.audio = audio
	r.lastActivity = reg.now()
	reg.snapshots.Store(r.snapshot())
	return nil
}

// Members returns a copy of the room's member list in join order.
func (reg *Registry) Members(code string) ([]string, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[code]
	if !ok {
		return nil, false
	}
	return append([]string(nil), r.members...), true
}

// Info returns the room's kind and, for voice rooms, its audio settings.
func (reg *Registry) Info(code string) (Kind, *AudioSettings, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[code]
	if !ok {
		return "", nil, false
	}
	if r.kind == KindVoice {
		audio := r.audio
		return r.kind, &audio, true
	}
	return r.kind, nil, true
}

// OtherMember resolves the single counterpart of clientID in a
// strictly-two-member room. File transfers assume this cardinality.
func (reg *Registry) OtherMember(code, clientID string) (string, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[code]
	if !ok {
		return "", ErrRoomNotFound
	}
	if r.memberIndex(clientID) < 0 {
		return "", ErrNotInRoom
	}
	if len(r.members) != 2 {
		return "", ErrInsufficientMembers
	}
	if r.members[0] == clientID {
		return r.members[1], nil
	}
	return r.members[0], nil
}

// Len returns the number of live rooms.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// SweepIdle destroys rooms that are empty or whose last activity is older
// than maxIdle, returning how many were reclaimed.
func (reg *Registry) SweepIdle(maxIdle time.Duration) int {
	now := reg.now()

	reg.mu.Lock()
	defer reg.mu.Unlock()

	removed := 0
	for _, r := range reg.rooms {
		if len(r.members) == 0 || now.Sub(r.lastActivity) > maxIdle {
			reg.destroyLocked(r)
			removed++
		}
	}
	return removed
}
