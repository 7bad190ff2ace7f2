// Package transfer tracks chunked file transfers between the two members of a
// room. It is bookkeeping and relay only: chunk bytes are forwarded unbuffered
// to the receiver and never stored, so the coordinator's memory use is
// independent of file size.
package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quickpair/gateway/internal/room"
)

var (
	ErrInvalidFile     = errors.New("invalid file")
	ErrInvalidTransfer = errors.New("invalid transfer")
)

// Wire events emitted by the coordinator.
const (
	EventTransferStart     = "fileTransferStart"
	EventFileChunk         = "fileChunk"
	EventTransferComplete  = "fileTransferComplete"
	EventTransferCancelled = "fileTransferCancelled"
)

type state int

const (
	stateActive state = iota
	stateCompleted
	stateCancelled
	stateExpired
)

// FileOffer is the sender's declaration of the file about to be transferred.
type FileOffer struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Chunk is the control-plane view of one fileChunk event. Data is relayed
// opaque and unbuffered.
type Chunk struct {
	Index       int             `json:"chunkIndex"`
	TotalChunks int             `json:"totalChunks"`
	Data        json.RawMessage `json:"chunk"`
	FileName    string          `json:"fileName,omitempty"`
	FileSize    int64           `json:"fileSize,omitempty"`
	FileType    string          `json:"fileType,omitempty"`
}

// StartResult is returned to the sender on a successful transfer start.
type StartResult struct {
	TransferID  string
	TotalChunks int
}

type transferState struct {
	id          string
	code        string
	sender      string
	receiver    string
	offer       FileOffer
	totalChunks int
	received    int
	startedAt   time.Time
	state       state
	completing  bool
}

// Sender delivers an event to one specific client, wherever it is connected.
type Sender interface {
	SendTo(clientID, event string, payload any)
}

type Config struct {
	// MaxFileBytes is the declared-size ceiling; <= 0 disables the check.
	MaxFileBytes int64
	// ChunkBytes is the fixed chunk size used to derive totalChunks.
	ChunkBytes int
	// CompleteDelay is the debounce before the completion notice, giving the
	// final chunk time to propagate. <= 0 emits synchronously.
	CompleteDelay time.Duration
	// Timeout is the age at which the janitor expires a transfer.
	Timeout time.Duration

	Rooms  *room.Registry
	Send   Sender
	Emit   room.Broadcaster
	Logger *slog.Logger
	Now    func() time.Time
}

// Coordinator owns the transfer table.
type Coordinator struct {
	maxFileBytes  int64
	chunkBytes    int
	completeDelay time.Duration
	timeout       time.Duration

	rooms *room.Registry
	send  Sender
	emit  room.Broadcaster
	log   *slog.Logger
	now   func() time.Time

	mu        sync.Mutex
	transfers map[string]*transferState
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 64 * 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		maxFileBytes:  cfg.MaxFileBytes,
		chunkBytes:    cfg.ChunkBytes,
		completeDelay: cfg.CompleteDelay,
		timeout:       cfg.Timeout,
		rooms:         cfg.Rooms,
		send:          cfg.Send,
		emit:          cfg.Emit,
		log:           cfg.Logger,
		now:           cfg.Now,
		transfers:     make(map[string]*transferState),
	}
}

// Start validates the offer and opens a transfer record. The receiver is the
// single counterpart in a strictly-two-member room.
func (c *Coordinator) Start(code, senderID string, offer FileOffer) (StartResult, error) {
	if err := c.validateOffer(offer); err != nil {
		return StartResult{}, err
	}

	receiver, err := c.rooms.OtherMember(code, senderID)
	if err != nil {
		return StartResult{}, err
	}

	now := c.now()
	totalChunks := int((offer.Size + int64(c.chunkBytes) - 1) / int64(c.chunkBytes))

	id := fmt.Sprintf("%s-%d-%s", senderID, now.UnixMilli(), uuid.NewString()[:8])

	t := &transferState{
		id:          id,
		code:        code,
		sender:      senderID,
		receiver:    receiver,
		offer:       offer,
		totalChunks: totalChunks,
		startedAt:   now,
		state:       stateActive,
	}

	c.mu.Lock()
	c.transfers[id] = t
	c.mu.Unlock()

	c.rooms.Touch(code)

	if members, ok := c.rooms.Members(code); ok {
		c.emit.Broadcast(code, members, EventTransferStart, map[string]any{
			"transferId":  id,
			"fileName":    offer.Name,
			"fileSize":    offer.Size,
			"fileType":    offer.Type,
			"totalChunks": totalChunks,
			"from":        senderID,
		}, senderID)
	}

	return StartResult{TransferID: id, TotalChunks: totalChunks}, nil
}

// Chunk relays one chunk to the receiver and advances the progress counter.
// When the counter reaches totalChunks the completion notice is emitted
// exactly once, after the configured debounce.
func (c *Coordinator) Chunk(transferID, senderID string, chunk Chunk) error {
	c.mu.Lock()
	t, ok := c.transfers[transferID]
	if !ok || t.state != stateActive || t.sender != senderID {
		c.mu.Unlock()
		return ErrInvalidTransfer
	}

	t.received++
	receiver := t.receiver
	code := t.code
	complete := t.received >= t.totalChunks && !t.completing
	if complete {
		t.completing = true
	}
	c.mu.Unlock()

	c.send.SendTo(receiver, EventFileChunk, map[string]any{
		"transferId":  transferID,
		"chunkIndex":  chunk.Index,
		"totalChunks": chunk.TotalChunks,
		"chunk":       chunk.Data,
		"fileName":    chunk.FileName,
		"fileSize":    chunk.FileSize,
		"fileType":    chunk.FileType,
	})
	c.rooms.Touch(code)

	if complete {
		c.scheduleCompletion(transferID)
	}
	return nil
}

func (c *Coordinator) scheduleCompletion(transferID string) {
	if c.completeDelay <= 0 {
		c.finishTransfer(transferID)
		return
	}
	time.AfterFunc(c.completeDelay, func() {
		c.finishTransfer(transferID)
	})
}

func (c *Coordinator) finishTransfer(transferID string) {
	c.mu.Lock()
	t, ok := c.transfers[transferID]
	if !ok || t.state != stateActive {
		// Cancelled or reaped while the debounce was pending.
		c.mu.Unlock()
		return
	}
	t.state = stateCompleted
	receiver := t.receiver
	delete(c.transfers, transferID)
	c.mu.Unlock()

	c.send.SendTo(receiver, EventTransferComplete, map[string]any{
		"transferId": transferID,
	})
}

// Cancel aborts a transfer. Only the original sender may cancel.
func (c *Coordinator) Cancel(transferID, requesterID string) error {
	c.mu.Lock()
	t, ok := c.transfers[transferID]
	if !ok || t.sender != requesterID {
		c.mu.Unlock()
		return ErrInvalidTransfer
	}
	t.state = stateCancelled
	code := t.code
	delete(c.transfers, transferID)
	c.mu.Unlock()

	if members, ok := c.rooms.Members(code); ok {
		c.emit.Broadcast(code, members, EventTransferCancelled, map[string]any{
			"transferId": transferID,
			"from":       requesterID,
		}, "")
	}
	return nil
}

// DropClient removes every transfer clientID participates in, as sender or
// receiver. Called on disconnect; subsequent chunk events for the dropped
// ids fail with ErrInvalidTransfer.
func (c *Coordinator) DropClient(clientID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, t := range c.transfers {
		if t.sender == clientID || t.receiver == clientID {
			delete(c.transfers, id)
			removed++
		}
	}
	return removed
}

// SweepExpired reclaims transfers older than the configured timeout.
func (c *Coordinator) SweepExpired() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, t := range c.transfers {
		if now.Sub(t.startedAt) > c.timeout {
			t.state = stateExpired
			delete(c.transfers, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live transfer records.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transfers)
}
