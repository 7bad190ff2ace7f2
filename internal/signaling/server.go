package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quickpair/gateway/internal/cluster"
	"github.com/quickpair/gateway/internal/config"
	"github.com/quickpair/gateway/internal/metrics"
	"github.com/quickpair/gateway/internal/ratelimit"
	"github.com/quickpair/gateway/internal/room"
	"github.com/quickpair/gateway/internal/transfer"
)

// Outbound-only event names owned by the dispatch layer. Room and transfer
// lifecycle events live with their components.
const (
	EventConnected         = "connected"
	EventUserDisconnected  = "userDisconnected"
	EventTrackStateChanged = "trackStateChanged"
	EventCallEnded         = "callEnded"
	EventAudioSettings     = "audioSettingsChanged"
)

// Limiter gates one operation class per key. The Redis-backed window
// satisfies it directly; LocalLimiter adapts the in-process one.
type Limiter interface {
	Allow(ctx context.Context, key string) error
}

type localLimiter struct {
	fw *ratelimit.FixedWindow
}

func (l localLimiter) Allow(_ context.Context, key string) error {
	return l.fw.Allow(key)
}

// LocalLimiter adapts a process-local fixed window to the Limiter interface.
func LocalLimiter(fw *ratelimit.FixedWindow) Limiter {
	return localLimiter{fw: fw}
}

type handlerFunc func(c *client, req clientEvent)

// Options wires the server's collaborators. The server constructs the room
// registry and transfer coordinator itself because it is their broadcast and
// delivery fabric.
type Options struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Cluster may be nil for single-process deployments.
	Cluster *cluster.Sync

	CreateLimiter Limiter
	JoinLimiter   Limiter

	// CheckOrigin guards the upgrade; nil allows every origin.
	CheckOrigin func(*http.Request) bool
}

/// Server owns the WebSocket endpoint: connected clients, the event dispatch
// table, and the fan-out fabric the room registry and transfer coordinator
// broadcast through.
type Server struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	sync    *cluster.Sync

	rooms     *room.Registry
	transfers *transfer.Coordinator

	createLimit Limiter
	joinLimit   Limiter

	checkOrigin func(*http.Request) bool
	upgrader    websocket.Upgrader
	handlers    map[string]handlerFunc

	mu      sync.RWMutex
	clients map[string]*client
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	s := &Server{
		cfg:         opts.Config,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		sync:        opts.Cluster,
		createLimit: opts.CreateLimiter,
		joinLimit:   opts.JoinLimiter,
		checkOrigin: checkOrigin,
		upgrader: websocket.Upgrader{
			// The origin check runs in ServeHTTP before the handshake.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}

	var snapshots room.SnapshotStore
	if opts.Cluster != nil {
		snapshots = opts.Cluster
	}
	s.rooms = room.NewRegistry(room.Config{
		MessageCap:  opts.Config.RoomMessageCap,
		Broadcaster: s,
		Snapshots:   snapshots,
	})
	s.transfers = transfer.NewCoordinator(transfer.Config{
		MaxFileBytes:  opts.Config.MaxFileBytes,
		ChunkBytes:    opts.Config.FileChunkBytes,
		CompleteDelay: opts.Config.TransferCompleteDelay,
		Timeout:       opts.Config.TransferTimeout,
		Rooms:         s.rooms,
		Send:          s,
		Emit:          s,
		Logger:        opts.Logger,
	})

	s.handlers = map[string]handlerFunc{
		"createRoom":         s.handleCreate(room.KindText),
		"createVideoRoom":    s.handleCreate(room.KindVideo),
		"createVoiceRoom":    s.handleCreate(room.KindVoice),
		"joinRoom":           s.handleJoin(room.KindText),
		"joinVideoRoom":      s.handleJoin(room.KindVideo),
		"joinVoiceRoom":      s.handleJoin(room.KindVoice),
		"sendMessage":        s.handleSendMessage,
		"offer":              s.handleRelay,
		"answer":             s.handleRelay,
		"ice-candidate":      s.handleRelay,
		"trackUpdate":        s.handleTrackUpdate,
		"userTyping":         s.handleTyping,
		"stopTyping":         s.handleTyping,
		"endCall":            s.handleEndCall,
		"leaveRoom":          s.handleLeaveRoom,
		"sendFile":           s.handleSendFile,
		"fileChunk":          s.handleFileChunk,
		"cancelFileTransfer": s.handleCancelTransfer,
		"adjustAudioQuality": s.handleAdjustAudio,
	}

	return s
}

// Rooms exposes the registry for janitor sweeps.
func (s *Server) Rooms() *room.Registry { return s.rooms }

// Transfers exposes the coordinator for janitor sweeps.
func (s *Server) Transfers() *transfer.Coordinator { return s.transfers }

// Start launches the cluster subscription loop. A nil cluster sync makes
// this a no-op.
func (s *Server) Start(ctx context.Context) {
	s.sync.Subscribe(ctx, s.handleRemote)
}

// Shutdown closes every connected client.
func (s *Server) Shutdown() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		s.metrics.Inc(metrics.OriginRejected)
		s.log.Warn("rejected websocket origin", "origin", r.Header.Get("Origin"), "remote_addr", r.RemoteAddr)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the handshake error response.
		return
	}

	c := newClient(uuid.NewString(), clientIP(r), conn)

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.log.Info("client connected", "client", c.id, "ip", c.ip)
	c.enqueue(serverFrame{Event: EventConnected, Data: map[string]any{"userId": c.id}})

	go c.writePump(s.cfg.WSPingInterval)
	s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer s.dropClient(c)

	if s.cfg.MaxEventBytes > 0 {
		c.conn.SetReadLimit(s.cfg.MaxEventBytes)
	}
	resetDeadline := func() {
		if s.cfg.WSIdleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
		}
	}
	resetDeadline()
	c.conn.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		resetDeadline()

		var req clientEvent
		if err := json.Unmarshal(payload, &req); err != nil || req.Event == "" {
			s.metrics.Inc(metrics.DropBadEvent)
			continue
		}
		s.dispatch(c, req)
	}
}

func (s *Server) dispatch(c *client, req clientEvent) {
	h, ok := s.handlers[req.Event]
	if !ok {
		s.metrics.Inc(metrics.DropBadEvent)
		c.respondErr(req.ID, errUnknownEvent)
		return
	}
	h(c, req)
}

// dropClient removes the client from the connection table, leaves all its
// rooms, reaps its transfers, and notifies remaining room members.
func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	if s.clients[c.id] != c {
		s.mu.Unlock()
		c.close()
		return
	}
	delete(s.clients, c.id)
	s.mu.Unlock()
	c.close()

	codes := s.rooms.LeaveAll(c.id)
	for _, code := range codes {
		if members, ok := s.rooms.Members(code); ok {
			s.Broadcast(code, members, EventUserDisconnected, map[string]any{
				"userId": c.id,
			}, "")
		}
	}
	reaped := s.transfers.DropClient(c.id)

	s.log.Info("client disconnected", "client", c.id, "rooms", len(codes), "transfers_reaped", reaped)
}

// Broadcast delivers an event to the given room members: locally to clients
// on this process, and through the cluster channel for members connected
// elsewhere. It implements room.Broadcaster.
func (s *Server) Broadcast(code string, members []string, event string, payload any, excludeID string) {
	if event == room.EventRoomClosed {
		s.metrics.Inc(metrics.RoomsDestroyed)
	}

	s.deliverLocal(members, event, payload, excludeID)

	if s.sync != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		s.sync.Publish(cluster.Envelope{
			Room:    code,
			Event:   event,
			Payload: raw,
			Exclude: excludeID,
		})
	}
}

// SendTo delivers an event to a single client, publishing a directed
// envelope when the client is not connected to this process. It implements
// transfer.Sender.
func (s *Server) SendTo(clientID, event string, payload any) {
	if event == transfer.EventTransferComplete {
		s.metrics.Inc(metrics.TransfersCompleted)
	}

	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()

	if ok {
		if !c.enqueue(serverFrame{Event: event, Data: payload}) {
			go s.dropClient(c)
		}
		return
	}

	if s.sync != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		s.sync.Publish(cluster.Envelope{
			Target:  clientID,
			Event:   event,
			Payload: raw,
		})
	}
}

func (s *Server) deliverLocal(members []string, event string, payload any, excludeID string) {
	var stale []*client

	s.mu.RLock()
	for _, id := range members {
		if id == excludeID {
			continue
		}
		c, ok := s.clients[id]
		if !ok {
			continue
		}
		if !c.enqueue(serverFrame{Event: event, Data: payload}) {
			stale = append(stale, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range stale {
		go s.dropClient(c)
	}
}

// handleRemote re-delivers an envelope published by a peer process to the
// local members it addresses.
func (s *Server) handleRemote(env cluster.Envelope) {
	if env.Target != "" {
		s.mu.RLock()
		c, ok := s.clients[env.Target]
		s.mu.RUnlock()
		if ok {
			c.enqueue(serverFrame{Event: env.Event, Data: env.Payload})
		}
		return
	}

	members, ok := s.rooms.Members(env.Room)
	if !ok {
		return
	}
	s.deliverLocal(members, env.Event, env.Payload, env.Exclude)
}

func (s *Server) limitRejected(err error) {
	if errors.Is(err, ratelimit.ErrBlocked) {
		s.metrics.Inc(metrics.DropBlocked)
	} else {
		s.metrics.Inc(metrics.DropRateLimited)
	}
}

func (s *Server) handleCreate(kind room.Kind) handlerFunc {
	return func(c *client, req clientEvent) {
		if s.createLimit != nil {
			if err := s.createLimit.Allow(context.Background(), c.ip); err != nil {
				s.limitRejected(err)
				c.respondErr(req.ID, err)
				return
			}
		}

		code, err := s.rooms.Create(c.id, kind)
		if err != nil {
			c.respondErr(req.ID, err)
			return
		}
		s.metrics.Inc(metrics.RoomsCreated)
		s.log.Info("room created", "code", code, "kind", kind, "client", c.id)
		c.respond(req.ID, map[string]any{"success": true, "code": code})
	}
}

func (s *Server) handleJoin(kind room.Kind) handlerFunc {
	return func(c *client, req clientEvent) {
		var p roomCodePayload
		if err := decodePayload(req.Data, &p); err != nil {
			c.respondErr(req.ID, err)
			return
		}
		code := p.code()
		if code == "" {
			c.respondErr(req.ID, errBadPayload)
			return
		}

		if s.joinLimit != nil {
			if err := s.joinLimit.Allow(context.Background(), c.ip); err != nil {
				s.limitRejected(err)
				c.respondErr(req.ID, err)
				return
			}
		}

		res, err := s.rooms.Join(code, c.id, kind)
		if err != nil {
			c.respondErr(req.ID, err)
			return
		}
		s.metrics.Inc(metrics.RoomsJoined)

		data := map[string]any{
			"success":    true,
			"roomType":   string(res.Kind),
			"totalUsers": res.TotalUsers,
		}
		if res.Kind == room.KindText {
			messages := res.Messages
			if messages == nil {
				messages = []room.Message{}
			}
			data["messages"] = messages
		}
		if res.Audio != nil {
			data["audioSettings"] = res.Audio
		}
		c.respond(req.ID, data)
	}
}

func (s *Server) handleSendMessage(c *client, req clientEvent) {
	var p sendMessagePayload
	if err := decodePayload(req.Data, &p); err != nil {
		c.respondErr(req.ID, err)
		return
	}
	if err := validateChatText(p.Text, s.cfg.MaxMessageChars); err != nil {
		c.respondErr(req.ID, err)
		return
	}

	if _, err := s.rooms.AddMessage(p.Code, c.id, p.Text); err != nil {
		c.respondErr(req.ID, err)
		return
	}
	s.metrics.Inc(metrics.MessagesRelayed)
	c.respond(req.ID, map[string]any{"success": true})
}

// handleRelay forwards offer/answer/ice-candidate payloads to the other room
// members, tagged with the sender. A vanished room is a silent no-op:
// signaling during teardown races must not error.
func (s *Server) handleRelay(c *client, req clientEvent) {
	var payload map[string]any
	if err := decodePayload(req.Data, &payload); err != nil {
		c.respondErr(req.ID, err)
		return
	}
	code, _ := payload["code"].(string)
	if code == "" {
		c.respondErr(req.ID, errBadPayload)
		return
	}

	members, ok := s.rooms.Members(code)
	if !ok || !contains(members, c.id) {
		return
	}

	payload["from"] = c.id
	if req.Event == "offer" {
		if kind, audio, ok := s.rooms.Info(code); ok {
			payload["roomType"] = string(kind)
			if audio != nil {
				payload["audioSettings"] = audio
			}
		}
	}

	s.rooms.Touch(code)
	s.Broadcast(code, members, req.Event, payload, c.id)
	s.metrics.Inc(metrics.SignalsRelayed)
}

func (s *Server) handleTrackUpdate(c *client, req clientEvent) {
	var p trackUpdatePayload
	if err := decodePayload(req.Data, &p); err != nil {
		c.respondErr(req.ID, err)
		return
	}

	members, ok := s.rooms.Members(p.Code)
	if !ok || !contains(members, c.id) {
		return
	}

	s.rooms.Touch(p.Code)
	s.Broadcast(p.Code, members, EventTrackStateChanged, map[string]any{
		"from":      c.id,
		"trackKind": p.TrackKind,
		"enabled":   p.Enabled,
	}, c.id)
	s.metrics.Inc(metrics.SignalsRelayed)
}

func (s *Server) handleTyping(c *client, req clientEvent) {
	var p roomCodePayload
	if err := decodePayload(req.Data, &p); err != nil {
		return
	}
	code := p.code()
	if code == "" {
		return
	}

	members, ok := s.rooms.Members(code)
	if !ok || !contains(members, c.id) {
		return
	}
	s.Broadcast(code, members, req.Event, map[string]any{"from": c.id}, c.id)
}

func (s *Server) handleEndCall(c *client, req clientEvent) {
	var p roomCodePayload
	if err := decodePayload(req.Data, &p); err != nil {
		c.respondErr(req.ID, err)
		return
	}
	code := p.code()
	if code == "" {
		c.respondErr(req.ID, errBadPayload)
		return
	}

	// Ending an already-gone room is fine: teardown is racy by nature.
	if members, ok := s.rooms.Members(code); ok && contains(members, c.id) {
		s.Broadcast(code, members, EventCallEnded, map[string]any{
			"endedBy": c.id,
		}, c.id)
		s.rooms.Destroy(code)
	}
	c.respond(req.ID, map[string]any{"success": true})
}

func (s *Server) handleLeaveRoom(c *client, req clientEvent) {
	var p roomCodePayload
	if err := decodePayload(req.Data, &p); err != nil {
		c.respondErr(req.ID, err)
		return
	}
	code := p.code()
	if code == "" {
		c.respondErr(req.ID, errBadPayload)
		return
	}

	s.rooms.Leave(code, c.id)
	c.respond(req.ID, map[string]any{"success": true})
}

func (s *Server) handleSendFile(c *client, req clientEvent) {
	var p sendFilePayload
	if err := decodePayload(req.Data, &p); err != nil {
		c.respondErr(req.ID, err)
		return
	}

	res, err := s.transfers.Start(p.Code, c.id, p.File)
	if err != nil {
		c.respondErr(req.ID, err)
		return
	}
	s.metrics.Inc(metrics.TransfersStarted)
	s.log.Info("file transfer started",
		"transfer", res.TransferID,
		"room", p.Code,
		"file", p.File.Name,
		"size", p.File.Size,
		"chunks", res.TotalChunks,
	)
	c.respond(req.ID, map[string]any{
		"success":     true,
		"transferId":  res.TransferID,
		"totalChunks": res.TotalChunks,
	})
}

func (s *Server) handleFileChunk(c *client, req clientEvent) {
	var p fileChunkPayload
	if err := decodePayload(req.Data, &p); err != nil {
		c.respondErr(req.ID, err)
		return
	}

	if err := s.transfers.Chunk(p.TransferID, c.id, p.Chunk); err != nil {
		c.respondErr(req.ID, err)
		return
	}
	s.metrics.Inc(metrics.ChunksRelayed)
	c.respond(req.ID, map[string]any{"success": true})
}

func (s *Server) handleCancelTransfer(c *client, req clientEvent) {
	var p transferIDPayload
	if err := decodePayload(req.Data, &p); err != nil {
		c.respondErr(req.ID, err)
		return
	}

	if err := s.transfers.Cancel(p.TransferID, c.id); err != nil {
		c.respondErr(req.ID, err)
		return
	}
	s.metrics.Inc(metrics.TransfersCancelled)
	c.respond(req.ID, map[string]any{"success": true})
}

func (s *Server) handleAdjustAudio(c *client, req clientEvent) {
	var p adjustAudioPayload
	if err := decodePayload(req.Data, &p); err != nil {
		c.respondErr(req.ID, err)
		return
	}

	if err := s.rooms.SetAudio(p.Code, c.id, p.AudioSettings); err != nil {
		c.respondErr(req.ID, err)
		return
	}
	if members, ok := s.rooms.Members(p.Code); ok {
		s.Broadcast(p.Code, members, EventAudioSettings, map[string]any{
			"from":          c.id,
			"audioSettings": p.AudioSettings,
		}, c.id)
	}
	c.respond(req.ID, map[string]any{"success": true})
}

func contains(members []string, id string) bool {
	for _, m := range members {
		if m == id {
			return true
		}
	}
	return false
}
