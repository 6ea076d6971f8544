package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yazux/wrtc-signal/internal/cluster"
	"github.com/yazux/wrtc-signal/internal/metrics"
	"github.com/yazux/wrtc-signal/internal/ratelimit"
	"github.com/yazux/wrtc-signal/internal/rooms"
	"github.com/yazux/wrtc-signal/internal/token"
)

// Fixed protocol messages. Clients match on these strings.
const (
	msgTokenInvalid  = "Token is not valid"
	msgRoomTaken     = "Room already taken someone else. Please type another room name or stay it blank."
	msgRoomNotFound  = "Room is not found."
	msgOwnerRejected = "Room owner was rejected your request"
)

const (
	DefaultTokenLifetime        = 24 * time.Hour
	DefaultClusterQueryTimeout  = 2 * time.Second
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
)

// Config wires together the runtime dependencies of the signaling service.
type Config struct {
	Bus   cluster.Bus
	Codec token.Codec

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// TokenLifetime is the validity window of issued session tokens.
	TokenLifetime time.Duration

	// ClusterQueryTimeout bounds cluster-wide peer enumeration per message.
	ClusterQueryTimeout time.Duration

	// Inbound WebSocket hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

// Server implements the signaling protocol: the connection gateway, the
// per-message authentication, and the room-lifecycle/relay state machine.
type Server struct {
	bus      cluster.Bus
	registry *rooms.Registry
	codec    token.Codec
	gateway  Gateway

	log     *slog.Logger
	metrics *metrics.Metrics

	tokenLifetime        time.Duration
	queryTimeout         time.Duration
	maxMessage           int64
	maxMessagesPerSecond int

	// Injected for tests.
	now         func() time.Time
	newRoomName func() string
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		bus:      cfg.Bus,
		registry: rooms.NewRegistry(cfg.Bus),
		codec:    cfg.Codec,
		gateway:  NewGateway(cfg.Codec),

		log:     logger.With("component", "signaling"),
		metrics: cfg.Metrics,

		tokenLifetime:        cfg.TokenLifetime,
		queryTimeout:         cfg.ClusterQueryTimeout,
		maxMessage:           cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,

		now:         time.Now,
		newRoomName: uuid.NewString,
	}

	// room-join-accept is rebroadcast cluster-wide: any instance may host the
	// accepting owner, and the joining peer may live on a third one.
	s.bus.OnServerEvent(string(EventRoomJoinAccept), s.onClusterJoinAccept)

	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.HandleSignal)
}

func (s *Server) tokenLifetimeOrDefault() time.Duration {
	if s.tokenLifetime <= 0 {
		return DefaultTokenLifetime
	}
	return s.tokenLifetime
}

func (s *Server) queryTimeoutOrDefault() time.Duration {
	if s.queryTimeout <= 0 {
		return DefaultClusterQueryTimeout
	}
	return s.queryTimeout
}

func (s *Server) maxMessageBytes() int64 {
	if s.maxMessage <= 0 {
		return DefaultMaxMessageBytes
	}
	return s.maxMessage
}

func (s *Server) messagesPerSecond() int {
	if s.maxMessagesPerSecond <= 0 {
		return DefaultMaxMessagesPerSecond
	}
	return s.maxMessagesPerSecond
}

func (s *Server) queryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.queryTimeoutOrDefault())
}

func (s *Server) HandleSignal(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.Authorize(r); err != nil {
		// Hard rejection: the upgrade is refused before any session exists and
		// no protocol event is emitted.
		s.metrics.Inc(metrics.HandshakeRejected)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		// Origin enforcement belongs to the outer HTTP layer; accept here so
		// unit tests can dial directly.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peer{
		id:   uuid.NewString(),
		conn: conn,
		srv:  s,
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.messagesPerSecond()),
			int64(s.messagesPerSecond()),
		),
	}
	p.log = s.log.With("peer", p.id)

	if err := s.bus.Attach(p); err != nil {
		p.log.Error("attach to bus", "err", err)
		_ = conn.Close()
		return
	}
	s.metrics.Inc(metrics.PeerConnected)
	p.log.Debug("peer connected", "remote_addr", r.RemoteAddr)

	p.run()

	// Runs to completion before the connection counts as closed.
	s.handleDisconnect(p)
	_ = conn.Close()
}

// handleDisconnect notifies every group the connection belongs to, then
// removes it from the bus.
func (s *Server) handleDisconnect(p *peer) {
	info := s.bus.Info(p.id)
	for _, room := range s.bus.Groups(p.id) {
		s.emitGroup(room, p.id, EventRoomUserLeave, roomUserLeaveEvent{
			Room:     room,
			PeerID:   p.id,
			PeerInfo: info,
		})
	}
	s.bus.Detach(p.id)
	s.metrics.Inc(metrics.PeerDisconnected)
	p.log.Debug("peer disconnected")
}

type handlerFunc func(*Server, *peer, json.RawMessage)

// clientHandlers is the closed dispatch table for inbound events. auth-request
// is the only event exempt from per-message authentication; it authenticates
// itself.
var clientHandlers = map[EventName]struct {
	fn         handlerFunc
	authExempt bool
}{
	EventAuthRequest:             {fn: (*Server).onAuthRequest, authExempt: true},
	EventRoomCreateRequest:       {fn: (*Server).onRoomCreateRequest},
	EventRoomJoinRequest:         {fn: (*Server).onRoomJoinRequest},
	EventRoomJoinAccept:          {fn: (*Server).onRoomJoinAccept},
	EventRoomJoinReject:          {fn: (*Server).onRoomJoinReject},
	EventRelayICECandidate:       {fn: (*Server).onRelayICECandidate},
	EventRelaySessionDescription: {fn: (*Server).onRelaySessionDescription},
}

func (s *Server) dispatch(p *peer, env envelope) {
	entry, ok := clientHandlers[env.Event]
	if !ok {
		p.log.Debug("ignoring unknown event", "event", env.Event)
		return
	}
	if !entry.authExempt && !s.authenticate(p, env.Data) {
		return
	}
	entry.fn(s, p, env.Data)
}

// authenticate enforces the per-message session token: signature valid, bound
// to this connection's identity, not expired. Failures emit `unauthorized` and
// leave the connection open.
func (s *Server) authenticate(p *peer, data json.RawMessage) bool {
	var req authedRequest
	if len(data) == 0 || json.Unmarshal(data, &req) != nil || req.Auth == "" {
		s.unauthorized(p)
		return false
	}
	if !s.codec.Verify(req.Auth) {
		s.unauthorized(p)
		return false
	}
	claims, ok := s.codec.ResolvePayload(req.Auth)
	if !ok || claims.Socket == "" || claims.Socket != p.id || !claims.ExpiresAfter(s.now()) {
		s.unauthorized(p)
		return false
	}
	return true
}

func (s *Server) unauthorized(p *peer) {
	s.metrics.Inc(metrics.UnauthorizedEvent)
	s.emit(p.id, EventUnauthorized, unauthorizedEvent{Message: msgTokenInvalid})
}

func (s *Server) onAuthRequest(p *peer, data json.RawMessage) {
	var req authRequest
	if len(data) != 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			req = authRequest{}
		}
	}

	if !s.codec.Verify(req.Token) {
		s.metrics.Inc(metrics.AuthRejected)
		s.emit(p.id, EventAuthReject, authRejectEvent{Message: msgTokenInvalid, Payload: req.Payload})
		return
	}

	if len(req.PeerInfo) != 0 {
		if err := s.bus.SetInfo(p.id, req.PeerInfo); err != nil {
			p.log.Error("store peer info", "err", err)
		}
	}

	sessionToken := s.codec.Create(token.Payload{
		App:    s.codec.AppName(req.Token),
		Socket: p.id,
		Exp:    s.now().Add(s.tokenLifetimeOrDefault()).Unix(),
	})
	s.metrics.Inc(metrics.AuthAccepted)
	s.emit(p.id, EventAuthAccept, authAcceptEvent{Token: sessionToken, Payload: req.Payload})
}

func (s *Server) onRoomCreateRequest(p *peer, data json.RawMessage) {
	var req roomCreateRequest
	_ = json.Unmarshal(data, &req)

	room := req.Room
	if room == "" {
		room = s.newRoomName()
	}

	ctx, cancel := s.queryContext()
	defer cancel()
	peers, err := s.registry.Peers(ctx, room)
	if err != nil {
		p.log.Error("enumerate room", "room", room, "err", err)
		return
	}
	if len(peers) > 0 {
		s.metrics.Inc(metrics.RoomCreateConflict)
		s.emit(p.id, EventRoomCreateReject, roomCreateRejectEvent{Message: msgRoomTaken, Payload: req.Payload})
		return
	}

	// The existence check and the joins below are not atomic across instances:
	// two concurrent creates for the same name can both pass the check and both
	// join. Accepted best-effort semantics.
	if err := s.bus.Join(p.id, room); err != nil {
		p.log.Error("join room", "room", room, "err", err)
		return
	}
	if err := s.bus.Join(p.id, rooms.OwnersGroup(room)); err != nil {
		p.log.Error("join owners group", "room", room, "err", err)
		return
	}

	s.metrics.Inc(metrics.RoomCreated)
	s.emit(p.id, EventRoomCreateAccept, roomCreateAcceptEvent{Room: room, Payload: req.Payload})
}

func (s *Server) onRoomJoinRequest(p *peer, data json.RawMessage) {
	var req roomJoinRequest
	_ = json.Unmarshal(data, &req)
	if req.Room == "" {
		return
	}

	ctx, cancel := s.queryContext()
	defer cancel()
	exists, err := s.registry.Exists(ctx, req.Room)
	if err != nil {
		p.log.Error("enumerate room", "room", req.Room, "err", err)
		return
	}
	if !exists {
		s.metrics.Inc(metrics.RoomJoinNotFound)
		s.emit(p.id, EventRoomJoinReject, roomJoinRejectEvent{Message: msgRoomNotFound, Payload: req.Payload})
		return
	}

	// The decision is made out-of-band by an owner client; fan out to the
	// owners sub-group only, never to ordinary members.
	s.metrics.Inc(metrics.RoomJoinRequested)
	s.emitGroup(rooms.OwnersGroup(req.Room), p.id, EventRoomJoinRequest, roomJoinRequestEvent{
		Room:     req.Room,
		PeerID:   p.id,
		Payload:  req.Payload,
		PeerInfo: s.bus.Info(p.id),
	})
}

func (s *Server) onRoomJoinAccept(p *peer, data json.RawMessage) {
	var req roomJoinDecision
	_ = json.Unmarshal(data, &req)

	s.acceptJoin(req.PeerID, req.Room, req.Payload)

	wire, err := json.Marshal(clusterJoinAccept{PeerID: req.PeerID, Room: req.Room, Payload: req.Payload})
	if err != nil {
		return
	}
	if err := s.bus.ServerEmit(string(EventRoomJoinAccept), wire); err != nil {
		p.log.Error("rebroadcast join accept", "err", err)
	}
}

func (s *Server) onClusterJoinAccept(data json.RawMessage) {
	var req clusterJoinAccept
	if err := json.Unmarshal(data, &req); err != nil {
		s.log.Warn("malformed cluster join accept", "err", err)
		return
	}
	s.acceptJoin(req.PeerID, req.Room, req.Payload)
}

// acceptJoin performs the actual join on the instance that owns the requesting
// connection. Instances that don't own it do nothing: it has been handled
// elsewhere, or the peer disconnected.
func (s *Server) acceptJoin(peerID, room string, payload json.RawMessage) {
	if peerID == "" || room == "" {
		return
	}
	if _, ok := s.bus.Local(peerID); !ok {
		return
	}

	if err := s.bus.Join(peerID, room); err != nil {
		s.log.Error("join room on accept", "room", room, "peer", peerID, "err", err)
		return
	}

	ctx, cancel := s.queryContext()
	defer cancel()
	peersInfo, err := s.registry.PeersWithInfo(ctx, room)
	if err != nil {
		s.log.Error("enumerate room on accept", "room", room, "err", err)
		return
	}

	others := make([]string, 0, len(peersInfo))
	for id := range peersInfo {
		if id != peerID {
			others = append(others, id)
		}
	}
	sort.Strings(others)

	s.metrics.Inc(metrics.RoomJoinAccepted)
	s.emit(peerID, EventRoomJoinAccept, roomJoinAcceptEvent{
		Room:      room,
		PeerID:    peerID,
		Peers:     others,
		PeersInfo: peersInfo,
		Payload:   payload,
	})
	s.emitGroup(room, peerID, EventRoomUserJoin, roomUserJoinEvent{
		Room:     room,
		PeerID:   peerID,
		Payload:  payload,
		PeerInfo: s.bus.Info(peerID),
	})
}

func (s *Server) onRoomJoinReject(p *peer, data json.RawMessage) {
	var req roomJoinDecision
	_ = json.Unmarshal(data, &req)
	if req.PeerID == "" {
		return
	}

	s.metrics.Inc(metrics.RoomJoinRejected)
	s.emit(req.PeerID, EventRoomJoinReject, roomJoinRejectEvent{
		Room:    req.Room,
		PeerID:  req.PeerID,
		Message: msgOwnerRejected,
		Payload: req.Payload,
	})
}

// Relay handlers forward to an explicit target identity with the sender's own
// identity substituted as peer_id. No room-membership check is performed on
// the target; unreachable targets drop silently.

func (s *Server) onRelayICECandidate(p *peer, data json.RawMessage) {
	var req relayICECandidate
	if err := json.Unmarshal(data, &req); err != nil || req.To == "" {
		return
	}

	s.metrics.Inc(metrics.RelayedCandidate)
	s.emit(req.To, EventICECandidate, iceCandidateEvent{
		PeerID:       p.id,
		ICECandidate: req.ICECandidate,
		Room:         req.Room,
		Payload:      req.Payload,
	})
}

func (s *Server) onRelaySessionDescription(p *peer, data json.RawMessage) {
	var req relaySessionDescription
	if err := json.Unmarshal(data, &req); err != nil || req.To == "" {
		return
	}

	s.metrics.Inc(metrics.RelayedDescription)
	s.emit(req.To, EventSessionDescription, sessionDescriptionEvent{
		PeerID:             p.id,
		SessionDescription: req.SessionDescription,
		Room:               req.Room,
		Payload:            req.Payload,
	})
}

func (s *Server) emit(to string, event EventName, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("marshal event", "event", event, "err", err)
		return
	}
	if err := s.bus.Emit(to, string(event), data); err != nil {
		s.log.Error("emit", "event", event, "to", to, "err", err)
	}
}

func (s *Server) emitGroup(group, except string, event EventName, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("marshal event", "event", event, "err", err)
		return
	}
	if err := s.bus.EmitGroup(group, except, string(event), data); err != nil {
		s.log.Error("emit group", "event", event, "group", group, "err", err)
	}
}
