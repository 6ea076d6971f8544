package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultGatherTimeout bounds how long a cluster-wide enumeration waits for
	// replies. There is no registry of instances, so the window is the only
	// completion signal.
	DefaultGatherTimeout = 250 * time.Millisecond

	defaultSubjectPrefix = "wrtc-signal"
)

// NATSConfig configures a NATS-backed bus instance.
type NATSConfig struct {
	// SubjectPrefix namespaces all bus subjects. Defaults to "wrtc-signal".
	SubjectPrefix string

	// GatherTimeout bounds Peers/PeersWithInfo fan-out. Defaults to
	// DefaultGatherTimeout.
	GatherTimeout time.Duration

	Logger *slog.Logger
}

// emitEnvelope is the wire shape for addressed and group events.
type emitEnvelope struct {
	Origin string          `json:"origin"`
	To     string          `json:"to,omitempty"`
	Group  string          `json:"group,omitempty"`
	Except string          `json:"except,omitempty"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// serverEnvelope is the wire shape for server-side events.
type serverEnvelope struct {
	Origin string          `json:"origin"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// enumRequest asks every instance for its local members of a group.
type enumRequest struct {
	Group string `json:"group"`
}

// enumReply carries one instance's local members and their metadata.
type enumReply struct {
	Origin string                     `json:"origin"`
	Peers  map[string]json.RawMessage `json:"peers"`
}

// NATSBus is the production Bus implementation. Each instance keeps its own
// connections locally and crosses the cluster over three subjects: addressed
// emits, group broadcasts, and enumeration request/reply.
type NATSBus struct {
	nc    *nats.Conn
	state *localState

	id            string
	prefix        string
	gatherTimeout time.Duration
	log           *slog.Logger

	handlerMu sync.RWMutex
	handlers  map[string]ServerHandler

	subs []*nats.Subscription

	closeOnce sync.Once
	closeErr  error
}

var _ Bus = (*NATSBus)(nil)

// DialNATS connects to the broker and starts a bus instance on it.
func DialNATS(url string, cfg NATSConfig) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("wrtc-signal"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	b, err := NewNATSBus(nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

// NewNATSBus starts a bus instance on an existing connection. The caller keeps
// ownership of nc only until Close, which closes it.
func NewNATSBus(nc *nats.Conn, cfg NATSConfig) (*NATSBus, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaultSubjectPrefix
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = DefaultGatherTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	id := uuid.NewString()
	b := &NATSBus{
		nc:            nc,
		state:         newLocalState(),
		id:            id,
		prefix:        cfg.SubjectPrefix,
		gatherTimeout: cfg.GatherTimeout,
		log:           cfg.Logger.With("component", "cluster_nats", "instance", id),
		handlers:      make(map[string]ServerHandler),
	}

	if err := b.subscribe(); err != nil {
		b.unsubscribeAll()
		return nil, err
	}
	return b, nil
}

// Healthy reports broker connectivity, for readiness probes.
func (b *NATSBus) Healthy() error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("nats not connected (status %v)", b.nc.Status())
	}
	return nil
}

func (b *NATSBus) subject(kind string) string {
	return b.prefix + "." + kind
}

func (b *NATSBus) subscribe() error {
	emitSub, err := b.nc.Subscribe(b.subject("emit"), b.onEmit)
	if err != nil {
		return fmt.Errorf("subscribe emit: %w", err)
	}
	b.subs = append(b.subs, emitSub)

	groupSub, err := b.nc.Subscribe(b.subject("group"), b.onGroupEmit)
	if err != nil {
		return fmt.Errorf("subscribe group: %w", err)
	}
	b.subs = append(b.subs, groupSub)

	enumSub, err := b.nc.Subscribe(b.subject("enum"), b.onEnum)
	if err != nil {
		return fmt.Errorf("subscribe enum: %w", err)
	}
	b.subs = append(b.subs, enumSub)

	serverSub, err := b.nc.Subscribe(b.subject("server"), b.onServer)
	if err != nil {
		return fmt.Errorf("subscribe server: %w", err)
	}
	b.subs = append(b.subs, serverSub)

	return nil
}

func (b *NATSBus) onEmit(msg *nats.Msg) {
	var env emitEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.log.Warn("malformed emit envelope", "err", err)
		return
	}
	if env.Origin == b.id {
		return
	}
	if conn, ok := b.state.local(env.To); ok {
		conn.Deliver(env.Event, env.Data)
	}
}

func (b *NATSBus) onGroupEmit(msg *nats.Msg) {
	var env emitEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.log.Warn("malformed group envelope", "err", err)
		return
	}
	if env.Origin == b.id {
		return
	}
	for _, conn := range b.state.groupConns(env.Group, env.Except) {
		conn.Deliver(env.Event, env.Data)
	}
}

func (b *NATSBus) onEnum(msg *nats.Msg) {
	var req enumRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.log.Warn("malformed enum request", "err", err)
		return
	}
	reply, err := json.Marshal(enumReply{
		Origin: b.id,
		Peers:  b.state.members(req.Group),
	})
	if err != nil {
		return
	}
	if err := msg.Respond(reply); err != nil {
		b.log.Warn("enum respond failed", "err", err)
	}
}

func (b *NATSBus) onServer(msg *nats.Msg) {
	var env serverEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.log.Warn("malformed server envelope", "err", err)
		return
	}
	if env.Origin == b.id {
		return
	}
	b.handlerMu.RLock()
	fn := b.handlers[env.Event]
	b.handlerMu.RUnlock()
	if fn != nil {
		fn(env.Data)
	}
}

func (b *NATSBus) Attach(conn Conn) error { return b.state.attach(conn) }

func (b *NATSBus) Detach(id string) { b.state.detach(id) }

func (b *NATSBus) SetInfo(id string, info json.RawMessage) error {
	return b.state.setInfo(id, info)
}

func (b *NATSBus) Info(id string) json.RawMessage { return b.state.infoOf(id) }

func (b *NATSBus) Local(id string) (Conn, bool) { return b.state.local(id) }

func (b *NATSBus) Join(id, group string) error { return b.state.join(id, group) }

func (b *NATSBus) Leave(id, group string) error { return b.state.leave(id, group) }

func (b *NATSBus) Groups(id string) []string { return b.state.groupsOf(id) }

func (b *NATSBus) Emit(id, event string, data json.RawMessage) error {
	// Fast path: the target lives on this instance.
	if conn, ok := b.state.local(id); ok {
		conn.Deliver(event, data)
		return nil
	}
	payload, err := json.Marshal(emitEnvelope{
		Origin: b.id,
		To:     id,
		Event:  event,
		Data:   data,
	})
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subject("emit"), payload)
}

func (b *NATSBus) EmitGroup(group, except, event string, data json.RawMessage) error {
	for _, conn := range b.state.groupConns(group, except) {
		conn.Deliver(event, data)
	}
	payload, err := json.Marshal(emitEnvelope{
		Origin: b.id,
		Group:  group,
		Except: except,
		Event:  event,
		Data:   data,
	})
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subject("group"), payload)
}

func (b *NATSBus) Peers(ctx context.Context, group string) ([]string, error) {
	merged, err := b.gather(ctx, group)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(merged))
	for id := range merged {
		out = append(out, id)
	}
	return out, nil
}

func (b *NATSBus) PeersWithInfo(ctx context.Context, group string) (map[string]json.RawMessage, error) {
	return b.gather(ctx, group)
}

// gather scatter-gathers the group's members from every instance. Replies are
// collected until the gather window closes; the window is the completion
// signal, since the set of live instances is unknown.
func (b *NATSBus) gather(ctx context.Context, group string) (map[string]json.RawMessage, error) {
	req, err := json.Marshal(enumRequest{Group: group})
	if err != nil {
		return nil, err
	}

	inbox := b.nc.NewRespInbox()
	sub, err := b.nc.SubscribeSync(inbox)
	if err != nil {
		return nil, fmt.Errorf("subscribe gather inbox: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := b.nc.PublishRequest(b.subject("enum"), inbox, req); err != nil {
		return nil, fmt.Errorf("publish enum request: %w", err)
	}

	merged := b.state.members(group)
	deadline := time.Now().Add(b.gatherTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return merged, nil
		}
		msg, err := sub.NextMsg(remaining)
		if errors.Is(err, nats.ErrTimeout) {
			return merged, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return merged, ctx.Err()
			}
			return nil, fmt.Errorf("gather replies: %w", err)
		}

		var reply enumReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			b.log.Warn("malformed enum reply", "err", err)
			continue
		}
		if reply.Origin == b.id {
			continue
		}
		for id, info := range reply.Peers {
			merged[id] = info
		}
	}
}

func (b *NATSBus) OnServerEvent(event string, fn ServerHandler) {
	b.handlerMu.Lock()
	b.handlers[event] = fn
	b.handlerMu.Unlock()
}

func (b *NATSBus) ServerEmit(event string, data json.RawMessage) error {
	payload, err := json.Marshal(serverEnvelope{
		Origin: b.id,
		Event:  event,
		Data:   data,
	})
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subject("server"), payload)
}

func (b *NATSBus) Close() error {
	b.closeOnce.Do(func() {
		b.unsubscribeAll()
		b.closeErr = b.nc.Drain()
	})
	return b.closeErr
}

func (b *NATSBus) unsubscribeAll() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
}
