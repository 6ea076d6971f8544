// Package cluster abstracts the shared pub/sub transport that lets every
// server instance broadcast events to, and enumerate, connections attached to
// any instance in the cluster.
//
// Group membership is owned entirely by the bus: the signaling layer never
// keeps its own cross-instance copy and re-queries the bus whenever it needs a
// cluster-wide view.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrUnknownConnection   = errors.New("cluster: unknown connection")
	ErrDuplicateConnection = errors.New("cluster: connection already attached")
)

// Conn is the bus-facing side of one client connection. Deliver may be called
// from any goroutine; implementations serialize their own writes.
type Conn interface {
	ID() string
	Deliver(event string, data json.RawMessage)
}

// ServerHandler receives server-side events rebroadcast across instances.
type ServerHandler func(data json.RawMessage)

// Bus is one instance's handle on the cluster transport.
//
// Attach/Detach/SetInfo/Join/Leave act on connections owned by this instance.
// Emit and EmitGroup reach connections anywhere in the cluster. Peers and
// PeersWithInfo are the cluster-crossing reads: they block until every
// reachable instance has answered or the transport's gather timeout elapses.
type Bus interface {
	// Attach registers a locally connected Conn with the bus.
	Attach(conn Conn) error

	// Detach removes a local connection and all of its group memberships.
	Detach(id string)

	// SetInfo attaches opaque session metadata to a local connection.
	SetInfo(id string, info json.RawMessage) error

	// Info returns the metadata attached to a local connection, nil when none
	// was set or the connection lives elsewhere.
	Info(id string) json.RawMessage

	// Local returns the connection if it is attached to this instance.
	Local(id string) (Conn, bool)

	// Join adds a local connection to a named group.
	Join(id, group string) error

	// Leave removes a local connection from a named group.
	Leave(id, group string) error

	// Groups returns the groups a local connection currently belongs to.
	Groups(id string) []string

	// Emit delivers an event to the addressed connection, wherever in the
	// cluster it lives. Unknown targets are silently dropped.
	Emit(id, event string, data json.RawMessage) error

	// EmitGroup delivers an event to every member of a group cluster-wide,
	// excluding the connection identified by except (if any).
	EmitGroup(group, except, event string, data json.RawMessage) error

	// Peers enumerates the connection identities that are members of the group
	// across all instances.
	Peers(ctx context.Context, group string) ([]string, error)

	// PeersWithInfo is Peers plus each member's attached session metadata.
	PeersWithInfo(ctx context.Context, group string) (map[string]json.RawMessage, error)

	// OnServerEvent registers a handler for a named server-side event. It must
	// be called before the bus starts receiving traffic.
	OnServerEvent(event string, fn ServerHandler)

	// ServerEmit invokes the named server-side handler on every other instance
	// in the cluster. The calling instance is expected to have handled the
	// event locally already.
	ServerEmit(event string, data json.RawMessage) error

	Close() error
}
