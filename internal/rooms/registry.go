// Package rooms provides the cluster-wide room/peer registry.
//
// A room is never stored as a record: it exists exactly while some connection,
// on any instance, belongs to its member group. The registry therefore only
// exposes enumeration over the cluster bus.
package rooms

import (
	"context"
	"encoding/json"

	"github.com/yazux/wrtc-signal/internal/cluster"
)

// OwnersSuffix names the sub-group holding a room's creators. Its members are
// the only connections eligible to receive join requests.
const OwnersSuffix = "-owners"

// OwnersGroup returns the owners sub-group name for a room.
func OwnersGroup(room string) string {
	return room + OwnersSuffix
}

// Registry answers cluster-wide room membership questions. These are the only
// cluster-crossing reads in the system; each call blocks the one message being
// handled until all reachable instances answered or the bus gather timeout
// elapsed.
type Registry struct {
	bus cluster.Bus
}

func NewRegistry(bus cluster.Bus) *Registry {
	return &Registry{bus: bus}
}

// Peers returns the connection identities that are members of the room,
// cluster-wide.
func (r *Registry) Peers(ctx context.Context, room string) ([]string, error) {
	return r.bus.Peers(ctx, room)
}

// PeersWithInfo returns the room's members with their attached session
// metadata.
func (r *Registry) PeersWithInfo(ctx context.Context, room string) (map[string]json.RawMessage, error) {
	return r.bus.PeersWithInfo(ctx, room)
}

// Exists reports whether the room has at least one member anywhere in the
// cluster.
func (r *Registry) Exists(ctx context.Context, room string) (bool, error) {
	peers, err := r.bus.Peers(ctx, room)
	if err != nil {
		return false, err
	}
	return len(peers) > 0, nil
}
