package cluster

import (
	"encoding/json"
	"sort"
	"sync"
)

// localState tracks the connections owned by one instance: the Conn handles,
// their session metadata, and their group memberships. Both bus
// implementations build on it; only the cross-instance plumbing differs.
type localState struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	info   map[string]json.RawMessage
	groups map[string]map[string]struct{} // group -> member ids
}

func newLocalState() *localState {
	return &localState{
		conns:  make(map[string]Conn),
		info:   make(map[string]json.RawMessage),
		groups: make(map[string]map[string]struct{}),
	}
}

func (s *localState) attach(conn Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[conn.ID()]; ok {
		return ErrDuplicateConnection
	}
	s.conns[conn.ID()] = conn
	return nil
}

func (s *localState) detach(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
	delete(s.info, id)
	for group, members := range s.groups {
		delete(members, id)
		if len(members) == 0 {
			delete(s.groups, group)
		}
	}
}

func (s *localState) setInfo(id string, info json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[id]; !ok {
		return ErrUnknownConnection
	}
	s.info[id] = info
	return nil
}

func (s *localState) local(id string) (Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[id]
	return conn, ok
}

func (s *localState) join(id, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[id]; !ok {
		return ErrUnknownConnection
	}
	members, ok := s.groups[group]
	if !ok {
		members = make(map[string]struct{})
		s.groups[group] = members
	}
	members[id] = struct{}{}
	return nil
}

func (s *localState) leave(id, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[id]; !ok {
		return ErrUnknownConnection
	}
	members, ok := s.groups[group]
	if !ok {
		return nil
	}
	delete(members, id)
	if len(members) == 0 {
		delete(s.groups, group)
	}
	return nil
}

func (s *localState) groupsOf(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for group, members := range s.groups {
		if _, ok := members[id]; ok {
			out = append(out, group)
		}
	}
	sort.Strings(out)
	return out
}

// members returns each local member of the group with its metadata.
func (s *localState) members(group string) map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	for id := range s.groups[group] {
		out[id] = s.info[id]
	}
	return out
}

// groupConns snapshots the Conn handles of the group's local members,
// excluding except. Snapshotting lets callers deliver without holding the
// state lock.
func (s *localState) groupConns(group, except string) []Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Conn
	for id := range s.groups[group] {
		if id == except {
			continue
		}
		if conn, ok := s.conns[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

func (s *localState) infoOf(id string) json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info[id]
}
