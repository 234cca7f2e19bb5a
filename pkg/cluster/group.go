package cluster

import (
	"sync"

	"pssync/pkg/types"
)

// Group is a named, possibly-dynamic set of node identities a request
// must collectively acknowledge. Members returns a snapshot; a request
// registered against one snapshot is unaffected by later membership
// changes.
type Group interface {
	Name() string
	Members() []types.NodeID
}

// StaticGroup is a fixed membership list, typically read from config.
type StaticGroup struct {
	name    string
	members []types.NodeID
}

func NewStaticGroup(name string, members []types.NodeID) *StaticGroup {
	return &StaticGroup{name: name, members: members}
}

func (g *StaticGroup) Name() string { return g.name }

func (g *StaticGroup) Members() []types.NodeID {
	out := make([]types.NodeID, len(g.members))
	copy(out, g.members)
	return out
}

// DynamicGroup is a membership list that an external watcher (e.g. the
// ZooKeeper registry) replaces wholesale as nodes come and go.
type DynamicGroup struct {
	name string

	mu      sync.RWMutex
	members []types.NodeID
}

func NewDynamicGroup(name string) *DynamicGroup {
	return &DynamicGroup{name: name}
}

func (g *DynamicGroup) Name() string { return g.name }

func (g *DynamicGroup) Members() []types.NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]types.NodeID, len(g.members))
	copy(out, g.members)
	return out
}

// Update replaces the membership. Takes effect for requests issued after
// the call; in-flight requests keep their snapshot.
func (g *DynamicGroup) Update(members []types.NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = make([]types.NodeID, len(members))
	copy(g.members, members)
}
