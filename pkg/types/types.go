package types

// Key identifies one addressable item in the shared key space.
type Key uint64

// Timestamp is a per-container logical clock value tagging one
// synchronization epoch.
type Timestamp int64

// NodeID identifies a node in a cluster.
type NodeID string

// KeyRange is a half-open interval [Min, Max) of keys, used to partition
// the key space across server shards. A worker usually holds the whole
// range, a server a segment of it.
type KeyRange struct {
	Min Key `yaml:"min"`
	Max Key `yaml:"max"`
}

// WholeRange covers the entire key space.
func WholeRange() KeyRange {
	return KeyRange{Min: 0, Max: ^Key(0)}
}

func (r KeyRange) Contains(k Key) bool {
	return k >= r.Min && k < r.Max
}

func (r KeyRange) Empty() bool {
	return r.Min >= r.Max
}
