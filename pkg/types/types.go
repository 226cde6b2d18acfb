package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN orders journal entries and checkpoints.
type SeqN = uint64

// CasTime is the compare-and-swap token plus logical timestamp attached to every stored entry.
// It is minted by the caller; the storage core stores what was given and returns what is stored.
type CasTime struct {
	Cas       uint64 `json:"cas"`
	Timestamp uint64 `json:"timestamp"`
}

// ShardID identifies a slice (one independent B-tree).
type ShardID uint32

// NodeID identifies a node in a cluster.
type NodeID string

// Item is a stored value together with its CasTime.
type Item struct {
	Value   Value   `json:"value"`
	CasTime CasTime `json:"cas_time"`
}
