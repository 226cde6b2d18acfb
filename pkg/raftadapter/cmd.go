package raftadapter

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"btreekv/pkg/btree"
	"btreekv/pkg/types"
)

// Op is a replicated write.
type Op uint8

const (
	OpSet Op = iota + 1
	OpDelete
	OpIncr
	OpDecr
)

var opNames = map[Op]string{
	OpSet:    "set",
	OpDelete: "delete",
	OpIncr:   "incr",
	OpDecr:   "decr",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

func (o Op) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Op) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for op, name := range opNames {
		if name == s {
			*o = op
			return nil
		}
	}
	return fmt.Errorf("unknown operation %q", s)
}

// Cmd is one raft log entry. The CasTime is minted by the proposing node so
// that every replica stores the same one.
type Cmd struct {
	Op      Op            `json:"op"`
	Key     []byte        `json:"key"`
	Value   []byte        `json:"value,omitempty"`
	Delta   uint64        `json:"delta,omitempty"`
	CasTime types.CasTime `json:"cas_time"`
	ID      uuid.UUID     `json:"id"`
}

func NewCmd(op Op, key, value []byte) Cmd {
	return Cmd{
		Op:    op,
		Key:   key,
		Value: value,
		ID:    uuid.New(),
	}
}

func NewIncrDecrCmd(increment bool, key []byte, delta uint64) Cmd {
	op := OpDecr
	if increment {
		op = OpIncr
	}
	cmd := NewCmd(op, key, nil)
	cmd.Delta = delta
	return cmd
}

// Result is what applying a Cmd produced on the proposing node.
type Result struct {
	CasTime  types.CasTime
	Found    bool
	IncrDecr btree.IncrDecrResult
}
