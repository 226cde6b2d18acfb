package store

import (
	"sync"
	"sync/atomic"

	"btreekv/pkg/btree"
	"btreekv/pkg/types"
	"btreekv/pkg/wal"
)

// walJournal turns committed slice mutations into WAL entries. It stays
// disabled while the WAL itself is being replayed.
type walJournal struct {
	wal     *wal.WAL
	enabled atomic.Bool

	mu  sync.Mutex
	err error
}

func (j *walJournal) Record(shard types.ShardID, m btree.Mutation) {
	if !j.enabled.Load() {
		return
	}

	e := wal.Entry{
		Shard:   shard,
		Key:     m.Key,
		Value:   m.Value,
		CasTime: m.CasTime,
	}
	switch m.Op {
	case btree.MutationSet:
		e.Op = wal.OpSet
	case btree.MutationDelete:
		e.Op = wal.OpDelete
	}

	if _, err := j.wal.Append(e); err != nil {
		j.mu.Lock()
		if j.err == nil {
			j.err = err
		}
		j.mu.Unlock()
	}
}

// Err returns the first append or write failure. Once set, the in-memory state
// is ahead of the log and every later write reports it.
func (j *walJournal) Err() error {
	j.mu.Lock()
	err := j.err
	j.mu.Unlock()
	if err != nil {
		return err
	}
	return j.wal.Err()
}
