package btree

import (
	"context"

	"btreekv/pkg/codec"
	"btreekv/pkg/types"
)

// IncrDecrStatus is the outcome of an IncrDecr call.
type IncrDecrStatus uint8

const (
	IncrDecrSuccess IncrDecrStatus = iota
	IncrDecrNotFound
	IncrDecrNotANumber
)

func (s IncrDecrStatus) String() string {
	switch s {
	case IncrDecrSuccess:
		return "success"
	case IncrDecrNotFound:
		return "not_found"
	case IncrDecrNotANumber:
		return "not_a_number"
	}
	return "unknown"
}

// IncrDecrResult carries the new value and CasTime on success.
type IncrDecrResult struct {
	Status  IncrDecrStatus
	Value   uint64
	CasTime types.CasTime
}

// IncrDecr adds delta to, or subtracts it from, the unsigned decimal stored under key.
// Increments wrap around 2^64, decrements stop at zero. A missing key or a value that
// is not a canonical decimal leaves the tree untouched and is reported in the result
// status; the returned error is for cancellation, bad keys and page write failures.
//
// The value is read, parsed and rewritten under one leaf write lock, so concurrent
// calls on a key never lose an update.
func (s *Slice) IncrDecr(ctx context.Context, key []byte, increment bool, delta uint64, ct types.CasTime) (IncrDecrResult, error) {
	if err := s.validateKey(key); err != nil {
		return IncrDecrResult{}, err
	}

	var res IncrDecrResult
	err := s.write(ctx, key, opUpsert, func(d *descent, g *nodeGuard, pessimistic bool) bool {
		leaf := g.node()
		i, found := leaf.Lookup(key)
		if !found {
			res = IncrDecrResult{Status: IncrDecrNotFound}
			return false
		}
		old, ok := codec.ParseUint64(leaf.entries[i].Value)
		if !ok {
			res = IncrDecrResult{Status: IncrDecrNotANumber}
			return false
		}

		v := applyDelta(old, increment, delta)
		value := codec.FormatUint64(v)
		if !pessimistic && s.needsRebalance(g, leaf.sizeAfterPut(key, value)) {
			return true
		}

		leaf.InsertOrReplace(key, value, ct, s.capacity)
		d.markDirty(g.ref)
		d.record(Mutation{Op: MutationSet, Key: key, Value: value, CasTime: ct})
		res = IncrDecrResult{Status: IncrDecrSuccess, Value: v, CasTime: ct}
		return false
	})
	if err != nil {
		return IncrDecrResult{}, err
	}
	return res, nil
}

func applyDelta(v uint64, increment bool, delta uint64) uint64 {
	if increment {
		return v + delta
	}
	if delta >= v {
		return 0
	}
	return v - delta
}
