package btree

import (
	"errors"
	"fmt"

	"btreekv/pkg/dberrors"
)

var (
	ErrCorruptPage   = errors.New("btree: corrupt page")
	ErrValueTooLarge = fmt.Errorf("btree: value too large for node size: %w", dberrors.ErrInvalidArgument)
	ErrBadNodeSize   = errors.New("btree: node size out of range")
	ErrInvariant     = errors.New("btree: invariant violated")
)
