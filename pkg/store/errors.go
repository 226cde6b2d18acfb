package store

import (
	"errors"
	"fmt"

	"btreekv/pkg/dberrors"
)

var (
	ErrWALNotInitialized     = errors.New("WAL not initialized")
	ErrValueTypeNotSupported = fmt.Errorf("value type not supported: %w", dberrors.ErrInvalidArgument)
	ErrLayoutMismatch        = errors.New("data dir layout mismatch")
	ErrClosed                = fmt.Errorf("store: %w", dberrors.ErrClosed)
)
