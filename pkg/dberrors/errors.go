// Package dberrors holds the error classes shared across packages. Package
// level sentinels wrap them so callers at the edge can test with errors.Is.
package dberrors

import "errors"

var (
	ErrClosed          = errors.New("btreekv: closed")
	ErrInvalidArgument = errors.New("btreekv: invalid argument")
)
