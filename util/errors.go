// Package util holds the error vocabulary and small page-bookkeeping
// helpers shared across the buffer pool, disk, and index layers.
package util

import "github.com/pkg/errors"

// Sentinel result discriminants recognized by the core. The
// core never panics for control flow: every operation returns one of these
// via a normal error value, checkable with errors.Is. ErrNoSpace is
// internal only — the BTree driver handles it by compacting and splitting,
// and it never escapes to a caller of the Tree API. ErrKeyOutOfRange
// signals a broken invariant in the driver's own composition, not a normal
// outcome.
var (
	ErrNoSpace       = errors.New("fosterbtree: no space")
	ErrDuplicate     = errors.New("fosterbtree: duplicate key")
	ErrNotFound      = errors.New("fosterbtree: not found")
	ErrKeyOutOfRange = errors.New("fosterbtree: key out of range")
	ErrAllocFailure  = errors.New("fosterbtree: allocation failure")
)

// Wrap annotates err with msg, preserving errors.Is/As against the sentinel
// kinds above, the way huynhanx03-go-common's cache helpers wrap driver
// errors with github.com/pkg/errors.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
