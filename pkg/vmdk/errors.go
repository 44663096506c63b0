package vmdk

import (
	"errors"
	"fmt"
)

// Sentinel error kinds, matched with errors.Is. Concrete errors returned by
// the codec wrap one of these with fmt.Errorf("...: %w", ...) so callers
// can classify a failure without string matching.
var (
	// ErrIO covers any read/write/fsync/open/close failure at the OS
	// level, including short reads and short writes.
	ErrIO = errors.New("vmdk: i/o error")

	// ErrFormat covers header magic mismatch, newline-sentinel mismatch,
	// unsupported version, unknown incompat flags, and illegal flag
	// combinations.
	ErrFormat = errors.New("vmdk: format error")

	// ErrGeometry covers an illegal grainSize or numGTEsPerGT.
	ErrGeometry = errors.New("vmdk: geometry error")

	// ErrIntegrity covers embedded-LBA mismatches, an out-of-bound
	// cmpSize, or an inflate that doesn't terminate cleanly or doesn't
	// produce enough bytes.
	ErrIntegrity = errors.New("vmdk: integrity error")

	// ErrAppendOnly is returned when a caller attempts to write into a
	// grain that has already been flushed to disk.
	ErrAppendOnly = errors.New("vmdk: cannot update already written grain")

	// ErrNoData is returned by Reader.NextData when there is no
	// allocated grain at or after the requested position.
	ErrNoData = errors.New("vmdk: no such data")
)

// Errorf wraps a sentinel error kind with a formatted message, preserving
// errors.Is(err, kind).
func Errorf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{kind}, args...)...)
}
