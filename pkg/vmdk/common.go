// Package vmdk implements a codec for the VMware stream-optimized sparse
// VMDK container: an append-only, grain-indexed, per-grain-deflated disk
// image format.
package vmdk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic is the canonical header magic number, 'V','M','D','K' read
	// most-significant byte first. It is stored little-endian, so a file's
	// first four bytes are 'K','D','M','V'.
	Magic = 0x564d444b

	// scrambledMagic is Magic with every byte's 0x20 bit flipped, i.e. the
	// lowercase spelling ('k','d','m','v' on disk). It is written first during close() so a
	// crash between the two header writes leaves an unambiguously invalid
	// file.
	scrambledMagic = Magic ^ 0x20202020

	// SectorSize is the fixed on-disk sector size in bytes.
	SectorSize = 0x200

	// maxVersion is the highest header version this codec will open or
	// produce.
	maxVersion = 3

	// MaxGrainSectors and MinGrainSectors bound the legal grainSize field
	// (power of two, sectors).
	MaxGrainSectors = 128
	MinGrainSectors = 1

	// MinGTEsPerGT is the smallest legal numGTEsPerGT: a grain table must
	// occupy at least one sector of 4-byte entries.
	MinGTEsPerGT = SectorSize / 4

	// gtEntrySize is the width of one grain table / grain directory entry.
	gtEntrySize = 4

	// CompressAlgorithmDeflate is the only CompressAlgorithm value this
	// codec accepts or emits.
	CompressAlgorithmDeflate = 1

	// grainMarkerHeaderSize is the size of the 12-byte {lba,cmpSize}
	// header written before every compressed grain record when
	// FlagEmbeddedLBA is set.
	grainMarkerHeaderSize = 12

	// legacyGrainHeaderSize is the size of the 4-byte {cmpSize} header
	// used when FlagEmbeddedLBA is not set (reader-only legacy path).
	legacyGrainHeaderSize = 4

	// specialMarkerSize is the fixed size of a one-sector special record
	// (EOS, grain table, grain directory, footer markers).
	specialMarkerSize = SectorSize

	// DefaultGrainSectors is the grain size (in sectors) this codec uses
	// when creating a disk: 128 sectors, 64KiB.
	DefaultGrainSectors = 128

	// DefaultNumGTEsPerGT is the grain-table width this codec uses when
	// creating a disk.
	DefaultNumGTEsPerGT = 512

	// headerSectors is the fixed one-sector size of the extent header.
	headerSectors = 1

	// descriptorOffsetSectors is the fixed sector at which the embedded
	// descriptor begins, immediately after the header.
	descriptorOffsetSectors = headerSectors
)

// Flags, bit-assignments for Header.Flags.
const (
	FlagValidNewlineDetector uint32 = 1 << 0
	FlagCompressed           uint32 = 1 << 16
	FlagEmbeddedLBA          uint32 = 1 << 17

	// knownFlags is the set of flag bits this codec understands. Any
	// other bit set in a header being opened is an unknown incompat flag
	// and is rejected.
	knownFlags = FlagValidNewlineDetector | FlagCompressed | FlagEmbeddedLBA
)

// Special marker types, written in the one-sector records that separate
// the payload stream from the trailing index.
const (
	markerEOS            uint32 = 0
	markerGrainTable     uint32 = 1
	markerGrainDirectory uint32 = 2
	markerFooter         uint32 = 3
)

// Header is the fixed-size, little-endian, on-disk extent header. Field
// offsets are documented because the wire format has no padding between
// them; encoding/binary writes/reads every field in declared order with
// its natural size, so the struct itself is the layout.
type Header struct {
	MagicNumber        uint32   // 0
	Version            uint32   // 4
	Flags              uint32   // 8
	Capacity           uint64   // 12
	GrainSize          uint64   // 20
	DescriptorOffset   uint64   // 28
	DescriptorSize     uint64   // 36
	NumGTEsPerGT       uint32   // 44
	RGDOffset          uint64   // 48
	GDOffset           uint64   // 56
	OverHead           uint64   // 64
	UncleanShutdown    byte     // 72
	SingleEndLineChar  byte     // 73
	NonEndLineChar     byte     // 74
	DoubleEndLineChar1 byte     // 75
	DoubleEndLineChar2 byte     // 76
	CompressAlgorithm  uint16   // 77
	Pad                [433]uint8
}

// newlineSentinel returns the four bytes the format uses to detect
// text-mode (CRLF-mangling) corruption of the header.
func newlineSentinel() (single, nonEnd, double1, double2 byte) {
	return '\n', ' ', '\r', '\n'
}

// readHeader reads and validates the header at the start of r. It does not
// derive geometry; callers combine it with newGeometry() (geometry.go).
func readHeader(r io.ReaderAt) (*Header, error) {
	buf := make([]byte, SectorSize)
	if err := preadAt(r, buf, 0); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	hdr := new(Header)
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, hdr); err != nil {
		return nil, Errorf(ErrFormat, "decoding header: %v", err)
	}

	if err := validateHeader(hdr); err != nil {
		return nil, err
	}

	return hdr, nil
}

func validateHeader(hdr *Header) error {
	switch hdr.MagicNumber {
	case Magic:
	case scrambledMagic:
		return fmt.Errorf("%w: header was never finalized (scrambled magic present)", ErrFormat)
	default:
		return fmt.Errorf("%w: bad magic number 0x%08x", ErrFormat, hdr.MagicNumber)
	}

	if hdr.Version == 0 || hdr.Version > maxVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrFormat, hdr.Version)
	}

	if hdr.Flags&^knownFlags != 0 {
		return fmt.Errorf("%w: unknown incompat flag bits 0x%x", ErrFormat, hdr.Flags&^knownFlags)
	}

	if hdr.Flags&FlagEmbeddedLBA != 0 && hdr.Flags&FlagCompressed == 0 {
		return fmt.Errorf("%w: EMBEDDED_LBA set without COMPRESSED", ErrFormat)
	}

	if hdr.Flags&FlagValidNewlineDetector != 0 {
		single, nonEnd, double1, double2 := newlineSentinel()
		if hdr.SingleEndLineChar != single || hdr.NonEndLineChar != nonEnd ||
			hdr.DoubleEndLineChar1 != double1 || hdr.DoubleEndLineChar2 != double2 {
			return fmt.Errorf("%w: newline sentinel mismatch", ErrFormat)
		}
	}

	if !isPowerOfTwo(hdr.GrainSize) || hdr.GrainSize < MinGrainSectors || hdr.GrainSize > MaxGrainSectors {
		return fmt.Errorf("%w: grainSize %d not a power of two in [%d,%d]", ErrGeometry, hdr.GrainSize, MinGrainSectors, MaxGrainSectors)
	}

	if !isPowerOfTwo(uint64(hdr.NumGTEsPerGT)) || hdr.NumGTEsPerGT < MinGTEsPerGT {
		return fmt.Errorf("%w: numGTEsPerGT %d not a power of two >= %d", ErrGeometry, hdr.NumGTEsPerGT, MinGTEsPerGT)
	}

	if hdr.Flags&FlagCompressed != 0 && hdr.CompressAlgorithm != CompressAlgorithmDeflate {
		return fmt.Errorf("%w: unsupported compressAlgorithm %d", ErrFormat, hdr.CompressAlgorithm)
	}

	return nil
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// isZero reports whether buf is entirely zero. It checks 8 bytes at a
// time over the aligned prefix rather than byte-by-byte; a trailing
// remainder shorter than 8 bytes (e.g. an unaligned tail grain) is
// checked one byte at a time.
func isZero(buf []byte) bool {
	n := len(buf) - len(buf)%8
	for i := 0; i < n; i += 8 {
		if binary.LittleEndian.Uint64(buf[i:i+8]) != 0 {
			return false
		}
	}
	for _, b := range buf[n:] {
		if b != 0 {
			return false
		}
	}
	return true
}

// pwriteAt performs a positional write and fails on any short write.
func pwriteAt(w io.WriterAt, buf []byte, off int64) error {
	n, err := w.WriteAt(buf, off)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: short write (%d of %d bytes): disk full?", ErrIO, n, len(buf))
	}
	return nil
}

// preadAt performs a positional read and fails on any short read.
func preadAt(r io.ReaderAt, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: short read (%d of %d bytes)", ErrIO, n, len(buf))
	}
	return nil
}

// sectorsFor rounds byteLen up to a whole number of sectors.
func sectorsFor(byteLen int64) int64 {
	return (byteLen + SectorSize - 1) / SectorSize
}

// ceilDiv divides a by b rounding up, for positive a, b.
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
