package vmdk

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterRoundTripSingleGrainWrite(t *testing.T) {
	grainBytes := int64(DefaultGrainSectors * SectorSize)
	capacity := grainBytes * 3

	f := newMemFile(0)
	w, err := NewWriter(f, "disk.vmdk", capacity, 6)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x42}, int(grainBytes))
	n, err := w.Pwrite(payload, grainBytes) // the second grain only
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	require.NoError(t, w.Close())

	r, err := NewReader(f)
	require.NoError(t, err)

	got := make([]byte, grainBytes)

	_, err = r.Pread(got, 0)
	require.NoError(t, err)
	assert.True(t, isZero(got), "untouched leading grain should read back as zero")

	_, err = r.Pread(got, grainBytes)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = r.Pread(got, 2*grainBytes)
	require.NoError(t, err)
	assert.True(t, isZero(got), "untouched trailing grain should read back as zero")
}

func TestWriterHoleGrainLeavesGTEZero(t *testing.T) {
	grainBytes := int64(DefaultGrainSectors * SectorSize)

	f := newMemFile(0)
	w, err := NewWriter(f, "disk.vmdk", grainBytes, 6)
	require.NoError(t, err)

	_, err = w.Pwrite(make([]byte, grainBytes), 0) // all-zero: a hole
	require.NoError(t, err)

	require.NoError(t, w.Flush())
	assert.Equal(t, uint32(0), *w.geom.grainTableEntry(0), "an all-zero grain must never be allocated a sector")

	require.NoError(t, w.Close())
}

func TestWriterPartialGrainFillsRestWithZero(t *testing.T) {
	grainBytes := int64(DefaultGrainSectors * SectorSize)

	f := newMemFile(0)
	w, err := NewWriter(f, "disk.vmdk", grainBytes, 6)
	require.NoError(t, err)

	partial := bytes.Repeat([]byte{0x7a}, 100)
	_, err = w.Pwrite(partial, 0)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewReader(f)
	require.NoError(t, err)

	got := make([]byte, grainBytes)
	_, err = r.Pread(got, 0)
	require.NoError(t, err)

	assert.Equal(t, partial, got[:100])
	assert.True(t, isZero(got[100:]))
}

func TestWriterAppendOnlyViolation(t *testing.T) {
	grainBytes := int64(DefaultGrainSectors * SectorSize)

	f := newMemFile(0)
	w, err := NewWriter(f, "disk.vmdk", grainBytes*2, 6)
	require.NoError(t, err)

	_, err = w.Pwrite(bytes.Repeat([]byte{1}, int(grainBytes)), 0)
	require.NoError(t, err)

	// Force the first grain to be flushed by moving on to the next one,
	// then try to touch the first grain again.
	_, err = w.Pwrite([]byte{2}, grainBytes)
	require.NoError(t, err)

	_, err = w.Pwrite([]byte{3}, 0)
	require.NoError(t, err)

	err = w.Flush()
	assert.ErrorIs(t, err, ErrAppendOnly)
}

func TestWriterCapacityClipsFinalWrite(t *testing.T) {
	grainBytes := int64(DefaultGrainSectors * SectorSize)
	capacity := grainBytes + 100*SectorSize // tail grain covers 100 sectors

	f := newMemFile(0)
	w, err := NewWriter(f, "disk.vmdk", capacity, 6)
	require.NoError(t, err)

	n, err := w.Pwrite(bytes.Repeat([]byte{9}, int(grainBytes)), grainBytes)
	require.NoError(t, err)
	assert.Equal(t, int(100*SectorSize), n, "a write past capacity should be clipped")

	n, err = w.Pwrite([]byte{9}, capacity)
	require.NoError(t, err)
	assert.Zero(t, n, "a write entirely past capacity writes nothing")
}

func TestWriterCloseDoubleHeaderWrite(t *testing.T) {
	grainBytes := int64(DefaultGrainSectors * SectorSize)

	f := newMemFile(0)
	w, err := NewWriter(f, "disk.vmdk", grainBytes, 6)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	hdr, err := readHeader(f)
	require.NoError(t, err)
	assert.Equal(t, uint32(Magic), hdr.MagicNumber, "the canonical magic must be the one left standing after close")
}

func TestWriterAbortLeavesFileUnfinalized(t *testing.T) {
	grainBytes := int64(DefaultGrainSectors * SectorSize)

	f := newMemFile(0)
	w, err := NewWriter(f, "disk.vmdk", grainBytes, 6)
	require.NoError(t, err)

	require.NoError(t, w.Abort())
	assert.True(t, f.closed)

	_, err = NewReader(f)
	assert.Error(t, err, "an aborted disk must never validate as a finished one")
}

func TestWriterScrambledMagicIsNeverLeftStanding(t *testing.T) {
	grainBytes := int64(DefaultGrainSectors * SectorSize)

	f := newMemFile(0)
	w, err := NewWriter(f, "disk.vmdk", grainBytes, 6)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw := f.bytes()
	magic := raw[0:4]
	got := uint32(magic[0]) | uint32(magic[1])<<8 | uint32(magic[2])<<16 | uint32(magic[3])<<24
	assert.NotEqual(t, uint32(scrambledMagic), got)
}
