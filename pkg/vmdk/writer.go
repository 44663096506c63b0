package vmdk

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
)

// writerFile is everything the Writer needs from a destination: positional
// writes, an fsync barrier, and a close. *os.File satisfies it directly.
type writerFile interface {
	io.WriterAt
	Sync() error
	io.Closer
}

// Writer implements the stream-optimized VMDK append-only writer. A
// Writer exclusively owns the destination file handle, the GD+GT slab, the
// current-grain buffer and its deflate stream, and the output sector
// cursor curSP; none of that state is safe to touch from more than one
// goroutine except through CopyDisk, which manages its own synchronization
// around a narrower slice of it.
type Writer struct {
	f        writerFile
	fileName string

	geom            *geometry
	capacitySectors int64
	grainSectors    int64
	numGTEsPerGT    int64
	overHead        int64

	curSP   int64 // next free sector for a payload record
	grainNr int64 // grain currently buffered in cur, or -1 for "none"
	cur     *compressor

	closed  bool
	aborted bool
}

// CreateDisk opens path and returns a Writer ready to receive a disk of
// capacityBytes bytes, compressing grains at the given zlib level.
func CreateDisk(path string, capacityBytes int64, compressionLevel int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, Errorf(ErrIO, "creating %s: %v", path, err)
	}

	w, err := NewWriter(f, filepath.Base(path), capacityBytes, compressionLevel)
	if err != nil {
		f.Close()
		return nil, err
	}

	return w, nil
}

// NewWriter builds a Writer around an already-open destination. fileName
// is embedded in the descriptor's "RW ... SPARSE "<fileName>"" extent
// line and need not match any real filesystem path.
func NewWriter(f writerFile, fileName string, capacityBytes int64, compressionLevel int) (*Writer, error) {
	capacitySectors := sectorsFor(capacityBytes)

	geom, err := newGeometry(capacitySectors, DefaultGrainSectors, DefaultNumGTEsPerGT)
	if err != nil {
		return nil, err
	}

	overHead := int64(headerSectors + descriptorSizeSectors)

	w := &Writer{
		f:               f,
		fileName:        fileName,
		geom:            geom,
		capacitySectors: capacitySectors,
		grainSectors:    DefaultGrainSectors,
		numGTEsPerGT:    DefaultNumGTEsPerGT,
		overHead:        overHead,
		curSP:           overHead,
		grainNr:         -1,
		cur:             newCompressor(DefaultGrainSectors, compressionLevel),
	}

	return w, nil
}

// grainBytes is the full size, in bytes, of one grain (the size of w.cur's
// input buffer), independent of whether a particular grain is the final
// partial one.
func (w *Writer) grainBytes() int64 {
	return w.grainSectors * SectorSize
}

// Pwrite is the single-threaded positional write entry point. It walks
// the grains buf touches, buffering each into the current-grain
// compressor and flushing whenever the write crosses into a new grain.
func (w *Writer) Pwrite(buf []byte, pos int64) (int, error) {
	total := 0
	capacityBytes := w.capacitySectors * SectorSize

	for len(buf) > 0 {
		if pos >= capacityBytes {
			break
		}

		grainNr := pos / w.grainBytes()
		inGrainOff := pos % w.grainBytes()

		if grainNr != w.grainNr {
			if err := w.Flush(); err != nil {
				return total, err
			}
			w.cur.reset(grainNr)
			w.grainNr = grainNr
		}

		if inGrainOff > w.cur.validLen {
			w.cur.fill(inGrainOff)
		}

		room := w.grainBytes() - inGrainOff
		n := int64(len(buf))
		if n > room {
			n = room
		}
		if rem := capacityBytes - pos; n > rem {
			n = rem
		}

		copy(w.cur.input[inGrainOff:inGrainOff+n], buf[:n])
		if end := inGrainOff + n; end > w.cur.validLen {
			w.cur.validLen = end
		}

		buf = buf[n:]
		pos += n
		total += int(n)
	}

	return total, nil
}

// Flush completes the current grain: a no-op if there is no buffered
// grain or it's empty, otherwise zero-pads it to its full meaningful
// length, deflates it unless it turns out to be entirely zero (a hole,
// left as gt[grainNr]==0), and appends the compressed record at curSP.
func (w *Writer) Flush() error {
	if w.grainNr < 0 || w.cur.validLen == 0 {
		return nil
	}

	grainNr := w.grainNr
	gte := w.geom.grainTableEntry(grainNr)
	if *gte != 0 {
		return Errorf(ErrAppendOnly, "grain %d", grainNr)
	}

	expected := w.geom.grainByteLen(grainNr)
	w.cur.fill(expected)

	w.grainNr = -1
	defer w.cur.reset(-1)

	if isZero(w.cur.input[:expected]) {
		return nil
	}

	compressed, err := w.cur.deflate()
	if err != nil {
		return err
	}

	record := buildGrainRecord(grainNr, w.grainSectors, compressed)
	if err := pwriteAt(w.f, record, w.curSP*SectorSize); err != nil {
		return err
	}

	*gte = uint32(w.curSP)
	w.curSP += sectorsFor(int64(len(record)))

	return nil
}

// buildGrainRecord assembles the 12-byte {lba,cmpSize} header in front of
// the compressed payload, zero-padded to a sector boundary.
func buildGrainRecord(grainNr, grainSectors int64, compressed []byte) []byte {
	total := int64(grainMarkerHeaderSize) + int64(len(compressed))
	padded := sectorsFor(total) * SectorSize

	record := make([]byte, padded)
	binary.LittleEndian.PutUint64(record[0:8], uint64(grainNr*grainSectors))
	binary.LittleEndian.PutUint32(record[8:12], uint32(len(compressed)))
	copy(record[grainMarkerHeaderSize:], compressed)

	return record
}

// writeSpecial composes and writes a one-sector special record at curSP
// and advances curSP by one sector. The record layout is
// {val LE64, size LE32, type LE32, pad...}.
func (w *Writer) writeSpecial(markerType uint32, val uint64) error {
	buf := make([]byte, specialMarkerSize)
	binary.LittleEndian.PutUint64(buf[0:8], val)
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	binary.LittleEndian.PutUint32(buf[12:16], markerType)

	if err := pwriteAt(w.f, buf, w.curSP*SectorSize); err != nil {
		return err
	}
	w.curSP++

	return nil
}

// Close finalizes the disk: flush the pending grain, write EOS, write the
// GD+GT index, write the descriptor, and double-write the header. Any
// failure before the second header write aborts the writer.
func (w *Writer) Close() error {
	if w.closed || w.aborted {
		return nil
	}

	if err := w.finalize(); err != nil {
		_ = w.Abort()
		return err
	}

	w.closed = true
	if err := w.f.Close(); err != nil {
		return Errorf(ErrIO, "closing: %v", err)
	}
	return nil
}

func (w *Writer) finalize() error {
	if err := w.Flush(); err != nil {
		return err
	}

	if err := w.writeSpecial(markerEOS, 0); err != nil {
		return err
	}

	// GD+GT are written as a single contiguous slab immediately after
	// the payload, not reserved up front: the stream-optimized format
	// doesn't know the payload's final length until the last grain has
	// been flushed. prefillGD assigns each GT's final sector number; GD
	// itself occupies [gdOffset, gdOffset+gdSectors) and the GTs follow
	// immediately, satisfying the "GD at gdOffset, GTs contiguous
	// immediately after GD" on-disk invariant.
	gdOffset := w.curSP
	w.geom.prefillGD(gdOffset + w.geom.gdSectors)

	if err := pwriteAt(w.f, w.geom.encodeSlab(), gdOffset*SectorSize); err != nil {
		return err
	}
	w.curSP = gdOffset + w.geom.slabSectors()

	cid := generateCID()
	descriptor := buildDescriptor(w.fileName, w.capacitySectors, cid)
	descBuf := make([]byte, descriptorSizeSectors*SectorSize)
	copy(descBuf, descriptor)
	if err := pwriteAt(w.f, descBuf, descriptorOffsetSectors*SectorSize); err != nil {
		return err
	}

	hdr := w.buildHeader(gdOffset)

	hdr.MagicNumber = scrambledMagic
	if err := writeHeaderAt(w.f, hdr); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return Errorf(ErrIO, "fsync after scrambled header: %v", err)
	}

	hdr.MagicNumber = Magic
	if err := writeHeaderAt(w.f, hdr); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return Errorf(ErrIO, "fsync after canonical header: %v", err)
	}

	return nil
}

func (w *Writer) buildHeader(gdOffset int64) *Header {
	hdr := &Header{
		Version:           3,
		Flags:             FlagValidNewlineDetector | FlagCompressed | FlagEmbeddedLBA,
		Capacity:          uint64(w.capacitySectors),
		GrainSize:         uint64(w.grainSectors),
		DescriptorOffset:  descriptorOffsetSectors,
		DescriptorSize:    descriptorSizeSectors,
		NumGTEsPerGT:      uint32(w.numGTEsPerGT),
		RGDOffset:         0,
		GDOffset:          uint64(gdOffset),
		OverHead:          uint64(w.overHead),
		CompressAlgorithm: CompressAlgorithmDeflate,
	}
	hdr.SingleEndLineChar, hdr.NonEndLineChar, hdr.DoubleEndLineChar1, hdr.DoubleEndLineChar2 = newlineSentinel()
	return hdr
}

func writeHeaderAt(f io.WriterAt, hdr *Header) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, hdr); err != nil {
		return Errorf(ErrIO, "encoding header: %v", err)
	}
	return pwriteAt(f, buf.Bytes(), 0)
}

// Abort releases writer-owned resources without further I/O, leaving the
// destination file as-is: partial, and rejected by any future Reader
// because the canonical magic was never written.
func (w *Writer) Abort() error {
	if w.aborted || w.closed {
		return nil
	}
	w.aborted = true
	if err := w.f.Close(); err != nil {
		return Errorf(ErrIO, "closing: %v", err)
	}
	return nil
}
