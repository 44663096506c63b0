package vmdk

import (
	"encoding/binary"
	"os"
)

// readerFile is everything the Reader needs from a source: positional
// reads and a close. *os.File satisfies it directly.
type readerFile interface {
	ReadAt(p []byte, off int64) (int, error)
	Close() error
}

// Reader implements random-access, transparently-decompressing reads of a
// sparse VMDK (§4.6). It supports both the stream-optimized,
// EMBEDDED_LBA-compressed layout this package's Writer produces and the
// legacy uncompressed sparse layout (§4.6's "else" branch), since nothing
// about random-access reading is specific to compression.
type Reader struct {
	f readerFile

	hdr          *Header
	geom         *geometry
	grainSectors int64
	numGTEsPerGT int64

	compressed  bool
	embeddedLBA bool

	capacityBytes int64
	grainBytes    int64
	maxRecordLen  int64 // sanity bound on a compressed grain record's length

	inf *inflator
}

// OpenDisk opens path and validates it as a sparse VMDK (§6
// "open_disk(path) -> reader").
func OpenDisk(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Errorf(ErrIO, "opening %s: %v", path, err)
	}

	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return r, nil
}

// NewReader validates the header of an already-open source, loads the
// grain directory and grain tables (coalescing adjacent GT reads), and
// returns a Reader ready for random access.
func NewReader(f readerFile) (*Reader, error) {
	hdr, err := readHeader(f)
	if err != nil {
		return nil, err
	}

	geom, err := newGeometry(int64(hdr.Capacity), int64(hdr.GrainSize), int64(hdr.NumGTEsPerGT))
	if err != nil {
		return nil, err
	}

	r := &Reader{
		f:             f,
		hdr:           hdr,
		geom:          geom,
		grainSectors:  int64(hdr.GrainSize),
		numGTEsPerGT:  int64(hdr.NumGTEsPerGT),
		compressed:    hdr.Flags&FlagCompressed != 0,
		embeddedLBA:   hdr.Flags&FlagEmbeddedLBA != 0,
		capacityBytes: int64(hdr.Capacity) * SectorSize,
		grainBytes:    int64(hdr.GrainSize) * SectorSize,
	}
	r.maxRecordLen = zlibBound(r.grainBytes) + grainMarkerHeaderSize

	if hdr.GDOffset != 0 {
		gdBuf := make([]byte, geom.gdSectors*SectorSize)
		if err := preadAt(f, gdBuf, int64(hdr.GDOffset)*SectorSize); err != nil {
			return nil, err
		}
		for i := int64(0); i < geom.gts; i++ {
			geom.gd[i] = binary.LittleEndian.Uint32(gdBuf[i*gtEntrySize:])
		}
	}

	if err := r.loadGrainTables(); err != nil {
		return nil, err
	}

	if r.compressed {
		r.inf = newInflator(r.grainBytes)
	}

	return r, nil
}

// gtReadRun is a pending, possibly-coalesced positional read of one or
// more adjacent grain tables.
type gtReadRun struct {
	fileOff int64 // byte offset in the file
	destIdx int64 // index into geom.gt (in uint32 entries)
	sectors int64 // length of the run, in sectors
}

// loadGrainTables reads every allocated grain table, coalescing a read
// with the previous one whenever its file offset immediately follows the
// previous read's and its destination immediately follows the previous
// destination (§4.6 "coalesced with the previous request"), collapsing
// O(GTs) positional reads down to the number of discontinuous GT runs.
func (r *Reader) loadGrainTables() error {
	var run *gtReadRun

	flush := func() error {
		if run == nil {
			return nil
		}
		buf := make([]byte, run.sectors*SectorSize)
		if err := preadAt(r.f, buf, run.fileOff); err != nil {
			return err
		}
		for i := int64(0); i < run.sectors*SectorSize/gtEntrySize; i++ {
			r.geom.gt[run.destIdx+i] = binary.LittleEndian.Uint32(buf[i*gtEntrySize:])
		}
		run = nil
		return nil
	}

	for i := int64(0); i < r.geom.gts; i++ {
		gtSector := int64(r.geom.gd[i])
		if gtSector == 0 {
			// GT not allocated: legal only when every grain it would
			// cover is a hole, which is already reflected by the zeroed
			// slab.
			if err := flush(); err != nil {
				return err
			}
			continue
		}

		fileOff := gtSector * SectorSize
		destIdx := i * r.numGTEsPerGT

		if run != nil &&
			fileOff == run.fileOff+run.sectors*SectorSize &&
			destIdx == run.destIdx+run.sectors*SectorSize/gtEntrySize {
			run.sectors += r.geom.gtSectors
			continue
		}

		if err := flush(); err != nil {
			return err
		}
		run = &gtReadRun{fileOff: fileOff, destIdx: destIdx, sectors: r.geom.gtSectors}
	}

	return flush()
}

// Capacity returns the disk's logical size in bytes.
func (r *Reader) Capacity() int64 {
	return r.capacityBytes
}

// Pread implements random-access reads (§4.6 pread()): for every grain the
// request touches, it looks up the grain's sector, decompresses the
// record if necessary, and copies the requested slice, returning zeros for
// holes and explicit-zero grains.
func (r *Reader) Pread(buf []byte, pos int64) (int, error) {
	total := 0

	for len(buf) > 0 && pos < r.capacityBytes {
		grainNr := pos / r.grainBytes
		if grainNr >= r.geom.gtes {
			break
		}

		readSkip := pos % r.grainBytes
		grainLen := r.geom.grainByteLen(grainNr)
		if readSkip >= grainLen {
			break
		}

		n := grainLen - readSkip
		if int64(len(buf)) < n {
			n = int64(len(buf))
		}
		if rem := r.capacityBytes - pos; n > rem {
			n = rem
		}

		dst := buf[:n]
		sect := *r.geom.grainTableEntry(grainNr)

		switch sect {
		case 0, 1:
			// 0 is a hole (no payload written); 1 is an explicit zero
			// (legacy producers only, never emitted by this writer).
			// Both read as zeros.
			for i := range dst {
				dst[i] = 0
			}
		default:
			if r.compressed {
				data, err := r.readCompressedGrain(grainNr, int64(sect))
				if err != nil {
					return total, err
				}
				copy(dst, data[readSkip:readSkip+n])
			} else {
				if err := preadAt(r.f, dst, int64(sect)*SectorSize+readSkip); err != nil {
					return total, err
				}
			}
		}

		buf = buf[n:]
		pos += n
		total += int(n)
	}

	return total, nil
}

// readCompressedGrain reads and inflates the compressed record for
// grainNr located at sector sect, validating the embedded LBA (when
// present) and the compressed length before inflating (§3 "Grain record
// (on-disk)", §4.6).
func (r *Reader) readCompressedGrain(grainNr, sect int64) ([]byte, error) {
	first := make([]byte, SectorSize)
	if err := preadAt(r.f, first, sect*SectorSize); err != nil {
		return nil, err
	}

	var hdrLen int64
	var cmpSize uint32

	if r.embeddedLBA {
		hdrLen = grainMarkerHeaderSize
		lba := binary.LittleEndian.Uint64(first[0:8])
		cmpSize = binary.LittleEndian.Uint32(first[8:12])

		expectedLBA := uint64(grainNr) * uint64(r.grainSectors)
		if lba != expectedLBA {
			return nil, Errorf(ErrIntegrity, "grain %d: embedded lba %d != expected %d", grainNr, lba, expectedLBA)
		}
	} else {
		hdrLen = legacyGrainHeaderSize
		cmpSize = binary.LittleEndian.Uint32(first[0:4])
	}

	recordLen := hdrLen + int64(cmpSize)
	if recordLen > r.maxRecordLen {
		return nil, Errorf(ErrIntegrity, "grain %d: cmpSize %d exceeds grain bound", grainNr, cmpSize)
	}

	record := make([]byte, sectorsFor(recordLen)*SectorSize)
	copy(record, first)
	if len(record) > SectorSize {
		if err := preadAt(r.f, record[SectorSize:], (sect+1)*SectorSize); err != nil {
			return nil, err
		}
	}

	payload := record[hdrLen:recordLen]
	return r.inf.inflate(payload, r.geom.grainByteLen(grainNr))
}

// NextData finds the next non-hole byte range at or after posHint (§4.6
// nextData()). It never reports a range spanning a hole grain, and fails
// with ErrNoData if there is no allocated grain at or after posHint.
func (r *Reader) NextData(posHint int64) (start, end int64, err error) {
	if posHint < 0 {
		posHint = 0
	}
	if posHint >= r.capacityBytes {
		return 0, 0, Errorf(ErrNoData, "no data at or after %d", posHint)
	}

	startGrain := posHint / r.grainBytes
	inData := false

	for g := startGrain; g < r.geom.gtes; g++ {
		sect := *r.geom.grainTableEntry(g)
		if sect != 0 {
			if !inData {
				inData = true
				if g == startGrain {
					start = posHint
				} else {
					start = g * r.grainBytes
				}
			}
			continue
		}

		if inData {
			return start, g * r.grainBytes, nil
		}
	}

	if inData {
		return start, r.capacityBytes, nil
	}

	return 0, 0, Errorf(ErrNoData, "no data at or after %d", posHint)
}

// Close releases the GD+GT slab and closes the underlying file (§4.6
// close()).
func (r *Reader) Close() error {
	if err := r.f.Close(); err != nil {
		return Errorf(ErrIO, "closing: %v", err)
	}
	return nil
}
