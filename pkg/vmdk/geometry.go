package vmdk

import "encoding/binary"

// geometry is the derived layout of the grain directory and grain tables
// for a given (capacity, grainSize, numGTEsPerGT) triple.
type geometry struct {
	grainSize    int64 // sectors per grain
	numGTEsPerGT int64

	lastGrainNr   int64 // capacity / grainSize: the partial tail grain's index, or the grain count if aligned
	lastGrainSize int64 // bytes of real data in the final grain; 0 if capacity is grain-aligned
	gtes          int64 // total live grains (GTEs)
	gts           int64 // number of grain tables
	gdSectors     int64 // sectors occupied by the grain directory
	gtSectors     int64 // sectors occupied by one grain table

	// slab is the single contiguous allocation backing gd and gt, laid
	// out GD first then all GTs, so one positional write finalizes the
	// whole index.
	slab []uint32
	gd   []uint32 // slab[:gts], one sector-number-of-GT per entry
	gt   []uint32 // slab after the sector-padded GD, gts*numGTEsPerGT entries
}

// newGeometry derives grain-table geometry from a disk capacity (in
// sectors), grain size (in sectors), and grain-table width, validating
// that both are powers of two within their allowed ranges, and allocates
// the contiguous GD+GT slab.
func newGeometry(capacitySectors, grainSectors, numGTEsPerGT int64) (*geometry, error) {
	if !isPowerOfTwo(uint64(grainSectors)) || grainSectors < MinGrainSectors || grainSectors > MaxGrainSectors {
		return nil, Errorf(ErrGeometry, "grainSize %d not a power of two in [%d,%d]", grainSectors, MinGrainSectors, MaxGrainSectors)
	}
	if !isPowerOfTwo(uint64(numGTEsPerGT)) || numGTEsPerGT < MinGTEsPerGT {
		return nil, Errorf(ErrGeometry, "numGTEsPerGT %d not a power of two >= %d", numGTEsPerGT, MinGTEsPerGT)
	}

	g := &geometry{grainSize: grainSectors, numGTEsPerGT: numGTEsPerGT}

	g.lastGrainNr = capacitySectors / grainSectors
	rem := capacitySectors % grainSectors
	if rem != 0 {
		g.lastGrainSize = rem * SectorSize
	}

	g.gtes = g.lastGrainNr
	if g.lastGrainSize != 0 {
		g.gtes++
	}

	g.gts = ceilDiv(g.gtes, numGTEsPerGT)
	if g.gts == 0 {
		// A zero-grain disk still needs one (empty) table so indexing
		// by GD entry never runs off the end of the slab.
		g.gts = 1
	}

	g.gdSectors = ceilDiv(g.gts*gtEntrySize, SectorSize)
	g.gtSectors = ceilDiv(numGTEsPerGT*gtEntrySize, SectorSize)

	slabSectors := g.gdSectors + g.gtSectors*g.gts
	g.slab = make([]uint32, slabSectors*SectorSize/gtEntrySize)
	g.gd = g.slab[:g.gdSectors*SectorSize/gtEntrySize][:g.gts]
	g.gt = g.slab[g.gdSectors*SectorSize/gtEntrySize:]

	return g, nil
}

// prefillGD assigns gd[i] = startSector + i*gtSectors for every table and
// returns startSector + gts*gtSectors, the first sector past the last
// grain table.
func (g *geometry) prefillGD(startSector int64) int64 {
	for i := int64(0); i < g.gts; i++ {
		g.gd[i] = uint32(startSector + i*g.gtSectors)
	}
	return startSector + g.gts*g.gtSectors
}

// grainTableEntry returns a pointer to the GT slot for grainNr, which the
// caller may read or assign directly.
func (g *geometry) grainTableEntry(grainNr int64) *uint32 {
	if grainNr < 0 || grainNr >= g.gtes {
		panic("vmdk: grain number out of range")
	}
	return &g.gt[grainNr]
}

// grainByteLen returns the number of meaningful bytes a grain holds:
// grainSize*SectorSize for every grain except the final one, which may be
// partial.
func (g *geometry) grainByteLen(grainNr int64) int64 {
	if grainNr == g.lastGrainNr && g.lastGrainSize != 0 {
		return g.lastGrainSize
	}
	return g.grainSize * SectorSize
}

// encodeSlab serializes the GD+GT slab to little-endian bytes for a
// single positional write.
func (g *geometry) encodeSlab() []byte {
	buf := make([]byte, len(g.slab)*gtEntrySize)
	for i, v := range g.slab {
		binary.LittleEndian.PutUint32(buf[i*gtEntrySize:], v)
	}
	return buf
}

// decodeSlab populates g.slab (and the gd/gt views over it) from
// little-endian bytes read off disk.
func (g *geometry) decodeSlab(buf []byte) {
	for i := range g.slab {
		g.slab[i] = binary.LittleEndian.Uint32(buf[i*gtEntrySize:])
	}
}

// slabSectors is the total sector length of the GD+GT region.
func (g *geometry) slabSectors() int64 {
	return g.gdSectors + g.gtSectors*g.gts
}
