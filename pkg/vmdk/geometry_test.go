package vmdk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGeometryGrainAligned(t *testing.T) {
	capacitySectors := int64(4 * DefaultNumGTEsPerGT * DefaultGrainSectors)

	g, err := newGeometry(capacitySectors, DefaultGrainSectors, DefaultNumGTEsPerGT)
	require.NoError(t, err)

	assert.Equal(t, int64(0), g.lastGrainSize, "grain-aligned capacity should have no partial tail grain")
	assert.Equal(t, capacitySectors/DefaultGrainSectors, g.gtes)
	assert.Equal(t, int64(4), g.gts)
}

func TestNewGeometryPartialTailGrain(t *testing.T) {
	capacitySectors := int64(3*DefaultGrainSectors + 17)

	g, err := newGeometry(capacitySectors, DefaultGrainSectors, DefaultNumGTEsPerGT)
	require.NoError(t, err)

	assert.Equal(t, int64(3), g.lastGrainNr)
	assert.Equal(t, int64(17*SectorSize), g.lastGrainSize)
	assert.Equal(t, int64(4), g.gtes)
	assert.Equal(t, int64(1), g.gts)
}

func TestNewGeometryZeroGrainDisk(t *testing.T) {
	g, err := newGeometry(0, DefaultGrainSectors, DefaultNumGTEsPerGT)
	require.NoError(t, err)

	assert.Equal(t, int64(0), g.gtes)
	assert.Equal(t, int64(1), g.gts, "a zero-grain disk still needs one empty table")
}

func TestNewGeometryRejectsBadGrainSize(t *testing.T) {
	_, err := newGeometry(1024, 3, DefaultNumGTEsPerGT)
	assert.ErrorIs(t, err, ErrGeometry)

	_, err = newGeometry(1024, MaxGrainSectors*2, DefaultNumGTEsPerGT)
	assert.ErrorIs(t, err, ErrGeometry)
}

func TestNewGeometryRejectsBadNumGTEsPerGT(t *testing.T) {
	_, err := newGeometry(1024, DefaultGrainSectors, 100)
	assert.ErrorIs(t, err, ErrGeometry)
}

func TestGrainByteLenTailClipping(t *testing.T) {
	capacitySectors := int64(2*DefaultGrainSectors + 5)

	g, err := newGeometry(capacitySectors, DefaultGrainSectors, DefaultNumGTEsPerGT)
	require.NoError(t, err)

	assert.Equal(t, int64(DefaultGrainSectors*SectorSize), g.grainByteLen(0))
	assert.Equal(t, int64(DefaultGrainSectors*SectorSize), g.grainByteLen(1))
	assert.Equal(t, int64(5*SectorSize), g.grainByteLen(2))
}

func TestGrainTableEntryOutOfRangePanics(t *testing.T) {
	g, err := newGeometry(int64(DefaultGrainSectors), DefaultGrainSectors, DefaultNumGTEsPerGT)
	require.NoError(t, err)

	assert.Panics(t, func() {
		g.grainTableEntry(g.gtes)
	})
}

func TestPrefillGDAndSlabRoundTrip(t *testing.T) {
	capacitySectors := int64(4 * DefaultNumGTEsPerGT * DefaultGrainSectors)

	g, err := newGeometry(capacitySectors, DefaultGrainSectors, DefaultNumGTEsPerGT)
	require.NoError(t, err)

	next := g.prefillGD(100)
	assert.Equal(t, int64(100+g.gts*g.gtSectors), next)
	for i := int64(0); i < g.gts; i++ {
		assert.Equal(t, uint32(100+i*g.gtSectors), g.gd[i])
	}

	encoded := g.encodeSlab()

	g2, err := newGeometry(capacitySectors, DefaultGrainSectors, DefaultNumGTEsPerGT)
	require.NoError(t, err)
	g2.decodeSlab(encoded)

	assert.Equal(t, g.slab, g2.slab)
}
