package vmdk

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressorDeflateInflateRoundTrip(t *testing.T) {
	comp := newCompressor(DefaultGrainSectors, 6)
	inf := newInflator(DefaultGrainSectors * SectorSize)

	payload := bytes.Repeat([]byte("vmdk-grain-payload"), 1000)

	comp.reset(0)
	n := copy(comp.input, payload)
	comp.validLen = int64(n)
	comp.fill(DefaultGrainSectors * SectorSize)

	compressed, err := comp.deflate()
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(comp.input), "repetitive input should compress smaller than the raw grain")

	out, err := inf.inflate(compressed, DefaultGrainSectors*SectorSize)
	require.NoError(t, err)
	assert.Equal(t, comp.input, out)
}

func TestCompressorReusedAcrossGrains(t *testing.T) {
	comp := newCompressor(DefaultGrainSectors, 6)
	inf := newInflator(DefaultGrainSectors * SectorSize)

	for g := int64(0); g < 3; g++ {
		comp.reset(g)
		n := copy(comp.input, bytes.Repeat([]byte{byte(g)}, 100))
		comp.validLen = int64(n)
		comp.fill(DefaultGrainSectors * SectorSize)

		compressed, err := comp.deflate()
		require.NoError(t, err)

		out, err := inf.inflate(compressed, DefaultGrainSectors*SectorSize)
		require.NoError(t, err)
		assert.Equal(t, comp.input, out)
	}
}

func TestInflateRejectsShortStream(t *testing.T) {
	comp := newCompressor(DefaultGrainSectors, 6)
	inf := newInflator(DefaultGrainSectors * SectorSize)

	comp.reset(0)
	comp.validLen = 10
	compressed, err := comp.deflate()
	require.NoError(t, err)

	_, err = inf.inflate(compressed, DefaultGrainSectors*SectorSize)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestZlibBoundCoversWorstCase(t *testing.T) {
	n := int64(DefaultGrainSectors * SectorSize)
	assert.Greater(t, zlibBound(n), n)
}
