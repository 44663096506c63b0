package vmdk

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/zlib"
)

// compressor owns a single reusable deflate context plus the input/output
// buffers for exactly one grain at a time (§4.3). Never allocate a fresh
// compressor per grain: reset() and fill() exist so the zlib.Writer and its
// backing buffers are reused across the whole stream.
type compressor struct {
	level int

	grainBytes int64 // grainSize * SectorSize, the full-grain input size

	grainNr  int64 // which grain this buffer currently belongs to, or -1
	input    []byte
	validLen int64 // input[:validLen] holds real data; the rest is still zero-padding to do

	out *bytes.Buffer
	zw  *zlib.Writer
}

func newCompressor(grainSectors int64, level int) *compressor {
	grainBytes := grainSectors * SectorSize
	c := &compressor{
		level:      level,
		grainBytes: grainBytes,
		grainNr:    -1,
		input:      make([]byte, grainBytes),
		out:        bytes.NewBuffer(make([]byte, 0, zlibBound(grainBytes))),
	}
	c.zw, _ = zlib.NewWriterLevel(c.out, level)
	return c
}

// zlibBound is a conservative upper bound on the size of a zlib stream
// produced from n bytes of input, used once to size the output buffer so
// it never needs reallocating mid-stream (§9 "No realloc").
func zlibBound(n int64) int64 {
	// zlib/deflate's documented worst-case expansion is the input plus
	// ~0.1% plus a small constant, plus the 2-byte zlib header and 4-byte
	// Adler-32 trailer.
	return n + n/1000 + 64
}

// reset marks the buffer as belonging to grainNr with an empty valid
// range (§4.3 reset()).
func (c *compressor) reset(grainNr int64) {
	c.grainNr = grainNr
	c.validLen = 0
}

// fill zero-pads the valid range out to expectedLen, which is grainBytes
// for every grain except a disk's final, possibly-partial grain (§4.3
// fill()).
func (c *compressor) fill(expectedLen int64) {
	if expectedLen > c.validLen {
		for i := c.validLen; i < expectedLen; i++ {
			c.input[i] = 0
		}
		c.validLen = expectedLen
	}
}

// deflate resets the deflate stream, feeds the full valid range in one
// call with Z_FINISH semantics, and returns the compressed bytes. The
// returned slice is only valid until the next call to deflate.
func (c *compressor) deflate() ([]byte, error) {
	c.out.Reset()
	c.zw.Reset(c.out)

	if _, err := c.zw.Write(c.input[:c.validLen]); err != nil {
		return nil, Errorf(ErrIO, "deflating grain %d: %v", c.grainNr, err)
	}
	if err := c.zw.Close(); err != nil {
		return nil, Errorf(ErrIO, "finishing deflate stream for grain %d: %v", c.grainNr, err)
	}

	return c.out.Bytes(), nil
}

// inflator is the read-side counterpart: one reusable zlib reader plus a
// grain-sized scratch buffer (§4.6 pread()). zlib.Reader state can't be
// reset cheaply across independent streams the way zlib.Writer can
// (klauspost/compress's zlib.Reader has no Reset that changes source
// easily across arbitrary readers without re-validating the header), so a
// fresh reader is constructed per grain; the scratch destination buffer
// is reused.
type inflator struct {
	scratch []byte
}

func newInflator(grainBytes int64) *inflator {
	return &inflator{scratch: make([]byte, grainBytes)}
}

// inflate decompresses compressed (a complete zlib stream) into the
// inflator's grain-sized scratch buffer, verifying that at least minLen
// bytes were produced, and returns the slice of real output.
func (inf *inflator) inflate(compressed []byte, minLen int64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, Errorf(ErrIntegrity, "opening deflate stream: %v", err)
	}
	defer zr.Close()

	n := 0
	for n < len(inf.scratch) {
		k, err := zr.Read(inf.scratch[n:])
		n += k
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, Errorf(ErrIntegrity, "inflating grain: %v", err)
		}
	}

	if int64(n) < minLen {
		return nil, Errorf(ErrIntegrity, "inflate produced %d bytes, wanted at least %d", n, minLen)
	}

	return inf.scratch[:n], nil
}
