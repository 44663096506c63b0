package vmdk

import (
	"context"
	"sync"
)

// copyState is the tri-valued shared state of the parallel copy engine.
type copyState int

const (
	stateRunning copyState = iota
	stateDone
	stateFailed
)

// CopyDisk drains src into w using numThreads worker goroutines, each
// compressing and writing whole grains independently. It returns the
// number of source bytes read. Grains are written in the order workers
// reserve output sectors under the writer's sector-cursor lock, which
// need not match grain order — the grain table records each grain's true
// sector, so random reads are unaffected by on-disk write order.
//
// CopyDisk is the only entry point that may call into w from more than
// one goroutine at a time; it owns exactly three pieces of shared mutable
// state (a read cursor, the write sector cursor, and a tri-valued run
// state), each behind its own mutex, with no I/O performed while any of
// them is held.
func (w *Writer) CopyDisk(ctx context.Context, src SourceDisk, numThreads int, log DiagLogger) (int64, error) {
	if numThreads < 1 {
		numThreads = 1
	}
	if log == nil {
		log = discardLog
	}

	eng := &copyEngine{
		w:        w,
		src:      src,
		capacity: src.Capacity(),
		log:      log,
	}

	var wg sync.WaitGroup
	wg.Add(numThreads)
	for i := 0; i < numThreads; i++ {
		go func(id int) {
			defer wg.Done()
			eng.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	eng.stateMu.Lock()
	final := eng.state
	eng.stateMu.Unlock()

	if final != stateDone {
		return eng.bytesRead(), Errorf(ErrIO, "parallel copy failed, see diagnostic log")
	}

	return eng.bytesRead(), nil
}

// copyEngine holds the three mutex-guarded cursors shared across workers
// and nothing else; every other piece of per-worker state (grain buffer,
// deflate stream) lives on the stack of worker().
type copyEngine struct {
	w        *Writer
	src      SourceDisk
	capacity int64
	log      DiagLogger

	readPosMu sync.Mutex
	readPos   int64

	writeSPMu sync.Mutex // guards w.curSP; GT entries need no lock, each grain has one owner

	stateMu sync.Mutex
	state   copyState
}

func (e *copyEngine) bytesRead() int64 {
	e.readPosMu.Lock()
	defer e.readPosMu.Unlock()
	return e.readPos
}

func (e *copyEngine) fail(format string, args ...interface{}) {
	e.stateMu.Lock()
	e.state = stateFailed
	e.stateMu.Unlock()
	e.log.Errorf(format, args...)
}

// failed reports whether some worker has already failed the run; workers
// re-check this at the top of every loop iteration.
func (e *copyEngine) failed() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state == stateFailed
}

// markDone records source exhaustion, unless a failure already won.
func (e *copyEngine) markDone() {
	e.stateMu.Lock()
	if e.state == stateRunning {
		e.state = stateDone
	}
	e.stateMu.Unlock()
}

// claim reserves the next grain-sized slice of the source under
// readPosMu. ok is false once the source is exhausted. No other mutex is
// touched while readPosMu is held.
func (e *copyEngine) claim() (grainNr, off, readLen int64, ok bool) {
	grainBytes := e.w.grainBytes()

	e.readPosMu.Lock()
	if e.readPos >= e.capacity {
		e.readPosMu.Unlock()
		e.markDone()
		return 0, 0, 0, false
	}

	off = e.readPos
	grainNr = off / grainBytes
	readLen = grainBytes
	if rem := e.capacity - off; rem < readLen {
		readLen = rem
	}
	e.readPos += readLen
	e.readPosMu.Unlock()

	return grainNr, off, readLen, true
}

// worker claims a grain, reads it, compresses it locally if non-zero,
// reserves an output sector range, writes, and records the grain-table
// entry, looping until the source is exhausted or the engine fails.
func (e *copyEngine) worker(ctx context.Context, id int) {
	buf := make([]byte, e.w.grainBytes())
	comp := newCompressor(e.w.grainSectors, e.w.cur.level)

	for {
		if e.failed() {
			return
		}
		if ctxDone(ctx) {
			e.fail("worker %d: context canceled", id)
			return
		}

		grainNr, off, readLen, ok := e.claim()
		if !ok {
			return
		}

		n, err := e.src.ReadAt(buf[:readLen], off)
		if err != nil || int64(n) != readLen {
			e.fail("worker %d: short read for grain %d at offset %d: %v", id, grainNr, off, err)
			return
		}

		if isZero(buf[:readLen]) {
			// A hole: gt[grainNr] is already 0 from allocation, and no
			// sector needs to be reserved.
			continue
		}

		comp.reset(grainNr)
		copy(comp.input, buf[:readLen])
		comp.validLen = readLen
		comp.fill(e.w.geom.grainByteLen(grainNr))

		compressed, err := comp.deflate()
		if err != nil {
			e.fail("worker %d: deflate failed for grain %d: %v", id, grainNr, err)
			return
		}
		record := buildGrainRecord(grainNr, e.w.grainSectors, compressed)

		sp := e.reserve(sectorsFor(int64(len(record))))

		if err := pwriteAt(e.w.f, record, sp*SectorSize); err != nil {
			e.fail("worker %d: writing grain %d at sector %d: %v", id, grainNr, sp, err)
			return
		}

		*e.w.geom.grainTableEntry(grainNr) = uint32(sp)
	}
}

// reserve atomically advances the writer's output sector cursor by
// nSectors and returns the sector the caller may write nSectors at. No
// I/O happens under writeSPMu.
func (e *copyEngine) reserve(nSectors int64) int64 {
	e.writeSPMu.Lock()
	defer e.writeSPMu.Unlock()
	sp := e.w.curSP
	e.w.curSP += nSectors
	return sp
}
