// hashcrypt/hashcrypt.go
//
// Package hashcrypt drives the hardware SHA-256 block hasher. Data reaches
// the engine in 64-byte blocks, either word-by-word or by DMA burst; the
// driver owns the standard padding math, the engine owns the compression.
//
// The digest-ready wait is a tight spin, not a suspension: the engine
// finishes a block in under a hundred clock cycles, so parking a goroutine
// for it would cost more than the wait itself. Every other driver in this
// tree suspends; the contrast here is deliberate.
package hashcrypt

import (
	"context"
	"encoding/binary"
	"runtime"

	"github.com/xushengfei/embassy-imxrt-sub000/dma"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/mmio"
)

const (
	// BlockLen is the engine's input block size.
	BlockLen = 64
	// HashLen is the SHA-256 digest size.
	HashLen = 32

	endByte = 0x80

	// lastBlockMaxData is the most data a final block can carry and still
	// fit the terminator plus the 8-byte length trailer.
	lastBlockMaxData = BlockLen - 9
)

// Registers is the hash engine register block.
type Registers struct {
	CTRL   mmio.Reg32
	STATUS mmio.Reg32
	INTEN  mmio.Reg32
	INDATA mmio.Reg32
	DIGEST [8]mmio.Reg32
}

// CTRL bits.
const (
	ctrlModeMask   = 0x7
	ctrlModeSHA256 = 0x2
	ctrlNewHash    = 1 << 4
	ctrlDMAIn      = 1 << 8
)

// STATUS bits.
const (
	statusWaiting = 1 << 0
	statusDigest  = 1 << 1
)

// Engine owns the hash register block and, optionally, a DMA channel for
// burst input. One hash runs at a time.
type Engine struct {
	regs  *Registers
	dmaCh *dma.Channel
}

// New wraps the register block. ch is optional; with ch nil all input
// moves word-by-word.
func New(regs *Registers, ch *dma.Channel) *Engine {
	return &Engine{regs: regs, dmaCh: ch}
}

// NewSHA256 resets the engine and starts a fresh SHA-256 hash.
func (e *Engine) NewSHA256() *Hasher {
	e.regs.CTRL.Store(ctrlNewHash)
	mode := uint32(ctrlModeSHA256 | ctrlNewHash)
	if e.dmaCh != nil {
		mode |= ctrlDMAIn
	}
	e.regs.CTRL.Store(mode)
	return &Hasher{eng: e}
}

// Hasher is one in-progress hash: the running byte count feeding the
// length trailer, over the engine doing the compression.
type Hasher struct {
	eng     *Engine
	written int
}

// SubmitBlocks feeds whole blocks to the engine. data must be a nonzero
// multiple of BlockLen; anything else is a bug in the caller, not a
// runtime condition, and panics.
func (h *Hasher) SubmitBlocks(ctx context.Context, data []byte) error {
	if err := h.transfer(ctx, data); err != nil {
		return err
	}
	h.written += len(data)
	return nil
}

// Finalize feeds the trailing partial block (0..BlockLen-1 bytes), applies
// padding, and reads out the digest. The hasher is spent afterwards.
//
// If the terminator and the 8-byte length trailer fit after the data, one
// padded block goes out; otherwise the data block is closed with the
// terminator alone and an all-zero block carries the trailer.
func (h *Hasher) Finalize(ctx context.Context, data []byte, out *[HashLen]byte) error {
	if len(data) >= BlockLen {
		panic("hashcrypt: finalize data must be shorter than one block")
	}
	var buffer [BlockLen]byte

	h.written += len(data)
	if len(data) <= lastBlockMaxData {
		h.initFinalData(data, &buffer)
		h.initFinalLen(&buffer)
		if err := h.transfer(ctx, buffer[:]); err != nil {
			return err
		}
	} else {
		h.initFinalData(data, &buffer)
		if err := h.transfer(ctx, buffer[:]); err != nil {
			return err
		}

		buffer = [BlockLen]byte{}
		h.initFinalLen(&buffer)
		if err := h.transfer(ctx, buffer[:]); err != nil {
			return err
		}
	}

	h.readHash(out)
	return nil
}

// Hash splits data into whole blocks plus a finalized remainder.
func (h *Hasher) Hash(ctx context.Context, data []byte, out *[HashLen]byte) error {
	full := len(data) / BlockLen * BlockLen
	if full > 0 {
		if err := h.SubmitBlocks(ctx, data[:full]); err != nil {
			return err
		}
	}
	return h.Finalize(ctx, data[full:], out)
}

func (h *Hasher) initFinalData(data []byte, buffer *[BlockLen]byte) {
	copy(buffer[:], data)
	buffer[len(data)] = endByte
}

// initFinalLen writes the bit count, 8*written as big-endian u64, into the
// last 8 bytes of the block.
func (h *Hasher) initFinalLen(buffer *[BlockLen]byte) {
	binary.BigEndian.PutUint64(buffer[BlockLen-8:], 8*uint64(h.written))
}

func (h *Hasher) transfer(ctx context.Context, data []byte) error {
	if len(data) == 0 || len(data)%BlockLen != 0 {
		panic("hashcrypt: data length must be a nonzero multiple of the block length")
	}

	if h.eng.dmaCh != nil {
		opt := dma.DefaultOptions()
		opt.Width = dma.Width32
		if err := h.eng.dmaCh.WriteToPeripheral(ctx, data, &h.eng.regs.INDATA, opt); err != nil {
			return err
		}
	} else {
		for off := 0; off < len(data); off += 4 {
			h.eng.regs.INDATA.Store(binary.LittleEndian.Uint32(data[off:]))
		}
	}

	h.waitForDigest()
	return nil
}

// waitForDigest spins on the digest-ready flag; see the package comment
// for why this is not a suspension point.
func (h *Hasher) waitForDigest() {
	for !h.eng.regs.STATUS.HasBits(statusDigest) {
		runtime.Gosched()
	}
}

// readHash assembles the digest from the engine registers: each 32-bit
// register holds one state word, emitted big-endian into the byte stream.
func (h *Hasher) readHash(out *[HashLen]byte) {
	for i := range h.eng.regs.DIGEST {
		binary.BigEndian.PutUint32(out[4*i:], h.eng.regs.DIGEST[i].Load())
	}
}
