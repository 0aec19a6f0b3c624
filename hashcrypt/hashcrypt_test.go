// hashcrypt/hashcrypt_test.go
package hashcrypt_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"runtime"
	"testing"

	"github.com/xushengfei/embassy-imxrt-sub000/dma"
	"github.com/xushengfei/embassy-imxrt-sub000/hashcrypt"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/sim"
	"github.com/xushengfei/embassy-imxrt-sub000/irq"
)

// rig wires an async engine to the host hash model: a pump goroutine
// services the DMA channel and each drained byte lands in the model.
type rig struct {
	engine *hashcrypt.Engine
	model  *sim.HashEngine
}

func newRig(t *testing.T) *rig {
	t.Helper()
	vec := new(irq.Table)
	ctrl := dma.New(&dma.Registers{}, vec)
	ch, err := ctrl.ReserveChannel(30)
	if err != nil {
		t.Fatal(err)
	}

	regs := &hashcrypt.Registers{}
	model := sim.NewHashEngine(regs)
	eng := &sim.DMAEngine{Ctrl: ctrl, PeriphWrite: model.PeriphWrite}

	quit := make(chan struct{})
	go func() {
		for {
			select {
			case <-quit:
				return
			default:
			}
			if !eng.Complete(ch) {
				runtime.Gosched()
			}
		}
	}()
	t.Cleanup(func() { close(quit) })

	return &rig{engine: hashcrypt.New(regs, ch), model: model}
}

func expectedBlocks(n int) int {
	extra := 1
	if n%hashcrypt.BlockLen > hashcrypt.BlockLen-9 {
		extra = 2
	}
	return n/hashcrypt.BlockLen + extra
}

func TestPaddingProperties(t *testing.T) {
	for _, n := range []int{0, 55, 56, 63, 64, 65, 119, 120, 128} {
		t.Run(fmt.Sprintf("len%d", n), func(t *testing.T) {
			r := newRig(t)
			data := make([]byte, n)
			for i := range data {
				data[i] = byte(i * 7)
			}

			var out [hashcrypt.HashLen]byte
			h := r.engine.NewSHA256()
			if err := h.Hash(context.Background(), data, &out); err != nil {
				t.Fatalf("Hash: %v", err)
			}

			stream := r.model.Stream()
			if len(stream)%hashcrypt.BlockLen != 0 {
				t.Fatalf("padded stream length %d is not block-aligned", len(stream))
			}
			if got, want := len(stream)/hashcrypt.BlockLen, expectedBlocks(n); got != want {
				t.Errorf("blocks transferred = %d, want %d", got, want)
			}
			if !bytes.Equal(stream[:n], data) {
				t.Error("data bytes were altered before the terminator")
			}
			if stream[n] != 0x80 {
				t.Errorf("terminator byte = %#x, want 0x80", stream[n])
			}
			trailer := binary.BigEndian.Uint64(stream[len(stream)-8:])
			if trailer != uint64(8*n) {
				t.Errorf("length trailer = %d, want %d", trailer, 8*n)
			}
		})
	}
}

func TestSHA256KnownAnswer(t *testing.T) {
	r := newRig(t)

	var out [hashcrypt.HashLen]byte
	h := r.engine.NewSHA256()
	if err := h.Hash(context.Background(), []byte("abc"), &out); err != nil {
		t.Fatalf("Hash: %v", err)
	}

	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := hex.EncodeToString(out[:]); got != want {
		t.Errorf("digest = %s, want %s", got, want)
	}
}

func TestSHA256BoundarySpans(t *testing.T) {
	// 65 bytes: one full block plus a padding-heavy remainder; 73 bytes:
	// spans the two-block finalization split
	for _, n := range []int{65, 73} {
		r := newRig(t)
		data := bytes.Repeat([]byte("a"), n)

		var out [hashcrypt.HashLen]byte
		h := r.engine.NewSHA256()
		if err := h.Hash(context.Background(), data, &out); err != nil {
			t.Fatalf("Hash(%d bytes): %v", n, err)
		}

		want := sha256.Sum256(data)
		if out != want {
			t.Errorf("digest(%d bytes) = %x, want %x", n, out, want)
		}
	}
}

func TestIncrementalSubmit(t *testing.T) {
	r := newRig(t)
	data := make([]byte, 200)
	for i := range data {
		data[i] = byte(i)
	}

	var out [hashcrypt.HashLen]byte
	h := r.engine.NewSHA256()
	if err := h.SubmitBlocks(context.Background(), data[:128]); err != nil {
		t.Fatal(err)
	}
	if err := h.SubmitBlocks(context.Background(), data[128:192]); err != nil {
		t.Fatal(err)
	}
	if err := h.Finalize(context.Background(), data[192:], &out); err != nil {
		t.Fatal(err)
	}

	want := sha256.Sum256(data)
	if out != want {
		t.Errorf("digest = %x, want %x", out, want)
	}
}

func TestSubmitBlocksContract(t *testing.T) {
	eng := hashcrypt.New(&hashcrypt.Registers{}, nil)

	for _, n := range []int{0, 1, 63, 65} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("SubmitBlocks(%d bytes) did not panic", n)
				}
			}()
			h := eng.NewSHA256()
			_ = h.SubmitBlocks(context.Background(), make([]byte, n))
		}()
	}
}

func TestBlockingDigestReadout(t *testing.T) {
	regs := &hashcrypt.Registers{}
	// engine already holds a completed digest; the word-path spin must
	// pass straight through and the state words must come out big-endian
	regs.STATUS.Store(1<<0 | 1<<1)
	for i := range regs.DIGEST {
		regs.DIGEST[i].Store(0x01020304 * uint32(i+1))
	}

	eng := hashcrypt.New(regs, nil)
	h := eng.NewSHA256()

	var out [hashcrypt.HashLen]byte
	if err := h.Finalize(context.Background(), []byte("xyz"), &out); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	for i := 0; i < 8; i++ {
		want := 0x01020304 * uint32(i+1)
		if got := binary.BigEndian.Uint32(out[4*i:]); got != want {
			t.Errorf("digest word %d = %#x, want %#x", i, got, want)
		}
	}
}
