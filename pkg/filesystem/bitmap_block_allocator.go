package filesystem

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	allBits = ^uint64(0)
)

// BitmapBlockAllocator is a BlockAllocator that stores information on
// which blocks are allocated in a bitmap. Blocks are allocated by
// sequentially scanning the bitmap, continuing where previous calls
// left off.
//
// The bitmap uses the same encoding as the free block and free inode
// bitmaps of a simplefs image: one bits indicate blocks that are free,
// and bit n of the bitmap corresponds to block n of the device.
type BitmapBlockAllocator struct {
	lock       sync.Mutex
	freeBitmap []uint64 // One bits indicate blocks that are free.
	blockCount uint32
	nextBlock  uint32

	// Kept separately from the bitmap, so that the free count can
	// be obtained without acquiring the lock.
	freeBlocks atomic.Uint32
}

var _ BlockAllocator = (*BitmapBlockAllocator)(nil)

// NewBitmapBlockAllocator creates a BitmapBlockAllocator, using a
// bitmap that was read from storage as its initial state. Bits in
// freeBitmap beyond blockCount are ignored, and blocks for which no bit
// is provided are considered to be in use.
//
// Block zero is never handed out, as it is used as the sentinel value
// for holes. For block bitmaps this is harmless, as the superblock
// resides in block zero. For inode bitmaps, inode zero is the root
// directory.
func NewBitmapBlockAllocator(freeBitmap []byte, blockCount uint32) *BitmapBlockAllocator {
	ba := &BitmapBlockAllocator{
		freeBitmap: make([]uint64, (blockCount+63)/64),
		blockCount: blockCount,
	}
	for i := range ba.freeBitmap {
		var word [8]byte
		if offset := i * 8; offset < len(freeBitmap) {
			copy(word[:], freeBitmap[offset:])
		}
		ba.freeBitmap[i] = binary.LittleEndian.Uint64(word[:])
	}

	// Mask off bits that don't correspond to any actual block.
	if remainder := blockCount % 64; remainder != 0 {
		ba.freeBitmap[len(ba.freeBitmap)-1] &= ^(allBits << remainder)
	}
	if len(ba.freeBitmap) > 0 {
		ba.freeBitmap[0] &^= 1
	}

	freeBlocks := 0
	for _, word := range ba.freeBitmap {
		freeBlocks += bits.OnesCount64(word)
	}
	ba.freeBlocks.Store(uint32(freeBlocks))
	return ba
}

// AllocateBlock allocates a single block from the bitmap.
func (ba *BitmapBlockAllocator) AllocateBlock() (uint32, error) {
	ba.lock.Lock()
	defer ba.lock.Unlock()

	if len(ba.freeBitmap) > 0 {
		// Allocate a block from the current bitmap word.
		split := ba.nextBlock / 64
		if m := ba.freeBitmap[split] & (allBits << (ba.nextBlock % 64)); m != 0 {
			return ba.allocateAt(split, m), nil
		}

		// Allocate a block from the current location to the end.
		for i := split + 1; i < uint32(len(ba.freeBitmap)); i++ {
			if m := ba.freeBitmap[i]; m != 0 {
				return ba.allocateAt(i, m), nil
			}
		}

		// Allocate a block from the beginning to the current
		// location.
		for i := uint32(0); i <= split; i++ {
			if m := ba.freeBitmap[i]; m != 0 {
				return ba.allocateAt(i, m), nil
			}
		}
	}
	return 0, status.Error(codes.ResourceExhausted, "No free blocks available")
}

func (ba *BitmapBlockAllocator) allocateAt(index uint32, mask uint64) uint32 {
	shift := bits.TrailingZeros64(mask)
	ba.freeBitmap[index] &^= 1 << shift
	block := index*64 + uint32(shift)

	ba.nextBlock = block + 1
	if ba.nextBlock >= ba.blockCount {
		ba.nextBlock = 0
	}
	ba.freeBlocks.Add(^uint32(0))
	return block
}

func (ba *BitmapBlockAllocator) freeLocked(block uint32) {
	if block >= ba.blockCount {
		panic(fmt.Sprintf("Attempted to free block %d, even though only %d blocks exist", block, ba.blockCount))
	}
	i := block / 64
	b := block % 64
	if ba.freeBitmap[i]&(1<<b) != 0 {
		panic(fmt.Sprintf("Attempted to free block %d, even though it's not allocated", block))
	}
	ba.freeBitmap[i] |= 1 << b
	ba.freeBlocks.Add(1)
}

// FreeBlock returns a single block to the bitmap.
func (ba *BitmapBlockAllocator) FreeBlock(block uint32) {
	if block == 0 {
		panic("Attempted to free block zero")
	}

	ba.lock.Lock()
	defer ba.lock.Unlock()

	ba.freeLocked(block)
}

// FreeBlockList returns a list of blocks to the bitmap. Zero entries
// are skipped, which permits passing in the contents of an index
// block directly.
func (ba *BitmapBlockAllocator) FreeBlockList(blocks []uint32) {
	ba.lock.Lock()
	defer ba.lock.Unlock()

	for _, block := range blocks {
		if block != 0 {
			ba.freeLocked(block)
		}
	}
}

// GetFreeBlockCount returns the number of blocks that are free.
func (ba *BitmapBlockAllocator) GetFreeBlockCount() uint32 {
	return ba.freeBlocks.Load()
}

// GetFreeBitmap returns a copy of the bitmap in its on-disk
// representation, so that it may be written back to storage.
func (ba *BitmapBlockAllocator) GetFreeBitmap() []byte {
	ba.lock.Lock()
	defer ba.lock.Unlock()

	freeBitmap := make([]byte, 0, len(ba.freeBitmap)*8)
	for _, word := range ba.freeBitmap {
		freeBitmap = binary.LittleEndian.AppendUint64(freeBitmap, word)
	}
	return freeBitmap
}
