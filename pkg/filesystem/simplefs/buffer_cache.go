package simplefs

import (
	"fmt"
	"sync"

	"github.com/buildbarn/bb-storage/pkg/blockdevice"
	"github.com/buildbarn/bb-storage/pkg/util"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// BufferCache provides access to blocks stored on a block device.
// Blocks are acquired by calling Read() or GetZeroed(), and must be
// released by calling Buffer.Release() on every code path. Buffers that
// are marked dirty remain cached until Flush() is called. Clean buffers
// are evicted as soon as they are released and the cache holds more
// than a configured number of buffers.
//
// Modifications of the contents of a buffer must be made while holding
// Buffer.Lock(), and must be followed by Buffer.MarkDirty() after the
// lock is dropped. Flush() holds Buffer.RLock() while copying contents.
// Callers that read blocks shared between files (e.g., the inode store)
// also need to hold Buffer.RLock().
type BufferCache struct {
	blockDevice      blockdevice.BlockDevice
	maximumBuffers   int
	flushConcurrency int

	lock    sync.Mutex
	buffers map[uint32]*Buffer
}

// Buffer holds the contents of a single block, as handed out by
// BufferCache.
type Buffer struct {
	cache *BufferCache
	block uint32

	contentsLock sync.RWMutex
	data         []byte

	// Fields protected by BufferCache.lock.
	references int
	dirty      bool
}

// NewBufferCache creates a BufferCache on top of a block device. The
// maximumBuffers argument controls how many clean buffers may be
// retained. The flushConcurrency argument controls how many dirty
// buffers are written back in parallel by Flush().
func NewBufferCache(blockDevice blockdevice.BlockDevice, maximumBuffers, flushConcurrency int) *BufferCache {
	if flushConcurrency < 1 {
		flushConcurrency = 1
	}
	return &BufferCache{
		blockDevice:      blockDevice,
		maximumBuffers:   maximumBuffers,
		flushConcurrency: flushConcurrency,
		buffers:          map[uint32]*Buffer{},
	}
}

func toDeviceOffset(block uint32) int64 {
	return int64(block) * BlockSizeBytes
}

// acquireLocked returns a referenced buffer if the block is already
// present in the cache.
func (c *BufferCache) acquireLocked(block uint32) (*Buffer, bool) {
	if b, ok := c.buffers[block]; ok {
		b.references++
		return b, true
	}
	return nil, false
}

// insertLocked adds a buffer to the cache. If another goroutine
// managed to load the same block in the meantime, that buffer is
// returned instead.
func (c *BufferCache) insertLocked(b *Buffer) *Buffer {
	if existing, ok := c.acquireLocked(b.block); ok {
		return existing
	}
	b.references = 1
	c.buffers[b.block] = b
	return b
}

// Read returns a buffer containing the contents of a block. The
// contents are read from the block device if the block is not cached.
func (c *BufferCache) Read(block uint32) (*Buffer, error) {
	c.lock.Lock()
	b, ok := c.acquireLocked(block)
	c.lock.Unlock()
	if ok {
		return b, nil
	}

	data := make([]byte, BlockSizeBytes)
	if n, err := c.blockDevice.ReadAt(data, toDeviceOffset(block)); err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to read block %d", block)
	} else if n != len(data) {
		return nil, status.Errorf(codes.Internal, "Read of block %d returned %d bytes, while %d bytes were expected", block, n, len(data))
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	return c.insertLocked(&Buffer{
		cache: c,
		block: block,
		data:  data,
	}), nil
}

// GetZeroed returns a buffer for a block whose existing contents on the
// block device are irrelevant, such as a block that has just been
// allocated. The returned buffer is zero filled and marked dirty.
func (c *BufferCache) GetZeroed(block uint32) *Buffer {
	c.lock.Lock()
	defer c.lock.Unlock()

	b, ok := c.acquireLocked(block)
	if ok {
		b.contentsLock.Lock()
		clear(b.data)
		b.contentsLock.Unlock()
	} else {
		b = c.insertLocked(&Buffer{
			cache: c,
			block: block,
			data:  make([]byte, BlockSizeBytes),
		})
	}
	b.dirty = true
	return b
}

// Invalidate removes a block from the cache without writing it back.
// This is used when blocks are freed, so that stale contents are never
// written over a block that has since been handed out to another file.
// Buffers that are still referenced are detached from the cache.
func (c *BufferCache) Invalidate(block uint32) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if b, ok := c.buffers[block]; ok {
		b.dirty = false
		delete(c.buffers, block)
	}
}

// Flush writes back all dirty buffers to the block device, followed by
// synchronizing the block device.
func (c *BufferCache) Flush() error {
	type pendingWrite struct {
		buffer *Buffer
		data   []byte
	}

	// Take snapshots of the dirty buffers, so that the writes can
	// happen without holding the lock.
	c.lock.Lock()
	var pendingWrites []pendingWrite
	for _, b := range c.buffers {
		if b.dirty {
			b.contentsLock.RLock()
			pendingWrites = append(pendingWrites, pendingWrite{
				buffer: b,
				data:   append([]byte(nil), b.data...),
			})
			b.contentsLock.RUnlock()
			b.dirty = false
		}
	}
	c.lock.Unlock()

	var group errgroup.Group
	group.SetLimit(c.flushConcurrency)
	failed := make([]bool, len(pendingWrites))
	for i, pw := range pendingWrites {
		group.Go(func() error {
			if _, err := c.blockDevice.WriteAt(pw.data, toDeviceOffset(pw.buffer.block)); err != nil {
				failed[i] = true
				return util.StatusWrapfWithCode(err, codes.Internal, "Failed to write block %d", pw.buffer.block)
			}
			return nil
		})
	}
	err := group.Wait()

	// Buffers that could not be written need to be retried during
	// the next flush.
	c.lock.Lock()
	for i, pw := range pendingWrites {
		if failed[i] && c.buffers[pw.buffer.block] == pw.buffer {
			pw.buffer.dirty = true
		}
	}
	c.evictLocked()
	c.lock.Unlock()

	if err != nil {
		return err
	}
	if err := c.blockDevice.Sync(); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to synchronize block device")
	}
	return nil
}

// evictLocked removes clean, unreferenced buffers until the cache no
// longer exceeds its capacity.
func (c *BufferCache) evictLocked() {
	for block, b := range c.buffers {
		if len(c.buffers) <= c.maximumBuffers {
			return
		}
		if b.references == 0 && !b.dirty {
			delete(c.buffers, block)
		}
	}
}

// GetBlock returns the number of the block held by the buffer.
func (b *Buffer) GetBlock() uint32 {
	return b.block
}

// Data returns the contents of the buffer. Modifications must be
// made while holding Lock(), and followed by a call to MarkDirty().
func (b *Buffer) Data() []byte {
	return b.data
}

// Lock the contents of the buffer for modification. The lock must be
// released before calling MarkDirty() or Release().
func (b *Buffer) Lock() {
	b.contentsLock.Lock()
}

// Unlock the contents of the buffer after modification.
func (b *Buffer) Unlock() {
	b.contentsLock.Unlock()
}

// RLock the contents of the buffer for reading.
func (b *Buffer) RLock() {
	b.contentsLock.RLock()
}

// RUnlock the contents of the buffer after reading.
func (b *Buffer) RUnlock() {
	b.contentsLock.RUnlock()
}

// MarkDirty indicates that the buffer has been modified, causing it to
// be written back by the next call to BufferCache.Flush().
func (b *Buffer) MarkDirty() {
	c := b.cache
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.buffers[b.block] == b {
		b.dirty = true
	}
}

// Release drops the reference to the buffer that was obtained through
// BufferCache.Read() or BufferCache.GetZeroed().
func (b *Buffer) Release() {
	c := b.cache
	c.lock.Lock()
	defer c.lock.Unlock()

	if b.references <= 0 {
		panic(fmt.Sprintf("Attempted to release buffer of block %d, even though it is not referenced", b.block))
	}
	b.references--
	if b.references == 0 && !b.dirty && len(c.buffers) > c.maximumBuffers && c.buffers[b.block] == b {
		delete(c.buffers, b.block)
	}
}
