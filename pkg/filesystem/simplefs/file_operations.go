package simplefs

import (
	"github.com/buildbarn/bb-simplefs/pkg/filesystem"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// InodeStore is implemented by the inode cache of a mount. It is
// notified whenever the attributes of an inode change, so that they
// are written back to the inode store.
type InodeStore interface {
	MarkInodeDirty(inode *InodeInfo)
}

// StagingLayer is implemented by the layer that caches file contents
// on behalf of reads and writes.
type StagingLayer interface {
	// DiscardCacheFrom drops cached file contents at and beyond a
	// given offset. It is called when a file shrinks, before the
	// blocks beyond the new end of the file are released.
	DiscardCacheFrom(inode *InodeInfo, offset uint64)
}

// FileOperations is the set of operations that a staging layer calls
// into to service reads, writes and truncations of regular files.
//
// Like BlockMapper, FileOperations does not serialize operations
// against the same inode. This is the responsibility of the caller.
type FileOperations interface {
	// ResolveBlock translates a logical block of a file to a
	// physical block. It is called by the staging layer for every
	// block that is read, flushed or written.
	ResolveBlock(inode *InodeInfo, logicalBlock uint32, allowAllocate bool) (BlockMapping, error)

	// AdmitWrite checks whether a write of a given size at a given
	// offset is likely to succeed. It is called before any data is
	// staged. The check is advisory: it does not reserve any
	// blocks, so a write may still run out of space if other
	// writers consume blocks in the meantime.
	AdmitWrite(inode *InodeInfo, offset, length uint64) error

	// CommitWrite updates the attributes of an inode after the
	// staging layer copied data into its cache. The requested and
	// written arguments hold the size of the write and the number
	// of bytes that were actually staged. The size of the file
	// after the write is returned.
	//
	// Blocks that were allocated for a write that ended up being
	// short are not released.
	CommitWrite(inode *InodeInfo, stagingLayer StagingLayer, offset, requested, written uint64) (uint64, error)

	// Truncate changes the size of a file. When shrinking, blocks
	// beyond the new size are returned to the allocator.
	Truncate(inode *InodeInfo, stagingLayer StagingLayer, size uint64) error
}

type fileOperations struct {
	blockMapper    BlockMapper
	blockAllocator filesystem.BlockAllocator
	inodeStore     InodeStore
	clock          clock.Clock
	errorLogger    util.ErrorLogger
}

// NewFileOperations creates FileOperations that resolve blocks through
// a BlockMapper, and check available space against a BlockAllocator.
//
// If blocks cannot be released while shrinking a file, the error is
// both returned and passed on to the ErrorLogger. The blocks are
// leaked, as the change in file size has already taken effect.
func NewFileOperations(blockMapper BlockMapper, blockAllocator filesystem.BlockAllocator, inodeStore InodeStore, clock clock.Clock, errorLogger util.ErrorLogger) FileOperations {
	return &fileOperations{
		blockMapper:    blockMapper,
		blockAllocator: blockAllocator,
		inodeStore:     inodeStore,
		clock:          clock,
		errorLogger:    errorLogger,
	}
}

func (fo *fileOperations) ResolveBlock(inode *InodeInfo, logicalBlock uint32, allowAllocate bool) (BlockMapping, error) {
	return fo.blockMapper.ResolveBlock(inode, logicalBlock, allowAllocate)
}

func (fo *fileOperations) AdmitWrite(inode *InodeInfo, offset, length uint64) error {
	end := offset + length
	if end < offset || end > MaximumFileSizeBytes {
		return status.Errorf(codes.ResourceExhausted, "Writing %d bytes at offset %d would exceed the maximum file size of %d bytes", length, offset, MaximumFileSizeBytes)
	}

	// Compute the worst case number of blocks needed. The block
	// count of the inode includes the index block, which is not a
	// data block.
	requiredBlocks := (max(end, inode.SizeBytes) + BlockSizeBytes - 1) / BlockSizeBytes
	dataBlocks := uint64(max(inode.BlockCount, 1) - 1)
	if requiredBlocks <= dataBlocks {
		return nil
	}
	if newBlocks, freeBlocks := requiredBlocks-dataBlocks, fo.blockAllocator.GetFreeBlockCount(); newBlocks > uint64(freeBlocks) {
		return status.Errorf(codes.ResourceExhausted, "Write of %d bytes at offset %d may require %d new blocks, while only %d blocks are free", length, offset, newBlocks, freeBlocks)
	}
	return nil
}

func (fo *fileOperations) CommitWrite(inode *InodeInfo, stagingLayer StagingLayer, offset, requested, written uint64) (uint64, error) {
	oldSize := inode.SizeBytes
	if end := offset + written; end > inode.SizeBytes {
		inode.SizeBytes = end
	}
	if written < requested {
		// The bytes that were staged are part of the file, but
		// no further changes to the inode are made.
		if inode.SizeBytes != oldSize {
			fo.inodeStore.MarkInodeDirty(inode)
		}
		return inode.SizeBytes, status.Errorf(codes.Aborted, "Only %d out of %d bytes were written at offset %d", written, requested, offset)
	}
	return inode.SizeBytes, fo.reconcileSize(inode, stagingLayer, oldSize)
}

func (fo *fileOperations) Truncate(inode *InodeInfo, stagingLayer StagingLayer, size uint64) error {
	if size > MaximumFileSizeBytes {
		return status.Errorf(codes.OutOfRange, "Size %d exceeds the maximum file size of %d bytes", size, MaximumFileSizeBytes)
	}
	oldSize := inode.SizeBytes
	inode.SizeBytes = size
	return fo.reconcileSize(inode, stagingLayer, oldSize)
}

// reconcileSize recomputes the block count of a file after its size
// has changed, and releases blocks that lie entirely beyond the new
// end of the file.
func (fo *fileOperations) reconcileSize(inode *InodeInfo, stagingLayer StagingLayer, oldSize uint64) error {
	oldBlockCount := inode.BlockCount
	newBlockCount := uint32(inode.SizeBytes/BlockSizeBytes + 2)

	inode.BlockCount = newBlockCount
	now := fo.clock.Now()
	inode.ModificationTime = now
	inode.ChangeTime = now
	fo.inodeStore.MarkInodeDirty(inode)

	if newBlockCount >= oldBlockCount && inode.SizeBytes >= oldSize {
		return nil
	}

	stagingLayer.DiscardCacheFrom(inode, inode.SizeBytes)

	// Release all blocks that were covered by the old block count
	// or the old size, but lie entirely beyond the new size.
	firstLogicalBlock := uint32((inode.SizeBytes + BlockSizeBytes - 1) / BlockSizeBytes)
	endLogicalBlock := max(max(oldBlockCount, 1)-1, uint32((oldSize+BlockSizeBytes-1)/BlockSizeBytes))
	if _, err := fo.blockMapper.ReleaseBlocks(inode, firstLogicalBlock, endLogicalBlock); err != nil {
		err = util.StatusWrapfWithCode(
			err,
			codes.DataLoss,
			"Failed to release logical blocks [%d, %d) of inode %d after shrinking it to %d bytes, meaning these blocks are lost",
			firstLogicalBlock,
			endLogicalBlock,
			inode.Number,
			inode.SizeBytes)
		fo.errorLogger.Log(err)
		return err
	}
	return nil
}
