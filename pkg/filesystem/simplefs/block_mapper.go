package simplefs

import (
	"github.com/buildbarn/bb-simplefs/pkg/filesystem"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// BlockMapping is the result of resolving a logical block of a file.
type BlockMapping struct {
	// The physical block holding the data, or zero if the logical
	// block is a hole.
	PhysicalBlock uint32
	// Whether the physical block was allocated as part of this
	// call. The contents of freshly allocated blocks are undefined,
	// meaning callers must initialize them fully.
	Allocated bool
}

// IsHole returns true if the logical block has no physical block
// associated with it. Holes read back as zeroes.
func (m BlockMapping) IsHole() bool {
	return m.PhysicalBlock == 0
}

// BlockMapper translates logical blocks of a file to physical blocks on
// the block device, allocating blocks on demand.
//
// BlockMapper does not synchronize access to the index of a single
// file. Callers must ensure that calls for the same inode are
// serialized. Calls for different inodes may happen concurrently.
type BlockMapper interface {
	// ResolveBlock returns the physical block associated with a
	// logical block of a file. If the logical block is a hole and
	// allowAllocate is set, a block is allocated and recorded in
	// the index of the file.
	//
	// This function fails with OUT_OF_RANGE if the logical block
	// lies beyond the maximum file size, RESOURCE_EXHAUSTED if no
	// blocks are available, and INTERNAL if the index cannot be
	// read.
	ResolveBlock(inode *InodeInfo, logicalBlock uint32, allowAllocate bool) (BlockMapping, error)
	// ReleaseBlocks removes all logical blocks in range
	// [firstLogicalBlock, endLogicalBlock) from the index of a
	// file, returning their physical blocks to the allocator. The
	// range is clamped to the maximum file size. The number of
	// blocks that were freed is returned.
	ReleaseBlocks(inode *InodeInfo, firstLogicalBlock, endLogicalBlock uint32) (uint32, error)
}

type singleLevelBlockMapper struct {
	bufferCache     *BufferCache
	blockAllocator  filesystem.BlockAllocator
	dataRegionStart uint32
	totalBlocks     uint32
}

// NewSingleLevelBlockMapper creates a BlockMapper that stores the
// physical block numbers of a file in a single index block, limiting
// files to IndexBlockEntries blocks. Entries of the index block that
// don't refer to blocks in range [dataRegionStart, totalBlocks) are
// treated as corruption.
func NewSingleLevelBlockMapper(bufferCache *BufferCache, blockAllocator filesystem.BlockAllocator, dataRegionStart, totalBlocks uint32) BlockMapper {
	return &singleLevelBlockMapper{
		bufferCache:     bufferCache,
		blockAllocator:  blockAllocator,
		dataRegionStart: dataRegionStart,
		totalBlocks:     totalBlocks,
	}
}

func (bm *singleLevelBlockMapper) checkEntry(inode *InodeInfo, logicalBlock, physicalBlock uint32) error {
	if physicalBlock < bm.dataRegionStart || physicalBlock >= bm.totalBlocks {
		return status.Errorf(codes.FailedPrecondition, "Index block %d of inode %d maps logical block %d to block %d, which lies outside the data region [%d, %d)", inode.IndexBlock, inode.Number, logicalBlock, physicalBlock, bm.dataRegionStart, bm.totalBlocks)
	}
	return nil
}

func (bm *singleLevelBlockMapper) ResolveBlock(inode *InodeInfo, logicalBlock uint32, allowAllocate bool) (BlockMapping, error) {
	if logicalBlock >= IndexBlockEntries {
		return BlockMapping{}, status.Errorf(codes.OutOfRange, "Logical block %d exceeds the maximum of %d blocks per file", logicalBlock, IndexBlockEntries)
	}

	buffer, err := bm.bufferCache.Read(inode.IndexBlock)
	if err != nil {
		return BlockMapping{}, util.StatusWrapf(err, "Failed to read index block of inode %d", inode.Number)
	}
	defer buffer.Release()

	index := IndexBlock(buffer.Data())
	if physicalBlock := index.GetEntry(logicalBlock); physicalBlock != 0 {
		if err := bm.checkEntry(inode, logicalBlock, physicalBlock); err != nil {
			return BlockMapping{}, err
		}
		return BlockMapping{PhysicalBlock: physicalBlock}, nil
	}
	if !allowAllocate {
		return BlockMapping{}, nil
	}

	physicalBlock, err := bm.blockAllocator.AllocateBlock()
	if err != nil {
		return BlockMapping{}, util.StatusWrapf(err, "Failed to allocate logical block %d of inode %d", logicalBlock, inode.Number)
	}
	buffer.Lock()
	index.SetEntry(logicalBlock, physicalBlock)
	buffer.Unlock()
	buffer.MarkDirty()
	return BlockMapping{
		PhysicalBlock: physicalBlock,
		Allocated:     true,
	}, nil
}

func (bm *singleLevelBlockMapper) ReleaseBlocks(inode *InodeInfo, firstLogicalBlock, endLogicalBlock uint32) (uint32, error) {
	if endLogicalBlock > IndexBlockEntries {
		endLogicalBlock = IndexBlockEntries
	}
	if firstLogicalBlock >= endLogicalBlock {
		return 0, nil
	}

	buffer, err := bm.bufferCache.Read(inode.IndexBlock)
	if err != nil {
		return 0, util.StatusWrapf(err, "Failed to read index block of inode %d", inode.Number)
	}
	defer buffer.Release()

	// Validate all entries before making any changes, so that a
	// corrupted index never causes metadata blocks to be freed.
	index := IndexBlock(buffer.Data())
	physicalBlocks := make([]uint32, 0, endLogicalBlock-firstLogicalBlock)
	for logicalBlock := firstLogicalBlock; logicalBlock < endLogicalBlock; logicalBlock++ {
		if physicalBlock := index.GetEntry(logicalBlock); physicalBlock != 0 {
			if err := bm.checkEntry(inode, logicalBlock, physicalBlock); err != nil {
				return 0, err
			}
			physicalBlocks = append(physicalBlocks, physicalBlock)
		}
	}
	if len(physicalBlocks) == 0 {
		return 0, nil
	}

	buffer.Lock()
	for logicalBlock := firstLogicalBlock; logicalBlock < endLogicalBlock; logicalBlock++ {
		index.SetEntry(logicalBlock, 0)
	}
	buffer.Unlock()
	buffer.MarkDirty()
	for _, physicalBlock := range physicalBlocks {
		bm.bufferCache.Invalidate(physicalBlock)
	}
	bm.blockAllocator.FreeBlockList(physicalBlocks)
	return uint32(len(physicalBlocks)), nil
}
