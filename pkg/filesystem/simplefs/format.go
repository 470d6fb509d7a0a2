package simplefs

import (
	"github.com/buildbarn/bb-storage/pkg/blockdevice"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/google/uuid"
)

// RootInodeNumber is the inode that is reserved by Format() to act as
// the root directory of the file system.
const RootInodeNumber = 0

// setBitRange sets all bits in range [first, end) of a bitmap.
func setBitRange(bitmap []byte, first, end uint32) {
	for i := first; i < end; i++ {
		bitmap[i/8] |= 1 << (i % 8)
	}
}

// clearBitRange clears all bits in range [first, end) of a bitmap,
// returning how many of them were set.
func clearBitRange(bitmap []byte, first, end uint32) uint32 {
	var cleared uint32
	for i := first; i < end; i++ {
		if mask := byte(1) << (i % 8); bitmap[i/8]&mask != 0 {
			bitmap[i/8] &^= mask
			cleared++
		}
	}
	return cleared
}

func writeBlocks(blockDevice blockdevice.BlockDevice, firstBlock uint32, data []byte) error {
	if _, err := blockDevice.WriteAt(data, toDeviceOffset(firstBlock)); err != nil {
		return util.StatusWrapf(err, "Failed to write blocks starting at block %d", firstBlock)
	}
	return nil
}

// Format writes an empty simplefs file system to a block device. The
// resulting file system only contains the root inode, which has no
// index block. All metadata blocks are marked as allocated.
func Format(blockDevice blockdevice.BlockDevice, blockCount, inodeCount uint32, id uuid.UUID, clock clock.Clock) (Superblock, error) {
	sb, err := NewSuperblock(blockCount, inodeCount, id)
	if err != nil {
		return Superblock{}, util.StatusWrap(err, "Invalid file system geometry")
	}

	superblock := make([]byte, BlockSizeBytes)
	sb.MarshalSuperblock(superblock)
	if err := writeBlocks(blockDevice, SuperblockBlock, superblock); err != nil {
		return Superblock{}, err
	}

	inodeStore := make([]byte, int(sb.InodeStoreBlocks)*BlockSizeBytes)
	now := clock.Now()
	rootInode := InodeInfo{
		Number:           RootInodeNumber,
		Mode:             0o40755,
		LinkCount:        2,
		AccessTime:       now,
		ChangeTime:       now,
		ModificationTime: now,
	}
	rootInode.MarshalInode(inodeStore[RootInodeNumber*InodeSizeBytes:])
	if err := writeBlocks(blockDevice, sb.GetInodeStoreStart(), inodeStore); err != nil {
		return Superblock{}, err
	}

	// Bits that are set in the bitmaps denote free inodes and blocks.
	inodeBitmap := make([]byte, int(sb.InodeBitmapBlocks)*BlockSizeBytes)
	setBitRange(inodeBitmap, RootInodeNumber+1, sb.TotalInodes)
	if err := writeBlocks(blockDevice, sb.GetInodeBitmapStart(), inodeBitmap); err != nil {
		return Superblock{}, err
	}
	blockBitmap := make([]byte, int(sb.BlockBitmapBlocks)*BlockSizeBytes)
	setBitRange(blockBitmap, sb.GetDataRegionStart(), sb.TotalBlocks)
	if err := writeBlocks(blockDevice, sb.GetBlockBitmapStart(), blockBitmap); err != nil {
		return Superblock{}, err
	}

	if err := blockDevice.Sync(); err != nil {
		return Superblock{}, util.StatusWrap(err, "Failed to synchronize block device")
	}
	return sb, nil
}
