package simplefs

import (
	"encoding/binary"

	"github.com/google/uuid"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// A simplefs image has the following layout. All integers are stored
// in little endian byte order.
//
//	+---------------+
//	|  superblock   |  1 block
//	+---------------+
//	|  inode store  |  InodeStoreBlocks blocks
//	+---------------+
//	| ifree bitmap  |  InodeBitmapBlocks blocks
//	+---------------+
//	| bfree bitmap  |  BlockBitmapBlocks blocks
//	+---------------+
//	|    data       |
//	|      blocks   |  rest of the blocks
//	+---------------+
const (
	// Magic is stored at the start of the superblock.
	Magic = 0xdeadce

	// SuperblockBlock is the block number of the superblock.
	SuperblockBlock = 0

	// BlockSizeBytes is the size of every block on the device.
	BlockSizeBytes = 1 << 12

	// IndexBlockEntries is the number of block numbers that fit in
	// a single index block. As files only have a single index
	// block, this is also the maximum number of blocks per file.
	IndexBlockEntries = BlockSizeBytes / 4

	// MaximumFileSizeBytes is the size of the largest file that can
	// be addressed through an index block.
	MaximumFileSizeBytes = IndexBlockEntries * BlockSizeBytes

	// InodeSizeBytes is the size of a single inode record in the
	// inode store.
	InodeSizeBytes = 40

	// InodesPerBlock is the number of inode records stored in a
	// single block of the inode store. Inode records never cross
	// block boundaries.
	InodesPerBlock = BlockSizeBytes / InodeSizeBytes

	bitsPerBlock        = BlockSizeBytes * 8
	superblockSizeBytes = 8*4 + 16
)

// Superblock contains the contents of block zero of a simplefs image.
type Superblock struct {
	Magic             uint32
	TotalBlocks       uint32
	TotalInodes       uint32
	InodeStoreBlocks  uint32
	InodeBitmapBlocks uint32
	BlockBitmapBlocks uint32
	FreeInodes        uint32
	FreeBlocks        uint32
	UUID              uuid.UUID
}

func blocksForBits(bits uint32) uint32 {
	return uint32((uint64(bits) + bitsPerBlock - 1) / bitsPerBlock)
}

// NewSuperblock computes the layout of a fresh simplefs image
// consisting of a given number of blocks. If inodeCount is zero, one
// inode is provided for every block, which is what mkfs.simplefs does
// as well. The inode count is always rounded up to fill the last
// block of the inode store.
//
// The free counts of the returned superblock are those of an empty
// file system, in which only the root inode and all metadata blocks
// are in use.
func NewSuperblock(blockCount, inodeCount uint32, id uuid.UUID) (Superblock, error) {
	if inodeCount == 0 {
		inodeCount = blockCount
	}
	inodeStoreBlocks := uint32((uint64(inodeCount) + InodesPerBlock - 1) / InodesPerBlock)
	sb := Superblock{
		Magic:             Magic,
		TotalBlocks:       blockCount,
		TotalInodes:       inodeStoreBlocks * InodesPerBlock,
		InodeStoreBlocks:  inodeStoreBlocks,
		InodeBitmapBlocks: blocksForBits(inodeStoreBlocks * InodesPerBlock),
		BlockBitmapBlocks: blocksForBits(blockCount),
		UUID:              id,
	}
	if err := sb.checkGeometry(); err != nil {
		return Superblock{}, err
	}
	sb.FreeInodes = sb.TotalInodes - 1
	sb.FreeBlocks = sb.TotalBlocks - sb.GetDataRegionStart()
	return sb, nil
}

// UnmarshalSuperblock decodes and validates the contents of the
// superblock.
func UnmarshalSuperblock(b []byte) (Superblock, error) {
	if len(b) < superblockSizeBytes {
		return Superblock{}, status.Errorf(codes.InvalidArgument, "Superblock is %d bytes in size, while at least %d bytes were expected", len(b), superblockSizeBytes)
	}
	sb := Superblock{
		Magic:             binary.LittleEndian.Uint32(b[0:]),
		TotalBlocks:       binary.LittleEndian.Uint32(b[4:]),
		TotalInodes:       binary.LittleEndian.Uint32(b[8:]),
		InodeStoreBlocks:  binary.LittleEndian.Uint32(b[12:]),
		InodeBitmapBlocks: binary.LittleEndian.Uint32(b[16:]),
		BlockBitmapBlocks: binary.LittleEndian.Uint32(b[20:]),
		FreeInodes:        binary.LittleEndian.Uint32(b[24:]),
		FreeBlocks:        binary.LittleEndian.Uint32(b[28:]),
	}
	copy(sb.UUID[:], b[32:48])
	if sb.Magic != Magic {
		return Superblock{}, status.Errorf(codes.FailedPrecondition, "Superblock has magic %#x, while %#x was expected", sb.Magic, uint32(Magic))
	}
	if err := sb.checkGeometry(); err != nil {
		return Superblock{}, err
	}
	if sb.FreeInodes > sb.TotalInodes || sb.FreeBlocks > sb.TotalBlocks {
		return Superblock{}, status.Errorf(codes.FailedPrecondition, "Superblock reports %d free inodes and %d free blocks, which exceeds the totals of %d and %d", sb.FreeInodes, sb.FreeBlocks, sb.TotalInodes, sb.TotalBlocks)
	}
	return sb, nil
}

func (sb *Superblock) checkGeometry() error {
	if uint64(sb.InodeStoreBlocks)*InodesPerBlock < uint64(sb.TotalInodes) {
		return status.Errorf(codes.FailedPrecondition, "Inode store of %d blocks cannot hold %d inodes", sb.InodeStoreBlocks, sb.TotalInodes)
	}
	if uint64(sb.InodeBitmapBlocks)*bitsPerBlock < uint64(sb.TotalInodes) {
		return status.Errorf(codes.FailedPrecondition, "Inode bitmap of %d blocks cannot hold %d inodes", sb.InodeBitmapBlocks, sb.TotalInodes)
	}
	if uint64(sb.BlockBitmapBlocks)*bitsPerBlock < uint64(sb.TotalBlocks) {
		return status.Errorf(codes.FailedPrecondition, "Block bitmap of %d blocks cannot hold %d blocks", sb.BlockBitmapBlocks, sb.TotalBlocks)
	}
	if metadataBlocks := 1 + uint64(sb.InodeStoreBlocks) + uint64(sb.InodeBitmapBlocks) + uint64(sb.BlockBitmapBlocks); metadataBlocks >= uint64(sb.TotalBlocks) {
		return status.Errorf(codes.FailedPrecondition, "Metadata requires %d blocks, leaving no room for data in a file system of %d blocks", metadataBlocks, sb.TotalBlocks)
	}
	return nil
}

// MarshalSuperblock encodes the superblock into the start of a block
// buffer. The remainder of the buffer is left untouched.
func (sb *Superblock) MarshalSuperblock(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], sb.Magic)
	binary.LittleEndian.PutUint32(b[4:], sb.TotalBlocks)
	binary.LittleEndian.PutUint32(b[8:], sb.TotalInodes)
	binary.LittleEndian.PutUint32(b[12:], sb.InodeStoreBlocks)
	binary.LittleEndian.PutUint32(b[16:], sb.InodeBitmapBlocks)
	binary.LittleEndian.PutUint32(b[20:], sb.BlockBitmapBlocks)
	binary.LittleEndian.PutUint32(b[24:], sb.FreeInodes)
	binary.LittleEndian.PutUint32(b[28:], sb.FreeBlocks)
	copy(b[32:48], sb.UUID[:])
}

// GetInodeStoreStart returns the first block of the inode store.
func (sb *Superblock) GetInodeStoreStart() uint32 {
	return SuperblockBlock + 1
}

// GetInodeBitmapStart returns the first block of the free inode bitmap.
func (sb *Superblock) GetInodeBitmapStart() uint32 {
	return sb.GetInodeStoreStart() + sb.InodeStoreBlocks
}

// GetBlockBitmapStart returns the first block of the free block bitmap.
func (sb *Superblock) GetBlockBitmapStart() uint32 {
	return sb.GetInodeBitmapStart() + sb.InodeBitmapBlocks
}

// GetDataRegionStart returns the first block that may be handed out
// to files. All blocks before it hold metadata.
func (sb *Superblock) GetDataRegionStart() uint32 {
	return sb.GetBlockBitmapStart() + sb.BlockBitmapBlocks
}

// GetInodeLocation returns the block of the inode store holding an
// inode, and the offset of its record within that block.
func (sb *Superblock) GetInodeLocation(inodeNumber uint32) (uint32, int) {
	return sb.GetInodeStoreStart() + inodeNumber/InodesPerBlock, int(inodeNumber%InodesPerBlock) * InodeSizeBytes
}
