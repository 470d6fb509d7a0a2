package simplefs

import (
	"sync"

	"github.com/buildbarn/bb-simplefs/pkg/filesystem"
	"github.com/buildbarn/bb-storage/pkg/blockdevice"
	"github.com/buildbarn/bb-storage/pkg/clock"
	bb_filesystem "github.com/buildbarn/bb-storage/pkg/filesystem"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/google/uuid"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MountOptions contains the tunables of a mounted file system.
type MountOptions struct {
	// Size of the block device. If nonzero, file systems that
	// extend beyond the end of the device are rejected.
	DeviceSizeBytes int64
	// Number of clean blocks that are retained by the buffer cache.
	MaximumCachedBuffers int
	// Number of blocks that are written in parallel by Sync().
	FlushConcurrency int
	// Whether the allocators and the block mapper should be
	// decorated to expose Prometheus metrics.
	EnableMetrics bool
}

// Statistics of a file system, as reported by statfs(2).
type Statistics struct {
	UUID           uuid.UUID
	BlockSizeBytes uint32
	TotalBlocks    uint32
	FreeBlocks     uint32
	TotalInodes    uint32
	FreeInodes     uint32
}

type cachedInode struct {
	// Serializes all operations against the inode, including access
	// to its index block.
	lock  sync.Mutex
	inode InodeInfo
}

// FileSystem is a mounted simplefs image. It owns the buffer cache, the
// allocators of inodes and blocks, and a cache of inodes that have been
// accessed.
type FileSystem struct {
	bufferCache    *BufferCache
	clock          clock.Clock
	errorLogger    util.ErrorLogger
	inodeBitmap    *filesystem.BitmapBlockAllocator
	blockBitmap    *filesystem.BitmapBlockAllocator
	inodeAllocator filesystem.BlockAllocator
	blockAllocator filesystem.BlockAllocator
	blockMapper    BlockMapper
	fileOperations FileOperations

	lock        sync.Mutex
	superblock  Superblock
	inodes      map[uint32]*cachedInode
	dirtyInodes map[uint32]*cachedInode
}

var _ InodeStore = (*FileSystem)(nil)

// readBitmap loads a bitmap stored in a consecutive range of blocks.
func readBitmap(bufferCache *BufferCache, firstBlock, blockCount uint32) ([]byte, error) {
	bitmap := make([]byte, 0, int(blockCount)*BlockSizeBytes)
	for block := firstBlock; block < firstBlock+blockCount; block++ {
		buffer, err := bufferCache.Read(block)
		if err != nil {
			return nil, err
		}
		bitmap = append(bitmap, buffer.Data()...)
		buffer.Release()
	}
	return bitmap, nil
}

// writeBitmap stores a bitmap in a consecutive range of blocks, padding
// it with zeroes.
func writeBitmap(bufferCache *BufferCache, firstBlock, blockCount uint32, bitmap []byte) {
	for i := uint32(0); i < blockCount; i++ {
		buffer := bufferCache.GetZeroed(firstBlock + i)
		if offset := int(i) * BlockSizeBytes; offset < len(bitmap) {
			buffer.Lock()
			copy(buffer.Data(), bitmap[offset:])
			buffer.Unlock()
		}
		buffer.Release()
	}
}

// Mount a simplefs image stored on a block device. The superblock is
// validated, and the bitmaps are loaded into memory. If the free counts
// stored in the superblock don't match the bitmaps, the bitmaps are
// considered authoritative.
func Mount(blockDevice blockdevice.BlockDevice, clock clock.Clock, errorLogger util.ErrorLogger, options MountOptions) (*FileSystem, error) {
	bufferCache := NewBufferCache(blockDevice, options.MaximumCachedBuffers, options.FlushConcurrency)

	buffer, err := bufferCache.Read(SuperblockBlock)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to read superblock")
	}
	sb, err := UnmarshalSuperblock(buffer.Data())
	buffer.Release()
	if err != nil {
		return nil, util.StatusWrap(err, "Invalid superblock")
	}
	if options.DeviceSizeBytes > 0 && int64(sb.TotalBlocks)*BlockSizeBytes > options.DeviceSizeBytes {
		return nil, status.Errorf(codes.FailedPrecondition, "File system consists of %d blocks, which exceeds the size of the block device of %d bytes", sb.TotalBlocks, options.DeviceSizeBytes)
	}

	rawInodeBitmap, err := readBitmap(bufferCache, sb.GetInodeBitmapStart(), sb.InodeBitmapBlocks)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to read inode bitmap")
	}
	rawBlockBitmap, err := readBitmap(bufferCache, sb.GetBlockBitmapStart(), sb.BlockBitmapBlocks)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to read block bitmap")
	}

	// Never hand out the root inode or metadata blocks, even if the
	// bitmaps claim they are free.
	if n := clearBitRange(rawInodeBitmap, RootInodeNumber, RootInodeNumber+1); n > 0 {
		errorLogger.Log(status.Error(codes.FailedPrecondition, "Inode bitmap marks the root inode as free"))
	}
	if n := clearBitRange(rawBlockBitmap, 0, sb.GetDataRegionStart()); n > 0 {
		errorLogger.Log(status.Errorf(codes.FailedPrecondition, "Block bitmap marks %d metadata blocks as free", n))
	}
	inodeBitmap := filesystem.NewBitmapBlockAllocator(rawInodeBitmap, sb.TotalInodes)
	blockBitmap := filesystem.NewBitmapBlockAllocator(rawBlockBitmap, sb.TotalBlocks)

	if freeInodes := inodeBitmap.GetFreeBlockCount(); sb.FreeInodes != freeInodes {
		errorLogger.Log(status.Errorf(codes.FailedPrecondition, "Superblock reports %d free inodes, while the inode bitmap contains %d free inodes", sb.FreeInodes, freeInodes))
		sb.FreeInodes = freeInodes
	}
	if freeBlocks := blockBitmap.GetFreeBlockCount(); sb.FreeBlocks != freeBlocks {
		errorLogger.Log(status.Errorf(codes.FailedPrecondition, "Superblock reports %d free blocks, while the block bitmap contains %d free blocks", sb.FreeBlocks, freeBlocks))
		sb.FreeBlocks = freeBlocks
	}

	var inodeAllocator, blockAllocator filesystem.BlockAllocator = inodeBitmap, blockBitmap
	if options.EnableMetrics {
		inodeAllocator = filesystem.NewMetricsBlockAllocator(inodeAllocator, "inode")
		blockAllocator = filesystem.NewMetricsBlockAllocator(blockAllocator, "data")
	}
	blockMapper := NewSingleLevelBlockMapper(bufferCache, blockAllocator, sb.GetDataRegionStart(), sb.TotalBlocks)
	if options.EnableMetrics {
		blockMapper = NewMetricsBlockMapper(blockMapper)
	}

	fs := &FileSystem{
		bufferCache:    bufferCache,
		clock:          clock,
		errorLogger:    errorLogger,
		inodeBitmap:    inodeBitmap,
		blockBitmap:    blockBitmap,
		inodeAllocator: inodeAllocator,
		blockAllocator: blockAllocator,
		blockMapper:    blockMapper,

		superblock:  sb,
		inodes:      map[uint32]*cachedInode{},
		dirtyInodes: map[uint32]*cachedInode{},
	}
	fs.fileOperations = NewFileOperations(blockMapper, blockAllocator, fs, clock, errorLogger)
	return fs, nil
}

// MarkInodeDirty schedules an inode to be written back to the inode
// store during the next call to Sync().
func (fs *FileSystem) MarkInodeDirty(inode *InodeInfo) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if ci, ok := fs.inodes[inode.Number]; ok && &ci.inode == inode {
		fs.dirtyInodes[inode.Number] = ci
	}
}

// getInode returns the cached copy of an inode, loading it from the
// inode store if needed.
func (fs *FileSystem) getInode(inodeNumber uint32) (*cachedInode, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if ci, ok := fs.inodes[inodeNumber]; ok {
		return ci, nil
	}
	if inodeNumber == RootInodeNumber || inodeNumber >= fs.superblock.TotalInodes {
		return nil, status.Errorf(codes.InvalidArgument, "Inode %d does not refer to a regular file", inodeNumber)
	}

	block, offset := fs.superblock.GetInodeLocation(inodeNumber)
	buffer, err := fs.bufferCache.Read(block)
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to read inode %d", inodeNumber)
	}
	buffer.RLock()
	inode := UnmarshalInode(inodeNumber, buffer.Data()[offset:offset+InodeSizeBytes])
	buffer.RUnlock()
	buffer.Release()

	if inode.LinkCount == 0 || inode.IndexBlock == 0 {
		return nil, status.Errorf(codes.NotFound, "Inode %d is not in use", inodeNumber)
	}
	if inode.IndexBlock < fs.superblock.GetDataRegionStart() || inode.IndexBlock >= fs.superblock.TotalBlocks {
		return nil, status.Errorf(codes.FailedPrecondition, "Inode %d has index block %d, which lies outside the data region", inodeNumber, inode.IndexBlock)
	}
	if inode.SizeBytes > MaximumFileSizeBytes {
		return nil, status.Errorf(codes.FailedPrecondition, "Inode %d has size %d, which exceeds the maximum file size of %d bytes", inodeNumber, inode.SizeBytes, MaximumFileSizeBytes)
	}
	ci := &cachedInode{inode: inode}
	fs.inodes[inodeNumber] = ci
	return ci, nil
}

// CreateFile creates a new empty regular file, returning its inode
// number. The file is provided an index block that is initially empty.
func (fs *FileSystem) CreateFile(mode, uid, gid uint32) (uint32, error) {
	inodeNumber, err := fs.inodeAllocator.AllocateBlock()
	if err != nil {
		return 0, util.StatusWrap(err, "Failed to allocate inode")
	}
	indexBlock, err := fs.blockAllocator.AllocateBlock()
	if err != nil {
		fs.inodeAllocator.FreeBlock(inodeNumber)
		return 0, util.StatusWrap(err, "Failed to allocate index block")
	}
	fs.bufferCache.GetZeroed(indexBlock).Release()

	now := fs.clock.Now()
	ci := &cachedInode{
		inode: InodeInfo{
			Number:           inodeNumber,
			Mode:             mode,
			UID:              uid,
			GID:              gid,
			LinkCount:        1,
			BlockCount:       1,
			AccessTime:       now,
			ChangeTime:       now,
			ModificationTime: now,
			IndexBlock:       indexBlock,
		},
	}

	fs.lock.Lock()
	fs.inodes[inodeNumber] = ci
	fs.dirtyInodes[inodeNumber] = ci
	fs.lock.Unlock()
	return inodeNumber, nil
}

// OpenFile returns a handle for reading and writing the contents of a
// regular file.
func (fs *FileSystem) OpenFile(inodeNumber uint32) (bb_filesystem.FileReadWriter, error) {
	ci, err := fs.getInode(inodeNumber)
	if err != nil {
		return nil, err
	}
	return NewStagedFile(&ci.inode, &ci.lock, fs.fileOperations, fs.bufferCache, fs, fs.errorLogger), nil
}

// GetAttributes returns a copy of the attributes of an inode.
func (fs *FileSystem) GetAttributes(inodeNumber uint32) (InodeInfo, error) {
	ci, err := fs.getInode(inodeNumber)
	if err != nil {
		return InodeInfo{}, err
	}
	ci.lock.Lock()
	defer ci.lock.Unlock()
	return ci.inode, nil
}

// RemoveFile removes a regular file, releasing all of its data blocks,
// its index block and its inode. This includes blocks beyond the end
// of the file that were allocated by writes that failed.
func (fs *FileSystem) RemoveFile(inodeNumber uint32) error {
	ci, err := fs.getInode(inodeNumber)
	if err != nil {
		return err
	}
	ci.lock.Lock()
	defer ci.lock.Unlock()

	inode := &ci.inode
	if inode.IndexBlock == 0 {
		return status.Errorf(codes.NotFound, "Inode %d has been removed", inodeNumber)
	}
	if _, err := fs.blockMapper.ReleaseBlocks(inode, 0, IndexBlockEntries); err != nil {
		return util.StatusWrapf(err, "Failed to release data blocks of inode %d", inodeNumber)
	}

	// Clear the inode record before releasing the index block and
	// the inode, so that the file cannot be reloaded.
	block, offset := fs.superblock.GetInodeLocation(inodeNumber)
	buffer, err := fs.bufferCache.Read(block)
	if err != nil {
		return util.StatusWrapf(err, "Failed to clear inode %d", inodeNumber)
	}
	buffer.Lock()
	clear(buffer.Data()[offset : offset+InodeSizeBytes])
	buffer.Unlock()
	buffer.MarkDirty()
	buffer.Release()

	fs.bufferCache.Invalidate(inode.IndexBlock)
	fs.blockAllocator.FreeBlock(inode.IndexBlock)

	// Handles that are still open observe that the file is gone.
	*inode = InodeInfo{Number: inodeNumber}

	fs.lock.Lock()
	delete(fs.inodes, inodeNumber)
	delete(fs.dirtyInodes, inodeNumber)
	fs.lock.Unlock()

	fs.inodeAllocator.FreeBlock(inodeNumber)
	return nil
}

// GetStatistics returns the total and free number of blocks and
// inodes of the file system.
func (fs *FileSystem) GetStatistics() Statistics {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	return Statistics{
		UUID:           fs.superblock.UUID,
		BlockSizeBytes: BlockSizeBytes,
		TotalBlocks:    fs.superblock.TotalBlocks,
		FreeBlocks:     fs.blockAllocator.GetFreeBlockCount(),
		TotalInodes:    fs.superblock.TotalInodes,
		FreeInodes:     fs.inodeAllocator.GetFreeBlockCount(),
	}
}

// writeInode copies the in-memory copy of an inode into the inode
// store.
func (fs *FileSystem) writeInode(ci *cachedInode) error {
	ci.lock.Lock()
	defer ci.lock.Unlock()

	if ci.inode.IndexBlock == 0 {
		// File was removed after being marked dirty.
		return nil
	}
	block, offset := fs.superblock.GetInodeLocation(ci.inode.Number)
	buffer, err := fs.bufferCache.Read(block)
	if err != nil {
		return util.StatusWrapf(err, "Failed to write inode %d", ci.inode.Number)
	}
	buffer.Lock()
	ci.inode.MarshalInode(buffer.Data()[offset : offset+InodeSizeBytes])
	buffer.Unlock()
	buffer.MarkDirty()
	buffer.Release()
	return nil
}

// Sync writes all dirty inodes, the bitmaps and the superblock into the
// buffer cache, and flushes the buffer cache to the block device.
func (fs *FileSystem) Sync() error {
	fs.lock.Lock()
	dirtyInodes := fs.dirtyInodes
	fs.dirtyInodes = map[uint32]*cachedInode{}
	fs.lock.Unlock()

	for inodeNumber, ci := range dirtyInodes {
		if err := fs.writeInode(ci); err != nil {
			// Retry the inodes that have not been written
			// during the next call.
			fs.lock.Lock()
			for remainingNumber, remaining := range dirtyInodes {
				if _, ok := fs.dirtyInodes[remainingNumber]; !ok {
					fs.dirtyInodes[remainingNumber] = remaining
				}
			}
			fs.lock.Unlock()
			return err
		}
		delete(dirtyInodes, inodeNumber)
	}

	fs.lock.Lock()
	sb := &fs.superblock
	writeBitmap(fs.bufferCache, sb.GetInodeBitmapStart(), sb.InodeBitmapBlocks, fs.inodeBitmap.GetFreeBitmap())
	writeBitmap(fs.bufferCache, sb.GetBlockBitmapStart(), sb.BlockBitmapBlocks, fs.blockBitmap.GetFreeBitmap())
	sb.FreeInodes = fs.inodeBitmap.GetFreeBlockCount()
	sb.FreeBlocks = fs.blockBitmap.GetFreeBlockCount()
	buffer, err := fs.bufferCache.Read(SuperblockBlock)
	if err != nil {
		fs.lock.Unlock()
		return util.StatusWrap(err, "Failed to read superblock")
	}
	buffer.Lock()
	sb.MarshalSuperblock(buffer.Data())
	buffer.Unlock()
	buffer.MarkDirty()
	buffer.Release()
	fs.lock.Unlock()

	return fs.bufferCache.Flush()
}

// Close the file system, writing back all pending changes.
func (fs *FileSystem) Close() error {
	return fs.Sync()
}
