package simplefs

import (
	"io"
	"sync"

	"github.com/buildbarn/bb-storage/pkg/filesystem"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Syncer is called into by files to persist all pending changes of the
// file system that holds them.
type Syncer interface {
	Sync() error
}

type stagedFile struct {
	inode          *InodeInfo
	inodeLock      sync.Locker
	fileOperations FileOperations
	bufferCache    *BufferCache
	syncer         Syncer
	errorLogger    util.ErrorLogger
}

// NewStagedFile creates a handle for reading and writing the contents
// of a regular file. File contents are staged in a BufferCache, and
// every access is translated to physical blocks through
// FileOperations.ResolveBlock().
//
// All operations acquire inodeLock, which must be shared by all handles
// of the same inode. This ensures that the index of the file is never
// accessed concurrently.
func NewStagedFile(inode *InodeInfo, inodeLock sync.Locker, fileOperations FileOperations, bufferCache *BufferCache, syncer Syncer, errorLogger util.ErrorLogger) filesystem.FileReadWriter {
	return &stagedFile{
		inode:          inode,
		inodeLock:      inodeLock,
		fileOperations: fileOperations,
		bufferCache:    bufferCache,
		syncer:         syncer,
		errorLogger:    errorLogger,
	}
}

func (f *stagedFile) checkNotRemovedLocked() error {
	if f.inode.IndexBlock == 0 {
		return status.Errorf(codes.NotFound, "Inode %d has been removed", f.inode.Number)
	}
	return nil
}

// splitOffset converts a byte offset within a file to a logical block
// number and an offset within that block.
func splitOffset(off uint64) (uint32, int) {
	return uint32(off / BlockSizeBytes), int(off % BlockSizeBytes)
}

func (f *stagedFile) Close() error {
	f.fileOperations = nil
	f.bufferCache = nil
	return nil
}

// readFromBlock fills a buffer with data from a single logical block.
func (f *stagedFile) readFromBlock(p []byte, logicalBlock uint32, offsetWithinBlock int) error {
	mapping, err := f.fileOperations.ResolveBlock(f.inode, logicalBlock, false)
	if err != nil {
		return err
	}
	if mapping.IsHole() {
		// Attempted to read from a sparse region of the file.
		clear(p)
		return nil
	}

	buffer, err := f.bufferCache.Read(mapping.PhysicalBlock)
	if err != nil {
		return err
	}
	copy(p, buffer.Data()[offsetWithinBlock:])
	buffer.Release()
	return nil
}

func (f *stagedFile) ReadAt(p []byte, off int64) (int, error) {
	// Short circuit calls that are out of bounds.
	if off < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "Negative read offset: %d", off)
	}
	if len(p) == 0 {
		return 0, nil
	}

	f.inodeLock.Lock()
	defer f.inodeLock.Unlock()

	if err := f.checkNotRemovedLocked(); err != nil {
		return 0, err
	}

	// Limit the read operation to the size of the file. Already
	// determine whether this operation will return nil or io.EOF.
	sizeBytes := f.inode.SizeBytes
	if uint64(off) >= sizeBytes {
		return 0, io.EOF
	}
	var success error
	if end := uint64(off) + uint64(len(p)); end >= sizeBytes {
		success = io.EOF
		p = p[:sizeBytes-uint64(off)]
	}

	// Decompose the read into one read per block.
	nTotal := 0
	for len(p) > 0 {
		logicalBlock, offsetWithinBlock := splitOffset(uint64(off) + uint64(nTotal))
		n := min(len(p), BlockSizeBytes-offsetWithinBlock)
		if err := f.readFromBlock(p[:n], logicalBlock, offsetWithinBlock); err != nil {
			return nTotal, util.StatusWrapf(err, "Failed to read from inode %d at offset %d", f.inode.Number, uint64(off)+uint64(nTotal))
		}
		p = p[n:]
		nTotal += n
	}
	return nTotal, success
}

// writeToBlock copies data into a single logical block of the file,
// allocating it if needed.
func (f *stagedFile) writeToBlock(p []byte, logicalBlock uint32, offsetWithinBlock int) error {
	mapping, err := f.fileOperations.ResolveBlock(f.inode, logicalBlock, true)
	if err != nil {
		return err
	}

	// Freshly allocated blocks may contain data of files that were
	// removed, so their contents must not be read. The same holds
	// for blocks that are overwritten entirely.
	var buffer *Buffer
	if mapping.Allocated || len(p) == BlockSizeBytes {
		buffer = f.bufferCache.GetZeroed(mapping.PhysicalBlock)
	} else if buffer, err = f.bufferCache.Read(mapping.PhysicalBlock); err != nil {
		return err
	}
	buffer.Lock()
	copy(buffer.Data()[offsetWithinBlock:], p)
	buffer.Unlock()
	buffer.MarkDirty()
	buffer.Release()
	return nil
}

func (f *stagedFile) WriteAt(p []byte, off int64) (int, error) {
	// Short circuit calls that are out of bounds.
	if off < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "Negative write offset: %d", off)
	}
	if len(p) == 0 {
		return 0, nil
	}

	f.inodeLock.Lock()
	defer f.inodeLock.Unlock()

	if err := f.checkNotRemovedLocked(); err != nil {
		return 0, err
	}
	if err := f.fileOperations.AdmitWrite(f.inode, uint64(off), uint64(len(p))); err != nil {
		return 0, err
	}

	// Decompose the write into one write per block. If a block
	// cannot be written, stop and commit the data written so far.
	nTotal := 0
	var writeErr error
	for nTotal < len(p) {
		logicalBlock, offsetWithinBlock := splitOffset(uint64(off) + uint64(nTotal))
		n := min(len(p)-nTotal, BlockSizeBytes-offsetWithinBlock)
		if err := f.writeToBlock(p[nTotal:nTotal+n], logicalBlock, offsetWithinBlock); err != nil {
			writeErr = util.StatusWrapf(err, "Failed to write to inode %d at offset %d", f.inode.Number, uint64(off)+uint64(nTotal))
			break
		}
		nTotal += n
	}

	if _, err := f.fileOperations.CommitWrite(f.inode, f, uint64(off), uint64(len(p)), uint64(nTotal)); err != nil && writeErr == nil {
		writeErr = err
	}
	return nTotal, writeErr
}

func (f *stagedFile) Truncate(size int64) error {
	if size < 0 {
		return status.Errorf(codes.InvalidArgument, "Negative truncation size: %d", size)
	}

	f.inodeLock.Lock()
	defer f.inodeLock.Unlock()

	if err := f.checkNotRemovedLocked(); err != nil {
		return err
	}
	return f.fileOperations.Truncate(f.inode, f, uint64(size))
}

func (f *stagedFile) Len() (int64, error) {
	f.inodeLock.Lock()
	defer f.inodeLock.Unlock()

	if err := f.checkNotRemovedLocked(); err != nil {
		return 0, err
	}
	return int64(f.inode.SizeBytes), nil
}

func (f *stagedFile) Sync() error {
	return f.syncer.Sync()
}

func (f *stagedFile) GetNextRegionOffset(off int64, regionType filesystem.RegionType) (int64, error) {
	// Short circuit calls that are out of bounds.
	if off < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "Negative seek offset: %d", off)
	}

	f.inodeLock.Lock()
	defer f.inodeLock.Unlock()

	if err := f.checkNotRemovedLocked(); err != nil {
		return 0, err
	}
	sizeBytes := f.inode.SizeBytes
	if uint64(off) >= sizeBytes {
		return 0, io.EOF
	}

	firstLogicalBlock, _ := splitOffset(uint64(off))
	for logicalBlock := firstLogicalBlock; uint64(logicalBlock)*BlockSizeBytes < sizeBytes; logicalBlock++ {
		mapping, err := f.fileOperations.ResolveBlock(f.inode, logicalBlock, false)
		if err != nil {
			return 0, util.StatusWrapf(err, "Failed to resolve logical block %d of inode %d", logicalBlock, f.inode.Number)
		}
		if mapping.IsHole() == (regionType == filesystem.Hole) {
			if logicalBlock == firstLogicalBlock {
				return off, nil
			}
			return int64(logicalBlock) * BlockSizeBytes, nil
		}
	}

	switch regionType {
	case filesystem.Data:
		return 0, io.EOF
	case filesystem.Hole:
		// File ends in the middle of a block containing data.
		return int64(sizeBytes), nil
	default:
		panic("Unknown region type")
	}
}

// DiscardCacheFrom zeroes the trailing part of the block containing the
// new end of the file, so that growing the file later on doesn't bring
// back old data. Blocks lying entirely beyond the new end of the file
// are dropped from the BufferCache by the BlockMapper as part of
// releasing them.
func (f *stagedFile) DiscardCacheFrom(inode *InodeInfo, offset uint64) {
	logicalBlock, offsetWithinBlock := splitOffset(offset)
	if offsetWithinBlock == 0 {
		return
	}
	mapping, err := f.fileOperations.ResolveBlock(inode, logicalBlock, false)
	if err != nil {
		f.errorLogger.Log(util.StatusWrapf(err, "Failed to zero trailing bytes of inode %d beyond offset %d", inode.Number, offset))
		return
	}
	if mapping.IsHole() {
		return
	}
	buffer, err := f.bufferCache.Read(mapping.PhysicalBlock)
	if err != nil {
		f.errorLogger.Log(util.StatusWrapf(err, "Failed to zero trailing bytes of inode %d beyond offset %d", inode.Number, offset))
		return
	}
	buffer.Lock()
	clear(buffer.Data()[offsetWithinBlock:])
	buffer.Unlock()
	buffer.MarkDirty()
	buffer.Release()
}
