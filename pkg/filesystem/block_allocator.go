package filesystem

// BlockAllocator is used by the simplefs block mapper to obtain data
// blocks on the underlying block device, and by the mount lifecycle to
// hand out inode numbers.
//
// Implementations must be safe for concurrent use. The free count
// returned by GetFreeBlockCount() is a snapshot; it may be stale by the
// time the caller acts upon it.
type BlockAllocator interface {
	// Allocate a single block. Block numbers handed out by this
	// function are never zero, so that zero can be used by the user
	// of this interface to denote holes in sparse files. If no
	// blocks are available, an error with code RESOURCE_EXHAUSTED
	// is returned.
	AllocateBlock() (uint32, error)
	// Free a single block. It is invalid to call this function
	// with block number zero, or with a block that is not
	// allocated.
	FreeBlock(block uint32)
	// Free a potentially fragmented list of blocks. Elements with
	// value zero are ignored.
	FreeBlockList(blocks []uint32)
	// Return the number of blocks that are currently free.
	GetFreeBlockCount() uint32
}
