package simplefs

import (
	"encoding/binary"
	"time"
)

// InodeInfo holds the in-memory copy of an inode. Instances are owned
// by the inode cache of the mount. The block mapper and the write path
// read SizeBytes and BlockCount, and update them once a write
// completes.
type InodeInfo struct {
	Number uint32

	Mode      uint32
	UID       uint32
	GID       uint32
	LinkCount uint32

	SizeBytes        uint64
	BlockCount       uint32
	AccessTime       time.Time
	ChangeTime       time.Time
	ModificationTime time.Time

	// IndexBlock is the physical block holding the index block of
	// the file. It is assigned when the file is created, and
	// remains unchanged until the file is removed.
	IndexBlock uint32
}

// UnmarshalInode decodes an inode record stored in the inode store.
func UnmarshalInode(inodeNumber uint32, b []byte) InodeInfo {
	return InodeInfo{
		Number:           inodeNumber,
		Mode:             binary.LittleEndian.Uint32(b[0:]),
		UID:              binary.LittleEndian.Uint32(b[4:]),
		GID:              binary.LittleEndian.Uint32(b[8:]),
		SizeBytes:        uint64(binary.LittleEndian.Uint32(b[12:])),
		ChangeTime:       time.Unix(int64(binary.LittleEndian.Uint32(b[16:])), 0),
		AccessTime:       time.Unix(int64(binary.LittleEndian.Uint32(b[20:])), 0),
		ModificationTime: time.Unix(int64(binary.LittleEndian.Uint32(b[24:])), 0),
		BlockCount:       binary.LittleEndian.Uint32(b[28:]),
		LinkCount:        binary.LittleEndian.Uint32(b[32:]),
		IndexBlock:       binary.LittleEndian.Uint32(b[36:]),
	}
}

// MarshalInode encodes an inode into a record in the inode store.
// Timestamps are stored with a granularity of one second.
func (inode *InodeInfo) MarshalInode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], inode.Mode)
	binary.LittleEndian.PutUint32(b[4:], inode.UID)
	binary.LittleEndian.PutUint32(b[8:], inode.GID)
	binary.LittleEndian.PutUint32(b[12:], uint32(inode.SizeBytes))
	binary.LittleEndian.PutUint32(b[16:], uint32(inode.ChangeTime.Unix()))
	binary.LittleEndian.PutUint32(b[20:], uint32(inode.AccessTime.Unix()))
	binary.LittleEndian.PutUint32(b[24:], uint32(inode.ModificationTime.Unix()))
	binary.LittleEndian.PutUint32(b[28:], inode.BlockCount)
	binary.LittleEndian.PutUint32(b[32:], inode.LinkCount)
	binary.LittleEndian.PutUint32(b[36:], inode.IndexBlock)
}
