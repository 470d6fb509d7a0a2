package simplefs

import (
	"encoding/binary"
)

// IndexBlock provides access to the entries of an index block that is
// stored in a block buffer. Entry n contains the physical block number
// of logical block n of the file, or zero if that part of the file is
// a hole.
type IndexBlock []byte

// GetEntry returns the physical block number of a logical block.
func (ib IndexBlock) GetEntry(logicalBlock uint32) uint32 {
	return binary.LittleEndian.Uint32(ib[logicalBlock*4:])
}

// SetEntry stores the physical block number of a logical block.
func (ib IndexBlock) SetEntry(logicalBlock, physicalBlock uint32) {
	binary.LittleEndian.PutUint32(ib[logicalBlock*4:], physicalBlock)
}
