package gqcow2

const sectorSize = 512

type StandardDescriptor struct {
	AllZero bool
	// bits 9 - 55
	// if DataOffset is 0, and L2Entry Flag is false
	// this cluster is unallocated
	DataOffset uint64
}

type CompressedDescriptor struct {
	// not aligned to cluster or sector boundary, another compressed
	// cluster may end in the same sector this one starts in
	DataOffset uint64
	// number of 512 byte sectors following the one holding DataOffset.
	// compressed data does not necessarily occupy all of the final
	// sector; decompression stops when it has produced a cluster of data.
	AdditionalSectorCount uint64
}

// CompressedSize is the upper bound of the compressed stream in bytes,
// counted from DataOffset to the end of the last sector.
func (cd *CompressedDescriptor) CompressedSize() uint64 {
	return (cd.AdditionalSectorCount+1)*sectorSize - cd.DataOffset%sectorSize
}
