package gqcow2

import (
	"encoding/binary"
	"fmt"
)

const tableEntrySize = 8

// only the 9-55bits are meaningful
const hostOffsetMask = uint64(0x00fffffffffffe00)

// MaxL1TableSize is the largest L1 table qemu accepts, in bytes.
const MaxL1TableSize = 32 << 20

type L1Entry struct {
	Index         int
	L2TableOffset uint64
	// false means refcount == 0 or refcont >=2
	// true means refcount == 1
	RefCountBit bool
}

type L2Entry struct {
	// false for cluster that are:
	// unused, compressed or require COW
	// true for standard clusters whose refcount == 1
	Flag bool

	// only one may exist
	Standard   *StandardDescriptor
	Compressed *CompressedDescriptor
}

// Allocated reports whether an L2 table backs this range. An L2 offset of
// zero leaves the whole range sparse.
func (e *L1Entry) Allocated() bool {
	return e.L2TableOffset != 0
}

// ReadL2 materializes the whole L2 table this entry points at.
func (e *L1Entry) ReadL2(r FileHandler, clusterBits uint32) ([]L2Entry, error) {
	if !e.Allocated() {
		return nil, fmt.Errorf("%w: L1 entry %d is unallocated", ErrInvalidL2Table, e.Index)
	}

	raw, err := readAt(r, int64(e.L2TableOffset), int64(1)<<clusterBits)
	if err != nil {
		return nil, fmt.Errorf("reading L2 table at 0x%x: %w", e.L2TableOffset, err)
	}

	return decodeL2Table(raw, clusterBits), nil
}

func decodeL2Table(raw []byte, clusterBits uint32) []L2Entry {
	count := uint64(len(raw)) / tableEntrySize
	table := make([]L2Entry, count)
	for index := range count {
		table[index] = extractL2Entry(raw, index, clusterBits)
	}
	return table
}

func (i *Image) LoadL1Table() error {
	clusterSize := i.Header.ClusterSize()
	offset := i.Header.L1TableOffset
	totalTableSize := int64(i.Header.L1Size) * tableEntrySize

	if totalTableSize > MaxL1TableSize {
		return fmt.Errorf("%w: L1 table of %d entries exceeds %d bytes",
			ErrCorruptImage, i.Header.L1Size, MaxL1TableSize)
	}

	if offset%clusterSize != 0 {
		return fmt.Errorf("corrupted header, L1 table offset 0x%x not aligned to cluster boundary", offset)
	}

	// even its read, but corrupted, should abort
	tableBuf, err := readAt(i.Handler, int64(offset), totalTableSize)
	if err != nil {
		return fmt.Errorf("reading L1 table: %w", err)
	}

	i.L1Table = make([]L1Entry, 0, i.Header.L1Size)
	for index := range uint64(i.Header.L1Size) {
		e := binary.BigEndian.Uint64(tableBuf[index*tableEntrySize : (index+1)*tableEntrySize])

		newEntry := L1Entry{
			Index:         int(index),
			L2TableOffset: e & hostOffsetMask,
			RefCountBit:   (e>>63)&1 == 1,
		}

		if newEntry.L2TableOffset%clusterSize != 0 {
			return fmt.Errorf("%w: L1 entry %d offset 0x%x not aligned to cluster boundary",
				ErrInvalidL2Table, index, newEntry.L2TableOffset)
		}

		i.L1Table = append(i.L1Table, newEntry)
	}

	return nil
}

// L1Entry returns a reference into the image's own L1 table, absent when
// index is past its end. The table is never mutated once loaded.
func (i *Image) L1Entry(index uint64) (*L1Entry, bool) {
	if index >= uint64(len(i.L1Table)) {
		return nil, false
	}
	return &i.L1Table[index], true
}

// FindL2Entry looks up the descriptor for the cluster holding vdOffset.
// Decoded L2 tables are kept in the image LRU, so walking the disk cluster
// by cluster reads each table once.
func (i *Image) FindL2Entry(vdOffset uint64) (L2Entry, error) {
	// each L2 table entry take 64bits, 8bytes
	// and each L2 table takes 1 cluster size
	l2EntryCountPerTable := i.Header.L2Entries()

	l1Index := (vdOffset / i.Header.ClusterSize()) / l2EntryCountPerTable
	l2Index := (vdOffset / i.Header.ClusterSize()) % l2EntryCountPerTable

	l1Entry, ok := i.L1Entry(l1Index)
	if !ok {
		return L2Entry{}, fmt.Errorf("%w: offset %d, L1 index %d beyond table of %d",
			ErrOutOfRange, vdOffset, l1Index, len(i.L1Table))
	}
	if !l1Entry.Allocated() {
		return unallocatedL2Entry(), nil
	}

	table, err := i.l2Table(l1Entry)
	if err != nil {
		return L2Entry{}, err
	}

	return table[l2Index], nil
}

func (i *Image) l2Table(l1Entry *L1Entry) ([]L2Entry, error) {
	if table, ok := i.l2Tables.Get(l1Entry.L2TableOffset); ok {
		return table, nil
	}

	i.log.Trace().
		Int("l1_index", l1Entry.Index).
		Uint64("l2_offset", l1Entry.L2TableOffset).
		Msg("L2 table cache miss")

	table, err := l1Entry.ReadL2(i.Handler, i.Header.ClusterBits)
	if err != nil {
		return nil, err
	}
	i.l2Tables.Add(l1Entry.L2TableOffset, table)

	return table, nil
}

func unallocatedL2Entry() L2Entry {
	return L2Entry{Standard: &StandardDescriptor{}}
}

func extractL2Entry(block []byte, index uint64, cb uint32) L2Entry {
	offset := index * tableEntrySize

	rawEntry := binary.BigEndian.Uint64(block[offset : offset+tableEntrySize])

	descriptorType := (rawEntry >> 62) & 1
	flag := (rawEntry >> 63) & 1
	entry := L2Entry{
		Flag: flag == 1,
	}
	if descriptorType == 0 {
		entry.Standard = &StandardDescriptor{
			DataOffset: rawEntry & hostOffsetMask,
			AllZero:    rawEntry&1 == 1,
		}
	} else {
		// x = 62 - (cluster_bits - 8), offset below x, sector count above
		split := 62 - (cb - 8)
		entry.Compressed = &CompressedDescriptor{
			DataOffset:            rawEntry & ((1 << split) - 1),
			AdditionalSectorCount: (rawEntry >> split) & ((1 << (62 - split)) - 1),
		}
	}

	return entry
}
