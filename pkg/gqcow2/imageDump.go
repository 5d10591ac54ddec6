package gqcow2

import (
	"fmt"
)

// VirtualDiskRegion matches an entry of `qemu-img map --output=json`.
type VirtualDiskRegion struct {
	Start      uint64 `json:"start"`
	Length     uint64 `json:"length"`
	Depth      int    `json:"depth"`
	Present    bool   `json:"present"`
	Zero       bool   `json:"zero"`
	Data       bool   `json:"data"`
	Compressed bool   `json:"compressed"`
	Offset     uint64 `json:"offset,omitempty"`
}

// GuestCluster locates one compressed cluster in the guest disk.
type GuestCluster struct {
	L2Info L2Entry

	// the start offset of the whole disk
	Start uint64
	// usually the cluster size, less for the tail of a disk whose size is
	// not cluster aligned
	Length uint64
}

type ClusterMap struct {
	CompressedCluster []GuestCluster
	Regions           []VirtualDiskRegion
}

func NewClusterMap() *ClusterMap {
	return &ClusterMap{
		CompressedCluster: make([]GuestCluster, 0),
		Regions:           make([]VirtualDiskRegion, 0),
	}
}

// Map lists the guest disk as merged regions, in the format of qemu-img map.
func (image *Image) Map() ([]VirtualDiskRegion, error) {
	cm, err := image.DumpToClusterMap()
	if err != nil {
		return nil, err
	}
	return cm.Regions, nil
}

func (image *Image) DumpToClusterMap() (*ClusterMap, error) {
	clusterMap := NewClusterMap()
	virtualSize := image.Header.Size
	clusterSize := image.Header.ClusterSize()

	// backing files are not followed, everything is top layer
	depth := 0

	var activeRegion VirtualDiskRegion
	for offset := uint64(0); offset < virtualSize; offset += clusterSize {
		entry, err := image.FindL2Entry(offset)
		if err != nil {
			return nil, fmt.Errorf("reading l2 entry failed, offset %d: %w", offset, err)
		}

		newRegion, err := regionFor(entry, offset, min(clusterSize, virtualSize-offset), depth)
		if err != nil {
			return nil, err
		}

		if newRegion.Compressed {
			clusterMap.CompressedCluster = append(clusterMap.CompressedCluster, GuestCluster{
				L2Info: entry,
				Start:  newRegion.Start,
				Length: newRegion.Length,
			})
		}

		// every cluster generate a new region,
		// if same, then merge the length
		// if not, create a new one
		switch {
		case offset == 0:
			activeRegion = newRegion
		case newRegion.SameAs(activeRegion):
			activeRegion.Length += newRegion.Length
		default:
			clusterMap.Regions = append(clusterMap.Regions, activeRegion)
			activeRegion = newRegion
		}
	}

	// get the last one
	if virtualSize > 0 {
		clusterMap.Regions = append(clusterMap.Regions, activeRegion)
	}

	image.log.Debug().
		Int("regions", len(clusterMap.Regions)).
		Int("compressed_clusters", len(clusterMap.CompressedCluster)).
		Msg("mapped guest disk")

	return clusterMap, nil
}

func regionFor(entry L2Entry, start, length uint64, depth int) (VirtualDiskRegion, error) {
	region := VirtualDiskRegion{
		Start:  start,
		Length: length,
		Depth:  depth,
	}

	// present means either is preallocated, or used
	// zero, if present, could be true (not yet written)
	// data, if present, could be false (not yet written)
	switch {
	case entry.Compressed != nil:
		region.Present = true
		region.Compressed = true
		region.Data = true
	case entry.Standard == nil:
		return region, fmt.Errorf("corrupted l2 entry, offset %d", start)
	case entry.Standard.AllZero:
		region.Present = true
		region.Zero = true
	case entry.Standard.DataOffset == 0:
		// unallocated
		region.Zero = true
	default:
		region.Present = true
		region.Data = true
		region.Offset = entry.Standard.DataOffset
	}

	return region, nil
}

// SameAs reports whether two regions can merge. Data regions also need
// contiguous host offsets, as qemu-img reports them.
func (vdr VirtualDiskRegion) SameAs(another VirtualDiskRegion) bool {
	if vdr.Present != another.Present ||
		vdr.Zero != another.Zero ||
		vdr.Data != another.Data ||
		vdr.Compressed != another.Compressed ||
		vdr.Depth != another.Depth {
		return false
	}
	if vdr.Offset == 0 && another.Offset == 0 {
		return true
	}
	// vdr follows another in the guest
	return another.Offset+another.Length == vdr.Offset
}
