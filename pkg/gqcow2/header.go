package gqcow2

import (
	"encoding/binary"
	"fmt"
)

const QCOW2MagicNumber = "QFI\xfb"

const (
	HeaderSizeV2 = 72
	HeaderSizeV3 = 104

	// 1 << 9 == 512 is the smallest cluster, qemu refuses anything above 2MB
	MinClusterBits = 9
	MaxClusterBits = 21
)

// incompatible feature bits, bytes 72 - 79
const (
	IncompatDirtyBit        = 1 << 0
	IncompatCorruptBit      = 1 << 1
	IncompatExternalData    = 1 << 2
	IncompatCompressionType = 1 << 3
	IncompatExtendedL2      = 1 << 4
)

// compatible feature bits, bytes 80 - 87
const (
	CompatLazyRefcounts = 1 << 0
)

// v2 layout, big-endian, 72 bytes:
//
//	 0 -  3  magic "QFI\xfb"
//	 4 -  7  version (2 or 3)
//	 8 - 15  backing_file_offset, 0 without backing file
//	16 - 19  backing_file_size
//	20 - 23  cluster_bits, 1 << cluster_bits is the cluster size
//	24 - 31  size, virtual disk size in bytes
//	32 - 35  crypt_method, 0 none, 1 AES, 2 LUKS
//	36 - 39  l1_size, number of entries in the active L1 table
//	40 - 47  l1_table_offset, cluster aligned
//	48 - 55  refcount_table_offset, cluster aligned
//	56 - 59  refcount_table_clusters
//	60 - 63  nb_snapshots
//	64 - 71  snapshots_offset
//
// v3 appends:
//
//	 72 -  79  incompatible_features
//	 80 -  87  compatible_features
//	 88 -  95  autoclear_features
//	 96 -  99  refcount_order
//	100 - 103  header_length
//	      104  compression_type, only if header_length > 104
type Header struct {
	// valid: 2 or 3
	Version uint32

	BackingFileOffset uint64
	BackingFileSize   uint32

	// cluster size is 1 << cluster bits
	ClusterBits uint32
	// virtual disk size in bytes
	Size        uint64
	CryptMethod uint32

	L1Size        uint32
	L1TableOffset uint64

	RefCountTableOffset   uint64
	RefcountTableClusters uint32

	NumSnapshots   uint32
	SnapshotOffset uint64

	// nil for v2 images
	V3 *HeaderV3
}

type HeaderV3 struct {
	IncompatibleFeatures uint64
	CompatibleFeatures   uint64
	AutoclearFeatures    uint64
	RefCountOrder        uint32
	// 4bytes, 100 - 103
	Length uint32

	CompressionType CompressionType
}

// ClusterSize is in bytes
func (h *Header) ClusterSize() uint64 {
	return 1 << h.ClusterBits
}

// L2Entries is the number of 8 byte entries in one L2 table, which always
// takes exactly one cluster.
func (h *Header) L2Entries() uint64 {
	return h.ClusterSize() / 8
}

// CompressionType falls back to zlib when the v3 extension is absent.
func (h *Header) CompressionType() CompressionType {
	if h.V3 == nil {
		return CompressionZlib
	}
	return h.V3.CompressionType
}

func (h *Header) Dirty() bool {
	return h.V3 != nil && h.V3.IncompatibleFeatures&IncompatDirtyBit != 0
}

func ParseHeader(r FileHandler) (*Header, error) {
	hdr, err := readAt(r, 0, HeaderSizeV2)
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	if string(hdr[0:4]) != QCOW2MagicNumber {
		return nil, ErrInvalidMagic
	}

	h := &Header{
		Version:               binary.BigEndian.Uint32(hdr[4:8]),
		BackingFileOffset:     binary.BigEndian.Uint64(hdr[8:16]),
		BackingFileSize:       binary.BigEndian.Uint32(hdr[16:20]),
		ClusterBits:           binary.BigEndian.Uint32(hdr[20:24]),
		Size:                  binary.BigEndian.Uint64(hdr[24:32]),
		CryptMethod:           binary.BigEndian.Uint32(hdr[32:36]),
		L1Size:                binary.BigEndian.Uint32(hdr[36:40]),
		L1TableOffset:         binary.BigEndian.Uint64(hdr[40:48]),
		RefCountTableOffset:   binary.BigEndian.Uint64(hdr[48:56]),
		RefcountTableClusters: binary.BigEndian.Uint32(hdr[56:60]),
		NumSnapshots:          binary.BigEndian.Uint32(hdr[60:64]),
		SnapshotOffset:        binary.BigEndian.Uint64(hdr[64:72]),
	}

	if h.Version != 2 && h.Version != 3 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.ClusterBits < MinClusterBits || h.ClusterBits > MaxClusterBits {
		return nil, fmt.Errorf("%w: %d cluster bits", ErrInvalidClusterBits, h.ClusterBits)
	}

	if h.Version == 3 {
		if h.V3, err = parseHeaderV3(r); err != nil {
			return nil, err
		}
	}

	return h, nil
}

func parseHeaderV3(r FileHandler) (*HeaderV3, error) {
	ext, err := readAt(r, HeaderSizeV2, HeaderSizeV3-HeaderSizeV2)
	if err != nil {
		return nil, fmt.Errorf("reading v3 header: %w", err)
	}

	v3 := &HeaderV3{
		IncompatibleFeatures: binary.BigEndian.Uint64(ext[0:8]),
		CompatibleFeatures:   binary.BigEndian.Uint64(ext[8:16]),
		AutoclearFeatures:    binary.BigEndian.Uint64(ext[16:24]),
		RefCountOrder:        binary.BigEndian.Uint32(ext[24:28]),
		Length:               binary.BigEndian.Uint32(ext[28:32]),
	}

	if v3.Length > HeaderSizeV3 {
		ct, err := readAt(r, HeaderSizeV3, 1)
		if err != nil {
			return nil, fmt.Errorf("reading compression type: %w", err)
		}
		v3.CompressionType = CompressionType(ct[0])
	}

	return v3, nil
}

// Validate rejects headers whose images cannot be read correctly. Bits that
// only matter to writers (dirty, lazy refcounts) are accepted.
func (h *Header) Validate() error {
	if h.CryptMethod != 0 {
		return fmt.Errorf("%w: crypt method %d", ErrEncryptedImage, h.CryptMethod)
	}

	if h.V3 == nil {
		return nil
	}

	if h.V3.IncompatibleFeatures&IncompatCorruptBit != 0 {
		return ErrCorruptImage
	}

	supported := uint64(IncompatDirtyBit | IncompatCompressionType)
	if unknown := h.V3.IncompatibleFeatures &^ supported; unknown != 0 {
		return fmt.Errorf("%w: 0x%x", ErrIncompatFeatures, unknown)
	}

	if _, err := decompressorFor(h.V3.CompressionType); err != nil {
		return err
	}

	return nil
}

func (i *Image) LoadHeader() error {
	var err error
	if i.Header, err = ParseHeader(i.Handler); err != nil {
		return err
	}
	return i.Header.Validate()
}
