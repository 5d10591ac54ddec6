// Package testimage builds small QCOW2 images in memory, together with the
// raw guest bytes they describe, so tests need neither qemu-img nor binary
// fixtures.
package testimage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// compression types as stored in the v3 header
const (
	CompressionDeflate uint8 = 0
	CompressionZstd    uint8 = 1
)

const (
	l2Copied     = uint64(1) << 63
	l2Compressed = uint64(1) << 62
	l2AllZero    = uint64(1)
	sectorSize   = 512
)

type clusterKind int

const (
	standardCluster clusterKind = iota
	compressedCluster
	zeroCluster
)

type cluster struct {
	kind clusterKind
	data []byte
}

// Builder describes an image. Guest clusters not set explicitly are
// unallocated, and so are L1 entries with no cluster below them unless
// AllocateL2 is called.
type Builder struct {
	ClusterBits uint32
	Size        uint64
	// 2 or 3
	Version uint32
	// only written for version 3
	Compression          uint8
	IncompatibleFeatures uint64
	CryptMethod          uint32
	// 0 sizes the L1 table to cover Size
	L1Size uint32

	clusters map[uint64]cluster
	l2Tables map[uint64]bool
}

func New(clusterBits uint32, size uint64) *Builder {
	return &Builder{
		ClusterBits: clusterBits,
		Size:        size,
		Version:     3,
		clusters:    make(map[uint64]cluster),
		l2Tables:    make(map[uint64]bool),
	}
}

func (b *Builder) ClusterSize() uint64 {
	return 1 << b.ClusterBits
}

func (b *Builder) l2Entries() uint64 {
	return b.ClusterSize() / 8
}

func (b *Builder) setCluster(index uint64, c cluster) *Builder {
	if c.data != nil && uint64(len(c.data)) != b.ClusterSize() {
		panic(fmt.Sprintf("testimage: cluster %d has %d bytes, want %d", index, len(c.data), b.ClusterSize()))
	}
	b.clusters[index] = c
	b.l2Tables[index/b.l2Entries()] = true
	return b
}

// SetCluster stores data uncompressed as guest cluster index.
func (b *Builder) SetCluster(index uint64, data []byte) *Builder {
	return b.setCluster(index, cluster{kind: standardCluster, data: data})
}

// SetCompressedCluster stores data compressed with b.Compression.
func (b *Builder) SetCompressedCluster(index uint64, data []byte) *Builder {
	return b.setCluster(index, cluster{kind: compressedCluster, data: data})
}

// SetZeroCluster marks guest cluster index with the all-zero flag.
func (b *Builder) SetZeroCluster(index uint64) *Builder {
	return b.setCluster(index, cluster{kind: zeroCluster})
}

// AllocateL2 gives L1 entry l1Index an L2 table even if it stays empty.
func (b *Builder) AllocateL2(l1Index uint64) *Builder {
	b.l2Tables[l1Index] = true
	return b
}

func (b *Builder) l1Size() uint64 {
	if b.L1Size != 0 {
		return uint64(b.L1Size)
	}
	clusters := (b.Size + b.ClusterSize() - 1) / b.ClusterSize()
	return max(1, (clusters+b.l2Entries()-1)/b.l2Entries())
}

func (b *Builder) headerLength() uint32 {
	if b.Compression != 0 {
		return 112
	}
	return 104
}

// Reference returns the guest disk the image describes.
func (b *Builder) Reference() []byte {
	ref := make([]byte, b.Size)
	for index, c := range b.clusters {
		start := index * b.ClusterSize()
		if c.kind == zeroCluster || start >= b.Size {
			continue
		}
		copy(ref[start:], c.data)
	}
	return ref
}

// Bytes lays the image out as: header cluster, L1 table, L2 tables in L1
// order, standard data clusters, then compressed streams packed back to back
// starting off a sector boundary. The file ends right after the last stream.
func (b *Builder) Bytes() []byte {
	cs := b.ClusterSize()
	l1Size := b.l1Size()
	l1Clusters := max(1, (l1Size*8+cs-1)/cs)

	l1Offset := cs
	next := l1Offset + l1Clusters*cs

	l2Offsets := make(map[uint64]uint64)
	for _, l1Index := range sortedKeys(b.l2Tables) {
		if l1Index >= l1Size {
			continue
		}
		l2Offsets[l1Index] = next
		next += cs
	}

	dataOffsets := make(map[uint64]uint64)
	for _, index := range sortedKeys(b.clusters) {
		if b.clusters[index].kind == standardCluster {
			dataOffsets[index] = next
			next += cs
		}
	}

	// compressed streams start mid-sector to exercise the sector math
	compressedStart := next + 100
	streams := make(map[uint64][]byte)
	compressedOffsets := make(map[uint64]uint64)
	streamPos := compressedStart
	for _, index := range sortedKeys(b.clusters) {
		if b.clusters[index].kind != compressedCluster {
			continue
		}
		stream := b.compress(b.clusters[index].data)
		streams[index] = stream
		compressedOffsets[index] = streamPos
		streamPos += uint64(len(stream))
	}

	fileSize := next
	if len(streams) > 0 {
		fileSize = streamPos
	}
	img := make([]byte, fileSize)

	b.writeHeader(img, l1Offset, l1Size)

	for l1Index, l2Offset := range l2Offsets {
		binary.BigEndian.PutUint64(img[l1Offset+l1Index*8:], l2Offset|l2Copied)
	}

	for index, c := range b.clusters {
		l2Offset, ok := l2Offsets[index/b.l2Entries()]
		if !ok {
			continue
		}
		slot := l2Offset + (index%b.l2Entries())*8

		var entry uint64
		switch c.kind {
		case standardCluster:
			entry = dataOffsets[index] | l2Copied
			copy(img[dataOffsets[index]:], c.data)
		case zeroCluster:
			entry = l2AllZero
		case compressedCluster:
			entry = b.compressedEntry(compressedOffsets[index], uint64(len(streams[index])))
			copy(img[compressedOffsets[index]:], streams[index])
		}
		binary.BigEndian.PutUint64(img[slot:], entry)
	}

	return img
}

func (b *Builder) writeHeader(img []byte, l1Offset, l1Size uint64) {
	copy(img[0:4], "QFI\xfb")
	binary.BigEndian.PutUint32(img[4:8], b.Version)
	binary.BigEndian.PutUint32(img[20:24], b.ClusterBits)
	binary.BigEndian.PutUint64(img[24:32], b.Size)
	binary.BigEndian.PutUint32(img[32:36], b.CryptMethod)
	binary.BigEndian.PutUint32(img[36:40], uint32(l1Size))
	binary.BigEndian.PutUint64(img[40:48], l1Offset)

	if b.Version < 3 {
		return
	}

	incompat := b.IncompatibleFeatures
	if b.Compression != 0 {
		incompat |= 1 << 3
	}
	binary.BigEndian.PutUint64(img[72:80], incompat)
	binary.BigEndian.PutUint32(img[96:100], 4)
	binary.BigEndian.PutUint32(img[100:104], b.headerLength())
	if b.headerLength() > 104 {
		img[104] = b.Compression
	}
}

// x = 62 - (cluster_bits - 8): host offset below bit x, additional sector
// count from bit x up to 61
func (b *Builder) compressedEntry(offset, length uint64) uint64 {
	x := 62 - (b.ClusterBits - 8)
	sectors := (offset%sectorSize + length + sectorSize - 1) / sectorSize
	return l2Compressed | offset | (sectors-1)<<x
}

func (b *Builder) compress(data []byte) []byte {
	switch b.Compression {
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			panic(err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil)
	default:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.BestCompression)
		if err != nil {
			panic(err)
		}
		if _, err := w.Write(data); err != nil {
			panic(err)
		}
		if err := w.Close(); err != nil {
			panic(err)
		}
		return buf.Bytes()
	}
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Pattern returns a cluster of n bytes counting up from seed, mod 256.
func Pattern(n uint64, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i) + seed
	}
	return data
}

// Compressible returns a cluster of n bytes that deflates well.
func Compressible(n uint64, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = seed + byte(i/512)
	}
	return data
}
