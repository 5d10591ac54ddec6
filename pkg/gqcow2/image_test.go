package gqcow2_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"go-qcow2-reader/pkg/gqcow2"
	"go-qcow2-reader/pkg/gqcow2/testimage"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mappedImage covers every region kind qemu-img map reports.
//
//	0 - 1   data, host 12288 and 16384
//	2 - 3   compressed
//	4       zero flag
//	5       unallocated
//	6       data, host 20480
//	7       unallocated
//	8       data, host 24576
//	9 - 10  unallocated, 10 is partial
func mappedImage() *testimage.Builder {
	b := testimage.New(12, 10*4096+1000)
	cs := b.ClusterSize()

	b.SetCluster(0, testimage.Pattern(cs, 1))
	b.SetCluster(1, testimage.Pattern(cs, 2))
	b.SetCompressedCluster(2, testimage.Compressible(cs, 3))
	b.SetCompressedCluster(3, testimage.Compressible(cs, 4))
	b.SetZeroCluster(4)
	b.SetCluster(6, testimage.Pattern(cs, 6))
	b.SetCluster(8, testimage.Pattern(cs, 8))
	return b
}

func Test_NewFileImage(t *testing.T) {
	t.Run("Load image from local file",
		func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "mapped.qcow2")
			require.NoError(t, os.WriteFile(path, mappedImage().Bytes(), 0o644))

			f, err := os.Open(path)
			require.NoError(t, err)
			defer f.Close()

			image, err := gqcow2.NewFileImage(f, "mapped")
			require.NoError(t, err)

			assert.EqualValues(t, 4096, image.ClusterSize())
			assert.EqualValues(t, 12, image.ClusterBits())
			assert.EqualValues(t, 41960, image.Size())
			assert.Equal(t, gqcow2.CompressionZlib, image.CompressionType())
			require.Len(t, image.L1Table, 1)
			assert.EqualValues(t, 8192, image.L1Table[0].L2TableOffset)
			assert.True(t, image.L1Table[0].RefCountBit)
		})

	t.Run("Reject a misaligned L1 table",
		func(t *testing.T) {
			raw := mappedImage().Bytes()
			binary.BigEndian.PutUint64(raw[40:48], 4096+8)

			_, err := gqcow2.NewFileImage(bytes.NewReader(raw), "misaligned")
			assert.Error(t, err)
		})

	t.Run("Reject a misaligned L2 table",
		func(t *testing.T) {
			raw := mappedImage().Bytes()
			binary.BigEndian.PutUint64(raw[4096:], 1<<63|(8192+512))

			_, err := gqcow2.NewFileImage(bytes.NewReader(raw), "misaligned")
			assert.ErrorIs(t, err, gqcow2.ErrInvalidL2Table)
		})

	t.Run("Reject an oversized L1 table",
		func(t *testing.T) {
			raw := mappedImage().Bytes()
			binary.BigEndian.PutUint32(raw[36:40], gqcow2.MaxL1TableSize/8+1)

			_, err := gqcow2.NewFileImage(bytes.NewReader(raw), "oversized")
			assert.ErrorIs(t, err, gqcow2.ErrCorruptImage)
		})

	t.Run("Reject a truncated L1 table",
		func(t *testing.T) {
			raw := mappedImage().Bytes()
			binary.BigEndian.PutUint32(raw[36:40], 100000)

			_, err := gqcow2.NewFileImage(bytes.NewReader(raw), "truncated")
			assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		})
}

func Test_ImageMap(t *testing.T) {
	image := openImage(t, mappedImage().Bytes())

	regions, err := image.Map()
	require.NoError(t, err)

	wanted := []gqcow2.VirtualDiskRegion{
		{Start: 0, Length: 8192, Present: true, Data: true, Offset: 12288},
		{Start: 8192, Length: 8192, Present: true, Data: true, Compressed: true},
		{Start: 16384, Length: 4096, Present: true, Zero: true},
		{Start: 20480, Length: 4096, Zero: true},
		{Start: 24576, Length: 4096, Present: true, Data: true, Offset: 20480},
		{Start: 28672, Length: 4096, Zero: true},
		{Start: 32768, Length: 4096, Present: true, Data: true, Offset: 24576},
		{Start: 36864, Length: 5096, Zero: true},
	}
	assert.Equal(t, wanted, regions)

	cm, err := image.DumpToClusterMap()
	require.NoError(t, err)
	require.Len(t, cm.CompressedCluster, 2)
	assert.EqualValues(t, 8192, cm.CompressedCluster[0].Start)
	assert.EqualValues(t, 12288, cm.CompressedCluster[1].Start)
	assert.NotNil(t, cm.CompressedCluster[1].L2Info.Compressed)
}

func Test_ImageMapUnallocatedL1(t *testing.T) {
	b := testimage.New(9, 3*32768)
	b.SetCluster(130, testimage.Pattern(b.ClusterSize(), 0))

	regions, err := openImage(t, b.Bytes()).Map()
	require.NoError(t, err)

	assert.Equal(t, []gqcow2.VirtualDiskRegion{
		{Start: 0, Length: 130 * 512, Zero: true},
		// header, L1, one L2 table
		{Start: 130 * 512, Length: 512, Present: true, Data: true, Offset: 3 * 512},
		{Start: 131 * 512, Length: 3*32768 - 131*512, Zero: true},
	}, regions)
}

func Test_RegionSameAs(t *testing.T) {
	data := gqcow2.VirtualDiskRegion{Start: 0, Length: 4096, Present: true, Data: true, Offset: 8192}

	next := data
	next.Start, next.Offset = 4096, 12288
	assert.True(t, next.SameAs(data))

	gap := next
	gap.Offset = 16384
	assert.False(t, gap.SameAs(data), "host offsets must be contiguous")

	zero := gqcow2.VirtualDiskRegion{Start: 4096, Length: 4096, Present: true, Zero: true}
	assert.False(t, zero.SameAs(data))

	deeper := gqcow2.VirtualDiskRegion{Start: 8192, Length: 4096, Present: true, Zero: true, Depth: 1}
	assert.False(t, deeper.SameAs(zero))
}

func Test_ImageConvertToRaw(t *testing.T) {
	t.Run("Convert qcow2 to a sparse raw file",
		func(t *testing.T) {
			b := mappedImage()
			image := openImage(t, b.Bytes())

			outputPath := filepath.Join(t.TempDir(), "mapped.raw")
			rawFile, err := os.OpenFile(outputPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
			require.NoError(t, err)
			defer rawFile.Close()

			vd, err := gqcow2.NewVirtualDisk(rawFile)
			require.NoError(t, err)
			assert.True(t, vd.Sparse)

			require.NoError(t, gqcow2.Convert(image, vd))

			got, err := os.ReadFile(outputPath)
			require.NoError(t, err)
			assert.Equal(t, b.Reference(), got)
		})

	t.Run("Convert qcow2 into a plain WriterAt",
		func(t *testing.T) {
			b := mixedImage(testimage.CompressionZstd)
			image := openImage(t, b.Bytes())

			disk := &memDisk{}
			vd, err := gqcow2.NewVirtualDisk(disk)
			require.NoError(t, err)
			assert.False(t, vd.Sparse)

			require.NoError(t, gqcow2.Convert(image, vd))
			assert.Equal(t, b.Reference(), disk.data)
		})

	t.Run("Sparse conversion without truncate",
		func(t *testing.T) {
			image := openImage(t, mappedImage().Bytes())

			disk := &memDisk{}
			vd := &gqcow2.VirtualDisk{Handler: disk, Sparse: true}

			assert.Error(t, gqcow2.Convert(image, vd))
			assert.Empty(t, disk.data)
		})
}

// memDisk grows on demand and cannot be truncated.
type memDisk struct {
	data []byte
}

func (m *memDisk) WriteAt(p []byte, off int64) (int, error) {
	if end := int(off) + len(p); end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	return copy(m.data[off:], p), nil
}

func Test_FindL2Entry(t *testing.T) {
	image := openImage(t, mappedImage().Bytes())

	entry, err := image.FindL2Entry(0)
	require.NoError(t, err)
	require.NotNil(t, entry.Standard)
	assert.EqualValues(t, 12288, entry.Standard.DataOffset)
	assert.True(t, entry.Flag)

	entry, err = image.FindL2Entry(3*4096 + 17)
	require.NoError(t, err)
	require.NotNil(t, entry.Compressed)
	assert.NotZero(t, entry.Compressed.DataOffset)

	entry, err = image.FindL2Entry(4 * 4096)
	require.NoError(t, err)
	assert.True(t, entry.Zero())
	assert.False(t, entry.Unallocated())

	// inside the L1 table but past the virtual size
	entry, err = image.FindL2Entry(1 << 20)
	require.NoError(t, err)
	assert.True(t, entry.Unallocated())

	_, err = image.FindL2Entry(2 << 20)
	assert.ErrorIs(t, err, gqcow2.ErrOutOfRange)
}

// countingFile counts reads of each host offset.
type countingFile struct {
	*bytes.Reader
	reads map[int64]int
}

func (c *countingFile) ReadAt(p []byte, off int64) (int, error) {
	c.reads[off]++
	return c.Reader.ReadAt(p, off)
}

func Test_ImageL2TableCache(t *testing.T) {
	// L2 tables at 8192, 12288 and 16384
	b := testimage.New(12, 6<<20)
	cs := b.ClusterSize()
	b.SetCluster(0, testimage.Pattern(cs, 0))
	b.SetCluster(512, testimage.Pattern(cs, 1))
	b.SetCluster(1024, testimage.Pattern(cs, 2))
	raw := b.Bytes()

	lookups := []uint64{0, 2 << 20, 4 << 20, 0, 2 << 20, 4 << 20}

	t.Run("default size keeps every table", func(t *testing.T) {
		f := &countingFile{Reader: bytes.NewReader(raw), reads: make(map[int64]int)}
		image, err := gqcow2.NewFileImage(f, "cached")
		require.NoError(t, err)

		for _, offset := range lookups {
			_, err := image.FindL2Entry(offset)
			require.NoError(t, err)
		}
		assert.Equal(t, 1, f.reads[8192])
		assert.Equal(t, 1, f.reads[12288])
		assert.Equal(t, 1, f.reads[16384])
	})

	t.Run("a single table is evicted on every switch", func(t *testing.T) {
		f := &countingFile{Reader: bytes.NewReader(raw), reads: make(map[int64]int)}
		image, err := gqcow2.NewFileImage(f, "cached", gqcow2.WithL2TableCacheSize(1))
		require.NoError(t, err)

		for _, offset := range lookups {
			_, err := image.FindL2Entry(offset)
			require.NoError(t, err)
		}
		assert.Equal(t, 2, f.reads[8192])
		assert.Equal(t, 2, f.reads[12288])
		assert.Equal(t, 2, f.reads[16384])
	})

	t.Run("non-positive sizes keep the default", func(t *testing.T) {
		_, err := gqcow2.NewFileImage(bytes.NewReader(raw), "cached", gqcow2.WithL2TableCacheSize(0))
		assert.NoError(t, err)
	})
}

func Test_ImageLogger(t *testing.T) {
	b := mappedImage()
	b.IncompatibleFeatures = gqcow2.IncompatDirtyBit
	raw := b.Bytes()
	// point at a backing file name that is never opened
	binary.BigEndian.PutUint64(raw[8:16], 1024)
	binary.BigEndian.PutUint32(raw[16:20], 4)

	var logs bytes.Buffer
	logger := zerolog.New(&logs).Level(zerolog.DebugLevel)

	image := openImage(t, raw, gqcow2.WithLogger(logger))
	_, err := image.Map()
	require.NoError(t, err)

	out := logs.String()
	assert.Contains(t, out, `"image":"test"`)
	assert.Contains(t, out, "opened qcow2 image")
	assert.Contains(t, out, "backing file is ignored")
	assert.Contains(t, out, "image is marked dirty")
	assert.Contains(t, out, "mapped guest disk")
}

func Test_ImageString(t *testing.T) {
	b := mappedImage()
	b.Compression = testimage.CompressionZstd

	s := openImage(t, b.Bytes()).String()
	assert.Contains(t, s, "image:test")
	assert.Contains(t, s, "format:qcow2")
	assert.Contains(t, s, "version:3")
	assert.Contains(t, s, "virtual size: 41960(bytes)")
	assert.Contains(t, s, "cluster size: 4096")
	assert.Contains(t, s, "compression: zstd")
}
