package gqcow2

import (
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// FileHandler handles the read operation against the image resource. No
// matter its local/remote fs file, http served file, or other file system.
type FileHandler interface {
	io.ReaderAt
}

type Image struct {
	// mostly for print
	Name string

	Handler FileHandler

	// layout info, immutable once loaded
	Header  *Header
	L1Table []L1Entry

	l2Tables *lru.Cache[uint64, []L2Entry]
	log      zerolog.Logger
}

func NewFileImage(f FileHandler, name string, opts ...Option) (*Image, error) {
	o := defaultImageOptions()
	for _, opt := range opts {
		opt(o)
	}

	var err error
	image := &Image{
		Name:    name,
		Handler: f,
		log:     o.logger.With().Str("image", name).Logger(),
	}

	if image.l2Tables, err = lru.New[uint64, []L2Entry](o.l2TableCacheSize); err != nil {
		return nil, err
	}

	if err = image.LoadHeader(); err != nil {
		return nil, err
	}

	if err = image.LoadL1Table(); err != nil {
		return nil, err
	}

	image.logHeader()

	return image, nil
}

func (i *Image) logHeader() {
	h := i.Header
	i.log.Debug().
		Uint32("version", h.Version).
		Uint32("cluster_bits", h.ClusterBits).
		Uint64("size", h.Size).
		Uint32("l1_size", h.L1Size).
		Stringer("compression", h.CompressionType()).
		Msg("opened qcow2 image")

	if h.BackingFileOffset != 0 {
		i.log.Warn().Msg("backing file is ignored, unallocated clusters read as zeros")
	}
	if h.Dirty() {
		i.log.Warn().Msg("image is marked dirty, refcounts may be stale")
	}
	if h.V3 != nil && h.V3.CompatibleFeatures&^CompatLazyRefcounts != 0 {
		i.log.Warn().
			Uint64("compatible_features", h.V3.CompatibleFeatures).
			Msg("ignoring unknown compatible features")
	}
}

func (i *Image) ClusterSize() uint64 {
	return i.Header.ClusterSize()
}

func (i *Image) ClusterBits() uint32 {
	return i.Header.ClusterBits
}

// Size is the virtual disk size in bytes.
func (i *Image) Size() uint64 {
	return i.Header.Size
}

func (i *Image) CompressionType() CompressionType {
	return i.Header.CompressionType()
}

// Reader returns a guest disk reader over the image's own handler.
func (i *Image) Reader() (*Reader, error) {
	return NewReader(i, i.Handler)
}

func (i *Image) String() string {
	return fmt.Sprintf(`image:%s
    format:qcow2
    version:%d
    virtual size: %d(bytes)
    cluster size: %d
    compression: %s
    `,
		i.Name,
		i.Header.Version,
		i.Header.Size,
		i.Header.ClusterSize(),
		i.Header.CompressionType(),
	)
}
