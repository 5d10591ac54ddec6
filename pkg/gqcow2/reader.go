package gqcow2

import (
	"fmt"
	"io"
	"math"
	"math/bits"

	"github.com/rs/zerolog"
)

// Reader reads the guest virtual disk of an Image as a stream. It keeps the
// L1 entry, the L2 table and the decoded cluster for the current position,
// so sequential reads only touch the host file on cluster transitions.
//
// A Reader uses its FileHandler exclusively. Only one Reader may be active
// per handler, and nothing else may move a stream cursor the handler
// depends on (see NewSeekerHandler) while it is in use. A Reader is not safe
// for concurrent use.
type Reader struct {
	image       *Image
	handler     FileHandler
	compression CompressionType
	log         zerolog.Logger

	// current position of the reader within the guest
	pos uint64

	// l1 key and cache. l1 points into image.L1Table, which outlives the
	// reader and is never mutated.
	l1Key   uint64
	l1      *L1Entry
	l1Valid bool
	// the L2 table of l1, nil when l1 is unallocated
	l2Table []L2Entry

	// l2 key (guest cluster index) and cache. When l1 is unallocated l2Key
	// moves on but l2 is left as it was: the zero fill never consults it.
	l2Key        uint64
	l2           L2Entry
	clusterValid bool

	// decoded content of cluster l2Key, always exactly one cluster long and
	// either all zeros or the full output of L2Entry.ReadContents
	cluster []byte
}

// NewReader creates a reader over img that reads host data through r, which
// must be the same file img was opened from. The cluster at guest offset 0
// is resolved and decoded right away.
func NewReader(img *Image, r FileHandler) (*Reader, error) {
	reader := &Reader{
		image:       img,
		handler:     r,
		compression: img.CompressionType(),
		log:         img.log,
		cluster:     make([]byte, img.ClusterSize()),
	}

	if err := reader.updateL2Cache(); err != nil {
		return nil, fmt.Errorf("reading first guest cluster: %w", err)
	}

	return reader, nil
}

// GuestPos returns the current read position within the guest virtual disk.
func (r *Reader) GuestPos() uint64 {
	return r.pos
}

// ClusterSize is the size of a cluster within the image.
func (r *Reader) ClusterSize() uint64 {
	return r.image.ClusterSize()
}

// ClusterBits is the number of cluster bits of the image.
func (r *Reader) ClusterBits() uint32 {
	return r.image.ClusterBits()
}

func (r *Reader) l2Entries() uint64 {
	return r.ClusterSize() / tableEntrySize
}

func (r *Reader) updateL1Cache() error {
	l1Key := (r.pos / r.ClusterSize()) / r.l2Entries()

	if r.l1Valid && r.l1Key == l1Key {
		return nil
	}

	r.l1Valid = false
	r.l1Key = l1Key

	entry, ok := r.image.L1Entry(l1Key)
	if !ok {
		return fmt.Errorf("%w: read position %d past end of virtual disk (%w)",
			ErrOutOfRange, r.pos, io.ErrUnexpectedEOF)
	}
	r.l1 = entry
	r.l2Table = nil

	if entry.Allocated() {
		table, err := entry.ReadL2(r.handler, r.ClusterBits())
		if err != nil {
			return fmt.Errorf("%w: L2 table could not be read (%w): %w",
				ErrOutOfRange, io.ErrUnexpectedEOF, err)
		}
		r.l2Table = table
	}

	r.l1Valid = true
	return nil
}

func (r *Reader) updateL2Cache() error {
	l2Key := r.pos / r.ClusterSize()

	if r.clusterValid && r.l2Key == l2Key {
		return nil
	}

	r.clusterValid = false
	r.l2Key = l2Key

	if err := r.updateL1Cache(); err != nil {
		return err
	}

	if !r.l1.Allocated() {
		// empty cluster
		zeroFill(r.cluster)
		r.clusterValid = true
		return nil
	}

	r.l2 = r.l2Table[l2Key%r.l2Entries()]
	if err := r.l2.ReadContents(r.handler, r.cluster, r.compression); err != nil {
		zeroFill(r.cluster)
		return fmt.Errorf("guest cluster %d: %w", l2Key, err)
	}

	r.clusterValid = true
	return nil
}

// Read reads up to len(p) bytes from the current guest position. A single
// call never crosses a cluster boundary nor the end of the virtual disk, at
// which it returns io.EOF. Positions past the end are not EOF: they go
// through translation like any other, and fail with ErrOutOfRange once they
// leave the L1 table.
//
// After copying, the cluster holding the new position is decoded ahead of
// time. A failure there is dropped: the bytes already read are good, and the
// next Read or Seek retries the same cluster and reports it.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	size := r.image.Size()
	if r.pos == size {
		return 0, io.EOF
	}

	if err := r.updateL2Cache(); err != nil {
		return 0, err
	}

	clusterSize := r.ClusterSize()
	posInCluster := r.pos % clusterSize
	readLen := min(clusterSize-posInCluster, uint64(len(p)))
	if r.pos < size {
		readLen = min(readLen, size-r.pos)
	}

	n := copy(p[:readLen], r.cluster[posInCluster:posInCluster+readLen])
	r.pos += readLen

	r.readAhead()

	return n, nil
}

func (r *Reader) readAhead() {
	if r.pos == r.image.Size() {
		return
	}
	if err := r.updateL2Cache(); err != nil {
		r.log.Debug().Err(err).Uint64("guest_pos", r.pos).Msg("read-ahead failed")
	}
}

// Seek implements io.Seeker over the guest virtual disk. Relative and
// end-relative offsets are overflow checked; a result outside the position
// space fails with ErrOutOfRange and leaves the position unchanged.
//
// Unlike the read-ahead in Read, the cluster at the new position is decoded
// before Seek returns and any failure is reported. The position is kept
// even then.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var (
		newPos uint64
		err    error
	)

	switch whence {
	case io.SeekStart:
		if offset < 0 {
			return 0, fmt.Errorf("%w: negative position %d", ErrOutOfRange, offset)
		}
		newPos = uint64(offset)
	case io.SeekCurrent:
		newPos, err = addOffset(r.pos, offset)
	case io.SeekEnd:
		newPos, err = addOffset(r.image.Size(), offset)
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if err != nil {
		return 0, err
	}

	// io.Seeker cannot report positions above MaxInt64, SeekGuest can
	if newPos > math.MaxInt64 {
		return 0, fmt.Errorf("%w: position %d does not fit int64", ErrOutOfRange, newPos)
	}

	pos, err := r.SeekGuest(newPos)
	if err != nil {
		return 0, err
	}
	return int64(pos), nil
}

// SeekGuest moves to an absolute guest position anywhere in the unsigned
// 64-bit space. The end of the virtual disk is always a valid target;
// anything else must translate.
func (r *Reader) SeekGuest(pos uint64) (uint64, error) {
	r.pos = pos

	if pos == r.image.Size() {
		return pos, nil
	}

	if err := r.updateL2Cache(); err != nil {
		return 0, err
	}

	return r.pos, nil
}

// addOffset adds a signed offset to an unsigned position, rejecting results
// that wrap around either end of the uint64 range.
func addOffset(base uint64, offset int64) (uint64, error) {
	if offset >= 0 {
		sum, carry := bits.Add64(base, uint64(offset), 0)
		if carry != 0 {
			return 0, fmt.Errorf("%w: %d + %d overflows 64-bit position", ErrOutOfRange, base, offset)
		}
		return sum, nil
	}

	// -(offset+1)+1 keeps math.MinInt64 representable
	magnitude := uint64(-(offset + 1)) + 1
	diff, borrow := bits.Sub64(base, magnitude, 0)
	if borrow != 0 {
		return 0, fmt.Errorf("%w: %d - %d is before the start of the disk", ErrOutOfRange, base, magnitude)
	}
	return diff, nil
}
