package gqcow2

import (
	"errors"
	"fmt"
	"io"
)

// readAt is a wrapper to save the boilerplate of checking the err == EOF
// situation. A read that fills the buffer and then hits EOF is valid, anything
// shorter is reported as io.ErrUnexpectedEOF.
func readAt(r FileHandler, offset int64, length int64) ([]byte, error) {
	// no op
	if length == 0 {
		return nil, nil
	}

	result := make([]byte, length)
	if err := readFullAt(r, result, offset); err != nil {
		return nil, err
	}

	return result, nil
}

// readFullAt fills buf from offset, same EOF rules as readAt.
func readFullAt(r FileHandler, buf []byte, offset int64) error {
	rc, err := r.ReadAt(buf, offset)
	if rc == len(buf) && (err == nil || errors.Is(err, io.EOF)) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("short read at %d, %d of %d bytes: %w", offset, rc, len(buf), io.ErrUnexpectedEOF)
	}
	return err
}

// readTruncatedAt fills as much of buf as the source holds and returns the
// filled prefix. Only EOF is tolerated.
func readTruncatedAt(r FileHandler, buf []byte, offset int64) ([]byte, error) {
	rc, err := r.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:rc], nil
}

func zeroFill(buf []byte) {
	clear(buf)
}

// seekerHandler turns a seekable stream into a FileHandler. Every ReadAt
// moves the stream cursor, so nothing else may use the stream meanwhile.
type seekerHandler struct {
	rs io.ReadSeeker
}

// NewSeekerHandler adapts an io.ReadSeeker for sources that have no
// positioned reads. It is not safe for concurrent use.
func NewSeekerHandler(rs io.ReadSeeker) FileHandler {
	if ra, ok := rs.(io.ReaderAt); ok {
		return ra
	}
	return &seekerHandler{rs: rs}
}

func (s *seekerHandler) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if _, err := s.rs.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(s.rs, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// io.ReaderAt reports a short read at the end of input as io.EOF
		err = io.EOF
	}
	return n, err
}
