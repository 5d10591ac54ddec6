package gqcow2

import "errors"

var (
	ErrInvalidMagic       = errors.New("invalid QCOW2 magic")
	ErrUnsupportedVersion = errors.New("unsupported QCOW2 version")
	ErrInvalidClusterBits = errors.New("invalid cluster size")
	ErrEncryptedImage     = errors.New("encrypted images are not supported")
	ErrIncompatFeatures   = errors.New("unsupported incompatible features")
	ErrCorruptImage       = errors.New("image is marked corrupt")

	// ErrOutOfRange is returned when a guest position cannot be translated:
	// the L1 index is past the table, the L2 table cannot be read, or a
	// seek lands outside the 64-bit position space.
	ErrOutOfRange = errors.New("guest position out of range")

	ErrInvalidL2Table         = errors.New("invalid L2 table")
	ErrDecompressFail         = errors.New("decompress failed")
	ErrUnsupportedCompression = errors.New("unsupported compression type")
)
