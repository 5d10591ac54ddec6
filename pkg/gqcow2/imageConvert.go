package gqcow2

import (
	"fmt"
	"io"
)

type DiskHandler interface {
	io.WriterAt
}

// truncater is implemented by *os.File
type truncater interface {
	Truncate(size int64) error
}

// VirtualDisk represent the whole raw disk file.
type VirtualDisk struct {
	Handler DiskHandler
	// the handler can be sized up front, zero regions are then skipped
	Sparse bool
}

func NewVirtualDisk(dh DiskHandler) (*VirtualDisk, error) {
	vd := &VirtualDisk{
		Handler: dh,
	}

	if _, ok := dh.(truncater); ok {
		vd.Sparse = true
	}

	return vd, nil
}

// Convert writes the guest disk of image into virtualDisk at the same
// offsets, reading through a Reader so compressed clusters are decoded the
// same way as for any other consumer.
func Convert(image *Image, virtualDisk *VirtualDisk) error {
	cm, err := image.DumpToClusterMap()
	if err != nil {
		return err
	}

	if virtualDisk.Sparse {
		tr, ok := virtualDisk.Handler.(truncater)
		if !ok {
			return fmt.Errorf("sparse conversion needs a handler that can truncate, got %T", virtualDisk.Handler)
		}
		if err := tr.Truncate(int64(image.Size())); err != nil {
			return fmt.Errorf("sizing raw disk: %w", err)
		}
	}

	reader, err := image.Reader()
	if err != nil {
		return err
	}

	buf := make([]byte, image.ClusterSize())
	for _, region := range cm.Regions {
		if region.Zero && virtualDisk.Sparse {
			continue
		}

		if err := convertRegion(reader, virtualDisk, region, buf); err != nil {
			return fmt.Errorf("converting region at %d: %w", region.Start, err)
		}

		image.log.Debug().
			Uint64("start", region.Start).
			Uint64("length", region.Length).
			Bool("compressed", region.Compressed).
			Msg("converted region")
	}

	return nil
}

func convertRegion(reader *Reader, virtualDisk *VirtualDisk, region VirtualDiskRegion, buf []byte) error {
	if _, err := reader.SeekGuest(region.Start); err != nil {
		return err
	}

	end := region.Start + region.Length
	for reader.GuestPos() < end {
		vdStart := reader.GuestPos()
		n, err := reader.Read(buf[:min(uint64(len(buf)), end-vdStart)])
		if err != nil {
			return err
		}
		if _, err := virtualDisk.Handler.WriteAt(buf[:n], int64(vdStart)); err != nil {
			return err
		}
	}

	return nil
}
