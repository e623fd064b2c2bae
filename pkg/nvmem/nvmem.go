// Package nvmem defines the contract for non-volatile memory regions and
// provides the device implementations used by the persister: an in-memory
// simulated flash region, a file-backed region image, and a metering wrapper.
//
// A region is a contiguous, byte-addressable span with quantized write and
// erase alignment. Erasing sets every byte in the erased range to the fill
// byte; a range is writable only while it still holds fill bytes.
package nvmem

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfRange      = errors.New("nvmem: access out of range")
	ErrUnaligned       = errors.New("nvmem: unaligned access")
	ErrNotWritable     = errors.New("nvmem: range requires erase before write")
	ErrFaultInjected   = errors.New("nvmem: injected fault")
	ErrInvalidGeometry = errors.New("nvmem: invalid geometry")
)

// Geometry describes the fixed properties of a region.
type Geometry struct {
	// Size is the total region size in bytes.
	Size uint32
	// EraseGranularity is the smallest erasable unit in bytes. For flash
	// this is often 1KB or more, for EEPROM it may be a single byte.
	EraseGranularity uint32
	// WriteGranularity is the smallest writable unit in bytes.
	WriteGranularity uint32
	// FillByte is the value every byte holds after an erase. Callers use it
	// to fill padding.
	FillByte byte
}

// Validate reports whether the geometry is internally consistent.
func (g Geometry) Validate() error {
	if g.Size == 0 {
		return fmt.Errorf("%w: zero size", ErrInvalidGeometry)
	}
	if g.EraseGranularity == 0 || g.EraseGranularity > g.Size {
		return fmt.Errorf("%w: erase granularity %d outside (0, %d]",
			ErrInvalidGeometry, g.EraseGranularity, g.Size)
	}
	if g.WriteGranularity == 0 || g.WriteGranularity > g.Size {
		return fmt.Errorf("%w: write granularity %d outside (0, %d]",
			ErrInvalidGeometry, g.WriteGranularity, g.Size)
	}
	return nil
}

// Device is the driver interface the persister runs against. Locations are
// offsets in bytes from the beginning of the region. The persister always
// passes write-granularity-aligned ranges to Writable and Write, and
// erase-granularity-aligned ranges to Erase. The device is assumed to be
// initialized before it is handed to a persister, and to outlive it.
type Device interface {
	// Geometry returns the fixed region properties.
	Geometry() Geometry

	// Read copies len(dst) bytes starting at location into dst.
	Read(dst []byte, location uint32) error

	// Writable reports whether size bytes at location can be written now
	// without an intervening erase.
	Writable(location, size uint32) bool

	// Write commits len(src) bytes from src at location.
	Write(location uint32, src []byte) error

	// Erase resets size bytes starting at location to the fill byte.
	Erase(location, size uint32) error
}

// Imager is implemented by devices that expose their raw region image, used
// by the snapshot tooling.
type Imager interface {
	Geometry() Geometry

	// Image returns a copy of the full region contents.
	Image() ([]byte, error)

	// SetImage replaces the full region contents.
	SetImage(img []byte) error
}

func checkRange(g Geometry, location, size uint32) error {
	if location > g.Size || size > g.Size-location {
		return fmt.Errorf("%w: [%d, %d+%d) in region of %d bytes",
			ErrOutOfRange, location, location, size, g.Size)
	}
	return nil
}

func checkAligned(location, size, granularity uint32) error {
	if location%granularity != 0 || size%granularity != 0 {
		return fmt.Errorf("%w: [%d, +%d) not aligned to %d",
			ErrUnaligned, location, size, granularity)
	}
	return nil
}
