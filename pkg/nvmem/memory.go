package nvmem

import "fmt"

// MemDevice simulates a NOR-flash-style region in memory. Erase sets the
// fill byte across the erased range, and a range is writable only while it
// still holds fill bytes: the device rejects writes that would need an
// erase first, so a block is written at most once per erase cycle.
//
// The fault-injection fields let tests fail individual operations or cut a
// write partway through, which is how power loss is simulated.
type MemDevice struct {
	geom Geometry
	data []byte

	// ReadFault, WriteFault and EraseFault, when non-nil, are consulted
	// before each operation; returning true fails the operation with
	// ErrFaultInjected and leaves the region untouched.
	ReadFault  func(location, size uint32) bool
	WriteFault func(location, size uint32) bool
	EraseFault func(location, size uint32) bool

	// CutWriteAfter, when >= 0, commits only that many bytes of the next
	// write longer than that and fails it, then disarms itself. Writes of at
	// most that many bytes proceed normally and leave it armed.
	CutWriteAfter int

	// CutEraseAfter, when >= 0, erases only that many bytes of the next
	// erase larger than that and fails it, then disarms itself. Erases of at
	// most that many bytes proceed normally and leave it armed.
	CutEraseAfter int
}

// NewMemDevice returns a fresh region in the fully erased state.
func NewMemDevice(geom Geometry) (*MemDevice, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}

	data := make([]byte, geom.Size)
	for i := range data {
		data[i] = geom.FillByte
	}

	return &MemDevice{
		geom:          geom,
		data:          data,
		CutWriteAfter: -1,
		CutEraseAfter: -1,
	}, nil
}

// Geometry returns the fixed region properties.
func (d *MemDevice) Geometry() Geometry {
	return d.geom
}

// Read copies len(dst) bytes starting at location into dst.
func (d *MemDevice) Read(dst []byte, location uint32) error {
	size := uint32(len(dst))
	if err := checkRange(d.geom, location, size); err != nil {
		return err
	}
	if d.ReadFault != nil && d.ReadFault(location, size) {
		return fmt.Errorf("%w: read [%d, +%d)", ErrFaultInjected, location, size)
	}

	copy(dst, d.data[location:location+size])
	return nil
}

// Writable reports whether the range currently holds only fill bytes.
func (d *MemDevice) Writable(location, size uint32) bool {
	if checkRange(d.geom, location, size) != nil {
		return false
	}
	if checkAligned(location, size, d.geom.WriteGranularity) != nil {
		return false
	}

	for _, b := range d.data[location : location+size] {
		if b != d.geom.FillByte {
			return false
		}
	}
	return true
}

// Write commits len(src) bytes at location. The range must be erased.
func (d *MemDevice) Write(location uint32, src []byte) error {
	size := uint32(len(src))
	if err := checkRange(d.geom, location, size); err != nil {
		return err
	}
	if err := checkAligned(location, size, d.geom.WriteGranularity); err != nil {
		return err
	}
	if d.WriteFault != nil && d.WriteFault(location, size) {
		return fmt.Errorf("%w: write [%d, +%d)", ErrFaultInjected, location, size)
	}
	if !d.Writable(location, size) {
		return fmt.Errorf("%w: write [%d, +%d)", ErrNotWritable, location, size)
	}

	if d.CutWriteAfter >= 0 && d.CutWriteAfter < len(src) {
		n := d.CutWriteAfter
		d.CutWriteAfter = -1
		copy(d.data[location:], src[:n])
		return fmt.Errorf("%w: write cut after %d of %d bytes",
			ErrFaultInjected, n, size)
	}

	copy(d.data[location:], src)
	return nil
}

// Erase resets size bytes starting at location to the fill byte.
func (d *MemDevice) Erase(location, size uint32) error {
	if err := checkRange(d.geom, location, size); err != nil {
		return err
	}
	if err := checkAligned(location, size, d.geom.EraseGranularity); err != nil {
		return err
	}
	if d.EraseFault != nil && d.EraseFault(location, size) {
		return fmt.Errorf("%w: erase [%d, +%d)", ErrFaultInjected, location, size)
	}

	n := size
	cut := false
	if d.CutEraseAfter >= 0 && uint32(d.CutEraseAfter) < size {
		n = uint32(d.CutEraseAfter)
		d.CutEraseAfter = -1
		cut = true
	}

	for i := location; i < location+n; i++ {
		d.data[i] = d.geom.FillByte
	}

	if cut {
		return fmt.Errorf("%w: erase cut after %d of %d bytes",
			ErrFaultInjected, n, size)
	}
	return nil
}

// Image returns a copy of the full region contents.
func (d *MemDevice) Image() ([]byte, error) {
	img := make([]byte, len(d.data))
	copy(img, d.data)
	return img, nil
}

// SetImage replaces the full region contents.
func (d *MemDevice) SetImage(img []byte) error {
	if uint32(len(img)) != d.geom.Size {
		return fmt.Errorf("%w: image of %d bytes for region of %d",
			ErrOutOfRange, len(img), d.geom.Size)
	}
	copy(d.data, img)
	return nil
}

// Corrupt flips the byte at the given location, bypassing write semantics.
// It exists for tests and the inspector tooling.
func (d *MemDevice) Corrupt(location uint32) error {
	if err := checkRange(d.geom, location, 1); err != nil {
		return err
	}
	d.data[location] ^= 0xFF
	return nil
}
