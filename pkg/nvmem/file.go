package nvmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
)

const (
	// FileMagic identifies a region image file.
	FileMagic = uint64(0x4E564D454D494D47) // "NVMEMIMG"
	// FileFormatVersion is the current image file format version.
	FileFormatVersion = uint32(1)
	// fileHeaderSize is the fixed size of the image header in bytes.
	fileHeaderSize = 36
)

var (
	ErrBadImage       = errors.New("nvmem: invalid region image")
	ErrImageChecksum  = errors.New("nvmem: region image header checksum mismatch")
	ErrImageVersion   = errors.New("nvmem: unsupported region image version")
	ErrImageTruncated = errors.New("nvmem: region image truncated")
)

// FileDevice is a region image stored in a file. The file holds a fixed
// header describing the geometry, guarded by an xxhash64 checksum, followed
// by the raw region payload. The payload is mirrored in memory; writes and
// erases update both and sync the file, so an image survives process exits
// at operation boundaries.
type FileDevice struct {
	geom Geometry
	file *os.File
	data []byte
}

func encodeFileHeader(geom Geometry) []byte {
	header := make([]byte, fileHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], FileMagic)
	binary.LittleEndian.PutUint32(header[8:12], FileFormatVersion)
	binary.LittleEndian.PutUint32(header[12:16], geom.Size)
	binary.LittleEndian.PutUint32(header[16:20], geom.EraseGranularity)
	binary.LittleEndian.PutUint32(header[20:24], geom.WriteGranularity)
	header[24] = geom.FillByte
	// header[25:28] reserved
	checksum := xxhash.Sum64(header[:28])
	binary.LittleEndian.PutUint64(header[28:36], checksum)
	return header
}

func decodeFileHeader(header []byte) (Geometry, error) {
	var geom Geometry
	if len(header) < fileHeaderSize {
		return geom, fmt.Errorf("%w: header of %d bytes, expected %d",
			ErrBadImage, len(header), fileHeaderSize)
	}

	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != FileMagic {
		return geom, fmt.Errorf("%w: magic %#016x", ErrBadImage, magic)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != FileFormatVersion {
		return geom, fmt.Errorf("%w: version %d", ErrImageVersion, version)
	}

	stored := binary.LittleEndian.Uint64(header[28:36])
	if computed := xxhash.Sum64(header[:28]); stored != computed {
		return geom, fmt.Errorf("%w: stored %#016x, computed %#016x",
			ErrImageChecksum, stored, computed)
	}

	geom.Size = binary.LittleEndian.Uint32(header[12:16])
	geom.EraseGranularity = binary.LittleEndian.Uint32(header[16:20])
	geom.WriteGranularity = binary.LittleEndian.Uint32(header[20:24])
	geom.FillByte = header[24]
	return geom, nil
}

// CreateFileDevice builds a fresh, fully erased region image at path.
func CreateFileDevice(path string, geom Geometry) (*FileDevice, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create region image: %w", err)
	}

	data := make([]byte, geom.Size)
	for i := range data {
		data[i] = geom.FillByte
	}

	if _, err := file.Write(encodeFileHeader(geom)); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write image header: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write image payload: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to sync region image: %w", err)
	}

	return &FileDevice{geom: geom, file: file, data: data}, nil
}

// OpenFileDevice opens an existing region image and verifies its header.
func OpenFileDevice(path string) (*FileDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open region image: %w", err)
	}

	header := make([]byte, fileHeaderSize)
	if _, err := file.ReadAt(header, 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}

	geom, err := decodeFileHeader(header)
	if err != nil {
		file.Close()
		return nil, err
	}
	if err := geom.Validate(); err != nil {
		file.Close()
		return nil, err
	}

	data := make([]byte, geom.Size)
	if n, err := file.ReadAt(data, fileHeaderSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %d of %d payload bytes: %v",
			ErrImageTruncated, n, geom.Size, err)
	}

	return &FileDevice{geom: geom, file: file, data: data}, nil
}

// Geometry returns the fixed region properties.
func (d *FileDevice) Geometry() Geometry {
	return d.geom
}

// Read copies len(dst) bytes starting at location into dst.
func (d *FileDevice) Read(dst []byte, location uint32) error {
	size := uint32(len(dst))
	if err := checkRange(d.geom, location, size); err != nil {
		return err
	}
	copy(dst, d.data[location:location+size])
	return nil
}

// Writable reports whether the range currently holds only fill bytes.
func (d *FileDevice) Writable(location, size uint32) bool {
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
func (d *FileDevice) Write(location uint32, src []byte) error {
	size := uint32(len(src))
	if err := checkRange(d.geom, location, size); err != nil {
		return err
	}
	if err := checkAligned(location, size, d.geom.WriteGranularity); err != nil {
		return err
	}
	if !d.Writable(location, size) {
		return fmt.Errorf("%w: write [%d, +%d)", ErrNotWritable, location, size)
	}

	copy(d.data[location:], src)
	return d.flush(location, size)
}

// Erase resets size bytes starting at location to the fill byte.
func (d *FileDevice) Erase(location, size uint32) error {
	if err := checkRange(d.geom, location, size); err != nil {
		return err
	}
	if err := checkAligned(location, size, d.geom.EraseGranularity); err != nil {
		return err
	}

	for i := location; i < location+size; i++ {
		d.data[i] = d.geom.FillByte
	}
	return d.flush(location, size)
}

func (d *FileDevice) flush(location, size uint32) error {
	if _, err := d.file.WriteAt(d.data[location:location+size],
		int64(fileHeaderSize)+int64(location)); err != nil {
		return fmt.Errorf("failed to update region image: %w", err)
	}
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync region image: %w", err)
	}
	return nil
}

// Image returns a copy of the full region contents.
func (d *FileDevice) Image() ([]byte, error) {
	img := make([]byte, len(d.data))
	copy(img, d.data)
	return img, nil
}

// SetImage replaces the full region contents.
func (d *FileDevice) SetImage(img []byte) error {
	if uint32(len(img)) != d.geom.Size {
		return fmt.Errorf("%w: image of %d bytes for region of %d",
			ErrOutOfRange, len(img), d.geom.Size)
	}
	copy(d.data, img)
	return d.flush(0, d.geom.Size)
}

// Close syncs and closes the underlying file.
func (d *FileDevice) Close() error {
	if err := d.file.Sync(); err != nil {
		d.file.Close()
		return fmt.Errorf("failed to sync region image: %w", err)
	}
	return d.file.Close()
}
