// Package snapshot exports and imports NVMem region images as compressed,
// checksummed container files. Snapshots capture a region byte for byte, so
// a restored image recovers to exactly the same record.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/float32/persist/pkg/nvmem"
)

// Codec selects the payload compression.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecZstd
)

// String returns the codec name as used by the CLI flags.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", c)
	}
}

// ParseCodec maps a codec name to its value.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

const (
	// Magic identifies a snapshot container.
	Magic = uint64(0x50534E415053484F) // "PSNAPSHO"
	// FormatVersion is the current container format version.
	FormatVersion = uint32(1)
	// headerSize is the fixed container header size in bytes.
	headerSize = 44
)

var (
	ErrUnknownCodec     = errors.New("snapshot: unknown compression codec")
	ErrBadContainer     = errors.New("snapshot: invalid container")
	ErrContainerVersion = errors.New("snapshot: unsupported container version")
	ErrChecksum         = errors.New("snapshot: payload checksum mismatch")
	ErrGeometryMismatch = errors.New("snapshot: geometry does not match device")
)

// Export writes a snapshot of the device's region to w.
func Export(w io.Writer, dev nvmem.Imager, codec Codec) error {
	img, err := dev.Image()
	if err != nil {
		return fmt.Errorf("failed to capture region image: %w", err)
	}

	payload, err := compress(img, codec)
	if err != nil {
		return err
	}

	geom := dev.Geometry()
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(header[0:8], Magic)
	binary.LittleEndian.PutUint32(header[8:12], FormatVersion)
	header[12] = byte(codec)
	header[13] = geom.FillByte
	// header[14:16] reserved
	binary.LittleEndian.PutUint32(header[16:20], geom.Size)
	binary.LittleEndian.PutUint32(header[20:24], geom.EraseGranularity)
	binary.LittleEndian.PutUint32(header[24:28], geom.WriteGranularity)
	binary.LittleEndian.PutUint64(header[28:36], uint64(len(payload)))
	binary.LittleEndian.PutUint64(header[36:44], xxhash.Sum64(payload))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write snapshot header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write snapshot payload: %w", err)
	}
	return nil
}

// Import reads a snapshot from r and returns the geometry and raw region
// image it carries.
func Import(r io.Reader) (nvmem.Geometry, []byte, error) {
	var geom nvmem.Geometry

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return geom, nil, fmt.Errorf("%w: short header: %v", ErrBadContainer, err)
	}

	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != Magic {
		return geom, nil, fmt.Errorf("%w: magic %#016x", ErrBadContainer, magic)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != FormatVersion {
		return geom, nil, fmt.Errorf("%w: version %d", ErrContainerVersion, version)
	}

	codec := Codec(header[12])
	geom.FillByte = header[13]
	geom.Size = binary.LittleEndian.Uint32(header[16:20])
	geom.EraseGranularity = binary.LittleEndian.Uint32(header[20:24])
	geom.WriteGranularity = binary.LittleEndian.Uint32(header[24:28])
	payloadSize := binary.LittleEndian.Uint64(header[28:36])
	checksum := binary.LittleEndian.Uint64(header[36:44])

	if err := geom.Validate(); err != nil {
		return geom, nil, fmt.Errorf("%w: %v", ErrBadContainer, err)
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return geom, nil, fmt.Errorf("%w: short payload: %v", ErrBadContainer, err)
	}

	if computed := xxhash.Sum64(payload); computed != checksum {
		return geom, nil, fmt.Errorf("%w: stored %#016x, computed %#016x",
			ErrChecksum, checksum, computed)
	}

	img, err := decompress(payload, codec)
	if err != nil {
		return geom, nil, err
	}
	if uint32(len(img)) != geom.Size {
		return geom, nil, fmt.Errorf("%w: image of %d bytes for region of %d",
			ErrBadContainer, len(img), geom.Size)
	}

	return geom, img, nil
}

// Restore imports a snapshot from r into dev. The snapshot's geometry must
// match the device's exactly.
func Restore(r io.Reader, dev nvmem.Imager) error {
	geom, img, err := Import(r)
	if err != nil {
		return err
	}
	if geom != dev.Geometry() {
		return fmt.Errorf("%w: snapshot %+v, device %+v",
			ErrGeometryMismatch, geom, dev.Geometry())
	}
	return dev.SetImage(img)
}

func compress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil

	case CodecSnappy:
		return snappy.Encode(nil, data), nil

	case CodecZstd:
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		defer encoder.Close()
		return encoder.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

func decompress(payload []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return payload, nil

	case CodecSnappy:
		img, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadContainer, err)
		}
		return img, nil

	case CodecZstd:
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer decoder.Close()
		img, err := decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadContainer, err)
		}
		return img, nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}
