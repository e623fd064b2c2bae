package persist

import (
	"encoding/binary"
	"fmt"

	"github.com/float32/persist/pkg/nvmem"
)

const (
	sequenceSize = 2
	crcSize      = 2

	// maxBlocks caps the region at half the 16-bit sequence namespace so
	// the modular comparator in the recovery scan is unambiguous.
	maxBlocks = 1 << 15
)

// layout holds the derived region geometry. A block is one record image
// plus its sequence number, CRC and write-granularity padding; a page is
// one or more blocks rounded up to erase alignment.
type layout struct {
	recordSize    uint32
	paddingSize   uint32
	blockSize     uint32
	pageSize      uint32
	blocksPerPage uint32
	numBlocks     uint32
	numPages      uint32
}

// padSize returns the smallest non-negative pad that rounds unpadded up to
// a multiple of granularity.
func padSize(unpadded, granularity uint32) uint32 {
	rem := unpadded % granularity
	return (granularity - rem) % granularity
}

func computeLayout(geom nvmem.Geometry, recordSize uint32) (layout, error) {
	var l layout

	if recordSize == 0 {
		return l, fmt.Errorf("%w: zero record size", ErrConfig)
	}

	l.recordSize = recordSize
	unpadded := recordSize + sequenceSize + crcSize
	l.paddingSize = padSize(unpadded, geom.WriteGranularity)
	l.blockSize = unpadded + l.paddingSize
	l.pageSize = l.blockSize + padSize(l.blockSize, geom.EraseGranularity)
	l.blocksPerPage = l.pageSize / l.blockSize

	l.numBlocks = (geom.Size / l.pageSize) * l.blocksPerPage
	if l.numBlocks > maxBlocks {
		l.numBlocks = maxBlocks
	}
	l.numPages = (l.numBlocks + l.blocksPerPage - 1) / l.blocksPerPage

	if l.blocksPerPage == 0 || l.numPages == 0 || l.numBlocks == 0 {
		return l, fmt.Errorf("%w: region of %d bytes holds no %d-byte pages",
			ErrConfig, geom.Size, l.pageSize)
	}

	return l, nil
}

// blockLocation returns the region offset of block n.
func (l layout) blockLocation(n uint32) uint32 {
	page := n / l.blocksPerPage
	return page*l.pageSize + (n-page*l.blocksPerPage)*l.blockSize
}

// Block field accessors over a raw block image.

func (l layout) blockData(block []byte) []byte {
	return block[:l.recordSize]
}

func (l layout) blockSequence(block []byte) uint16 {
	return binary.LittleEndian.Uint16(block[l.recordSize:])
}

func (l layout) blockCRC(block []byte) uint16 {
	return binary.LittleEndian.Uint16(block[l.recordSize+sequenceSize:])
}

// encodeBlock lays out data, sequence and padding into block. The CRC field
// is stamped separately once the checksum over data and sequence is known.
func (l layout) encodeBlock(block []byte, data []byte, sequence uint16, fill byte) {
	copy(block[:l.recordSize], data)
	binary.LittleEndian.PutUint16(block[l.recordSize:], sequence)
	for i := l.recordSize + sequenceSize + crcSize; i < l.blockSize; i++ {
		block[i] = fill
	}
}

func (l layout) stampCRC(block []byte, crc uint16) {
	binary.LittleEndian.PutUint16(block[l.recordSize+sequenceSize:], crc)
}
