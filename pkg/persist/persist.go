// Package persist implements a fault-tolerant persistence layer for a
// single fixed-size record stored in non-volatile memory.
//
// The region is partitioned into pages (the erase unit) holding one or more
// blocks, each a record image stamped with a 16-bit sequence number and a
// version-seeded CRC-16. Saves fill a page block by block before rotating to
// the next page, so every erase is spread evenly over the region, and the
// page holding the previous record is never erased before the new record is
// committed. Recovery after power loss scans every block and selects the
// most recent valid one by modular sequence comparison, so an interrupted
// erase resolves to the previous committed record, and a torn write to
// either the previous record or, when the new block verifies, the new one.
package persist

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/float32/persist/pkg/common/log"
	"github.com/float32/persist/pkg/crc16"
	"github.com/float32/persist/pkg/nvmem"
	"github.com/float32/persist/pkg/stats"
)

var (
	// ErrNoData indicates the region holds no valid record.
	ErrNoData = errors.New("persist: no data")
	// ErrErase indicates the device failed an erase.
	ErrErase = errors.New("persist: erase failed")
	// ErrWrite indicates the device failed a write.
	ErrWrite = errors.New("persist: write failed")
	// ErrRead indicates the device failed a read.
	ErrRead = errors.New("persist: read failed")
	// ErrConfig indicates an invalid store configuration.
	ErrConfig = errors.New("persist: invalid configuration")
)

// noActiveBlock is the active block sentinel meaning "none".
const noActiveBlock = int32(-1)

// Options configures a Store.
type Options struct {
	// RecordSize is the fixed record size in bytes.
	RecordSize int

	// Version tags the record schema. It is burned into the CRC seed, so
	// blocks written under a different version fail verification and read
	// as absent rather than being misinterpreted.
	Version uint8

	// AllowSinglePage permits a single-page region. In that geometry the
	// erase that precedes a rotating save destroys the previous record
	// before the new one lands, so power loss during such a save loses
	// data. The zero value demands at least two pages.
	AllowSinglePage bool

	// Logger receives recovery diagnostics. Defaults to the package-wide
	// default logger.
	Logger log.Logger

	// Collector, when non-nil, accumulates recovery scan statistics.
	Collector *stats.Collector
}

// Store persists one fixed-size record in an NVMem region. It assumes a
// single owner: methods must not be called concurrently. The device must be
// initialized before the store is created and must outlive it.
type Store struct {
	dev  nvmem.Device
	geom nvmem.Geometry
	layout

	version   uint8
	logger    log.Logger
	collector *stats.Collector

	crc         crc16.Engine
	block       []byte
	activeBlock int32
	sequence    uint16
}

// New validates the geometry against opts and returns an uninitialized
// store. Init must be called before any other method.
func New(dev nvmem.Device, opts Options) (*Store, error) {
	geom := dev.Geometry()
	if err := geom.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if opts.RecordSize <= 0 {
		return nil, fmt.Errorf("%w: record size %d", ErrConfig, opts.RecordSize)
	}

	l, err := computeLayout(geom, uint32(opts.RecordSize))
	if err != nil {
		return nil, err
	}

	if !opts.AllowSinglePage && l.numPages < 2 {
		return nil, fmt.Errorf("%w: %d-page region is not fault-tolerant",
			ErrConfig, l.numPages)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.GetDefaultLogger()
	}

	return &Store{
		dev:         dev,
		geom:        geom,
		layout:      l,
		version:     opts.Version,
		logger:      logger,
		collector:   opts.Collector,
		block:       make([]byte, l.blockSize),
		activeBlock: noActiveBlock,
	}, nil
}

// Init prepares the CRC engine and runs the recovery scan. It must be
// called before Load or Save, and may be called again at any time to
// re-synchronize with the region contents.
func (s *Store) Init() error {
	s.crc.Init()
	return s.reset()
}

// Load copies the most recent committed record into dst without touching
// the device. It returns ErrNoData when the region holds no valid record.
func (s *Store) Load(dst []byte) error {
	if len(dst) != int(s.recordSize) {
		return fmt.Errorf("%w: destination of %d bytes, record is %d",
			ErrConfig, len(dst), s.recordSize)
	}
	if s.activeBlock == noActiveBlock {
		return ErrNoData
	}

	copy(dst, s.blockData(s.block))
	return nil
}

// Save durably persists src. Saving bytes identical to the active record is
// a no-op. On write failure the store rescans the region to re-establish
// its invariants before reporting ErrWrite.
func (s *Store) Save(src []byte) error {
	if len(src) != int(s.recordSize) {
		return fmt.Errorf("%w: record of %d bytes, want %d",
			ErrConfig, len(src), s.recordSize)
	}

	if s.dataIsSame(src) {
		return nil
	}

	next := s.nextWritableBlock(s.activeBlock)

	if next == noActiveBlock {
		if s.activeBlock == noActiveBlock {
			// Fresh or fully corrupted region: start over from block 0.
			if err := s.dev.Erase(0, s.numPages*s.pageSize); err != nil {
				return fmt.Errorf("%w: %v", ErrErase, err)
			}
			next = 0
			s.sequence = 0
		} else {
			// Rotate: erase the page after the one holding the active
			// block. The active block stays intact on its own page until
			// the new record is committed.
			currentPage := uint32(s.activeBlock) / s.blocksPerPage
			nextPage := (currentPage + 1) % s.numPages

			if err := s.dev.Erase(nextPage*s.pageSize, s.pageSize); err != nil {
				return fmt.Errorf("%w: %v", ErrErase, err)
			}
			next = int32(nextPage * s.blocksPerPage)
			s.sequence++
		}
	} else {
		s.sequence++
	}

	s.activeBlock = next
	location := s.blockLocation(uint32(s.activeBlock))

	s.encodeBlock(s.block, src, s.sequence, s.geom.FillByte)
	s.stampCRC(s.block, s.getCRC(s.block))

	if err := s.dev.Write(location, s.block); err != nil {
		s.reset()
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	return nil
}

// reset rescans the region and selects the most recent valid block, or
// leaves the store with no active block when none exists.
func (s *Store) reset() error {
	start := time.Now()
	var scanned, rejects, switches uint64

	s.sequence = 0
	s.activeBlock = noActiveBlock

	for i := uint32(0); i < s.numBlocks; i++ {
		if err := s.dev.Read(s.block, s.blockLocation(i)); err != nil {
			s.activeBlock = noActiveBlock
			s.sequence = 0
			return fmt.Errorf("%w: %v", ErrRead, err)
		}
		scanned++

		if s.blockCRC(s.block) != s.getCRC(s.block) {
			rejects++
			continue
		}

		sn := s.blockSequence(s.block)
		if s.activeBlock == noActiveBlock || s.sequenceNewer(sn, s.sequence) {
			if s.activeBlock != noActiveBlock {
				switches++
			}
			s.activeBlock = int32(i)
			s.sequence = sn
		}
	}

	// The scratch buffer now holds the last block scanned, not necessarily
	// the winner, so re-read the winner to make the cache authoritative.
	if s.activeBlock != noActiveBlock {
		location := s.blockLocation(uint32(s.activeBlock))
		if err := s.dev.Read(s.block, location); err != nil {
			s.activeBlock = noActiveBlock
			s.sequence = 0
			return fmt.Errorf("%w: %v", ErrRead, err)
		}
	}

	s.trackScan(scanned, rejects, switches, time.Since(start))

	if s.activeBlock == noActiveBlock {
		s.logger.Debug("recovery scan found no valid block (%d scanned, %d CRC rejects)",
			scanned, rejects)
	} else {
		s.logger.Debug("recovery scan selected block %d, sequence %d",
			s.activeBlock, s.sequence)
	}

	return nil
}

func (s *Store) trackScan(scanned, rejects, switches uint64, elapsed time.Duration) {
	if s.collector == nil {
		return
	}
	rec := s.collector.Recovery()
	rec.Scans.Add(1)
	rec.BlocksScanned.Add(scanned)
	rec.CRCRejects.Add(rejects)
	rec.CandidateSwitches.Add(switches)
	rec.ScanDuration.Add(int64(elapsed))
}

// sequenceNewer reports whether sn supersedes current under modular
// wraparound: sn is newer when it is ahead of current by less than
// numBlocks, or behind current by numBlocks or more (a sequence that has
// wrapped past 2^16). Capping numBlocks at 2^15 keeps the two cases apart.
func (s *Store) sequenceNewer(sn, current uint16) bool {
	n := uint16(s.numBlocks)
	return (sn > current && sn-current < n) ||
		(sn < current && current-sn >= n)
}

// getCRC computes the block checksum over the record image and sequence
// number, seeding the engine with the schema version.
func (s *Store) getCRC(block []byte) uint16 {
	seed := uint16(s.version) | uint16(^s.version)<<8
	s.crc.Seed(seed)
	return s.crc.Process(block[:s.recordSize+sequenceSize])
}

// nextWritableBlock scans forward circularly from the successor of current
// and returns the first block the device reports writable, or noActiveBlock
// when the scan wraps all the way around without a hit.
func (s *Store) nextWritableBlock(current int32) int32 {
	if current == noActiveBlock {
		current = int32(s.numBlocks) - 1
	}

	next := current
	for {
		next = (next + 1) % int32(s.numBlocks)
		if s.dev.Writable(s.blockLocation(uint32(next)), s.blockSize) {
			return next
		}
		if next == current {
			return noActiveBlock
		}
	}
}

func (s *Store) dataIsSame(data []byte) bool {
	return s.activeBlock != noActiveBlock &&
		bytes.Equal(s.blockData(s.block), data)
}

// RecordSize returns the fixed record size in bytes.
func (s *Store) RecordSize() int {
	return int(s.recordSize)
}

// BlockSize returns the on-media block size in bytes.
func (s *Store) BlockSize() uint32 {
	return s.blockSize
}

// PageSize returns the page size in bytes.
func (s *Store) PageSize() uint32 {
	return s.pageSize
}

// BlocksPerPage returns the number of blocks per page.
func (s *Store) BlocksPerPage() uint32 {
	return s.blocksPerPage
}

// NumBlocks returns the number of blocks in the region.
func (s *Store) NumBlocks() uint32 {
	return s.numBlocks
}

// NumPages returns the number of pages in the region.
func (s *Store) NumPages() uint32 {
	return s.numPages
}

// ActiveBlock returns the index of the active block and whether one exists.
func (s *Store) ActiveBlock() (uint32, bool) {
	if s.activeBlock == noActiveBlock {
		return 0, false
	}
	return uint32(s.activeBlock), true
}

// Sequence returns the sequence number of the active block, or zero when
// there is none.
func (s *Store) Sequence() uint16 {
	return s.sequence
}

// BlockLocation returns the region offset of block n.
func (s *Store) BlockLocation(n uint32) uint32 {
	return s.blockLocation(n)
}

// VerifyBlock reads block n and reports its sequence number and whether its
// stored CRC matches. It exists for inspection tooling and does not disturb
// the store's cached state beyond the scratch read buffer it allocates.
func (s *Store) VerifyBlock(n uint32) (sequence uint16, valid bool, err error) {
	if n >= s.numBlocks {
		return 0, false, fmt.Errorf("%w: block %d of %d", ErrConfig, n, s.numBlocks)
	}

	block := make([]byte, s.blockSize)
	if err := s.dev.Read(block, s.blockLocation(n)); err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrRead, err)
	}

	return s.blockSequence(block), s.blockCRC(block) == s.getCRC(block), nil
}
