// Package config defines device profiles: JSON descriptions of an NVMem
// region's geometry and the record stored in it, used by the tooling to
// create and open region images.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/float32/persist/pkg/nvmem"
)

const CurrentProfileVersion = 1

var (
	ErrInvalidProfile  = errors.New("invalid device profile")
	ErrProfileNotFound = errors.New("device profile not found")
)

// Profile describes a device geometry and the record persisted in it.
type Profile struct {
	ProfileVersion int `json:"profile_version"`

	// Region geometry
	Size             uint32 `json:"size"`
	EraseGranularity uint32 `json:"erase_granularity"`
	WriteGranularity uint32 `json:"write_granularity"`
	FillByte         byte   `json:"fill_byte"`

	// Record parameters
	RecordSize      int   `json:"record_size"`
	DatatypeVersion uint8 `json:"datatype_version"`

	// AllowSinglePage opts into non-fault-tolerant single-page geometry.
	AllowSinglePage bool `json:"allow_single_page,omitempty"`
}

// NewDefaultProfile returns a profile for a common small NOR flash region.
func NewDefaultProfile() *Profile {
	return &Profile{
		ProfileVersion:   CurrentProfileVersion,
		Size:             4096,
		EraseGranularity: 1024,
		WriteGranularity: 4,
		FillByte:         0xFF,
		RecordSize:       16,
		DatatypeVersion:  1,
	}
}

// Validate checks if the profile is internally consistent.
func (p *Profile) Validate() error {
	if p.ProfileVersion <= 0 {
		return fmt.Errorf("%w: profile version %d", ErrInvalidProfile, p.ProfileVersion)
	}
	if err := p.Geometry().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if p.RecordSize <= 0 {
		return fmt.Errorf("%w: record size must be positive", ErrInvalidProfile)
	}
	return nil
}

// Geometry returns the region geometry the profile describes.
func (p *Profile) Geometry() nvmem.Geometry {
	return nvmem.Geometry{
		Size:             p.Size,
		EraseGranularity: p.EraseGranularity,
		WriteGranularity: p.WriteGranularity,
		FillByte:         p.FillByte,
	}
}

// LoadProfile reads and validates a profile from a JSON file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	return &profile, nil
}

// Save writes the profile to a JSON file.
func (p *Profile) Save(path string) error {
	if err := p.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}
