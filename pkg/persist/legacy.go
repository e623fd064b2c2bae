package persist

import (
	"errors"
	"fmt"
)

// Legacy describes one prior-generation store in a schema migration chain.
// Store reads the older layout from the same region (its own record size,
// version and block geometry), and Convert lifts a record of that
// generation into the next newer generation's layout. Convert must be
// side-effect-free.
type Legacy struct {
	Store   *Store
	Convert func(old []byte) ([]byte, error)
}

// LoadLegacy loads the current record, falling back through priors in order
// when the region holds no data for the current schema. The first prior
// that yields a record has it converted up the chain into dst. With no
// priors the call reduces to a plain Load, so a fully virgin region still
// reports ErrNoData. Errors other than ErrNoData propagate unchanged.
//
// Because every generation's CRC seed incorporates its own version, a
// region last written by older firmware produces valid checksums only for
// the matching prior reader; no version byte in the block body is needed to
// separate generations.
func (s *Store) LoadLegacy(dst []byte, priors ...Legacy) error {
	err := s.Load(dst)
	if !errors.Is(err, ErrNoData) || len(priors) == 0 {
		return err
	}

	first := priors[0]
	if first.Store == nil || first.Convert == nil {
		return fmt.Errorf("%w: legacy entry needs a store and a converter", ErrConfig)
	}

	if err := first.Store.Init(); err != nil {
		return err
	}

	old := make([]byte, first.Store.RecordSize())
	if err := first.Store.LoadLegacy(old, priors[1:]...); err != nil {
		return err
	}

	converted, err := first.Convert(old)
	if err != nil {
		return fmt.Errorf("%w: legacy conversion: %v", ErrConfig, err)
	}
	if len(converted) != int(s.recordSize) {
		return fmt.Errorf("%w: legacy conversion produced %d bytes, want %d",
			ErrConfig, len(converted), s.recordSize)
	}

	copy(dst, converted)
	return nil
}
