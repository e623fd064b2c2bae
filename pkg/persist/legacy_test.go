package persist

import (
	"bytes"
	"errors"
	"testing"

	"github.com/float32/persist/pkg/nvmem"
)

// widen doubles a record by appending zero bytes, standing in for an
// application's schema upgrade.
func widen(old []byte) ([]byte, error) {
	converted := make([]byte, 2*len(old))
	copy(converted, old)
	return converted, nil
}

func newVersionedStore(t *testing.T, dev nvmem.Device, recordSize int, version uint8) *Store {
	t.Helper()
	store, err := New(dev, Options{RecordSize: recordSize, Version: version})
	if err != nil {
		t.Fatalf("Failed to create v%d store: %v", version, err)
	}
	return store
}

func TestLoadLegacyFindsPriorGeneration(t *testing.T) {
	dev := newTestDevice(t, testGeometry())

	v1 := newVersionedStore(t, dev, 4, 1)
	if err := v1.Init(); err != nil {
		t.Fatalf("v1 Init failed: %v", err)
	}
	old := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	mustSave(t, v1, old)

	v2 := newVersionedStore(t, dev, 8, 2)
	if err := v2.Init(); err != nil {
		t.Fatalf("v2 Init failed: %v", err)
	}

	// Plain Load sees nothing: v1 blocks fail the v2-seeded CRC.
	if err := v2.Load(make([]byte, 8)); !errors.Is(err, ErrNoData) {
		t.Fatalf("v2 Load = %v, want ErrNoData", err)
	}

	got := make([]byte, 8)
	prior := newVersionedStore(t, dev, 4, 1)
	if err := v2.LoadLegacy(got, Legacy{Store: prior, Convert: widen}); err != nil {
		t.Fatalf("LoadLegacy failed: %v", err)
	}

	want := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Errorf("LoadLegacy = %x, want %x", got, want)
	}
}

func TestLoadLegacyPrefersCurrentGeneration(t *testing.T) {
	dev := newTestDevice(t, testGeometry())

	v2 := newVersionedStore(t, dev, 8, 2)
	if err := v2.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	current := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	mustSave(t, v2, current)

	convertCalled := false
	prior := newVersionedStore(t, dev, 4, 1)
	got := make([]byte, 8)
	err := v2.LoadLegacy(got, Legacy{
		Store: prior,
		Convert: func(old []byte) ([]byte, error) {
			convertCalled = true
			return widen(old)
		},
	})
	if err != nil {
		t.Fatalf("LoadLegacy failed: %v", err)
	}
	if !bytes.Equal(got, current) {
		t.Errorf("LoadLegacy = %x, want current record %x", got, current)
	}
	if convertCalled {
		t.Error("conversion ran although the current generation had data")
	}
}

func TestLoadLegacyTwoLevelChain(t *testing.T) {
	dev := newTestDevice(t, testGeometry())

	// Oldest generation holds the only data.
	v0 := newVersionedStore(t, dev, 4, 0)
	if err := v0.Init(); err != nil {
		t.Fatalf("v0 Init failed: %v", err)
	}
	mustSave(t, v0, []byte{0x11, 0x22, 0x33, 0x44})

	v2 := newVersionedStore(t, dev, 16, 2)
	if err := v2.Init(); err != nil {
		t.Fatalf("v2 Init failed: %v", err)
	}

	got := make([]byte, 16)
	err := v2.LoadLegacy(got,
		Legacy{Store: newVersionedStore(t, dev, 8, 1), Convert: widen},
		Legacy{Store: newVersionedStore(t, dev, 4, 0), Convert: widen},
	)
	if err != nil {
		t.Fatalf("LoadLegacy failed: %v", err)
	}

	want := make([]byte, 16)
	copy(want, []byte{0x11, 0x22, 0x33, 0x44})
	if !bytes.Equal(got, want) {
		t.Errorf("LoadLegacy = %x, want %x", got, want)
	}
}

func TestLoadLegacyEmptyChainReportsNoData(t *testing.T) {
	dev := newTestDevice(t, testGeometry())
	store := newTestStore(t, dev)

	if err := store.LoadLegacy(make([]byte, 4)); !errors.Is(err, ErrNoData) {
		t.Errorf("LoadLegacy with no priors = %v, want ErrNoData", err)
	}

	prior := newVersionedStore(t, dev, 4, 9)
	err := store.LoadLegacy(make([]byte, 4), Legacy{Store: prior, Convert: widen})
	if !errors.Is(err, ErrNoData) {
		t.Errorf("LoadLegacy over virgin region = %v, want ErrNoData", err)
	}
}

func TestLoadLegacyConversionSizeMismatch(t *testing.T) {
	dev := newTestDevice(t, testGeometry())

	v1 := newVersionedStore(t, dev, 4, 1)
	if err := v1.Init(); err != nil {
		t.Fatalf("v1 Init failed: %v", err)
	}
	mustSave(t, v1, record(5))

	v2 := newVersionedStore(t, dev, 8, 2)
	if err := v2.Init(); err != nil {
		t.Fatalf("v2 Init failed: %v", err)
	}

	err := v2.LoadLegacy(make([]byte, 8), Legacy{
		Store:   newVersionedStore(t, dev, 4, 1),
		Convert: func(old []byte) ([]byte, error) { return old, nil },
	})
	if !errors.Is(err, ErrConfig) {
		t.Errorf("LoadLegacy with short conversion = %v, want ErrConfig", err)
	}
}
