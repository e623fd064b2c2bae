package snapshot

import (
	"bytes"
	"errors"
	"testing"

	"github.com/float32/persist/pkg/nvmem"
	"github.com/float32/persist/pkg/persist"
)

func testGeometry() nvmem.Geometry {
	return nvmem.Geometry{
		Size:             4096,
		EraseGranularity: 1024,
		WriteGranularity: 4,
		FillByte:         0xFF,
	}
}

func newPopulatedDevice(t *testing.T) *nvmem.MemDevice {
	t.Helper()

	dev, err := nvmem.NewMemDevice(testGeometry())
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}

	store, err := persist.New(dev, persist.Options{RecordSize: 8, Version: 1})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	for _, rec := range [][]byte{
		{1, 2, 3, 4, 5, 6, 7, 8},
		{8, 7, 6, 5, 4, 3, 2, 1},
	} {
		if err := store.Save(rec); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	return dev
}

func TestExportRestoreRoundTrip(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecSnappy, CodecZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			dev := newPopulatedDevice(t)
			want, err := dev.Image()
			if err != nil {
				t.Fatalf("Image failed: %v", err)
			}

			var buf bytes.Buffer
			if err := Export(&buf, dev, codec); err != nil {
				t.Fatalf("Export failed: %v", err)
			}

			fresh, err := nvmem.NewMemDevice(testGeometry())
			if err != nil {
				t.Fatalf("Failed to create device: %v", err)
			}
			if err := Restore(bytes.NewReader(buf.Bytes()), fresh); err != nil {
				t.Fatalf("Restore failed: %v", err)
			}

			got, err := fresh.Image()
			if err != nil {
				t.Fatalf("Image failed: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Error("restored image differs from original")
			}

			// The restored region must recover to the same record.
			store, err := persist.New(fresh, persist.Options{RecordSize: 8, Version: 1})
			if err != nil {
				t.Fatalf("Failed to create store: %v", err)
			}
			if err := store.Init(); err != nil {
				t.Fatalf("Init failed: %v", err)
			}
			rec := make([]byte, 8)
			if err := store.Load(rec); err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if !bytes.Equal(rec, []byte{8, 7, 6, 5, 4, 3, 2, 1}) {
				t.Errorf("recovered record = %x", rec)
			}
		})
	}
}

func TestImportReportsGeometry(t *testing.T) {
	dev := newPopulatedDevice(t)

	var buf bytes.Buffer
	if err := Export(&buf, dev, CodecZstd); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	geom, img, err := Import(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if geom != testGeometry() {
		t.Errorf("geometry = %+v, want %+v", geom, testGeometry())
	}
	if uint32(len(img)) != geom.Size {
		t.Errorf("image size = %d, want %d", len(img), geom.Size)
	}
}

func TestImportRejectsCorruptPayload(t *testing.T) {
	dev := newPopulatedDevice(t)

	var buf bytes.Buffer
	if err := Export(&buf, dev, CodecSnappy); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF

	if _, _, err := Import(bytes.NewReader(raw)); !errors.Is(err, ErrChecksum) {
		t.Errorf("Import of corrupt payload = %v, want ErrChecksum", err)
	}
}

func TestImportRejectsBadMagic(t *testing.T) {
	raw := make([]byte, 128)
	if _, _, err := Import(bytes.NewReader(raw)); !errors.Is(err, ErrBadContainer) {
		t.Errorf("Import of zeroed container = %v, want ErrBadContainer", err)
	}
}

func TestRestoreRejectsGeometryMismatch(t *testing.T) {
	dev := newPopulatedDevice(t)

	var buf bytes.Buffer
	if err := Export(&buf, dev, CodecNone); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	other, err := nvmem.NewMemDevice(nvmem.Geometry{
		Size:             8192,
		EraseGranularity: 1024,
		WriteGranularity: 4,
		FillByte:         0xFF,
	})
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}

	if err := Restore(bytes.NewReader(buf.Bytes()), other); !errors.Is(err, ErrGeometryMismatch) {
		t.Errorf("Restore onto mismatched device = %v, want ErrGeometryMismatch", err)
	}
}

func TestParseCodec(t *testing.T) {
	for _, name := range []string{"none", "snappy", "zstd"} {
		codec, err := ParseCodec(name)
		if err != nil {
			t.Errorf("ParseCodec(%q) failed: %v", name, err)
		}
		if codec.String() != name {
			t.Errorf("ParseCodec(%q).String() = %q", name, codec.String())
		}
	}

	if _, err := ParseCodec("lz4"); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("ParseCodec(lz4) = %v, want ErrUnknownCodec", err)
	}
}
