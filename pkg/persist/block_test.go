package persist

import (
	"testing"

	"github.com/float32/persist/pkg/nvmem"
)

func TestPadSize(t *testing.T) {
	tests := []struct {
		unpadded, granularity, want uint32
	}{
		{8, 4, 0},
		{9, 4, 3},
		{11, 4, 1},
		{12, 4, 0},
		{1, 1, 0},
		{5, 8, 3},
	}

	for _, tt := range tests {
		if got := padSize(tt.unpadded, tt.granularity); got != tt.want {
			t.Errorf("padSize(%d, %d) = %d, want %d",
				tt.unpadded, tt.granularity, got, tt.want)
		}
	}
}

func TestComputeLayout(t *testing.T) {
	tests := []struct {
		name       string
		geom       nvmem.Geometry
		recordSize uint32
		want       layout
		wantErr    bool
	}{
		{
			name:       "flash 4K",
			geom:       nvmem.Geometry{Size: 4096, EraseGranularity: 1024, WriteGranularity: 4},
			recordSize: 4,
			want: layout{
				recordSize: 4, paddingSize: 0, blockSize: 8,
				pageSize: 1024, blocksPerPage: 128,
				numBlocks: 512, numPages: 4,
			},
		},
		{
			name:       "padded block",
			geom:       nvmem.Geometry{Size: 4096, EraseGranularity: 1024, WriteGranularity: 8},
			recordSize: 5,
			want: layout{
				recordSize: 5, paddingSize: 7, blockSize: 16,
				pageSize: 1024, blocksPerPage: 64,
				numBlocks: 256, numPages: 4,
			},
		},
		{
			name:       "eeprom byte granularity",
			geom:       nvmem.Geometry{Size: 64, EraseGranularity: 1, WriteGranularity: 1},
			recordSize: 4,
			want: layout{
				recordSize: 4, paddingSize: 0, blockSize: 8,
				pageSize: 8, blocksPerPage: 1,
				numBlocks: 8, numPages: 8,
			},
		},
		{
			name:       "block cap at half the sequence space",
			geom:       nvmem.Geometry{Size: 1 << 20, EraseGranularity: 1, WriteGranularity: 1},
			recordSize: 4,
			want: layout{
				recordSize: 4, paddingSize: 0, blockSize: 8,
				pageSize: 8, blocksPerPage: 1,
				numBlocks: maxBlocks, numPages: maxBlocks,
			},
		},
		{
			name:       "region smaller than one page",
			geom:       nvmem.Geometry{Size: 512, EraseGranularity: 512, WriteGranularity: 4},
			recordSize: 600,
			wantErr:    true,
		},
		{
			name:       "zero record",
			geom:       nvmem.Geometry{Size: 4096, EraseGranularity: 1024, WriteGranularity: 4},
			recordSize: 0,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := computeLayout(tt.geom, tt.recordSize)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("computeLayout() = %+v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("computeLayout() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("computeLayout() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBlockLocation(t *testing.T) {
	l := layout{
		recordSize: 4, blockSize: 8, pageSize: 1024,
		blocksPerPage: 128, numBlocks: 512, numPages: 4,
	}

	tests := []struct {
		block, want uint32
	}{
		{0, 0},
		{1, 8},
		{127, 127 * 8},
		{128, 1024},
		{129, 1024 + 8},
		{511, 3*1024 + 127*8},
	}

	for _, tt := range tests {
		if got := l.blockLocation(tt.block); got != tt.want {
			t.Errorf("blockLocation(%d) = %d, want %d", tt.block, got, tt.want)
		}
	}
}

func TestBlockFieldAccessors(t *testing.T) {
	l := layout{recordSize: 4, blockSize: 12, paddingSize: 4}

	block := make([]byte, l.blockSize)
	l.encodeBlock(block, []byte{0xDE, 0xAD, 0xBE, 0xEF}, 0x1234, 0xFF)
	l.stampCRC(block, 0xABCD)

	want := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x34, 0x12, 0xCD, 0xAB, 0xFF, 0xFF, 0xFF, 0xFF}
	for i := range want {
		if block[i] != want[i] {
			t.Fatalf("block byte %d = %#02x, want %#02x", i, block[i], want[i])
		}
	}

	if got := l.blockSequence(block); got != 0x1234 {
		t.Errorf("blockSequence = %#04x, want 0x1234", got)
	}
	if got := l.blockCRC(block); got != 0xABCD {
		t.Errorf("blockCRC = %#04x, want 0xABCD", got)
	}
}
