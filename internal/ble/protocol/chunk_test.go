package protocol

import (
	"bytes"
	"testing"
)

func TestChunkBytesEmpty(t *testing.T) {
	if chunks := ChunkBytes(nil, 20); chunks != nil {
		t.Errorf("got %d chunks for empty data, want nil", len(chunks))
	}
	if chunks := ChunkBytes([]byte{1}, 0); chunks != nil {
		t.Errorf("got %d chunks for max=0, want nil", len(chunks))
	}
}

func TestChunkBytesCountAndReassembly(t *testing.T) {
	tests := []struct {
		size, max, want int
	}{
		{1, 20, 1},
		{20, 20, 1},
		{21, 20, 2},
		{1000, 240, 5},
		{4096, 180, 23},
		{100000, 240, 417},
	}
	for _, tt := range tests {
		data := make([]byte, tt.size)
		for i := range data {
			data[i] = byte(i * 7)
		}

		chunks := ChunkBytes(data, tt.max)
		if len(chunks) != tt.want {
			t.Errorf("ChunkBytes(%d, %d) = %d chunks, want %d", tt.size, tt.max, len(chunks), tt.want)
			continue
		}
		for i, c := range chunks {
			if len(c) > tt.max {
				t.Errorf("chunk[%d] len=%d exceeds max=%d", i, len(c), tt.max)
			}
			if i < len(chunks)-1 && len(c) != tt.max {
				t.Errorf("chunk[%d] len=%d, want full chunk of %d", i, len(c), tt.max)
			}
		}
		if got := bytes.Join(chunks, nil); !bytes.Equal(got, data) {
			t.Errorf("reassembled %d bytes differ from original", tt.size)
		}
	}
}

func TestChunkBytesAppendDoesNotClobber(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	chunks := ChunkBytes(data, 2)
	_ = append(chunks[0], 9)
	if data[2] != 3 {
		t.Errorf("append to chunk overwrote source: data = %v", data)
	}
}
